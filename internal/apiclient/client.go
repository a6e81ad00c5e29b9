package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	HeaderSessionID     = "X-Session-ID"
	HeaderAuthorization = "Authorization"
)

// Authenticator supplies the bearer token and reacts to rejected credentials.
type Authenticator interface {
	AccessToken() string
	HandleUnauthorized()
}

// Options configures a Client.
type Options struct {
	BaseURL string
	// SessionID is the per-tab identifier sent as X-Session-ID on every request.
	SessionID string
	Timeout   time.Duration
	Transport http.RoundTripper
	Logger    *zap.Logger
}

// Client talks to the compliance backend. Every request passes through an
// interceptor that stamps the session header and the bearer token.
type Client struct {
	baseURL   string
	sessionID string
	http      *http.Client
	log       *zap.Logger

	mu   sync.RWMutex
	auth Authenticator
}

// New builds a Client.
func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("apiclient: base url is required")
	}
	if opts.SessionID == "" {
		return nil, errors.New("apiclient: session id is required")
	}

	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	c := &Client{
		baseURL:   base,
		sessionID: opts.SessionID,
		log:       log.Named("apiclient"),
	}
	c.http = &http.Client{
		Timeout:   opts.Timeout,
		Transport: &interceptor{base: transport, client: c},
	}
	return c, nil
}

// Use installs the authenticator consulted on every request.
func (c *Client) Use(a Authenticator) {
	c.mu.Lock()
	c.auth = a
	c.mu.Unlock()
}

// SessionID returns the X-Session-ID value.
func (c *Client) SessionID() string { return c.sessionID }

// BaseURL returns the backend root.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) authenticator() Authenticator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.auth
}

type (
	skipAuthHookKey struct{}
	bearerKey       struct{}
)

// withoutUnauthorizedHook marks requests whose 401 means "bad credentials", not "session expired".
func withoutUnauthorizedHook(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipAuthHookKey{}, true)
}

type interceptor struct {
	base   http.RoundTripper
	client *Client
}

func (t *interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set(HeaderSessionID, t.client.sessionID)

	auth := t.client.authenticator()
	token, explicit := req.Context().Value(bearerKey{}).(string)
	if !explicit && auth != nil {
		token = auth.AccessToken()
	}
	if token != "" {
		r.Header.Set(HeaderAuthorization, "Bearer "+token)
	} else {
		r.Header.Del(HeaderAuthorization)
	}

	resp, err := t.base.RoundTrip(r)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && auth != nil {
		if skip, _ := req.Context().Value(skipAuthHookKey{}).(bool); !skip {
			t.client.log.Info("backend rejected credentials", zap.String("path", req.URL.Path))
			auth.HandleUnauthorized()
		}
	}
	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// send executes req and returns the response when the status is 2xx.
// The caller owns the body.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnreachable, req.Method, req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		apiErr := decodeError(resp)
		c.log.Debug("backend returned error",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Int("status", resp.StatusCode),
			zap.Error(apiErr))
		return nil, apiErr
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := c.newRequest(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, body, contentType, out)
}
