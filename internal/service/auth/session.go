package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/compliance-galaxy/client/internal/config"
	"github.com/zhouzirui/compliance-galaxy/client/internal/event"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/auth"
	"github.com/zhouzirui/compliance-galaxy/client/internal/storage"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotAuthenticated   = errors.New("not authenticated")
)

// API is the slice of the backend client the session needs.
type API interface {
	Register(ctx context.Context, creds auth.Credentials) (auth.User, error)
	Token(ctx context.Context, creds auth.Credentials) (string, error)
	Profile(ctx context.Context, token string) (auth.User, error)
}

// Listener is told when the signed-in user changes.
type Listener interface {
	LoggedIn(ctx context.Context, user auth.User)
	LoggedOut(ctx context.Context)
}

// Session owns the credentials of the signed-in user. It implements
// apiclient.Authenticator.
type Session struct {
	api      API
	kv       storage.KV
	bus      event.Publisher
	log      *zap.Logger
	validate *validator.Validate
	now      func() time.Time

	mu        sync.RWMutex
	token     string
	user      *auth.User
	listeners []Listener
}

// NewSession creates a signed-out session backed by durable storage kv.
func NewSession(api API, kv storage.KV, bus event.Publisher, log *zap.Logger) *Session {
	if bus == nil {
		bus = event.Discard{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		api:      api,
		kv:       kv,
		bus:      bus,
		log:      log.Named("auth"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

// Subscribe registers l for login and logout notifications.
func (s *Session) Subscribe(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Restore loads persisted credentials. Expired tokens are discarded.
func (s *Session) Restore(ctx context.Context) error {
	token, ok, err := s.kv.Get(ctx, storage.KeyToken)
	if err != nil {
		return fmt.Errorf("restore token: %w", err)
	}
	if !ok || token == "" {
		return nil
	}

	var user auth.User
	found, err := storage.GetJSON(ctx, s.kv, storage.KeyUser, &user)
	if err != nil || !found {
		s.log.Warn("stored token has no readable user, clearing", zap.Error(err))
		return s.clearStorage(ctx)
	}
	if s.expired(token) {
		s.log.Info("stored token expired, clearing")
		return s.clearStorage(ctx)
	}

	s.mu.Lock()
	s.token = token
	s.user = &user
	s.mu.Unlock()
	s.log.Info("restored session", zap.String("user", user.Email))
	return nil
}

// Login exchanges credentials for a token, fetches the profile and persists both.
func (s *Session) Login(ctx context.Context, creds auth.Credentials) (auth.User, error) {
	if err := s.check(creds); err != nil {
		return auth.User{}, err
	}

	token, err := s.api.Token(ctx, creds)
	if err != nil {
		return auth.User{}, fmt.Errorf("login: %w", err)
	}

	// The token is installed together with its profile.
	user, err := s.api.Profile(ctx, token)
	if err != nil {
		return auth.User{}, fmt.Errorf("load profile: %w", err)
	}

	if err := s.kv.Set(ctx, storage.KeyToken, token); err != nil {
		s.log.Warn("persist token", zap.Error(err))
	}
	if err := storage.SetJSON(ctx, s.kv, storage.KeyUser, user); err != nil {
		s.log.Warn("persist user", zap.Error(err))
	}

	s.mu.Lock()
	s.token = token
	s.user = &user
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	s.log.Info("logged in", zap.String("user", user.Email))
	s.bus.Publish(event.AuthChanged, "", map[string]any{"authenticated": true, "user": user})
	for _, l := range listeners {
		l.LoggedIn(ctx, user)
	}
	return user, nil
}

// Register creates the account and then logs in with the same credentials.
func (s *Session) Register(ctx context.Context, creds auth.Credentials) (auth.User, error) {
	if err := s.check(creds); err != nil {
		return auth.User{}, err
	}
	if _, err := s.api.Register(ctx, creds); err != nil {
		return auth.User{}, fmt.Errorf("register: %w", err)
	}
	return s.Login(ctx, creds)
}

// Logout clears credentials and sends the UI back to the login screen.
func (s *Session) Logout(ctx context.Context) {
	s.teardown(ctx, "logout")
}

// HandleUnauthorized is invoked by the transport on any 401.
func (s *Session) HandleUnauthorized() {
	s.teardown(context.Background(), "unauthorized")
}

// AccessToken returns the bearer token, or "" when signed out or expired.
func (s *Session) AccessToken() string {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	if token == "" {
		return ""
	}
	if s.expired(token) {
		s.teardown(context.Background(), "token expired")
		return ""
	}
	return token
}

// IsAuthenticated reports whether a user is signed in.
func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != "" && s.user != nil
}

// User returns the signed-in user.
func (s *Session) User() (auth.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return auth.User{}, false
	}
	return *s.user, true
}

func (s *Session) check(creds auth.Credentials) error {
	if err := s.validate.Struct(creds); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s is %s", ErrInvalidCredentials, fieldName(verrs[0]), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return nil
}

func fieldName(fe validator.FieldError) string {
	switch fe.Field() {
	case "Email":
		return "email"
	case "Password":
		return "password"
	default:
		return fe.Field()
	}
}

// teardown is idempotent: only the call that actually signs out notifies.
func (s *Session) teardown(ctx context.Context, reason string) {
	s.mu.Lock()
	wasSignedIn := s.token != "" || s.user != nil
	s.token = ""
	s.user = nil
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	if err := s.clearStorage(ctx); err != nil {
		s.log.Warn("clear stored credentials", zap.Error(err))
	}
	if !wasSignedIn {
		return
	}

	s.log.Info("signed out", zap.String("reason", reason))
	s.bus.Publish(event.AuthChanged, "", map[string]any{"authenticated": false})
	s.bus.Publish(event.Redirect, "", map[string]string{"to": config.LoginPath, "reason": reason})
	for _, l := range listeners {
		l.LoggedOut(ctx)
	}
}

func (s *Session) clearStorage(ctx context.Context) error {
	return errors.Join(
		s.kv.Remove(ctx, storage.KeyToken),
		s.kv.Remove(ctx, storage.KeyUser),
	)
}

// expired inspects the JWT exp claim without verifying the signature; the
// backend remains the authority. Opaque tokens never expire locally.
func (s *Session) expired(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !s.now().Before(exp.Time)
}
