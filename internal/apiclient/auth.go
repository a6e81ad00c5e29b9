package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/zhouzirui/compliance-galaxy/client/internal/model/auth"
)

// Register creates an account. It does not log in.
func (c *Client) Register(ctx context.Context, creds auth.Credentials) (auth.User, error) {
	var user auth.User
	err := c.doJSON(withoutUnauthorizedHook(ctx), http.MethodPost, "/auth/register", creds, &user)
	if err != nil {
		return auth.User{}, err
	}
	return user, nil
}

// Token exchanges credentials for an access token using the OAuth2 password
// grant: a form-encoded POST of username and password to /auth/token.
func (c *Client) Token(ctx context.Context, creds auth.Credentials) (string, error) {
	conf := &oauth2.Config{
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.baseURL + "/auth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx = context.WithValue(withoutUnauthorizedHook(ctx), oauth2.HTTPClient, c.http)
	tok, err := conf.PasswordCredentialsToken(ctx, creds.Email, creds.Password)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			return "", &APIError{
				Status: retrieveErr.Response.StatusCode,
				Detail: extractDetail(retrieveErr.Body),
			}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: token exchange: %v", ErrUnreachable, err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("token response carried no access_token")
	}
	return tok.AccessToken, nil
}

// Me fetches the profile of the authenticated user.
func (c *Client) Me(ctx context.Context) (auth.User, error) {
	var user auth.User
	if err := c.doJSON(ctx, http.MethodGet, "/users/me", nil, &user); err != nil {
		return auth.User{}, err
	}
	return user, nil
}

// Profile fetches the user owning token before it is installed. A 401 means
// the token was refused and is not reported to the Authenticator.
func (c *Client) Profile(ctx context.Context, token string) (auth.User, error) {
	ctx = withoutUnauthorizedHook(context.WithValue(ctx, bearerKey{}, token))
	return c.Me(ctx)
}
