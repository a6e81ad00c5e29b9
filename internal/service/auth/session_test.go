package auth_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/compliance-galaxy/client/internal/apiclient"
	"github.com/zhouzirui/compliance-galaxy/client/internal/apiclient/apitest"
	"github.com/zhouzirui/compliance-galaxy/client/internal/event"
	authmodel "github.com/zhouzirui/compliance-galaxy/client/internal/model/auth"
	"github.com/zhouzirui/compliance-galaxy/client/internal/service/auth"
	"github.com/zhouzirui/compliance-galaxy/client/internal/storage"
	"github.com/zhouzirui/compliance-galaxy/client/pkg/idgen"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Type
}

func (r *recorder) Publish(typ event.Type, _ string, _ any) {
	r.mu.Lock()
	r.events = append(r.events, typ)
	r.mu.Unlock()
}

func (r *recorder) count(typ event.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.events {
		if t == typ {
			n++
		}
	}
	return n
}

type listener struct {
	mu      sync.Mutex
	logins  int
	logouts int
}

func (l *listener) LoggedIn(context.Context, authmodel.User) {
	l.mu.Lock()
	l.logins++
	l.mu.Unlock()
}

func (l *listener) LoggedOut(context.Context) {
	l.mu.Lock()
	l.logouts++
	l.mu.Unlock()
}

type fixture struct {
	backend *apitest.Backend
	client  *apiclient.Client
	kv      *storage.Memory
	bus     *recorder
	session *auth.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := apitest.NewBackend(t)
	client, err := apiclient.New(apiclient.Options{BaseURL: backend.URL(), SessionID: "tab"})
	require.NoError(t, err)

	kv := storage.NewMemory()
	bus := &recorder{}
	session := auth.NewSession(client, kv, bus, nil)
	client.Use(session)
	return &fixture{backend: backend, client: client, kv: kv, bus: bus, session: session}
}

func TestLoginPersistsCredentials(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser("ann@example.com", "secret")
	l := &listener{}
	f.session.Subscribe(l)
	ctx := context.Background()

	user, err := f.session.Login(ctx, authmodel.Credentials{Email: "ann@example.com", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", user.Email)
	assert.True(t, f.session.IsAuthenticated())
	assert.NotEmpty(t, f.session.AccessToken())

	token, ok, _ := f.kv.Get(ctx, storage.KeyToken)
	assert.True(t, ok)
	assert.Equal(t, f.session.AccessToken(), token)

	var stored authmodel.User
	found, err := storage.GetJSON(ctx, f.kv, storage.KeyUser, &stored)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, user, stored)

	assert.Equal(t, 1, l.logins)
	assert.Equal(t, 1, f.bus.count(event.AuthChanged))
}

func TestLoginValidatesBeforeRequest(t *testing.T) {
	f := newFixture(t)

	for _, creds := range []authmodel.Credentials{
		{Email: "", Password: "x"},
		{Email: "not-an-email", Password: "x"},
		{Email: "a@example.com", Password: ""},
	} {
		_, err := f.session.Login(context.Background(), creds)
		assert.ErrorIs(t, err, auth.ErrInvalidCredentials, creds.Email)
	}
	assert.Empty(t, f.backend.Requests())
}

func TestLoginWrongPasswordKeepsSignedOut(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser("ann@example.com", "secret")

	_, err := f.session.Login(context.Background(), authmodel.Credentials{Email: "ann@example.com", Password: "nope"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apiclient.ErrUnauthorized)
	assert.False(t, f.session.IsAuthenticated())
	assert.Zero(t, f.bus.count(event.Redirect))
}

func TestLoginRefusedProfileDoesNotSignOut(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser("ann@example.com", "secret")
	f.backend.Fail(http.MethodGet, "/users/me", http.StatusUnauthorized)
	l := &listener{}
	f.session.Subscribe(l)
	ctx := context.Background()

	_, err := f.session.Login(ctx, authmodel.Credentials{Email: "ann@example.com", Password: "secret"})
	require.ErrorIs(t, err, apiclient.ErrUnauthorized)
	assert.False(t, f.session.IsAuthenticated())
	assert.Empty(t, f.session.AccessToken())
	_, ok, _ := f.kv.Get(ctx, storage.KeyToken)
	assert.False(t, ok)

	assert.Zero(t, f.bus.count(event.AuthChanged))
	assert.Zero(t, f.bus.count(event.Redirect))
	assert.Zero(t, l.logouts)
	assert.Zero(t, l.logins)
}

func TestRegisterThenLogin(t *testing.T) {
	f := newFixture(t)

	user, err := f.session.Register(context.Background(), authmodel.Credentials{Email: "new@example.com", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", user.Email)
	assert.True(t, f.session.IsAuthenticated())
	assert.Equal(t, 1, f.backend.CountRequests(http.MethodPost, "/auth/register"))
	assert.Equal(t, 1, f.backend.CountRequests(http.MethodPost, "/auth/token"))
}

func TestUnauthorizedResponseClearsCredentials(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser("ann@example.com", "secret")
	l := &listener{}
	f.session.Subscribe(l)
	ctx := context.Background()

	_, err := f.session.Login(ctx, authmodel.Credentials{Email: "ann@example.com", Password: "secret"})
	require.NoError(t, err)

	f.backend.RevokeTokens()
	_, err = f.client.ListSessions(ctx)
	require.ErrorIs(t, err, apiclient.ErrUnauthorized)

	assert.False(t, f.session.IsAuthenticated())
	assert.Empty(t, f.session.AccessToken())
	_, ok, _ := f.kv.Get(ctx, storage.KeyToken)
	assert.False(t, ok)
	_, ok, _ = f.kv.Get(ctx, storage.KeyUser)
	assert.False(t, ok)
	assert.Equal(t, 1, f.bus.count(event.Redirect))
	assert.Equal(t, 1, l.logouts)

	// a second 401 does not notify again
	_, _ = f.client.ListSessions(ctx)
	assert.Equal(t, 1, f.bus.count(event.Redirect))
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.kv.Set(ctx, storage.KeyToken, "opaque"))
	require.NoError(t, storage.SetJSON(ctx, f.kv, storage.KeyUser, authmodel.User{ID: "1", Email: "a@example.com"}))

	require.NoError(t, f.session.Restore(ctx))
	assert.True(t, f.session.IsAuthenticated())
	assert.Equal(t, "opaque", f.session.AccessToken())
	user, ok := f.session.User()
	assert.True(t, ok)
	assert.Equal(t, "a@example.com", user.Email)
}

func TestRestoreDropsExpiredToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := signed(t, time.Now().Add(-time.Minute))
	require.NoError(t, f.kv.Set(ctx, storage.KeyToken, token))
	require.NoError(t, storage.SetJSON(ctx, f.kv, storage.KeyUser, authmodel.User{ID: "1", Email: "a@example.com"}))

	require.NoError(t, f.session.Restore(ctx))
	assert.False(t, f.session.IsAuthenticated())
	_, ok, _ := f.kv.Get(ctx, storage.KeyToken)
	assert.False(t, ok)
}

func TestRestoreKeepsLiveJWT(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := signed(t, time.Now().Add(time.Hour))
	require.NoError(t, f.kv.Set(ctx, storage.KeyToken, token))
	require.NoError(t, storage.SetJSON(ctx, f.kv, storage.KeyUser, authmodel.User{ID: "1", Email: "a@example.com"}))

	require.NoError(t, f.session.Restore(ctx))
	assert.Equal(t, token, f.session.AccessToken())
}

func TestLogoutPublishesRedirect(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser("ann@example.com", "secret")
	ctx := context.Background()
	_, err := f.session.Login(ctx, authmodel.Credentials{Email: "ann@example.com", Password: "secret"})
	require.NoError(t, err)

	f.session.Logout(ctx)
	assert.False(t, f.session.IsAuthenticated())
	assert.Equal(t, 1, f.bus.count(event.Redirect))

	f.session.Logout(ctx)
	assert.Equal(t, 1, f.bus.count(event.Redirect))
}

func TestEnsureTabSessionIDIsStable(t *testing.T) {
	kv := storage.NewMemory()
	gen := idgen.NewSequence("tab")
	ctx := context.Background()

	first, err := auth.EnsureTabSessionID(ctx, kv, gen)
	require.NoError(t, err)
	second, err := auth.EnsureTabSessionID(ctx, kv, gen)
	require.NoError(t, err)
	assert.Equal(t, "tab-1", first)
	assert.Equal(t, first, second)
}

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "a@example.com", "exp": exp.Unix()})
	s, err := tok.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return s
}
