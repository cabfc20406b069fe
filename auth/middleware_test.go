package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	revoked map[string]bool
}

func (f *fakeStore) Get(_ context.Context, key string, _ bool) (string, bool, error) {
	if f.revoked[key] {
		return "1", true, nil
	}
	return "", false, nil
}

func (f *fakeStore) Set(_ context.Context, key, value string, _ time.Duration) error {
	if f.revoked == nil {
		f.revoked = make(map[string]bool)
	}
	f.revoked[key] = true
	return nil
}

func TestMiddlewareDevModeAnonymous(t *testing.T) {
	m := NewMiddleware(NewJWTManager("secret"), &fakeStore{}, NewRateLimiter(60, time.Minute), true)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)

	identity, err := m.Authenticate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "dev@local", identity.Claims.Email)
}

func TestMiddlewareDevModeDotToken(t *testing.T) {
	m := NewMiddleware(NewJWTManager("secret"), &fakeStore{}, NewRateLimiter(60, time.Minute), true)
	req := httptest.NewRequest(http.MethodGet, "/ws?token=u1.alice@x.com.Alice", nil)

	identity, err := m.Authenticate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "u1", identity.Claims.UserID)
	assert.Equal(t, "alice@x.com", identity.Claims.Email)
	assert.Equal(t, "Alice", identity.Claims.Name)
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	m := NewMiddleware(NewJWTManager("secret"), &fakeStore{}, NewRateLimiter(60, time.Minute), false)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)

	_, err := m.Authenticate(context.Background(), req)
	assert.Error(t, err)
}

func TestMiddlewareRejectsRevokedToken(t *testing.T) {
	jwtManager := NewJWTManager("secret")
	store := &fakeStore{}
	m := NewMiddleware(jwtManager, store, NewRateLimiter(60, time.Minute), false)

	token := mustSignValidToken(t, "secret")
	require.NoError(t, Blacklist(context.Background(), store, jwtManager, token, time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	_, err := m.Authenticate(context.Background(), req)
	assert.Error(t, err)
}

func TestMiddlewareRateLimitsBeforeAuth(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	defer limiter.Close()
	m := NewMiddleware(NewJWTManager("secret"), &fakeStore{}, limiter, true)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "9.9.9.9:1234"

	_, err := m.Authenticate(context.Background(), req)
	require.NoError(t, err)

	_, err = m.Authenticate(context.Background(), req)
	assert.Error(t, err)
}

func mustSignValidToken(t *testing.T, secret string) string {
	t.Helper()
	return signToken(t, []byte(secret), gatewayClaims{
		RegisteredClaims: jwtRegisteredClaimsNow(),
		UserID:           "u1",
		Email:            "alice@x.com",
	})
}
