package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsechat/internal/config"
	"pulsechat/internal/dispatch"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	cfg := config.Default().Auth
	cfg.JWTSecret = testSecret
	return NewResolver(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func bearer(token string) *dispatch.Input {
	return &dispatch.Input{Headers: http.Header{"Authorization": []string{"Bearer " + token}}}
}

func TestResolveBearerToken(t *testing.T) {
	r := newTestResolver(t)
	token, expires, err := r.Issue(" 042 ", "Ada", "admin")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(config.SessionTimeout), expires, time.Minute)

	s, err := r.Resolve(context.Background(), bearer(token))
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "42", s.UserID())

	name, ok := s.Get(KeyName)
	assert.True(t, ok)
	assert.Equal(t, "Ada", name)
	assert.True(t, s.(*Session).HasRole("admin"))
	assert.False(t, s.(*Session).HasRole("owner"))

	_, ok = s.Get("unknown")
	assert.False(t, ok)
}

func TestResolveCookie(t *testing.T) {
	r := newTestResolver(t)
	token, _, err := r.Issue("7", "")
	require.NoError(t, err)

	in := &dispatch.Input{Cookies: []*http.Cookie{{Name: config.SessionCookieName, Value: token}}}
	s, err := r.Resolve(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "7", s.UserID())
}

func TestResolveWithoutToken(t *testing.T) {
	r := newTestResolver(t)

	s, err := r.Resolve(context.Background(), &dispatch.Input{})
	assert.NoError(t, err)
	assert.Nil(t, s)

	s, err = r.Resolve(context.Background(), &dispatch.Input{
		Headers: http.Header{"Authorization": []string{"Basic dXNlcjpwYXNz"}},
	})
	assert.NoError(t, err)
	assert.Nil(t, s)
}

func TestResolveRejectsBadTokens(t *testing.T) {
	r := newTestResolver(t)
	valid, _, err := r.Issue("1", "")
	require.NoError(t, err)

	other := newTestResolver(t)
	other.secret = []byte("another-secret-another-secret-xx")
	forged, _, err := other.Issue("1", "")
	require.NoError(t, err)

	expired := newTestResolver(t)
	expired.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	stale, _, err := expired.Issue("1", "")
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "1",
			Issuer:    config.AppName,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "42e3",
			Issuer:    config.AppName,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"tampered":    valid + "A",
		"forged":      forged,
		"expired":     stale,
		"alg none":    none,
		"bad subject": badSubject,
		"garbage":     "not-a-token",
	} {
		t.Run(name, func(t *testing.T) {
			s, err := r.Resolve(context.Background(), bearer(token))
			assert.Nil(t, s)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestResolverWithoutSecret(t *testing.T) {
	r := NewResolver(config.Default().Auth, slog.New(slog.NewTextHandler(io.Discard, nil)))

	s, err := r.Resolve(context.Background(), bearer("anything"))
	assert.NoError(t, err)
	assert.Nil(t, s)

	_, _, err = r.Issue("1", "")
	assert.Error(t, err)
}
