// Package auth resolves dispatch sessions from HS256-signed session tokens
// carried in a bearer header or a cookie.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"pulsechat/internal/config"
	"pulsechat/internal/dispatch"
	apierrors "pulsechat/internal/errors"
	"pulsechat/internal/infrastructure"
	"pulsechat/internal/userid"
)

// Session keys readable through Session.Get
const (
	KeyName      = "name"
	KeyRoles     = "roles"
	KeyTokenID   = "token_id"
	KeyExpiresAt = "expires_at"
)

// ErrInvalidToken is the cause of every rejected token
var ErrInvalidToken = errors.New("invalid session token")

// Claims is the payload of a session token. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// Session is an authenticated identity resolved from a token
type Session struct {
	userID string
	claims Claims
}

// UserID implements dispatch.Session. It is normalized.
func (s *Session) UserID() string {
	return s.userID
}

// Get implements dispatch.Session
func (s *Session) Get(key string) (any, bool) {
	switch key {
	case KeyName:
		return s.claims.Name, s.claims.Name != ""
	case KeyRoles:
		return s.claims.Roles, len(s.claims.Roles) > 0
	case KeyTokenID:
		return s.claims.ID, s.claims.ID != ""
	case KeyExpiresAt:
		if s.claims.ExpiresAt == nil {
			return nil, false
		}
		return s.claims.ExpiresAt.Time, true
	}
	return nil, false
}

// HasRole reports whether the token grants role
func (s *Session) HasRole(role string) bool {
	for _, r := range s.claims.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Resolver implements dispatch.SessionResolver for session tokens
type Resolver struct {
	secret     []byte
	issuer     string
	cookieName string
	header     string
	ttl        time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewResolver creates a resolver from the auth configuration. Without a
// secret every caller is anonymous.
func NewResolver(cfg config.AuthConfig, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	r := &Resolver{
		secret:     []byte(cfg.JWTSecret),
		issuer:     cfg.Issuer,
		cookieName: cfg.CookieName,
		header:     cfg.Header,
		ttl:        cfg.TokenTTL,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "auth")),
	}
	if r.header == "" {
		r.header = "Authorization"
	}
	if r.ttl <= 0 {
		r.ttl = config.SessionTimeout
	}
	if len(r.secret) == 0 {
		r.logger.Warn("no session secret configured, all callers are anonymous")
	}
	return r
}

// Resolve implements dispatch.SessionResolver. A request without a token
// yields (nil, nil); a present but invalid token yields an error wrapping
// ErrInvalidToken.
func (r *Resolver) Resolve(ctx context.Context, in *dispatch.Input) (dispatch.Session, error) {
	if len(r.secret) == 0 {
		return nil, nil
	}
	token := r.tokenFrom(in)
	if token == "" {
		return nil, nil
	}

	session, err := r.Parse(token)
	if err != nil {
		r.logger.DebugContext(ctx, "session token rejected",
			slog.String("remote_addr", in.RemoteAddr),
			slog.String("error", err.Error()))
		return nil, err
	}
	return session, nil
}

func (r *Resolver) tokenFrom(in *dispatch.Input) string {
	if in.Headers != nil {
		if value := strings.TrimSpace(in.Headers.Get(r.header)); value != "" {
			scheme, token, found := strings.Cut(value, " ")
			if found && strings.EqualFold(scheme, "bearer") {
				return strings.TrimSpace(token)
			}
			if !strings.EqualFold(r.header, "Authorization") {
				return value
			}
		}
	}
	if r.cookieName != "" {
		if c := in.Cookie(r.cookieName); c != nil {
			return strings.TrimSpace(c.Value)
		}
	}
	return ""
}

// Parse verifies token and returns its session
func (r *Resolver) Parse(token string) (*Session, error) {
	var claims Claims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(r.now),
	}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}

	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	}, opts...)
	if err != nil {
		return nil, mapJWTError(err)
	}

	id, err := userid.Normalize(claims.Subject)
	if err != nil || claims.Subject == "" {
		return nil, fmt.Errorf("%w: subject is not a user id", ErrInvalidToken)
	}
	return &Session{userID: id, claims: claims}, nil
}

// Issue signs a session token for userID valid for the configured TTL
func (r *Resolver) Issue(userID, name string, roles ...string) (string, time.Time, error) {
	if len(r.secret) == 0 {
		return "", time.Time{}, apierrors.NewConfigurationError("session secret is not configured")
	}
	id, err := userid.Normalize(userID)
	if err != nil {
		return "", time.Time{}, err
	}

	now := r.now()
	expires := now.Add(r.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    r.issuer,
			Subject:   id,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Name:  name,
		Roles: roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return signed, expires, nil
}

// mapJWTError translates jwt library errors to a short reason
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: expired", ErrInvalidToken)
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return fmt.Errorf("%w: not active yet", ErrInvalidToken)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: signature is invalid", ErrInvalidToken)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fmt.Errorf("%w: issuer mismatch", ErrInvalidToken)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: missing expiry", ErrInvalidToken)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: algorithm is not allowed", ErrInvalidToken)
	default:
		return fmt.Errorf("%w: malformed", ErrInvalidToken)
	}
}
