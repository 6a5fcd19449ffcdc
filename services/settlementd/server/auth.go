package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const contextKeyClaims contextKey = "jwt_claims"

// RoleAdmin grants access to the operator routes.
const RoleAdmin = "admin"

// Claims is the authenticated identity of a request.
type Claims struct {
	Subject string
	Role    string
}

// IsAdmin reports whether the caller holds the admin role.
func (c *Claims) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}

// AuthConfig controls bearer token verification. Tokens are HS256 with the
// user id in sub and an optional role claim.
type AuthConfig struct {
	Secret    []byte
	Issuer    string
	Audience  string
	Leeway    time.Duration
	RoleClaim string
	Now       func() time.Time
}

type verifier struct {
	cfg AuthConfig
}

func newVerifier(cfg AuthConfig) (*verifier, error) {
	if len(cfg.Secret) < 16 {
		return nil, errors.New("server: jwt secret must be at least 16 bytes")
	}
	if cfg.RoleClaim == "" {
		cfg.RoleClaim = "role"
	}
	return &verifier{cfg: cfg}, nil
}

func (v *verifier) Verify(token string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}
	if v.cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(v.cfg.Leeway))
	}
	if v.cfg.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(v.cfg.Now))
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token validation failed")
	}
	subject, _ := claims.GetSubject()
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, errors.New("token subject missing")
	}
	role, _ := claims[v.cfg.RoleClaim].(string)
	return &Claims{Subject: subject, Role: strings.ToLower(strings.TrimSpace(role))}, nil
}

// authenticate rejects requests without a valid bearer token.
func (v *verifier) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := v.Verify(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyClaims, claims)))
	})
}

// FromContext returns the authenticated identity.
func FromContext(ctx context.Context) (*Claims, error) {
	claims, ok := ctx.Value(contextKeyClaims).(*Claims)
	if !ok || claims == nil {
		return nil, errors.New("missing identity")
	}
	return claims, nil
}

// requireAdmin rejects callers without the admin role.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := FromContext(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "missing identity")
			return
		}
		if !claims.IsAdmin() {
			writeError(w, http.StatusForbidden, "insufficient role")
			return
		}
		next.ServeHTTP(w, r)
	})
}
