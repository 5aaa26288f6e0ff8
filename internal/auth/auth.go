// Package auth binds a verified caller identity to each request. Sessions
// are issued elsewhere; this package only reads the result, either from an
// HS256 bearer token or, when no secret is configured, from headers set by
// a trusted gateway.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Role is the capability level of a caller.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Gateway headers used when no JWT secret is configured.
const (
	HeaderUserID = "X-User-ID"
	HeaderRole   = "X-User-Role"
)

var ErrInvalidToken = errors.New("auth: invalid token")

// Caller is the verified (caller_id, role) binding for one request.
type Caller struct {
	ID   string
	Role Role
}

// IsAdmin reports whether the caller holds the admin capability.
func (c Caller) IsAdmin() bool {
	return c.Role == RoleAdmin
}

type callerKey struct{}

// WithCaller returns a context carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// FromContext returns the caller bound to ctx.
func FromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// Claims mirrors the auth service claims.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// ParseJWT verifies an HS256 token and returns its claims.
func ParseJWT(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ExtractBearer returns the token from an Authorization header value.
func ExtractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Middleware resolves the caller for every request and rejects requests
// without one. With an empty secret the gateway headers are trusted.
func Middleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := resolve(r, secret)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "code": "UNAUTHENTICATED"})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

func resolve(r *http.Request, secret []byte) (Caller, error) {
	if len(secret) > 0 {
		token := ExtractBearer(r.Header.Get("Authorization"))
		if token == "" {
			return Caller{}, errors.New("missing token")
		}
		claims, err := ParseJWT(token, secret)
		if err != nil {
			return Caller{}, err
		}
		caller := Caller{ID: claims.Subject, Role: RoleUser}
		for _, role := range claims.Roles {
			if Role(role) == RoleAdmin {
				caller.Role = RoleAdmin
			}
		}
		return caller, nil
	}

	id := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if id == "" {
		return Caller{}, errors.New("missing " + HeaderUserID)
	}
	role := Role(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderRole))))
	if role != RoleAdmin {
		role = RoleUser
	}
	return Caller{ID: id, Role: role}, nil
}
