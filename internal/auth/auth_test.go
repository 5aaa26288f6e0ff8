package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func sign(t *testing.T, secret []byte, sub string, roles []string) string {
	t.Helper()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func serve(secret []byte, req *http.Request) (*httptest.ResponseRecorder, Caller) {
	var got Caller
	h := Middleware(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = FromContext(r.Context())
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w, got
}

func TestMiddleware_GatewayHeaders(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderUserID, "alice")
	req.Header.Set(HeaderRole, "ADMIN")

	w, caller := serve(nil, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if caller.ID != "alice" || !caller.IsAdmin() {
		t.Errorf("unexpected caller: %+v", caller)
	}
}

func TestMiddleware_UnknownRoleDowngraded(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderUserID, "bob")
	req.Header.Set(HeaderRole, "superuser")

	_, caller := serve(nil, req)
	if caller.Role != RoleUser {
		t.Errorf("expected role=user, got %s", caller.Role)
	}
}

func TestMiddleware_MissingIdentity(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	w, _ := serve(nil, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_JWT(t *testing.T) {
	secret := []byte("test-secret")
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, secret, "carol", []string{"admin"}))

	w, caller := serve(secret, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if caller.ID != "carol" || !caller.IsAdmin() {
		t.Errorf("unexpected caller: %+v", caller)
	}
}

func TestMiddleware_JWTIgnoresHeaders(t *testing.T) {
	secret := []byte("test-secret")
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderUserID, "mallory")
	req.Header.Set(HeaderRole, "admin")

	w, _ := serve(secret, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without bearer token, got %d", w.Code)
	}
}

func TestParseJWT_WrongSecret(t *testing.T) {
	token := sign(t, []byte("one"), "dave", nil)
	if _, err := ParseJWT(token, []byte("two")); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestExtractBearer(t *testing.T) {
	tests := map[string]string{
		"":             "",
		"Bearer abc":   "abc",
		"bearer  xyz ": "xyz",
		"Basic abc":    "",
		"Bearer":       "",
	}
	for in, want := range tests {
		if got := ExtractBearer(in); got != want {
			t.Errorf("ExtractBearer(%q) = %q, want %q", in, got, want)
		}
	}
}
