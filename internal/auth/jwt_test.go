package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pilecraft/server/internal/config"
)

const testSecret = "test_jwt_secret_key_32_bytes_long!!"

func newTestService(expiry time.Duration) *JWTService {
	return NewJWTService(&config.AuthConfig{JWTSecret: testSecret, JWTExpiration: expiry})
}

func TestNewJWTService_DisabledWithoutSecret(t *testing.T) {
	if s := NewJWTService(&config.AuthConfig{}); s != nil {
		t.Error("expected nil service without a secret")
	}
}

func TestJWTService_GenerateToken(t *testing.T) {
	service := newTestService(15 * time.Minute)

	token, err := service.GenerateToken("viewer-1", "alpha")
	if err != nil {
		t.Fatalf("GenerateToken() failed: %v", err)
	}
	if token == "" {
		t.Fatal("GenerateToken() returned empty token")
	}

	claims, err := service.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() failed: %v", err)
	}
	if claims.ViewerID != "viewer-1" {
		t.Errorf("Expected ViewerID 'viewer-1', got %s", claims.ViewerID)
	}
	if claims.Issuer != "pilecraft-server" {
		t.Errorf("Expected Issuer 'pilecraft-server', got %s", claims.Issuer)
	}
	if !claims.AllowsWorld("alpha") || claims.AllowsWorld("beta") {
		t.Errorf("unexpected world restriction %v", claims.Worlds)
	}

	if _, err := service.GenerateToken(""); err == nil {
		t.Error("GenerateToken() should fail without a viewer id")
	}
}

func TestJWTService_ValidateToken_Rejects(t *testing.T) {
	service := newTestService(time.Minute)
	other := NewJWTService(&config.AuthConfig{JWTSecret: "another_secret_that_is_32_bytes_long", JWTExpiration: time.Minute})
	foreign, err := other.GenerateToken("viewer-1")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	expired := newTestService(time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	stale, err := expired.GenerateToken("viewer-1")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "invalid.token.here"},
		{"wrong secret", foreign},
		{"expired", stale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := service.ValidateToken(tt.token); err == nil {
				t.Error("ValidateToken() should fail")
			}
		})
	}
}

func TestClaims_AllowsAnyWorldWhenUnrestricted(t *testing.T) {
	claims := &Claims{ViewerID: "v"}
	if !claims.AllowsWorld("anything") {
		t.Error("unrestricted claims should allow every world")
	}
}

func TestTokenMiddleware(t *testing.T) {
	service := newTestService(time.Minute)
	token, err := service.GenerateToken("viewer-7")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	handler := TokenMiddleware(service)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := GetClaims(r)
		if !ok {
			t.Error("claims missing from context")
			return
		}
		_, _ = w.Write([]byte(claims.ViewerID))
	}))

	tests := []struct {
		name       string
		target     string
		header     string
		wantStatus int
		wantCode   string
	}{
		{"bearer header", "/ws", "Bearer " + token, http.StatusOK, ""},
		{"query parameter", "/ws?token=" + token, "", http.StatusOK, ""},
		{"missing", "/ws", "", http.StatusUnauthorized, "MissingToken"},
		{"malformed header", "/ws", "Token " + token, http.StatusUnauthorized, "MissingToken"},
		{"invalid", "/ws?token=abc", "", http.StatusUnauthorized, "InvalidToken"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				if rr.Body.String() != "viewer-7" {
					t.Errorf("body = %q", rr.Body.String())
				}
				return
			}
			var resp ErrorResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", resp.Code, tt.wantCode)
			}
		})
	}
}

func TestTokenMiddleware_NilServicePassesThrough(t *testing.T) {
	called := false
	handler := TokenMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws", nil))
	if !called {
		t.Error("handler not called")
	}
}

func TestSecurityHeaders(t *testing.T) {
	tests := []struct {
		name     string
		hsts     bool
		wantHSTS bool
	}{
		{"development", false, false},
		{"production", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := SecurityHeaders(tt.hsts)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
			for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Content-Security-Policy", "Referrer-Policy"} {
				if rr.Header().Get(h) == "" {
					t.Errorf("missing header %s", h)
				}
			}
			if got := rr.Header().Get("Strict-Transport-Security") != ""; got != tt.wantHSTS {
				t.Errorf("HSTS present = %v, want %v", got, tt.wantHSTS)
			}
		})
	}
}
