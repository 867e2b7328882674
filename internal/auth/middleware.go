package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// ContextKey is a type for context keys
type ContextKey string

// ClaimsKey is the context key for JWT claims
const ClaimsKey ContextKey = "claims"

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// TokenMiddleware validates session tokens and adds the claims to the request
// context. The token is read from a Bearer Authorization header or from the
// token query parameter. A nil service lets every request through.
func TokenMiddleware(s *JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if s == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := extractToken(r)
			if !ok {
				sendError(w, http.StatusUnauthorized, "MissingToken", "Authorization header or token parameter required")
				return
			}

			claims, err := s.ValidateToken(tokenString)
			if err != nil {
				sendError(w, http.StatusUnauthorized, "InvalidToken", "Invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractToken(r *http.Request) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}

// GetClaims extracts JWT claims from request context
func GetClaims(r *http.Request) (*Claims, bool) {
	return ClaimsFromContext(r.Context())
}

// ClaimsFromContext extracts JWT claims from a context derived from the request.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*Claims)
	return claims, ok
}

func sendError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   code,
		Message: message,
		Code:    code,
	})
}
