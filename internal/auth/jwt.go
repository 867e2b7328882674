// Package auth issues and checks the optional session tokens that guard the
// streaming WebSocket.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pilecraft/server/internal/config"
)

const issuer = "pilecraft-server"

// Claims represents JWT claims structure
type Claims struct {
	jwt.RegisteredClaims

	ViewerID string `json:"viewer_id"`
	// Worlds limits the worlds a session may stream. Empty allows all.
	Worlds []string `json:"worlds,omitempty"`
}

// AllowsWorld reports whether the token may stream worldID.
func (c *Claims) AllowsWorld(worldID string) bool {
	if len(c.Worlds) == 0 {
		return true
	}
	for _, w := range c.Worlds {
		if w == worldID {
			return true
		}
	}
	return false
}

// JWTService handles JWT token operations
type JWTService struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

// NewJWTService creates a service, or returns nil when no secret is
// configured and tokens are not checked.
func NewJWTService(cfg *config.AuthConfig) *JWTService {
	if cfg.JWTSecret == "" {
		return nil
	}
	return &JWTService{
		secret: []byte(cfg.JWTSecret),
		expiry: cfg.JWTExpiration,
		now:    time.Now,
	}
}

// GenerateToken issues a session token for a viewer.
func (s *JWTService) GenerateToken(viewerID string, worlds ...string) (string, error) {
	if viewerID == "" {
		return "", errors.New("viewer id is required")
	}
	now := s.now()

	// Generate unique token ID
	tokenID, err := generateTokenID()
	if err != nil {
		return "", fmt.Errorf("failed to generate token ID: %w", err)
	}

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   viewerID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        tokenID,
		},
		ViewerID: viewerID,
		Worlds:   worlds,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken validates a session token and returns the claims
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	if claims.Issuer != issuer {
		return nil, errors.New("invalid token issuer")
	}
	if claims.ViewerID == "" {
		return nil, errors.New("token has no viewer id")
	}

	return claims, nil
}

// GetTokenExpiration returns the lifetime of issued tokens
func (s *JWTService) GetTokenExpiration() time.Duration {
	return s.expiry
}

// generateTokenID generates a unique token ID
func generateTokenID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
