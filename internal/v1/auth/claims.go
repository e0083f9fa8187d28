package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/debatehub/session-chat/internal/v1/logging"
	"github.com/debatehub/session-chat/internal/v1/types"
)

// Claims are the access-token claims the client cares about.
// The backend issues SimpleJWT tokens, which carry the numeric user id in a
// custom "user_id" claim rather than in "sub".
type Claims struct {
	UserID    types.UserIDType `json:"user_id"`
	TokenType string           `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

// ErrMalformedToken is returned when a token cannot be decoded at all.
var ErrMalformedToken = errors.New("malformed token")

// ParseClaims decodes a token without verifying its signature.
//
// The client never holds the signing key; the server remains the authority on
// validity. Claims are read only to learn the caller's user id and to refresh
// ahead of expiry.
func ParseClaims(tokenString string) (*Claims, error) {
	if strings.Count(tokenString, ".") != 2 {
		return nil, ErrMalformedToken
	}

	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return claims, nil
}

// ExpiresWithin reports whether the token expires before now+window.
// Tokens without an exp claim never expire from the client's point of view.
func (c *Claims) ExpiresWithin(now time.Time, window time.Duration) bool {
	if c == nil || c.ExpiresAt == nil {
		return false
	}
	return !now.Add(window).Before(c.ExpiresAt.Time)
}

// GetAllowedOriginsFromEnv reads a comma separated origin list, falling back to defaults.
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	// Example: ALLOWED_ORIGINS="http://localhost:3000,http://127.0.0.1:9464"
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set. Using default development origins:\n%s", envVarName, defaultEnvs))
		return defaultEnvs
	}
	origins := strings.Split(originsStr, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	return origins
}
