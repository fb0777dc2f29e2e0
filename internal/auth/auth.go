// Package auth authenticates bridge and reader requests by API key or bearer JWT.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config holds credential verification parameters.
type Config struct {
	// APIKey is the shared secret bridges send in X-API-Key. Empty disables key auth.
	APIKey string
	// JWTSecret verifies HS256 bearer tokens. Empty disables bearer auth.
	JWTSecret string
	JWTIssuer string
}

// Claims represents an authenticated caller.
type Claims struct {
	Subject   string
	Scopes    map[string]struct{}
	ExpiresAt time.Time
}

var (
	// ErrMissingCredentials is returned when neither an API key nor a bearer token is present.
	ErrMissingCredentials = errors.New("missing credentials")
	// ErrInvalidAPIKey is returned when X-API-Key does not match.
	ErrInvalidAPIKey = errors.New("invalid api key")
	// ErrInvalidToken wraps parsing/validation errors.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// apiKeySubject identifies callers authenticated by the shared key.
const apiKeySubject = "api-key"

// CheckAPIKey compares key with the configured key in constant time. A key holder is
// granted every scope.
func CheckAPIKey(key string, cfg Config) (*Claims, error) {
	if cfg.APIKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(cfg.APIKey)) != 1 {
		return nil, ErrInvalidAPIKey
	}
	scopes := make(map[string]struct{}, len(AllScopes))
	for _, s := range AllScopes {
		scopes[s] = struct{}{}
	}
	return &Claims{Subject: apiKeySubject, Scopes: scopes}, nil
}

// Parse validates a JWT and returns normalized claims.
func Parse(token string, cfg Config) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("%w: bearer tokens are not accepted", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithExpirationRequired()}
	if cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.JWTIssuer))
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	subject, _ := claims["sub"].(string)
	if subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: missing expiry", ErrInvalidToken)
	}

	return &Claims{
		Subject:   subject,
		Scopes:    normalizeScopes(claims["scope"], claims["scopes"]),
		ExpiresAt: exp.Time,
	}, nil
}

func normalizeScopes(values ...interface{}) map[string]struct{} {
	out := make(map[string]struct{})
	for _, value := range values {
		switch v := value.(type) {
		case []interface{}:
			for _, item := range v {
				if str, ok := item.(string); ok && str != "" {
					out[str] = struct{}{}
				}
			}
		case string:
			for _, str := range strings.Fields(v) {
				out[str] = struct{}{}
			}
		}
	}
	return out
}

// HasScope reports whether the claim set includes the provided scope.
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	_, ok := c.Scopes[scope]
	return ok
}
