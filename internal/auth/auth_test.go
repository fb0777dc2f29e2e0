package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{APIKey: "bridge-key", JWTSecret: "test-secret", JWTIssuer: "healthsync.test"}

func signToken(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestParseValidToken(t *testing.T) {
	token := signToken(t, jwt.MapClaims{
		"sub":   "dashboard",
		"iss":   "healthsync.test",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": "health:read other",
	}, "test-secret")

	claims, err := Parse(token, testConfig)
	require.NoError(t, err)
	require.Equal(t, "dashboard", claims.Subject)
	require.True(t, claims.HasScope(ScopeHealthRead))
	require.False(t, claims.HasScope(ScopeHealthWrite))
}

func TestParseRejectsBadTokens(t *testing.T) {
	cases := map[string]string{
		"wrong secret": signToken(t, jwt.MapClaims{"sub": "x", "iss": "healthsync.test", "exp": time.Now().Add(time.Hour).Unix()}, "other"),
		"wrong issuer": signToken(t, jwt.MapClaims{"sub": "x", "iss": "elsewhere", "exp": time.Now().Add(time.Hour).Unix()}, "test-secret"),
		"expired":      signToken(t, jwt.MapClaims{"sub": "x", "iss": "healthsync.test", "exp": time.Now().Add(-time.Hour).Unix()}, "test-secret"),
		"no expiry":    signToken(t, jwt.MapClaims{"sub": "x", "iss": "healthsync.test"}, "test-secret"),
		"no subject":   signToken(t, jwt.MapClaims{"iss": "healthsync.test", "exp": time.Now().Add(time.Hour).Unix()}, "test-secret"),
		"garbage":      "not-a-jwt",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(token, testConfig)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestParseWithoutSecretRejectsBearer(t *testing.T) {
	token := signToken(t, jwt.MapClaims{"sub": "x", "exp": time.Now().Add(time.Hour).Unix()}, "some-secret")
	_, err := Parse(token, Config{APIKey: "k"})
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestCheckAPIKey(t *testing.T) {
	claims, err := CheckAPIKey("bridge-key", testConfig)
	require.NoError(t, err)
	require.True(t, claims.HasScope(ScopeHealthWrite))
	require.True(t, claims.HasScope(ScopeHealthRead))

	_, err = CheckAPIKey("bridge-kez", testConfig)
	require.ErrorIs(t, err, ErrInvalidAPIKey)

	_, err = CheckAPIKey("", Config{})
	require.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestMiddleware(t *testing.T) {
	var seen *Claims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := NewMiddleware(testConfig, PublicPaths("/health")).Wrap(next)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Nil(t, seen)

	req = httptest.NewRequest(http.MethodGet, "/v1/dates", nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.JSONEq(t, `{"type":"unauthorized","detail":"missing credentials"}`, rr.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/v1/dates", nil)
	req.Header.Set(APIKeyHeader, "wrong")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/dates", nil)
	req.Header.Set(APIKeyHeader, "bridge-key")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "api-key", seen.Subject)

	token := signToken(t, jwt.MapClaims{"sub": "reader", "iss": "healthsync.test", "exp": time.Now().Add(time.Hour).Unix(), "scopes": []string{ScopeHealthRead}}, "test-secret")
	req = httptest.NewRequest(http.MethodGet, "/v1/dates", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "reader", seen.Subject)
	require.True(t, seen.HasScope(ScopeHealthRead))
}
