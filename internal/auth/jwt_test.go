package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func protected(t *testing.T) (http.Handler, *string, *bool) {
	t.Helper()
	var gotUser string
	var gotAdmin bool
	h := Middleware("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = UserIDFromContext(r.Context())
		gotAdmin = IsAdminFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	return h, &gotUser, &gotAdmin
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	h, gotUser, gotAdmin := protected(t)

	token := signToken(t, "secret", jwt.MapClaims{
		"uid": "usr_1",
		"adm": true,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "usr_1", *gotUser)
	require.True(t, *gotAdmin)
}

func TestMiddlewareRejectsMissingHeader(t *testing.T) {
	h, _, _ := protected(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestMiddlewareRejectsWrongSecret(t *testing.T) {
	h, _, _ := protected(t)
	token := signToken(t, "other-secret", jwt.MapClaims{
		"uid": "usr_1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestMiddlewareRejectsExpiredToken(t *testing.T) {
	h, _, _ := protected(t)
	token := signToken(t, "secret", jwt.MapClaims{
		"uid": "usr_1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestMiddlewareRejectsTokenWithoutUserID(t *testing.T) {
	h, _, _ := protected(t)
	token := signToken(t, "secret", jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAdminOnlyRejectsNonAdmin(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := Middleware("secret")(AdminOnly(inner))

	token := signToken(t, "secret", jwt.MapClaims{
		"uid": "usr_1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusForbidden, rr.Code)
}
