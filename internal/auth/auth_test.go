package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()
	tok, err := GenerateToken("u1", "", "s3cret", time.Hour)
	require.NoError(t, err)

	claims, err := ValidateToken(tok, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.False(t, claims.IsAdmin())

	_, err = ValidateToken(tok, "other")
	assert.Error(t, err)
}

func TestExpiredToken(t *testing.T) {
	t.Parallel()
	tok, err := GenerateToken("u1", "", "s3cret", -time.Minute)
	require.NoError(t, err)
	_, err = ValidateToken(tok, "s3cret")
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestRejectsOtherAlgorithms(t *testing.T) {
	t.Parallel()
	claims := &Claims{
		UserID:           "u1",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = ValidateToken(tok, "s3cret")
	assert.Error(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ValidateToken(none, "s3cret")
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	t.Parallel()
	m := NewMiddleware("s3cret")
	var seen *Claims
	h := m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetUserFromContext(r.Context())
	}))

	user, err := GenerateToken("u1", "", "s3cret", time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"ok", "Bearer " + user, http.StatusOK},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/quota", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		h.ServeHTTP(rec, req)
		assert.Equal(t, tc.status, rec.Code, tc.name)
	}
	require.NotNil(t, seen)
	assert.Equal(t, "u1", seen.UserID)
}

func TestRequireAdmin(t *testing.T) {
	t.Parallel()
	m := NewMiddleware("s3cret")
	h := m.Authenticate(m.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	for role, want := range map[string]int{"": http.StatusForbidden, RoleAdmin: http.StatusOK} {
		tok, err := GenerateToken("u1", role, "s3cret", time.Hour)
		require.NoError(t, err)
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPut, "/admin/users/u2/quota", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, "role %q", role)
	}
}
