package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func newRouter(secret []byte) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/admin", Middleware(secret), RequireRole(RoleAdmin), func(c *gin.Context) {
		c.String(http.StatusOK, Subject(c))
	})
	return r
}

func do(t *testing.T, r http.Handler, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware(t *testing.T) {
	r := newRouter(secret)

	admin, err := GenerateToken(secret, "ops", RoleAdmin, time.Hour)
	require.NoError(t, err)
	viewer, err := GenerateToken(secret, "dash", RoleViewer, time.Hour)
	require.NoError(t, err)
	expired, err := GenerateToken(secret, "ops", RoleAdmin, -time.Minute)
	require.NoError(t, err)
	forged, err := GenerateToken([]byte("other"), "ops", RoleAdmin, time.Hour)
	require.NoError(t, err)

	rec := do(t, r, admin)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops", rec.Body.String())

	assert.Equal(t, http.StatusForbidden, do(t, r, viewer).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, r, expired).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, r, forged).Code)
}

func TestMiddlewareRejectsOtherAlgorithms(t *testing.T) {
	claims := Claims{Role: RoleAdmin, StandardClaims: jwt.StandardClaims{ExpiresAt: time.Now().Add(time.Hour).Unix()}}
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, do(t, newRouter(secret), none).Code)
}

func TestMiddlewareWithoutSecret(t *testing.T) {
	token, err := GenerateToken(secret, "ops", RoleAdmin, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do(t, newRouter(nil), token).Code)

	_, err = GenerateToken(nil, "ops", RoleAdmin, time.Hour)
	assert.Error(t, err)
}
