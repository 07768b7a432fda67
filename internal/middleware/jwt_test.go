package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/tutoring-core-api/internal/models"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims *models.JWTClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func buildProtectedRouter(roles ...models.UserRole) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	group := router.Group("")
	group.Use(JWT(testSecret))
	if len(roles) > 0 {
		group.Use(RequireRoles(roles...))
	}
	group.GET("/protected", func(c *gin.Context) {
		claims, _ := c.Get(ContextUserKey)
		c.JSON(http.StatusOK, gin.H{"user_id": claims.(*models.JWTClaims).UserID})
	})
	return router
}

func TestJWTMissingHeader(t *testing.T) {
	router := buildProtectedRouter()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestJWTMalformedHeader(t *testing.T) {
	router := buildProtectedRouter()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Token abc")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestJWTExpiredToken(t *testing.T) {
	router := buildProtectedRouter()
	token := signToken(t, &models.JWTClaims{
		UserID: "u1",
		Role:   models.RoleStudent,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestJWTValidToken(t *testing.T) {
	router := buildProtectedRouter()
	token := signToken(t, &models.JWTClaims{
		UserID: "u1",
		Role:   models.RoleStudent,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"user_id":"u1"`)
}

func TestRequireRoles(t *testing.T) {
	router := buildProtectedRouter(models.RoleAdmin, models.RoleInstructor)

	studentToken := signToken(t, &models.JWTClaims{
		UserID: "s1",
		Role:   models.RoleStudent,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+studentToken)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusForbidden, resp.Code)

	instructorToken := signToken(t, &models.JWTClaims{
		UserID: "i1",
		Role:   models.RoleInstructor,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+instructorToken)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)
}
