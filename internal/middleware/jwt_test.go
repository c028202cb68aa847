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

	"github.com/openlearn/lms-api/internal/models"
	"github.com/openlearn/lms-api/internal/service"
)

const testAccessSecret = "middleware-test-secret"

func optionalJWTRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	auth := service.NewAuthService(nil, nil, nil, service.AuthConfig{AccessTokenSecret: testAccessSecret})
	r := gin.New()
	r.GET("/courses", OptionalJWT(auth), func(c *gin.Context) {
		if v, ok := c.Get(ContextUserKey); ok {
			c.String(http.StatusOK, v.(*models.JWTClaims).UserID)
			return
		}
		c.String(http.StatusOK, "anonymous")
	})
	return r
}

func signedAccessToken(t *testing.T, secret string) string {
	t.Helper()
	claims := &models.JWTClaims{
		UserID: "ins-1",
		Role:   models.RoleInstructor,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestOptionalJWTAttachesClaims(t *testing.T) {
	r := optionalJWTRouter()

	req := httptest.NewRequest(http.MethodGet, "/courses", nil)
	req.Header.Set("Authorization", "Bearer "+signedAccessToken(t, testAccessSecret))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ins-1", rec.Body.String())
}

func TestOptionalJWTAllowsAnonymous(t *testing.T) {
	r := optionalJWTRouter()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/courses", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous", rec.Body.String())
}

func TestOptionalJWTIgnoresInvalidToken(t *testing.T) {
	r := optionalJWTRouter()

	req := httptest.NewRequest(http.MethodGet, "/courses", nil)
	req.Header.Set("Authorization", "Bearer "+signedAccessToken(t, "some-other-secret"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous", rec.Body.String())
}
