package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func authProbe(t *testing.T, password, header string) int {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.GET("/probe", ManagementAuth(password), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, req)
	return recorder.Code
}

func TestManagementAuthPlainPassword(t *testing.T) {
	assert.Equal(t, http.StatusOK, authProbe(t, "secret", "Bearer secret"))
	assert.Equal(t, http.StatusUnauthorized, authProbe(t, "secret", "Bearer wrong"))
	assert.Equal(t, http.StatusUnauthorized, authProbe(t, "secret", ""))
	assert.Equal(t, http.StatusUnauthorized, authProbe(t, "secret", "secret"))
}

func TestManagementAuthBcrypt(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, authProbe(t, string(hash), "Bearer hunter2"))
	assert.Equal(t, http.StatusUnauthorized, authProbe(t, string(hash), "Bearer hunter3"))
}

func TestManagementAuthDisabled(t *testing.T) {
	assert.Equal(t, http.StatusForbidden, authProbe(t, "", "Bearer anything"))
}
