package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/KevinKickass/OpenSensorCore/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestService(t *testing.T, users map[string]config.UserConfig) *Service {
	t.Helper()
	t.Setenv("OSC_TEST_JWT", "0123456789abcdef0123456789abcdef")
	s, err := NewService(config.AuthConfig{
		JWTSecretEnv:   "OSC_TEST_JWT",
		AccessTokenTTL: time.Minute,
		Users:          users,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func TestTokenRoundTrip(t *testing.T) {
	s := newTestService(t, nil)

	token, expires, err := s.IssueToken("dashboard", RoleOperator)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), expires, 5*time.Second)

	claims, err := s.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "dashboard", claims.Subject)
	assert.Equal(t, RoleOperator, claims.Role)
	assert.NotEmpty(t, claims.ID)
}

func TestTokenRejectedWithOtherSecret(t *testing.T) {
	token, _, err := NewJWTHandler("secret-a", time.Minute).GenerateAccessToken("x", RoleAdmin)
	require.NoError(t, err)

	_, err = NewJWTHandler("secret-b", time.Minute).ValidateAccessToken(token)
	assert.Error(t, err)
}

func TestExpiredTokenRejected(t *testing.T) {
	h := NewJWTHandler("secret", time.Nanosecond)
	token, _, err := h.GenerateAccessToken("x", RoleAdmin)
	require.NoError(t, err)

	time.Sleep(time.Second + 10*time.Millisecond)
	_, err = h.ValidateAccessToken(token)
	assert.Error(t, err)
}

func TestRolePermissions(t *testing.T) {
	assert.True(t, RoleViewer.Has(PermView))
	assert.False(t, RoleViewer.Has(PermControl))
	assert.True(t, RoleOperator.Has(PermControl))
	assert.False(t, RoleOperator.Has(PermAdmin))
	assert.True(t, RoleAdmin.Has(PermAdmin))
	assert.Empty(t, Role("guest").Permissions())

	_, err := ParseRole("guest")
	assert.Error(t, err)
}

func TestPasswordHashing(t *testing.T) {
	h := NewPasswordHasher()
	hash, err := h.HashPassword("correct horse")
	require.NoError(t, err)

	ok, err := h.VerifyPassword("correct horse", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyPassword("battery staple", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.VerifyPassword("x", "$bcrypt$nope")
	assert.Error(t, err)
}

func TestLogin(t *testing.T) {
	hash, err := NewPasswordHasher().HashPassword("s3cret")
	require.NoError(t, err)

	s := newTestService(t, map[string]config.UserConfig{
		"alice": {PasswordHash: hash, Role: "admin"},
	})

	token, _, err := s.Login("Alice", "s3cret")
	require.NoError(t, err)
	claims, err := s.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, claims.Role)

	_, _, err = s.Login("alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = s.Login("bob", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestNewServiceRejectsUnknownRole(t *testing.T) {
	_, err := NewService(config.AuthConfig{
		Users: map[string]config.UserConfig{"alice": {Role: "root"}},
	}, nil)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	s := newTestService(t, nil)

	router := gin.New()
	api := router.Group("/", s.Middleware())
	api.GET("/view", RequirePermission(PermView), func(c *gin.Context) {
		c.String(http.StatusOK, SubjectFrom(c))
	})
	api.GET("/admin", RequirePermission(PermAdmin), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	viewer, _, err := s.IssueToken("wall-display", RoleViewer)
	require.NoError(t, err)

	cases := []struct {
		name   string
		path   string
		header string
		status int
	}{
		{"no header", "/view", "", http.StatusUnauthorized},
		{"wrong scheme", "/view", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "/view", "Bearer abc", http.StatusUnauthorized},
		{"allowed", "/view", "Bearer " + viewer, http.StatusOK},
		{"forbidden", "/admin", "Bearer " + viewer, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tc.status, w.Code)
			if tc.status == http.StatusOK {
				assert.Equal(t, "wall-display", w.Body.String())
			}
		})
	}
}
