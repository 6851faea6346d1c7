package auth

import (
	"net/http"
	"strings"

	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"github.com/gin-gonic/gin"
)

const (
	subjectKey = "subject"
	roleKey    = "role"
)

// Middleware validates the bearer token and stores subject and role in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("UNAUTHORIZED", "missing authorization header", nil))
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("UNAUTHORIZED", "invalid authorization header format", nil))
			return
		}

		claims, err := s.ValidateToken(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("UNAUTHORIZED", "invalid or expired token", nil))
			return
		}

		c.Set(subjectKey, claims.Subject)
		c.Set(roleKey, claims.Role)
		c.Next()
	}
}

// RequirePermission rejects requests whose role lacks required.
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := RoleFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden,
				types.NewErrorResponse("FORBIDDEN", "no role found", nil))
			return
		}

		if !role.Has(required) {
			c.AbortWithStatusJSON(http.StatusForbidden,
				types.NewErrorResponse("FORBIDDEN", "insufficient permissions",
					map[string]interface{}{"required": string(required)}))
			return
		}

		c.Next()
	}
}

func RoleFrom(c *gin.Context) (Role, bool) {
	v, ok := c.Get(roleKey)
	if !ok {
		return "", false
	}
	role, ok := v.(Role)
	return role, ok
}

func SubjectFrom(c *gin.Context) string {
	return c.GetString(subjectKey)
}
