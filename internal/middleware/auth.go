package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"echolink-backend/pkg/jwt"
	"echolink-backend/pkg/response"
)

// AuthMiddleware creates a Gin middleware that validates JWT access tokens.
// Credentials come from the Authorization header, or from the token query
// parameter for WebSocket upgrades where browsers cannot set headers.
// On success user_id, username, and role land in the Gin context.
func AuthMiddleware(jwtManager *jwt.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			response.Unauthorized(c, "Authorization required")
			c.Abort()
			return
		}

		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		if !hasAudience(claims, jwt.APIAudience) {
			response.Unauthorized(c, "Invalid token audience")
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Set("role", claims.Role)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return c.Query("token")
}

func hasAudience(claims *jwt.Claims, want string) bool {
	for _, aud := range claims.Audience {
		if aud == want {
			return true
		}
	}
	return false
}
