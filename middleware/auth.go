package middleware

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var jwtSecret = []byte(getEnvAuth("JWT_SECRET", "your-secret-key-change-in-production"))

// AuthRequired validates the bearer token issued by the identity service and
// stores user_id and is_admin in the gin context. Token issuance (login, OTP)
// is not this service's concern.
func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "NOT_AUTHENTICATED",
				"error": "User not authenticated. Please log in.",
			})
			return
		}

		tokenString := strings.TrimPrefix(header, "Bearer ")
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return jwtSecret, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "NOT_AUTHENTICATED",
				"error": "Invalid or expired session. Please log in again.",
			})
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "NOT_AUTHENTICATED",
				"error": "Invalid or expired session. Please log in again.",
			})
			return
		}

		userID, ok := claims["user_id"].(float64)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "NOT_AUTHENTICATED",
				"error": "Invalid or expired session. Please log in again.",
			})
			return
		}

		c.Set("user_id", int64(userID))
		if isAdmin, ok := claims["is_admin"].(bool); ok {
			c.Set("is_admin", isAdmin)
		}

		c.Next()
	}
}

// AdminRequired runs after AuthRequired and rejects non-admin callers.
func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool("is_admin") {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":  "NOT_AUTHENTICATED",
				"error": "Admin privileges required.",
			})
			return
		}
		c.Next()
	}
}

func getEnvAuth(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
