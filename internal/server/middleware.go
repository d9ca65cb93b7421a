package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/aspect-build/authgate/internal/apperr"
	"github.com/aspect-build/authgate/internal/authgate"
	"github.com/gin-gonic/gin"
)

// CORS returns a Gin middleware that handles Cross-Origin Resource Sharing.
func CORS(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && allowed[strings.TrimRight(origin, "/")] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			c.Header("Access-Control-Max-Age", "86400")

			if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}
		}

		c.Next()
	}
}

// AdminAuth requires the operator token as a Bearer credential.
func AdminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := authgate.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			apperr.Respond(c, apperr.New(apperr.CodeUnauthorized, "admin Bearer token required"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(raw), []byte(token)) != 1 {
			apperr.Respond(c, apperr.New(apperr.CodeUnauthorized, "invalid admin token"))
			return
		}
		c.Next()
	}
}
