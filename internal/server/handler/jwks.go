package handler

import (
	"net/http"

	"github.com/aspect-build/authgate/internal/token"
	"github.com/gin-gonic/gin"
)

// HandleJWKS handles GET /api/jwks and /.well-known/jwks.json.
func HandleJWKS(key *token.KeyPair) gin.HandlerFunc {
	set := key.JWKS()
	return func(c *gin.Context) {
		c.Header("Cache-Control", "public, max-age=300")
		c.JSON(http.StatusOK, set)
	}
}
