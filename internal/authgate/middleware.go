package authgate

import (
	"strings"

	"github.com/aspect-build/authgate/internal/apperr"
	"github.com/gin-gonic/gin"
)

const principalKey = "authgate.principal"

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(header[len(prefix):])
	return tok, tok != ""
}

func middleware(check func(*gin.Context, string) (*Principal, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := BearerToken(c.GetHeader("Authorization"))
		if !ok {
			apperr.Respond(c, apperr.New(apperr.CodeMissingToken, "Authorization: Bearer <token> is required"))
			return
		}
		p, err := check(c, raw)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// RequireCredential admits requests whose credential passes Authorize.
func RequireCredential(g *Gate) gin.HandlerFunc {
	return middleware(func(c *gin.Context, raw string) (*Principal, error) {
		return g.Authorize(c.Request.Context(), raw)
	})
}

// RequireAuthentication admits requests whose credential passes
// VerifyWithoutWhitelist.
func RequireAuthentication(g *Gate) gin.HandlerFunc {
	return middleware(func(c *gin.Context, raw string) (*Principal, error) {
		return g.VerifyWithoutWhitelist(c.Request.Context(), raw)
	})
}

// PrincipalFrom returns the principal attached by RequireCredential or
// RequireAuthentication.
func PrincipalFrom(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}
