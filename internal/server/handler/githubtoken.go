package handler

import (
	"net/http"

	"github.com/aspect-build/authgate/internal/apperr"
	"github.com/aspect-build/authgate/internal/broker"
	"github.com/aspect-build/authgate/internal/logx"
	"github.com/gin-gonic/gin"
)

// HandleGitHubToken handles POST /api/github-token. The caller authenticates
// with its service credentials in the Authorization header.
func HandleGitHubToken(b *broker.Broker) gin.HandlerFunc {
	return func(c *gin.Context) {
		serviceID, apiKey, err := broker.ParseServiceCredentials(c.GetHeader("Authorization"))
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		if _, err := b.Authenticate(c.Request.Context(), serviceID, apiKey); err != nil {
			apperr.Respond(c, err)
			return
		}

		var req broker.Lookup
		if !bindJSON(c, &req) {
			return
		}
		tok, err := b.FetchThirdPartyToken(c.Request.Context(), req)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		logx.Infof("github-token: served token of %s to service %s (refreshed=%t)", tok.IdentityID, serviceID, tok.Refreshed)
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, tok)
	}
}
