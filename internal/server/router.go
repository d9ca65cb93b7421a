package server

import (
	"net/http"

	"github.com/aspect-build/authgate/internal/apperr"
	"github.com/aspect-build/authgate/internal/authgate"
	"github.com/aspect-build/authgate/internal/server/handler"
	"github.com/gin-gonic/gin"
)

// NewRouter creates and configures the Gin router with all routes.
func NewRouter(app *App) *gin.Engine {
	r := gin.Default()

	cfg := app.Config
	if len(cfg.CORSOrigins) > 0 {
		r.Use(CORS(cfg.CORSOrigins))
	}

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/healthz", handler.HandleHealth(app.Health))

	jwks := handler.HandleJWKS(app.Key)
	r.GET("/.well-known/jwks.json", jwks)

	admin := AdminAuth(cfg.AdminToken)

	api := r.Group("/api")
	{
		api.GET("/jwks", jwks)

		// Credentials
		api.GET("/token", admin, handler.HandleIssueToken(app.Gate))
		api.POST("/token", handler.HandleRefreshToken(app.Gate))
		api.POST("/token/revoke", handler.HandleRevokeToken(app.Gate))
		api.GET("/token/revocation-status", handler.HandleRevocationStatus(app.Revocations))
		api.GET("/token/verify", authgate.RequireCredential(app.Gate), handler.HandleVerifyToken())
		api.GET("/me/status", authgate.RequireAuthentication(app.Gate), handler.HandleMeStatus(app.Store, app.Config.DBTimeout))

		// Credential broker
		api.POST("/github-token", handler.HandleGitHubToken(app.Broker))
	}

	adm := r.Group("/api/admin", admin)
	{
		adm.POST("/token/revoke", handler.HandleAdminRevokeToken(app.Gate))
		adm.GET("/identities/:id", handler.HandleGetIdentity(app.Store, app.Config.DBTimeout))
		adm.PUT("/identities/:id/whitelist", handler.HandleSetWhitelist(app.Store, app.Clock, app.Config.DBTimeout))
		adm.GET("/keys", handler.HandleKeyReport(app.Tracker))

		adm.POST("/services", handler.HandleRegisterService(app.Broker))
		adm.GET("/services", handler.HandleListServices(app.Broker))
		adm.POST("/services/:id/rotate", handler.HandleRotateServiceKey(app.Broker))
		adm.DELETE("/services/:id", handler.HandleDeactivateService(app.Broker))
	}

	if app.Login != nil {
		r.GET("/auth/github/login", app.Login.HandleLogin())
		r.GET("/auth/github/callback", app.Login.HandleCallback())
	} else {
		notConfigured := func(c *gin.Context) {
			apperr.Respond(c, apperr.New(apperr.CodeUnavailable, "GitHub login is not configured"))
		}
		r.GET("/auth/github/login", notConfigured)
		r.GET("/auth/github/callback", notConfigured)
	}

	return r
}
