package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/aspect-build/authgate/internal/apperr"
	"github.com/aspect-build/authgate/internal/broker"
	"github.com/aspect-build/authgate/internal/keyrotation"
	"github.com/aspect-build/authgate/internal/logx"
	"github.com/aspect-build/authgate/internal/server/db"
	"github.com/gin-gonic/gin"
	"github.com/juju/clock"
)

type whitelistRequest struct {
	Whitelisted *bool `json:"whitelisted"`
}

// HandleSetWhitelist handles PUT /api/admin/identities/:id/whitelist. The
// change is visible to the very next authorization check.
func HandleSetWhitelist(store *db.Store, clk clock.Clock, timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		var req whitelistRequest
		if !bindJSON(c, &req) {
			return
		}
		if req.Whitelisted == nil {
			apperr.Respond(c, apperr.New(apperr.CodeInvalidRequest, "whitelisted is required"))
			return
		}
		ctx, cancel := withDBTimeout(c.Request.Context(), timeout)
		defer cancel()
		ok, err := store.SetWhitelisted(ctx, id, *req.Whitelisted, clk.Now())
		if err != nil {
			logx.Errorf("SetWhitelisted %s: %v", id, err)
			apperr.Respond(c, err)
			return
		}
		if !ok {
			apperr.Respond(c, apperr.New(apperr.CodeUserNotFound, "user not found"))
			return
		}
		logx.Infof("admin: identity %s whitelisted=%t", id, *req.Whitelisted)
		c.JSON(http.StatusOK, gin.H{"userId": id, "whitelisted": *req.Whitelisted})
	}
}

// HandleGetIdentity handles GET /api/admin/identities/:id.
func HandleGetIdentity(store *db.Store, timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := withDBTimeout(c.Request.Context(), timeout)
		defer cancel()
		ident, err := store.GetIdentity(ctx, c.Param("id"))
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		if ident == nil {
			apperr.Respond(c, apperr.New(apperr.CodeUserNotFound, "user not found"))
			return
		}
		c.JSON(http.StatusOK, ident)
	}
}

// HandleKeyReport handles GET /api/admin/keys.
func HandleKeyReport(tracker *keyrotation.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := tracker.Report(c.Request.Context())
		if err != nil {
			logx.Errorf("key report: %v", err)
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"keys": report})
	}
}

// --- Services ---

type registerServiceRequest struct {
	ServiceID   string `json:"serviceId"`
	Description string `json:"description"`
}

// HandleRegisterService handles POST /api/admin/services. The API key in the
// response is shown once and never stored.
func HandleRegisterService(b *broker.Broker) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerServiceRequest
		if !bindJSON(c, &req) {
			return
		}
		issued, err := b.RegisterService(c.Request.Context(), strings.TrimSpace(req.ServiceID), req.Description)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusCreated, issued)
	}
}

// HandleListServices handles GET /api/admin/services.
func HandleListServices(b *broker.Broker) gin.HandlerFunc {
	return func(c *gin.Context) {
		services, err := b.ListServices(c.Request.Context())
		if err != nil {
			logx.Errorf("ListServices: %v", err)
			apperr.Respond(c, err)
			return
		}
		if services == nil {
			services = []db.Service{}
		}
		c.JSON(http.StatusOK, services)
	}
}

// HandleRotateServiceKey handles POST /api/admin/services/:id/rotate.
func HandleRotateServiceKey(b *broker.Broker) gin.HandlerFunc {
	return func(c *gin.Context) {
		issued, err := b.RotateServiceKey(c.Request.Context(), c.Param("id"))
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, issued)
	}
}

// HandleDeactivateService handles DELETE /api/admin/services/:id.
func HandleDeactivateService(b *broker.Broker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := b.DeactivateService(c.Request.Context(), c.Param("id")); err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"serviceId": c.Param("id"), "active": false})
	}
}
