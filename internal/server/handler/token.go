package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aspect-build/authgate/internal/apperr"
	"github.com/aspect-build/authgate/internal/authgate"
	"github.com/aspect-build/authgate/internal/logx"
	"github.com/aspect-build/authgate/internal/revocation"
	"github.com/aspect-build/authgate/internal/server/db"
	"github.com/aspect-build/authgate/internal/token"
	"github.com/gin-gonic/gin"
)

type tokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"tokenType"`
	TokenID   string    `json:"tokenId"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func newTokenResponse(raw string, c *token.Claims) tokenResponse {
	return tokenResponse{
		Token:     raw,
		TokenType: "Bearer",
		TokenID:   c.TokenID,
		IssuedAt:  c.IssuedAt,
		ExpiresAt: c.ExpiresAt,
	}
}

// bindJSON decodes the request body, answering INVALID_REQUEST on failure.
// An empty body leaves dst zeroed so field validation can name what is missing.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		apperr.Respond(c, apperr.New(apperr.CodeInvalidRequest, "invalid JSON body"))
		return false
	}
	return true
}

// HandleIssueToken handles GET /api/token?userId=.
func HandleIssueToken(gate *authgate.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.Query("userId"))
		raw, claims, err := gate.Issue(c.Request.Context(), userID)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, newTokenResponse(raw, claims))
	}
}

type refreshRequest struct {
	Token string `json:"token"`
}

// HandleRefreshToken handles POST /api/token.
func HandleRefreshToken(gate *authgate.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req refreshRequest
		if !bindJSON(c, &req) {
			return
		}
		raw, claims, err := gate.Refresh(c.Request.Context(), strings.TrimSpace(req.Token))
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, newTokenResponse(raw, claims))
	}
}

type revokeRequest struct {
	Token     string `json:"token"`
	Reason    string `json:"reason"`
	RevokedBy string `json:"revokedBy"`
}

// HandleRevokeToken handles POST /api/token/revoke. Possession of a
// signature-valid credential is sufficient to revoke it. The caller is
// unauthenticated, so the audit actor is always the credential's subject. A
// revokedBy in the body is kept only as a note appended to the reason.
func HandleRevokeToken(gate *authgate.Gate) gin.HandlerFunc {
	return revokeHandler(gate, false)
}

// HandleAdminRevokeToken handles POST /api/admin/token/revoke behind admin
// auth. The actor is taken from revokedBy, defaulting to "admin".
func HandleAdminRevokeToken(gate *authgate.Gate) gin.HandlerFunc {
	return revokeHandler(gate, true)
}

func revokeHandler(gate *authgate.Gate, admin bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req revokeRequest
		if !bindJSON(c, &req) {
			return
		}
		actor, reason := "", req.Reason
		requestedBy := strings.TrimSpace(req.RevokedBy)
		switch {
		case admin && requestedBy != "":
			actor = requestedBy
		case admin:
			actor = "admin"
		case requestedBy != "":
			reason = strings.TrimSpace(reason + " [requested by " + requestedBy + "]")
		}
		out, claims, err := gate.Revoke(c.Request.Context(), strings.TrimSpace(req.Token), actor, reason)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"jti":    claims.TokenID,
			"status": out.String(),
		})
	}
}

type revocationStatusResponse struct {
	TokenID   string     `json:"jti"`
	Revoked   bool       `json:"revoked"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
	RevokedBy string     `json:"revokedBy,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// HandleRevocationStatus handles GET /api/token/revocation-status?jti=.
func HandleRevocationStatus(revs *revocation.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		jti := strings.TrimSpace(c.Query("jti"))
		if jti == "" {
			apperr.Respond(c, apperr.New(apperr.CodeMissingJTI, "jti is required"))
			return
		}
		rec, err := revs.Status(c.Request.Context(), jti)
		if err != nil {
			logx.Errorf("revocation status %s: %v", jti, err)
			apperr.Respond(c, apperr.Wrap(apperr.CodeUnavailable, "revocation lookup failed", err))
			return
		}
		resp := revocationStatusResponse{TokenID: jti}
		if rec != nil {
			resp.Revoked = true
			resp.RevokedAt = &rec.RevokedAt
			resp.RevokedBy = rec.RevokedBy
			resp.Reason = rec.Reason
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleVerifyToken handles GET /api/token/verify behind RequireCredential.
func HandleVerifyToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := authgate.PrincipalFrom(c)
		if !ok {
			apperr.Respond(c, apperr.New(apperr.CodeUnauthorized, "no principal"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"valid": true, "principal": p})
	}
}

// HandleMeStatus handles GET /api/me/status behind RequireAuthentication.
// It stays reachable for identities whose access was withdrawn.
func HandleMeStatus(store *db.Store, timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := authgate.PrincipalFrom(c)
		if !ok {
			apperr.Respond(c, apperr.New(apperr.CodeUnauthorized, "no principal"))
			return
		}
		ctx, cancel := withDBTimeout(c.Request.Context(), timeout)
		defer cancel()
		ident, err := store.GetIdentity(ctx, p.SubjectID)
		if err != nil {
			apperr.Respond(c, apperr.Wrap(apperr.CodeUnavailable, "identity lookup failed", err))
			return
		}
		if ident == nil {
			apperr.Respond(c, apperr.New(apperr.CodeUserNotFound, "user not found"))
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"userId":         ident.ID,
			"githubUserId":   ident.GitHubUserID,
			"githubLogin":    ident.GitHubLogin,
			"whitelisted":    ident.Whitelisted,
			"hasGitHubToken": ident.HasAccessToken(),
		})
	}
}
