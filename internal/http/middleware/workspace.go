package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/chatcharin/messaging-hub/internal/sysutil"
)

// Identity headers read by HeaderAuthorizer.
const (
	HeaderWorkspaceID = "X-Workspace-Id"
	HeaderUserID      = "X-User-ID"
)

// Principal is the operator a request acts for.
type Principal struct {
	UserID      string
	WorkspaceID string
}

// WorkspaceAuthorizer decides whether a request may act on a workspace and
// for whom. Membership policy lives outside the hub; implementations adapt
// whatever the deployment's gateway provides.
type WorkspaceAuthorizer interface {
	Authorize(c *gin.Context) (Principal, bool)
}

// HeaderAuthorizer trusts identity headers set by an upstream gateway.
// With AllowQuery, workspaceId and userId query parameters are accepted as
// well; browsers cannot set headers on a websocket upgrade.
type HeaderAuthorizer struct {
	AllowQuery bool
}

// Authorize implements WorkspaceAuthorizer. A workspace id is required; the
// user id is optional.
func (a HeaderAuthorizer) Authorize(c *gin.Context) (Principal, bool) {
	ws := c.GetHeader(HeaderWorkspaceID)
	uid := c.GetHeader(HeaderUserID)
	if a.AllowQuery {
		ws = sysutil.FirstNonEmpty(ws, c.Query("workspaceId"))
		uid = sysutil.FirstNonEmpty(uid, c.Query("userId"))
	}
	p := Principal{UserID: strings.TrimSpace(uid), WorkspaceID: strings.TrimSpace(ws)}
	return p, p.WorkspaceID != ""
}

// WorkspaceGate rejects requests the authorizer refuses with 401 and
// records the principal for handlers and downstream middleware.
func WorkspaceGate(auth WorkspaceAuthorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := auth.Authorize(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": RequestIDFrom(c),
				"code":       "unauthorized",
				"message":    "workspace access required",
			})
			return
		}
		c.Set(ctxKeyWorkspaceID, p.WorkspaceID)
		if p.UserID != "" {
			c.Set(ctxKeyUserID, p.UserID)
		}
		setLogger(c, LoggerFrom(c).With().
			Str("workspace_id", p.WorkspaceID).
			Str("user_id", p.UserID).
			Logger())
		c.Next()
	}
}

// WorkspaceID returns the gated workspace, or "" outside the gate.
func WorkspaceID(c *gin.Context) string {
	v, _ := c.Get(ctxKeyWorkspaceID)
	return asString(v)
}

// UserID returns the gated operator id, or "".
func UserID(c *gin.Context) string {
	v, _ := c.Get(ctxKeyUserID)
	return asString(v)
}

// CurrentPrincipal returns both ids recorded by WorkspaceGate.
func CurrentPrincipal(c *gin.Context) Principal {
	return Principal{UserID: UserID(c), WorkspaceID: WorkspaceID(c)}
}
