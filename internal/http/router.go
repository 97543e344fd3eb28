// Package httpapi wires the Gin transport to the hub's handlers and
// middleware. Three surfaces share one engine:
//
//   - provider webhooks under /api/{line,meta}/callback, never gated or rate
//     limited so deliveries are always acknowledged;
//   - the operator REST API (relay pushes and the versioned chat API) behind
//     the workspace gate, Idempotency-Key validation and rate limiting;
//   - the websocket endpoint /ws, gated with a query-string fallback.
package httpapi

import (
	"context"
	_ "embed"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/chatcharin/messaging-hub/internal/config"
	"github.com/chatcharin/messaging-hub/internal/http/handlers"
	"github.com/chatcharin/messaging-hub/internal/http/middleware"
	"github.com/chatcharin/messaging-hub/internal/repo"
)

// WSPath is the websocket endpoint. It is excluded from gzip.
const WSPath = "/ws"

//go:embed openapi.json
var openAPISpec []byte

// Deps are the collaborators of RegisterRoutes.
type Deps struct {
	DB       *gorm.DB
	Config   config.Config
	Handlers handlers.Deps

	// Authorizer gates operator REST routes (default: HeaderAuthorizer).
	Authorizer middleware.WorkspaceAuthorizer
	// WSAuthorizer gates /ws (default: HeaderAuthorizer with query fallback).
	WSAuthorizer middleware.WorkspaceAuthorizer
}

// RegisterRoutes attaches middleware and endpoints to r.
//
// Middleware order:
//  1. OpenTelemetry
//  2. RequestID
//  3. RedactingLogger (stashes the request logger)
//  4. Recovery
//  5. Body size limit
//  6. Metrics
//  7. gzip (not on /ws)
//  8. CORS and security headers
//
// Gate, idempotency and rate limiting are per group; see the package doc.
func RegisterRoutes(r *gin.Engine, d Deps) {
	cfg := d.Config
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{MaskHeaders: []string{"X-API-Key"}}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))
	r.Use(middleware.Metrics())
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{WSPath})))
	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", healthHandler(d.DB))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if cfg.SwaggerEnabled {
		r.GET("/openapi.json", func(c *gin.Context) { c.Data(http.StatusOK, "application/json", openAPISpec) })
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/openapi.json")))
	}

	h := handlers.New(d.Handlers)
	auth := d.Authorizer
	if auth == nil {
		auth = middleware.HeaderAuthorizer{}
	}
	wsAuth := d.WSAuthorizer
	if wsAuth == nil {
		wsAuth = middleware.HeaderAuthorizer{AllowQuery: true}
	}
	gate := middleware.WorkspaceGate(auth)
	limiter := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByPrincipalOrIP()).Handler()

	if d.Handlers.Inbox != nil {
		hooks := r.Group("/api")
		hooks.POST("/line/callback/:settingId", h.LineCallback)
		hooks.POST("/meta/callback/:settingId", h.MetaCallback)
		hooks.GET("/meta/callback/:settingId", h.MetaVerify)
	}

	if d.Handlers.Relay != nil {
		// Idempotency runs before the limiter so replays are not charged.
		push := r.Group("/api", gate, middleware.IdempotencyValidator(
			middleware.IdempotencyOptions{MaxLen: 200},
			idempotencyLookup(d.DB),
		), limiter)
		push.POST("/line/push", h.PushLine)
		push.POST("/meta/push", h.PushMeta)
	}

	if d.Handlers.Chats != nil {
		api := groupWithPrefix(r, cfg.APIBasePath)
		api.Use(gate, limiter)
		api.POST("/chats", h.CreateChat)
		api.GET("/chats", h.ListChats)
		api.GET("/chats/:id", h.GetChat)
		api.PATCH("/chats/:id", h.UpdateChat)
		api.POST("/chats/:id/read", h.MarkChatRead)
		if d.Handlers.Messages != nil {
			api.GET("/chats/:id/messages", h.ListMessages)
			api.GET("/messages/:id", h.GetMessage)
		}
	}

	if d.Handlers.Live != nil {
		r.GET(WSPath, middleware.WorkspaceGate(wsAuth), h.ServeWS)
	}
}

func idempotencyLookup(db *gorm.DB) middleware.IdempotencyLookup {
	if db == nil {
		return nil
	}
	return func(ctx context.Context, workspaceID, key string, now time.Time) (bool, error) {
		return repo.IdempotencyKeyExists(ctx, db, workspaceID, key, now)
	}
}

// healthHandler reports 503 when the database does not answer a ping.
func healthHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db != nil {
			sqlDB, err := db.DB()
			if err == nil {
				ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
				err = sqlDB.PingContext(ctx)
				cancel()
			}
			if err != nil {
				middleware.LoggerFrom(c).Warn().Err(err).Msg("health: database unavailable")
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

var (
	corsMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsHeaders = []string{
		"Origin", "Content-Type", "Accept", "Authorization",
		middleware.HeaderWorkspaceID, middleware.HeaderUserID, middleware.HeaderIdempotencyKey,
		"If-None-Match",
	}
	corsExpose = []string{"X-Request-ID", "Content-Length", "ETag", "Idempotency-Replayed"}
)

// corsMiddleware allows every origin when none are configured, otherwise
// echoes allow-listed origins.
func corsMiddleware(origins []string) []gin.HandlerFunc {
	if len(origins) == 0 {
		return []gin.HandlerFunc{
			// ACAO on every response, Origin header or not.
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(cors.Config{
				AllowAllOrigins: true,
				AllowMethods:    corsMethods,
				AllowHeaders:    corsHeaders,
				ExposeHeaders:   corsExpose,
				MaxAge:          12 * time.Hour,
			}),
		}
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(cors.Config{
			AllowOrigins:  origins,
			AllowMethods:  corsMethods,
			AllowHeaders:  corsHeaders,
			ExposeHeaders: corsExpose,
			MaxAge:        12 * time.Hour,
		}),
	}
}

// limitBody caps request bodies at maxBytes; reads past the cap fail.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
