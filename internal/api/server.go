// Package api exposes the sync engine over HTTP: the peer batch exchange,
// platform webhooks, operator endpoints and a websocket event stream.
package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/bridgesync/internal/auth"
	"github.com/kimhsiao/bridgesync/internal/db"
	syncpkg "github.com/kimhsiao/bridgesync/internal/sync"
	"github.com/kimhsiao/bridgesync/internal/sync/batch"
	"github.com/kimhsiao/bridgesync/internal/sync/maintenance"
	"github.com/kimhsiao/bridgesync/internal/sync/status"
	"github.com/kimhsiao/bridgesync/internal/sync/worker"
)

// Options wires a Server.
type Options struct {
	Engine   *syncpkg.Engine
	Receiver *batch.Receiver
	Store    db.Store
	Auth     *auth.Manager
	// Hub is optional; without it /events is not served.
	Hub *Hub
	// Worker and Maintenance are optional status sources.
	Worker      *worker.Worker
	Maintenance *maintenance.Service

	SyncEnabled    bool
	AllowedOrigins []string
}

// Server holds the HTTP handlers.
type Server struct {
	engine   *syncpkg.Engine
	receiver *batch.Receiver
	store    db.Store
	tracker  *status.Tracker
	auth     *auth.Manager
	hub      *Hub
	worker   *worker.Worker
	maint    *maintenance.Service

	syncEnabled    bool
	allowedOrigins []string
	startedAt      time.Time
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	return &Server{
		engine:         opts.Engine,
		receiver:       opts.Receiver,
		store:          opts.Store,
		tracker:        status.NewTracker(opts.Store),
		auth:           opts.Auth,
		hub:            opts.Hub,
		worker:         opts.Worker,
		maint:          opts.Maintenance,
		syncEnabled:    opts.SyncEnabled,
		allowedOrigins: opts.AllowedOrigins,
		startedAt:      time.Now().UTC(),
	}
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger())
	r.Use(cors.New(s.corsConfig()))

	r.GET("/healthz", s.health)

	r.POST("/webhooks/cms", s.webhook("cms"))
	r.POST("/webhooks/forum", s.webhook("forum"))

	authed := r.Group("/")
	authed.Use(Authenticate(s.auth))
	{
		authed.POST("/sync/batch", s.syncBatch)
		if s.hub != nil {
			authed.GET("/events", s.hub.Handle)
		}
	}

	admin := r.Group("/admin")
	admin.Use(Authenticate(s.auth), RequireRole(auth.RoleAdmin))
	{
		admin.GET("/queue", s.listQueue)
		admin.GET("/queue/stats", s.queueStats)
		admin.POST("/queue/:id/requeue", s.requeue)
		admin.GET("/conflicts", s.listConflicts)
		admin.POST("/conflicts/:id/resolve", s.resolveConflict)
		admin.GET("/mappings/:id/status", s.mappingStatus)
		admin.GET("/mappings/:id/history", s.mappingHistory)
		admin.POST("/mappings/:id/sync", s.setMappingSync)
		admin.GET("/worker", s.workerStatus)
		admin.POST("/maintenance/run", s.runMaintenance)
	}
	return r
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(s.allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	for _, o := range s.allowedOrigins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = s.allowedOrigins
	return cfg
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{
		"status":       "ok",
		"sync_enabled": s.syncEnabled,
		"uptime_s":     int64(time.Since(s.startedAt).Seconds()),
	}
	if stats, err := s.engine.Queue().Stats(c.Request.Context()); err == nil {
		body["queue"] = stats
	} else {
		body["status"] = "degraded"
		body["error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}
