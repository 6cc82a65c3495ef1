// Package server wires the HTTP surface: provider webhooks, user-facing
// sync and data endpoints, and the scheduler-driven cron endpoints.
package server

import (
	"github.com/gin-gonic/gin"

	"github.com/lucidhq/workspace-sync/internal/auth"
	"github.com/lucidhq/workspace-sync/internal/config"
	"github.com/lucidhq/workspace-sync/internal/store"
	"github.com/lucidhq/workspace-sync/internal/sync"
)

// Server holds the handler dependencies
type Server struct {
	cfg        *config.Config
	store      *store.Store
	verifier   *auth.JWTVerifier
	refresher  *auth.Refresher
	sources    sync.SourceFactory
	watcher    *sync.Watcher
	reconciler *sync.Reconciler
	processor  *sync.Processor
	sweeper    *sync.Sweeper
}

func New(cfg *config.Config, st *store.Store, verifier *auth.JWTVerifier, refresher *auth.Refresher,
	sources sync.SourceFactory, watcher *sync.Watcher, reconciler *sync.Reconciler,
	processor *sync.Processor, sweeper *sync.Sweeper) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		verifier:   verifier,
		refresher:  refresher,
		sources:    sources,
		watcher:    watcher,
		reconciler: reconciler,
		processor:  processor,
		sweeper:    sweeper,
	}
}

// Register mounts every route on the engine
func (s *Server) Register(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Provider callbacks carry no user JWT
	r.POST("/api/webhooks/mail", s.handleMailWebhook)
	r.POST("/api/webhooks/calendar", s.handleCalendarWebhook)

	cron := r.Group("/api/cron")
	cron.Use(s.cronAuth())
	cron.POST("/incremental-sync", s.handleCronIncrementalSync)
	cron.POST("/renew-watches", s.handleCronRenewWatches)
	cron.POST("/setup-missing-watches", s.handleCronSetupMissingWatches)
	cron.POST("/daily-verification", s.handleCronDailyVerification)

	api := r.Group("/api")
	api.Use(s.verifier.Middleware())

	api.POST("/auth/connections", s.handleUpsertConnection)
	api.GET("/auth/connections", s.handleListConnections)
	api.DELETE("/auth/connections/:id", s.handleRevokeConnection)

	api.POST("/sync/trigger", s.handleTriggerSync)
	api.POST("/sync/watches", s.handleEnsureWatches)
	api.GET("/sync/watches", s.handleWatchStatus)
	api.DELETE("/sync/watches/:kind", s.handleStopWatch)

	api.GET("/email", s.handleListEmail)
	api.GET("/email/:id", s.handleGetEmail)
	api.POST("/email/:id/read", s.emailLabelHandler(nil, []string{"UNREAD"}))
	api.POST("/email/:id/unread", s.emailLabelHandler([]string{"UNREAD"}, nil))
	api.POST("/email/:id/star", s.emailLabelHandler([]string{"STARRED"}, nil))
	api.POST("/email/:id/unstar", s.emailLabelHandler(nil, []string{"STARRED"}))
	api.POST("/email/:id/archive", s.emailLabelHandler(nil, []string{"INBOX"}))
	api.DELETE("/email/:id", s.handleDeleteEmail)

	// Sending and drafts sit under /mail: gin's router rejects a static
	// segment alongside the :id wildcard above
	api.POST("/mail/send", s.handleSendEmail)
	api.POST("/mail/drafts", s.handleCreateDraft)
	api.PUT("/mail/drafts/:id", s.handleUpdateDraft)
	api.DELETE("/mail/drafts/:id", s.handleDeleteDraft)

	api.GET("/calendar/events", s.handleListEvents)
	api.POST("/calendar/events", s.handleCreateEvent)
	api.PATCH("/calendar/events/:id", s.handleUpdateEvent)
	api.DELETE("/calendar/events/:id", s.handleDeleteEvent)
}

// userStore scopes store access to the authenticated caller
func (s *Server) userStore(c *gin.Context) *store.UserStore {
	return s.store.ForUser(c.GetString("user_id"))
}
