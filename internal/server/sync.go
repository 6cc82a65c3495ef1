package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lucidhq/workspace-sync/internal/provider"
	"github.com/lucidhq/workspace-sync/internal/store"
	syncpkg "github.com/lucidhq/workspace-sync/internal/sync"
)

// handleTriggerSync forces a reconciliation of the caller's active
// subscriptions outside the webhook path
func (s *Server) handleTriggerSync(c *gin.Context) {
	us := s.userStore(c)
	results := make(map[string]any)

	for _, kind := range syncpkg.Kinds {
		sub, err := us.ActiveSubscription(c.Request.Context(), kind)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			s.fail(c, err)
			return
		}

		res, err := s.reconciler.Reconcile(c.Request.Context(), sub)
		if err != nil {
			results[string(kind)] = gin.H{"error": err.Error()}
			continue
		}
		results[string(kind)] = res
	}

	c.JSON(http.StatusOK, gin.H{"results": results})
}

// handleEnsureWatches idempotently provisions push channels for every kind
// the caller's connections support. Intended to run on login.
func (s *Server) handleEnsureWatches(c *gin.Context) {
	statuses := s.watcher.EnsureForUser(c.Request.Context(), c.GetString("user_id"))
	c.JSON(http.StatusOK, gin.H{"watches": statuses})
}

// handleWatchStatus is a read-only diagnostic of the caller's subscriptions
func (s *Server) handleWatchStatus(c *gin.Context) {
	us := s.userStore(c)

	subs, err := us.Subscriptions(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"watches":       s.watcher.Status(c.Request.Context(), c.GetString("user_id")),
		"subscriptions": subs,
	})
}

// handleStopWatch tears down the caller's channel for one kind. Stopping a
// kind with no active channel succeeds with "nothing to stop".
func (s *Server) handleStopWatch(c *gin.Context) {
	kind := provider.Kind(c.Param("kind"))
	if kind != provider.KindMail && kind != provider.KindCalendar {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown resource kind"})
		return
	}

	stopped, err := s.watcher.Stop(c.Request.Context(), c.GetString("user_id"), kind)
	if err != nil {
		s.fail(c, err)
		return
	}

	status := "stopped"
	if !stopped {
		status = "nothing to stop"
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}
