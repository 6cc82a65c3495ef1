package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lucidhq/workspace-sync/internal/store"
)

type connectionRequest struct {
	Provider       string   `json:"provider" binding:"required"`
	ProviderUserID string   `json:"provider_user_id" binding:"required"`
	ProviderEmail  string   `json:"provider_email"`
	AccessToken    string   `json:"access_token" binding:"required"`
	RefreshToken   string   `json:"refresh_token"`
	ExpiresIn      int64    `json:"expires_in"`
	Scopes         []string `json:"scopes"`
}

// handleUpsertConnection stores the credentials from a completed OAuth
// exchange and provisions watches for the new connection in the background
func (s *Server) handleUpsertConnection(c *gin.Context) {
	var req connectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Provider != "google" && req.Provider != "microsoft" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported provider"})
		return
	}

	conn := &store.Connection{
		Provider:       req.Provider,
		ProviderUserID: req.ProviderUserID,
		ProviderEmail:  req.ProviderEmail,
		AccessToken:    req.AccessToken,
		RefreshToken:   req.RefreshToken,
		Scopes:         req.Scopes,
	}
	if req.ExpiresIn > 0 {
		conn.TokenExpiresAt = time.Now().Add(time.Duration(req.ExpiresIn) * time.Second)
	}

	if err := s.userStore(c).UpsertConnection(c.Request.Context(), conn); err != nil {
		s.fail(c, err)
		return
	}

	userID := c.GetString("user_id")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), webhookWorkTimeout)
		defer cancel()
		s.watcher.EnsureForUser(ctx, userID)
	}()

	c.JSON(http.StatusCreated, conn)
}

func (s *Server) handleListConnections(c *gin.Context) {
	conns, err := s.userStore(c).Connections(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": conns})
}

// handleRevokeConnection soft-deactivates a connection; its subscriptions
// stop getting renewed and eventually expire upstream
func (s *Server) handleRevokeConnection(c *gin.Context) {
	revoked, err := s.userStore(c).DeactivateConnection(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if !revoked {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}
