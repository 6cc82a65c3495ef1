package server

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Horizon the renewal sweep looks ahead; channels expiring inside it get a
// fresh registration
const renewalHorizon = 24 * time.Hour

// Connections that have not synced for this long are candidates for the
// daily full verification
const verificationStaleAfter = 24 * time.Hour

// cronAuth guards the scheduler endpoints with the shared bearer secret.
// CronAuthDisabled bypasses the check for local development only.
func (s *Server) cronAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.CronAuthDisabled {
			log.Printf("cron: auth check bypassed for %s", c.FullPath())
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if s.cfg.CronSecret == "" || !ok ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.CronSecret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// handleCronIncrementalSync runs the notification safety net. Scheduled
// every 15 minutes.
func (s *Server) handleCronIncrementalSync(c *gin.Context) {
	stats := s.sweeper.IncrementalSweep(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// handleCronRenewWatches replaces channels nearing expiration. Scheduled
// every 6 hours.
func (s *Server) handleCronRenewWatches(c *gin.Context) {
	stats := s.sweeper.RenewExpiring(c.Request.Context(), renewalHorizon)
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// handleCronSetupMissingWatches provisions channels for connections that
// lost theirs. Scheduled hourly.
func (s *Server) handleCronSetupMissingWatches(c *gin.Context) {
	stats := s.sweeper.EnsureMissingWatches(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// handleCronDailyVerification fully resyncs stale connections once a day
func (s *Server) handleCronDailyVerification(c *gin.Context) {
	stats := s.sweeper.FullVerification(c.Request.Context(), verificationStaleAfter)
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}
