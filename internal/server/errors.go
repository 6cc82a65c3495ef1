package server

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lucidhq/workspace-sync/internal/auth"
	"github.com/lucidhq/workspace-sync/internal/provider"
	"github.com/lucidhq/workspace-sync/internal/store"
)

// fail maps an error onto the HTTP failure classes: 401 for dead
// credentials, 404 for missing resources, 500 for everything else
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, auth.ErrReconnectRequired), errors.Is(err, provider.ErrAuthRequired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "connection requires re-authentication"})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, provider.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		log.Printf("server: %s %s failed: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
