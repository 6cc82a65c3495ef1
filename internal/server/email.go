package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"google.golang.org/api/gmail/v1"

	"github.com/lucidhq/workspace-sync/internal/provider"
	"github.com/lucidhq/workspace-sync/internal/provider/google"
	"github.com/lucidhq/workspace-sync/internal/store"
)

// handleListEmail pages through the caller's synced messages
func (s *Server) handleListEmail(c *gin.Context) {
	opts := store.ListItemsOptions{
		UnreadOnly: c.Query("unread") == "true",
	}
	opts.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	opts.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	items, err := s.userStore(c).ListItems(c.Request.Context(), provider.KindMail, opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"emails": items})
}

func (s *Server) handleGetEmail(c *gin.Context) {
	item, err := s.userStore(c).ItemByExternalID(c.Request.Context(), provider.KindMail, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// emailLabelHandler builds a mutation handler that applies a Gmail label
// delta upstream first, then mirrors it into the local row
func (s *Server) emailLabelHandler(add, remove []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		us := s.userStore(c)

		svc, err := s.gmailFor(c, us)
		if err != nil {
			s.fail(c, err)
			return
		}

		req := &gmail.ModifyMessageRequest{AddLabelIds: add, RemoveLabelIds: remove}
		if _, err := svc.Users.Messages.Modify("me", id, req).Context(c.Request.Context()).Do(); err != nil {
			if google.IsNotFound(err) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			s.fail(c, err)
			return
		}

		if _, err := us.ApplyLabelChange(c.Request.Context(), provider.KindMail, id, add, remove); err != nil {
			s.fail(c, err)
			return
		}

		item, err := us.ItemByExternalID(c.Request.Context(), provider.KindMail, id)
		if err != nil {
			// Mutated upstream but never synced locally; the next sync
			// will pick it up
			c.JSON(http.StatusOK, gin.H{"status": "updated"})
			return
		}
		c.JSON(http.StatusOK, item)
	}
}

// handleDeleteEmail moves the message to the Gmail trash and drops the
// local row
func (s *Server) handleDeleteEmail(c *gin.Context) {
	id := c.Param("id")
	us := s.userStore(c)

	svc, err := s.gmailFor(c, us)
	if err != nil {
		s.fail(c, err)
		return
	}

	if _, err := svc.Users.Messages.Trash("me", id).Context(c.Request.Context()).Do(); err != nil {
		if !google.IsNotFound(err) {
			s.fail(c, err)
			return
		}
	}

	if _, err := us.DeleteItem(c.Request.Context(), provider.KindMail, id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// gmailFor builds a Gmail client for the caller's google connection with a
// fresh credential
func (s *Server) gmailFor(c *gin.Context, us *store.UserStore) (*gmail.Service, error) {
	conn, err := us.ActiveConnection(c.Request.Context(), "google")
	if err != nil {
		return nil, err
	}
	token, err := s.refresher.FreshToken(c.Request.Context(), us, conn)
	if err != nil {
		return nil, err
	}
	return google.NewGmailService(c.Request.Context(), token)
}
