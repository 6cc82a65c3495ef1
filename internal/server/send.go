package server

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"google.golang.org/api/gmail/v1"

	"github.com/lucidhq/workspace-sync/internal/provider/google"
)

type composeRequest struct {
	To       []string `json:"to"`
	Cc       []string `json:"cc"`
	Bcc      []string `json:"bcc"`
	Subject  string   `json:"subject"`
	BodyText string   `json:"body_text"`
	BodyHTML string   `json:"body_html"`
}

// composeRaw renders the request as an RFC 822 message in the base64url
// form the Gmail API takes. Gmail fills in the From header itself.
func composeRaw(req *composeRequest) string {
	var b strings.Builder
	if len(req.To) > 0 {
		fmt.Fprintf(&b, "To: %s\r\n", strings.Join(req.To, ", "))
	}
	if len(req.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(req.Cc, ", "))
	}
	if len(req.Bcc) > 0 {
		fmt.Fprintf(&b, "Bcc: %s\r\n", strings.Join(req.Bcc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", req.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	if req.BodyHTML != "" {
		b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n\r\n")
		b.WriteString(req.BodyHTML)
	} else {
		b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
		b.WriteString(req.BodyText)
	}
	return base64.URLEncoding.EncodeToString([]byte(b.String()))
}

// handleSendEmail sends a message through the caller's Gmail account. The
// sent copy reaches the local mirror through the regular sync path.
func (s *Server) handleSendEmail(c *gin.Context) {
	var req composeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.To) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one recipient required"})
		return
	}

	svc, err := s.gmailFor(c, s.userStore(c))
	if err != nil {
		s.fail(c, err)
		return
	}

	sent, err := svc.Users.Messages.Send("me", &gmail.Message{Raw: composeRaw(&req)}).Context(c.Request.Context()).Do()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": sent.Id, "thread_id": sent.ThreadId})
}

func (s *Server) handleCreateDraft(c *gin.Context) {
	var req composeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	svc, err := s.gmailFor(c, s.userStore(c))
	if err != nil {
		s.fail(c, err)
		return
	}

	draft := &gmail.Draft{Message: &gmail.Message{Raw: composeRaw(&req)}}
	created, err := svc.Users.Drafts.Create("me", draft).Context(c.Request.Context()).Do()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": created.Id})
}

func (s *Server) handleUpdateDraft(c *gin.Context) {
	var req composeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	svc, err := s.gmailFor(c, s.userStore(c))
	if err != nil {
		s.fail(c, err)
		return
	}

	draft := &gmail.Draft{Message: &gmail.Message{Raw: composeRaw(&req)}}
	updated, err := svc.Users.Drafts.Update("me", c.Param("id"), draft).Context(c.Request.Context()).Do()
	if err != nil {
		if google.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": updated.Id})
}

// handleDeleteDraft discards a draft, treating one Gmail already dropped as
// deleted
func (s *Server) handleDeleteDraft(c *gin.Context) {
	svc, err := s.gmailFor(c, s.userStore(c))
	if err != nil {
		s.fail(c, err)
		return
	}

	if err := svc.Users.Drafts.Delete("me", c.Param("id")).Context(c.Request.Context()).Do(); err != nil {
		if !google.IsNotFound(err) {
			s.fail(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
