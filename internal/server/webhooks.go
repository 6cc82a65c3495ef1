package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lucidhq/workspace-sync/internal/provider"
)

// Providers disable channels that do not get acknowledged quickly, so the
// webhook handlers answer 200 immediately and do the real work detached
// from the request deadline.
const webhookWorkTimeout = 2 * time.Minute

// graphEnvelope is the body Microsoft Graph posts for change notifications.
// clientState carries the channel id the subscription was registered with.
type graphEnvelope struct {
	Value []struct {
		ClientState string `json:"clientState"`
		ChangeType  string `json:"changeType"`
	} `json:"value"`
}

// handleMailWebhook serves both mail providers. Google notifications carry
// the channel id in headers; Graph notifications carry it in the JSON
// body's clientState. Graph also probes the endpoint once at subscription
// time and expects its validation token echoed back as plain text.
func (s *Server) handleMailWebhook(c *gin.Context) {
	if token := c.Query("validationToken"); token != "" {
		c.String(http.StatusOK, token)
		return
	}

	if channelID := c.GetHeader("X-Goog-Channel-ID"); channelID != "" {
		s.dispatch(provider.KindMail, channelID, c.GetHeader("X-Goog-Resource-State"))
		ack(c)
		return
	}

	var envelope graphEnvelope
	if err := c.ShouldBindJSON(&envelope); err == nil {
		for _, n := range envelope.Value {
			if n.ClientState != "" {
				s.dispatch(provider.KindMail, n.ClientState, n.ChangeType)
			}
		}
	}
	ack(c)
}

func (s *Server) handleCalendarWebhook(c *gin.Context) {
	s.dispatch(provider.KindCalendar, c.GetHeader("X-Goog-Channel-ID"), c.GetHeader("X-Goog-Resource-State"))
	ack(c)
}

// dispatch hands one notification to the processor on a background
// goroutine. A malformed or unknown notification is logged inside the
// processor, never surfaced upstream.
func (s *Server) dispatch(kind provider.Kind, channelID, resourceState string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), webhookWorkTimeout)
		defer cancel()
		s.processor.HandleNotification(ctx, kind, channelID, resourceState)
	}()
}

func ack(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
}
