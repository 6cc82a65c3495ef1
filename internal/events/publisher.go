package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lucidhq/workspace-sync/internal/provider"
)

const streamName = "WORKSPACE_EVENTS"

// Publisher emits item-change events onto NATS JetStream so downstream
// consumers can react to synced data without polling the store. A nil
// *Publisher is valid and drops all events.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher connects to NATS and acquires a JetStream context
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream creates the event stream if it does not exist yet
func (p *Publisher) EnsureStream(ctx context.Context) error {
	if p == nil {
		return nil
	}

	info, err := p.js.StreamInfo(streamName)
	if err == nil && info != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{"user.*.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// ItemChanged publishes one reconciliation outcome. The message id makes
// replayed deliveries idempotent on the JetStream side.
func (p *Publisher) ItemChanged(userID string, kind provider.Kind, action, externalID string) {
	if p == nil {
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"ts":          time.Now().Unix(),
		"user_id":     userID,
		"kind":        string(kind),
		"action":      action,
		"external_id": externalID,
	})

	subject := fmt.Sprintf("user.%s.%s.%s", userID, kind, action)
	msgID := fmt.Sprintf("%s.%s|%s|%s", kind, action, userID, externalID)

	// Best effort: sync must not fail because the event feed is down
	if _, err := p.js.Publish(subject, payload, nats.MsgId(msgID)); err != nil {
		return
	}
}

// Close closes the NATS connection
func (p *Publisher) Close() {
	if p != nil && p.nc != nil {
		p.nc.Close()
	}
}
