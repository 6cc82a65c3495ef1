package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Kind identifies a watched resource type
type Kind string

const (
	KindMail     Kind = "mail"
	KindCalendar Kind = "calendar"
)

// Sentinel errors for the provider error taxonomy. Callers classify with
// errors.Is instead of matching error strings.
var (
	// ErrNotFound marks a missing upstream item or channel
	ErrNotFound = errors.New("provider: not found")
	// ErrCursorExpired marks a cursor the provider no longer accepts; the
	// caller must fall back to a full resync
	ErrCursorExpired = errors.New("provider: cursor expired")
	// ErrAuthRequired marks an unusable credential; the user must reconnect
	ErrAuthRequired = errors.New("provider: reconnect required")
)

// Item is the normalized representation of a mail message or calendar event
type Item struct {
	ExternalID  string
	ThreadID    string
	Title       string
	FromAddress string
	ToAddresses []string
	CcAddresses []string
	Snippet     string
	BodyText    string
	BodyHTML    string
	Labels      []string
	IsRead      bool
	IsStarred   bool
	StartsAt    time.Time
	EndsAt      time.Time
	AllDay      bool
	Status      string
	ReceivedAt  time.Time
	Raw         json.RawMessage
}

// ChangeType classifies a single entry in a provider change feed
type ChangeType string

const (
	ChangeAdded   ChangeType = "added"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
	ChangeLabels  ChangeType = "labels"
)

// Change is one entry of a change feed. Item is set for added/updated
// changes; LabelsAdded/LabelsRemoved are set for label changes.
type Change struct {
	Type          ChangeType
	ExternalID    string
	Item          *Item
	LabelsAdded   []string
	LabelsRemoved []string
}

// WatchInfo is what the provider returns when a push channel is registered
type WatchInfo struct {
	ChannelID  string
	ResourceID string
	// Cursor is the initial position of the change feed (history id for
	// mail, sync token for calendar). May be empty when the provider does
	// not hand one out at registration time.
	Cursor     string
	Expiration time.Time
}

// ChangeSource fetches deltas from a provider change feed. An empty cursor
// requests a full (windowed) resync; the returned cursor is the position to
// store for the next call.
type ChangeSource interface {
	Changes(ctx context.Context, cursor string, apply func(Change) error) (nextCursor string, err error)
}

// WatchAPI manages provider push-notification channels
type WatchAPI interface {
	Watch(ctx context.Context, channelID string) (*WatchInfo, error)
	// Stop tears down a channel. Implementations treat an already-gone
	// channel as success.
	Stop(ctx context.Context, channelID, resourceID string) error
}

// Source is a provider binding for one (connection, resource kind)
type Source interface {
	ChangeSource
	WatchAPI
}
