package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/lucidhq/workspace-sync/internal/provider"
	"github.com/lucidhq/workspace-sync/internal/store"
)

// Watcher manages provider push channels: one active subscription per
// (user, kind), replaced atomically on start and renewal.
type Watcher struct {
	store  *store.Store
	source SourceFactory
}

func NewWatcher(st *store.Store, source SourceFactory) *Watcher {
	return &Watcher{store: st, source: source}
}

// Start registers a push channel for the user's resource kind. Any existing
// active subscription is stopped upstream (best effort) and deactivated
// before the new channel is persisted; nothing is written when registration
// fails.
func (w *Watcher) Start(ctx context.Context, userID string, kind provider.Kind) (*store.Subscription, error) {
	us := w.store.ForUser(userID)

	conn, err := connectionFor(ctx, us, kind)
	if err != nil {
		return nil, err
	}

	src, err := w.source(ctx, us, conn, kind)
	if err != nil {
		return nil, err
	}

	if existing, err := us.ActiveSubscription(ctx, kind); err == nil {
		if err := src.Stop(ctx, existing.ChannelID, existing.ResourceID); err != nil {
			log.Printf("watcher: stop of old %s channel %s failed: %v", kind, existing.ChannelID, err)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	channelID := uuid.NewString()
	info, err := src.Watch(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to register %s watch: %w", kind, err)
	}

	if _, err := us.DeactivateSubscriptions(ctx, kind); err != nil {
		return nil, err
	}

	sub := &store.Subscription{
		ConnectionID: conn.ID,
		Kind:         kind,
		ChannelID:    info.ChannelID,
		ResourceID:   info.ResourceID,
		Cursor:       info.Cursor,
		Expiration:   info.Expiration,
	}
	if err := us.InsertSubscription(ctx, sub); err != nil {
		return nil, err
	}

	log.Printf("watcher: started %s watch for user %s (channel %s, expires %s)",
		kind, userID, sub.ChannelID, sub.Expiration.Format(time.RFC3339))
	return sub, nil
}

// Stop tears down the user's active subscription for a kind. Returns false
// when there was nothing to stop; stopping twice is not an error.
func (w *Watcher) Stop(ctx context.Context, userID string, kind provider.Kind) (bool, error) {
	us := w.store.ForUser(userID)

	sub, err := us.ActiveSubscription(ctx, kind)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	conn, err := us.ConnectionByID(ctx, sub.ConnectionID)
	if err == nil {
		if src, err := w.source(ctx, us, conn, kind); err == nil {
			if err := src.Stop(ctx, sub.ChannelID, sub.ResourceID); err != nil {
				log.Printf("watcher: upstream stop of %s channel %s failed: %v", kind, sub.ChannelID, err)
			}
		} else {
			log.Printf("watcher: no source to stop %s channel %s: %v", kind, sub.ChannelID, err)
		}
	}

	if _, err := us.DeactivateSubscriptions(ctx, kind); err != nil {
		return false, err
	}
	return true, nil
}

// Renew replaces the user's channel for a kind with a fresh one. Start
// already handles the stop-then-start sequence.
func (w *Watcher) Renew(ctx context.Context, userID string, kind provider.Kind) (*store.Subscription, error) {
	return w.Start(ctx, userID, kind)
}

// WatchStatus describes the state of one kind's subscription for a user
type WatchStatus struct {
	Kind       provider.Kind `json:"kind"`
	Active     bool          `json:"active"`
	ChannelID  string        `json:"channel_id,omitempty"`
	Expiration time.Time     `json:"expiration,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// EnsureForUser makes sure every kind the user's connections support has an
// active, non-expiring subscription, starting watches where they are missing.
// Kinds without a supporting connection are reported inactive, not failed.
func (w *Watcher) EnsureForUser(ctx context.Context, userID string) []WatchStatus {
	us := w.store.ForUser(userID)
	statuses := make([]WatchStatus, 0, len(Kinds))

	for _, kind := range Kinds {
		status := WatchStatus{Kind: kind}

		if sub, err := us.ActiveSubscription(ctx, kind); err == nil && time.Until(sub.Expiration) > 24*time.Hour {
			status.Active = true
			status.ChannelID = sub.ChannelID
			status.Expiration = sub.Expiration
			statuses = append(statuses, status)
			continue
		}

		sub, err := w.Start(ctx, userID, kind)
		switch {
		case errors.Is(err, ErrNoConnection):
			// Nothing to watch for this kind
		case err != nil:
			status.Error = err.Error()
		default:
			status.Active = true
			status.ChannelID = sub.ChannelID
			status.Expiration = sub.Expiration
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// Status reports the current subscription state per kind without changing it
func (w *Watcher) Status(ctx context.Context, userID string) []WatchStatus {
	us := w.store.ForUser(userID)
	statuses := make([]WatchStatus, 0, len(Kinds))
	for _, kind := range Kinds {
		status := WatchStatus{Kind: kind}
		if sub, err := us.ActiveSubscription(ctx, kind); err == nil {
			status.Active = true
			status.ChannelID = sub.ChannelID
			status.Expiration = sub.Expiration
		}
		statuses = append(statuses, status)
	}
	return statuses
}
