package sync

import (
	"context"
	"errors"
	"log"

	"github.com/lucidhq/workspace-sync/internal/provider"
	"github.com/lucidhq/workspace-sync/internal/store"
)

// Processor turns webhook notifications into reconciliation runs. The
// webhook handler always acknowledges, so nothing here returns an error;
// failures are logged and the next notification or sweep catches up.
type Processor struct {
	store      *store.Store
	reconciler *Reconciler
}

func NewProcessor(st *store.Store, rec *Reconciler) *Processor {
	return &Processor{store: st, reconciler: rec}
}

// HandleNotification processes one push notification for a channel. The
// "sync" resource state is the provider's registration handshake and carries
// no changes.
func (p *Processor) HandleNotification(ctx context.Context, kind provider.Kind, channelID, resourceState string) {
	if channelID == "" {
		log.Printf("notifications: %s notification without channel id ignored", kind)
		return
	}
	if resourceState == "sync" {
		log.Printf("notifications: %s channel %s confirmed", kind, channelID)
		return
	}

	sub, err := p.store.SubscriptionByChannel(ctx, kind, channelID)
	if errors.Is(err, store.ErrNotFound) {
		// Stale channel from a replaced or stopped subscription
		log.Printf("notifications: unknown %s channel %s ignored", kind, channelID)
		return
	}
	if err != nil {
		log.Printf("notifications: lookup of %s channel %s failed: %v", kind, channelID, err)
		return
	}

	if err := p.store.ForUser(sub.UserID).BumpNotification(ctx, sub.ID); err != nil {
		log.Printf("notifications: failed to record notification on %s: %v", sub.ID, err)
	}

	if _, err := p.reconciler.Reconcile(ctx, sub); err != nil {
		log.Printf("notifications: %s sync for user %s failed: %v", kind, sub.UserID, err)
	}
}
