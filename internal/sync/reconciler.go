package sync

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/lucidhq/workspace-sync/internal/events"
	"github.com/lucidhq/workspace-sync/internal/provider"
	"github.com/lucidhq/workspace-sync/internal/store"
)

// Reconciler pulls a subscription's change feed and applies it to the local
// mirror. Runs for the same (user, kind) are serialized so a webhook burst
// cannot interleave cursor updates.
type Reconciler struct {
	store  *store.Store
	source SourceFactory
	events *events.Publisher

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewReconciler(st *store.Store, source SourceFactory, pub *events.Publisher) *Reconciler {
	return &Reconciler{
		store:  st,
		source: source,
		events: pub,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Result summarizes one reconciliation run
type Result struct {
	Added      int    `json:"added"`
	Updated    int    `json:"updated"`
	Deleted    int    `json:"deleted"`
	NextCursor string `json:"-"`
}

// Reconcile fetches everything that changed since the subscription's cursor
// and mirrors it locally. The cursor is only advanced after the changes were
// applied; a cursor the provider rejects triggers one full resync.
func (r *Reconciler) Reconcile(ctx context.Context, sub *store.Subscription) (*Result, error) {
	return r.reconcile(ctx, sub, false)
}

// Resync reconciles from scratch, ignoring the stored cursor. Used by the
// daily verification sweep to catch drift that incremental syncs missed.
func (r *Reconciler) Resync(ctx context.Context, sub *store.Subscription) (*Result, error) {
	return r.reconcile(ctx, sub, true)
}

func (r *Reconciler) reconcile(ctx context.Context, sub *store.Subscription, full bool) (*Result, error) {
	lock := r.lockFor(sub)
	lock.Lock()
	defer lock.Unlock()

	us := r.store.ForUser(sub.UserID)

	// A run that queued on the lock must start from the cursor the previous
	// holder stored, not the one read before blocking
	if fresh, err := us.SubscriptionByID(ctx, sub.ID); err == nil {
		sub.Cursor = fresh.Cursor
	}

	conn, err := us.ConnectionByID(ctx, sub.ConnectionID)
	if err != nil {
		return nil, err
	}

	src, err := r.source(ctx, us, conn, sub.Kind)
	if err != nil {
		return nil, err
	}

	cursor := sub.Cursor
	if full {
		cursor = ""
	}

	res, err := r.run(ctx, us, conn, sub, src, cursor)
	if errors.Is(err, provider.ErrCursorExpired) && cursor != "" {
		log.Printf("reconciler: %s cursor for user %s expired, resyncing", sub.Kind, sub.UserID)
		res, err = r.run(ctx, us, conn, sub, src, "")
	}
	if err != nil {
		return nil, err
	}

	if res.NextCursor != "" && res.NextCursor != sub.Cursor {
		if err := us.UpdateSubscriptionCursor(ctx, sub.ID, res.NextCursor); err != nil {
			return nil, err
		}
		sub.Cursor = res.NextCursor
	}
	if err := us.TouchLastSynced(ctx, conn.ID); err != nil {
		log.Printf("reconciler: failed to stamp last sync for connection %s: %v", conn.ID, err)
	}

	if res.Added+res.Updated+res.Deleted > 0 {
		log.Printf("reconciler: %s sync for user %s: %d added, %d updated, %d deleted",
			sub.Kind, sub.UserID, res.Added, res.Updated, res.Deleted)
	}
	return res, nil
}

func (r *Reconciler) run(ctx context.Context, us *store.UserStore, conn *store.Connection, sub *store.Subscription, src provider.Source, cursor string) (*Result, error) {
	res := &Result{}

	next, err := src.Changes(ctx, cursor, func(c provider.Change) error {
		switch c.Type {
		case provider.ChangeAdded, provider.ChangeUpdated:
			created, err := us.UpsertItem(ctx, conn.ID, sub.Kind, c.Item)
			if err != nil {
				return err
			}
			if created {
				res.Added++
				r.events.ItemChanged(sub.UserID, sub.Kind, "added", c.ExternalID)
			} else {
				res.Updated++
				r.events.ItemChanged(sub.UserID, sub.Kind, "updated", c.ExternalID)
			}
		case provider.ChangeDeleted:
			existed, err := us.DeleteItem(ctx, sub.Kind, c.ExternalID)
			if err != nil {
				return err
			}
			if existed {
				res.Deleted++
				r.events.ItemChanged(sub.UserID, sub.Kind, "deleted", c.ExternalID)
			}
		case provider.ChangeLabels:
			known, err := us.ApplyLabelChange(ctx, sub.Kind, c.ExternalID, c.LabelsAdded, c.LabelsRemoved)
			if err != nil {
				return err
			}
			if known {
				res.Updated++
				r.events.ItemChanged(sub.UserID, sub.Kind, "updated", c.ExternalID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.NextCursor = next
	return res, nil
}

// lockFor keys the serialization lock by (user, kind) rather than the
// subscription row id, so renewals reuse the entry instead of growing the
// map with every replaced channel
func (r *Reconciler) lockFor(sub *store.Subscription) *sync.Mutex {
	key := sub.UserID + ":" + string(sub.Kind)

	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[key] = lock
	}
	return lock
}
