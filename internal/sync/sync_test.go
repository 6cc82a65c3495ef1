package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/lucidhq/workspace-sync/internal/provider"
	"github.com/lucidhq/workspace-sync/internal/store"
)

type fakeSource struct {
	watchCursor string
	watchErr    error
	watched     []string
	stopped     []string
	stopErr     error

	// script drives Changes; cursors passed in are recorded
	script  func(cursor string, apply func(provider.Change) error) (string, error)
	cursors []string
}

func (f *fakeSource) Watch(ctx context.Context, channelID string) (*provider.WatchInfo, error) {
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	f.watched = append(f.watched, channelID)
	return &provider.WatchInfo{
		ChannelID:  channelID,
		ResourceID: "res-" + channelID,
		Cursor:     f.watchCursor,
		Expiration: time.Now().Add(7 * 24 * time.Hour),
	}, nil
}

func (f *fakeSource) Stop(ctx context.Context, channelID, resourceID string) error {
	f.stopped = append(f.stopped, channelID)
	return f.stopErr
}

func (f *fakeSource) Changes(ctx context.Context, cursor string, apply func(provider.Change) error) (string, error) {
	f.cursors = append(f.cursors, cursor)
	if f.script == nil {
		return cursor, nil
	}
	return f.script(cursor, apply)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	st, err := store.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return st
}

func seedConnection(t *testing.T, st *store.Store, userID string) *store.Connection {
	t.Helper()
	conn := &store.Connection{
		Provider:       "google",
		ProviderUserID: "puid",
		AccessToken:    "at",
		RefreshToken:   "rt",
		TokenExpiresAt: time.Now().Add(time.Hour),
	}
	if err := st.ForUser(userID).UpsertConnection(context.Background(), conn); err != nil {
		t.Fatalf("failed to seed connection: %v", err)
	}
	return conn
}

func factoryFor(src provider.Source) SourceFactory {
	return func(ctx context.Context, us *store.UserStore, conn *store.Connection, kind provider.Kind) (provider.Source, error) {
		return src, nil
	}
}

func TestWatcherStartFresh(t *testing.T) {
	st := newTestStore(t)
	seedConnection(t, st, "u1")
	fake := &fakeSource{watchCursor: "100"}
	w := NewWatcher(st, factoryFor(fake))

	sub, err := w.Start(context.Background(), "u1", provider.KindMail)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sub.Cursor != "100" {
		t.Errorf("cursor = %q, want 100", sub.Cursor)
	}
	if sub.ResourceID != "res-"+sub.ChannelID {
		t.Errorf("resource id not recorded: %q", sub.ResourceID)
	}
	if len(fake.stopped) != 0 {
		t.Errorf("nothing should be stopped on a fresh start")
	}

	active, err := st.ForUser("u1").ActiveSubscription(context.Background(), provider.KindMail)
	if err != nil {
		t.Fatalf("ActiveSubscription: %v", err)
	}
	if active.ChannelID != sub.ChannelID {
		t.Errorf("active channel mismatch")
	}
}

func TestWatcherStartReplacesActive(t *testing.T) {
	st := newTestStore(t)
	seedConnection(t, st, "u1")
	fake := &fakeSource{watchCursor: "100"}
	w := NewWatcher(st, factoryFor(fake))
	ctx := context.Background()

	first, err := w.Start(ctx, "u1", provider.KindMail)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	second, err := w.Start(ctx, "u1", provider.KindMail)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}

	if len(fake.stopped) != 1 || fake.stopped[0] != first.ChannelID {
		t.Errorf("old channel not stopped: %v", fake.stopped)
	}

	active, err := st.ForUser("u1").ActiveSubscription(ctx, provider.KindMail)
	if err != nil {
		t.Fatalf("ActiveSubscription: %v", err)
	}
	if active.ChannelID != second.ChannelID {
		t.Errorf("active channel = %s, want %s", active.ChannelID, second.ChannelID)
	}
	if _, err := st.SubscriptionByChannel(ctx, provider.KindMail, first.ChannelID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("replaced channel still active")
	}
}

func TestWatcherStartToleratesStopFailure(t *testing.T) {
	st := newTestStore(t)
	seedConnection(t, st, "u1")
	fake := &fakeSource{stopErr: errors.New("boom")}
	w := NewWatcher(st, factoryFor(fake))
	ctx := context.Background()

	if _, err := w.Start(ctx, "u1", provider.KindMail); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := w.Start(ctx, "u1", provider.KindMail); err != nil {
		t.Fatalf("renewal must survive a failed upstream stop: %v", err)
	}
}

func TestWatcherStartNoPartialRowOnWatchFailure(t *testing.T) {
	st := newTestStore(t)
	seedConnection(t, st, "u1")
	fake := &fakeSource{watchErr: errors.New("quota exceeded")}
	w := NewWatcher(st, factoryFor(fake))

	if _, err := w.Start(context.Background(), "u1", provider.KindMail); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := st.ForUser("u1").ActiveSubscription(context.Background(), provider.KindMail); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("failed watch left a subscription row: %v", err)
	}
}

func TestWatcherStartNoConnection(t *testing.T) {
	st := newTestStore(t)
	w := NewWatcher(st, factoryFor(&fakeSource{}))

	if _, err := w.Start(context.Background(), "u1", provider.KindMail); !errors.Is(err, ErrNoConnection) {
		t.Errorf("expected ErrNoConnection, got %v", err)
	}
}

func TestWatcherStopIdempotent(t *testing.T) {
	st := newTestStore(t)
	seedConnection(t, st, "u1")
	fake := &fakeSource{}
	w := NewWatcher(st, factoryFor(fake))
	ctx := context.Background()

	stopped, err := w.Stop(ctx, "u1", provider.KindMail)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped {
		t.Errorf("nothing to stop should report false")
	}

	if _, err := w.Start(ctx, "u1", provider.KindMail); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stopped, err = w.Stop(ctx, "u1", provider.KindMail)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !stopped {
		t.Errorf("active subscription should be stopped")
	}
	if stopped, _ := w.Stop(ctx, "u1", provider.KindMail); stopped {
		t.Errorf("second stop should be a no-op")
	}
}

func TestReconcilerAppliesChanges(t *testing.T) {
	st := newTestStore(t)
	conn := seedConnection(t, st, "u1")
	ctx := context.Background()
	us := st.ForUser("u1")

	if _, err := us.UpsertItem(ctx, conn.ID, provider.KindMail, &provider.Item{ExternalID: "gone", Title: "old"}); err != nil {
		t.Fatalf("seed item: %v", err)
	}
	if _, err := us.UpsertItem(ctx, conn.ID, provider.KindMail, &provider.Item{ExternalID: "flagged", Labels: []string{"INBOX"}, IsRead: true}); err != nil {
		t.Fatalf("seed item: %v", err)
	}

	fake := &fakeSource{script: func(cursor string, apply func(provider.Change) error) (string, error) {
		changes := []provider.Change{
			{Type: provider.ChangeAdded, ExternalID: "new", Item: &provider.Item{ExternalID: "new", Title: "fresh"}},
			{Type: provider.ChangeDeleted, ExternalID: "gone"},
			{Type: provider.ChangeLabels, ExternalID: "flagged", LabelsAdded: []string{"UNREAD"}},
		}
		for _, c := range changes {
			if err := apply(c); err != nil {
				return "", err
			}
		}
		return "200", nil
	}}

	sub := &store.Subscription{ConnectionID: conn.ID, Kind: provider.KindMail, ChannelID: "ch1", Cursor: "100", Expiration: time.Now().Add(time.Hour)}
	if err := us.InsertSubscription(ctx, sub); err != nil {
		t.Fatalf("insert subscription: %v", err)
	}

	r := NewReconciler(st, factoryFor(fake), nil)
	res, err := r.Reconcile(ctx, sub)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Added != 1 || res.Updated != 1 || res.Deleted != 1 {
		t.Errorf("result = %+v, want 1/1/1", res)
	}

	if _, err := us.ItemByExternalID(ctx, provider.KindMail, "new"); err != nil {
		t.Errorf("added item missing: %v", err)
	}
	if _, err := us.ItemByExternalID(ctx, provider.KindMail, "gone"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("deleted item still present: %v", err)
	}
	flagged, err := us.ItemByExternalID(ctx, provider.KindMail, "flagged")
	if err != nil {
		t.Fatalf("ItemByExternalID: %v", err)
	}
	if flagged.IsRead {
		t.Errorf("UNREAD label should have cleared is_read")
	}

	stored, err := us.ActiveSubscription(ctx, provider.KindMail)
	if err != nil {
		t.Fatalf("ActiveSubscription: %v", err)
	}
	if stored.Cursor != "200" {
		t.Errorf("cursor = %q, want 200", stored.Cursor)
	}

	conns, err := us.Connections(ctx)
	if err != nil || len(conns) != 1 {
		t.Fatalf("Connections: %v", err)
	}
	if conns[0].LastSyncedAt.IsZero() {
		t.Errorf("last_synced_at not stamped")
	}
}

func TestReconcilerZeroChangesStillAdvancesCursor(t *testing.T) {
	st := newTestStore(t)
	conn := seedConnection(t, st, "u1")
	ctx := context.Background()
	us := st.ForUser("u1")

	fake := &fakeSource{script: func(cursor string, apply func(provider.Change) error) (string, error) {
		return "150", nil
	}}

	sub := &store.Subscription{ConnectionID: conn.ID, Kind: provider.KindMail, ChannelID: "ch1", Cursor: "100", Expiration: time.Now().Add(time.Hour)}
	if err := us.InsertSubscription(ctx, sub); err != nil {
		t.Fatalf("insert subscription: %v", err)
	}

	r := NewReconciler(st, factoryFor(fake), nil)
	res, err := r.Reconcile(ctx, sub)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Added+res.Updated+res.Deleted != 0 {
		t.Errorf("expected zero changes, got %+v", res)
	}

	stored, _ := us.ActiveSubscription(ctx, provider.KindMail)
	if stored.Cursor != "150" {
		t.Errorf("fresher cursor not persisted: %q", stored.Cursor)
	}
}

func TestReconcilerCursorExpiredFallsBackToResync(t *testing.T) {
	st := newTestStore(t)
	conn := seedConnection(t, st, "u1")
	ctx := context.Background()
	us := st.ForUser("u1")

	fake := &fakeSource{script: func(cursor string, apply func(provider.Change) error) (string, error) {
		if cursor != "" {
			return "", fmt.Errorf("history aged out: %w", provider.ErrCursorExpired)
		}
		if err := apply(provider.Change{Type: provider.ChangeAdded, ExternalID: "m1", Item: &provider.Item{ExternalID: "m1"}}); err != nil {
			return "", err
		}
		return "900", nil
	}}

	sub := &store.Subscription{ConnectionID: conn.ID, Kind: provider.KindMail, ChannelID: "ch1", Cursor: "100", Expiration: time.Now().Add(time.Hour)}
	if err := us.InsertSubscription(ctx, sub); err != nil {
		t.Fatalf("insert subscription: %v", err)
	}

	r := NewReconciler(st, factoryFor(fake), nil)
	res, err := r.Reconcile(ctx, sub)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Added != 1 {
		t.Errorf("resync should have imported the item: %+v", res)
	}
	if len(fake.cursors) != 2 || fake.cursors[0] != "100" || fake.cursors[1] != "" {
		t.Errorf("expected incremental then empty-cursor attempt, got %v", fake.cursors)
	}

	stored, _ := us.ActiveSubscription(ctx, provider.KindMail)
	if stored.Cursor != "900" {
		t.Errorf("cursor = %q, want 900", stored.Cursor)
	}
}

func TestReconcilerRereadsCursorUnderLock(t *testing.T) {
	st := newTestStore(t)
	conn := seedConnection(t, st, "u1")
	ctx := context.Background()
	us := st.ForUser("u1")

	fake := &fakeSource{script: func(cursor string, apply func(provider.Change) error) (string, error) {
		return cursor, nil
	}}

	sub := &store.Subscription{ConnectionID: conn.ID, Kind: provider.KindMail, ChannelID: "ch1", Cursor: "100", Expiration: time.Now().Add(time.Hour)}
	if err := us.InsertSubscription(ctx, sub); err != nil {
		t.Fatalf("insert subscription: %v", err)
	}

	// Another run advanced the cursor after this caller read the row
	if err := us.UpdateSubscriptionCursor(ctx, sub.ID, "250"); err != nil {
		t.Fatalf("UpdateSubscriptionCursor: %v", err)
	}
	sub.Cursor = "100"

	r := NewReconciler(st, factoryFor(fake), nil)
	if _, err := r.Reconcile(ctx, sub); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if len(fake.cursors) != 1 || fake.cursors[0] != "250" {
		t.Errorf("reconcile used a stale cursor: %v, want [250]", fake.cursors)
	}
}

func TestReconcilerLockSurvivesRenewal(t *testing.T) {
	st := newTestStore(t)
	r := NewReconciler(st, factoryFor(&fakeSource{}), nil)

	before := &store.Subscription{ID: "sub-old", UserID: "u1", Kind: provider.KindMail}
	after := &store.Subscription{ID: "sub-new", UserID: "u1", Kind: provider.KindMail}

	if r.lockFor(before) != r.lockFor(after) {
		t.Errorf("replaced subscription should share the (user, kind) lock")
	}
	if len(r.locks) != 1 {
		t.Errorf("lock map grew across renewal: %d entries", len(r.locks))
	}

	otherKind := &store.Subscription{ID: "sub-cal", UserID: "u1", Kind: provider.KindCalendar}
	if r.lockFor(before) == r.lockFor(otherKind) {
		t.Errorf("kinds must not share a lock")
	}
}

func TestReconcilerFailureLeavesCursor(t *testing.T) {
	st := newTestStore(t)
	conn := seedConnection(t, st, "u1")
	ctx := context.Background()
	us := st.ForUser("u1")

	fake := &fakeSource{script: func(cursor string, apply func(provider.Change) error) (string, error) {
		return "", errors.New("upstream 500")
	}}

	sub := &store.Subscription{ConnectionID: conn.ID, Kind: provider.KindMail, ChannelID: "ch1", Cursor: "100", Expiration: time.Now().Add(time.Hour)}
	if err := us.InsertSubscription(ctx, sub); err != nil {
		t.Fatalf("insert subscription: %v", err)
	}

	r := NewReconciler(st, factoryFor(fake), nil)
	if _, err := r.Reconcile(ctx, sub); err == nil {
		t.Fatalf("expected error")
	}

	stored, _ := us.ActiveSubscription(ctx, provider.KindMail)
	if stored.Cursor != "100" {
		t.Errorf("failed run must not move the cursor: %q", stored.Cursor)
	}
}

func TestProcessorIgnoresHandshakeAndUnknownChannels(t *testing.T) {
	st := newTestStore(t)
	fake := &fakeSource{}
	r := NewReconciler(st, factoryFor(fake), nil)
	p := NewProcessor(st, r)
	ctx := context.Background()

	p.HandleNotification(ctx, provider.KindCalendar, "ch-unknown", "exists")
	p.HandleNotification(ctx, provider.KindCalendar, "", "exists")
	p.HandleNotification(ctx, provider.KindCalendar, "ch1", "sync")

	if len(fake.cursors) != 0 {
		t.Errorf("no reconciliation should have run, got %d", len(fake.cursors))
	}
}

func TestProcessorReconcilesOnNotification(t *testing.T) {
	st := newTestStore(t)
	conn := seedConnection(t, st, "u1")
	ctx := context.Background()
	us := st.ForUser("u1")

	fake := &fakeSource{script: func(cursor string, apply func(provider.Change) error) (string, error) {
		if err := apply(provider.Change{Type: provider.ChangeAdded, ExternalID: "ev1", Item: &provider.Item{ExternalID: "ev1"}}); err != nil {
			return "", err
		}
		return "tok-2", nil
	}}

	sub := &store.Subscription{ConnectionID: conn.ID, Kind: provider.KindCalendar, ChannelID: "ch1", Cursor: "tok-1", Expiration: time.Now().Add(time.Hour)}
	if err := us.InsertSubscription(ctx, sub); err != nil {
		t.Fatalf("insert subscription: %v", err)
	}

	r := NewReconciler(st, factoryFor(fake), nil)
	p := NewProcessor(st, r)

	p.HandleNotification(ctx, provider.KindCalendar, "ch1", "exists")

	if _, err := us.ItemByExternalID(ctx, provider.KindCalendar, "ev1"); err != nil {
		t.Errorf("notification did not sync the item: %v", err)
	}
	stored, _ := us.ActiveSubscription(ctx, provider.KindCalendar)
	if stored.NotificationCount != 1 {
		t.Errorf("notification count = %d, want 1", stored.NotificationCount)
	}
	if stored.Cursor != "tok-2" {
		t.Errorf("cursor = %q, want tok-2", stored.Cursor)
	}
}

func TestSweeperRenewExpiring(t *testing.T) {
	st := newTestStore(t)
	conn := seedConnection(t, st, "u1")
	ctx := context.Background()
	us := st.ForUser("u1")

	sub := &store.Subscription{ConnectionID: conn.ID, Kind: provider.KindMail, ChannelID: "ch-old", Cursor: "100", Expiration: time.Now().Add(2 * time.Hour)}
	if err := us.InsertSubscription(ctx, sub); err != nil {
		t.Fatalf("insert subscription: %v", err)
	}

	fake := &fakeSource{watchCursor: "500"}
	w := NewWatcher(st, factoryFor(fake))
	s := NewSweeper(st, w, NewReconciler(st, factoryFor(fake), nil))

	stats := s.RenewExpiring(ctx, 24*time.Hour)
	if stats.Processed != 1 || stats.Errors != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(fake.stopped) != 1 || fake.stopped[0] != "ch-old" {
		t.Errorf("old channel not stopped: %v", fake.stopped)
	}

	active, err := us.ActiveSubscription(ctx, provider.KindMail)
	if err != nil {
		t.Fatalf("ActiveSubscription: %v", err)
	}
	if active.ChannelID == "ch-old" {
		t.Errorf("subscription not replaced")
	}
	if time.Until(active.Expiration) < 6*24*time.Hour {
		t.Errorf("renewed expiration too soon: %v", active.Expiration)
	}
}

func TestSweeperEnsureMissingWatches(t *testing.T) {
	st := newTestStore(t)
	seedConnection(t, st, "u1")
	ctx := context.Background()

	fake := &fakeSource{watchCursor: "100"}
	w := NewWatcher(st, factoryFor(fake))
	s := NewSweeper(st, w, NewReconciler(st, factoryFor(fake), nil))

	stats := s.EnsureMissingWatches(ctx)
	// google connection supports both kinds
	if stats.Processed != 2 {
		t.Fatalf("stats = %+v, want 2 processed", stats)
	}

	stats = s.EnsureMissingWatches(ctx)
	if stats.Processed != 0 || stats.Skipped != 2 {
		t.Fatalf("second run should skip existing watches: %+v", stats)
	}
}

func TestSweeperIncrementalSkipsRecentlySynced(t *testing.T) {
	st := newTestStore(t)
	conn := seedConnection(t, st, "u1")
	ctx := context.Background()
	us := st.ForUser("u1")

	sub := &store.Subscription{ConnectionID: conn.ID, Kind: provider.KindMail, ChannelID: "ch1", Cursor: "100", Expiration: time.Now().Add(time.Hour)}
	if err := us.InsertSubscription(ctx, sub); err != nil {
		t.Fatalf("insert subscription: %v", err)
	}
	if err := us.TouchLastSynced(ctx, conn.ID); err != nil {
		t.Fatalf("TouchLastSynced: %v", err)
	}

	fake := &fakeSource{}
	w := NewWatcher(st, factoryFor(fake))
	s := NewSweeper(st, w, NewReconciler(st, factoryFor(fake), nil))

	stats := s.IncrementalSweep(ctx)
	if stats.Skipped != 1 || stats.Processed != 0 {
		t.Fatalf("recently synced connection should be skipped: %+v", stats)
	}
	if len(fake.cursors) != 0 {
		t.Errorf("no reconciliation expected, got %d", len(fake.cursors))
	}
}
