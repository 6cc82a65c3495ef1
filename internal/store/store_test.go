package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/lucidhq/workspace-sync/internal/provider"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	st, err := Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return st
}

func seedConnection(t *testing.T, us *UserStore, providerName string) *Connection {
	t.Helper()
	conn := &Connection{
		Provider:       providerName,
		ProviderUserID: "puid-" + providerName,
		ProviderEmail:  "someone@example.com",
		AccessToken:    "at",
		RefreshToken:   "rt",
		TokenExpiresAt: time.Now().Add(time.Hour),
		Scopes:         []string{"mail"},
	}
	if err := us.UpsertConnection(context.Background(), conn); err != nil {
		t.Fatalf("failed to seed connection: %v", err)
	}
	return conn
}

func TestUpsertConnectionIdempotent(t *testing.T) {
	st := newTestStore(t)
	us := st.ForUser("u1")
	ctx := context.Background()

	first := seedConnection(t, us, "google")

	second := &Connection{
		Provider:       "google",
		ProviderUserID: "puid-google",
		ProviderEmail:  "renamed@example.com",
		AccessToken:    "at2",
	}
	if err := us.UpsertConnection(ctx, second); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("upsert created a new row: %s != %s", second.ID, first.ID)
	}

	conns, err := us.Connections(ctx)
	if err != nil {
		t.Fatalf("Connections: %v", err)
	}
	if len(conns) != 1 {
		t.Fatalf("expected 1 connection, got %d", len(conns))
	}
	if conns[0].ProviderEmail != "renamed@example.com" {
		t.Errorf("email not updated: %q", conns[0].ProviderEmail)
	}
	if conns[0].AccessToken != "at2" {
		t.Errorf("access token not updated")
	}
}

func TestUserScoping(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedConnection(t, st.ForUser("u1"), "google")

	conns, err := st.ForUser("u2").Connections(ctx)
	if err != nil {
		t.Fatalf("Connections: %v", err)
	}
	if len(conns) != 0 {
		t.Errorf("user u2 can see u1's connections")
	}
	if _, err := st.ForUser("u2").ActiveConnection(ctx, "google"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestActiveSubscriptionUniqueness(t *testing.T) {
	st := newTestStore(t)
	us := st.ForUser("u1")
	ctx := context.Background()
	conn := seedConnection(t, us, "google")

	old := &Subscription{
		ConnectionID: conn.ID,
		Kind:         provider.KindMail,
		ChannelID:    "ch-old",
		Cursor:       "100",
		Expiration:   time.Now().Add(time.Hour),
	}
	if err := us.InsertSubscription(ctx, old); err != nil {
		t.Fatalf("insert: %v", err)
	}

	n, err := us.DeactivateSubscriptions(ctx, provider.KindMail)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 deactivated row, got %d", n)
	}

	fresh := &Subscription{
		ConnectionID: conn.ID,
		Kind:         provider.KindMail,
		ChannelID:    "ch-new",
		Cursor:       "200",
		Expiration:   time.Now().Add(7 * 24 * time.Hour),
	}
	if err := us.InsertSubscription(ctx, fresh); err != nil {
		t.Fatalf("insert: %v", err)
	}

	active, err := us.ActiveSubscription(ctx, provider.KindMail)
	if err != nil {
		t.Fatalf("ActiveSubscription: %v", err)
	}
	if active.ChannelID != "ch-new" {
		t.Errorf("active subscription is %s, want ch-new", active.ChannelID)
	}

	// The replaced channel must still resolve nothing on the webhook path
	if _, err := st.SubscriptionByChannel(ctx, provider.KindMail, "ch-old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale channel still resolves: %v", err)
	}
	if sub, err := st.SubscriptionByChannel(ctx, provider.KindMail, "ch-new"); err != nil || sub.UserID != "u1" {
		t.Errorf("fresh channel lookup failed: %v", err)
	}
}

func TestSubscriptionCursorAndCounters(t *testing.T) {
	st := newTestStore(t)
	us := st.ForUser("u1")
	ctx := context.Background()
	conn := seedConnection(t, us, "google")

	sub := &Subscription{ConnectionID: conn.ID, Kind: provider.KindCalendar, ChannelID: "ch1", Cursor: "tok-1", Expiration: time.Now().Add(time.Hour)}
	if err := us.InsertSubscription(ctx, sub); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := us.UpdateSubscriptionCursor(ctx, sub.ID, "tok-2"); err != nil {
		t.Fatalf("UpdateSubscriptionCursor: %v", err)
	}
	if err := us.BumpNotification(ctx, sub.ID); err != nil {
		t.Fatalf("BumpNotification: %v", err)
	}
	if err := us.BumpNotification(ctx, sub.ID); err != nil {
		t.Fatalf("BumpNotification: %v", err)
	}

	got, err := us.ActiveSubscription(ctx, provider.KindCalendar)
	if err != nil {
		t.Fatalf("ActiveSubscription: %v", err)
	}
	if got.Cursor != "tok-2" {
		t.Errorf("cursor = %q, want tok-2", got.Cursor)
	}
	if got.NotificationCount != 2 {
		t.Errorf("notification count = %d, want 2", got.NotificationCount)
	}
	if got.LastNotifiedAt.IsZero() {
		t.Errorf("last notified not stamped")
	}
}

func TestExpiringWithin(t *testing.T) {
	st := newTestStore(t)
	us := st.ForUser("u1")
	ctx := context.Background()
	conn := seedConnection(t, us, "google")

	soon := &Subscription{ConnectionID: conn.ID, Kind: provider.KindMail, ChannelID: "ch-soon", Expiration: time.Now().Add(2 * time.Hour)}
	if err := us.InsertSubscription(ctx, soon); err != nil {
		t.Fatalf("insert: %v", err)
	}
	later := &Subscription{ConnectionID: conn.ID, Kind: provider.KindCalendar, ChannelID: "ch-later", Expiration: time.Now().Add(72 * time.Hour)}
	if err := us.InsertSubscription(ctx, later); err != nil {
		t.Fatalf("insert: %v", err)
	}

	subs, err := st.ExpiringWithin(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("ExpiringWithin: %v", err)
	}
	if len(subs) != 1 || subs[0].ChannelID != "ch-soon" {
		t.Fatalf("expected only ch-soon, got %+v", subs)
	}

	subs, err = st.ExpiringWithin(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ExpiringWithin: %v", err)
	}
	if len(subs) != 0 {
		t.Errorf("nothing expires within the hour, got %d", len(subs))
	}
}

func TestUpsertItemAndTombstone(t *testing.T) {
	st := newTestStore(t)
	us := st.ForUser("u1")
	ctx := context.Background()
	conn := seedConnection(t, us, "google")

	item := &provider.Item{
		ExternalID: "msg-1",
		Title:      "hello",
		Labels:     []string{"INBOX", "UNREAD"},
		IsRead:     false,
		ReceivedAt: time.Now(),
	}

	created, err := us.UpsertItem(ctx, conn.ID, provider.KindMail, item)
	if err != nil {
		t.Fatalf("UpsertItem: %v", err)
	}
	if !created {
		t.Errorf("first upsert should create")
	}

	item.Title = "hello again"
	item.IsRead = true
	created, err = us.UpsertItem(ctx, conn.ID, provider.KindMail, item)
	if err != nil {
		t.Fatalf("UpsertItem: %v", err)
	}
	if created {
		t.Errorf("second upsert should update in place")
	}

	got, err := us.ItemByExternalID(ctx, provider.KindMail, "msg-1")
	if err != nil {
		t.Fatalf("ItemByExternalID: %v", err)
	}
	if got.Title != "hello again" || !got.IsRead {
		t.Errorf("update not applied: %+v", got)
	}

	existed, err := us.DeleteItem(ctx, provider.KindMail, "msg-1")
	if err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}
	if !existed {
		t.Errorf("delete should report the row existed")
	}

	// Deleting twice is how upstream tombstone replays arrive
	existed, err = us.DeleteItem(ctx, provider.KindMail, "msg-1")
	if err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}
	if existed {
		t.Errorf("second delete should be a no-op")
	}
	if _, err := us.ItemByExternalID(ctx, provider.KindMail, "msg-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("row still present after delete: %v", err)
	}
}

func TestApplyLabelChangeDerivesFlags(t *testing.T) {
	st := newTestStore(t)
	us := st.ForUser("u1")
	ctx := context.Background()
	conn := seedConnection(t, us, "google")

	item := &provider.Item{ExternalID: "msg-1", Labels: []string{"INBOX", "UNREAD"}, IsRead: false}
	if _, err := us.UpsertItem(ctx, conn.ID, provider.KindMail, item); err != nil {
		t.Fatalf("UpsertItem: %v", err)
	}

	known, err := us.ApplyLabelChange(ctx, provider.KindMail, "msg-1", []string{"STARRED"}, []string{"UNREAD"})
	if err != nil {
		t.Fatalf("ApplyLabelChange: %v", err)
	}
	if !known {
		t.Fatalf("item should be known")
	}

	got, err := us.ItemByExternalID(ctx, provider.KindMail, "msg-1")
	if err != nil {
		t.Fatalf("ItemByExternalID: %v", err)
	}
	if !got.IsRead {
		t.Errorf("removing UNREAD should mark the item read")
	}
	if !got.IsStarred {
		t.Errorf("adding STARRED should star the item")
	}

	known, err = us.ApplyLabelChange(ctx, provider.KindMail, "msg-unknown", []string{"X"}, nil)
	if err != nil {
		t.Fatalf("ApplyLabelChange: %v", err)
	}
	if known {
		t.Errorf("unknown item should report not known")
	}
}

func TestListItemsUnreadFilter(t *testing.T) {
	st := newTestStore(t)
	us := st.ForUser("u1")
	ctx := context.Background()
	conn := seedConnection(t, us, "google")

	now := time.Now()
	for i, read := range []bool{true, false, true} {
		item := &provider.Item{
			ExternalID: fmt.Sprintf("msg-%d", i),
			IsRead:     read,
			ReceivedAt: now.Add(time.Duration(i) * time.Minute),
		}
		if _, err := us.UpsertItem(ctx, conn.ID, provider.KindMail, item); err != nil {
			t.Fatalf("UpsertItem: %v", err)
		}
	}

	all, err := us.ListItems(ctx, provider.KindMail, ListItemsOptions{})
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 items, got %d", len(all))
	}
	if all[0].ExternalID != "msg-2" {
		t.Errorf("items not newest-first: %s", all[0].ExternalID)
	}

	unread, err := us.ListItems(ctx, provider.KindMail, ListItemsOptions{UnreadOnly: true})
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(unread) != 1 || unread[0].ExternalID != "msg-1" {
		t.Fatalf("unread filter wrong: %+v", unread)
	}
}

func TestMergeLabels(t *testing.T) {
	got := MergeLabels([]string{"INBOX", "UNREAD"}, []string{"STARRED", "INBOX"}, []string{"UNREAD"})
	want := []string{"INBOX", "STARRED"}
	if len(got) != len(want) {
		t.Fatalf("MergeLabels = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("MergeLabels = %v, want %v", got, want)
		}
	}
}

func TestStaleConnections(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	fresh := seedConnection(t, st.ForUser("u1"), "google")
	if err := st.ForUser("u1").TouchLastSynced(ctx, fresh.ID); err != nil {
		t.Fatalf("TouchLastSynced: %v", err)
	}
	seedConnection(t, st.ForUser("u2"), "google")

	stale, err := st.StaleConnections(ctx, time.Hour)
	if err != nil {
		t.Fatalf("StaleConnections: %v", err)
	}
	if len(stale) != 1 || stale[0].UserID != "u2" {
		t.Fatalf("expected only u2's never-synced connection, got %+v", stale)
	}
}
