package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lucidhq/workspace-sync/internal/provider"
)

// Subscription is a provider push channel plus the cursor for incremental
// fetch. At most one active row exists per (user, kind).
type Subscription struct {
	ID                string        `json:"id"`
	UserID            string        `json:"user_id"`
	ConnectionID      string        `json:"connection_id"`
	Kind              provider.Kind `json:"kind"`
	ChannelID         string        `json:"channel_id"`
	ResourceID        string        `json:"resource_id"`
	Cursor            string        `json:"cursor"`
	Expiration        time.Time     `json:"expiration"`
	IsActive          bool          `json:"is_active"`
	NotificationCount int64         `json:"notification_count"`
	LastNotifiedAt    time.Time     `json:"last_notified_at"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

const subscriptionColumns = `id, user_id, connection_id, kind, channel_id, resource_id,
	sync_cursor, expiration, is_active, notification_count, last_notified_at,
	created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (*Subscription, error) {
	var sub Subscription
	var kind string
	var expiration, lastNotified, created, updated int64
	err := row.Scan(&sub.ID, &sub.UserID, &sub.ConnectionID, &kind, &sub.ChannelID,
		&sub.ResourceID, &sub.Cursor, &expiration, &sub.IsActive,
		&sub.NotificationCount, &lastNotified, &created, &updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	sub.Kind = provider.Kind(kind)
	sub.Expiration = timeOrZero(expiration)
	sub.LastNotifiedAt = timeOrZero(lastNotified)
	sub.CreatedAt = timeOrZero(created)
	sub.UpdatedAt = timeOrZero(updated)
	return &sub, nil
}

// InsertSubscription persists a new subscription row and fills in its ID
func (u *UserStore) InsertSubscription(ctx context.Context, sub *Subscription) error {
	sub.ID = uuid.NewString()
	sub.UserID = u.userID
	sub.IsActive = true
	now := time.Now()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	_, err := u.db.ExecContext(ctx, `
		INSERT INTO subscriptions
		(id, user_id, connection_id, kind, channel_id, resource_id, sync_cursor,
		 expiration, is_active, notification_count, last_notified_at,
		 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, sub.ID, u.userID, sub.ConnectionID, string(sub.Kind), sub.ChannelID,
		sub.ResourceID, sub.Cursor, unixOrZero(sub.Expiration), true,
		int64(0), int64(0), now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

// SubscriptionByID fetches one of the user's subscriptions by row id
func (u *UserStore) SubscriptionByID(ctx context.Context, id string) (*Subscription, error) {
	row := u.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = $1 AND id = $2
	`, u.userID, id)
	return scanSubscription(row)
}

// ActiveSubscription returns the user's active subscription for a kind
func (u *UserStore) ActiveSubscription(ctx context.Context, kind provider.Kind) (*Subscription, error) {
	row := u.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = $1 AND kind = $2 AND is_active = TRUE
	`, u.userID, string(kind))
	return scanSubscription(row)
}

// Subscriptions lists all of the user's subscriptions, newest first
func (u *UserStore) Subscriptions(ctx context.Context) ([]*Subscription, error) {
	rows, err := u.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, u.userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

// DeactivateSubscriptions marks every active subscription for a kind
// inactive and reports how many rows changed
func (u *UserStore) DeactivateSubscriptions(ctx context.Context, kind provider.Kind) (int64, error) {
	res, err := u.db.ExecContext(ctx, `
		UPDATE subscriptions SET is_active = FALSE, updated_at = $1
		WHERE user_id = $2 AND kind = $3 AND is_active = TRUE
	`, time.Now().Unix(), u.userID, string(kind))
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate subscriptions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UpdateSubscriptionCursor advances the stored cursor. Only called after the
// corresponding changes were applied.
func (u *UserStore) UpdateSubscriptionCursor(ctx context.Context, id, cursor string) error {
	_, err := u.db.ExecContext(ctx, `
		UPDATE subscriptions SET sync_cursor = $1, updated_at = $2
		WHERE user_id = $3 AND id = $4
	`, cursor, time.Now().Unix(), u.userID, id)
	if err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}
	return nil
}

// BumpNotification increments the notification counter and stamps the
// last-notification time
func (u *UserStore) BumpNotification(ctx context.Context, id string) error {
	now := time.Now().Unix()
	_, err := u.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET notification_count = notification_count + 1,
		    last_notified_at = $1, updated_at = $2
		WHERE user_id = $3 AND id = $4
	`, now, now, u.userID, id)
	if err != nil {
		return fmt.Errorf("failed to bump notification count: %w", err)
	}
	return nil
}

// SubscriptionByChannel resolves an active subscription from a webhook
// channel id. Elevated-only: the webhook carries no user identity.
func (s *Store) SubscriptionByChannel(ctx context.Context, kind provider.Kind, channelID string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE kind = $1 AND channel_id = $2 AND is_active = TRUE
	`, string(kind), channelID)
	return scanSubscription(row)
}

// ExpiringWithin lists active subscriptions whose expiration falls before
// now+d. Read-only; elevated-only.
func (s *Store) ExpiringWithin(ctx context.Context, d time.Duration) ([]*Subscription, error) {
	threshold := time.Now().Add(d).Unix()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE is_active = TRUE AND expiration < $1
		ORDER BY expiration
	`, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring subscriptions: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

func collectSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
