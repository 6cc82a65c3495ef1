package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lucidhq/workspace-sync/internal/provider"
)

// SyncedItem is a locally mirrored mail message or calendar event, keyed by
// (user, kind, external id)
type SyncedItem struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	ConnectionID string          `json:"connection_id"`
	Kind         provider.Kind   `json:"kind"`
	ExternalID   string          `json:"external_id"`
	ThreadID     string          `json:"thread_id,omitempty"`
	Title        string          `json:"title"`
	FromAddress  string          `json:"from_address,omitempty"`
	ToAddresses  []string        `json:"to_addresses,omitempty"`
	CcAddresses  []string        `json:"cc_addresses,omitempty"`
	Snippet      string          `json:"snippet,omitempty"`
	BodyText     string          `json:"body_text,omitempty"`
	BodyHTML     string          `json:"body_html,omitempty"`
	Labels       []string        `json:"labels,omitempty"`
	IsRead       bool            `json:"is_read"`
	IsStarred    bool            `json:"is_starred"`
	StartsAt     time.Time       `json:"starts_at,omitempty"`
	EndsAt       time.Time       `json:"ends_at,omitempty"`
	AllDay       bool            `json:"all_day,omitempty"`
	Status       string          `json:"status,omitempty"`
	ReceivedAt   time.Time       `json:"received_at,omitempty"`
	Raw          json.RawMessage `json:"-"`
	SyncedAt     time.Time       `json:"synced_at"`
}

const itemColumns = `id, user_id, connection_id, kind, external_id, thread_id, title,
	from_address, to_addresses, cc_addresses, snippet, body_text, body_html,
	labels, is_read, is_starred, starts_at, ends_at, all_day, status,
	received_at, raw, synced_at`

func scanItem(row interface{ Scan(...any) error }) (*SyncedItem, error) {
	var it SyncedItem
	var kind, toAddrs, ccAddrs, labels, raw string
	var starts, ends, received, synced int64
	err := row.Scan(&it.ID, &it.UserID, &it.ConnectionID, &kind, &it.ExternalID,
		&it.ThreadID, &it.Title, &it.FromAddress, &toAddrs, &ccAddrs,
		&it.Snippet, &it.BodyText, &it.BodyHTML, &labels, &it.IsRead,
		&it.IsStarred, &starts, &ends, &it.AllDay, &it.Status,
		&received, &raw, &synced)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan item: %w", err)
	}
	it.Kind = provider.Kind(kind)
	it.ToAddresses = unmarshalStrings(toAddrs)
	it.CcAddresses = unmarshalStrings(ccAddrs)
	it.Labels = unmarshalStrings(labels)
	it.StartsAt = timeOrZero(starts)
	it.EndsAt = timeOrZero(ends)
	it.ReceivedAt = timeOrZero(received)
	it.SyncedAt = timeOrZero(synced)
	it.Raw = json.RawMessage(raw)
	return &it, nil
}

// UpsertItem writes a normalized provider item, overwriting any row with the
// same external id. Returns true when a new row was created.
func (u *UserStore) UpsertItem(ctx context.Context, connectionID string, kind provider.Kind, item *provider.Item) (bool, error) {
	now := time.Now()
	raw := string(item.Raw)
	if raw == "" {
		raw = "{}"
	}

	var existingID string
	err := u.db.QueryRowContext(ctx, `
		SELECT id FROM synced_items
		WHERE user_id = $1 AND kind = $2 AND external_id = $3
	`, u.userID, string(kind), item.ExternalID).Scan(&existingID)

	if err == sql.ErrNoRows {
		_, err = u.db.ExecContext(ctx, `
			INSERT INTO synced_items
			(id, user_id, connection_id, kind, external_id, thread_id, title,
			 from_address, to_addresses, cc_addresses, snippet, body_text,
			 body_html, labels, is_read, is_starred, starts_at, ends_at,
			 all_day, status, received_at, raw, synced_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			        $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		`, uuid.NewString(), u.userID, connectionID, string(kind), item.ExternalID,
			item.ThreadID, item.Title, item.FromAddress, marshalJSON(item.ToAddresses),
			marshalJSON(item.CcAddresses), item.Snippet, item.BodyText, item.BodyHTML,
			marshalJSON(item.Labels), item.IsRead, item.IsStarred,
			unixOrZero(item.StartsAt), unixOrZero(item.EndsAt), item.AllDay,
			item.Status, unixOrZero(item.ReceivedAt), raw, now.Unix())
		if err != nil {
			return false, fmt.Errorf("failed to insert item: %w", err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up item: %w", err)
	}

	_, err = u.db.ExecContext(ctx, `
		UPDATE synced_items
		SET thread_id = $1, title = $2, from_address = $3, to_addresses = $4,
		    cc_addresses = $5, snippet = $6, body_text = $7, body_html = $8,
		    labels = $9, is_read = $10, is_starred = $11, starts_at = $12,
		    ends_at = $13, all_day = $14, status = $15, received_at = $16,
		    raw = $17, synced_at = $18
		WHERE user_id = $19 AND id = $20
	`, item.ThreadID, item.Title, item.FromAddress, marshalJSON(item.ToAddresses),
		marshalJSON(item.CcAddresses), item.Snippet, item.BodyText, item.BodyHTML,
		marshalJSON(item.Labels), item.IsRead, item.IsStarred,
		unixOrZero(item.StartsAt), unixOrZero(item.EndsAt), item.AllDay,
		item.Status, unixOrZero(item.ReceivedAt), raw, now.Unix(),
		u.userID, existingID)
	if err != nil {
		return false, fmt.Errorf("failed to update item: %w", err)
	}
	return false, nil
}

// DeleteItem removes the local row for an upstream deletion. Returns false
// when no row existed, which callers treat as already satisfied.
func (u *UserStore) DeleteItem(ctx context.Context, kind provider.Kind, externalID string) (bool, error) {
	res, err := u.db.ExecContext(ctx, `
		DELETE FROM synced_items
		WHERE user_id = $1 AND kind = $2 AND external_id = $3
	`, u.userID, string(kind), externalID)
	if err != nil {
		return false, fmt.Errorf("failed to delete item: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ItemByExternalID fetches one item by its provider id
func (u *UserStore) ItemByExternalID(ctx context.Context, kind provider.Kind, externalID string) (*SyncedItem, error) {
	row := u.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+` FROM synced_items
		WHERE user_id = $1 AND kind = $2 AND external_id = $3
	`, u.userID, string(kind), externalID)
	return scanItem(row)
}

// ApplyLabelChange merges a provider label delta into the stored label set
// and rederives the read/starred flags. Returns false when the item is not
// known locally.
func (u *UserStore) ApplyLabelChange(ctx context.Context, kind provider.Kind, externalID string, added, removed []string) (bool, error) {
	var id, labelsJSON string
	err := u.db.QueryRowContext(ctx, `
		SELECT id, labels FROM synced_items
		WHERE user_id = $1 AND kind = $2 AND external_id = $3
	`, u.userID, string(kind), externalID).Scan(&id, &labelsJSON)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up item labels: %w", err)
	}

	labels := MergeLabels(unmarshalStrings(labelsJSON), added, removed)
	isRead := !containsLabel(labels, "UNREAD")
	isStarred := containsLabel(labels, "STARRED")

	_, err = u.db.ExecContext(ctx, `
		UPDATE synced_items
		SET labels = $1, is_read = $2, is_starred = $3, synced_at = $4
		WHERE user_id = $5 AND id = $6
	`, marshalJSON(labels), isRead, isStarred, time.Now().Unix(), u.userID, id)
	if err != nil {
		return false, fmt.Errorf("failed to update labels: %w", err)
	}
	return true, nil
}

// ListItemsOptions filters ListItems
type ListItemsOptions struct {
	UnreadOnly bool
	Limit      int
	Offset     int
}

// ListItems pages through the user's items of a kind, newest first
func (u *UserStore) ListItems(ctx context.Context, kind provider.Kind, opts ListItemsOptions) ([]*SyncedItem, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
		SELECT ` + itemColumns + ` FROM synced_items
		WHERE user_id = $1 AND kind = $2`
	args := []any{u.userID, string(kind)}
	if opts.UnreadOnly {
		query += ` AND is_read = FALSE`
	}
	query += fmt.Sprintf(` ORDER BY received_at DESC LIMIT %d OFFSET %d`, limit, opts.Offset)

	rows, err := u.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var out []*SyncedItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// MergeLabels applies a label delta to a label set, deduplicating additions
func MergeLabels(current, added, removed []string) []string {
	out := make([]string, 0, len(current)+len(added))
	for _, l := range current {
		if !containsLabel(removed, l) {
			out = append(out, l)
		}
	}
	for _, l := range added {
		if !containsLabel(out, l) {
			out = append(out, l)
		}
	}
	return out
}

func containsLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}
