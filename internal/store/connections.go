package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Connection is one (user, provider) OAuth credential set
type Connection struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Provider       string    `json:"provider"`
	ProviderUserID string    `json:"provider_user_id"`
	ProviderEmail  string    `json:"provider_email"`
	AccessToken    string    `json:"-"`
	RefreshToken   string    `json:"-"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
	Scopes         []string  `json:"scopes"`
	IsActive       bool      `json:"is_active"`
	LastSyncedAt   time.Time `json:"last_synced_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

const connectionColumns = `id, user_id, provider, provider_user_id, provider_email,
	access_token, refresh_token, token_expires_at, scopes, is_active,
	last_synced_at, created_at, updated_at`

func scanConnection(row interface{ Scan(...any) error }) (*Connection, error) {
	var c Connection
	var scopes string
	var expires, lastSynced, created, updated int64
	err := row.Scan(&c.ID, &c.UserID, &c.Provider, &c.ProviderUserID, &c.ProviderEmail,
		&c.AccessToken, &c.RefreshToken, &expires, &scopes, &c.IsActive,
		&lastSynced, &created, &updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}
	c.Scopes = unmarshalStrings(scopes)
	c.TokenExpiresAt = timeOrZero(expires)
	c.LastSyncedAt = timeOrZero(lastSynced)
	c.CreatedAt = timeOrZero(created)
	c.UpdatedAt = timeOrZero(updated)
	return &c, nil
}

// UpsertConnection creates or updates the connection for (user, provider,
// provider_user_id) and fills in the row's ID
func (u *UserStore) UpsertConnection(ctx context.Context, c *Connection) error {
	c.UserID = u.userID
	now := time.Now()

	var existingID string
	err := u.db.QueryRowContext(ctx, `
		SELECT id FROM connections
		WHERE user_id = $1 AND provider = $2 AND provider_user_id = $3
	`, u.userID, c.Provider, c.ProviderUserID).Scan(&existingID)

	if err == sql.ErrNoRows {
		c.ID = uuid.NewString()
		c.CreatedAt = now
		c.UpdatedAt = now
		_, err = u.db.ExecContext(ctx, `
			INSERT INTO connections
			(id, user_id, provider, provider_user_id, provider_email, access_token,
			 refresh_token, token_expires_at, scopes, is_active, last_synced_at,
			 created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, c.ID, u.userID, c.Provider, c.ProviderUserID, c.ProviderEmail, c.AccessToken,
			c.RefreshToken, unixOrZero(c.TokenExpiresAt), marshalJSON(c.Scopes), true,
			unixOrZero(c.LastSyncedAt), now.Unix(), now.Unix())
		if err != nil {
			return fmt.Errorf("failed to insert connection: %w", err)
		}
		c.IsActive = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up connection: %w", err)
	}

	c.ID = existingID
	c.UpdatedAt = now
	_, err = u.db.ExecContext(ctx, `
		UPDATE connections
		SET provider_email = $1, access_token = $2, refresh_token = $3,
		    token_expires_at = $4, scopes = $5, is_active = TRUE, updated_at = $6
		WHERE user_id = $7 AND id = $8
	`, c.ProviderEmail, c.AccessToken, c.RefreshToken, unixOrZero(c.TokenExpiresAt),
		marshalJSON(c.Scopes), now.Unix(), u.userID, existingID)
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}
	c.IsActive = true
	return nil
}

// ConnectionByID fetches one of the user's connections by row id
func (u *UserStore) ConnectionByID(ctx context.Context, id string) (*Connection, error) {
	row := u.db.QueryRowContext(ctx, `
		SELECT `+connectionColumns+` FROM connections
		WHERE user_id = $1 AND id = $2
	`, u.userID, id)
	return scanConnection(row)
}

// Connections lists all of the user's connections
func (u *UserStore) Connections(ctx context.Context) ([]*Connection, error) {
	rows, err := u.db.QueryContext(ctx, `
		SELECT `+connectionColumns+` FROM connections
		WHERE user_id = $1
		ORDER BY created_at
	`, u.userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()
	return collectConnections(rows)
}

// ActiveConnection returns the user's active connection for a provider
func (u *UserStore) ActiveConnection(ctx context.Context, providerName string) (*Connection, error) {
	row := u.db.QueryRowContext(ctx, `
		SELECT `+connectionColumns+` FROM connections
		WHERE user_id = $1 AND provider = $2 AND is_active = TRUE
	`, u.userID, providerName)
	return scanConnection(row)
}

// ActiveConnections returns all of the user's active connections
func (u *UserStore) ActiveConnections(ctx context.Context) ([]*Connection, error) {
	rows, err := u.db.QueryContext(ctx, `
		SELECT `+connectionColumns+` FROM connections
		WHERE user_id = $1 AND is_active = TRUE
		ORDER BY created_at
	`, u.userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()
	return collectConnections(rows)
}

// DeactivateConnection soft-deletes a connection. Rows are never hard-deleted
// while subscriptions and items reference them.
func (u *UserStore) DeactivateConnection(ctx context.Context, id string) (bool, error) {
	res, err := u.db.ExecContext(ctx, `
		UPDATE connections SET is_active = FALSE, updated_at = $1
		WHERE user_id = $2 AND id = $3
	`, time.Now().Unix(), u.userID, id)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate connection: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateConnectionToken persists a refreshed access credential
func (u *UserStore) UpdateConnectionToken(ctx context.Context, id, accessToken string, expiresAt time.Time) error {
	_, err := u.db.ExecContext(ctx, `
		UPDATE connections SET access_token = $1, token_expires_at = $2, updated_at = $3
		WHERE user_id = $4 AND id = $5
	`, accessToken, unixOrZero(expiresAt), time.Now().Unix(), u.userID, id)
	if err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}
	return nil
}

// TouchLastSynced stamps the connection's last successful sync time
func (u *UserStore) TouchLastSynced(ctx context.Context, id string) error {
	now := time.Now().Unix()
	_, err := u.db.ExecContext(ctx, `
		UPDATE connections SET last_synced_at = $1, updated_at = $2
		WHERE user_id = $3 AND id = $4
	`, now, now, u.userID, id)
	if err != nil {
		return fmt.Errorf("failed to touch last_synced_at: %w", err)
	}
	return nil
}

// ActiveConnections lists every active connection across all users.
// Elevated-only: used by the cron sweeps.
func (s *Store) ActiveConnections(ctx context.Context) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+connectionColumns+` FROM connections
		WHERE is_active = TRUE
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()
	return collectConnections(rows)
}

// StaleConnections lists active connections whose last sync is older than
// the cutoff (or that never synced). Elevated-only.
func (s *Store) StaleConnections(ctx context.Context, olderThan time.Duration) ([]*Connection, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+connectionColumns+` FROM connections
		WHERE is_active = TRUE AND last_synced_at < $1
		ORDER BY last_synced_at
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale connections: %w", err)
	}
	defer rows.Close()
	return collectConnections(rows)
}

func collectConnections(rows *sql.Rows) ([]*Connection, error) {
	var out []*Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
