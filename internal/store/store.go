package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("store: not found")

// Store is the elevated, unscoped handle on the durable store. It is only
// handed to background jobs and the webhook path; end-user requests go
// through a scoped UserStore obtained via ForUser.
type Store struct {
	db *sql.DB
}

// Open opens the store. driver is "postgres" in production; tests use the
// CGO-free sqlite driver against an in-memory database.
func Open(driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

// Migrate applies the schema
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

// ForUser returns a view that only reads and writes the given user's rows
func (s *Store) ForUser(userID string) *UserStore {
	return &UserStore{db: s.db, userID: userID}
}

// UserStore is a user-scoped view of the store. Every query it issues is
// constrained to the owning user's rows.
type UserStore struct {
	db     *sql.DB
	userID string
}

// UserID returns the user this view is scoped to
func (u *UserStore) UserID() string {
	return u.userID
}

func marshalJSON(v any) string {
	if v == nil {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
