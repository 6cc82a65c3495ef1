// Package sync owns the push-channel lifecycle and the reconciliation loop
// that keeps the local mirror consistent with the providers.
package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/lucidhq/workspace-sync/internal/provider"
	"github.com/lucidhq/workspace-sync/internal/store"
)

// ErrNoConnection means no active connection of the user supports the
// requested resource kind
var ErrNoConnection = errors.New("sync: no active connection for kind")

// SourceFactory binds a connection to a provider source for one resource
// kind. Implementations are expected to refresh the connection's credential
// before building the client.
type SourceFactory func(ctx context.Context, us *store.UserStore, conn *store.Connection, kind provider.Kind) (provider.Source, error)

// Kinds are reconciled in this order everywhere a user's resources are
// walked
var Kinds = []provider.Kind{provider.KindMail, provider.KindCalendar}

// supportsKind reports whether a connection's provider can serve a kind.
// Calendar sync is Google-only; mail works on both providers.
func supportsKind(conn *store.Connection, kind provider.Kind) bool {
	switch kind {
	case provider.KindCalendar:
		return conn.Provider == "google"
	case provider.KindMail:
		return conn.Provider == "google" || conn.Provider == "microsoft"
	default:
		return false
	}
}

// connectionFor picks the user's active connection serving a kind. Google is
// preferred when both providers are connected.
func connectionFor(ctx context.Context, us *store.UserStore, kind provider.Kind) (*store.Connection, error) {
	conns, err := us.ActiveConnections(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}

	var fallback *store.Connection
	for _, conn := range conns {
		if !supportsKind(conn, kind) {
			continue
		}
		if conn.Provider == "google" {
			return conn, nil
		}
		if fallback == nil {
			fallback = conn
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoConnection, kind)
}
