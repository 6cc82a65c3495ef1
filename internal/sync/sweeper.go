package sync

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/lucidhq/workspace-sync/internal/store"
)

// Connections synced more recently than this are skipped by the incremental
// sweep; webhook-driven syncs already covered them
const incrementalSkipWindow = 10 * time.Minute

// Sweeper runs the periodic maintenance passes behind the cron endpoints.
// Each pass walks its candidates sequentially; one user's failure never
// aborts the sweep.
type Sweeper struct {
	store      *store.Store
	watcher    *Watcher
	reconciler *Reconciler
}

func NewSweeper(st *store.Store, w *Watcher, rec *Reconciler) *Sweeper {
	return &Sweeper{store: st, watcher: w, reconciler: rec}
}

// SweepStats counts one sweep's outcomes
type SweepStats struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// RenewExpiring replaces every active subscription expiring within the
// horizon with a fresh channel
func (s *Sweeper) RenewExpiring(ctx context.Context, within time.Duration) SweepStats {
	var stats SweepStats

	subs, err := s.store.ExpiringWithin(ctx, within)
	if err != nil {
		log.Printf("sweeper: failed to list expiring subscriptions: %v", err)
		stats.Errors++
		return stats
	}

	for _, sub := range subs {
		if _, err := s.watcher.Renew(ctx, sub.UserID, sub.Kind); err != nil {
			log.Printf("sweeper: renewal of %s watch for user %s failed: %v", sub.Kind, sub.UserID, err)
			stats.Errors++
			continue
		}
		stats.Processed++
	}

	log.Printf("sweeper: renewed %d expiring watches (%d errors)", stats.Processed, stats.Errors)
	return stats
}

// EnsureMissingWatches starts watches for users whose connections have no
// active subscription for a supported kind
func (s *Sweeper) EnsureMissingWatches(ctx context.Context) SweepStats {
	var stats SweepStats

	for _, userID := range s.activeUsers(ctx, &stats) {
		us := s.store.ForUser(userID)
		for _, kind := range Kinds {
			if _, err := us.ActiveSubscription(ctx, kind); err == nil {
				stats.Skipped++
				continue
			} else if !errors.Is(err, store.ErrNotFound) {
				stats.Errors++
				continue
			}

			_, err := s.watcher.Start(ctx, userID, kind)
			switch {
			case errors.Is(err, ErrNoConnection):
				stats.Skipped++
			case err != nil:
				log.Printf("sweeper: starting %s watch for user %s failed: %v", kind, userID, err)
				stats.Errors++
			default:
				stats.Processed++
			}
		}
	}

	log.Printf("sweeper: started %d missing watches (%d skipped, %d errors)",
		stats.Processed, stats.Skipped, stats.Errors)
	return stats
}

// IncrementalSweep reconciles every active subscription as a safety net for
// dropped notifications. Recently synced connections are left alone.
func (s *Sweeper) IncrementalSweep(ctx context.Context) SweepStats {
	var stats SweepStats

	conns, err := s.store.ActiveConnections(ctx)
	if err != nil {
		log.Printf("sweeper: failed to list connections: %v", err)
		stats.Errors++
		return stats
	}

	seen := make(map[string]bool)
	for _, conn := range conns {
		if seen[conn.UserID] {
			continue
		}
		seen[conn.UserID] = true

		if time.Since(conn.LastSyncedAt) < incrementalSkipWindow {
			stats.Skipped++
			continue
		}

		s.sweepUser(ctx, conn.UserID, false, &stats)
	}

	log.Printf("sweeper: incremental sweep synced %d subscriptions (%d skipped, %d errors)",
		stats.Processed, stats.Skipped, stats.Errors)
	return stats
}

// FullVerification fully resyncs users whose connections have not synced for
// staleAfter, repairing drift the incremental path missed
func (s *Sweeper) FullVerification(ctx context.Context, staleAfter time.Duration) SweepStats {
	var stats SweepStats

	conns, err := s.store.StaleConnections(ctx, staleAfter)
	if err != nil {
		log.Printf("sweeper: failed to list stale connections: %v", err)
		stats.Errors++
		return stats
	}

	seen := make(map[string]bool)
	for _, conn := range conns {
		if seen[conn.UserID] {
			continue
		}
		seen[conn.UserID] = true
		s.sweepUser(ctx, conn.UserID, true, &stats)
	}

	log.Printf("sweeper: verification resynced %d subscriptions (%d errors)", stats.Processed, stats.Errors)
	return stats
}

func (s *Sweeper) sweepUser(ctx context.Context, userID string, full bool, stats *SweepStats) {
	us := s.store.ForUser(userID)
	for _, kind := range Kinds {
		sub, err := us.ActiveSubscription(ctx, kind)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			stats.Errors++
			continue
		}

		if full {
			_, err = s.reconciler.Resync(ctx, sub)
		} else {
			_, err = s.reconciler.Reconcile(ctx, sub)
		}
		if err != nil {
			log.Printf("sweeper: %s sync for user %s failed: %v", kind, userID, err)
			stats.Errors++
			continue
		}
		stats.Processed++
	}
}

func (s *Sweeper) activeUsers(ctx context.Context, stats *SweepStats) []string {
	conns, err := s.store.ActiveConnections(ctx)
	if err != nil {
		log.Printf("sweeper: failed to list connections: %v", err)
		stats.Errors++
		return nil
	}

	seen := make(map[string]bool)
	var users []string
	for _, conn := range conns {
		if !seen[conn.UserID] {
			seen[conn.UserID] = true
			users = append(users, conn.UserID)
		}
	}
	return users
}
