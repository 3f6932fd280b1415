// Package identity resolves inbound senders against the operator roster.
// A sender whose (channel, id) pair appears in the roster is treated as a
// verified operator for the rest of the pipeline.
package identity

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/backlinehq/backline/internal/intake"
	"github.com/backlinehq/backline/internal/store"
)

const defaultTTL = 5 * time.Minute

// Config tunes the resolver.
type Config struct {
	RosterPath string           // optional JSON roster file, merged with the store
	TTL        time.Duration    // snapshot lifetime, default 5m
	Now        func() time.Time // injectable clock for tests
}

type entry struct {
	OperatorID string
	Display    string
}

// Resolver caches the operator roster as an immutable snapshot and answers
// lookups from it. Refreshes build a fresh map and swap it in; readers are
// never blocked by a reload, and a failed reload keeps serving the previous
// snapshot.
type Resolver struct {
	store      store.IdentityStore
	rosterPath string
	ttl        time.Duration
	now        func() time.Time

	mu       sync.RWMutex
	snapshot map[string]entry
	loadedAt time.Time
}

// New creates a Resolver over the identity store plus an optional roster file.
func New(st store.IdentityStore, cfg Config) *Resolver {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		store:      st,
		rosterPath: cfg.RosterPath,
		ttl:        ttl,
		now:        now,
	}
}

// matchKey normalizes a (channel, value) pair. Matching is case-insensitive:
// email addresses and usernames arrive in mixed case.
func matchKey(channel, value string) string {
	return strings.ToLower(channel) + "\x00" + strings.ToLower(strings.TrimSpace(value))
}

// Resolve reports whether the sender is a known operator on the given
// channel, and if so returns the admin annotation for the message.
func (r *Resolver) Resolve(ctx context.Context, channel, senderID string) (*intake.AdminMeta, bool) {
	snap := r.currentSnapshot(ctx)

	e, ok := snap[matchKey(channel, senderID)]
	if !ok {
		return nil, false
	}
	return &intake.AdminMeta{
		OperatorID:     e.OperatorID,
		MatchedChannel: channel,
		MatchedValue:   senderID,
	}, true
}

// currentSnapshot returns the live snapshot, refreshing it first if expired.
func (r *Resolver) currentSnapshot(ctx context.Context) map[string]entry {
	r.mu.RLock()
	snap, loadedAt := r.snapshot, r.loadedAt
	r.mu.RUnlock()

	if snap != nil && r.now().Sub(loadedAt) < r.ttl {
		return snap
	}

	if err := r.Refresh(ctx); err != nil {
		slog.Warn("operator roster refresh failed, serving stale snapshot", "error", err)
		if snap != nil {
			return snap
		}
		return map[string]entry{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// Refresh rebuilds the snapshot from the store and the roster file.
// The new map is swapped in atomically; on error the old snapshot stays.
func (r *Resolver) Refresh(ctx context.Context) error {
	next := make(map[string]entry)

	if r.store != nil {
		ops, err := r.store.ListOperators(ctx)
		if err != nil {
			return err
		}
		for _, op := range ops {
			if !op.Active {
				continue
			}
			for channel, values := range op.Channels {
				for _, v := range values {
					next[matchKey(channel, v)] = entry{OperatorID: op.ID.String(), Display: op.Display}
				}
			}
		}
	}

	if r.rosterPath != "" {
		fileOps, err := loadRosterFile(r.rosterPath)
		if err != nil {
			return err
		}
		// File entries win over store entries on collision so a local
		// roster edit takes effect without touching the database.
		for _, op := range fileOps {
			for channel, values := range op.Channels {
				for _, v := range values {
					next[matchKey(channel, v)] = entry{OperatorID: op.ID, Display: op.Display}
				}
			}
		}
	}

	r.mu.Lock()
	r.snapshot = next
	r.loadedAt = r.now()
	r.mu.Unlock()

	slog.Debug("operator roster refreshed", "entries", len(next))
	return nil
}

// Invalidate marks the snapshot expired so the next Resolve reloads.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.loadedAt = time.Time{}
	r.mu.Unlock()
}

// Watch hot-reloads the roster file on change until ctx is done. It is a
// no-op when no roster file is configured. Runs in the calling goroutine;
// start it with `go r.Watch(ctx)`.
func (r *Resolver) Watch(ctx context.Context) error {
	if r.rosterPath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(r.rosterPath); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			slog.Info("operator roster changed on disk, reloading", "path", r.rosterPath)
			if err := r.Refresh(ctx); err != nil {
				slog.Warn("roster reload failed", "error", err)
			}
			// Editors that rename-and-replace drop the watch on the old
			// inode; re-add so subsequent saves are still seen.
			if ev.Op&fsnotify.Rename != 0 {
				_ = watcher.Add(r.rosterPath)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("roster watcher error", "error", err)
		}
	}
}
