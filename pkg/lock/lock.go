package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shardmig/shardmig/pkg/errdefs"
	"github.com/shardmig/shardmig/pkg/log"
	"github.com/shardmig/shardmig/pkg/statestore"
	"github.com/shardmig/shardmig/pkg/types"
)

// Resource name helpers. Shard locks are exclusive per shard per store
// class; collection locks are global across classes, so two migrations
// touching the same collection exclude each other even on disjoint
// shard sets.
func ShardResource(class types.StoreClass, shard types.ShardID) string {
	return fmt.Sprintf("shard:%s:%s", class, shard)
}

func CollectionResource(name string) string {
	return fmt.Sprintf("collection:%s", name)
}

// Manager hands out leased advisory locks with fencing tokens backed by
// the status store. Acquisition is non-blocking: contended resources
// fail with ErrLockBusy and the caller decides whether to retry.
type Manager struct {
	store  statestore.Store
	ttl    time.Duration
	grace  time.Duration
	logger zerolog.Logger

	mu   sync.Mutex
	held map[string]*types.Lock // resource -> lease, per holder tracking
}

// NewManager builds a lock manager. ttl is the lease duration; a lease
// expired past ttl+grace is eligible for reaping by any process.
func NewManager(store statestore.Store, ttl, grace time.Duration) *Manager {
	return &Manager{
		store:  store,
		ttl:    ttl,
		grace:  grace,
		logger: log.WithComponent("lock"),
		held:   make(map[string]*types.Lock),
	}
}

// Acquire takes every resource for holder or none: on the first busy
// resource it releases what it already took and returns ErrLockBusy.
func (m *Manager) Acquire(resources []string, holder string) ([]*types.Lock, error) {
	var acquired []*types.Lock
	for _, resource := range resources {
		lock, err := m.store.AcquireLock(resource, holder, m.ttl)
		if err != nil {
			for _, got := range acquired {
				if relErr := m.store.ReleaseLock(got.Resource, holder); relErr != nil {
					m.logger.Warn().Err(relErr).Str("resource", got.Resource).Msg("failed to release lock during acquire rollback")
				}
			}
			if errdefs.ClassOf(err) == errdefs.ClassContention {
				return nil, errdefs.Wrap(errdefs.ErrLockBusy, fmt.Errorf("resource %s", resource))
			}
			return nil, err
		}
		acquired = append(acquired, lock)
	}

	m.mu.Lock()
	for _, lock := range acquired {
		m.held[lock.Resource] = lock
	}
	m.mu.Unlock()
	return acquired, nil
}

// Release drops every lease held for holder.
func (m *Manager) Release(holder string) {
	m.mu.Lock()
	var resources []string
	for resource, lock := range m.held {
		if lock.HolderID == holder {
			resources = append(resources, resource)
		}
	}
	m.mu.Unlock()

	for _, resource := range resources {
		if err := m.store.ReleaseLock(resource, holder); err != nil {
			m.logger.Warn().Err(err).Str("resource", resource).Msg("failed to release lock")
		}
		m.mu.Lock()
		delete(m.held, resource)
		m.mu.Unlock()
	}
}

// Token returns the fencing token of a held lease. Every store write the
// executor issues under this lease carries it.
func (m *Manager) Token(resource string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.held[resource]
	if !ok {
		return 0, fmt.Errorf("lease not held: %s", resource)
	}
	return lock.FencingToken, nil
}

// KeepAlive renews every lease of holder at one-third TTL until ctx is
// cancelled. Renewal failures are logged and retried on the next tick;
// a lease lost to a reaper surfaces on the holder's next fenced write.
func (m *Manager) KeepAlive(ctx context.Context, holder string) {
	ticker := time.NewTicker(m.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			var resources []string
			for resource, lock := range m.held {
				if lock.HolderID == holder {
					resources = append(resources, resource)
				}
			}
			m.mu.Unlock()

			for _, resource := range resources {
				lock, err := m.store.RenewLock(resource, holder, m.ttl)
				if err != nil {
					m.logger.Warn().Err(err).Str("resource", resource).Msg("lease renewal failed")
					continue
				}
				m.mu.Lock()
				m.held[resource] = lock
				m.mu.Unlock()
			}
		}
	}
}

// TerminalFunc reports whether a lock holder's migration reached a
// terminal state.
type TerminalFunc func(holder string) bool

// ReapStale revokes locks whose holder is terminal or whose lease
// expired past TTL + grace. Any process observing a stale lock may reap
// it; fencing tokens keep a zombie holder from writing afterwards.
func (m *Manager) ReapStale(terminal TerminalFunc) error {
	locks, err := m.store.ListLocks()
	if err != nil {
		return fmt.Errorf("failed to list locks: %w", err)
	}

	now := time.Now().UTC()
	for _, lock := range locks {
		expired := now.After(lock.ExpiresAt.Add(m.grace))
		if !expired && !terminal(lock.HolderID) {
			continue
		}
		if err := m.store.ReapLock(lock.Resource); err != nil {
			m.logger.Warn().Err(err).Str("resource", lock.Resource).Msg("failed to reap lock")
			continue
		}
		m.logger.Info().
			Str("resource", lock.Resource).
			Str("holder", lock.HolderID).
			Bool("expired", expired).
			Msg("reaped stale lock")
		m.mu.Lock()
		delete(m.held, lock.Resource)
		m.mu.Unlock()
	}
	return nil
}
