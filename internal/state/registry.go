// Package state keeps per-position mutation linearizable.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"position-core/pkg/db"
)

// ErrPositionNotFound is returned when a position id has no record.
var ErrPositionNotFound = errors.New("position not found")

// Registry serializes every mutation of a position and remembers which
// positions are closed so late price updates can be dropped without a query.
type Registry struct {
	locks *KeyedMutex

	mu     sync.RWMutex
	closed map[string]time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		locks:  NewKeyedMutex(),
		closed: make(map[string]time.Time),
	}
}

// Lock acquires the position's critical section.
func (r *Registry) Lock(positionID string) func() {
	return r.locks.Lock(positionID)
}

// MarkClosed records a committed close. Call it while holding the position lock.
func (r *Registry) MarkClosed(positionID string) {
	r.mu.Lock()
	r.closed[positionID] = time.Now()
	r.mu.Unlock()
}

// IsClosed reports whether a close was committed in this process.
func (r *Registry) IsClosed(positionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.closed[positionID]
	return ok
}

// Prune forgets tombstones older than ttl. The store still rejects updates to
// closed positions, so pruning only costs a query.
func (r *Registry) Prune(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, at := range r.closed {
		if at.Before(cutoff) {
			delete(r.closed, id)
			removed++
		}
	}
	return removed
}

// LoadOpen reads a position and reports whether it can still be mutated.
// The caller must hold the position lock.
func (r *Registry) LoadOpen(ctx context.Context, q *db.Queries, positionID string) (*db.Position, bool, error) {
	p, err := Load(ctx, q, positionID)
	if err != nil {
		return nil, false, err
	}
	if !p.IsOpen() {
		r.MarkClosed(positionID)
		return p, false, nil
	}
	return p, true, nil
}

// Load reads a position, mapping a missing row to ErrPositionNotFound.
func Load(ctx context.Context, q *db.Queries, positionID string) (*db.Position, error) {
	p, err := q.GetPosition(ctx, positionID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
