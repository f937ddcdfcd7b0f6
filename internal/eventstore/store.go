// Package eventstore is the Execution Event Store of spec §4.6: an
// append-only log of ExecutionEvents keyed by (run_id, sequence). Grounded
// on the teacher's execution.OrderManager (mutex-guarded in-memory map of
// per-order state, fed by an append-style update channel) generalized from
// "order state" to "immutable append-only leg event."
package eventstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/quantforge/exec-core/pkg/types"
)

// ErrNotFound is returned when a run has no recorded events.
var ErrNotFound = errors.New("eventstore: run not found")

// Store is the interface the Orchestrator and the Analytics Aggregator
// share: append-only writes, ordered reads.
type Store interface {
	Append(ctx context.Context, ev types.ExecutionEvent) error
	ListByRun(ctx context.Context, runID types.ID) ([]types.ExecutionEvent, error)
	ListSince(ctx context.Context, since types.ID, limit int) ([]types.ExecutionEvent, error)
}

// MemStore is an in-memory Store, used by tests and by any deployment that
// accepts losing event history across restarts (spec §4.6 expects a durable
// store in production; internal/store/postgres.EventStore is that one).
type MemStore struct {
	mu   sync.Mutex
	byRun map[types.ID][]types.ExecutionEvent
}

// NewMemStore builds an empty in-memory event store.
func NewMemStore() *MemStore {
	return &MemStore{byRun: make(map[types.ID][]types.ExecutionEvent)}
}

// Append adds one event to its run's log, keeping the log sorted by
// sequence (events are expected to append in sequence order, but sorting
// on write keeps readers correct even under retries/races).
func (s *MemStore) Append(ctx context.Context, ev types.ExecutionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byRun[ev.RunID] = append(s.byRun[ev.RunID], ev)
	sort.SliceStable(s.byRun[ev.RunID], func(i, j int) bool {
		return s.byRun[ev.RunID][i].Sequence < s.byRun[ev.RunID][j].Sequence
	})
	return nil
}

// ListByRun returns every event recorded for one run, in sequence order.
func (s *MemStore) ListByRun(ctx context.Context, runID types.ID) ([]types.ExecutionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs, ok := s.byRun[runID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]types.ExecutionEvent, len(evs))
	copy(out, evs)
	return out, nil
}

// ListSince on MemStore ignores since: it collects whole runs' events in
// map iteration order and stops once it holds at least limit events, so the
// result can exceed limit. The Postgres-backed store offers the ordered,
// cursor-based version of this query.
func (s *MemStore) ListSince(ctx context.Context, since types.ID, limit int) ([]types.ExecutionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.ExecutionEvent
	for _, evs := range s.byRun {
		out = append(out, evs...)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
