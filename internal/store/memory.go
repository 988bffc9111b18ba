package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/i474232898/air-quality-aggregation/internal/airquality"
)

// MemoryStore is a concurrency-safe in-memory snapshot store with the same
// semantics as FileStore. Data does not survive a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	clock clockwork.Clock

	// key: snapshot name
	data map[string]airquality.Snapshot
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock: clock,
		data:  make(map[string]airquality.Snapshot),
	}
}

// Write stores readings as a new snapshot.
func (s *MemoryStore) Write(ctx context.Context, source airquality.Source, runID string, readings []airquality.Reading) (airquality.SnapshotMeta, error) {
	if err := ctx.Err(); err != nil {
		return airquality.SnapshotMeta{}, err
	}

	now := s.clock.Now().UTC()
	name := snapshotName(source, now)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[name]; exists {
		return airquality.SnapshotMeta{}, fmt.Errorf("%s: %w", name, ErrSnapshotExists)
	}
	stored := make([]airquality.Reading, len(readings))
	copy(stored, readings)
	s.data[name] = airquality.Snapshot{
		RunID:     runID,
		CreatedAt: now,
		Source:    source,
		Count:     len(stored),
		Readings:  stored,
	}
	return airquality.SnapshotMeta{RunID: runID, Source: source, CreatedAt: now, Count: len(stored), Name: name}, nil
}

// List returns snapshot metadata, oldest first.
func (s *MemoryStore) List(context.Context) ([]airquality.SnapshotMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metas := make([]airquality.SnapshotMeta, 0, len(s.data))
	for name, snap := range s.data {
		metas = append(metas, airquality.SnapshotMeta{
			RunID:     snap.RunID,
			Source:    snap.Source,
			CreatedAt: snap.CreatedAt,
			Count:     snap.Count,
			Name:      name,
		})
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name })
	return metas, nil
}

// LoadRecent returns readings of the snapshots chosen by selectRecent,
// newest first.
func (s *MemoryStore) LoadRecent(ctx context.Context, window time.Duration) ([]airquality.Reading, error) {
	metas, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []airquality.Reading
	for _, meta := range selectRecent(metas, s.clock.Now(), window) {
		snap, ok := s.data[meta.Name]
		if !ok {
			// Removed by a concurrent retention sweep.
			continue
		}
		out = append(out, snap.Readings...)
	}
	return out, nil
}

// DeleteOlderThan drops snapshots created more than age ago.
func (s *MemoryStore) DeleteOlderThan(_ context.Context, age time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-age)

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for name, snap := range s.data {
		if snap.CreatedAt.Before(cutoff) {
			delete(s.data, name)
			deleted++
		}
	}
	return deleted, nil
}
