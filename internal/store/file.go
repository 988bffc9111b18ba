package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/i474232898/air-quality-aggregation/internal/airquality"
	"github.com/i474232898/air-quality-aggregation/internal/logging"
	"github.com/i474232898/air-quality-aggregation/internal/metrics"
)

// FileStore keeps one JSON file per snapshot in a directory. Files are
// written once and never modified.
type FileStore struct {
	dir     string
	clock   clockwork.Clock
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, clock clockwork.Clock, m *metrics.Metrics) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FileStore{
		dir:     dir,
		clock:   clock,
		metrics: m,
		log:     logging.Component("store"),
	}, nil
}

// Write persists readings as a new snapshot. The file appears under its
// final name only once fully written.
func (s *FileStore) Write(ctx context.Context, source airquality.Source, runID string, readings []airquality.Reading) (airquality.SnapshotMeta, error) {
	if err := ctx.Err(); err != nil {
		return airquality.SnapshotMeta{}, err
	}

	now := s.clock.Now().UTC()
	snap := airquality.Snapshot{
		RunID:     runID,
		CreatedAt: now,
		Source:    source,
		Count:     len(readings),
		Readings:  readings,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return airquality.SnapshotMeta{}, fmt.Errorf("encode snapshot: %w", err)
	}

	name := snapshotName(source, now)
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return airquality.SnapshotMeta{}, fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return airquality.SnapshotMeta{}, fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return airquality.SnapshotMeta{}, fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return airquality.SnapshotMeta{}, fmt.Errorf("close snapshot: %w", err)
	}

	// Link fails if the target exists, so a snapshot is never replaced.
	if err := os.Link(tmpName, filepath.Join(s.dir, name)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return airquality.SnapshotMeta{}, fmt.Errorf("%s: %w", name, ErrSnapshotExists)
		}
		return airquality.SnapshotMeta{}, fmt.Errorf("publish snapshot: %w", err)
	}

	return airquality.SnapshotMeta{
		RunID:     runID,
		Source:    source,
		CreatedAt: now,
		Count:     len(readings),
		Name:      name,
	}, nil
}

// List returns the metadata of every snapshot, oldest first. Count and
// RunID are not populated since only names are inspected.
func (s *FileStore) List(ctx context.Context) ([]airquality.SnapshotMeta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	metas := make([]airquality.SnapshotMeta, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		meta, err := parseSnapshotName(e.Name())
		if err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name })
	return metas, nil
}

// LoadRecent reads the snapshots chosen by selectRecent, newest first.
// Files that vanish or fail to decode are skipped.
func (s *FileStore) LoadRecent(ctx context.Context, window time.Duration) ([]airquality.Reading, error) {
	metas, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	var out []airquality.Reading
	for _, meta := range selectRecent(metas, s.clock.Now(), window) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		snap, err := s.read(meta.Name)
		if err != nil {
			s.metrics.SnapshotLoadSkipped()
			s.log.Warn().Err(err).Str("snapshot", meta.Name).Msg("snapshot skipped")
			continue
		}
		out = append(out, snap.Readings...)
	}
	return out, nil
}

func (s *FileStore) read(name string) (airquality.Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return airquality.Snapshot{}, err
	}
	var snap airquality.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return airquality.Snapshot{}, fmt.Errorf("decode %s: %w", name, err)
	}
	return snap, nil
}

// DeleteOlderThan removes snapshots whose creation time is more than age
// ago. Individual failures are logged and do not stop the sweep.
func (s *FileStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int, error) {
	metas, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := s.clock.Now().Add(-age)

	deleted, failed := 0, 0
	for _, meta := range metas {
		if !meta.CreatedAt.Before(cutoff) {
			break
		}
		if err := os.Remove(filepath.Join(s.dir, meta.Name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			failed++
			s.log.Warn().Err(err).Str("snapshot", meta.Name).Msg("failed to delete expired snapshot")
			continue
		}
		deleted++
	}
	s.metrics.Cleanup(deleted, failed)
	if deleted > 0 || failed > 0 {
		s.log.Info().Int("deleted", deleted).Int("failed", failed).Dur("max_age", age).Msg("retention sweep finished")
	}
	return deleted, nil
}
