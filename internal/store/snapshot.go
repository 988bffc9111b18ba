package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/i474232898/air-quality-aggregation/internal/airquality"
)

// FallbackSnapshots is how many of the newest snapshots LoadRecent returns
// when none fall inside the freshness window.
const FallbackSnapshots = 3

const (
	nameTimeLayout = "20060102T150405.000000000Z"
	nameExt        = ".json"
)

var (
	// ErrSnapshotExists is returned when a snapshot with the same source
	// and creation time is already stored. Snapshots are never overwritten.
	ErrSnapshotExists = errors.New("snapshot already exists")

	errBadName = errors.New("not a snapshot file name")
)

// snapshotName is the artifact name of a snapshot. Names sort
// lexicographically by creation time.
func snapshotName(source airquality.Source, createdAt time.Time) string {
	return createdAt.UTC().Format(nameTimeLayout) + "_" + string(source) + nameExt
}

// parseSnapshotName recovers source and creation time from an artifact
// name without opening it.
func parseSnapshotName(name string) (airquality.SnapshotMeta, error) {
	base, ok := strings.CutSuffix(name, nameExt)
	if !ok {
		return airquality.SnapshotMeta{}, errBadName
	}
	ts, source, ok := strings.Cut(base, "_")
	if !ok || source == "" {
		return airquality.SnapshotMeta{}, errBadName
	}
	createdAt, err := time.Parse(nameTimeLayout, ts)
	if err != nil {
		return airquality.SnapshotMeta{}, fmt.Errorf("%w: %v", errBadName, err)
	}
	return airquality.SnapshotMeta{
		Source:    airquality.Source(source),
		CreatedAt: createdAt,
		Name:      name,
	}, nil
}

// selectRecent picks the snapshots LoadRecent reads, newest first: all
// created within window of now, or the FallbackSnapshots newest when none
// are that fresh.
func selectRecent(metas []airquality.SnapshotMeta, now time.Time, window time.Duration) []airquality.SnapshotMeta {
	sorted := make([]airquality.SnapshotMeta, len(metas))
	copy(sorted, metas)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Name > sorted[j].Name
	})

	var fresh []airquality.SnapshotMeta
	for _, m := range sorted {
		if now.Sub(m.CreatedAt) <= window {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) > 0 {
		return fresh
	}
	if len(sorted) > FallbackSnapshots {
		return sorted[:FallbackSnapshots]
	}
	return sorted
}
