package airquality

import (
	"context"
	"time"
)

// Provider abstracts an upstream air-quality source (AirNow, OpenAQ).
type Provider interface {
	Source() Source

	// HasCredential reports whether the provider is configured; providers
	// without credentials are skipped for the whole run.
	HasCredential() bool

	// Fetch returns the normalized readings of one partition. filter
	// restricts pollutants; empty means all. Readings gathered before a
	// failure may be returned together with the error.
	Fetch(ctx context.Context, p Partition, filter []Pollutant) ([]Reading, error)
}

// SnapshotStore is the contract the file store and the in-memory store
// satisfy.
type SnapshotStore interface {
	Write(ctx context.Context, source Source, runID string, readings []Reading) (SnapshotMeta, error)

	// LoadRecent returns readings of all snapshots created within window,
	// or of the three newest snapshots when none are that fresh.
	LoadRecent(ctx context.Context, window time.Duration) ([]Reading, error)

	// List returns snapshot metadata, oldest first.
	List(ctx context.Context) ([]SnapshotMeta, error)

	// DeleteOlderThan removes snapshots created more than age ago and
	// returns how many were deleted.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int, error)
}

// SnapshotPublisher announces persisted snapshots to other services.
type SnapshotPublisher interface {
	PublishSnapshot(ctx context.Context, meta SnapshotMeta) error
}
