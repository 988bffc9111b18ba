package store

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/air-quality-aggregation/internal/airquality"
)

func TestMemoryStoreMatchesFileSemantics(t *testing.T) {
	clock := clockwork.NewFakeClockAt(storeStart)
	s := NewMemoryStore(clock)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := s.Write(ctx, airquality.SourceOpenAQ, "run", []airquality.Reading{sample(airquality.PollutantOzone, float64(i))})
		require.NoError(t, err)
		clock.Advance(time.Hour)
	}

	_, err := s.Write(ctx, airquality.SourceOpenAQ, "dup", nil)
	require.NoError(t, err)
	_, err = s.Write(ctx, airquality.SourceOpenAQ, "dup", nil)
	assert.ErrorIs(t, err, ErrSnapshotExists)

	clock.Advance(24 * time.Hour)
	got, err := s.LoadRecent(ctx, time.Hour)
	require.NoError(t, err)
	assert.Len(t, got, 2, "fallback reads the three newest snapshots, one of them empty")

	deleted, err := s.DeleteOlderThan(ctx, 25*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	metas, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, metas, 2)
}

func TestMemoryStoreCopiesInput(t *testing.T) {
	s := NewMemoryStore(clockwork.NewFakeClockAt(storeStart))
	ctx := context.Background()
	in := []airquality.Reading{sample(airquality.PollutantCO, 1)}

	_, err := s.Write(ctx, airquality.SourceAirNow, "run", in)
	require.NoError(t, err)
	in[0].Value = 99

	got, err := s.LoadRecent(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got[0].Value)
}
