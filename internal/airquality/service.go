package airquality

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/i474232898/air-quality-aggregation/internal/logging"
	"github.com/i474232898/air-quality-aggregation/internal/metrics"
)

// DefaultSyntheticCount is the size of a fallback batch.
const DefaultSyntheticCount = 50

// RunResult is the outcome of one extraction run.
type RunResult struct {
	RunID        string               `json:"run_id"`
	StartedAt    time.Time            `json:"started_at"`
	FinishedAt   time.Time            `json:"finished_at"`
	PerSource    map[Source][]Reading `json:"-"`
	Counts       map[Source]int       `json:"counts"`
	UsedFallback bool                 `json:"used_fallback"`
	Total        int                  `json:"total"`
	Status       RunStatus            `json:"status"`
}

// Service orchestrates one extraction run: fan out over providers and
// partitions, dedupe, fall back to synthetic data, update the run status
// and persist snapshots.
type Service struct {
	store      SnapshotStore
	providers  []Provider
	partitions []Partition
	filter     []Pollutant

	generator      *Generator
	syntheticCount int
	throttle       time.Duration

	status    *StatusTracker
	publisher SnapshotPublisher
	metrics   *metrics.Metrics
	clock     clockwork.Clock
	log       zerolog.Logger

	nextRun atomic.Pointer[func() time.Time]
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithPartitions replaces DefaultPartitions.
func WithPartitions(parts []Partition) ServiceOption {
	return func(s *Service) { s.partitions = parts }
}

// WithPollutants restricts which pollutants are requested.
func WithPollutants(filter []Pollutant) ServiceOption {
	return func(s *Service) { s.filter = filter }
}

// WithGenerator sets the fallback generator and batch size.
func WithGenerator(g *Generator, count int) ServiceOption {
	return func(s *Service) {
		s.generator = g
		s.syntheticCount = count
	}
}

// WithThrottle sets the minimum gap between two requests to the same
// provider.
func WithThrottle(d time.Duration) ServiceOption {
	return func(s *Service) { s.throttle = d }
}

// WithStatusTracker shares a tracker, e.g. with the HTTP layer.
func WithStatusTracker(t *StatusTracker) ServiceOption {
	return func(s *Service) { s.status = t }
}

// WithPublisher announces every persisted snapshot.
func WithPublisher(p SnapshotPublisher) ServiceOption {
	return func(s *Service) { s.publisher = p }
}

func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

func WithClock(c clockwork.Clock) ServiceOption {
	return func(s *Service) { s.clock = c }
}

// NewService creates a new Service.
func NewService(store SnapshotStore, providers []Provider, opts ...ServiceOption) *Service {
	s := &Service{
		store:          store,
		providers:      providers,
		partitions:     DefaultPartitions(),
		syntheticCount: DefaultSyntheticCount,
		throttle:       time.Second,
		clock:          clockwork.NewRealClock(),
		log:            logging.Component("extraction"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.status == nil {
		s.status = NewStatusTracker()
	}
	if s.generator == nil {
		s.generator = NewGenerator(s.clock, nil)
	}
	return s
}

// SetNextRunFunc lets the scheduler report when the next run fires; the
// value is captured in the status at the end of each run.
func (s *Service) SetNextRunFunc(fn func() time.Time) {
	s.nextRun.Store(&fn)
}

// Status returns the current run status.
func (s *Service) Status() RunStatus {
	return s.status.Snapshot()
}

// RunOnce runs an extraction under a fresh run ID.
func (s *Service) RunOnce(ctx context.Context) (RunResult, error) {
	return s.Run(ctx, uuid.NewString())
}

// Run performs one extraction. Upstream and persistence failures are
// absorbed into the status; an error is returned only when the run could
// not start.
func (s *Service) Run(ctx context.Context, runID string) (RunResult, error) {
	if err := ctx.Err(); err != nil {
		return RunResult{}, fmt.Errorf("extraction not started: %w", err)
	}

	started := s.clock.Now().UTC()
	log := s.log.With().Str("run_id", runID).Logger()
	log.Info().
		Int("providers", len(s.providers)).
		Int("partitions", len(s.partitions)).
		Msg("extraction run started")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		perSource = make(map[Source][]Reading)
		lastErr   error
	)

	for _, p := range s.providers {
		if !p.HasCredential() {
			log.Warn().Str("source", string(p.Source())).Msg("no credential configured; provider skipped")
			continue
		}

		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()

			readings, err := s.collect(ctx, log, p)

			mu.Lock()
			defer mu.Unlock()
			perSource[p.Source()] = append(perSource[p.Source()], readings...)
			if err != nil {
				lastErr = err
			}
		}(p)
	}

	wg.Wait()

	total := 0
	for src, readings := range perSource {
		deduped := Dedupe(readings)
		if len(deduped) < len(readings) {
			log.Debug().
				Str("source", string(src)).
				Int("dropped", len(readings)-len(deduped)).
				Msg("duplicate readings dropped")
		}
		perSource[src] = deduped
		total += len(deduped)
	}

	usedFallback := false
	if total == 0 && s.generator != nil {
		perSource[SourceSynthetic] = s.generator.Generate(s.syntheticCount)
		usedFallback = true
		log.Warn().Int("count", len(perSource[SourceSynthetic])).Msg("no upstream data; using synthetic readings")
	}

	counts := make(map[Source]int, len(perSource))
	total = 0
	for src, readings := range perSource {
		if len(readings) == 0 {
			delete(perSource, src)
			continue
		}
		counts[src] = len(readings)
		total += len(readings)
		s.metrics.AddReadings(string(src), len(readings))
	}

	finished := s.clock.Now().UTC()
	outcome := RunOutcome{
		RunID:        runID,
		FinishedAt:   finished,
		Counts:       counts,
		UsedFallback: usedFallback,
	}
	if fn := s.nextRun.Load(); fn != nil {
		outcome.NextRunAt = (*fn)()
	}
	if lastErr != nil {
		outcome.Err = lastErr.Error()
	}
	status := s.status.Record(outcome)
	s.metrics.ObserveRun(total > 0, finished.Sub(started).Seconds(), usedFallback)

	s.persist(ctx, log, runID, perSource)

	log.Info().
		Int("total", total).
		Bool("used_fallback", usedFallback).
		Dur("took", finished.Sub(started)).
		Msg("extraction run finished")

	return RunResult{
		RunID:        runID,
		StartedAt:    started,
		FinishedAt:   finished,
		PerSource:    perSource,
		Counts:       counts,
		UsedFallback: usedFallback,
		Total:        total,
		Status:       status,
	}, nil
}

// collect walks every partition of one provider in order, waiting on the
// provider's limiter before each request.
func (s *Service) collect(ctx context.Context, log zerolog.Logger, p Provider) ([]Reading, error) {
	src := string(p.Source())
	limiter := rate.NewLimiter(rate.Every(s.throttle), 1)

	var (
		out     []Reading
		lastErr error
	)
	for _, part := range s.partitions {
		if err := limiter.Wait(ctx); err != nil {
			return out, fmt.Errorf("%s: %w", src, err)
		}

		readings, err := p.Fetch(ctx, part, s.filter)
		out = append(out, readings...)
		if err == nil {
			s.metrics.PartitionOutcome(src, "ok")
			log.Debug().Str("source", src).Str("partition", part.Name).Int("count", len(readings)).Msg("partition fetched")
			continue
		}

		lastErr = fmt.Errorf("%s %s: %w", src, part.Name, err)
		if errors.Is(err, ErrUnauthorized) {
			s.metrics.PartitionOutcome(src, "unauthorized")
			log.Error().Err(err).Str("source", src).Msg("credentials rejected; provider abandoned for this run")
			break
		}
		s.metrics.PartitionOutcome(src, "skipped")
		if ctx.Err() != nil {
			break
		}
		log.Warn().Err(err).Str("source", src).Str("partition", part.Name).Msg("partition skipped")
	}
	return out, lastErr
}

var persistOrder = []Source{SourceAirNow, SourceOpenAQ, SourceSynthetic}

func (s *Service) persist(ctx context.Context, log zerolog.Logger, runID string, perSource map[Source][]Reading) {
	for _, src := range persistOrder {
		readings := perSource[src]
		if len(readings) == 0 {
			continue
		}
		meta, err := s.store.Write(ctx, src, runID, readings)
		s.metrics.SnapshotWrite(string(src), err)
		if err != nil {
			log.Error().Err(err).Str("source", string(src)).Msg("snapshot write failed")
			continue
		}
		log.Info().Str("source", string(src)).Str("snapshot", meta.Name).Int("count", meta.Count).Msg("snapshot written")

		if s.publisher == nil {
			continue
		}
		err = s.publisher.PublishSnapshot(ctx, meta)
		s.metrics.Publish(err)
		if err != nil {
			log.Warn().Err(err).Str("snapshot", meta.Name).Msg("snapshot event not published")
		}
	}
}
