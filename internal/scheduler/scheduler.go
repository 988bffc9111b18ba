package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/i474232898/air-quality-aggregation/internal/airquality"
	"github.com/i474232898/air-quality-aggregation/internal/config"
	"github.com/i474232898/air-quality-aggregation/internal/logging"
	"github.com/i474232898/air-quality-aggregation/internal/metrics"
)

// Job tags, also reported as job ids by Status.
const (
	ExtractionJobTag = "air_quality_extraction"
	CleanupJobTag    = "data_cleanup"
)

var (
	ErrRunInProgress   = errors.New("extraction already in progress")
	ErrInvalidInterval = fmt.Errorf("interval must be between %d and %d minutes",
		config.MinIntervalMinutes, config.MaxIntervalMinutes)
)

// Extractor runs one extraction under a given run ID.
type Extractor interface {
	Run(ctx context.Context, runID string) (airquality.RunResult, error)
	SetNextRunFunc(fn func() time.Time)
}

// Cleaner deletes snapshots past retention.
type Cleaner interface {
	DeleteOlderThan(ctx context.Context, age time.Duration) (int, error)
}

// Config holds the schedule of both jobs.
type Config struct {
	IntervalMinutes int
	FirstRunDelay   time.Duration
	CleanupCron     string
	Retention       time.Duration

	// RunTimeout bounds a single extraction or cleanup.
	RunTimeout time.Duration
}

// Scheduler periodically runs extractions and retention cleanup, and
// accepts out-of-band runs.
type Scheduler struct {
	extractor Extractor
	cleaner   Cleaner
	cfg       Config
	metrics   *metrics.Metrics
	clock     clockwork.Clock
	log       zerolog.Logger

	mu      sync.Mutex
	cron    *gocron.Scheduler
	running bool

	// active counts job bodies and manual runs still executing; idle is
	// signalled on mu when it drops to zero.
	active int
	idle   *sync.Cond

	inFlight atomic.Bool
}

// Trigger is the handle of a manual run.
type Trigger struct {
	ID string

	done   chan struct{}
	result airquality.RunResult
	err    error
}

// Done is closed when the run finished.
func (t *Trigger) Done() <-chan struct{} { return t.done }

// Result blocks until the run finished.
func (t *Trigger) Result() (airquality.RunResult, error) {
	<-t.done
	return t.result, t.err
}

// JobStatus describes one scheduled job.
type JobStatus struct {
	ID      string     `json:"id"`
	NextRun *time.Time `json:"next_run,omitempty"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running         bool        `json:"running"`
	IntervalMinutes int         `json:"interval_minutes"`
	InProgress      bool        `json:"in_progress"`
	Jobs            []JobStatus `json:"jobs"`
}

// New creates a stopped Scheduler and registers it as the next-run source
// of the extractor.
func New(extractor Extractor, cleaner Cleaner, cfg Config, m *metrics.Metrics, clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Minute
	}
	s := &Scheduler{
		extractor: extractor,
		cleaner:   cleaner,
		cfg:       cfg,
		metrics:   m,
		clock:     clock,
		log:       logging.Component("scheduler"),
	}
	s.idle = sync.NewCond(&s.mu)
	extractor.SetNextRunFunc(s.nextExtraction)
	return s
}

// Start schedules both jobs on a fresh gocron scheduler.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.log.Warn().Msg("scheduler already running")
		return nil
	}

	cron := gocron.NewScheduler(time.UTC)
	if err := s.addExtractionJob(cron, s.interval(), s.clock.Now().Add(s.cfg.FirstRunDelay)); err != nil {
		return err
	}
	if _, err := cron.Cron(s.cfg.CleanupCron).Tag(CleanupJobTag).Do(s.runCleanup); err != nil {
		return fmt.Errorf("schedule cleanup job: %w", err)
	}

	cron.StartAsync()
	s.cron = cron
	s.running = true
	s.log.Info().
		Int("interval_minutes", s.cfg.IntervalMinutes).
		Str("cleanup_cron", s.cfg.CleanupCron).
		Msg("scheduler started")
	return nil
}

// Stop stops the scheduler and waits for in-flight runs, manual ones
// included.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.drain()
		return
	}
	cron := s.cron
	s.running = false
	s.cron = nil
	s.mu.Unlock()

	cron.Stop()
	s.drain()
	s.log.Info().Msg("scheduler stopped")
}

// IsRunning reports whether the periodic jobs are scheduled.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// TriggerNow starts an extraction in the background regardless of the
// schedule.
func (s *Scheduler) TriggerNow() (*Trigger, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}

	t := &Trigger{ID: uuid.NewString(), done: make(chan struct{})}
	s.begin()

	go func() {
		defer s.end()
		defer close(t.done)
		defer s.inFlight.Store(false)

		t.result, t.err = s.extract(t.ID)
	}()

	s.log.Info().Str("run_id", t.ID).Msg("manual extraction triggered")
	return t, nil
}

// Reschedule changes the extraction interval. A running schedule is
// replaced so that the next run fires one interval from now; the cleanup
// job is untouched.
func (s *Scheduler) Reschedule(minutes int) error {
	if minutes < config.MinIntervalMinutes || minutes > config.MaxIntervalMinutes {
		return ErrInvalidInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg.IntervalMinutes = minutes
	if !s.running {
		return nil
	}

	if err := s.cron.RemoveByTag(ExtractionJobTag); err != nil && !errors.Is(err, gocron.ErrJobNotFoundWithTag) {
		return fmt.Errorf("remove extraction job: %w", err)
	}
	interval := s.interval()
	if err := s.addExtractionJob(s.cron, interval, s.clock.Now().Add(interval)); err != nil {
		return err
	}
	s.log.Info().Int("interval_minutes", minutes).Msg("extraction rescheduled")
	return nil
}

// Status returns the scheduler state and the next fire time of each job.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:         s.running,
		IntervalMinutes: s.cfg.IntervalMinutes,
		InProgress:      s.inFlight.Load(),
		Jobs:            []JobStatus{},
	}
	if !s.running {
		return st
	}
	for _, job := range s.cron.Jobs() {
		tags := job.Tags()
		if len(tags) == 0 {
			continue
		}
		js := JobStatus{ID: tags[0]}
		if next := job.NextRun(); !next.IsZero() {
			next = next.UTC()
			js.NextRun = &next
		}
		st.Jobs = append(st.Jobs, js)
	}
	return st
}

func (s *Scheduler) interval() time.Duration {
	return time.Duration(s.cfg.IntervalMinutes) * time.Minute
}

// addExtractionJob registers the periodic extraction. Ticks that fire
// during a run are dropped by runScheduled, never queued.
func (s *Scheduler) addExtractionJob(cron *gocron.Scheduler, interval time.Duration, first time.Time) error {
	_, err := cron.Every(interval).
		Tag(ExtractionJobTag).
		StartAt(first).
		Do(s.runScheduled)
	if err != nil {
		return fmt.Errorf("schedule extraction job: %w", err)
	}
	return nil
}

// nextExtraction is reported into the run status at the end of each run.
func (s *Scheduler) nextExtraction() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	for _, job := range s.cron.Jobs() {
		for _, tag := range job.Tags() {
			if tag == ExtractionJobTag {
				return job.NextRun().UTC()
			}
		}
	}
	return time.Time{}
}

func (s *Scheduler) runScheduled() {
	if !s.track() {
		return
	}
	defer s.end()

	if !s.inFlight.CompareAndSwap(false, true) {
		s.metrics.SchedulerSkip()
		s.log.Warn().Msg("previous extraction still running; tick skipped")
		return
	}
	defer s.inFlight.Store(false)

	_, _ = s.extract(uuid.NewString())
}

func (s *Scheduler) runCleanup() {
	if !s.track() {
		return
	}
	defer s.end()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("cleanup job panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	defer cancel()

	deleted, err := s.cleaner.DeleteOlderThan(ctx, s.cfg.Retention)
	if err != nil {
		s.log.Error().Err(err).Int("deleted", deleted).Msg("snapshot cleanup failed")
		return
	}
	s.log.Info().Int("deleted", deleted).Dur("retention", s.cfg.Retention).Msg("snapshot cleanup finished")
}

// track counts a scheduled job body as active unless the scheduler is
// stopping.
func (s *Scheduler) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.active++
	return true
}

// begin counts a manual run as active; manual runs are allowed while
// stopped.
func (s *Scheduler) begin() {
	s.mu.Lock()
	s.active++
	s.mu.Unlock()
}

func (s *Scheduler) end() {
	s.mu.Lock()
	s.active--
	if s.active == 0 {
		s.idle.Broadcast()
	}
	s.mu.Unlock()
}

// drain blocks until no job body or manual run is active. Waiting on the
// condition releases mu, so running extractions can still read the
// schedule.
func (s *Scheduler) drain() {
	s.mu.Lock()
	for s.active > 0 {
		s.idle.Wait()
	}
	s.mu.Unlock()
}

func (s *Scheduler) extract(runID string) (res airquality.RunResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extraction panicked: %v", r)
			s.log.Error().Str("run_id", runID).Interface("panic", r).Msg("extraction panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	defer cancel()

	res, err = s.extractor.Run(ctx, runID)
	if err != nil {
		s.log.Error().Err(err).Str("run_id", runID).Msg("extraction failed")
	}
	return res, err
}
