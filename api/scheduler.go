/*
scheduler.go - Automated expiry sweep scheduler

PURPOSE:
  Periodically runs the expiry sweep so overdue batches leave the balance
  and get an EXPIRED transaction without anyone calling the admin endpoint.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Scheduled and manual runs are serialized; the sweep itself fans out
    over wallets
  - Keeps the most recent runs in memory for the admin endpoint

CONFIGURATION:
  - Interval: How often to sweep (default: 1 hour)
  - Enabled: Whether the background loop runs (default: true)

USAGE:
  scheduler := NewExpiryScheduler(engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual run)
  - points/sweep.go: Engine.SweepExpired
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/points"
)

const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"

	RunCompleted = "completed"
	RunPartial   = "partial"
	RunFailed    = "failed"

	defaultRunHistory = 20
)

// Sweeper is the part of the engine the scheduler drives.
type Sweeper interface {
	SweepExpired(ctx context.Context) (points.SweepResult, error)
}

// SweepRun records one sweep for audit and the admin endpoint.
type SweepRun struct {
	ID         string
	Trigger    string
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
	Result     points.SweepResult
	Errors     []string
}

// ExpiryScheduler handles automated expiry sweeps.
type ExpiryScheduler struct {
	Sweeper    Sweeper
	Interval   time.Duration
	Enabled    bool
	RunTimeout time.Duration
	History    int

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	runMu   sync.Mutex
	runs    []SweepRun
	runsMu  sync.RWMutex
	nextRun time.Time
}

func NewExpiryScheduler(sweeper Sweeper, logger zerolog.Logger) *ExpiryScheduler {
	return &ExpiryScheduler{
		Sweeper:    sweeper,
		Interval:   time.Hour,
		Enabled:    true,
		RunTimeout: 10 * time.Minute,
		History:    defaultRunHistory,
		log:        logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins the background loop. It is a no-op when disabled or
// already running.
func (s *ExpiryScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info().Msg("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.Interval)
	s.setNextRun(time.Now().Add(s.Interval))
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.log.Info().Dur("interval", s.Interval).Msg("started")
}

// Stop halts the loop and waits for an in-flight run to finish.
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.setNextRun(time.Time{})
	s.log.Info().Msg("stopped")
}

func (s *ExpiryScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.execute(context.Background(), TriggerScheduled)

	for {
		select {
		case <-ticker.C:
			s.setNextRun(time.Now().Add(s.Interval))
			s.execute(context.Background(), TriggerScheduled)
		case <-stop:
			return
		}
	}
}

// RunNow sweeps immediately and returns the run record. It waits for a
// scheduled run in progress to finish first.
func (s *ExpiryScheduler) RunNow(ctx context.Context) SweepRun {
	return s.execute(ctx, TriggerManual)
}

func (s *ExpiryScheduler) execute(ctx context.Context, trigger string) SweepRun {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.RunTimeout)
		defer cancel()
	}

	run := SweepRun{ID: uuid.NewString(), Trigger: trigger, StartedAt: time.Now().UTC()}
	s.log.Info().Str("run_id", run.ID).Str("trigger", trigger).Msg("sweep starting")

	res, err := s.Sweeper.SweepExpired(ctx)
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.Result = res

	switch {
	case err != nil:
		run.Status = RunFailed
		run.Errors = []string{err.Error()}
		s.log.Error().Err(err).Str("run_id", run.ID).Msg("sweep failed")
	case len(res.Errors) > 0:
		run.Status = RunPartial
		for _, we := range res.Errors {
			run.Errors = append(run.Errors, we.Error())
		}
		s.log.Warn().Str("run_id", run.ID).
			Int("wallets_failed", res.WalletsFailed).
			Int("batches_expired", res.BatchesExpired).
			Msg("sweep finished with errors")
	default:
		run.Status = RunCompleted
		s.log.Info().Str("run_id", run.ID).
			Int("wallets", res.WalletsScanned).
			Int("batches_expired", res.BatchesExpired).
			Str("points_expired", res.PointsExpired.StringFixed(points.Scale)).
			Msg("sweep finished")
	}

	s.record(run)
	return run
}

func (s *ExpiryScheduler) record(run SweepRun) {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()

	limit := s.History
	if limit <= 0 {
		limit = defaultRunHistory
	}
	s.runs = append([]SweepRun{run}, s.runs...)
	if len(s.runs) > limit {
		s.runs = s.runs[:limit]
	}
}

// Runs returns the recorded runs, newest first.
func (s *ExpiryScheduler) Runs() []SweepRun {
	s.runsMu.RLock()
	defer s.runsMu.RUnlock()
	out := make([]SweepRun, len(s.runs))
	copy(out, s.runs)
	return out
}

// NextRunTime returns when the next scheduled sweep fires, or the zero
// time when the loop is not running.
func (s *ExpiryScheduler) NextRunTime() time.Time {
	s.runsMu.RLock()
	defer s.runsMu.RUnlock()
	return s.nextRun
}

func (s *ExpiryScheduler) setNextRun(t time.Time) {
	s.runsMu.Lock()
	s.nextRun = t
	s.runsMu.Unlock()
}
