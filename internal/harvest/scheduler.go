package harvest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"oaiharvest/internal/platform/tracing"
)

type SchedulerConfig struct {
	// Interval is how often due collections are looked up.
	Interval time.Duration
	// MaxConcurrent caps the cycles running at once.
	MaxConcurrent int
	// Period is the minimum time between two harvests of a collection.
	Period time.Duration
	// ErrorRetryInterval re-queues OAI_ERROR rows after they have been left
	// alone this long. Zero leaves them for an operator.
	ErrorRetryInterval time.Duration
	// Options are used for every scheduled cycle.
	Options Options
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:           time.Minute,
		MaxConcurrent:      3,
		Period:             12 * time.Hour,
		ErrorRetryInterval: 2 * time.Hour,
		Options:            DefaultOptions(),
	}
}

// Scheduler polls for due collections and dispatches their cycles.
type Scheduler struct {
	svc      *Service
	statuses StatusStore
	cfg      SchedulerConfig
	sem      *semaphore.Weighted
	paused   atomic.Bool
	running  atomic.Bool
	inflight sync.WaitGroup
	logger   *zap.Logger
}

func NewScheduler(svc *Service, statuses StatusStore, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	d := DefaultSchedulerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = d.MaxConcurrent
	}
	if cfg.Period <= 0 {
		cfg.Period = d.Period
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		svc:      svc,
		statuses: statuses,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:   logger.Named("scheduler"),
	}
}

func (s *Scheduler) Pause() {
	if !s.paused.Swap(true) {
		s.logger.Info("harvest scheduler paused")
	}
}

func (s *Scheduler) Resume() {
	if s.paused.Swap(false) {
		s.logger.Info("harvest scheduler resumed")
	}
}

func (s *Scheduler) Paused() bool { return s.paused.Load() }

// Running reports whether Run is active.
func (s *Scheduler) Running() bool { return s.running.Load() }

// Run polls until ctx is cancelled, then waits for in-flight cycles.
// Cycles interrupted by the cancellation leave their rows READY.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("harvest scheduler already running")
	}
	defer s.running.Store(false)

	s.logger.Info("harvest scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("max_concurrent", s.cfg.MaxConcurrent),
		zap.Duration("period", s.cfg.Period),
	)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if !s.paused.Load() {
			s.Tick(ctx)
		}
		select {
		case <-ctx.Done():
			s.inflight.Wait()
			s.logger.Info("harvest scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick queues every due collection and starts a dispatcher for it. It
// returns how many collections were queued.
func (s *Scheduler) Tick(ctx context.Context) int {
	due, err := s.statuses.FindDue(ctx, time.Now().UTC(), s.cfg.Period, s.cfg.ErrorRetryInterval)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to find due collections", zap.Error(err))
		}
		return 0
	}

	queued := 0
	for _, hc := range due {
		if ctx.Err() != nil || s.paused.Load() {
			break
		}
		ok, err := s.statuses.CompareAndSetStatus(ctx, hc.CollectionID, []Status{StatusReady, StatusOAIError}, StatusQueued, nil)
		if err != nil {
			s.logger.Error("failed to queue collection", zap.Stringer("collection", hc.CollectionID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		queued++
		s.inflight.Add(1)
		go s.dispatch(ctx, hc.CollectionID)
	}
	if queued > 0 {
		s.logger.Debug("collections queued", zap.Int("count", queued))
	}
	return queued
}

// Wait blocks until every dispatched cycle has returned.
func (s *Scheduler) Wait() { s.inflight.Wait() }

func (s *Scheduler) dispatch(ctx context.Context, collectionID uuid.UUID) {
	defer s.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("harvest dispatch panicked", zap.Stringer("collection", collectionID), zap.Any("panic", r))
			s.release(collectionID, StatusOAIError, "dispatch panicked")
		}
	}()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.release(collectionID, StatusReady, "")
		return
	}
	defer s.sem.Release(1)

	if ctx.Err() != nil || s.paused.Load() {
		s.release(collectionID, StatusReady, "")
		return
	}

	ctx, span := tracing.StartSpan(ctx, "harvest.dispatch", attribute.String("collection.id", collectionID.String()))
	defer span.End()

	_, err := s.svc.runQueued(ctx, collectionID, s.cfg.Options)
	switch {
	case err == nil:
	case errors.Is(err, ErrConcurrencyConflict):
		s.logger.Debug("collection no longer queued", zap.Stringer("collection", collectionID))
	default:
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			s.release(collectionID, StatusOAIError, err.Error())
		} else {
			s.release(collectionID, StatusReady, "")
		}
		s.logger.Warn("scheduled harvest failed", zap.Stringer("collection", collectionID), zap.Error(err))
	}
}

// release takes a row this scheduler queued back out of QUEUED. Rows a
// cycle already moved on are left alone.
func (s *Scheduler) release(collectionID uuid.UUID, to Status, message string) {
	if message != "" {
		message = s.svc.policy.truncate(message)
	}
	_, err := s.statuses.ReleaseStatus(context.Background(), collectionID, []Status{StatusQueued}, to, message)
	if err != nil {
		s.logger.Error("failed to release queued collection", zap.Stringer("collection", collectionID), zap.Error(err))
	}
}
