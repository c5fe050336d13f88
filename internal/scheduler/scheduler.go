package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"catalog_syncer/internal/config"
	"catalog_syncer/internal/domain"
	"catalog_syncer/internal/service"
)

var ErrStopped = errors.New("scheduler stopped")

// Syncer starts and executes runs for a single store.
type Syncer interface {
	Begin(ctx context.Context, storeID uuid.UUID, mode domain.SyncMode, trigger domain.SyncTrigger) (*domain.SyncRun, service.ExecFunc, error)
	RecoverStale(ctx context.Context) (int64, error)
}

type StoreLister interface {
	ListActive(ctx context.Context) ([]domain.Store, error)
}

// CycleResult summarizes one fan-out over all active stores.
type CycleResult struct {
	Mode      domain.SyncMode
	Stores    int
	Succeeded int
	Failed    int
	Skipped   int
}

type Scheduler struct {
	syncer Syncer
	stores StoreLister
	clock  clockwork.Clock
	config config.SyncConfig
	logger *slog.Logger

	reconcileHour   int
	reconcileMinute int
	lastReconcile   string

	// slots caps concurrent runs across scheduled cycles and on-demand triggers.
	slots *semaphore.Weighted

	// on-demand runs outlive the request that triggered them
	runCtx    context.Context
	cancelRun context.CancelFunc
	mu        sync.Mutex
	stopped   bool
	inflight  sync.WaitGroup
}

func NewScheduler(syncer Syncer, stores StoreLister, clk clockwork.Clock, cfg config.SyncConfig, logger *slog.Logger) (*Scheduler, error) {
	hour, minute, err := cfg.ReconcileTime()
	if err != nil {
		return nil, err
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		syncer:          syncer,
		stores:          stores,
		clock:           clk,
		config:          cfg,
		logger:          logger,
		reconcileHour:   hour,
		reconcileMinute: minute,
		slots:           semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		runCtx:          runCtx,
		cancelRun:       cancel,
	}, nil
}

// Start runs the delta and reconciliation cadences until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started",
		"delta_interval", s.config.DeltaInterval,
		"reconcile_at", s.config.ReconcileAt,
		"max_concurrent", s.config.MaxConcurrent,
	)

	// A process started after today's reconciliation time waits for tomorrow.
	if now := s.clock.Now(); !now.Before(s.reconcileTime(now)) {
		s.lastReconcile = now.Format(time.DateOnly)
	}

	if s.config.RunOnStart {
		s.RunCycle(ctx, domain.SyncModeDelta)
	}

	delta := s.clock.NewTicker(s.config.DeltaInterval)
	defer delta.Stop()
	check := s.clock.NewTicker(s.config.CheckInterval)
	defer check.Stop()

	// Both cadences share this loop, so a running cycle delays the other tick.
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-delta.Chan():
			s.RunCycle(ctx, domain.SyncModeDelta)
		case now := <-check.Chan():
			if s.reconcileDue(now) {
				s.RunCycle(ctx, domain.SyncModeFull)
			}
		}
	}
}

func (s *Scheduler) reconcileTime(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), s.reconcileHour, s.reconcileMinute, 0, 0, now.Location())
}

func (s *Scheduler) reconcileDue(now time.Time) bool {
	today := now.Format(time.DateOnly)
	if s.lastReconcile == today || now.Before(s.reconcileTime(now)) {
		return false
	}
	s.lastReconcile = today
	return true
}

// RunCycle syncs every active store in the given mode with bounded
// concurrency. Per-store failures are logged and counted, never returned.
func (s *Scheduler) RunCycle(ctx context.Context, mode domain.SyncMode) CycleResult {
	result := CycleResult{Mode: mode}
	started := s.clock.Now()

	if _, err := s.syncer.RecoverStale(ctx); err != nil {
		s.logger.Error("failed to recover stale runs", "error", err)
	}

	stores, err := s.stores.ListActive(ctx)
	if err != nil {
		s.logger.Error("failed to list active stores", "mode", mode, "error", err)
		return result
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.config.MaxConcurrent)

	active := make([]domain.Store, 0, len(stores))
	for _, store := range stores {
		if !store.IsActive() {
			result.Skipped++
			continue
		}
		active = append(active, store)
	}
	result.Stores = len(active)

	for _, store := range active {
		g.Go(func() error {
			outcome := s.syncStore(ctx, store.ID, mode)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeSucceeded:
				result.Succeeded++
			case outcomeFailed:
				result.Failed++
			case outcomeSkipped:
				result.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("sync cycle completed",
		"mode", mode,
		"stores", result.Stores,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"duration", s.clock.Now().Sub(started),
	)
	return result
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeSkipped
)

func (s *Scheduler) syncStore(ctx context.Context, storeID uuid.UUID, mode domain.SyncMode) outcome {
	logger := s.logger.With("store_id", storeID, "mode", mode)

	if err := s.slots.Acquire(ctx, 1); err != nil {
		logger.Info("store skipped", "reason", err)
		return outcomeSkipped
	}
	defer s.slots.Release(1)

	_, exec, err := s.syncer.Begin(ctx, storeID, mode, domain.SyncTriggerScheduled)
	switch {
	case errors.Is(err, domain.ErrRunInProgress), errors.Is(err, domain.ErrStoreNotActive):
		logger.Info("store skipped", "reason", err)
		return outcomeSkipped
	case err != nil:
		logger.Error("failed to start sync", "error", err)
		return outcomeFailed
	}

	if _, err := exec(ctx); err != nil {
		return outcomeFailed
	}
	return outcomeSucceeded
}

// Trigger starts an on-demand DELTA run. The IN_PROGRESS run is returned as
// soon as it is recorded; execution continues in the background once a run
// slot is free.
func (s *Scheduler) Trigger(ctx context.Context, storeID uuid.UUID) (*domain.SyncRun, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	ack, exec, err := s.syncer.Begin(ctx, storeID, domain.SyncModeDelta, domain.SyncTriggerManual)
	if err != nil {
		s.inflight.Done()
		return nil, err
	}

	go func() {
		defer s.inflight.Done()
		// A canceled wait still executes so the run is finalized.
		if err := s.slots.Acquire(s.runCtx, 1); err == nil {
			defer s.slots.Release(1)
		}
		if _, err := exec(s.runCtx); err != nil {
			s.logger.Warn("on-demand sync failed", "store_id", storeID, "run_id", ack.ID, "error", err)
		}
	}()

	return ack, nil
}

// Stop rejects new on-demand runs and waits for the ones in flight. When ctx
// expires first the remaining runs are canceled and finalized as FAILED.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelRun()
		return nil
	case <-ctx.Done():
		s.cancelRun()
		<-done
		return ctx.Err()
	}
}
