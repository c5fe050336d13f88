package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"catalog_syncer/internal/config"
	"catalog_syncer/internal/domain"
)

// staleGrace is added to the run timeout before an IN_PROGRESS run is
// considered abandoned.
const staleGrace = 5 * time.Minute

// Item results reported to the RunObserver.
const (
	ItemCreated = "created"
	ItemUpdated = "updated"
	ItemFailed  = "failed"
)

// ExecFunc executes a run acquired by Begin and returns it finalized. It must be
// called exactly once; it releases the store lock when it returns.
type ExecFunc func(ctx context.Context) (*domain.SyncRun, error)

type SyncService struct {
	stores    StoreStore
	products  ProductStore
	runs      SyncRunStore
	txManager TransactionManager
	locker    Locker
	adapters  AdapterRegistry
	converter Converter
	publisher Publisher
	observer  RunObserver
	clock     clockwork.Clock
	logger    *slog.Logger
	config    config.SyncConfig
}

// NewSyncService wires the coordinator. publisher and observer may be nil.
func NewSyncService(
	stores StoreStore,
	products ProductStore,
	runs SyncRunStore,
	txManager TransactionManager,
	locker Locker,
	adapters AdapterRegistry,
	converter Converter,
	publisher Publisher,
	observer RunObserver,
	clk clockwork.Clock,
	logger *slog.Logger,
	cfg config.SyncConfig,
) *SyncService {
	return &SyncService{
		stores:    stores,
		products:  products,
		runs:      runs,
		txManager: txManager,
		locker:    locker,
		adapters:  adapters,
		converter: converter,
		publisher: publisher,
		observer:  observer,
		clock:     clk,
		logger:    logger,
		config:    cfg,
	}
}

// Run acquires and executes a run for one store.
func (s *SyncService) Run(ctx context.Context, storeID uuid.UUID, mode domain.SyncMode, trigger domain.SyncTrigger) (*domain.SyncRun, error) {
	_, exec, err := s.Begin(ctx, storeID, mode, trigger)
	if err != nil {
		return nil, err
	}
	return exec(ctx)
}

// Begin checks the store, takes the per-store lock and records a new
// IN_PROGRESS run. The returned run is a snapshot for acknowledgment; the
// finalized run is returned by the ExecFunc. A rejected attempt records nothing.
func (s *SyncService) Begin(ctx context.Context, storeID uuid.UUID, mode domain.SyncMode, trigger domain.SyncTrigger) (*domain.SyncRun, ExecFunc, error) {
	store, err := s.stores.Get(ctx, storeID)
	if err != nil {
		return nil, nil, fmt.Errorf("get store: %w", err)
	}
	if !store.IsActive() {
		return nil, nil, fmt.Errorf("%w: status %s", domain.ErrStoreNotActive, store.Status)
	}

	key := lockKey(store.ID)
	acquired, err := s.locker.Acquire(ctx, key)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		return nil, nil, domain.ErrRunInProgress
	}

	run := domain.NewSyncRun(store.ID, mode, trigger, s.clock.Now())
	if err := s.runs.Create(ctx, run); err != nil {
		s.release(key)
		return nil, nil, fmt.Errorf("create sync run: %w", err)
	}

	ack := *run
	exec := func(ctx context.Context) (*domain.SyncRun, error) {
		defer s.release(key)
		return s.execute(ctx, store, run)
	}
	return &ack, exec, nil
}

// RecoverStale finalizes runs left IN_PROGRESS by a process that died.
func (s *SyncService) RecoverStale(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	before := now.Add(-(s.config.RunTimeout + staleGrace))

	n, err := s.runs.FailStale(ctx, before, now, "sync run abandoned without completion")
	if err != nil {
		return 0, fmt.Errorf("fail stale runs: %w", err)
	}
	if n > 0 {
		s.logger.Warn("recovered abandoned sync runs", "count", n)
	}
	return n, nil
}

func (s *SyncService) execute(ctx context.Context, store *domain.Store, run *domain.SyncRun) (*domain.SyncRun, error) {
	logger := s.logger.With(
		"store_id", store.ID,
		"run_id", run.ID,
		"mode", run.Mode,
	)
	logger.Info("starting sync",
		"platform", store.Platform,
		"trigger", run.Trigger,
	)

	runCtx, cancel := context.WithTimeout(ctx, s.config.RunTimeout)
	defer cancel()

	syncErr := s.sync(runCtx, logger, store, run)

	// Finalization must survive the run timeout.
	finalCtx := context.WithoutCancel(ctx)
	now := s.clock.Now()
	if syncErr != nil {
		run.Fail(now, syncErr)
	} else {
		run.Succeed(now)
	}

	if err := s.finalize(finalCtx, store, run); err != nil {
		logger.Error("failed to finalize sync run", "error", err)
		return run, fmt.Errorf("finalize sync run: %w", err)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishRun(finalCtx, run); err != nil {
			logger.Warn("failed to publish sync run", "error", err)
		}
	}
	if s.observer != nil {
		s.observer.ObserveRun(store.Platform, run)
	}

	if syncErr != nil {
		logger.Error("sync failed",
			"items_synced", run.ItemsSynced,
			"errors", len(run.Errors),
			"error", syncErr,
		)
		return run, syncErr
	}

	logger.Info("sync completed",
		"items_synced", run.ItemsSynced,
		"items_removed", run.ItemsRemoved,
		"errors", len(run.Errors),
		"duration", run.CompletedAt.Sub(run.StartedAt),
	)
	return run, nil
}

// sync returns only fatal errors; per-item failures are recorded on the run.
func (s *SyncService) sync(ctx context.Context, logger *slog.Logger, store *domain.Store, run *domain.SyncRun) error {
	adapter, err := s.adapters.Get(store.Platform)
	if err != nil {
		return err
	}

	records, err := adapter.FetchCatalog(ctx, store.Credentials)
	if err != nil {
		return runError(ctx, fmt.Errorf("fetch catalog: %w", err))
	}

	logger.Info("fetched catalog", "count", len(records))

	seen := make(map[string]struct{}, len(records))
	for i := range records {
		if err := ctx.Err(); err != nil {
			return runError(ctx, err)
		}

		record := &records[i]
		if record.ExternalID != "" {
			seen[record.ExternalID] = struct{}{}
		}

		if err := s.syncRecord(ctx, store, record); err != nil {
			logger.Warn("failed to sync product",
				"external_id", record.ExternalID,
				"error", err,
			)
			run.AddItemError(record.ExternalID, err)
			s.observeItem(store.Platform, ItemFailed)
			continue
		}
		run.ItemsSynced++
	}

	if run.Mode != domain.SyncModeFull {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return runError(ctx, err)
	}

	removed, err := s.removeMissing(ctx, store.ID, seen)
	if err != nil {
		logger.Warn("failed to mark missing products unavailable", "error", err)
		run.AddItemError("", err)
		return nil
	}
	run.ItemsRemoved = removed
	return nil
}

func (s *SyncService) syncRecord(ctx context.Context, store *domain.Store, record *domain.ProductRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	price, err := s.converter.Convert(record.Price, record.Currency, store.Currency)
	if err != nil {
		return fmt.Errorf("convert price: %w", err)
	}

	product := domain.NewCatalogProduct(store, record, price)
	outcome, err := s.products.Upsert(ctx, product)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishProduct(ctx, product, outcome); err != nil {
			s.logger.Warn("failed to publish product",
				"store_id", store.ID,
				"external_id", product.ExternalID,
				"error", err,
			)
		}
	}

	if outcome == domain.UpsertCreated {
		s.observeItem(store.Platform, ItemCreated)
	} else {
		s.observeItem(store.Platform, ItemUpdated)
	}
	return nil
}

// removeMissing soft-removes available products absent from this fetch.
func (s *SyncService) removeMissing(ctx context.Context, storeID uuid.UUID, seen map[string]struct{}) (int, error) {
	available, err := s.products.ListAvailableExternalIDs(ctx, storeID)
	if err != nil {
		return 0, fmt.Errorf("list available products: %w", err)
	}

	var missing []string
	for _, id := range available {
		if _, ok := seen[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	n, err := s.products.MarkUnavailable(ctx, storeID, missing)
	if err != nil {
		return 0, fmt.Errorf("mark unavailable: %w", err)
	}
	return int(n), nil
}

func (s *SyncService) finalize(ctx context.Context, store *domain.Store, run *domain.SyncRun) error {
	return s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.runs.Finalize(txCtx, run); err != nil {
			return fmt.Errorf("finalize run: %w", err)
		}
		if run.Status != domain.SyncStatusSuccess {
			return nil
		}
		if err := s.stores.UpdateLastSynced(txCtx, store.ID, *run.CompletedAt); err != nil {
			return fmt.Errorf("update last synced: %w", err)
		}
		return nil
	})
}

func (s *SyncService) release(key string) {
	if err := s.locker.Release(context.Background(), key); err != nil {
		s.logger.Error("failed to release lock", "key", key, "error", err)
	}
}

func (s *SyncService) observeItem(platform domain.Platform, result string) {
	if s.observer != nil {
		s.observer.ObserveItem(platform, result)
	}
}

func lockKey(storeID uuid.UUID) string {
	return "catalog_syncer:store:" + storeID.String()
}

// runError marks errors caused by the run deadline as timeouts.
func runError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrRunTimedOut) {
		return fmt.Errorf("%w: %w", domain.ErrRunTimedOut, err)
	}
	return err
}
