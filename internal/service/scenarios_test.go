package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"catalog_syncer/internal/config"
	"catalog_syncer/internal/currency"
	"catalog_syncer/internal/domain"
	"catalog_syncer/internal/lock"
	"catalog_syncer/internal/source"
	"catalog_syncer/internal/storage/memory"
)

// blockingProducts blocks upserts of one external id until the context ends.
type blockingProducts struct {
	*memory.Products
	blockOn string
}

func (p *blockingProducts) Upsert(ctx context.Context, product *domain.CatalogProduct) (domain.UpsertOutcome, error) {
	if product.ExternalID == p.blockOn {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return p.Products.Upsert(ctx, product)
}

type SyncScenarioSuite struct {
	suite.Suite

	clock    *clockwork.FakeClock
	stores   *memory.Stores
	products *memory.Products
	runs     *memory.SyncRuns
	adapter  *fakeAdapter
	store    domain.Store
	cfg      config.SyncConfig
	logger   *slog.Logger
	service  *SyncService
}

func TestSyncScenarioSuite(t *testing.T) {
	suite.Run(t, new(SyncScenarioSuite))
}

func (s *SyncScenarioSuite) SetupTest() {
	s.clock = clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC))
	s.store = domain.Store{
		ID:          uuid.New(),
		Name:        "Nordic Home",
		CityID:      uuid.New(),
		Currency:    "EUR",
		Platform:    domain.PlatformWooCommerce,
		Credentials: json.RawMessage(`{}`),
		Status:      domain.StoreStatusActive,
	}
	s.stores = memory.NewStores(s.store)
	s.products = memory.NewProducts(s.clock)
	s.runs = memory.NewSyncRuns()
	s.adapter = &fakeAdapter{platform: domain.PlatformWooCommerce}
	s.cfg = config.SyncConfig{RunTimeout: time.Minute}
	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	s.service = s.newService(s.products)
}

func (s *SyncScenarioSuite) newService(products ProductStore) *SyncService {
	converter, err := currency.NewConverter("EUR", map[string]float64{"CZK": 25})
	s.Require().NoError(err)

	return NewSyncService(
		s.stores,
		products,
		s.runs,
		memory.TransactionManager{},
		lock.NewLocal(),
		source.NewRegistry(s.adapter),
		converter,
		nil,
		nil,
		s.clock,
		s.logger,
		s.cfg,
	)
}

func (s *SyncScenarioSuite) run(mode domain.SyncMode) (*domain.SyncRun, error) {
	s.clock.Advance(time.Second)
	return s.service.Run(context.Background(), s.store.ID, mode, domain.SyncTriggerScheduled)
}

func (s *SyncScenarioSuite) lastSyncedAt() *time.Time {
	st, err := s.stores.Get(context.Background(), s.store.ID)
	s.Require().NoError(err)
	return st.LastSyncedAt
}

func (s *SyncScenarioSuite) requireTerminalInvariant() {
	runs, err := s.runs.ListByStore(context.Background(), s.store.ID, 100)
	s.Require().NoError(err)
	for _, run := range runs {
		if run.Status.IsTerminal() {
			s.Require().NotNil(run.CompletedAt)
			s.False(run.CompletedAt.Before(run.StartedAt))
		} else {
			s.Nil(run.CompletedAt)
		}
	}
}

func (s *SyncScenarioSuite) TestFirstSync() {
	s.adapter.fetch = returning([]domain.ProductRecord{
		record("A", "Sofa", "100"),
		record("B", "Chair", "50"),
		record("C", "Lamp", "20"),
	}, nil)

	run, err := s.run(domain.SyncModeDelta)

	s.Require().NoError(err)
	s.Equal(domain.SyncStatusSuccess, run.Status)
	s.Equal(3, run.ItemsSynced)
	s.Empty(run.Errors)
	s.Equal("Synced 3 products", run.Message)
	s.Len(s.products.List(s.store.ID), 3)
	s.Require().NotNil(s.lastSyncedAt())
	s.Equal(*run.CompletedAt, *s.lastSyncedAt())

	stored := s.products.Get(s.store.ID, "A")
	s.Require().NotNil(stored)
	s.Equal("EUR", stored.Currency)
	s.Equal(s.store.CityID, stored.CityID)
	s.requireTerminalInvariant()
}

func (s *SyncScenarioSuite) TestRepeatedSyncIsIdempotent() {
	s.adapter.fetch = returning([]domain.ProductRecord{
		record("A", "Sofa", "100"),
		record("B", "Chair", "50"),
	}, nil)

	_, err := s.run(domain.SyncModeDelta)
	s.Require().NoError(err)
	before := s.products.List(s.store.ID)

	run, err := s.run(domain.SyncModeDelta)
	s.Require().NoError(err)
	after := s.products.List(s.store.ID)

	s.Equal(2, run.ItemsSynced)
	s.Require().Len(after, len(before))
	for i := range before {
		s.Equal(before[i].ID, after[i].ID)
		s.Equal(before[i].Title, after[i].Title)
		s.True(before[i].Price.Equal(after[i].Price))
		s.Equal(before[i].CreatedAt, after[i].CreatedAt)
	}
}

func (s *SyncScenarioSuite) TestUpdateAndCreate() {
	s.adapter.fetch = returning([]domain.ProductRecord{record("A", "Sofa", "100")}, nil)
	_, err := s.run(domain.SyncModeDelta)
	s.Require().NoError(err)
	original := s.products.Get(s.store.ID, "A")
	s.Require().NotNil(original)
	firstSyncedAt := *s.lastSyncedAt()

	s.adapter.fetch = returning([]domain.ProductRecord{
		record("A", "Sofa", "120"),
		record("B", "Chair", "50"),
	}, nil)
	run, err := s.run(domain.SyncModeDelta)

	s.Require().NoError(err)
	s.Equal(2, run.ItemsSynced)
	s.Empty(run.Errors)
	s.Len(s.products.List(s.store.ID), 2)

	updated := s.products.Get(s.store.ID, "A")
	s.Require().NotNil(updated)
	s.Equal(original.ID, updated.ID)
	s.True(updated.Price.Equal(decimal.NewFromInt(120)), updated.Price.String())
	s.Equal(original.CreatedAt, updated.CreatedAt)
	s.True(updated.UpdatedAt.After(original.UpdatedAt))

	created := s.products.Get(s.store.ID, "B")
	s.Require().NotNil(created)
	s.True(created.Price.Equal(decimal.NewFromInt(50)))
	s.NotEqual(original.ID, created.ID)

	s.True(s.lastSyncedAt().After(firstSyncedAt))
	s.Equal(*run.CompletedAt, *s.lastSyncedAt())
}

func (s *SyncScenarioSuite) TestPartialFailure() {
	s.adapter.fetch = returning([]domain.ProductRecord{
		record("A", "Sofa", "100"),
		record("B", "   ", "50"),
		record("C", "Lamp", "20"),
	}, nil)

	run, err := s.run(domain.SyncModeDelta)

	s.Require().NoError(err)
	s.Equal(domain.SyncStatusSuccess, run.Status)
	s.Equal(2, run.ItemsSynced)
	s.Require().Len(run.Errors, 1)
	s.Equal("B", run.Errors[0].ExternalID)
	s.Nil(s.products.Get(s.store.ID, "B"))
	s.Len(s.products.List(s.store.ID), 2)
}

func (s *SyncScenarioSuite) TestPartialFailureOneOfTen() {
	records := make([]domain.ProductRecord, 0, 10)
	for i := range 10 {
		records = append(records, record(fmt.Sprintf("P%d", i), fmt.Sprintf("Product %d", i), "10"))
	}
	records[6].Title = ""
	s.adapter.fetch = returning(records, nil)

	run, err := s.run(domain.SyncModeDelta)

	s.Require().NoError(err)
	s.Equal(domain.SyncStatusSuccess, run.Status)
	s.Equal(9, run.ItemsSynced)
	s.Require().Len(run.Errors, 1)
	s.Equal("P6", run.Errors[0].ExternalID)
	s.False(run.Errors[0].Fatal)
	s.Len(s.products.List(s.store.ID), 9)
	s.Nil(s.products.Get(s.store.ID, "P6"))
	s.NotNil(s.lastSyncedAt())
	s.requireTerminalInvariant()
}

func (s *SyncScenarioSuite) TestFullReconciliationSoftRemoves() {
	s.adapter.fetch = returning([]domain.ProductRecord{
		record("A", "Sofa", "100"),
		record("B", "Chair", "50"),
		record("C", "Lamp", "20"),
	}, nil)
	_, err := s.run(domain.SyncModeDelta)
	s.Require().NoError(err)

	s.adapter.fetch = returning([]domain.ProductRecord{
		record("A", "Sofa", "100"),
		record("B", "Chair", "50"),
	}, nil)
	run, err := s.run(domain.SyncModeFull)

	s.Require().NoError(err)
	s.Equal(2, run.ItemsSynced)
	s.Equal(1, run.ItemsRemoved)
	s.Equal("Synced 2 products, marked 1 unavailable", run.Message)

	c := s.products.Get(s.store.ID, "C")
	s.Require().NotNil(c)
	s.False(c.Availability)
	s.True(s.products.Get(s.store.ID, "A").Availability)
}

func (s *SyncScenarioSuite) TestDeltaNeverSoftRemoves() {
	s.adapter.fetch = returning([]domain.ProductRecord{record("A", "Sofa", "100"), record("B", "Chair", "50")}, nil)
	_, err := s.run(domain.SyncModeDelta)
	s.Require().NoError(err)

	s.adapter.fetch = returning([]domain.ProductRecord{record("A", "Sofa", "100")}, nil)
	run, err := s.run(domain.SyncModeDelta)

	s.Require().NoError(err)
	s.Equal(0, run.ItemsRemoved)
	s.True(s.products.Get(s.store.ID, "B").Availability)
}

func (s *SyncScenarioSuite) TestFullReconciliationKeepsInvalidFetchedItems() {
	s.adapter.fetch = returning([]domain.ProductRecord{record("A", "Sofa", "100"), record("B", "Chair", "50")}, nil)
	_, err := s.run(domain.SyncModeDelta)
	s.Require().NoError(err)

	s.adapter.fetch = returning([]domain.ProductRecord{record("A", "Sofa", "100"), record("B", "Chair", "-1")}, nil)
	run, err := s.run(domain.SyncModeFull)

	s.Require().NoError(err)
	s.Equal(0, run.ItemsRemoved)
	s.Len(run.Errors, 1)
	s.True(s.products.Get(s.store.ID, "B").Availability)
}

func (s *SyncScenarioSuite) TestAdapterAuthFailure() {
	s.adapter.fetch = returning([]domain.ProductRecord{record("A", "Sofa", "100")}, nil)
	first, err := s.run(domain.SyncModeDelta)
	s.Require().NoError(err)
	syncedAt := *s.lastSyncedAt()
	before := s.products.List(s.store.ID)

	s.adapter.fetch = returning(nil, source.ErrAuthFailed)
	run, err := s.run(domain.SyncModeDelta)

	s.ErrorIs(err, source.ErrAuthFailed)
	s.Equal(domain.SyncStatusFailed, run.Status)
	s.Equal(0, run.ItemsSynced)
	s.Require().Len(run.Errors, 1)
	s.True(run.Errors[0].Fatal)
	s.Equal(syncedAt, *s.lastSyncedAt())
	s.Equal(*first.CompletedAt, syncedAt)
	s.Equal(before, s.products.List(s.store.ID))
	s.requireTerminalInvariant()
}

func (s *SyncScenarioSuite) TestMutualExclusion() {
	ctx := context.Background()
	s.adapter.fetch = returning([]domain.ProductRecord{record("A", "Sofa", "100")}, nil)

	ack, exec, err := s.service.Begin(ctx, s.store.ID, domain.SyncModeDelta, domain.SyncTriggerManual)
	s.Require().NoError(err)
	s.Equal(domain.SyncStatusInProgress, ack.Status)

	_, _, err = s.service.Begin(ctx, s.store.ID, domain.SyncModeFull, domain.SyncTriggerScheduled)
	s.ErrorIs(err, domain.ErrRunInProgress)

	runs, err := s.runs.ListByStore(ctx, s.store.ID, 10)
	s.Require().NoError(err)
	s.Len(runs, 1)

	_, err = exec(ctx)
	s.Require().NoError(err)

	_, err = s.run(domain.SyncModeDelta)
	s.NoError(err)
}

func (s *SyncScenarioSuite) TestConcurrentTriggersSingleRun() {
	ctx := context.Background()
	s.adapter.fetch = returning(nil, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var execs []ExecFunc
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, exec, err := s.service.Begin(ctx, s.store.ID, domain.SyncModeDelta, domain.SyncTriggerManual); err == nil {
				mu.Lock()
				execs = append(execs, exec)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.Require().Len(execs, 1)
	_, err := execs[0](ctx)
	s.NoError(err)
}

func (s *SyncScenarioSuite) TestNonActiveStoreRejected() {
	paused := s.store
	paused.Status = domain.StoreStatusPaused
	s.stores.Put(paused)

	_, err := s.run(domain.SyncModeDelta)

	s.ErrorIs(err, domain.ErrStoreNotActive)
	runs, err := s.runs.ListByStore(context.Background(), s.store.ID, 10)
	s.Require().NoError(err)
	s.Empty(runs)
}

func (s *SyncScenarioSuite) TestTimeoutMidLoopKeepsCommittedWork() {
	s.cfg.RunTimeout = 50 * time.Millisecond
	s.service = s.newService(&blockingProducts{Products: s.products, blockOn: "B"})
	s.adapter.fetch = returning([]domain.ProductRecord{
		record("A", "Sofa", "100"),
		record("B", "Chair", "50"),
		record("C", "Lamp", "20"),
	}, nil)

	run, err := s.run(domain.SyncModeFull)

	s.ErrorIs(err, domain.ErrRunTimedOut)
	s.Equal(domain.SyncStatusFailed, run.Status)
	s.Equal(1, run.ItemsSynced)
	s.Require().NotEmpty(run.Errors)
	s.True(run.Errors[len(run.Errors)-1].Fatal)
	s.NotNil(s.products.Get(s.store.ID, "A"))
	s.Nil(s.products.Get(s.store.ID, "C"))
	s.Nil(s.lastSyncedAt())
	s.requireTerminalInvariant()
}

func (s *SyncScenarioSuite) TestTimeoutDuringFetch() {
	s.cfg.RunTimeout = 20 * time.Millisecond
	s.service = s.newService(s.products)
	s.adapter.fetch = func(ctx context.Context) ([]domain.ProductRecord, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	run, err := s.run(domain.SyncModeDelta)

	s.ErrorIs(err, domain.ErrRunTimedOut)
	s.Equal(domain.SyncStatusFailed, run.Status)
	s.Require().Len(run.Errors, 1)
}

func (s *SyncScenarioSuite) TestPriceConvertedToStoreCurrency() {
	r := record("A", "Sofa", "250")
	r.Currency = "CZK"
	s.adapter.fetch = returning([]domain.ProductRecord{r, {ExternalID: "B", Title: "Rug", Price: decimal.NewFromInt(5), Currency: "QQQ"}}, nil)

	run, err := s.run(domain.SyncModeDelta)

	s.Require().NoError(err)
	s.Equal(1, run.ItemsSynced)
	s.Require().Len(run.Errors, 1)
	s.Equal("B", run.Errors[0].ExternalID)

	stored := s.products.Get(s.store.ID, "A")
	s.Require().NotNil(stored)
	s.True(stored.Price.Equal(decimal.NewFromInt(10)), stored.Price.String())
	s.Equal("EUR", stored.Currency)
}

func (s *SyncScenarioSuite) TestDuplicateExternalIDsLastWins() {
	s.adapter.fetch = returning([]domain.ProductRecord{
		record("A", "Sofa", "100"),
		record("A", "Sofa Deluxe", "120"),
	}, nil)

	run, err := s.run(domain.SyncModeDelta)

	s.Require().NoError(err)
	s.Equal(2, run.ItemsSynced)
	s.Len(s.products.List(s.store.ID), 1)
	s.Equal("Sofa Deluxe", s.products.Get(s.store.ID, "A").Title)
}

func (s *SyncScenarioSuite) TestRecoverStale() {
	ctx := context.Background()
	abandoned := domain.NewSyncRun(s.store.ID, domain.SyncModeDelta, domain.SyncTriggerScheduled, s.clock.Now())
	s.Require().NoError(s.runs.Create(ctx, abandoned))

	s.clock.Advance(s.cfg.RunTimeout + staleGrace + time.Second)
	n, err := s.service.RecoverStale(ctx)

	s.Require().NoError(err)
	s.Equal(int64(1), n)
	s.Equal(domain.SyncStatusFailed, s.runs.Get(abandoned.ID).Status)

	s.adapter.fetch = returning(nil, nil)
	_, err = s.run(domain.SyncModeDelta)
	s.NoError(err)
	s.requireTerminalInvariant()
}
