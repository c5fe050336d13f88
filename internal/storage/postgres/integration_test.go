//go:build integration

package postgres

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"catalog_syncer/internal/domain"
	"catalog_syncer/testdata/utils"
)

type PostgresIntegrationSuite struct {
	suite.Suite
	ctx       context.Context
	container *postgres.PostgresContainer
	db        *sqlx.DB

	cityID  uuid.UUID
	storeID uuid.UUID
}

func (s *PostgresIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()

	migrationsPath, err := filepath.Abs("../../../migrations")
	s.Require().NoError(err)

	container, err := postgres.Run(s.ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test_db"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		postgres.WithInitScripts(
			filepath.Join(migrationsPath, "001_create_catalog.up.sql"),
			filepath.Join(migrationsPath, "002_create_sync_runs.up.sql"),
		),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	connStr, err := container.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)

	db, err := sqlx.Connect("postgres", connStr)
	s.Require().NoError(err)
	s.db = db
}

func (s *PostgresIntegrationSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func (s *PostgresIntegrationSuite) SetupTest() {
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM sync_runs")
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM catalog_products")
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM stores")
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM cities")

	s.cityID = uuid.New()
	s.storeID = uuid.New()

	_, err := s.db.ExecContext(s.ctx,
		`INSERT INTO cities (id, name, currency) VALUES ($1, $2, $3)`,
		s.cityID, "Praha", "CZK")
	s.Require().NoError(err)

	_, err = s.db.ExecContext(s.ctx,
		`INSERT INTO stores (id, name, city_id, platform, credentials, status) VALUES ($1, $2, $3, $4, $5, $6)`,
		s.storeID, "Nábytek Praha", s.cityID, "SHOPIFY", `{"shopUrl":"shop.example"}`, "ACTIVE")
	s.Require().NoError(err)
}

func TestPostgresIntegrationSuite(t *testing.T) {
	suite.Run(t, new(PostgresIntegrationSuite))
}

func (s *PostgresIntegrationSuite) newProduct(externalID, title string, price string) *domain.CatalogProduct {
	return &domain.CatalogProduct{
		ID:           uuid.New(),
		StoreID:      s.storeID,
		CityID:       s.cityID,
		ExternalID:   externalID,
		Title:        title,
		Description:  utils.Ptr("Solid oak"),
		Price:        decimal.RequireFromString(price),
		Currency:     "CZK",
		Images:       []string{"https://cdn.example/1.jpg"},
		Availability: true,
		URL:          utils.Ptr("https://shop.example/products/" + externalID),
	}
}

func (s *PostgresIntegrationSuite) TestMigrate_AlreadyApplied() {
	// Init scripts created the tables without a schema_migrations record, so
	// the migrator only gets to run against a fresh database.
	db, err := sqlx.Connect("postgres", s.mustConnStr("sslmode=disable"))
	s.Require().NoError(err)
	defer db.Close()

	_, err = db.ExecContext(s.ctx, "CREATE DATABASE migrate_test")
	s.Require().NoError(err)

	freshDB, err := sqlx.Connect("postgres", s.mustDBConnStr("migrate_test"))
	s.Require().NoError(err)
	defer freshDB.Close()

	logger := slog.New(slog.DiscardHandler)
	s.Require().NoError(Migrate(freshDB, logger))
	s.Require().NoError(Migrate(freshDB, logger))

	var count int
	err = freshDB.GetContext(s.ctx, &count, "SELECT COUNT(*) FROM sync_runs")
	s.NoError(err)
	s.Zero(count)
}

func (s *PostgresIntegrationSuite) mustConnStr(args ...string) string {
	connStr, err := s.container.ConnectionString(s.ctx, args...)
	s.Require().NoError(err)
	return connStr
}

func (s *PostgresIntegrationSuite) mustDBConnStr(dbName string) string {
	host, err := s.container.Host(s.ctx)
	s.Require().NoError(err)
	port, err := s.container.MappedPort(s.ctx, "5432/tcp")
	s.Require().NoError(err)
	return "host=" + host + " port=" + port.Port() + " user=test password=test dbname=" + dbName + " sslmode=disable"
}

func (s *PostgresIntegrationSuite) TestProductStore_Upsert_Insert() {
	store := NewProductStore(s.db)
	product := s.newProduct("A-1", "Oak table", "12990.00")

	outcome, err := store.Upsert(s.ctx, product)
	s.NoError(err)
	s.Equal(domain.UpsertCreated, outcome)
	s.False(product.CreatedAt.IsZero())

	var row struct {
		Title  string          `db:"title"`
		Price  decimal.Decimal `db:"price"`
		Images []byte          `db:"images"`
	}
	err = s.db.GetContext(s.ctx, &row,
		"SELECT title, price, images FROM catalog_products WHERE store_id = $1 AND external_id = $2",
		s.storeID, "A-1")
	s.NoError(err)
	s.Equal("Oak table", row.Title)
	s.True(decimal.RequireFromString("12990").Equal(row.Price))
	s.Equal(`{https://cdn.example/1.jpg}`, string(row.Images))
}

func (s *PostgresIntegrationSuite) TestProductStore_Upsert_UpdateKeepsIdentity() {
	store := NewProductStore(s.db)

	first := s.newProduct("A-1", "Oak table", "100.00")
	_, err := store.Upsert(s.ctx, first)
	s.Require().NoError(err)

	second := s.newProduct("A-1", "Oak table XL", "150.00")
	second.Images = nil
	outcome, err := store.Upsert(s.ctx, second)
	s.NoError(err)
	s.Equal(domain.UpsertUpdated, outcome)
	s.Equal(first.ID, second.ID)
	s.Equal(first.CreatedAt, second.CreatedAt)

	var count int
	err = s.db.GetContext(s.ctx, &count, "SELECT COUNT(*) FROM catalog_products WHERE store_id = $1", s.storeID)
	s.NoError(err)
	s.Equal(1, count)

	var title string
	err = s.db.GetContext(s.ctx, &title, "SELECT title FROM catalog_products WHERE id = $1", first.ID)
	s.NoError(err)
	s.Equal("Oak table XL", title)
}

func (s *PostgresIntegrationSuite) TestProductStore_Upsert_PriceChangeAndCreate() {
	store := NewProductStore(s.db)

	first := s.newProduct("A", "Sofa", "100")
	_, err := store.Upsert(s.ctx, first)
	s.Require().NoError(err)

	repriced := s.newProduct("A", "Sofa", "120")
	outcome, err := store.Upsert(s.ctx, repriced)
	s.Require().NoError(err)
	s.Equal(domain.UpsertUpdated, outcome)
	s.Equal(first.ID, repriced.ID)

	outcome, err = store.Upsert(s.ctx, s.newProduct("B", "Chair", "50"))
	s.Require().NoError(err)
	s.Equal(domain.UpsertCreated, outcome)

	var rows []struct {
		ID         uuid.UUID       `db:"id"`
		ExternalID string          `db:"external_id"`
		Price      decimal.Decimal `db:"price"`
	}
	err = s.db.SelectContext(s.ctx, &rows,
		"SELECT id, external_id, price FROM catalog_products WHERE store_id = $1 ORDER BY external_id", s.storeID)
	s.Require().NoError(err)
	s.Require().Len(rows, 2)

	s.Equal(first.ID, rows[0].ID)
	s.True(rows[0].Price.Equal(decimal.NewFromInt(120)), rows[0].Price.String())
	s.Equal("B", rows[1].ExternalID)
	s.True(rows[1].Price.Equal(decimal.NewFromInt(50)), rows[1].Price.String())
}

func (s *PostgresIntegrationSuite) TestProductStore_MarkUnavailable() {
	store := NewProductStore(s.db)

	for _, id := range []string{"A", "B", "C"} {
		_, err := store.Upsert(s.ctx, s.newProduct(id, "Item "+id, "10"))
		s.Require().NoError(err)
	}

	n, err := store.MarkUnavailable(s.ctx, s.storeID, []string{"B", "C", "missing"})
	s.NoError(err)
	s.Equal(int64(2), n)

	n, err = store.MarkUnavailable(s.ctx, s.storeID, []string{"B"})
	s.NoError(err)
	s.Zero(n)

	ids, err := store.ListAvailableExternalIDs(s.ctx, s.storeID)
	s.NoError(err)
	s.Equal([]string{"A"}, ids)
}

func (s *PostgresIntegrationSuite) TestStoreStore_GetAndUpdateLastSynced() {
	store := NewStoreStore(s.db)

	got, err := store.Get(s.ctx, s.storeID)
	s.Require().NoError(err)
	s.Equal("CZK", got.Currency)
	s.Equal(domain.PlatformShopify, got.Platform)
	s.Nil(got.LastSyncedAt)

	at := time.Now().UTC().Truncate(time.Microsecond)
	s.NoError(store.UpdateLastSynced(s.ctx, s.storeID, at))

	got, err = store.Get(s.ctx, s.storeID)
	s.Require().NoError(err)
	s.Require().NotNil(got.LastSyncedAt)
	s.WithinDuration(at, *got.LastSyncedAt, time.Millisecond)

	_, err = store.Get(s.ctx, uuid.New())
	s.ErrorIs(err, domain.ErrStoreNotFound)
}

func (s *PostgresIntegrationSuite) TestStoreStore_ListActive() {
	_, err := s.db.ExecContext(s.ctx,
		`INSERT INTO stores (id, name, city_id, platform, status) VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), "Paused shop", s.cityID, "WOOCOMMERCE", "PAUSED")
	s.Require().NoError(err)

	stores, err := NewStoreStore(s.db).ListActive(s.ctx)
	s.NoError(err)
	s.Require().Len(stores, 1)
	s.Equal(s.storeID, stores[0].ID)
}

func (s *PostgresIntegrationSuite) TestSyncRunStore_SingleInProgressPerStore() {
	runs := NewSyncRunStore(s.db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	first := domain.NewSyncRun(s.storeID, domain.SyncModeDelta, domain.SyncTriggerScheduled, now)
	s.Require().NoError(runs.Create(s.ctx, first))

	second := domain.NewSyncRun(s.storeID, domain.SyncModeFull, domain.SyncTriggerManual, now)
	s.ErrorIs(runs.Create(s.ctx, second), domain.ErrRunInProgress)

	first.ItemsSynced = 4
	first.AddItemError("X", domain.ErrInvalidRecord)
	first.Succeed(now.Add(time.Second))
	s.Require().NoError(runs.Finalize(s.ctx, first))

	s.NoError(runs.Create(s.ctx, second))

	s.ErrorIs(runs.Finalize(s.ctx, first), domain.ErrRunNotInProgress)
}

func (s *PostgresIntegrationSuite) TestSyncRunStore_ListOrdering() {
	runs := NewSyncRunStore(s.db)
	base := time.Now().UTC().Truncate(time.Microsecond)

	for i := range 3 {
		run := domain.NewSyncRun(s.storeID, domain.SyncModeDelta, domain.SyncTriggerScheduled, base.Add(time.Duration(i)*time.Minute))
		s.Require().NoError(runs.Create(s.ctx, run))
		run.ItemsSynced = i
		run.Succeed(run.StartedAt.Add(time.Second))
		s.Require().NoError(runs.Finalize(s.ctx, run))
	}

	list, err := runs.ListByStore(s.ctx, s.storeID, 2)
	s.NoError(err)
	s.Require().Len(list, 2)
	s.Equal(2, list[0].ItemsSynced)
	s.Equal(1, list[1].ItemsSynced)
	s.Equal(domain.ItemErrors{}, list[0].Errors)

	recent, err := runs.ListRecent(s.ctx, 10)
	s.NoError(err)
	s.Len(recent, 3)

	empty, err := runs.ListByStore(s.ctx, uuid.New(), 10)
	s.NoError(err)
	s.Empty(empty)
}

func (s *PostgresIntegrationSuite) TestSyncRunStore_FailStale() {
	runs := NewSyncRunStore(s.db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	stale := domain.NewSyncRun(s.storeID, domain.SyncModeFull, domain.SyncTriggerScheduled, now.Add(-time.Hour))
	s.Require().NoError(runs.Create(s.ctx, stale))

	n, err := runs.FailStale(s.ctx, now.Add(-30*time.Minute), now, "sync run abandoned without completion")
	s.NoError(err)
	s.Equal(int64(1), n)

	list, err := runs.ListByStore(s.ctx, s.storeID, 1)
	s.Require().NoError(err)
	s.Require().Len(list, 1)
	s.Equal(domain.SyncStatusFailed, list[0].Status)
	s.Require().NotNil(list[0].CompletedAt)
	s.Require().Len(list[0].Errors, 1)
	s.True(list[0].Errors[0].Fatal)

	fresh := domain.NewSyncRun(s.storeID, domain.SyncModeDelta, domain.SyncTriggerManual, now)
	s.Require().NoError(runs.Create(s.ctx, fresh))

	n, err = runs.FailStale(s.ctx, now.Add(-30*time.Minute), now, "abandoned")
	s.NoError(err)
	s.Zero(n)
}

func (s *PostgresIntegrationSuite) TestTransaction_Commit() {
	tm := NewTransactionManager(s.db)
	runs := NewSyncRunStore(s.db)
	stores := NewStoreStore(s.db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	run := domain.NewSyncRun(s.storeID, domain.SyncModeDelta, domain.SyncTriggerManual, now)
	s.Require().NoError(runs.Create(s.ctx, run))
	run.Succeed(now.Add(time.Second))

	err := tm.WithTransaction(s.ctx, func(ctx context.Context) error {
		if err := runs.Finalize(ctx, run); err != nil {
			return err
		}
		return stores.UpdateLastSynced(ctx, s.storeID, *run.CompletedAt)
	})
	s.NoError(err)

	got, err := stores.Get(s.ctx, s.storeID)
	s.Require().NoError(err)
	s.NotNil(got.LastSyncedAt)
}

func (s *PostgresIntegrationSuite) TestTransaction_Rollback() {
	tm := NewTransactionManager(s.db)
	runs := NewSyncRunStore(s.db)
	stores := NewStoreStore(s.db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	run := domain.NewSyncRun(s.storeID, domain.SyncModeDelta, domain.SyncTriggerManual, now)
	s.Require().NoError(runs.Create(s.ctx, run))
	run.Succeed(now.Add(time.Second))

	err := tm.WithTransaction(s.ctx, func(ctx context.Context) error {
		if err := runs.Finalize(ctx, run); err != nil {
			return err
		}
		return stores.UpdateLastSynced(ctx, uuid.New(), now)
	})
	s.ErrorIs(err, domain.ErrStoreNotFound)

	list, err := runs.ListByStore(s.ctx, s.storeID, 1)
	s.Require().NoError(err)
	s.Require().Len(list, 1)
	s.Equal(domain.SyncStatusInProgress, list[0].Status)
}
