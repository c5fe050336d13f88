package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"catalog_syncer/internal/domain"
	"catalog_syncer/internal/source"
)

type StoreStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Store, error)
	ListActive(ctx context.Context) ([]domain.Store, error)
	UpdateLastSynced(ctx context.Context, id uuid.UUID, at time.Time) error
}

type ProductStore interface {
	Upsert(ctx context.Context, product *domain.CatalogProduct) (domain.UpsertOutcome, error)
	MarkUnavailable(ctx context.Context, storeID uuid.UUID, externalIDs []string) (int64, error)
	ListAvailableExternalIDs(ctx context.Context, storeID uuid.UUID) ([]string, error)
}

type SyncRunStore interface {
	Create(ctx context.Context, run *domain.SyncRun) error
	Finalize(ctx context.Context, run *domain.SyncRun) error
	ListByStore(ctx context.Context, storeID uuid.UUID, limit int) ([]domain.SyncRun, error)
	ListRecent(ctx context.Context, limit int) ([]domain.SyncRun, error)
	FailStale(ctx context.Context, before, at time.Time, message string) (int64, error)
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Locker guards a store against concurrent runs. Acquire reports false when
// the key is already held.
type Locker interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type AdapterRegistry interface {
	Get(platform domain.Platform) (source.Adapter, error)
}

type Converter interface {
	Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}

type Publisher interface {
	PublishProduct(ctx context.Context, product *domain.CatalogProduct, outcome domain.UpsertOutcome) error
	PublishRun(ctx context.Context, run *domain.SyncRun) error
	Close() error
}

type RunObserver interface {
	ObserveItem(platform domain.Platform, result string)
	ObserveRun(platform domain.Platform, run *domain.SyncRun)
}
