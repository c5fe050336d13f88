package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"catalog_syncer/internal/domain"
)

// StoreStore reads merchant stores together with the currency of their city.
type StoreStore struct {
	db *sqlx.DB
}

func NewStoreStore(db *sqlx.DB) *StoreStore {
	return &StoreStore{db: db}
}

const storeSelect = `
	SELECT s.id, s.name, s.city_id, c.currency, s.platform, s.credentials,
		s.status, s.last_synced_at
	FROM stores s
	JOIN cities c ON c.id = s.city_id`

func (s *StoreStore) Get(ctx context.Context, id uuid.UUID) (*domain.Store, error) {
	var store domain.Store
	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &store, storeSelect+` WHERE s.id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrStoreNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get store: %w", err)
	}
	return &store, nil
}

func (s *StoreStore) ListActive(ctx context.Context) ([]domain.Store, error) {
	var stores []domain.Store
	err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &stores,
		storeSelect+` WHERE s.status = $1 ORDER BY s.created_at, s.id`, domain.StoreStatusActive)
	if err != nil {
		return nil, fmt.Errorf("list active stores: %w", err)
	}
	return stores, nil
}

func (s *StoreStore) UpdateLastSynced(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE stores SET last_synced_at = $2, updated_at = NOW() WHERE id = $1`

	res, err := GetExecutor(ctx, s.db).ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("update last synced: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update last synced: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrStoreNotFound, id)
	}
	return nil
}
