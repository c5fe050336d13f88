package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"catalog_syncer/internal/domain"
)

type ProductStore struct {
	db *sqlx.DB
}

func NewProductStore(db *sqlx.DB) *ProductStore {
	return &ProductStore{db: db}
}

// Upsert writes the product keyed by (store_id, external_id). On conflict the
// existing row keeps its id and created_at; product is updated with the stored
// values.
func (s *ProductStore) Upsert(ctx context.Context, product *domain.CatalogProduct) (domain.UpsertOutcome, error) {
	query := `
		INSERT INTO catalog_products (
			id, store_id, city_id, external_id, title, description, price,
			currency, images, category, availability, sku, url
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
		ON CONFLICT (store_id, external_id) DO UPDATE SET
			city_id = EXCLUDED.city_id,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			price = EXCLUDED.price,
			currency = EXCLUDED.currency,
			images = EXCLUDED.images,
			category = EXCLUDED.category,
			availability = EXCLUDED.availability,
			sku = EXCLUDED.sku,
			url = EXCLUDED.url,
			updated_at = NOW()
		RETURNING id, created_at, updated_at, (xmax = 0) AS inserted`

	images := pq.StringArray(product.Images)
	if images == nil {
		images = pq.StringArray{}
	}

	var inserted bool
	err := GetExecutor(ctx, s.db).QueryRowxContext(ctx, query,
		product.ID,
		product.StoreID,
		product.CityID,
		product.ExternalID,
		product.Title,
		product.Description,
		product.Price,
		product.Currency,
		images,
		product.Category,
		product.Availability,
		product.SKU,
		product.URL,
	).Scan(&product.ID, &product.CreatedAt, &product.UpdatedAt, &inserted)
	if err != nil {
		return 0, fmt.Errorf("upsert product %s: %w", product.ExternalID, err)
	}

	if inserted {
		return domain.UpsertCreated, nil
	}
	return domain.UpsertUpdated, nil
}

// MarkUnavailable soft-removes products; rows already unavailable are not counted.
func (s *ProductStore) MarkUnavailable(ctx context.Context, storeID uuid.UUID, externalIDs []string) (int64, error) {
	if len(externalIDs) == 0 {
		return 0, nil
	}

	query := `
		UPDATE catalog_products
		SET availability = FALSE, updated_at = NOW()
		WHERE store_id = $1 AND external_id = ANY($2) AND availability`

	res, err := GetExecutor(ctx, s.db).ExecContext(ctx, query, storeID, pq.Array(externalIDs))
	if err != nil {
		return 0, fmt.Errorf("mark products unavailable: %w", err)
	}
	return res.RowsAffected()
}

func (s *ProductStore) ListAvailableExternalIDs(ctx context.Context, storeID uuid.UUID) ([]string, error) {
	query := `
		SELECT external_id
		FROM catalog_products
		WHERE store_id = $1 AND availability
		ORDER BY external_id`

	var ids []string
	if err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &ids, query, storeID); err != nil {
		return nil, fmt.Errorf("list available products: %w", err)
	}
	return ids, nil
}
