package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProductRecord is the normalized product shape every platform adapter produces.
type ProductRecord struct {
	ExternalID   string
	Title        string
	Description  *string
	Price        decimal.Decimal
	Currency     string // empty when the platform reports prices in the store currency
	Images       []string
	Category     *string
	Availability bool
	SKU          *string
	URL          *string

	// DecodeErr is set by an adapter when a platform field could not be decoded.
	DecodeErr error
}

// Validate performs the minimal checks a record must pass before it is persisted.
func (r *ProductRecord) Validate() error {
	if r.DecodeErr != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, r.DecodeErr)
	}
	if strings.TrimSpace(r.ExternalID) == "" {
		return fmt.Errorf("%w: missing external id", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: empty title", ErrInvalidRecord)
	}
	if r.Price.IsNegative() {
		return fmt.Errorf("%w: negative price %s", ErrInvalidRecord, r.Price.String())
	}
	return nil
}

// CatalogProduct is the persisted product, unique per (StoreID, ExternalID).
type CatalogProduct struct {
	ID           uuid.UUID       `db:"id"`
	StoreID      uuid.UUID       `db:"store_id"`
	CityID       uuid.UUID       `db:"city_id"`
	ExternalID   string          `db:"external_id"`
	Title        string          `db:"title"`
	Description  *string         `db:"description"`
	Price        decimal.Decimal `db:"price"`
	Currency     string          `db:"currency"`
	Images       []string        `db:"-"`
	Category     *string         `db:"category"`
	Availability bool            `db:"availability"`
	SKU          *string         `db:"sku"`
	URL          *string         `db:"url"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

// NewCatalogProduct builds the persisted form of a record for the given store.
// The price must already be expressed in the store currency.
func NewCatalogProduct(store *Store, record *ProductRecord, price decimal.Decimal) *CatalogProduct {
	return &CatalogProduct{
		ID:           uuid.New(),
		StoreID:      store.ID,
		CityID:       store.CityID,
		ExternalID:   record.ExternalID,
		Title:        strings.TrimSpace(record.Title),
		Description:  record.Description,
		Price:        price,
		Currency:     store.Currency,
		Images:       record.Images,
		Category:     record.Category,
		Availability: record.Availability,
		SKU:          record.SKU,
		URL:          record.URL,
	}
}

// UpsertOutcome tells whether an upsert created a new row or overwrote an existing one.
type UpsertOutcome int

const (
	UpsertCreated UpsertOutcome = iota + 1
	UpsertUpdated
)

func (o UpsertOutcome) String() string {
	switch o {
	case UpsertCreated:
		return "create"
	case UpsertUpdated:
		return "update"
	default:
		return "unknown"
	}
}
