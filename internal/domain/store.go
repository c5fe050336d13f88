package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Platform identifies the external e-commerce platform a store runs on.
type Platform string

const (
	PlatformShopify     Platform = "SHOPIFY"
	PlatformWooCommerce Platform = "WOOCOMMERCE"
	PlatformShopware    Platform = "SHOPWARE"
	PlatformShoptet     Platform = "SHOPTET"
)

func (p Platform) IsValid() bool {
	switch p {
	case PlatformShopify, PlatformWooCommerce, PlatformShopware, PlatformShoptet:
		return true
	default:
		return false
	}
}

func (p Platform) String() string {
	return string(p)
}

// StoreStatus is the lifecycle status of a store. Only ACTIVE stores are synced.
type StoreStatus string

const (
	StoreStatusPending  StoreStatus = "PENDING"
	StoreStatusActive   StoreStatus = "ACTIVE"
	StoreStatusPaused   StoreStatus = "PAUSED"
	StoreStatusRejected StoreStatus = "REJECTED"
)

type Store struct {
	ID           uuid.UUID       `db:"id"`
	Name         string          `db:"name"`
	CityID       uuid.UUID       `db:"city_id"`
	Currency     string          `db:"currency"` // currency of the store's city
	Platform     Platform        `db:"platform"`
	Credentials  json.RawMessage `db:"credentials"`
	Status       StoreStatus     `db:"status"`
	LastSyncedAt *time.Time      `db:"last_synced_at"`
}

func (s *Store) IsActive() bool {
	return s.Status == StoreStatusActive
}
