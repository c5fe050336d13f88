// Package source defines the platform adapter capability and the pieces shared
// by every adapter implementation.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"catalog_syncer/internal/domain"
)

var (
	ErrAuthFailed          = errors.New("platform authentication failed")
	ErrRateLimited         = errors.New("platform rate limited")
	ErrUnavailable         = errors.New("platform temporarily unavailable")
	ErrRequestFailed       = errors.New("platform request failed")
	ErrInvalidResponse     = errors.New("invalid platform response")
	ErrRetriesExhausted    = errors.New("platform retries exhausted")
	ErrPageLimit           = errors.New("platform page limit reached")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

// Adapter fetches a store's catalog from one external platform. Adapters never
// write to storage.
type Adapter interface {
	Platform() domain.Platform
	FetchCatalog(ctx context.Context, credentials json.RawMessage) ([]domain.ProductRecord, error)
}

// Registry selects the adapter for a platform.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.Platform]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.Platform]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its platform.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Platform()] = a
}

func (r *Registry) Get(platform domain.Platform) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, platform)
	}
	return a, nil
}

func (r *Registry) Platforms() []domain.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	platforms := make([]domain.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		platforms = append(platforms, p)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })
	return platforms
}

// DecodeCredentials unmarshals a store's opaque credentials. Malformed
// credentials are reported as an authentication failure.
func DecodeCredentials(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing credentials", ErrAuthFailed)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: malformed credentials: %v", ErrAuthFailed, err)
	}
	return nil
}
