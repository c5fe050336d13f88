// Package memory provides in-process implementations of the storage
// interfaces. They back tests and local runs without a database.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"catalog_syncer/internal/domain"
)

type Stores struct {
	mu     sync.RWMutex
	stores map[uuid.UUID]domain.Store
	order  []uuid.UUID
}

func NewStores(stores ...domain.Store) *Stores {
	s := &Stores{stores: make(map[uuid.UUID]domain.Store)}
	for _, st := range stores {
		s.Put(st)
	}
	return s
}

// Put inserts or replaces a store.
func (s *Stores) Put(store domain.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stores[store.ID]; !ok {
		s.order = append(s.order, store.ID)
	}
	s.stores[store.ID] = store
}

func (s *Stores) Get(_ context.Context, id uuid.UUID) (*domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stores[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrStoreNotFound, id)
	}
	return &st, nil
}

func (s *Stores) ListActive(_ context.Context) ([]domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active []domain.Store
	for _, id := range s.order {
		if st := s.stores[id]; st.IsActive() {
			active = append(active, st)
		}
	}
	return active, nil
}

func (s *Stores) UpdateLastSynced(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stores[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrStoreNotFound, id)
	}
	st.LastSyncedAt = &at
	s.stores[id] = st
	return nil
}

type productKey struct {
	storeID    uuid.UUID
	externalID string
}

type Products struct {
	mu       sync.RWMutex
	clock    clockwork.Clock
	products map[productKey]domain.CatalogProduct
	failures map[string]error
}

func NewProducts(clk clockwork.Clock) *Products {
	return &Products{
		clock:    clk,
		products: make(map[productKey]domain.CatalogProduct),
		failures: make(map[string]error),
	}
}

// FailUpsert makes every upsert of externalID return err.
func (p *Products) FailUpsert(externalID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[externalID] = err
}

func (p *Products) Upsert(_ context.Context, product *domain.CatalogProduct) (domain.UpsertOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err, ok := p.failures[product.ExternalID]; ok {
		return 0, err
	}

	now := p.clock.Now()
	key := productKey{storeID: product.StoreID, externalID: product.ExternalID}
	stored := *product
	stored.Images = slices.Clone(product.Images)
	stored.UpdatedAt = now

	existing, ok := p.products[key]
	if ok {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
		p.products[key] = stored
		return domain.UpsertUpdated, nil
	}

	stored.CreatedAt = now
	p.products[key] = stored
	return domain.UpsertCreated, nil
}

func (p *Products) MarkUnavailable(_ context.Context, storeID uuid.UUID, externalIDs []string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	var n int64
	for _, id := range externalIDs {
		key := productKey{storeID: storeID, externalID: id}
		product, ok := p.products[key]
		if !ok || !product.Availability {
			continue
		}
		product.Availability = false
		product.UpdatedAt = now
		p.products[key] = product
		n++
	}
	return n, nil
}

func (p *Products) ListAvailableExternalIDs(_ context.Context, storeID uuid.UUID) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var ids []string
	for key, product := range p.products {
		if key.storeID == storeID && product.Availability {
			ids = append(ids, key.externalID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Get returns the stored product or nil.
func (p *Products) Get(storeID uuid.UUID, externalID string) *domain.CatalogProduct {
	p.mu.RLock()
	defer p.mu.RUnlock()
	product, ok := p.products[productKey{storeID: storeID, externalID: externalID}]
	if !ok {
		return nil
	}
	return &product
}

// List returns a store's products ordered by external id.
func (p *Products) List(storeID uuid.UUID) []domain.CatalogProduct {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var products []domain.CatalogProduct
	for key, product := range p.products {
		if key.storeID == storeID {
			products = append(products, product)
		}
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ExternalID < products[j].ExternalID })
	return products
}

// SyncRuns is the run ledger. Like the database, it rejects a second
// IN_PROGRESS run for the same store.
type SyncRuns struct {
	mu   sync.RWMutex
	runs []domain.SyncRun
}

func NewSyncRuns() *SyncRuns {
	return &SyncRuns{}
}

func (r *SyncRuns) Create(_ context.Context, run *domain.SyncRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.runs {
		if existing.StoreID == run.StoreID && existing.Status == domain.SyncStatusInProgress {
			return domain.ErrRunInProgress
		}
	}
	r.runs = append(r.runs, cloneRun(*run))
	return nil
}

func (r *SyncRuns) Finalize(_ context.Context, run *domain.SyncRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.runs {
		if existing.ID != run.ID {
			continue
		}
		if existing.Status != domain.SyncStatusInProgress {
			return fmt.Errorf("%w: %s", domain.ErrRunNotInProgress, run.ID)
		}
		if !run.Status.IsTerminal() || run.CompletedAt == nil {
			return fmt.Errorf("finalize run %s: status %s is not terminal", run.ID, run.Status)
		}
		r.runs[i] = cloneRun(*run)
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrRunNotInProgress, run.ID)
}

func (r *SyncRuns) ListByStore(_ context.Context, storeID uuid.UUID, limit int) ([]domain.SyncRun, error) {
	return r.list(func(run domain.SyncRun) bool { return run.StoreID == storeID }, limit), nil
}

func (r *SyncRuns) ListRecent(_ context.Context, limit int) ([]domain.SyncRun, error) {
	return r.list(func(domain.SyncRun) bool { return true }, limit), nil
}

func (r *SyncRuns) FailStale(_ context.Context, before, at time.Time, message string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for i := range r.runs {
		run := &r.runs[i]
		if run.Status != domain.SyncStatusInProgress || !run.StartedAt.Before(before) {
			continue
		}
		completedAt := at
		if completedAt.Before(run.StartedAt) {
			completedAt = run.StartedAt
		}
		run.Status = domain.SyncStatusFailed
		run.CompletedAt = &completedAt
		run.Message = message
		run.Errors = append(run.Errors, domain.ItemError{Message: message, Fatal: true})
		n++
	}
	return n, nil
}

// Get returns a run by id or nil.
func (r *SyncRuns) Get(id uuid.UUID) *domain.SyncRun {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, run := range r.runs {
		if run.ID == id {
			c := cloneRun(run)
			return &c
		}
	}
	return nil
}

func (r *SyncRuns) list(match func(domain.SyncRun) bool, limit int) []domain.SyncRun {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var runs []domain.SyncRun
	for i := len(r.runs) - 1; i >= 0; i-- {
		if match(r.runs[i]) {
			runs = append(runs, cloneRun(r.runs[i]))
		}
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs
}

func cloneRun(run domain.SyncRun) domain.SyncRun {
	run.Errors = slices.Clone(run.Errors)
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		run.CompletedAt = &t
	}
	return run
}

// TransactionManager runs fn directly; the memory stores apply each call atomically.
type TransactionManager struct{}

func (TransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
