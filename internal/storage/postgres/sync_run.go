package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"catalog_syncer/internal/domain"
)

const (
	uniqueViolation        = "23505"
	inProgressRunIndexName = "uq_sync_runs_store_in_progress"
)

const syncRunColumns = `id, store_id, mode, trigger, status, started_at, completed_at,
	items_synced, items_removed, message, errors`

type SyncRunStore struct {
	db *sqlx.DB
}

func NewSyncRunStore(db *sqlx.DB) *SyncRunStore {
	return &SyncRunStore{db: db}
}

// Create inserts an IN_PROGRESS run. The partial unique index on store_id
// rejects a second one with domain.ErrRunInProgress.
func (s *SyncRunStore) Create(ctx context.Context, run *domain.SyncRun) error {
	query := `
		INSERT INTO sync_runs (` + syncRunColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		run.ID,
		run.StoreID,
		run.Mode,
		run.Trigger,
		run.Status,
		run.StartedAt,
		run.CompletedAt,
		run.ItemsSynced,
		run.ItemsRemoved,
		run.Message,
		run.Errors,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == inProgressRunIndexName {
			return domain.ErrRunInProgress
		}
		return fmt.Errorf("insert sync run: %w", err)
	}
	return nil
}

// Finalize writes the terminal state of a run that is still IN_PROGRESS.
func (s *SyncRunStore) Finalize(ctx context.Context, run *domain.SyncRun) error {
	if !run.Status.IsTerminal() || run.CompletedAt == nil {
		return fmt.Errorf("finalize sync run %s: status %s is not terminal", run.ID, run.Status)
	}

	query := `
		UPDATE sync_runs
		SET status = $2,
			completed_at = $3,
			items_synced = $4,
			items_removed = $5,
			message = $6,
			errors = $7
		WHERE id = $1 AND status = 'IN_PROGRESS'`

	res, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		run.ID,
		run.Status,
		run.CompletedAt,
		run.ItemsSynced,
		run.ItemsRemoved,
		run.Message,
		run.Errors,
	)
	if err != nil {
		return fmt.Errorf("update sync run: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update sync run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrRunNotInProgress, run.ID)
	}
	return nil
}

func (s *SyncRunStore) ListByStore(ctx context.Context, storeID uuid.UUID, limit int) ([]domain.SyncRun, error) {
	query := `
		SELECT ` + syncRunColumns + `
		FROM sync_runs
		WHERE store_id = $1
		ORDER BY started_at DESC
		LIMIT $2`

	runs := []domain.SyncRun{}
	if err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &runs, query, storeID, limit); err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	return runs, nil
}

func (s *SyncRunStore) ListRecent(ctx context.Context, limit int) ([]domain.SyncRun, error) {
	query := `
		SELECT ` + syncRunColumns + `
		FROM sync_runs
		ORDER BY started_at DESC
		LIMIT $1`

	runs := []domain.SyncRun{}
	if err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &runs, query, limit); err != nil {
		return nil, fmt.Errorf("list recent sync runs: %w", err)
	}
	return runs, nil
}

// FailStale marks runs started before the cutoff and still IN_PROGRESS as
// FAILED, appending message as their fatal error.
func (s *SyncRunStore) FailStale(ctx context.Context, before, at time.Time, message string) (int64, error) {
	query := `
		UPDATE sync_runs
		SET status = 'FAILED',
			completed_at = GREATEST($2, started_at),
			message = $3,
			errors = errors || jsonb_build_array(jsonb_build_object('message', $3::text, 'fatal', true))
		WHERE status = 'IN_PROGRESS' AND started_at < $1`

	res, err := GetExecutor(ctx, s.db).ExecContext(ctx, query, before, at, message)
	if err != nil {
		return 0, fmt.Errorf("fail stale sync runs: %w", err)
	}
	return res.RowsAffected()
}
