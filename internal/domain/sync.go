package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncMode selects between the frequent delta sync and the daily reconciliation.
type SyncMode string

const (
	SyncModeDelta SyncMode = "DELTA"
	// SyncModeFull additionally soft-removes products missing from the fetch.
	SyncModeFull SyncMode = "FULL"
)

// SyncTrigger records what started a run.
type SyncTrigger string

const (
	SyncTriggerScheduled SyncTrigger = "SCHEDULED"
	SyncTriggerManual    SyncTrigger = "MANUAL"
)

type SyncStatus string

const (
	// SyncStatusPending is notional: runs are created already IN_PROGRESS.
	SyncStatusPending    SyncStatus = "PENDING"
	SyncStatusInProgress SyncStatus = "IN_PROGRESS"
	SyncStatusSuccess    SyncStatus = "SUCCESS"
	SyncStatusFailed     SyncStatus = "FAILED"
)

func (s SyncStatus) IsTerminal() bool {
	return s == SyncStatusSuccess || s == SyncStatusFailed
}

// ItemError describes one failure recorded on a run. Fatal errors ended the run.
type ItemError struct {
	ExternalID string `json:"externalId,omitempty"`
	Message    string `json:"message"`
	Fatal      bool   `json:"fatal,omitempty"`
}

// ItemErrors is stored as a JSON array.
type ItemErrors []ItemError

func (e ItemErrors) Value() (driver.Value, error) {
	if e == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(e)
}

func (e *ItemErrors) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*e = ItemErrors{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("scan item errors: unsupported type %T", src)
	}
	return json.Unmarshal(data, e)
}

// SyncRun is one audited attempt to synchronize one store's catalog.
type SyncRun struct {
	ID           uuid.UUID   `db:"id" json:"id"`
	StoreID      uuid.UUID   `db:"store_id" json:"storeId"`
	Mode         SyncMode    `db:"mode" json:"mode"`
	Trigger      SyncTrigger `db:"trigger" json:"trigger"`
	Status       SyncStatus  `db:"status" json:"status"`
	StartedAt    time.Time   `db:"started_at" json:"startedAt"`
	CompletedAt  *time.Time  `db:"completed_at" json:"completedAt,omitempty"`
	ItemsSynced  int         `db:"items_synced" json:"itemsSynced"`
	ItemsRemoved int         `db:"items_removed" json:"itemsRemoved"`
	Message      string      `db:"message" json:"message"`
	Errors       ItemErrors  `db:"errors" json:"errors"`
}

// NewSyncRun returns a run that is already IN_PROGRESS.
func NewSyncRun(storeID uuid.UUID, mode SyncMode, trigger SyncTrigger, startedAt time.Time) *SyncRun {
	return &SyncRun{
		ID:        uuid.New(),
		StoreID:   storeID,
		Mode:      mode,
		Trigger:   trigger,
		Status:    SyncStatusInProgress,
		StartedAt: startedAt,
		Message:   "Starting product sync",
		Errors:    ItemErrors{},
	}
}

// AddItemError appends a recoverable per-item failure.
func (r *SyncRun) AddItemError(externalID string, err error) {
	r.Errors = append(r.Errors, ItemError{ExternalID: externalID, Message: err.Error()})
}

// Succeed finalizes the run as SUCCESS.
func (r *SyncRun) Succeed(at time.Time) {
	r.finish(SyncStatusSuccess, at)
	r.Message = fmt.Sprintf("Synced %d products", r.ItemsSynced)
	if r.ItemsRemoved > 0 {
		r.Message += fmt.Sprintf(", marked %d unavailable", r.ItemsRemoved)
	}
}

// Fail finalizes the run as FAILED and records err as the single fatal entry.
func (r *SyncRun) Fail(at time.Time, err error) {
	r.finish(SyncStatusFailed, at)
	r.Message = err.Error()
	r.Errors = append(r.Errors, ItemError{Message: err.Error(), Fatal: true})
}

func (r *SyncRun) finish(status SyncStatus, at time.Time) {
	if at.Before(r.StartedAt) {
		at = r.StartedAt
	}
	r.Status = status
	r.CompletedAt = &at
}
