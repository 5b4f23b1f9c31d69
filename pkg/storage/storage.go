package storage

import (
	"time"

	"github.com/orbitsched/orbit/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned on unique-constraint conflicts, notably a
// duplicate run materialization. Callers racing on the same run treat it
// as a benign no-op.
var ErrAlreadyExists = errors.New("already exists")

// TaskInstanceFilter narrows ListTaskInstances. Zero value matches all.
type TaskInstanceFilter struct {
	TaskIDs []string // restrict to these tasks; nil matches every task
}

// Store is the persistence collaborator of the scheduling core. Any
// read-modify-write sequence (materializing a run, propagating state)
// must run on a transactional view obtained from Begin; the core performs
// no locking of its own and relies on the transaction for isolation.
type Store interface {
	// Begin returns a transactional view of the store. Calling Begin on a
	// transactional view returns the same view.
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Workflow scheduling projections.
	SaveWorkflowRecord(rec models.WorkflowRecord) error
	GetWorkflowRecord(workflowID string) (models.WorkflowRecord, error)
	ListWorkflowRecords() ([]models.WorkflowRecord, error)
	// UpdateNextRun overwrites the precomputed next run columns. A nil
	// createAfter is the blocked sentinel: no run may be created until the
	// projection is refreshed.
	UpdateNextRun(workflowID string, logical, dataStart, dataEnd, createAfter *time.Time) error

	// Runs. SaveRun returns ErrAlreadyExists when (workflow_id, run_id)
	// is already present.
	SaveRun(run models.Run) error
	GetRun(workflowID, runID string) (models.Run, error)
	ListRuns(workflowID string) ([]models.Run, error)
	// ListRunsFromLogical returns runs with a logical date at or after the
	// given one, ordered by logical date.
	ListRunsFromLogical(workflowID string, logical time.Time) ([]models.Run, error)
	// LatestAutomatedRun returns the scheduled or backfill run with the
	// greatest logical date, or nil when the workflow never ran.
	LatestAutomatedRun(workflowID string) (*models.Run, error)
	CountActiveRuns(workflowID string) (int, error)
	UpdateRunState(workflowID, runID string, state models.RunState) error

	// Task instances. SaveTaskInstances upserts on the instance identity
	// (workflow_id, run_id, task_id, map_index).
	SaveTaskInstances(tis []models.TaskInstance) error
	ListTaskInstances(workflowID, runID string, filter TaskInstanceFilter) ([]models.TaskInstance, error)

	// Assets and the pending-trigger queue.
	SaveAsset(asset models.Asset) (int64, error)
	ListAssets(ids []int64) ([]models.Asset, error)
	// EnqueueAsset upserts the (asset, consumer) pair, refreshing the
	// event time on re-emission.
	EnqueueAsset(entry models.AssetQueueEntry) error
	ListAssetQueue(workflowID string) ([]models.AssetQueueEntry, error)
	ClearAssetQueue(workflowID string) error

	// Audit trail.
	SaveAuditLog(entry models.AuditLog) error
	ListAuditLogs(workflowID string) ([]models.AuditLog, error)
}
