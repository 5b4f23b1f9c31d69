package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskInstanceState tracks one task instance inside a run. The empty
// string means the instance has no state, either never examined by the
// executor or cleared back for a rerun.
type TaskInstanceState string

const (
	NoState             TaskInstanceState = ""
	QueuedState         TaskInstanceState = "queued"
	RunningState        TaskInstanceState = "running"
	SuccessState        TaskInstanceState = "success"
	RestartingState     TaskInstanceState = "restarting"
	FailedState         TaskInstanceState = "failed"
	UpstreamFailedState TaskInstanceState = "upstream_failed"
	SkippedState        TaskInstanceState = "skipped"
	RemovedState        TaskInstanceState = "removed"
)

// IsTerminal reports whether the state ends an instance's lifecycle for
// the current try.
func (s TaskInstanceState) IsTerminal() bool {
	switch s {
	case SuccessState, FailedState, UpstreamFailedState, SkippedState, RemovedState:
		return true
	}
	return false
}

// UnmappedIndex is the map index of an instance whose task is not mapped.
const UnmappedIndex = -1

// TaskInstance is the per-run record of one task, or of one mapped slice
// of a task.
type TaskInstance struct {
	ID         uuid.UUID         `json:"id" db:"id"`                   // Surrogate key
	WorkflowID string            `json:"workflow_id" db:"workflow_id"` // Owning workflow
	RunID      string            `json:"run_id" db:"run_id"`           // Owning run
	TaskID     string            `json:"task_id" db:"task_id"`         // Task within the workflow graph
	MapIndex   int               `json:"map_index" db:"map_index"`     // -1 unless the task expanded into mapped slices
	State      TaskInstanceState `json:"state" db:"state"`             // Empty string persists as NULL
	TryNumber  int               `json:"try_number" db:"try_number"`   // Incremented per executor attempt
	UpdatedAt  time.Time         `json:"updated_at" db:"updated_at"`   // Last state change
}

// Key identifies the instance in altered-key reports and audit trails.
func (ti *TaskInstance) Key() TaskInstanceKey {
	return TaskInstanceKey{
		WorkflowID: ti.WorkflowID,
		TaskID:     ti.TaskID,
		RunID:      ti.RunID,
		TryNumber:  ti.TryNumber,
		MapIndex:   ti.MapIndex,
	}
}

// TaskInstanceKey names a task instance without carrying its state.
type TaskInstanceKey struct {
	WorkflowID string `json:"workflow_id"`
	TaskID     string `json:"task_id"`
	RunID      string `json:"run_id"`
	TryNumber  int    `json:"try_number"`
	MapIndex   int    `json:"map_index"`
}
