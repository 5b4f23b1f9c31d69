package models

import "time"

// Audit event names written by the scheduling and state services.
const (
	RunCreatedEvent    = "run.created"
	RunStateSetEvent   = "run.state_set"
	TaskStateSetEvent  = "task_instance.state_set"
	TaskClearedEvent   = "task_instance.cleared"
	AssetConsumedEvent = "asset.queue_consumed"
)

// AuditLog tracks bulk scheduling and state operations for auditing.
type AuditLog struct {
	ID         int64     `json:"id" db:"id"`                     // Auto-incremented log ID
	Event      string    `json:"event" db:"event"`               // Operation name (e.g. "run.created")
	WorkflowID string    `json:"workflow_id" db:"workflow_id"`   // Affected workflow
	RunID      string    `json:"run_id,omitempty" db:"run_id"`   // Affected run, if any
	TaskID     string    `json:"task_id,omitempty" db:"task_id"` // Affected task, if any
	Detail     string    `json:"detail,omitempty" db:"detail"`   // Details (e.g. requested state or altered count)
	LoggedAt   time.Time `json:"logged_at" db:"logged_at"`       // Timestamp of log entry
}
