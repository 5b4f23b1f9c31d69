package models

import "time"

// WorkflowRecord is the persisted scheduling projection of a workflow: the
// flags the eligibility query filters on and the precomputed next run. The
// graph itself stays in memory; only what the scheduler needs across
// processes is stored.
type WorkflowRecord struct {
	WorkflowID         string     `json:"workflow_id" db:"workflow_id"`                               // Workflow this record projects
	Paused             bool       `json:"paused" db:"paused"`                                         // Excluded from scheduling when true
	Stale              bool       `json:"stale" db:"stale"`                                           // Definition no longer present at its source
	HasImportErrors    bool       `json:"has_import_errors" db:"has_import_errors"`                   // Definition failed to load
	MaxActiveRuns      int        `json:"max_active_runs" db:"max_active_runs"`                       // Concurrent run cap
	NextRunLogical     *time.Time `json:"next_run_logical,omitempty" db:"next_run_logical"`           // Logical date of the precomputed next run
	NextRunDataStart   *time.Time `json:"next_run_data_start,omitempty" db:"next_run_data_start"`     // Next run window lower bound
	NextRunDataEnd     *time.Time `json:"next_run_data_end,omitempty" db:"next_run_data_end"`         // Next run window upper bound
	NextRunCreateAfter *time.Time `json:"next_run_create_after,omitempty" db:"next_run_create_after"` // NULL blocks scheduling until recomputed
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`                                 // Last projection refresh
}
