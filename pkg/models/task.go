package models

import "time"

// TriggerRule gates a task on the states of its direct upstreams.
type TriggerRule string

const (
	AllSuccessTriggerRule TriggerRule = "all_success"
	AllFailedTriggerRule  TriggerRule = "all_failed"
	AllDoneTriggerRule    TriggerRule = "all_done"
	OneSuccessTriggerRule TriggerRule = "one_success"
	OneFailedTriggerRule  TriggerRule = "one_failed"
	AlwaysTriggerRule     TriggerRule = "always"
)

// DefaultTriggerRule applies when a task does not set one.
const DefaultTriggerRule = AllSuccessTriggerRule

// Task is a node in a workflow graph. Edges live on the workflow.
type Task struct {
	ID               string      `json:"id"`                            // Unique within the workflow; group members carry a "group." prefix
	WorkflowID       string      `json:"workflow_id"`                   // Owning workflow
	GroupID          string      `json:"group_id,omitempty"`            // Enclosing task group, empty at top level
	TriggerRule      TriggerRule `json:"trigger_rule"`                  // Upstream gating rule, all_success when unset
	IsSetup          bool        `json:"is_setup"`                      // Provisions resources for the work after it
	IsTeardown       bool        `json:"is_teardown"`                   // Releases resources of its setups
	OnFailureFailRun bool        `json:"on_failure_fail_run,omitempty"` // Teardown failure fails the whole run
	StartDate        *time.Time  `json:"start_date,omitempty"`          // Task-level lower schedule bound
	EndDate          *time.Time  `json:"end_date,omitempty"`            // Task-level upper schedule bound
}
