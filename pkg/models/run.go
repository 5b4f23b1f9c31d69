package models

import (
	"strings"
	"time"

	"github.com/orbitsched/orbit/pkg/timetable"
	"github.com/pkg/errors"
)

// RunType records how a run came to exist.
type RunType string

const (
	ScheduledRunType      RunType = "scheduled"
	ManualRunType         RunType = "manual"
	BackfillRunType       RunType = "backfill"
	AssetTriggeredRunType RunType = "asset_triggered"
)

// RunState is the aggregate state of a run.
type RunState string

const (
	QueuedRunState  RunState = "queued"
	RunningRunState RunState = "running"
	SuccessRunState RunState = "success"
	FailedRunState  RunState = "failed"
)

// runIDSeparator splits the run type prefix from the timestamp in a run id.
const runIDSeparator = "__"

// Run is one materialized execution of a workflow.
type Run struct {
	WorkflowID        string     `json:"workflow_id" db:"workflow_id"`                             // Owning workflow
	RunID             string     `json:"run_id" db:"run_id"`                                       // Unique per workflow
	RunType           RunType    `json:"run_type" db:"run_type"`                                   // How the run was created
	State             RunState   `json:"state" db:"state"`                                         // Aggregate state over the run's task instances
	LogicalDate       *time.Time `json:"logical_date,omitempty" db:"logical_date"`                 // Schedule point, nil for asset-triggered runs
	DataIntervalStart *time.Time `json:"data_interval_start,omitempty" db:"data_interval_start"`   // Window lower bound
	DataIntervalEnd   *time.Time `json:"data_interval_end,omitempty" db:"data_interval_end"`       // Window upper bound
	RunAfter          time.Time  `json:"run_after" db:"run_after"`                                 // Earliest wall-clock creation time
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`                               // Insertion time
}

// DataInterval returns the run's window, or nil when either bound is unset.
func (r *Run) DataInterval() *timetable.DataInterval {
	if r.DataIntervalStart == nil || r.DataIntervalEnd == nil {
		return nil
	}
	return &timetable.DataInterval{Start: *r.DataIntervalStart, End: *r.DataIntervalEnd}
}

// GenerateRunID builds the deterministic id for a run: the run type prefix
// and the logical date, falling back to run-after for runs without one.
// Repeating the computation for the same inputs yields the same id, which
// makes duplicate materialization collide on the primary key instead of
// producing a second run.
func GenerateRunID(rt RunType, logicalDate *time.Time, runAfter time.Time) string {
	ts := runAfter
	if logicalDate != nil {
		ts = *logicalDate
	}
	return string(rt) + runIDSeparator + ts.UTC().Format(time.RFC3339)
}

// RunTypeFromID extracts the run type a run id is reserved for, if any.
func RunTypeFromID(runID string) (RunType, bool) {
	for _, rt := range []RunType{ScheduledRunType, ManualRunType, BackfillRunType, AssetTriggeredRunType} {
		if strings.HasPrefix(runID, string(rt)+runIDSeparator) {
			return rt, true
		}
	}
	return "", false
}

// ValidateRunID rejects ids that impersonate another run type. Only manual
// runs accept caller-chosen ids, so only they can collide with reserved
// prefixes.
func ValidateRunID(rt RunType, runID string) error {
	if runID == "" {
		return errors.New("run id must not be empty")
	}
	if rt != ManualRunType {
		return nil
	}
	if embedded, ok := RunTypeFromID(runID); ok && embedded != ManualRunType {
		return errors.Errorf("a manual run cannot use ID %q since it is reserved for %s runs", runID, embedded)
	}
	return nil
}
