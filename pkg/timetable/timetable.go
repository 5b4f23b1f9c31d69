package timetable

import (
	"fmt"
	"time"
)

// DataInterval is the half-open window [Start, End) of data a run covers.
type DataInterval struct {
	Start time.Time // inclusive lower bound
	End   time.Time // exclusive upper bound
}

// NewInterval builds a DataInterval from its bounds.
func NewInterval(start, end time.Time) DataInterval {
	return DataInterval{Start: start, End: end}
}

// Equal reports whether both bounds match.
func (di DataInterval) Equal(other DataInterval) bool {
	return di.Start.Equal(other.Start) && di.End.Equal(other.End)
}

func (di DataInterval) String() string {
	return fmt.Sprintf("[%s, %s)", di.Start.Format(time.RFC3339), di.End.Format(time.RFC3339))
}

// TimeRestriction bounds the runs a timetable may schedule for a workflow.
// A nil Earliest means no lower bound, a nil Latest no upper bound. When
// Catchup is false the timetable skips straight to the latest complete
// interval instead of replaying history.
type TimeRestriction struct {
	Earliest *time.Time
	Latest   *time.Time
	Catchup  bool
}

// RunInfo describes the next run a timetable proposes.
type RunInfo struct {
	LogicalDate time.Time
	Interval    DataInterval
}

// RunAfter is the earliest wall-clock time the run may be created. Data
// intervals are only complete once their end has passed.
func (ri RunInfo) RunAfter() time.Time {
	return ri.Interval.End
}

// Timetable computes when a workflow runs. Implementations must be pure:
// the same inputs always produce the same result, with no side effects.
type Timetable interface {
	// NextRun returns the run after last, or nil when the schedule is
	// exhausted or cannot start. last is nil before the first automated run.
	NextRun(last *DataInterval, r TimeRestriction) (*RunInfo, error)
	// Summary is a short description of the schedule for display.
	Summary() string
	// CanBeScheduled reports whether the scheduler creates runs for this
	// timetable on its own.
	CanBeScheduled() bool
}

// IntervalInferrer reconstructs a data interval from a record that stored
// only the logical date. Periodic timetables implement it.
type IntervalInferrer interface {
	InferInterval(logical time.Time) DataInterval
}

// Null never schedules. Runs for a Null workflow are created externally.
type Null struct{}

func (Null) NextRun(*DataInterval, TimeRestriction) (*RunInfo, error) { return nil, nil }

func (Null) Summary() string { return "never" }

func (Null) CanBeScheduled() bool { return false }

// Once schedules a single run at the earliest allowed time, with a
// degenerate interval. Catchup has no effect.
type Once struct{}

func (Once) NextRun(last *DataInterval, r TimeRestriction) (*RunInfo, error) {
	if last != nil || r.Earliest == nil {
		return nil, nil
	}
	start := *r.Earliest
	if r.Latest != nil && start.After(*r.Latest) {
		return nil, nil
	}
	return &RunInfo{
		LogicalDate: start,
		Interval:    DataInterval{Start: start, End: start},
	}, nil
}

func (Once) Summary() string { return "once" }

func (Once) CanBeScheduled() bool { return true }

func (Once) InferInterval(logical time.Time) DataInterval {
	return DataInterval{Start: logical, End: logical}
}
