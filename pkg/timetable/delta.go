package timetable

import (
	"time"

	"github.com/pkg/errors"
)

// Delta schedules runs a fixed duration apart. Unlike Cron it has no grid:
// any instant starts an interval, and consecutive runs chain off the end of
// the previous interval.
type Delta struct {
	Interval time.Duration
	// Now supplies the current time for catchup handling. Nil means UTC now.
	Now func() time.Time
}

func NewDelta(d time.Duration) (*Delta, error) {
	if d <= 0 {
		return nil, errors.Errorf("delta timetable needs a positive interval, got %s", d)
	}
	return &Delta{Interval: d}, nil
}

func (d *Delta) NextRun(last *DataInterval, r TimeRestriction) (*RunInfo, error) {
	var start time.Time
	if last != nil {
		start = last.End
		if !r.Catchup {
			if cur := d.clock().Add(-d.Interval); cur.After(start) {
				start = cur
			}
		}
		if r.Earliest != nil && r.Earliest.After(start) {
			start = *r.Earliest
		}
	} else if r.Catchup {
		if r.Earliest == nil {
			return nil, nil
		}
		start = *r.Earliest
	} else {
		start = d.clock().Add(-d.Interval)
		if r.Earliest != nil && r.Earliest.After(start) {
			start = *r.Earliest
		}
	}
	if r.Latest != nil && start.After(*r.Latest) {
		return nil, nil
	}
	return &RunInfo{
		LogicalDate: start,
		Interval:    DataInterval{Start: start, End: start.Add(d.Interval)},
	}, nil
}

func (d *Delta) Summary() string { return d.Interval.String() }

func (d *Delta) CanBeScheduled() bool { return true }

func (d *Delta) InferInterval(logical time.Time) DataInterval {
	return DataInterval{Start: logical, End: logical.Add(d.Interval)}
}

func (d *Delta) clock() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}
