package timetable

import (
	"time"

	"github.com/pkg/errors"
	cronv3 "github.com/robfig/cron/v3"
)

// backward search horizons for prev, narrowest first
var cronSearchWindows = []time.Duration{
	time.Hour,
	24 * time.Hour,
	35 * 24 * time.Hour,
	366 * 24 * time.Hour,
	10 * 366 * 24 * time.Hour,
}

// Cron schedules a run per cron activation. The data interval of a run
// spans from its activation to the next one, so the run for interval
// [T1, T2) is created once T2 has passed.
type Cron struct {
	Expression string
	schedule   cronv3.Schedule
	// Now supplies the current time for catchup handling. Nil means UTC now.
	Now func() time.Time
}

// NewCron parses a five-field cron expression. Descriptors such as
// @hourly and @daily are accepted.
func NewCron(expr string) (*Cron, error) {
	parser := cronv3.NewParser(cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cron expression %q", expr)
	}
	return &Cron{Expression: expr, schedule: schedule}, nil
}

func (c *Cron) NextRun(last *DataInterval, r TimeRestriction) (*RunInfo, error) {
	var start time.Time
	if last != nil {
		s, err := c.alignPrev(last.End)
		if err != nil {
			return nil, err
		}
		start = s
		if !r.Catchup {
			cur, err := c.lastCompleteStart()
			if err != nil {
				return nil, err
			}
			if cur.After(start) {
				start = cur
			}
		}
		if r.Earliest != nil {
			if e := c.alignNext(*r.Earliest); e.After(start) {
				start = e
			}
		}
	} else if r.Catchup {
		if r.Earliest == nil {
			return nil, nil
		}
		start = c.alignNext(*r.Earliest)
	} else {
		s, err := c.lastCompleteStart()
		if err != nil {
			return nil, err
		}
		start = s
		if r.Earliest != nil {
			if e := c.alignNext(*r.Earliest); e.After(start) {
				start = e
			}
		}
	}
	// An interval may extend past Latest; only its start is bounded.
	if r.Latest != nil && start.After(*r.Latest) {
		return nil, nil
	}
	return &RunInfo{
		LogicalDate: start,
		Interval:    DataInterval{Start: start, End: c.next(start)},
	}, nil
}

func (c *Cron) Summary() string { return c.Expression }

func (c *Cron) CanBeScheduled() bool { return true }

// InferInterval maps a bare logical date onto its activation-to-activation
// interval, for records predating stored interval bounds.
func (c *Cron) InferInterval(logical time.Time) DataInterval {
	return DataInterval{Start: logical, End: c.next(logical)}
}

func (c *Cron) clock() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

// next returns the first activation strictly after t.
func (c *Cron) next(t time.Time) time.Time {
	return c.schedule.Next(t)
}

func (c *Cron) isActivation(t time.Time) bool {
	return c.schedule.Next(t.Add(-time.Second)).Equal(t)
}

// alignNext returns the earliest activation at or after t.
func (c *Cron) alignNext(t time.Time) time.Time {
	if c.isActivation(t) {
		return t
	}
	return c.schedule.Next(t)
}

// alignPrev returns the latest activation at or before t.
func (c *Cron) alignPrev(t time.Time) (time.Time, error) {
	if c.isActivation(t) {
		return t, nil
	}
	return c.prev(t)
}

// prev returns the last activation strictly before t. The cron library only
// computes forward, so walk activations inside progressively wider windows
// ending at t. The walk visits activations, not instants, so sparse
// schedules stay cheap.
func (c *Cron) prev(t time.Time) (time.Time, error) {
	for _, w := range cronSearchWindows {
		var found time.Time
		ok := false
		for cur := c.schedule.Next(t.Add(-w)); !cur.IsZero() && cur.Before(t); cur = c.schedule.Next(cur) {
			found, ok = cur, true
		}
		if ok {
			return found, nil
		}
	}
	return time.Time{}, errors.Errorf("no activation of %q in the ten years before %s", c.Expression, t.Format(time.RFC3339))
}

// lastCompleteStart is the start of the most recent interval whose end has
// already passed, the anchor point when catchup is off.
func (c *Cron) lastCompleteStart() (time.Time, error) {
	anchor, err := c.alignPrev(c.clock())
	if err != nil {
		return time.Time{}, err
	}
	return c.prev(anchor)
}
