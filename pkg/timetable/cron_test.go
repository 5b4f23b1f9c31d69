package timetable_test

import (
	"testing"
	"time"

	"github.com/orbitsched/orbit/pkg/timetable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func tp(t time.Time) *time.Time { return &t }

func frozen(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNewCronRejectsInvalidExpression(t *testing.T) {
	_, err := timetable.NewCron("not a cron line")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not a cron line")
}

func TestCronFirstRunWithCatchup(t *testing.T) {
	tt, err := timetable.NewCron("4 5 * * *")
	require.NoError(t, err)

	info, err := tt.NextRun(nil, timetable.TimeRestriction{
		Earliest: tp(date(2016, time.January, 1, 10, 10)),
		Catchup:  true,
	})
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, date(2016, time.January, 2, 5, 4), info.LogicalDate)
	assert.Equal(t, date(2016, time.January, 2, 5, 4), info.Interval.Start)
	assert.Equal(t, date(2016, time.January, 3, 5, 4), info.Interval.End)
	assert.Equal(t, info.Interval.End, info.RunAfter())
}

func TestCronFirstRunOnActivationBoundary(t *testing.T) {
	tt, err := timetable.NewCron("@daily")
	require.NoError(t, err)

	info, err := tt.NextRun(nil, timetable.TimeRestriction{
		Earliest: tp(date(2016, time.January, 1, 0, 0)),
		Catchup:  true,
	})
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, date(2016, time.January, 1, 0, 0), info.LogicalDate)
	assert.Equal(t, date(2016, time.January, 2, 0, 0), info.Interval.End)
}

func TestCronFirstRunWithoutEarliest(t *testing.T) {
	tt, err := timetable.NewCron("@daily")
	require.NoError(t, err)

	info, err := tt.NextRun(nil, timetable.TimeRestriction{Catchup: true})
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestCronConsecutiveRunsWithCatchup(t *testing.T) {
	tt, err := timetable.NewCron("4 5 * * *")
	require.NoError(t, err)

	restriction := timetable.TimeRestriction{
		Earliest: tp(date(2016, time.January, 1, 10, 10)),
		Catchup:  true,
	}
	first, err := tt.NextRun(nil, restriction)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := tt.NextRun(&first.Interval, restriction)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, date(2016, time.January, 3, 5, 4), second.LogicalDate)
	assert.Equal(t, date(2016, time.January, 4, 5, 4), second.Interval.End)
}

func TestCronFirstRunWithoutCatchupAnchorsToLatestCompleteInterval(t *testing.T) {
	tt, err := timetable.NewCron("4 5 * * *")
	require.NoError(t, err)
	tt.Now = frozen(date(2016, time.January, 5, 10, 0))

	info, err := tt.NextRun(nil, timetable.TimeRestriction{
		Earliest: tp(date(2016, time.January, 1, 0, 0)),
		Catchup:  false,
	})
	require.NoError(t, err)
	require.NotNil(t, info)
	// Latest interval whose end has passed, phase kept intact.
	assert.Equal(t, date(2016, time.January, 4, 5, 4), info.LogicalDate)
	assert.Equal(t, date(2016, time.January, 5, 5, 4), info.Interval.End)
}

func TestCronWithoutCatchupSkipsMissedIntervals(t *testing.T) {
	tt, err := timetable.NewCron("4 5 * * *")
	require.NoError(t, err)
	tt.Now = frozen(date(2016, time.January, 10, 12, 0))

	last := timetable.NewInterval(
		date(2016, time.January, 1, 5, 4),
		date(2016, time.January, 2, 5, 4),
	)
	info, err := tt.NextRun(&last, timetable.TimeRestriction{
		Earliest: tp(date(2016, time.January, 1, 0, 0)),
		Catchup:  false,
	})
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, date(2016, time.January, 9, 5, 4), info.LogicalDate)
}

func TestCronWithoutCatchupDoesNotRescheduleCurrentInterval(t *testing.T) {
	tt, err := timetable.NewCron("@daily")
	require.NoError(t, err)
	tt.Now = frozen(date(2016, time.January, 5, 10, 0))

	// The previous run already covered the latest complete interval.
	last := timetable.NewInterval(
		date(2016, time.January, 4, 0, 0),
		date(2016, time.January, 5, 0, 0),
	)
	info, err := tt.NextRun(&last, timetable.TimeRestriction{
		Earliest: tp(date(2016, time.January, 1, 0, 0)),
		Catchup:  false,
	})
	require.NoError(t, err)
	require.NotNil(t, info)
	// Proposes the in-flight interval; RunAfter keeps it from being
	// created before the interval completes.
	assert.Equal(t, date(2016, time.January, 5, 0, 0), info.LogicalDate)
	assert.Equal(t, date(2016, time.January, 6, 0, 0), info.RunAfter())
}

func TestCronEarliestClampsNextRun(t *testing.T) {
	tt, err := timetable.NewCron("@daily")
	require.NoError(t, err)

	last := timetable.NewInterval(
		date(2015, time.December, 1, 0, 0),
		date(2015, time.December, 2, 0, 0),
	)
	info, err := tt.NextRun(&last, timetable.TimeRestriction{
		Earliest: tp(date(2016, time.January, 1, 0, 0)),
		Catchup:  true,
	})
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, date(2016, time.January, 1, 0, 0), info.LogicalDate)
}

func TestCronStopsAfterLatest(t *testing.T) {
	tt, err := timetable.NewCron("@daily")
	require.NoError(t, err)

	latest := date(2016, time.January, 3, 0, 0)
	restriction := timetable.TimeRestriction{
		Earliest: tp(date(2016, time.January, 1, 0, 0)),
		Latest:   tp(latest),
		Catchup:  true,
	}

	t.Run("start on latest still runs", func(t *testing.T) {
		last := timetable.NewInterval(
			date(2016, time.January, 2, 0, 0),
			date(2016, time.January, 3, 0, 0),
		)
		info, err := tt.NextRun(&last, restriction)
		require.NoError(t, err)
		require.NotNil(t, info)
		assert.Equal(t, latest, info.LogicalDate)
		// The interval is allowed to extend past the bound.
		assert.Equal(t, date(2016, time.January, 4, 0, 0), info.Interval.End)
	})

	t.Run("start past latest stops the schedule", func(t *testing.T) {
		last := timetable.NewInterval(
			date(2016, time.January, 3, 0, 0),
			date(2016, time.January, 4, 0, 0),
		)
		info, err := tt.NextRun(&last, restriction)
		require.NoError(t, err)
		assert.Nil(t, info)
	})
}

func TestCronLeapDaySchedule(t *testing.T) {
	tt, err := timetable.NewCron("0 0 29 2 *")
	require.NoError(t, err)

	info, err := tt.NextRun(nil, timetable.TimeRestriction{
		Earliest: tp(date(2019, time.January, 1, 0, 0)),
		Catchup:  true,
	})
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, date(2020, time.February, 29, 0, 0), info.LogicalDate)
	assert.Equal(t, date(2024, time.February, 29, 0, 0), info.Interval.End)
}

func TestCronInferInterval(t *testing.T) {
	tt, err := timetable.NewCron("@daily")
	require.NoError(t, err)

	interval := tt.InferInterval(date(2016, time.January, 5, 0, 0))
	assert.Equal(t, date(2016, time.January, 5, 0, 0), interval.Start)
	assert.Equal(t, date(2016, time.January, 6, 0, 0), interval.End)
}

func TestCronSummary(t *testing.T) {
	tt, err := timetable.NewCron("4 5 * * *")
	require.NoError(t, err)
	assert.Equal(t, "4 5 * * *", tt.Summary())
	assert.True(t, tt.CanBeScheduled())
}
