package schedule

import (
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/FlowForge/orchestrator/store"
)

func cronManifest(expr string) *store.Manifest {
	return &store.Manifest{Name: "cron-m", ScheduleType: store.ScheduleCron, CronExpression: &expr}
}

func intervalManifest(secs int64) *store.Manifest {
	return &store.Manifest{Name: "interval-m", ScheduleType: store.ScheduleInterval, IntervalSeconds: &secs}
}

func TestNextDueAtNonTriggering(t *testing.T) {
	now := time.Now().UTC()
	for _, st := range []store.ScheduleType{store.ScheduleNone, store.ScheduleOnDemand} {
		_, ok, err := NextDueAt(&store.Manifest{Name: "x", ScheduleType: st}, now)
		require.NoError(t, err)
		assert.Falsef(t, ok, "%s must never self-trigger", st)
	}
}

func TestNextDueAtInterval(t *testing.T) {
	now := time.Date(2025, 6, 10, 14, 30, 0, 0, time.UTC)

	// Never succeeded: due immediately.
	m := intervalManifest(300)
	next, ok, err := NextDueAt(m, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, next.Equal(now))

	due, err := Due(m, now)
	require.NoError(t, err)
	assert.True(t, due)

	// Anchored on the last success, not on enqueue time.
	last := now.Add(-4 * time.Minute)
	m.LastSuccessfulRunAt = &last
	enq := now.Add(-time.Minute)
	m.LastEnqueuedAt = &enq

	next, ok, err = NextDueAt(m, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, next.Equal(last.Add(5*time.Minute)))
	due, _ = Due(m, now)
	assert.False(t, due)
	due, _ = Due(m, now.Add(2*time.Minute))
	assert.True(t, due)

	// Misconfigured interval surfaces instead of silently never firing.
	_, _, err = NextDueAt(intervalManifest(0), now)
	require.ErrorIs(t, err, ErrInvalidSchedule)
	bad := &store.Manifest{Name: "b", ScheduleType: store.ScheduleInterval}
	_, _, err = NextDueAt(bad, now)
	require.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestNextDueAtCron(t *testing.T) {
	m := cronManifest("*/15 * * * *")

	// Between ticks: the next quarter-hour.
	now := time.Date(2025, 6, 10, 9, 7, 30, 0, time.UTC)
	next, ok, err := NextDueAt(m, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 6, 10, 9, 15, 0, 0, time.UTC), next)

	// Exactly on a tick counts as due, not as the tick after.
	onTick := time.Date(2025, 6, 10, 9, 15, 0, 0, time.UTC)
	next, _, err = NextDueAt(m, onTick)
	require.NoError(t, err)
	assert.Equal(t, onTick, next)
	due, err := Due(m, onTick)
	require.NoError(t, err)
	assert.True(t, due)

	_, _, err = NextDueAt(cronManifest("not a cron"), now)
	require.ErrorIs(t, err, ErrInvalidSchedule)
	noExpr := &store.Manifest{Name: "n", ScheduleType: store.ScheduleCron}
	_, _, err = NextDueAt(noExpr, now)
	require.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestParseExpressionMemoizes(t *testing.T) {
	first, err := parseExpression("*/5 * * * *")
	require.NoError(t, err)
	second, err := parseExpression("*/5 * * * *")
	require.NoError(t, err)
	assert.Same(t, first, second, "repeat parses return the cached schedule")

	_, err = parseExpression("not a cron")
	require.Error(t, err)
}

func TestCronEnqueueFloorPreventsDoubleFire(t *testing.T) {
	// Every-minute schedule, enqueued mid-minute at 12:00:30. Without the
	// floor the 12:01:00 tick would fire 30s after the last enqueue.
	m := cronManifest("* * * * *")
	enq := time.Date(2025, 6, 10, 12, 0, 30, 0, time.UTC)
	m.LastEnqueuedAt = &enq

	now := time.Date(2025, 6, 10, 12, 1, 0, 0, time.UTC)
	next, ok, err := NextDueAt(m, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 6, 10, 12, 2, 0, 0, time.UTC), next)

	due, _ := Due(m, now)
	assert.False(t, due)
	due, _ = Due(m, time.Date(2025, 6, 10, 12, 2, 0, 0, time.UTC))
	assert.True(t, due)

	// A stale lastEnqueuedAt in the past does not push the tick out.
	old := time.Date(2025, 6, 10, 11, 0, 0, 0, time.UTC)
	m.LastEnqueuedAt = &old
	next, _, err = NextDueAt(m, now)
	require.NoError(t, err)
	assert.Equal(t, now, next)
}

func TestToCronExpression(t *testing.T) {
	cases := []struct {
		interval time.Duration
		want     string
	}{
		{time.Minute, "* * * * *"},
		{5 * time.Minute, "*/5 * * * *"},
		{15 * time.Minute, "*/15 * * * *"},
		{30 * time.Minute, "*/30 * * * *"},
		{time.Hour, "0 */1 * * *"},
		{6 * time.Hour, "0 */6 * * *"},
		{24 * time.Hour, "0 0 * * *"},
		// Non-dividing intervals degrade to a minute step.
		{7 * time.Minute, "*/7 * * * *"},
		{90 * time.Minute, "*/59 * * * *"},
		{45 * time.Second, "* * * * *"},
	}
	for _, tc := range cases {
		got := ToCronExpression(tc.interval)
		assert.Equalf(t, tc.want, got, "interval %s", tc.interval)
		require.NoErrorf(t, ValidateExpression(got), "rendered expression %q must parse", got)
	}
}

// Interval schedules and their cron renderings fire the same ticks across
// a two-day window when anchored on a tick boundary.
func TestIntervalCronTickEquivalence(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	window := 48 * time.Hour

	for _, interval := range []time.Duration{time.Minute, 5 * time.Minute, 20 * time.Minute, 30 * time.Minute, time.Hour, 6 * time.Hour, 24 * time.Hour} {
		expr := ToCronExpression(interval)
		sched, err := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow).Parse(expr)
		require.NoError(t, err)

		expected := 0
		for tick := start.Add(interval); !tick.After(start.Add(window)); tick = tick.Add(interval) {
			expected++
		}

		got := 0
		for tick := sched.Next(start); !tick.After(start.Add(window)); tick = sched.Next(tick) {
			offset := tick.Sub(start)
			assert.Zerof(t, offset%interval, "interval %s: cron tick %s off-grid", interval, tick)
			got++
		}
		assert.Equalf(t, expected, got, "interval %s rendered as %q", interval, expr)
	}
}
