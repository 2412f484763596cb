// Package schedule decides when a manifest is eligible for its next run.
// Evaluation is pure: callers pass the clock; nothing here reads time.Now.
package schedule

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/itskum47/FlowForge/orchestrator/store"
)

// ErrInvalidSchedule marks a manifest whose schedule cannot be evaluated.
// The manager disables such manifests with a note instead of retrying
// them every cycle.
var ErrInvalidSchedule = errors.New("schedule: invalid schedule")

// Five-field expressions only (minute hour dom month dow); no seconds
// column, no descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// parseCache memoizes parsed expressions. A deployment repeats the same
// handful of specs and the manager re-evaluates every candidate each
// cycle, so parsing once per distinct expression is enough.
var parseCache = struct {
	sync.RWMutex
	m map[string]cron.Schedule
}{m: make(map[string]cron.Schedule)}

func parseExpression(expr string) (cron.Schedule, error) {
	parseCache.RLock()
	sched, ok := parseCache.m[expr]
	parseCache.RUnlock()
	if ok {
		return sched, nil
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, err
	}
	parseCache.Lock()
	parseCache.m[expr] = sched
	parseCache.Unlock()
	return sched, nil
}

// ValidateExpression reports whether expr parses as a 5-field cron spec.
func ValidateExpression(expr string) error {
	_, err := parseExpression(expr)
	return err
}

// NextDueAt returns the earliest instant at or after which the manifest
// should be enqueued. ok is false for schedules that never self-trigger
// (None, OnDemand).
//
// Interval manifests anchor on the last successful run: a manifest that
// has never succeeded is due immediately. Cron manifests return the first
// tick at or after max(now, lastEnqueuedAt+1m); the one-minute floor keeps
// a manager cycle that straddles a tick boundary from firing twice.
func NextDueAt(m *store.Manifest, now time.Time) (time.Time, bool, error) {
	switch m.ScheduleType {
	case store.ScheduleNone, store.ScheduleOnDemand:
		return time.Time{}, false, nil

	case store.ScheduleInterval:
		if m.IntervalSeconds == nil || *m.IntervalSeconds <= 0 {
			return time.Time{}, false, fmt.Errorf("%w: manifest %q has interval schedule without a positive interval", ErrInvalidSchedule, m.Name)
		}
		if m.LastSuccessfulRunAt == nil {
			return now, true, nil
		}
		return m.LastSuccessfulRunAt.Add(time.Duration(*m.IntervalSeconds) * time.Second), true, nil

	case store.ScheduleCron:
		if m.CronExpression == nil || *m.CronExpression == "" {
			return time.Time{}, false, fmt.Errorf("%w: manifest %q has cron schedule without an expression", ErrInvalidSchedule, m.Name)
		}
		sched, err := parseExpression(*m.CronExpression)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("%w: manifest %q: %v", ErrInvalidSchedule, m.Name, err)
		}
		from := now
		if m.LastEnqueuedAt != nil {
			if floor := m.LastEnqueuedAt.Add(time.Minute); floor.After(from) {
				from = floor
			}
		}
		// cron.Next is strictly-after; back up a nanosecond so a tick
		// landing exactly on `from` counts.
		return sched.Next(from.Add(-time.Nanosecond)), true, nil

	default:
		return time.Time{}, false, fmt.Errorf("%w: manifest %q has unknown schedule type %q", ErrInvalidSchedule, m.Name, m.ScheduleType)
	}
}

// Due reports whether the manifest's next tick has arrived.
func Due(m *store.Manifest, now time.Time) (bool, error) {
	next, ok, err := NextDueAt(m, now)
	if err != nil || !ok {
		return false, err
	}
	return !next.After(now), nil
}

// ToCronExpression renders an interval as the equivalent cron spec for
// display. Intervals that divide an hour or a day map exactly; everything
// else degrades to the closest minute step.
func ToCronExpression(interval time.Duration) string {
	minutes := int(interval / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	switch {
	case minutes == 1:
		return "* * * * *"
	case minutes < 60 && 60%minutes == 0 && interval%time.Minute == 0:
		return fmt.Sprintf("*/%d * * * *", minutes)
	case interval%time.Hour == 0:
		hours := int(interval / time.Hour)
		if hours == 24 {
			return "0 0 * * *"
		}
		if hours < 24 && 24%hours == 0 {
			return fmt.Sprintf("0 */%d * * *", hours)
		}
	}
	if minutes > 59 {
		minutes = 59
	}
	return fmt.Sprintf("*/%d * * * *", minutes)
}
