// Package schedule computes cron fire times for scheduled jobboard entries,
// grounded on internal/scheduler.Dispatcher.computeNext but generalized
// away from a *domain.Schedule row: it takes and returns plain values so
// board backends can use it without depending on the SQL scheduler.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Parse validates a cron expression at post/reset-schedule time (spec.md
// §4.1: ResetSchedule rejects invalid expressions up front rather than
// letting them surface later as a dispatch fault).
func Parse(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// Next returns the next fire time strictly after from, skipping any runs
// that would already be in the past (spec.md scenario S5: "next fire must
// be >= now(), never a missed tick"). now is passed in rather than read
// via time.Now so callers can test deterministically.
func Next(sched cron.Schedule, from, now time.Time) time.Time {
	next := sched.Next(from)
	for next.Before(now) {
		next = sched.Next(next)
	}
	return next
}

// NextFromExpr is the one-shot convenience combining Parse and Next for
// callers that don't need to retain the parsed cron.Schedule.
func NextFromExpr(expr string, from, now time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return Next(sched, from, now), nil
}
