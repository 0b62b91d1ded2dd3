// Package cron runs recurring maintenance jobs (credential sweeps, job
// pruning) from cron expressions.
package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser supports both standard (5-field) and extended (6-field with seconds) cron expressions.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Schedule is a parsed cron expression with an optional timezone.
type Schedule struct {
	Expr     string
	Timezone string
}

// NewSchedule validates and wraps a cron expression.
func NewSchedule(expr, timezone string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Schedule{}, fmt.Errorf("schedule is required")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return Schedule{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return Schedule{Expr: expr, Timezone: strings.TrimSpace(timezone)}, nil
}

// Next returns the next run time for the schedule after the given time.
func (s Schedule) Next(now time.Time) (time.Time, bool, error) {
	if s.Expr == "" {
		return time.Time{}, false, fmt.Errorf("cron schedule missing expression")
	}
	loc := now.Location()
	if s.Timezone != "" {
		if tz, err := time.LoadLocation(s.Timezone); err == nil {
			loc = tz
		}
	}
	schedule, err := cronParser.Parse(s.Expr)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse cron expression: %w", err)
	}
	next := schedule.Next(now.In(loc))
	return next, !next.IsZero(), nil
}
