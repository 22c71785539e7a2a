// Package schedule resolves 5-field cron expressions into due schedule triggers.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Cron is a parsed minute, hour, day-of-month, month, day-of-week expression.
type Cron struct {
	expr     string
	schedule cron.Schedule
}

// ParseCron parses a standard 5-field expression. Descriptors such as @hourly are rejected.
func ParseCron(expr string) (*Cron, error) {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	return &Cron{expr: expr, schedule: schedule}, nil
}

func (c *Cron) String() string {
	return c.expr
}

// Matches reports whether t, truncated to the minute, is an activation time.
func (c *Cron) Matches(t time.Time) bool {
	minute := t.Truncate(time.Minute)

	return c.schedule.Next(minute.Add(-time.Second)).Equal(minute)
}

// Next returns the first activation strictly after t.
func (c *Cron) Next(t time.Time) time.Time {
	return c.schedule.Next(t)
}
