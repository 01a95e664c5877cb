// Package recurrence computes the next occurrence of a batch's cadence rule.
package recurrence

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Rules accept standard 5-field cron expressions plus the descriptors cron
// supports (@daily, @hourly, @every 24h, ...).
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether rule is a usable recurrence expression.
func Validate(rule string) error {
	if _, err := parser.Parse(rule); err != nil {
		return fmt.Errorf("invalid recurrence rule %q: %w", rule, err)
	}
	return nil
}

// Next returns the first fire time strictly after the given instant. The
// instant is the terminal transition of the prior occurrence, so a daily rule
// completed at T yields T+24h.
func Next(rule string, after time.Time) (time.Time, error) {
	sched, err := parser.Parse(rule)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid recurrence rule %q: %w", rule, err)
	}
	return sched.Next(after), nil
}
