// Package recurrence rewrites RRULE values when a series is cut at an
// occurrence.
package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

func parse(rule string, dtstart time.Time) (*rrule.ROption, error) {
	opt, err := rrule.StrToROption(strings.TrimPrefix(rule, "RRULE:"))
	if err != nil {
		return nil, fmt.Errorf("invalid recurrence rule %q: %w", rule, err)
	}
	opt.Dtstart = dtstart
	return opt, nil
}

// countBefore returns the number of occurrences starting before end.
func countBefore(opt *rrule.ROption, rule string, end time.Time) (int, error) {
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return 0, fmt.Errorf("invalid recurrence rule %q: %w", rule, err)
	}
	return len(r.Between(opt.Dtstart, end.Add(-time.Second), true)), nil
}

// Truncate ends the recurrence rule of a series starting at dtstart before
// the occurrence at end. It returns "" if no occurrence is left.
func Truncate(rule string, dtstart, end time.Time) (string, error) {
	opt, err := parse(rule, dtstart)
	if err != nil {
		return "", err
	}
	if !dtstart.Before(end) {
		return "", nil
	}

	if opt.Count > 0 {
		// COUNT and UNTIL are exclusive, so recount the remaining occurrences.
		remaining, err := countBefore(opt, rule, end)
		if err != nil {
			return "", err
		}
		if remaining >= opt.Count {
			return opt.RRuleString(), nil
		}
		if remaining == 0 {
			return "", nil
		}
		opt.Count = remaining
		return opt.RRuleString(), nil
	}

	until := end.Add(-time.Second).UTC()
	if !opt.Until.IsZero() && opt.Until.Before(until) {
		return opt.RRuleString(), nil
	}
	opt.Until = until
	return opt.RRuleString(), nil
}

// Tail returns the rule of the series that continues the one starting at
// dtstart from the occurrence at from. A COUNT is reduced by the occurrences
// before from; "" means none are left.
func Tail(rule string, dtstart, from time.Time) (string, error) {
	opt, err := parse(rule, dtstart)
	if err != nil {
		return "", err
	}
	if opt.Count == 0 {
		if !opt.Until.IsZero() && opt.Until.Before(from) {
			return "", nil
		}
		return opt.RRuleString(), nil
	}
	before, err := countBefore(opt, rule, from)
	if err != nil {
		return "", err
	}
	if before >= opt.Count {
		return "", nil
	}
	opt.Count -= before
	return opt.RRuleString(), nil
}
