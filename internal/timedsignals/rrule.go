// Package timedsignals is the Timed Scheduler (§4.9): a direct
// generalization of the teacher's scheduler.Scheduler, replacing its
// single-process timer map with conditional-update claiming so more
// than one worker can share the table, and replacing its flat 24h
// catch-up cutoff with a window proportional to the recurrence period.
package timedsignals

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Recurrence is a parsed RFC 5545 subset: FREQ=DAILY|WEEKLY|MONTHLY
// optionally followed by ;INTERVAL=n. No RRULE library appears
// anywhere in the retrieved corpus (the teacher hand-rolls its own
// "every" interval math in Task.NextRun), so this is hand-rolled the
// same way rather than pulled in from the wider ecosystem.
type Recurrence struct {
	Freq     string // DAILY, WEEKLY, MONTHLY
	Interval int
}

// ParseRRule parses a string like "FREQ=DAILY;INTERVAL=2". An empty
// string means "no recurrence" (one-shot) and is not an error.
func ParseRRule(rrule string) (*Recurrence, error) {
	if strings.TrimSpace(rrule) == "" {
		return nil, nil
	}
	r := &Recurrence{Interval: 1}
	for _, part := range strings.Split(rrule, ";") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed rrule segment %q", part)
		}
		key, val := strings.ToUpper(kv[0]), strings.ToUpper(kv[1])
		switch key {
		case "FREQ":
			if val != "DAILY" && val != "WEEKLY" && val != "MONTHLY" {
				return nil, fmt.Errorf("unsupported rrule FREQ %q", val)
			}
			r.Freq = val
		case "INTERVAL":
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid rrule INTERVAL %q", val)
			}
			r.Interval = n
		default:
			return nil, fmt.Errorf("unsupported rrule field %q", key)
		}
	}
	if r.Freq == "" {
		return nil, fmt.Errorf("rrule missing FREQ")
	}
	return r, nil
}

// Next returns the next occurrence strictly after from.
func (r *Recurrence) Next(from time.Time) time.Time {
	switch r.Freq {
	case "DAILY":
		return from.AddDate(0, 0, r.Interval)
	case "WEEKLY":
		return from.AddDate(0, 0, 7*r.Interval)
	case "MONTHLY":
		return from.AddDate(0, r.Interval, 0)
	default:
		return from
	}
}

// Period approximates the recurrence's period as a duration, used to
// size the catch-up window (§4.9: max(30m, 5%*period)). Month length
// is approximated as 30 days; exactness does not matter for a window
// heuristic.
func (r *Recurrence) Period() time.Duration {
	switch r.Freq {
	case "DAILY":
		return time.Duration(r.Interval) * 24 * time.Hour
	case "WEEKLY":
		return time.Duration(r.Interval) * 7 * 24 * time.Hour
	case "MONTHLY":
		return time.Duration(r.Interval) * 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// CatchUpWindow is the longest a pending occurrence may lag trigger_at
// before it is skipped rather than fired late (§4.9). One-shot signals
// (rrule == nil) use the 30-minute floor.
func CatchUpWindow(rrule *Recurrence) time.Duration {
	const floor = 30 * time.Minute
	if rrule == nil {
		return floor
	}
	pct := time.Duration(float64(rrule.Period()) * 0.05)
	if pct > floor {
		return pct
	}
	return floor
}
