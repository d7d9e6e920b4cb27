package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/teambition/rrule-go"
)

// Schedule yields the next run time strictly after a given instant.
// A zero time means the schedule is exhausted.
type Schedule interface {
	Next(after time.Time) time.Time
}

// Every is a fixed-interval schedule
type Every time.Duration

func (e Every) Next(after time.Time) time.Time {
	if e <= 0 {
		return time.Time{}
	}
	return after.Add(time.Duration(e))
}

func (e Every) String() string {
	return "every " + time.Duration(e).String()
}

// RRuleSchedule fires on the occurrences of an RFC 5545 recurrence rule
// evaluated in a fixed location.
type RRuleSchedule struct {
	expr string
	loc  *time.Location

	mu   sync.Mutex
	rule *rrule.RRule
}

// ParseRRule parses expr (e.g. "FREQ=DAILY;BYHOUR=0;BYMINUTE=5"). A nil loc
// means UTC.
func ParseRRule(expr string, loc *time.Location) (*RRuleSchedule, error) {
	rule, err := rrule.StrToRRule(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid rrule %q: %w", expr, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &RRuleSchedule{expr: expr, loc: loc, rule: rule}, nil
}

func (s *RRuleSchedule) Next(after time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	// anchor on the previous local midnight so BYHOUR/BYMINUTE rules stay
	// cheap to evaluate and unset BYSECOND defaults to zero
	local := after.In(s.loc)
	s.rule.DTStart(time.Date(local.Year(), local.Month(), local.Day()-1, 0, 0, 0, 0, s.loc))

	return s.rule.After(after, false)
}

func (s *RRuleSchedule) String() string {
	return s.expr
}
