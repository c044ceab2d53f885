// Package trigger computes fire times for job triggers and decides what to do
// with overdue occurrences.
package trigger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger yields the fire times of one scheduled job instance.
type Trigger interface {
	Type() Type
	Repeating() bool
	// First is the first occurrence. Absolute dates may lie in the past.
	First() time.Time
	// Next is the first occurrence strictly after t; zero means exhausted.
	Next(after time.Time) time.Time
	String() string
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron parses a 5 or 6 field expression or a descriptor (@hourly, @every 5m).
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty cron expression")
	}
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return s, nil
}

// New builds the trigger for spec. registeredAt anchors relative dates and
// intervals; loc is the default location for dates and cron fields.
func New(spec Spec, registeredAt time.Time, loc *time.Location) (Trigger, error) {
	loc, err := spec.Location(loc)
	if err != nil {
		return nil, err
	}
	switch spec.Type {
	case Date:
		hasDate, hasDelay := strings.TrimSpace(spec.RunDate) != "", strings.TrimSpace(spec.Delay) != ""
		switch {
		case hasDate && hasDelay:
			return nil, errors.New("date trigger: set run_date or delay, not both")
		case hasDate:
			at, err := ParseRunDate(spec.RunDate, loc)
			if err != nil {
				return nil, fmt.Errorf("date trigger: %w", err)
			}
			return &dateTrigger{at: at, label: "date(" + at.Format(time.RFC3339) + ")"}, nil
		case hasDelay:
			d, err := ParseRelative(spec.Delay)
			if err != nil {
				return nil, fmt.Errorf("date trigger: %w", err)
			}
			return &dateTrigger{at: registeredAt.Add(d), label: "date(+" + d.String() + ")"}, nil
		default:
			return nil, errors.New("date trigger: run_date or delay is required")
		}
	case Cron:
		expr := spec.CronExpression()
		if expr == "" {
			return nil, errors.New("cron trigger: expression or fields are required")
		}
		sched, err := ParseCron(expr)
		if err != nil {
			return nil, fmt.Errorf("cron trigger: %w", err)
		}
		return &cronTrigger{sched: sched, loc: loc, anchor: registeredAt, expr: expr}, nil
	case Interval:
		every := spec.Every()
		if every <= 0 {
			return nil, errors.New("interval trigger: weeks/days/hours/minutes/seconds must add up to > 0")
		}
		return &intervalTrigger{anchor: registeredAt, every: every}, nil
	case "":
		return nil, errors.New("trigger type is required")
	default:
		return nil, fmt.Errorf("unknown trigger type %q", spec.Type)
	}
}

type dateTrigger struct {
	at    time.Time
	label string
}

func (t *dateTrigger) Type() Type       { return Date }
func (t *dateTrigger) Repeating() bool  { return false }
func (t *dateTrigger) First() time.Time { return t.at }
func (t *dateTrigger) String() string   { return t.label }
func (t *dateTrigger) Next(after time.Time) time.Time {
	if t.at.After(after) {
		return t.at
	}
	return time.Time{}
}

type cronTrigger struct {
	sched  cron.Schedule
	loc    *time.Location
	anchor time.Time
	expr   string
}

func (t *cronTrigger) Type() Type       { return Cron }
func (t *cronTrigger) Repeating() bool  { return true }
func (t *cronTrigger) First() time.Time { return t.Next(t.anchor) }
func (t *cronTrigger) String() string   { return "cron(" + t.expr + ")" }
func (t *cronTrigger) Next(after time.Time) time.Time {
	return t.sched.Next(after.In(t.loc))
}

type intervalTrigger struct {
	anchor time.Time
	every  time.Duration
}

func (t *intervalTrigger) Type() Type       { return Interval }
func (t *intervalTrigger) Repeating() bool  { return true }
func (t *intervalTrigger) First() time.Time { return t.anchor.Add(t.every) }
func (t *intervalTrigger) String() string   { return "interval(" + t.every.String() + ")" }
func (t *intervalTrigger) Next(after time.Time) time.Time {
	first := t.First()
	if after.Before(first) {
		return first
	}
	k := after.Sub(t.anchor)/t.every + 1
	return t.anchor.Add(k * t.every)
}

// MaxCatchUp bounds how many overdue occurrences Evaluate enumerates.
const MaxCatchUp = 1000

// Decision is the outcome of evaluating a due trigger.
type Decision struct {
	Run       []time.Time // occurrences to execute, oldest first
	Misfired  []time.Time // occurrences older than the grace window
	Skipped   bool        // further misfires past MaxCatchUp, counted as one
	Coalesced int         // runnable occurrences folded into the latest one
	Next      time.Time   // next future occurrence; zero when exhausted
}

// Terminal reports whether the trigger has no future occurrence.
func (d Decision) Terminal() bool { return d.Next.IsZero() }

// Missed is the number of misfires the decision reports, with the skipped
// span counted once.
func (d Decision) Missed() int {
	n := len(d.Misfired)
	if d.Skipped {
		n++
	}
	return n
}

// Evaluate collects the occurrences from due up to now, drops those later
// than grace, optionally coalesces the rest into one run and returns the next
// future fire time.
//
// At most MaxCatchUp misfires are listed. Past that the enumeration jumps to
// the start of the grace window, so occurrences inside it always reach Run.
func Evaluate(tr Trigger, due, now time.Time, grace time.Duration, coalesce bool) Decision {
	var dec Decision
	cutoff := now.Add(-grace)
	t := due
	for !t.IsZero() && t.Before(cutoff) {
		if len(dec.Misfired) == MaxCatchUp {
			dec.Skipped = true
			t = tr.Next(cutoff.Add(-time.Nanosecond))
			break
		}
		dec.Misfired = append(dec.Misfired, t)
		t = tr.Next(t)
	}

	var runnable []time.Time
	overflow := 0
	for !t.IsZero() && !t.After(now) {
		if len(runnable) == MaxCatchUp {
			runnable = runnable[1:]
			overflow++
		}
		runnable = append(runnable, t)
		t = tr.Next(t)
	}
	dec.Next = t

	switch {
	case coalesce && len(runnable) > 0:
		dec.Coalesced = len(runnable) - 1 + overflow
		runnable = runnable[len(runnable)-1:]
	case overflow > 0:
		dec.Skipped = true
	}
	dec.Run = runnable
	return dec
}
