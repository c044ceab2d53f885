package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"agentd/internal/trigger"
)

// ParseSchedule turns a compact schedule string into a trigger spec.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 30 9 * * mon-fri", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m", "1h 20m 5s"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
func ParseSchedule(raw string) (trigger.Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return trigger.Spec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		return cronSpec(strings.TrimSpace(s[len("cron:"):]))
	}
	for _, p := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, p) {
			return intervalSpec(s[len(p):])
		}
	}

	// Relative durations may contain spaces ("1h 20m"), so try them before
	// the whitespace heuristic.
	if spec, err := intervalSpec(s); err == nil {
		return spec, nil
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return cronSpec(s)
	}
	return trigger.Spec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

func cronSpec(expr string) (trigger.Spec, error) {
	if expr == "" {
		return trigger.Spec{}, fmt.Errorf("cron expression required")
	}
	if _, err := trigger.ParseCron(expr); err != nil {
		return trigger.Spec{}, err
	}
	return trigger.Spec{Type: trigger.Cron, Expression: expr}, nil
}

func intervalSpec(v string) (trigger.Spec, error) {
	d, err := ParseInterval(v)
	if err != nil {
		return trigger.Spec{}, err
	}
	return trigger.Spec{Type: trigger.Interval, Seconds: d.Seconds()}, nil
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseInterval accepts HH:MM, a Go duration or a spaced relative duration.
func ParseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	var (
		d   time.Duration
		err error
	)
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else if d, err = time.ParseDuration(v); err != nil {
		if d, err = trigger.ParseRelative(v); err != nil {
			return 0, fmt.Errorf("invalid interval %q (use HH:MM or a duration like '55m' or '1h 20m')", v)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
