package trigger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Type string

const (
	Date     Type = "date"
	Cron     Type = "cron"
	Interval Type = "interval"
)

// Spec is the persisted trigger object of a job.
//
//	{"type": "date", "run_date": "2026-01-02 15:04:05"}
//	{"type": "date", "delay": "1h 20m"}
//	{"type": "cron", "expression": "*/5 * * * *"}
//	{"type": "cron", "hour": 9, "day_of_week": "mon-fri"}
//	{"type": "interval", "minutes": 30}
type Spec struct {
	Type Type `json:"type"`

	RunDate string `json:"run_date,omitempty"`
	Delay   string `json:"delay,omitempty"`

	Expression string     `json:"expression,omitempty"`
	Second     FieldValue `json:"second,omitempty"`
	Minute     FieldValue `json:"minute,omitempty"`
	Hour       FieldValue `json:"hour,omitempty"`
	Day        FieldValue `json:"day,omitempty"`
	Month      FieldValue `json:"month,omitempty"`
	DayOfWeek  FieldValue `json:"day_of_week,omitempty"`
	Timezone   string     `json:"timezone,omitempty"`

	Weeks   float64 `json:"weeks,omitempty"`
	Days    float64 `json:"days,omitempty"`
	Hours   float64 `json:"hours,omitempty"`
	Minutes float64 `json:"minutes,omitempty"`
	Seconds float64 `json:"seconds,omitempty"`
}

// FieldValue is a cron field given either as a string ("*/5", "mon-fri") or a number.
type FieldValue string

func (f *FieldValue) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FieldValue(strings.TrimSpace(s))
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("cron field must be a string or number: %w", err)
	}
	*f = FieldValue(n.String())
	return nil
}

// Every returns the interval length.
func (s Spec) Every() time.Duration {
	d := s.Weeks*7*24*float64(time.Hour) +
		s.Days*24*float64(time.Hour) +
		s.Hours*float64(time.Hour) +
		s.Minutes*float64(time.Minute) +
		s.Seconds*float64(time.Second)
	return time.Duration(d)
}

// CronExpression returns the expression, building it from the field form when needed.
//
// In the field form, fields less significant than the most significant given
// field default to their minimum and more significant ones to "*".
func (s Spec) CronExpression() string {
	if e := strings.TrimSpace(s.Expression); e != "" {
		return e
	}
	// Most significant first.
	fields := []struct {
		v   FieldValue
		min string
	}{
		{s.Month, "1"}, {s.Day, "1"}, {s.DayOfWeek, "*"},
		{s.Hour, "0"}, {s.Minute, "0"}, {s.Second, "0"},
	}
	vals := make([]string, len(fields))
	seen := false
	for i, f := range fields {
		switch {
		case f.v != "":
			vals[i] = string(f.v)
			seen = true
		case seen:
			vals[i] = f.min
		default:
			vals[i] = "*"
		}
	}
	if !seen {
		return ""
	}
	// second minute hour dom month dow
	return strings.Join([]string{vals[5], vals[4], vals[3], vals[1], vals[0], vals[2]}, " ")
}

// Location resolves the timezone, falling back to def (or Local).
func (s Spec) Location(def *time.Location) (*time.Location, error) {
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("timezone %q: %w", tz, err)
		}
		return loc, nil
	}
	if def == nil {
		return time.Local, nil
	}
	return def, nil
}

func (s Spec) String() string {
	switch s.Type {
	case Date:
		if s.Delay != "" {
			return "date(+" + s.Delay + ")"
		}
		return "date(" + s.RunDate + ")"
	case Cron:
		return "cron(" + s.CronExpression() + ")"
	case Interval:
		return "interval(" + s.Every().String() + ")"
	default:
		return string(s.Type)
	}
}

// RunDateLayouts are accepted for absolute dates (interpreted in the job's location).
var RunDateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// ParseRunDate parses an absolute date. RFC 3339 values carry their own zone.
func ParseRunDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if loc == nil {
		loc = time.Local
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range RunDateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid run date %q (want YYYY-MM-DD HH:MM[:SS] or RFC 3339)", s)
}

var relTokenRE = regexp.MustCompile(`(?i)(\d+)\s*([dhms])`)

// ParseRelative parses a positive offset such as "90s", "1h30m" or "1h 20m 5s".
// Units are d, h, m and s.
func ParseRelative(s string) (time.Duration, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return 0, errors.New("empty duration")
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("duration %q must be > 0", s)
		}
		return d, nil
	}
	matches := relTokenRE.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return 0, fmt.Errorf("invalid duration %q (examples: 90s, 1h 20m, 2d)", s)
	}
	var total time.Duration
	pos := 0
	for _, m := range matches {
		if strings.TrimSpace(raw[pos:m[0]]) != "" {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		n, err := strconv.Atoi(raw[m[2]:m[3]])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		unit := map[string]time.Duration{"d": 24 * time.Hour, "h": time.Hour, "m": time.Minute, "s": time.Second}[strings.ToLower(raw[m[4]:m[5]])]
		total += time.Duration(n) * unit
		pos = m[1]
	}
	if strings.TrimSpace(raw[pos:]) != "" {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if total <= 0 {
		return 0, fmt.Errorf("duration %q must be > 0", s)
	}
	return total, nil
}

// ParseAt accepts an absolute date or a relative offset from now.
func ParseAt(s string, now time.Time, loc *time.Location) (time.Time, error) {
	if t, err := ParseRunDate(s, loc); err == nil {
		return t, nil
	}
	d, err := ParseRelative(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use YYYY-MM-DD HH:MM[:SS] or a relative duration like 1h 20m", s)
	}
	return now.Add(d), nil
}

// Validate checks s without building a trigger.
func (s Spec) Validate() error {
	_, err := New(s, time.Now(), nil)
	return err
}
