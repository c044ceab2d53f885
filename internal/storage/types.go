package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// MaxRuns bounds retained run records (default 5000).
	MaxRuns int
}

// Run statuses.
const (
	StatusOK       = "ok"
	StatusFailed   = "failed"
	StatusMisfired = "misfired"
)

// Run origins.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// RunRecord is one execution (or skipped occurrence) of a job.
// Keep it compact and schema-stable.
type RunRecord struct {
	JobID       string        `json:"job_id"`
	Task        string        `json:"task"`
	Trigger     string        `json:"trigger"`
	Status      string        `json:"status"`
	ScheduledAt time.Time     `json:"scheduled_at,omitzero"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration_ns"`
	Error       string        `json:"error,omitempty"`
	Result      string        `json:"result,omitempty"`
}

// ReloadRecord summarizes one tool registry reload.
type ReloadRecord struct {
	At      time.Time         `json:"at"`
	Version uint64            `json:"version"`
	Loaded  []string          `json:"loaded"`
	Failed  map[string]string `json:"failed,omitempty"` // unit -> reason
	Tools   []string          `json:"tools"`
}

const defaultMaxRuns = 5000

func (c Config) maxRuns() int {
	if c.MaxRuns <= 0 {
		return defaultMaxRuns
	}
	return c.MaxRuns
}
