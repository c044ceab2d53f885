package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentd/internal/storage"
	"agentd/internal/task/engine"
	"agentd/internal/task/handlers"
)

// ErrUnknownTask is returned when a job names a task that is not registered.
var ErrUnknownTask = errors.New("task not registered")

// Config controls the scheduler.
type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local

	// Debounce and PollInterval tune the jobs file watcher.
	Debounce     time.Duration
	PollInterval time.Duration

	// TaskTimeout bounds one execution; 0 defers to the engine default.
	TaskTimeout time.Duration
}

// Dispatcher accepts executions without blocking (the task engine).
type Dispatcher interface {
	Enqueue(t engine.Task) error
}

// TaskSource resolves task names to handlers.
type TaskSource interface {
	Lookup(name string) (handlers.Func, bool)
	Names() []string
}

// History receives run records. A nil History disables recording.
type History interface {
	AppendRun(ctx context.Context, r storage.RunRecord) error
}

// State is the lifecycle state of a scheduled instance.
type State string

const (
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateTerminal  State = "terminal"
)

// JobStatus is a point-in-time view of one job.
type JobStatus struct {
	ID        string    `json:"id"`
	Task      string    `json:"task"`
	Trigger   string    `json:"trigger"`
	Enabled   bool      `json:"enabled"`
	State     State     `json:"state"`
	Next      time.Time `json:"next_run,omitzero"`
	Running   int       `json:"running"`
	Pending   int       `json:"pending"`
	LastRun   time.Time `json:"last_run,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Misfires  int       `json:"misfires"`
}

// RunResult is the outcome of a manual run.
type RunResult struct {
	JobID    string        `json:"job_id"`
	Task     string        `json:"task"`
	Result   any           `json:"result,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ExecutionError wraps a failed task execution.
type ExecutionError struct {
	JobID string
	Task  string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("job %s: task %s: %v", e.JobID, e.Task, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Event payloads published on the bus.
type (
	FireEvent struct {
		JobID       string    `json:"job_id"`
		Task        string    `json:"task"`
		ScheduledAt time.Time `json:"scheduled_at"`
		Count       int       `json:"count,omitempty"`
	}
	RunEvent struct {
		JobID       string        `json:"job_id"`
		Task        string        `json:"task"`
		Trigger     string        `json:"trigger"`
		ScheduledAt time.Time     `json:"scheduled_at,omitzero"`
		Duration    time.Duration `json:"duration"`
		Error       string        `json:"error,omitempty"`
	}
	ReconcileEvent struct {
		Added     []string          `json:"added"`
		Changed   []string          `json:"changed"`
		Removed   []string          `json:"removed"`
		Unchanged int               `json:"unchanged"`
		Failed    map[string]string `json:"failed,omitempty"`
	}
)
