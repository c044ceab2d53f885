package jobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentd/internal/filewatch"
	"agentd/internal/trigger"
)

const (
	// SchemaVersion is the only document version this package reads and writes.
	SchemaVersion = 1

	DefaultMaxInstances     = 1
	DefaultMisfireGraceTime = 60 * time.Second
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrDuplicateID = errors.New("job already exists")
	ErrInvalidJob  = errors.New("invalid job")
)

// Document is the persisted jobs file.
type Document struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

// Find returns the index of the job with id, or -1.
func (d *Document) Find(id string) int {
	for i := range d.Jobs {
		if d.Jobs[i].ID == id {
			return i
		}
	}
	return -1
}

// Task names the handler a job runs and its keyword arguments.
type Task struct {
	Name   string         `json:"name"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// Job is one persisted job definition.
//
// Optional fields are pointers or zero values; the accessors apply defaults.
type Job struct {
	ID               string       `json:"id"`
	Enabled          *bool        `json:"enabled,omitempty"`
	Trigger          trigger.Spec `json:"trigger"`
	Task             Task         `json:"task"`
	Coalesce         *bool        `json:"coalesce,omitempty"`
	MaxInstances     int          `json:"max_instances,omitempty"`
	MisfireGraceTime int          `json:"misfire_grace_time,omitempty"` // seconds
}

func (j Job) IsEnabled() bool      { return j.Enabled == nil || *j.Enabled }
func (j Job) ShouldCoalesce() bool { return j.Coalesce == nil || *j.Coalesce }

func (j Job) Instances() int {
	if j.MaxInstances <= 0 {
		return DefaultMaxInstances
	}
	return j.MaxInstances
}

// Grace is the misfire window. Zero and omitted both mean the default.
func (j Job) Grace() time.Duration {
	if j.MisfireGraceTime <= 0 {
		return DefaultMisfireGraceTime
	}
	return time.Duration(j.MisfireGraceTime) * time.Second
}

// Normalized returns a copy with every default spelled out.
func (j Job) Normalized() Job {
	out := j.clone()
	out.ID = strings.TrimSpace(out.ID)
	out.Task.Name = strings.TrimSpace(out.Task.Name)
	en, co := j.IsEnabled(), j.ShouldCoalesce()
	out.Enabled, out.Coalesce = &en, &co
	out.MaxInstances = j.Instances()
	out.MisfireGraceTime = int(j.Grace() / time.Second)
	return out
}

// Hash identifies the job definition. Jobs that differ only in omitted
// defaults hash the same.
func (j Job) Hash() uint64 {
	b, err := json.Marshal(j.Normalized())
	if err != nil {
		return 0
	}
	return filewatch.HashBytes(b)
}

// Validate checks the definition, including its trigger.
func (j Job) Validate() error {
	var errs []error
	if strings.TrimSpace(j.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if strings.TrimSpace(j.Task.Name) == "" {
		errs = append(errs, errors.New("task.name is required"))
	}
	if j.MaxInstances < 0 {
		errs = append(errs, errors.New("max_instances must be >= 1"))
	}
	if j.MisfireGraceTime < 0 {
		errs = append(errs, errors.New("misfire_grace_time must be >= 0"))
	}
	if err := j.Trigger.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("trigger: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		id := strings.TrimSpace(j.ID)
		if id == "" {
			id = "<unknown>"
		}
		return fmt.Errorf("%w %s: %w", ErrInvalidJob, id, err)
	}
	return nil
}

func (j Job) clone() Job {
	out := j
	if j.Enabled != nil {
		v := *j.Enabled
		out.Enabled = &v
	}
	if j.Coalesce != nil {
		v := *j.Coalesce
		out.Coalesce = &v
	}
	if j.Task.Kwargs != nil {
		out.Task.Kwargs = cloneMap(j.Task.Kwargs)
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if mm, ok := v.(map[string]any); ok {
			v = cloneMap(mm)
		}
		out[k] = v
	}
	return out
}

// legacyKeys are top-level shorthands accepted in place of "trigger".
var legacyKeys = []string{"cron", "run_date", "interval_seconds"}

// decodeJob decodes one raw job object, upgrading legacy trigger shorthands.
func decodeJob(raw map[string]any) (Job, error) {
	upgradeLegacy(raw)
	if id, ok := raw["id"].(string); ok {
		raw["id"] = strings.TrimSpace(id)
	}
	if t, ok := raw["task"]; ok {
		if _, isObj := t.(map[string]any); !isObj {
			return Job{}, fmt.Errorf("%w %v: task must be an object", ErrInvalidJob, raw["id"])
		}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return Job{}, err
	}
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return Job{}, fmt.Errorf("%w %v: %w", ErrInvalidJob, raw["id"], err)
	}
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	return j, nil
}

func upgradeLegacy(raw map[string]any) {
	if _, ok := raw["trigger"].(map[string]any); ok {
		for _, k := range legacyKeys {
			delete(raw, k)
		}
		return
	}
	switch {
	case truthy(raw["cron"]):
		raw["trigger"] = map[string]any{"type": string(trigger.Cron), "expression": raw["cron"]}
	case truthy(raw["run_date"]):
		raw["trigger"] = map[string]any{"type": string(trigger.Date), "run_date": raw["run_date"]}
	case truthy(raw["interval_seconds"]):
		raw["trigger"] = map[string]any{"type": string(trigger.Interval), "seconds": raw["interval_seconds"]}
	}
	for _, k := range legacyKeys {
		delete(raw, k)
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(x) != ""
	case float64:
		return x != 0
	case bool:
		return x
	default:
		return true
	}
}

// mergePatch deep-merges patch into base. Nested objects merge; everything
// else is replaced.
func mergePatch(base, patch map[string]any) map[string]any {
	out := cloneMap(base)
	for k, v := range patch {
		pm, pok := v.(map[string]any)
		bm, bok := out[k].(map[string]any)
		if pok && bok {
			out[k] = mergePatch(bm, pm)
			continue
		}
		out[k] = v
	}
	return out
}

func toMap(j Job) (map[string]any, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
