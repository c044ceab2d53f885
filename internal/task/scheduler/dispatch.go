package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"agentd/internal/eventbus"
	"agentd/internal/jobstore"
	"agentd/internal/storage"
	"agentd/internal/task/engine"
	"agentd/internal/task/handlers"
	"agentd/internal/trigger"
	logx "agentd/pkg/logx"
)

const (
	historyTimeout = 2 * time.Second
	maxResultLen   = 4096
)

// tick fires everything due at now and returns the next wake-up time (zero
// when nothing is scheduled). Misfires are written out after the lock is
// released.
func (s *Service) tick(now time.Time) time.Time {
	missed := misfires{}
	s.mu.Lock()
	wake := s.tickLocked(now, missed)
	s.mu.Unlock()
	s.recordMisfires(missed, now)
	return wake
}

func (s *Service) tickLocked(now time.Time, missed misfires) time.Time {
	s.retry = false
	for {
		in := s.queue.peek()
		if in == nil || in.next.After(now) {
			break
		}
		due := in.next
		dec := trigger.Evaluate(in.trig, due, now, in.job.Grace(), in.job.ShouldCoalesce())
		s.queue.setNext(in, dec.Next)
		if n := dec.Missed(); n > 0 {
			first, last := due, due
			if k := len(dec.Misfired); k > 0 {
				first, last = dec.Misfired[0], dec.Misfired[k-1]
			}
			missed.add(in, n, first, last)
		}
		if dec.Coalesced > 0 {
			s.log.Debug("coalesced overdue firings", logx.String("job", in.job.ID), logx.Int("count", dec.Coalesced+1))
		}
		in.pending = append(in.pending, dec.Run...)
		if in.job.ShouldCoalesce() && len(in.pending) > 1 {
			in.pending = in.pending[len(in.pending)-1:]
		}
		s.drainLocked(in, now, missed)
		if n := len(in.pending); n > 0 && s.running[in.job.ID] >= in.job.Instances() {
			eventbus.Publish(s.bus, eventbus.JobDeferred, FireEvent{
				JobID: in.job.ID, Task: in.job.Task.Name, ScheduledAt: in.pending[n-1], Count: n,
			})
		}
	}
	// Slots freed by finished executions. A full queue waits for the retry.
	for _, in := range s.instances {
		if s.retry {
			break
		}
		if len(in.pending) > 0 {
			s.drainLocked(in, now, missed)
		}
	}

	var wake time.Time
	if in := s.queue.peek(); in != nil {
		wake = in.next
	}
	if s.retry {
		if r := now.Add(retryDelay); wake.IsZero() || r.Before(wake) {
			wake = r
		}
	}
	return wake
}

// drainLocked submits pending firings while the job has free slots.
func (s *Service) drainLocked(in *instance, now time.Time, missed misfires) {
	grace := in.job.Grace()
	for len(in.pending) > 0 && s.running[in.job.ID] < in.job.Instances() {
		at := in.pending[0]
		if now.Sub(at) > grace {
			in.pending = in.pending[1:]
			missed.add(in, 1, at, at)
			continue
		}
		if err := s.dispatchLocked(in, at); err != nil {
			if errors.Is(err, engine.ErrQueueFull) {
				s.retry = true
				return
			}
			in.pending = in.pending[1:]
			s.warn.Warn(s.log, "enqueue:"+in.job.ID, "job firing dropped", logx.String("job", in.job.ID), logx.Err(err))
			continue
		}
		in.pending = in.pending[1:]
	}
	if len(in.pending) == 0 {
		in.pending = nil
	}
}

// missedRun summarizes the misfires of one job during a pass.
type missedRun struct {
	job         jobstore.Job
	count       int
	first, last time.Time
}

// misfires collects missed firings per job id.
type misfires map[string]*missedRun

func (m misfires) add(in *instance, n int, first, last time.Time) {
	in.misfires += n
	r := m[in.job.ID]
	if r == nil {
		m[in.job.ID] = &missedRun{job: in.job, count: n, first: first, last: last}
		return
	}
	r.count += n
	if first.Before(r.first) {
		r.first = first
	}
	if last.After(r.last) {
		r.last = last
	}
}

// recordMisfires logs, publishes and stores one summary per job.
func (s *Service) recordMisfires(m misfires, now time.Time) {
	ids := slices.Sorted(maps.Keys(m))
	for _, id := range ids {
		r := m[id]
		grace := r.job.Grace()
		s.log.Warn("job misfired",
			logx.String("job", id),
			logx.Int("count", r.count),
			logx.Time("scheduled_at", r.last),
			logx.Duration("late", now.Sub(r.last)),
			logx.Duration("grace", grace),
		)
		eventbus.Publish(s.bus, eventbus.JobMisfired, FireEvent{JobID: id, Task: r.job.Task.Name, ScheduledAt: r.last, Count: r.count})

		msg := fmt.Sprintf("missed by %s (grace %s)", now.Sub(r.last).Round(time.Millisecond), grace)
		if r.count > 1 {
			msg = fmt.Sprintf("%d firings missed since %s, last by %s (grace %s)",
				r.count, r.first.Format(time.RFC3339), now.Sub(r.last).Round(time.Millisecond), grace)
		}
		s.appendRun(storage.RunRecord{
			JobID:       id,
			Task:        r.job.Task.Name,
			Trigger:     storage.TriggerSchedule,
			Status:      storage.StatusMisfired,
			ScheduledAt: r.last,
			StartedAt:   now,
			Error:       msg,
		})
	}
}

// dispatchLocked hands one firing to the dispatcher and counts it as running
// until the execution finishes or is discarded.
func (s *Service) dispatchLocked(in *instance, at time.Time) error {
	job := in.job
	s.running[job.ID]++

	var once sync.Once
	done := func() { once.Do(func() { s.finish(job.ID) }) }
	err := s.disp.Enqueue(engine.Task{
		Name:    "job:" + job.Task.Name,
		Key:     job.ID,
		Timeout: s.cfg.TaskTimeout,
		Run: func(ctx context.Context) error {
			defer done()
			_, err := s.execute(ctx, job.ID, job.Task.Name, job.Task.Kwargs, at, storage.TriggerSchedule)
			return err
		},
		Discard: done,
	})
	if err != nil {
		s.releaseLocked(job.ID)
		return err
	}
	eventbus.Publish(s.bus, eventbus.JobFired, FireEvent{JobID: job.ID, Task: job.Task.Name, ScheduledAt: at})
	return nil
}

func (s *Service) releaseLocked(id string) {
	if s.running[id] <= 1 {
		delete(s.running, id)
		return
	}
	s.running[id]--
}

// finish frees a slot and wakes the loop so deferred firings can run.
func (s *Service) finish(id string) {
	s.mu.Lock()
	s.releaseLocked(id)
	s.mu.Unlock()
	s.poke()
}

// execute runs the named task. Handler errors and panics come back as
// *ExecutionError and are recorded against the job.
func (s *Service) execute(ctx context.Context, jobID, taskName string, kwargs map[string]any, scheduledAt time.Time, origin string) (any, error) {
	start := s.now()
	var (
		res any
		err error
	)
	if fn, ok := s.tasks.Lookup(taskName); !ok {
		err = fmt.Errorf("%w: %q", ErrUnknownTask, taskName)
	} else {
		res, err = callHandler(ctx, fn, maps.Clone(kwargs))
	}
	dur := s.now().Sub(start)
	if err != nil {
		err = &ExecutionError{JobID: jobID, Task: taskName, Err: err}
	}

	s.mu.Lock()
	if in, ok := s.instances[jobID]; ok {
		in.lastRun = start
		in.lastError = ""
		if err != nil {
			in.lastError = err.Error()
		}
	}
	s.mu.Unlock()

	rec := storage.RunRecord{
		JobID:       jobID,
		Task:        taskName,
		Trigger:     origin,
		Status:      storage.StatusOK,
		ScheduledAt: scheduledAt,
		StartedAt:   start,
		Duration:    dur,
		Result:      resultString(res),
	}
	ev := RunEvent{JobID: jobID, Task: taskName, Trigger: origin, ScheduledAt: scheduledAt, Duration: dur}
	if err != nil {
		rec.Status, rec.Error, rec.Result = storage.StatusFailed, err.Error(), ""
		ev.Error = err.Error()
		s.log.Error("job failed", logx.String("job", jobID), logx.String("task", taskName), logx.String("trigger", origin), logx.Err(err))
		eventbus.Publish(s.bus, eventbus.JobFailed, ev)
	} else {
		s.log.Info("job completed", logx.String("job", jobID), logx.String("task", taskName), logx.String("trigger", origin), logx.Duration("took", dur))
		eventbus.Publish(s.bus, eventbus.JobCompleted, ev)
	}
	s.appendRun(rec)
	return res, err
}

func callHandler(ctx context.Context, fn handlers.Func, kwargs map[string]any) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return fn(ctx, kwargs)
}

func (s *Service) appendRun(r storage.RunRecord) {
	if s.hist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := s.hist.AppendRun(ctx, r); err != nil {
		s.warn.Warn(s.log, "history", "run history write failed", logx.String("job", r.JobID), logx.Err(err))
	}
}

func resultString(v any) string {
	var out string
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		out = t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			out = fmt.Sprint(t)
		} else {
			out = string(b)
		}
	}
	return truncateRunes(out, maxResultLen)
}

// truncateRunes cuts s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
