package scheduler

import (
	"context"
	"slices"
	"strings"
	"time"

	"agentd/internal/jobstore"
	"agentd/internal/storage"
	logx "agentd/pkg/logx"
)

// AddJob persists job and schedules it.
func (s *Service) AddJob(ctx context.Context, job jobstore.Job) (jobstore.Job, error) {
	saved, err := s.store.Add(job)
	if err != nil {
		return jobstore.Job{}, err
	}
	s.reconcileAfterWrite(ctx)
	return saved, nil
}

// UpdateJob merges patch into the stored job and reschedules it.
func (s *Service) UpdateJob(ctx context.Context, id string, patch map[string]any) (jobstore.Job, error) {
	saved, err := s.store.Update(id, patch)
	if err != nil {
		return jobstore.Job{}, err
	}
	s.reconcileAfterWrite(ctx)
	return saved, nil
}

// RemoveJob deletes the job. Running executions are not interrupted.
func (s *Service) RemoveJob(ctx context.Context, id string) error {
	if err := s.store.Remove(id); err != nil {
		return err
	}
	s.reconcileAfterWrite(ctx)
	return nil
}

// The write already succeeded; the watcher retries on its own.
func (s *Service) reconcileAfterWrite(ctx context.Context) {
	if err := s.Reconcile(ctx); err != nil {
		s.log.Warn("reconcile after write failed", logx.Err(err))
	}
}

// RunNow executes the job's task once, synchronously, ignoring its trigger
// and enabled flag. The run counts towards the job's running executions.
func (s *Service) RunNow(ctx context.Context, id string) (RunResult, error) {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	in, ok := s.instances[id]
	var job jobstore.Job
	if ok {
		job = in.job
	}
	s.mu.Unlock()
	if !ok {
		var err error
		if job, err = s.store.Get(id); err != nil {
			return RunResult{}, err
		}
	}

	s.mu.Lock()
	s.running[job.ID]++
	s.mu.Unlock()
	defer s.finish(job.ID)

	start := time.Now()
	res, err := s.execute(ctx, job.ID, job.Task.Name, job.Task.Kwargs, time.Time{}, storage.TriggerManual)
	return RunResult{JobID: job.ID, Task: job.Task.Name, Result: res, Duration: time.Since(start)}, err
}

// Jobs returns the scheduled jobs ordered by id.
func (s *Service) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.instances))
	for _, in := range s.instances {
		out = append(out, s.statusLocked(in))
	}
	slices.SortFunc(out, func(a, b JobStatus) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Job returns the status of one job.
func (s *Service) Job(id string) (JobStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[strings.TrimSpace(id)]
	if !ok {
		return JobStatus{}, false
	}
	return s.statusLocked(in), true
}

func (s *Service) statusLocked(in *instance) JobStatus {
	st := JobStatus{
		ID:        in.job.ID,
		Task:      in.job.Task.Name,
		Trigger:   in.trig.String(),
		Enabled:   in.job.IsEnabled(),
		Next:      in.next,
		Running:   s.running[in.job.ID],
		Pending:   len(in.pending),
		LastRun:   in.lastRun,
		LastError: in.lastError,
		Misfires:  in.misfires,
	}
	switch {
	case !st.Enabled:
		st.State = StatePaused
	case st.Running > 0:
		st.State = StateRunning
	case in.next.IsZero() && len(in.pending) == 0:
		st.State = StateTerminal
	default:
		st.State = StateScheduled
	}
	return st
}

// Tasks lists the registered task names.
func (s *Service) Tasks() []string { return s.tasks.Names() }

// Store is the backing job store.
func (s *Service) Store() *jobstore.Store { return s.store }
