package scheduler

import (
	"context"
	"slices"
	"time"

	"agentd/internal/eventbus"
	"agentd/internal/jobstore"
	"agentd/internal/trigger"
	logx "agentd/pkg/logx"
)

// Reconcile loads the jobs document and brings the schedule in line with it.
//
// Jobs are matched by id. An unchanged definition keeps its instance, so its
// next fire time is neither reset nor duplicated. A changed definition gets a
// fresh instance registered now. A removed job stops firing; executions in
// flight run to completion. On a corrupt document the current schedule stays
// in place and the error is returned.
func (s *Service) Reconcile(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.rmu.Lock()
	defer s.rmu.Unlock()

	doc, err := s.store.Load()
	if err != nil {
		if jobstore.IsCorrupt(err) {
			s.log.Error("jobs document is corrupt; keeping current schedule", logx.String("path", s.store.Path()), logx.Err(err))
		}
		return err
	}

	now := s.now()
	ev := ReconcileEvent{Added: []string{}, Changed: []string{}, Removed: []string{}}

	s.mu.Lock()
	seen := make(map[string]struct{}, len(doc.Jobs))
	for _, job := range doc.Jobs {
		seen[job.ID] = struct{}{}
		h := job.Hash()
		old, exists := s.instances[job.ID]
		if exists && old.hash == h {
			ev.Unchanged++
			continue
		}
		in, err := s.newInstance(job, h, now)
		if exists {
			s.queue.remove(old)
			delete(s.instances, job.ID)
		}
		if err != nil {
			s.log.Error("job not scheduled", logx.String("job", job.ID), logx.Err(err))
			if ev.Failed == nil {
				ev.Failed = map[string]string{}
			}
			ev.Failed[job.ID] = err.Error()
			continue
		}
		if exists {
			in.lastRun, in.lastError, in.misfires = old.lastRun, old.lastError, old.misfires
			ev.Changed = append(ev.Changed, job.ID)
		} else {
			ev.Added = append(ev.Added, job.ID)
		}
		s.instances[job.ID] = in
		if job.IsEnabled() {
			s.queue.setNext(in, in.trig.First())
		}
	}
	for id, in := range s.instances {
		if _, ok := seen[id]; ok {
			continue
		}
		s.queue.remove(in)
		delete(s.instances, id)
		s.warn.forget("enqueue:" + id)
		ev.Removed = append(ev.Removed, id)
	}
	total := len(s.instances)
	s.mu.Unlock()

	slices.Sort(ev.Added)
	slices.Sort(ev.Changed)
	slices.Sort(ev.Removed)
	if len(ev.Added)+len(ev.Changed)+len(ev.Removed)+len(ev.Failed) > 0 {
		s.log.Info("jobs reconciled",
			logx.Strings("added", ev.Added),
			logx.Strings("changed", ev.Changed),
			logx.Strings("removed", ev.Removed),
			logx.Int("unchanged", ev.Unchanged),
			logx.Int("total", total),
		)
	}
	eventbus.Publish(s.bus, eventbus.JobsReconcile, ev)
	s.poke()
	return nil
}

func (s *Service) newInstance(job jobstore.Job, hash uint64, now time.Time) (*instance, error) {
	tr, err := trigger.New(job.Trigger, now, s.loc)
	if err != nil {
		return nil, err
	}
	return &instance{job: job.Normalized(), hash: hash, trig: tr, registeredAt: now, index: -1}, nil
}
