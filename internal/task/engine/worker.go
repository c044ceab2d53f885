package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"agentd/internal/eventbus"
	logx "agentd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, t)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	t := qt.task

	s.log.Debug("task.started", logx.String("task", t.Name), logx.String("key", t.Key), logx.Duration("queue_delay", queueDelay))
	eventbus.Publish(s.bus, eventbus.TaskStarted, TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: start, QueueDelay: queueDelay})

	err := s.runSafe(ctx, qt)

	dur := time.Since(start)
	item := HistoryItem{ID: t.ID, Name: t.Name, Key: t.Key, Started: start, Duration: dur, QueueDelay: queueDelay}
	ev := TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		s.failed.Add(1)
		item.Error, ev.Error = err.Error(), err.Error()
		s.log.Warn("task.failed", logx.String("task", t.Name), logx.String("key", t.Key), logx.Err(err), logx.Duration("dur", dur))
		eventbus.Publish(s.bus, eventbus.TaskFailed, ev)
	} else {
		s.completed.Add(1)
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", t.Name), logx.String("key", t.Key), logx.Duration("dur", dur))
		} else {
			s.log.Debug("task.completed", logx.String("task", t.Name), logx.String("key", t.Key), logx.Duration("dur", dur))
		}
		eventbus.Publish(s.bus, eventbus.TaskFinished, ev)
	}
	s.record(item)
}

// runSafe runs the task with its timeout and converts panics to errors so one
// bad task can't kill a worker.
func (s *Service) runSafe(ctx context.Context, qt queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}
