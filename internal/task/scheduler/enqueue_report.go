package scheduler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "agentd/pkg/logx"
)

// warnThrottle limits repeated warnings per key. Failures of the same job or
// sink tend to come in bursts.
type warnThrottle struct {
	every time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newWarnThrottle(every time.Duration) *warnThrottle {
	return &warnThrottle{every: every, limiters: map[string]*rate.Limiter{}}
}

func (w *warnThrottle) allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(w.every), 1)
		w.limiters[key] = l
	}
	return l.Allow()
}

func (w *warnThrottle) Warn(log logx.Logger, key, msg string, fields ...logx.Field) {
	if !w.allow(key) {
		log.Debug(msg, fields...)
		return
	}
	log.Warn(msg, fields...)
}

// forget drops the limiter of a removed job.
func (w *warnThrottle) forget(key string) {
	w.mu.Lock()
	delete(w.limiters, key)
	w.mu.Unlock()
}
