package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"agentd/internal/eventbus"
	"agentd/internal/filewatch"
	"agentd/internal/jobstore"
	rtsup "agentd/internal/runtime/supervisor"
	logx "agentd/pkg/logx"
)

const (
	idleWake   = time.Hour
	retryDelay = 250 * time.Millisecond
)

// Service schedules the jobs of one jobs document.
//
// Execution happens in the Dispatcher; the Service only decides when.
type Service struct {
	log   logx.Logger
	bus   eventbus.Bus
	store *jobstore.Store
	tasks TaskSource
	disp  Dispatcher
	hist  History
	now   func() time.Time

	// rmu serializes reconciles; it is taken before mu.
	rmu sync.Mutex

	mu        sync.Mutex
	cfg       Config
	loc       *time.Location
	instances map[string]*instance
	queue     fireHeap
	running   map[string]int // by job id; outlives removed instances
	retry     bool
	sup       *rtsup.Supervisor

	kick chan struct{}
	warn *warnThrottle
}

// Option customizes a Service.
type Option func(*Service)

// WithHistory records every run.
func WithHistory(h History) Option { return func(s *Service) { s.hist = h } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(cfg Config, store *jobstore.Store, tasks TaskSource, disp Dispatcher, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		store:     store,
		tasks:     tasks,
		disp:      disp,
		now:       time.Now,
		instances: map[string]*instance{},
		running:   map[string]int{},
		kick:      make(chan struct{}, 1),
		warn:      newWarnThrottle(5 * time.Second),
	}
	for _, o := range opts {
		o(s)
	}
	s.loc = s.loadLocation(cfg.Timezone)
	return s
}

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Location is the default location for triggers without a timezone.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Apply updates the config. A timezone change rebuilds every trigger.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	tzChanged := oldTZ != strings.TrimSpace(cfg.Timezone)
	if tzChanged {
		s.loc = s.loadLocation(cfg.Timezone)
		for _, in := range s.instances {
			in.hash = 0
		}
	}
	started := s.sup != nil
	s.mu.Unlock()

	if tzChanged && started {
		if err := s.Reconcile(ctx); err != nil {
			s.log.Warn("reconcile after timezone change failed", logx.Err(err))
		}
	}
}

// Start loads the jobs document and runs the dispatch loop and the file
// watcher until Stop or ctx is done. A corrupt document starts an empty
// schedule; the watcher picks up the fixed file.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.store.Ensure(); err != nil {
		return err
	}
	if err := s.Reconcile(ctx); err != nil && !jobstore.IsCorrupt(err) {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup = sup
	sup.GoRestart("scheduler.loop", s.loop)
	sup.GoRestart("scheduler.watch", s.watch)
	s.log.Info("service started",
		logx.String("tz", s.loc.String()),
		logx.String("jobs_path", s.store.Path()),
		logx.Int("jobs", len(s.instances)),
	)
	return nil
}

// Stop halts triggering. Executions already handed to the dispatcher are
// left to it.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("scheduler stop timed out", logx.Err(err))
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) poke() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context) error {
	timer := time.NewTimer(idleWake)
	defer timer.Stop()
	for {
		wake := s.tick(s.now())
		d := idleWake
		if !wake.IsZero() {
			d = max(wake.Sub(s.now()), 0)
		}
		timer.Reset(d)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-s.kick:
		}
	}
}

func (s *Service) watch(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	events := s.store.Watch(ctx, filewatch.Options{
		Debounce:     cfg.Debounce,
		PollInterval: cfg.PollInterval,
		Log:          s.log.With(logx.String("comp", "jobs.watch")),
	})
	for ev := range events {
		s.log.Debug("jobs file changed", logx.String("path", ev.Path), logx.Bool("missing", ev.Missing))
		if err := s.Reconcile(ctx); err != nil && !jobstore.IsCorrupt(err) && !errors.Is(err, context.Canceled) {
			s.log.Warn("jobs reconcile failed", logx.Err(err))
		}
	}
	return nil
}
