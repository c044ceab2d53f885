package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
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

var base = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeDispatcher struct {
	mu    sync.Mutex
	tasks []engine.Task
	full  int // reject this many enqueues with ErrQueueFull
}

func (d *fakeDispatcher) Enqueue(t engine.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.full > 0 {
		d.full--
		return engine.ErrQueueFull
	}
	d.tasks = append(d.tasks, t)
	return nil
}

func (d *fakeDispatcher) take() []engine.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.tasks
	d.tasks = nil
	return out
}

type memHistory struct {
	mu       sync.Mutex
	runs     []storage.RunRecord
	onAppend func()
}

func (h *memHistory) AppendRun(_ context.Context, r storage.RunRecord) error {
	if h.onAppend != nil {
		h.onAppend()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, r)
	return nil
}

func (h *memHistory) all() []storage.RunRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]storage.RunRecord(nil), h.runs...)
}

type fixture struct {
	svc   *Service
	store *jobstore.Store
	disp  *fakeDispatcher
	hist  *memHistory
	bus   eventbus.Bus
	calls *atomic.Int64
	now   time.Time
}

func newFixture(t *testing.T, jobs ...jobstore.Job) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cron", "jobs.json")
	if err := jobstore.Save(path, &jobstore.Document{Version: jobstore.SchemaVersion, Jobs: jobs}); err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		store: jobstore.New(path),
		disp:  &fakeDispatcher{},
		hist:  &memHistory{},
		bus:   eventbus.New(),
		calls: &atomic.Int64{},
		now:   base,
	}
	reg := handlers.NewRegistry()
	_ = reg.Register("count", func(ctx context.Context, kw map[string]any) (any, error) {
		f.calls.Add(1)
		return "ok", nil
	})
	_ = reg.Register("boom", func(ctx context.Context, kw map[string]any) (any, error) {
		panic("handler exploded")
	})
	f.svc = New(Config{Timezone: "UTC"}, f.store, reg, f.disp, logx.Nop(), f.bus,
		WithHistory(f.hist),
		WithClock(func() time.Time { return f.now }),
	)
	if err := f.svc.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	return f
}

// advance moves the clock and runs one dispatch pass.
func (f *fixture) advance(d time.Duration) time.Time {
	f.now = f.now.Add(d)
	return f.svc.tick(f.now)
}

func (f *fixture) status(t *testing.T, id string) JobStatus {
	t.Helper()
	st, ok := f.svc.Job(id)
	if !ok {
		t.Fatalf("job %s not scheduled", id)
	}
	return st
}

func every(id string, seconds float64) jobstore.Job {
	return jobstore.Job{
		ID:      id,
		Trigger: trigger.Spec{Type: trigger.Interval, Seconds: seconds},
		Task:    jobstore.Task{Name: "count"},
	}
}

func runTasks(tasks []engine.Task) {
	for _, tk := range tasks {
		_ = tk.Run(context.Background())
	}
}

func TestReconcileKeepsUnchangedJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, every("j1", 10))
	if next := f.status(t, "j1").Next; !next.Equal(base.Add(10 * time.Second)) {
		t.Fatalf("j1 next=%s", next)
	}

	f.now = base.Add(3 * time.Second)
	if _, err := f.svc.AddJob(context.Background(), every("j2", 10)); err != nil {
		t.Fatal(err)
	}
	// A second pass over the same document must not reschedule anything.
	if err := f.svc.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}

	if next := f.status(t, "j1").Next; !next.Equal(base.Add(10 * time.Second)) {
		t.Fatalf("j1 rescheduled: next=%s", next)
	}
	if next := f.status(t, "j2").Next; !next.Equal(base.Add(13 * time.Second)) {
		t.Fatalf("j2 next=%s", next)
	}

	f.advance(7 * time.Second) // base+10s
	if got := f.disp.take(); len(got) != 1 || got[0].Key != "j1" {
		t.Fatalf("fired at +10s: %+v", got)
	}
	f.advance(3 * time.Second) // base+13s
	f.advance(0)
	if got := f.disp.take(); len(got) != 1 || got[0].Key != "j2" {
		t.Fatalf("fired at +13s: %+v", got)
	}
}

func TestChangedJobIsRebuilt(t *testing.T) {
	t.Parallel()

	f := newFixture(t, every("j1", 10))
	f.now = base.Add(4 * time.Second)
	if _, err := f.svc.UpdateJob(context.Background(), "j1", map[string]any{
		"trigger": map[string]any{"seconds": 30},
	}); err != nil {
		t.Fatal(err)
	}
	if next := f.status(t, "j1").Next; !next.Equal(base.Add(34 * time.Second)) {
		t.Fatalf("next=%s", next)
	}
}

func TestOverdueOneShotIsMisfiredAndTerminal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, jobstore.Job{
		ID:      "late",
		Trigger: trigger.Spec{Type: trigger.Date, RunDate: base.Add(-2 * time.Hour).Format("2006-01-02 15:04:05")},
		Task:    jobstore.Task{Name: "count"},
	})
	events, stop := f.bus.Subscribe(16)
	defer stop()

	if wake := f.advance(0); !wake.IsZero() {
		t.Fatalf("wake=%s, want nothing scheduled", wake)
	}
	if got := f.disp.take(); len(got) != 0 {
		t.Fatalf("overdue job was dispatched: %+v", got)
	}
	st := f.status(t, "late")
	if st.State != StateTerminal || st.Misfires != 1 {
		t.Fatalf("status: %+v", st)
	}
	runs := f.hist.all()
	if len(runs) != 1 || runs[0].Status != storage.StatusMisfired {
		t.Fatalf("history: %+v", runs)
	}

	select {
	case ev := <-events:
		if ev.Type != eventbus.JobMisfired {
			t.Fatalf("event %s", ev.Type)
		}
	default:
		t.Fatal("no misfire event")
	}
}

func TestOneShotWithinGraceRuns(t *testing.T) {
	t.Parallel()

	f := newFixture(t, jobstore.Job{
		ID:      "soon",
		Trigger: trigger.Spec{Type: trigger.Date, RunDate: base.Add(-30 * time.Second).Format("2006-01-02 15:04:05")},
		Task:    jobstore.Task{Name: "count"},
	})
	f.advance(0)
	runTasks(f.disp.take())
	if f.calls.Load() != 1 {
		t.Fatalf("calls=%d", f.calls.Load())
	}
	if st := f.status(t, "soon"); st.State != StateTerminal || st.LastRun.IsZero() {
		t.Fatalf("status: %+v", st)
	}
}

func TestMaxInstancesDefersFirings(t *testing.T) {
	t.Parallel()

	job := every("busy", 10)
	no := false
	job.Coalesce = &no
	f := newFixture(t, job)

	f.advance(10 * time.Second)
	first := f.disp.take()
	if len(first) != 1 {
		t.Fatalf("first firing: %d tasks", len(first))
	}

	f.advance(10 * time.Second)
	if got := f.disp.take(); len(got) != 0 {
		t.Fatalf("second firing dispatched while first is running")
	}
	if st := f.status(t, "busy"); st.State != StateRunning || st.Running != 1 || st.Pending != 1 {
		t.Fatalf("status: %+v", st)
	}

	runTasks(first)
	f.advance(time.Second)
	deferred := f.disp.take()
	if len(deferred) != 1 {
		t.Fatalf("deferred firing not dispatched: %d", len(deferred))
	}
	runTasks(deferred)
	if f.calls.Load() != 2 {
		t.Fatalf("calls=%d", f.calls.Load())
	}
}

func TestDeferredFiringPastGraceIsMisfired(t *testing.T) {
	t.Parallel()

	job := every("slow", 10)
	job.MisfireGraceTime = 5
	f := newFixture(t, job)

	f.advance(10 * time.Second)
	first := f.disp.take()
	f.advance(10 * time.Second) // deferred at +20s
	f.advance(8 * time.Second)  // +28s, deferred firing is 8s late
	runTasks(first)
	f.advance(0)
	if got := f.disp.take(); len(got) != 0 {
		t.Fatalf("late deferred firing dispatched")
	}
	if st := f.status(t, "slow"); st.Misfires != 1 || st.Pending != 0 {
		t.Fatalf("status: %+v", st)
	}
}

func TestLongStallRunsFiringInsideGrace(t *testing.T) {
	t.Parallel()

	job := every("tick", 1)
	job.MisfireGraceTime = 5
	f := newFixture(t, job)
	events, stop := f.bus.Subscribe(16)
	defer stop()

	f.advance(time.Hour)
	tasks := f.disp.take()
	if len(tasks) != 1 {
		t.Fatalf("dispatched %d tasks after stall, want 1", len(tasks))
	}
	runTasks(tasks)
	if f.calls.Load() != 1 {
		t.Fatalf("calls=%d", f.calls.Load())
	}

	var misfired []storage.RunRecord
	for _, r := range f.hist.all() {
		if r.Status == storage.StatusMisfired {
			misfired = append(misfired, r)
		}
	}
	if len(misfired) != 1 {
		t.Fatalf("misfire records=%d, want one summary", len(misfired))
	}
	if st := f.status(t, "tick"); st.Misfires != trigger.MaxCatchUp+1 {
		t.Fatalf("misfires=%d", st.Misfires)
	}

	var seen int
	for len(events) > 0 {
		if ev := <-events; ev.Type == eventbus.JobMisfired {
			seen++
			if fe := ev.Data.(FireEvent); fe.Count != trigger.MaxCatchUp+1 {
				t.Fatalf("event count=%d", fe.Count)
			}
		}
	}
	if seen != 1 {
		t.Fatalf("misfire events=%d", seen)
	}
}

func TestMisfiresRecordedOutsideLock(t *testing.T) {
	t.Parallel()

	job := every("tick", 1)
	job.MisfireGraceTime = 5
	f := newFixture(t, job)
	var locked atomic.Bool
	f.hist.onAppend = func() {
		if !f.svc.mu.TryLock() {
			locked.Store(true)
			return
		}
		f.svc.mu.Unlock()
	}

	f.advance(30 * time.Second)
	if locked.Load() {
		t.Fatal("history written while the scheduler lock was held")
	}
	if got := len(f.hist.all()); got != 1 {
		t.Fatalf("records=%d", got)
	}
}

func TestDisabledJobIsPaused(t *testing.T) {
	t.Parallel()

	job := every("off", 10)
	off := false
	job.Enabled = &off
	f := newFixture(t, job)

	st := f.status(t, "off")
	if st.State != StatePaused || !st.Next.IsZero() {
		t.Fatalf("status: %+v", st)
	}
	f.advance(time.Hour)
	if got := f.disp.take(); len(got) != 0 {
		t.Fatalf("paused job fired")
	}

	// Manual runs ignore the enabled flag.
	res, err := f.svc.RunNow(context.Background(), "off")
	if err != nil || res.Result != "ok" {
		t.Fatalf("run now: %+v %v", res, err)
	}
	runs := f.hist.all()
	if len(runs) != 1 || runs[0].Trigger != storage.TriggerManual {
		t.Fatalf("history: %+v", runs)
	}
}

func TestRemovalDoesNotAbortRunningExecution(t *testing.T) {
	t.Parallel()

	f := newFixture(t, every("j1", 10))
	f.advance(10 * time.Second)
	tasks := f.disp.take()
	if len(tasks) != 1 {
		t.Fatalf("tasks=%d", len(tasks))
	}

	if err := f.svc.RemoveJob(context.Background(), "j1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.svc.Job("j1"); ok {
		t.Fatal("removed job still scheduled")
	}

	if err := tasks[0].Run(context.Background()); err != nil {
		t.Fatalf("in-flight run failed: %v", err)
	}
	if f.calls.Load() != 1 {
		t.Fatalf("calls=%d", f.calls.Load())
	}
	if runs := f.hist.all(); len(runs) != 1 || runs[0].Status != storage.StatusOK {
		t.Fatalf("history: %+v", runs)
	}
	f.advance(time.Minute)
	if got := f.disp.take(); len(got) != 0 {
		t.Fatal("removed job fired")
	}
	if err := f.svc.RemoveJob(context.Background(), "j1"); !errors.Is(err, jobstore.ErrJobNotFound) {
		t.Fatalf("second remove: %v", err)
	}
}

func TestCorruptDocumentKeepsSchedule(t *testing.T) {
	t.Parallel()

	f := newFixture(t, every("j1", 10))
	if err := os.WriteFile(f.store.Path(), []byte(`{"version": 1, "jobs": [`), 0o600); err != nil {
		t.Fatal(err)
	}
	err := f.svc.Reconcile(context.Background())
	if !jobstore.IsCorrupt(err) {
		t.Fatalf("err=%v, want corrupt document", err)
	}
	if next := f.status(t, "j1").Next; !next.Equal(base.Add(10 * time.Second)) {
		t.Fatalf("schedule changed: next=%s", next)
	}
	f.advance(10 * time.Second)
	if got := f.disp.take(); len(got) != 1 {
		t.Fatalf("tasks=%d", len(got))
	}
}

func TestUnknownTaskAndPanicsAreRecorded(t *testing.T) {
	t.Parallel()

	ghost := every("ghost", 10)
	ghost.Task.Name = "missing"
	boom := every("boom", 10)
	boom.Task.Name = "boom"
	f := newFixture(t, ghost, boom)

	f.advance(10 * time.Second)
	tasks := f.disp.take()
	if len(tasks) != 2 {
		t.Fatalf("tasks=%d", len(tasks))
	}
	for _, tk := range tasks {
		var ee *ExecutionError
		if err := tk.Run(context.Background()); !errors.As(err, &ee) {
			t.Fatalf("%s: err=%v", tk.Key, err)
		}
	}
	if st := f.status(t, "ghost"); st.LastError == "" || st.State != StateScheduled {
		t.Fatalf("ghost status: %+v", st)
	}
	for _, r := range f.hist.all() {
		if r.Status != storage.StatusFailed {
			t.Fatalf("record: %+v", r)
		}
	}

	_, err := f.svc.RunNow(context.Background(), "ghost")
	if !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("run now: %v", err)
	}
	if _, err := f.svc.RunNow(context.Background(), "nope"); !errors.Is(err, jobstore.ErrJobNotFound) {
		t.Fatalf("run now unknown job: %v", err)
	}
}

func TestQueueFullRetries(t *testing.T) {
	t.Parallel()

	f := newFixture(t, every("j1", 10))
	f.disp.full = 1

	wake := f.advance(10 * time.Second)
	if want := f.now.Add(retryDelay); !wake.Equal(want) {
		t.Fatalf("wake=%s want %s", wake, want)
	}
	if st := f.status(t, "j1"); st.Pending != 1 || st.Running != 0 {
		t.Fatalf("status: %+v", st)
	}
	if got := f.disp.take(); len(got) != 0 {
		t.Fatalf("firing re-enqueued in the same pass: %d tasks", len(got))
	}
	f.advance(retryDelay)
	if got := f.disp.take(); len(got) != 1 {
		t.Fatalf("tasks=%d", len(got))
	}
}

func TestResultStringKeepsRunesWhole(t *testing.T) {
	t.Parallel()

	out := resultString(strings.Repeat("a", maxResultLen-1) + "é")
	if len(out) != maxResultLen-1 || !utf8.ValidString(out) {
		t.Fatalf("len=%d valid=%v", len(out), utf8.ValidString(out))
	}
	if got := resultString(map[string]int{"n": 1}); got != `{"n":1}` {
		t.Fatalf("json result=%q", got)
	}
}

func TestDiscardReleasesSlot(t *testing.T) {
	t.Parallel()

	f := newFixture(t, every("j1", 10))
	f.advance(10 * time.Second)
	tasks := f.disp.take()
	tasks[0].Discard()
	tasks[0].Discard()
	if st := f.status(t, "j1"); st.Running != 0 {
		t.Fatalf("running=%d", st.Running)
	}
}

func TestServiceWatchesJobsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "jobs.json")
	reg := handlers.NewRegistry()
	var calls atomic.Int64
	_ = reg.Register("count", func(ctx context.Context, kw map[string]any) (any, error) {
		calls.Add(1)
		return nil, nil
	})

	eng := engine.New(engine.Config{Workers: 1}, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop(context.Background())

	store := jobstore.New(path)
	svc := New(Config{Timezone: "UTC", Debounce: 20 * time.Millisecond, PollInterval: 50 * time.Millisecond}, store, reg, eng, logx.Nop(), nil)
	if err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop(context.Background())

	// The watcher may take its baseline after the first write, so keep
	// rewriting with different content until the job runs.
	write := func(n int) {
		doc := &jobstore.Document{Version: jobstore.SchemaVersion, Jobs: []jobstore.Job{{
			ID:      "now",
			Trigger: trigger.Spec{Type: trigger.Date, RunDate: time.Now().UTC().Add(-time.Second).Format("2006-01-02 15:04:05")},
			Task:    jobstore.Task{Name: "count", Kwargs: map[string]any{"n": n}},
		}}}
		if err := jobstore.Save(path, doc); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for n := 0; calls.Load() == 0; n++ {
		if time.Now().After(deadline) {
			t.Fatalf("job from edited file never ran; jobs=%+v", svc.Jobs())
		}
		if n%25 == 0 {
			write(n)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		typ     trigger.Type
		every   time.Duration
		expr    string
		wantErr bool
	}{
		{in: "*/5 * * * *", typ: trigger.Cron, expr: "*/5 * * * *"},
		{in: "@hourly", typ: trigger.Cron, expr: "@hourly"},
		{in: "cron:0 9 * * mon-fri", typ: trigger.Cron, expr: "0 9 * * mon-fri"},
		{in: "55m", typ: trigger.Interval, every: 55 * time.Minute},
		{in: "02:30", typ: trigger.Interval, every: 150 * time.Minute},
		{in: "1h 20m", typ: trigger.Interval, every: 80 * time.Minute},
		{in: "every:90s", typ: trigger.Interval, every: 90 * time.Second},
		{in: "", wantErr: true},
		{in: "00:00", wantErr: true},
		{in: "01:75", wantErr: true},
		{in: "soon", wantErr: true},
		{in: "cron:not a cron", wantErr: true},
	}
	for _, tc := range cases {
		spec, err := ParseSchedule(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error, got %+v", tc.in, spec)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if spec.Type != tc.typ || spec.Every() != tc.every || spec.Expression != tc.expr {
			t.Fatalf("%q: got %+v", tc.in, spec)
		}
	}
}
