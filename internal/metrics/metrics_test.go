package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"agentd/internal/eventbus"
	"agentd/internal/extensions"
	"agentd/internal/task/engine"
	"agentd/internal/task/scheduler"
)

func ev(typ string, data any) eventbus.Event {
	return eventbus.Event{Type: typ, Time: time.Now(), Data: data}
}

func TestObserveRegistryEvents(t *testing.T) {
	t.Parallel()

	c := New()
	c.Observe(ev(eventbus.ExtensionsReloaded, extensions.Report{
		Version:     3,
		ToolNames:   []string{"a", "b"},
		FailedUnits: []extensions.FailureReport{{Unit: "bad", Reason: "x"}},
	}))
	c.Observe(ev(eventbus.ExtensionsFailed, "boom"))
	c.Observe(ev(eventbus.ToolInvoked, extensions.InvokeResult{Tool: "a", Duration: time.Millisecond}))
	c.Observe(ev(eventbus.ToolInvoked, extensions.InvokeResult{Tool: "a", Err: "nope"}))

	if got := testutil.ToFloat64(c.registryVer); got != 3 {
		t.Fatalf("registry version=%v", got)
	}
	if got := testutil.ToFloat64(c.toolsActive); got != 2 {
		t.Fatalf("tools=%v", got)
	}
	if got := testutil.ToFloat64(c.reloads.WithLabelValues("error")); got != 1 {
		t.Fatalf("failed reloads=%v", got)
	}
	if got := testutil.ToFloat64(c.toolCalls.WithLabelValues("a", "error")); got != 1 {
		t.Fatalf("failed calls=%v", got)
	}
}

func TestObserveSchedulerEvents(t *testing.T) {
	t.Parallel()

	c := New()
	c.Observe(ev(eventbus.JobFired, scheduler.FireEvent{JobID: "j1"}))
	c.Observe(ev(eventbus.JobMisfired, scheduler.FireEvent{JobID: "j1"}))
	c.Observe(ev(eventbus.JobMisfired, scheduler.FireEvent{JobID: "j1", Count: 4}))
	c.Observe(ev(eventbus.JobCompleted, scheduler.RunEvent{JobID: "j1", Task: "log", Duration: 2 * time.Millisecond}))
	c.Observe(ev(eventbus.JobsReconcile, scheduler.ReconcileEvent{Added: []string{"j2"}, Unchanged: 1}))
	c.Observe(ev(eventbus.TaskStarted, engine.TaskEvent{QueueDelay: time.Millisecond}))
	c.Observe(ev(eventbus.TaskStarted, engine.TaskEvent{}))
	c.Observe(ev(eventbus.TaskFinished, engine.TaskEvent{}))

	for event, want := range map[string]float64{"fired": 1, "misfired": 5, "completed": 1, "failed": 0} {
		if got := testutil.ToFloat64(c.jobEvents.WithLabelValues(event)); got != want {
			t.Fatalf("%s=%v want %v", event, got, want)
		}
	}
	if got := testutil.ToFloat64(c.jobsScheduled); got != 2 {
		t.Fatalf("jobs=%v", got)
	}
	if got := testutil.ToFloat64(c.tasksInFlight); got != 1 {
		t.Fatalf("in flight=%v", got)
	}
}

func TestRunAndHandler(t *testing.T) {
	t.Parallel()

	c := New()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(c.reloads.WithLabelValues("error")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event not consumed")
		}
		// The subscription may not exist yet; publish until it is seen.
		eventbus.Publish(bus, eventbus.ExtensionsFailed, "x")
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "agentd_extensions_reloads_total") {
		t.Fatalf("metrics output missing reload counter:\n%s", body)
	}
}
