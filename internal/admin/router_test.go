package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"agentd/internal/extensions"
	"agentd/internal/jobstore"
	"agentd/internal/storage"
	"agentd/internal/task/scheduler"
	logx "agentd/pkg/logx"
)

type fakeScheduler struct {
	mu   sync.Mutex
	jobs map[string]jobstore.Job
}

func (f *fakeScheduler) Snapshot() scheduler.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := scheduler.Snapshot{Running: true, Timezone: "UTC"}
	for id, j := range f.jobs {
		snap.Jobs = append(snap.Jobs, scheduler.JobStatus{ID: id, Task: j.Task.Name})
	}
	return snap
}

func (f *fakeScheduler) AddJob(ctx context.Context, job jobstore.Job) (jobstore.Job, error) {
	if err := job.Validate(); err != nil {
		return jobstore.Job{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[job.ID]; ok {
		return jobstore.Job{}, jobstore.ErrDuplicateID
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeScheduler) RemoveJob(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[id]; !ok {
		return jobstore.ErrJobNotFound
	}
	delete(f.jobs, id)
	return nil
}

func (f *fakeScheduler) RunNow(ctx context.Context, id string) (scheduler.RunResult, error) {
	f.mu.Lock()
	j, ok := f.jobs[id]
	f.mu.Unlock()
	if !ok {
		return scheduler.RunResult{}, jobstore.ErrJobNotFound
	}
	return scheduler.RunResult{JobID: id, Task: j.Task.Name, Result: "done"}, nil
}

type fakeHistory struct{}

func (fakeHistory) RecentRuns(ctx context.Context, jobID string, limit int) ([]storage.RunRecord, error) {
	return []storage.RunRecord{{JobID: jobID, Task: "log", Status: storage.StatusOK, StartedAt: time.Unix(0, 0).UTC()}}, nil
}

func newRegistry(t *testing.T) *extensions.Registry {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "echoer")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := `{"tool":{"label":"Echo","name":"echo","description":"echo args",
		"parameters":{"text":{"type":"string","required":true}},"execute":"builtin:echo"}}`
	if err := os.WriteFile(filepath.Join(dir, "extension.json"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	res := extensions.NewResolver()
	res.RegisterBuiltin("echo", extensions.InvokerFunc(func(ctx context.Context, args map[string]any) (any, error) {
		return args, nil
	}))
	return extensions.NewRegistry(extensions.Options{Resolver: res, Load: extensions.LoadOptions{Root: root}})
}

func newTestRouter(t *testing.T, token string) http.Handler {
	t.Helper()
	return NewRouter(Deps{
		Registry:  newRegistry(t),
		Scheduler: &fakeScheduler{jobs: map[string]jobstore.Job{}},
		History:   fakeHistory{},
		Metrics:   http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
	}, RouterOptions{Token: token, Log: logx.Nop()})
}

func do(t *testing.T, h http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAuth(t *testing.T) {
	t.Parallel()

	h := newTestRouter(t, "s3cret")
	if w := do(t, h, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz=%d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/extensions", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token=%d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/extensions", "", map[string]string{"X-Admin-Token": "wrong"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token=%d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/extensions", "", map[string]string{"X-Admin-Token": "s3cret"}); w.Code != http.StatusOK {
		t.Fatalf("header token=%d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/metrics", "", map[string]string{"Authorization": "Bearer s3cret"}); w.Code != http.StatusOK {
		t.Fatalf("bearer token=%d", w.Code)
	}
}

func TestReloadAndInvoke(t *testing.T) {
	t.Parallel()

	h := newTestRouter(t, "")
	w := do(t, h, http.MethodPost, "/extensions/reload", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reload=%d %s", w.Code, w.Body)
	}
	var rep extensions.Report
	if err := json.Unmarshal(w.Body.Bytes(), &rep); err != nil {
		t.Fatal(err)
	}
	if rep.Version != 1 || len(rep.ToolNames) != 1 || rep.ToolNames[0] != "echo" {
		t.Fatalf("report: %+v", rep)
	}
	if !strings.Contains(w.Body.String(), `"loadedUnits"`) || !strings.Contains(w.Body.String(), `"failedUnits"`) {
		t.Fatalf("report field names: %s", w.Body)
	}

	w = do(t, h, http.MethodPost, "/tools/echo/invoke", `{"text":"hi"}`, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"text":"hi"`) {
		t.Fatalf("invoke=%d %s", w.Code, w.Body)
	}
	if w := do(t, h, http.MethodPost, "/tools/echo/invoke", `{}`, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("missing arg=%d %s", w.Code, w.Body)
	}
	if w := do(t, h, http.MethodPost, "/tools/nope/invoke", `{}`, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown tool=%d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/tools/echo/invoke", `[1]`, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad body=%d", w.Code)
	}
}

func TestCronRoutes(t *testing.T) {
	t.Parallel()

	h := newTestRouter(t, "")
	job := `{"id":"beat","trigger":{"type":"interval","seconds":30},"task":{"name":"log","kwargs":{"message":"hi"}}}`
	if w := do(t, h, http.MethodPost, "/cron/jobs", job, nil); w.Code != http.StatusCreated {
		t.Fatalf("add=%d %s", w.Code, w.Body)
	}
	if w := do(t, h, http.MethodPost, "/cron/jobs", job, nil); w.Code != http.StatusConflict {
		t.Fatalf("duplicate=%d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/cron/jobs", `{"id":"x","trigger":{"type":"weekly"},"task":{"name":"log"}}`, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid=%d %s", w.Code, w.Body)
	}

	w := do(t, h, http.MethodGet, "/cron/jobs", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"id":"beat"`) {
		t.Fatalf("list=%d %s", w.Code, w.Body)
	}
	w = do(t, h, http.MethodPost, "/cron/jobs/beat/run", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"result":"done"`) {
		t.Fatalf("run=%d %s", w.Code, w.Body)
	}
	w = do(t, h, http.MethodGet, "/cron/jobs/beat/runs?limit=5", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"job_id":"beat"`) {
		t.Fatalf("runs=%d %s", w.Code, w.Body)
	}
	if w := do(t, h, http.MethodGet, "/cron/jobs/beat/runs?limit=x", "", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit=%d", w.Code)
	}
	if w := do(t, h, http.MethodDelete, "/cron/jobs/beat", "", nil); w.Code != http.StatusNoContent {
		t.Fatalf("remove=%d", w.Code)
	}
	if w := do(t, h, http.MethodDelete, "/cron/jobs/beat", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("remove again=%d", w.Code)
	}
}

func TestMissingDependencies(t *testing.T) {
	t.Parallel()

	h := NewRouter(Deps{}, RouterOptions{})
	for _, path := range []string{"/extensions", "/cron/jobs", "/cron/jobs/x/runs"} {
		if w := do(t, h, http.MethodGet, path, "", nil); w.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s=%d", path, w.Code)
		}
	}
	if w := do(t, h, http.MethodGet, "/metrics", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("metrics=%d", w.Code)
	}
}

func TestLoopbackAddr(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"127.0.0.1:8765": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":8765":          false,
		"0.0.0.0:8765":   false,
		"10.0.0.5:80":    false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("%s: got %v want %v", addr, got, want)
		}
	}
}

func TestServiceRefusesInsecureBind(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	if err := s.serveOnce(context.Background()); err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("err=%v", err)
	}
}

func TestServiceStartStop(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz=%d", resp.StatusCode)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	if s.Addr() != "" {
		t.Fatal("still serving after Stop")
	}
}
