package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"agentd/internal/config"
	"agentd/internal/extensions"
	"agentd/internal/jobstore"
	"agentd/internal/storage"
	"agentd/internal/task/handlers"
	"agentd/internal/trigger"
	logx "agentd/pkg/logx"
)

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		sc      *config.StorageConfig
		enabled bool
		driver  string
		busy    time.Duration
		wantErr bool
	}{
		{name: "nil", sc: nil},
		{name: "none", sc: &config.StorageConfig{Driver: "NONE"}},
		{name: "file", sc: &config.StorageConfig{Driver: "file", Path: "./store"}, enabled: true, driver: "file"},
		{name: "file without path", sc: &config.StorageConfig{Driver: "file"}, wantErr: true},
		{name: "sqlite3 alias", sc: &config.StorageConfig{Driver: "sqlite3", Path: "a.db"}, enabled: true, driver: "sqlite", busy: time.Second},
		{name: "sqlite busy", sc: &config.StorageConfig{Driver: "sqlite", Path: "a.db", BusyTimeout: "3s"}, enabled: true, driver: "sqlite", busy: 3 * time.Second},
		{name: "sqlite bad busy", sc: &config.StorageConfig{Driver: "sqlite", Path: "a.db", BusyTimeout: "soon"}, wantErr: true},
		{name: "unknown", sc: &config.StorageConfig{Driver: "postgres", Path: "x"}, wantErr: true},
	}
	for _, tc := range cases {
		got, enabled, err := mapStorageConfig(&config.Config{Storage: tc.sc})
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
		if enabled != tc.enabled || got.Driver != tc.driver || got.BusyTimeout != tc.busy {
			t.Fatalf("%s: got %+v enabled=%v", tc.name, got, enabled)
		}
	}
}

func TestMapTaskEngineConfig(t *testing.T) {
	t.Parallel()

	got, err := mapTaskEngineConfig(&config.Config{})
	if err != nil || got.Workers != 2 || got.QueueSize != 256 || got.HistorySize != 200 {
		t.Fatalf("defaults: %+v err=%v", got, err)
	}
	got, err = mapTaskEngineConfig(&config.Config{TaskEngine: &config.TaskEngineConfig{Workers: 8, DefaultTimeout: "30s"}})
	if err != nil || got.Workers != 8 || got.QueueSize != 256 || got.DefaultTimeout != 30*time.Second {
		t.Fatalf("override: %+v err=%v", got, err)
	}
	if _, err := mapTaskEngineConfig(&config.Config{TaskEngine: &config.TaskEngineConfig{DefaultTimeout: "-1s"}}); err == nil {
		t.Fatal("expected error for negative timeout")
	}
}

func TestMapSchedulerConfig(t *testing.T) {
	t.Parallel()

	got, err := mapSchedulerConfig(&config.Config{})
	if err != nil || got.Debounce != defaultCronDebounce || got.PollInterval != defaultCronPoll {
		t.Fatalf("defaults: %+v err=%v", got, err)
	}
	got, err = mapSchedulerConfig(&config.Config{Cron: config.CronConfig{Timezone: "Asia/Jakarta", PollInterval: "-1s"}})
	if err != nil || got.Timezone != "Asia/Jakarta" || got.PollInterval >= 0 {
		t.Fatalf("custom: %+v err=%v", got, err)
	}
	if _, err := mapSchedulerConfig(&config.Config{Cron: config.CronConfig{Timezone: "Mars/Base"}}); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

func TestMapLoadOptionsAndAdmin(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Extensions.ExcludedTools = " Shell , shell,exec "
	cfg.Extensions.LoadTimeout = "2s"
	opt, err := mapLoadOptions(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(opt.ExcludedTools, []string{"shell", "exec"}) || opt.UnitTimeout != 2*time.Second {
		t.Fatalf("load options: %+v", opt)
	}
	if opt.Parallelism != extensions.DefaultParallelism || opt.Root != "extensions" {
		t.Fatalf("load options: %+v", opt)
	}

	ac, err := mapAdminConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if ac.Enabled || ac.Addr != config.DefaultAdminAddr || ac.ReadTimeout != 10*time.Second {
		t.Fatalf("admin: %+v", ac)
	}
	cfg.Admin.IdleTimeout = "forever"
	if err := validate(cfg); err == nil {
		t.Fatal("expected validate to reject bad admin timeout")
	}
}

func TestReloadAuditRecordsFailures(t *testing.T) {
	t.Parallel()

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "agentd")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	audit := reloadAudit{store: st}
	err = audit.RecordReload(context.Background(), extensions.Report{
		Version:     3,
		LoadedUnits: []string{"weather"},
		FailedUnits: []extensions.FailureReport{{Unit: "broken", Reason: "bad manifest"}},
		ToolNames:   []string{"weather"},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestAppStartRunStop(t *testing.T) {
	t.Setenv(config.EnvExcludedUnits, "")
	t.Setenv(config.EnvExcludedTools, "")
	t.Setenv(config.EnvAdminToken, "")

	root := t.TempDir()
	writeJSON(t, filepath.Join(root, "ext", "notify", "extension.json"), map[string]any{
		"tool": map[string]any{
			"label":       "Notify",
			"name":        "notify",
			"description": "write a log line",
			"parameters":  map[string]any{"message": map[string]any{"type": "string", "required": true}},
			"execute":     "builtin:" + handlers.TaskLog,
		},
	})
	cfgPath := filepath.Join(root, "agentd.json")
	writeJSON(t, cfgPath, map[string]any{
		"logging":    map[string]any{"level": "error", "console": false},
		"extensions": map[string]any{"dir": filepath.Join(root, "ext"), "excluded_units": ""},
		"cron":       map[string]any{"enabled": true, "jobs_path": filepath.Join(root, "cron", "jobs.json"), "poll_interval": "-1s"},
		"storage":    map[string]any{"driver": "file", "path": filepath.Join(root, "data", "agentd")},
		"admin":      map[string]any{"enabled": false},
	})

	a, err := New(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}

	rep := a.Registry().Active().Report()
	if rep.Version != 1 || !slices.Equal(rep.ToolNames, []string{"notify"}) {
		t.Fatalf("report: %+v", rep)
	}
	if _, err := os.Stat(filepath.Join(root, "cron", "jobs.json")); err != nil {
		t.Fatalf("jobs file not created: %v", err)
	}

	_, err = a.Scheduler().AddJob(ctx, jobstore.Job{
		ID:      "ping",
		Trigger: trigger.Spec{Type: trigger.Interval, Hours: 1},
		Task: jobstore.Task{Name: handlers.TaskTool, Kwargs: map[string]any{
			"name": "notify",
			"args": map[string]any{"message": "hello"},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := a.Scheduler().Job("ping"); !ok {
		t.Fatal("job not scheduled after add")
	}

	res, err := a.Scheduler().RunNow(ctx, "ping")
	if err != nil {
		t.Fatal(err)
	}
	if res.Result != "hello" {
		t.Fatalf("result: %+v", res)
	}
	runs, err := a.History().RecentRuns(ctx, "ping", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Trigger != storage.TriggerManual || runs[0].Status != storage.StatusOK {
		t.Fatalf("runs: %+v", runs)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatal(err)
	}
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("app context not canceled after stop")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("unexpected fatal error: %v", err)
	}
}
