package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	logx "agentd/pkg/logx"
)

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()

	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: st=%v err=%v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func runRecord(job string, i int) RunRecord {
	return RunRecord{
		JobID:     job,
		Task:      "log",
		Trigger:   TriggerSchedule,
		Status:    StatusOK,
		StartedAt: time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
		Duration:  time.Duration(i) * time.Millisecond,
		Result:    fmt.Sprintf("run-%d", i),
	}
}

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := st.AppendRun(ctx, runRecord("a", i)); err != nil {
			t.Fatal(err)
		}
	}
	failed := runRecord("b", 4)
	failed.Status, failed.Error = StatusFailed, "boom"
	failed.ScheduledAt = failed.StartedAt.Add(-time.Second)
	if err := st.AppendRun(ctx, failed); err != nil {
		t.Fatal(err)
	}

	got, err := st.RecentRuns(ctx, "a", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Result != "run-3" || got[1].Result != "run-2" {
		t.Fatalf("recent runs for a: %+v", got)
	}

	all, err := st.RecentRuns(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 || all[0].JobID != "b" {
		t.Fatalf("all runs: %+v", all)
	}
	b := all[0]
	if b.Status != StatusFailed || b.Error != "boom" || !b.ScheduledAt.Equal(failed.ScheduledAt) || b.Duration != 4*time.Millisecond {
		t.Fatalf("record b: %+v", b)
	}

	if err := st.AppendReload(ctx, ReloadRecord{Version: 1, Loaded: []string{"x"}, Tools: []string{"t"}, Failed: map[string]string{"y": "bad"}}); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestFileStore(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "data", "agentd")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	exerciseStore(t, st)
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "agentd.db"), BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	exerciseStore(t, st)
}

func TestFileStoreCompacts(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "agentd"), MaxRuns: 4}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		if err := st.AppendRun(ctx, runRecord("a", i)); err != nil {
			t.Fatal(err)
		}
	}
	got, err := st.RecentRuns(ctx, "a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 || got[0].Result != "run-10" || got[3].Result != "run-7" {
		t.Fatalf("after compaction: %d records, newest %+v", len(got), got)
	}
}
