package filewatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitEvent(t *testing.T, ch <-chan Event, d time.Duration) (Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		return ev, ok
	case <-time.After(d):
		return Event{}, false
	}
}

func TestWatchEmitsOnContentChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobs.json")
	if err := os.WriteFile(path, []byte(`{"version":1}`), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := Watch(ctx, path, Options{Debounce: 20 * time.Millisecond, PollInterval: 30 * time.Millisecond})
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"version":1,"jobs":[]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	ev, ok := waitEvent(t, ch, 3*time.Second)
	if !ok {
		t.Fatal("no event after content change")
	}
	want := HashBytes([]byte(`{"version":1,"jobs":[]}`))
	if ev.Hash != want {
		t.Fatalf("Hash = %x, want %x", ev.Hash, want)
	}
}

func TestWatchSkipsIdenticalContent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobs.json")
	body := []byte(`{"version":1}`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := Watch(ctx, path, Options{Debounce: 20 * time.Millisecond, PollInterval: 30 * time.Millisecond})
	time.Sleep(50 * time.Millisecond)

	// Rewrite with identical bytes and bump mtime so both sources fire.
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Minute)
	_ = os.Chtimes(path, future, future)

	if ev, ok := waitEvent(t, ch, 300*time.Millisecond); ok {
		t.Fatalf("unexpected event for unchanged content: %+v", ev)
	}
}

func TestWatchEmitInitialAndClose(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "missing.json")
	ctx, cancel := context.WithCancel(context.Background())

	ch := Watch(ctx, path, Options{EmitInitial: true, PollInterval: -1})
	ev, ok := waitEvent(t, ch, time.Second)
	if !ok {
		t.Fatal("no initial event")
	}
	if !ev.Missing || ev.Hash != 0 {
		t.Fatalf("initial event = %+v, want missing with zero hash", ev)
	}

	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream not closed after cancel")
		}
	}
}
