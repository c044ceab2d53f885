// Package filewatch turns edits of a single file into a debounced,
// content-deduplicated stream of change events.
//
// Two sources feed the stream: fsnotify on the parent directory (editors often
// replace files via rename, so watching the file itself is unreliable) and a
// periodic stat poll that covers filesystems without inotify support.
package filewatch

import (
	"context"
	"errors"
	"hash/fnv"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "agentd/pkg/logx"
)

const (
	DefaultDebounce     = 500 * time.Millisecond
	DefaultPollInterval = 2 * time.Second

	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Event reports a content change of the watched file.
type Event struct {
	Path    string
	Hash    uint64 // 0 when the file is missing or empty
	Missing bool
	At      time.Time
}

type Options struct {
	// Debounce is the quiet period after the last signal before the file is re-read.
	Debounce time.Duration
	// PollInterval enables the stat poll; negative disables it.
	PollInterval time.Duration
	// EmitInitial sends one event for the current content right away.
	EmitInitial bool
	Log         logx.Logger
}

// HashBytes returns a stable 64-bit hash of b. Empty input returns 0.
func HashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// HashFile hashes the file content. A missing file hashes to 0 with missing=true.
func HashFile(path string) (hash uint64, missing bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, true, nil
		}
		return 0, false, err
	}
	return HashBytes(b), false, nil
}

// Watch starts watching path and returns the event stream.
// The stream never ends on its own: watcher failures are retried with backoff.
// It is closed once ctx is done.
func Watch(ctx context.Context, path string, opt Options) <-chan Event {
	if opt.Debounce <= 0 {
		opt.Debounce = DefaultDebounce
	}
	if opt.PollInterval == 0 {
		opt.PollInterval = DefaultPollInterval
	}
	out := make(chan Event, 1)
	w := &watcher{path: path, opt: opt, log: opt.Log, out: out, signal: make(chan struct{}, 1)}
	go w.run(ctx)
	return out
}

type watcher struct {
	path   string
	opt    Options
	log    logx.Logger
	out    chan Event
	signal chan struct{}

	lastHash    uint64
	lastMissing bool
	lastStat    statKey
}

type statKey struct {
	exists  bool
	size    int64
	modTime time.Time
}

func (w *watcher) run(ctx context.Context) {
	defer close(w.out)

	h, missing, err := HashFile(w.path)
	if err != nil && !w.log.IsZero() {
		w.log.Warn("watch: initial read failed", logx.String("path", w.path), logx.Err(err))
	}
	w.lastHash, w.lastMissing = h, missing
	w.lastStat = w.stat()
	if w.opt.EmitInitial {
		w.emit(Event{Path: w.path, Hash: h, Missing: missing, At: time.Now()})
	}

	go w.notifyLoop(ctx)

	var pollC <-chan time.Time
	if w.opt.PollInterval > 0 {
		t := time.NewTicker(w.opt.PollInterval)
		defer t.Stop()
		pollC = t.C
	}

	var (
		debounce *time.Timer
		fireC    <-chan time.Time
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	arm := func() {
		if debounce == nil {
			debounce = time.NewTimer(w.opt.Debounce)
		} else {
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(w.opt.Debounce)
		}
		fireC = debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.signal:
			arm()
		case <-pollC:
			if st := w.stat(); st != w.lastStat {
				w.lastStat = st
				arm()
			}
		case <-fireC:
			fireC = nil
			w.check()
		}
	}
}

func (w *watcher) stat() statKey {
	fi, err := os.Stat(w.path)
	if err != nil {
		return statKey{}
	}
	return statKey{exists: true, size: fi.Size(), modTime: fi.ModTime()}
}

// check re-reads the file and emits when the content actually changed.
func (w *watcher) check() {
	h, missing, err := HashFile(w.path)
	if err != nil {
		if !w.log.IsZero() {
			w.log.Warn("watch: read failed", logx.String("path", w.path), logx.Err(err))
		}
		return
	}
	w.lastStat = w.stat()
	if h == w.lastHash && missing == w.lastMissing {
		if !w.log.IsZero() {
			w.log.Debug("watch: content unchanged; skipping", logx.String("path", w.path))
		}
		return
	}
	w.lastHash, w.lastMissing = h, missing
	w.emit(Event{Path: w.path, Hash: h, Missing: missing, At: time.Now()})
}

// emit keeps only the latest event when the consumer is slow; consumers re-read the file anyway.
func (w *watcher) emit(ev Event) {
	select {
	case w.out <- ev:
		return
	default:
	}
	select {
	case <-w.out:
	default:
	}
	select {
	case w.out <- ev:
	default:
	}
}

func (w *watcher) poke() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// notifyLoop feeds fsnotify signals into w.signal and recreates the watcher
// when it breaks (closed channels, backend errors).
func (w *watcher) notifyLoop(ctx context.Context) {
	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	sleep := func() bool {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, restartBackoffMax)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
			return true
		}
	}

	for ctx.Err() == nil {
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			if !w.log.IsZero() {
				w.log.Warn("watch: init failed", logx.String("dir", dir), logx.Err(err))
			}
			if !sleep() {
				return
			}
			continue
		}
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			// The directory may not exist yet; the poll still covers the file.
			if !w.log.IsZero() {
				w.log.Debug("watch: add failed", logx.String("dir", dir), logx.Err(err))
			}
			if !sleep() {
				return
			}
			continue
		}
		backoff = restartBackoffBase

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) {
					w.poke()
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means we may have missed events; re-check once.
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					w.poke()
					continue
				}
				if !w.log.IsZero() {
					w.log.Warn("watch: error", logx.String("dir", dir), logx.Err(err))
				}
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
				}
			}
		}
		_ = fw.Close()
		if !w.log.IsZero() {
			w.log.Warn("watch: watcher stopped; restarting", logx.String("dir", dir))
		}
		if !sleep() {
			return
		}
	}
}
