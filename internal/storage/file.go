package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "agentd/pkg/logx"
)

// fileStore keeps history in JSON Lines files.
//
// Files:
//   - <prefix>.runs.jsonl    (append-only, compacted to the newest MaxRuns records)
//   - <prefix>.reloads.jsonl (append-only)
//
// Compaction rewrites the runs file through a temp file and a rename.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	runsPath    string
	runsFile    *os.File
	reloadsFile *os.File

	maxRuns   int
	runWrites int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	runsPath := prefix + ".runs.jsonl"
	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	lf, err := os.OpenFile(prefix+".reloads.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = rf.Close()
		return nil, err
	}

	return &fileStore{
		log:         log,
		runsPath:    runsPath,
		runsFile:    rf,
		reloadsFile: lf,
		maxRuns:     cfg.maxRuns(),
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.runsFile != nil {
		errs = append(errs, s.runsFile.Close())
		s.runsFile = nil
	}
	if s.reloadsFile != nil {
		errs = append(errs, s.reloadsFile.Close())
		s.reloadsFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return errors.New("runs file closed")
	}
	if err := json.NewEncoder(s.runsFile).Encode(r); err != nil {
		return err
	}
	s.runWrites++
	if s.runWrites%s.compactEvery() == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("runs compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactEvery() int {
	n := s.maxRuns / 2
	if n < 1 {
		n = 1
	}
	return n
}

func (s *fileStore) RecentRuns(ctx context.Context, jobID string, limit int) ([]RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := readRuns(s.runsPath)
	if err != nil {
		return nil, err
	}
	out := make([]RunRecord, 0, min(max(limit, 0), len(all)))
	for i := len(all) - 1; i >= 0; i-- {
		if jobID != "" && all[i].JobID != jobID {
			continue
		}
		out = append(out, all[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fileStore) AppendReload(ctx context.Context, r ReloadRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reloadsFile == nil {
		return errors.New("reloads file closed")
	}
	return json.NewEncoder(s.reloadsFile).Encode(r)
}

// compactLocked keeps the newest maxRuns records.
func (s *fileStore) compactLocked() error {
	all, err := readRuns(s.runsPath)
	if err != nil {
		return err
	}
	if len(all) <= s.maxRuns {
		return nil
	}
	all = all[len(all)-s.maxRuns:]

	tmp := s.runsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range all {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.runsPath); err != nil {
		return err
	}
	// The old handle points at the replaced inode; reopen for appends.
	nf, err := os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.runsFile.Close()
	s.runsFile = nf
	return nil
}

func readRuns(path string) ([]RunRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var out []RunRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.JobID == "" {
			continue
		}
		out = append(out, r)
	}
	return out, sc.Err()
}
