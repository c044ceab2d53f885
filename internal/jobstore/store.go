// Package jobstore reads and writes the JSON jobs document shared by the
// scheduler, the CLI and the admin API.
//
// Every mutation is a whole-document read-modify-write under the store lock
// followed by an atomic replace of the file (temp file, fsync, rename), so a
// concurrently watching scheduler only ever sees complete documents.
package jobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"agentd/internal/filewatch"
)

// CorruptDocumentError reports a jobs file that cannot be used as a whole.
// Callers keep their previous view of the jobs when they see it.
type CorruptDocumentError struct {
	Path string
	Err  error
}

func (e *CorruptDocumentError) Error() string {
	return fmt.Sprintf("corrupt jobs document %s: %v", e.Path, e.Err)
}

func (e *CorruptDocumentError) Unwrap() error { return e.Err }

// IsCorrupt reports whether err is (or wraps) a CorruptDocumentError.
func IsCorrupt(err error) bool {
	var ce *CorruptDocumentError
	return errors.As(err, &ce)
}

// Load reads the document at path. A missing or blank file is an empty document.
func Load(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Document{Version: SchemaVersion, Jobs: []Job{}}, nil
		}
		return nil, err
	}
	return Parse(path, b)
}

// Parse decodes a document. Structural problems yield *CorruptDocumentError.
func Parse(path string, b []byte) (*Document, error) {
	corrupt := func(err error) error { return &CorruptDocumentError{Path: path, Err: err} }

	if len(bytes.TrimSpace(b)) == 0 {
		return &Document{Version: SchemaVersion, Jobs: []Job{}}, nil
	}
	var root any
	if err := json.Unmarshal(b, &root); err != nil {
		return nil, corrupt(err)
	}
	obj, ok := root.(map[string]any)
	if !ok {
		return nil, corrupt(errors.New("root must be an object"))
	}

	doc := &Document{Version: SchemaVersion, Jobs: []Job{}}
	if v, ok := obj["version"]; ok && v != nil {
		n, isNum := v.(float64)
		if !isNum || n != SchemaVersion {
			return nil, corrupt(fmt.Errorf("unsupported version %v (want %d)", v, SchemaVersion))
		}
	}

	rawJobs, ok := obj["jobs"]
	if !ok || rawJobs == nil {
		return doc, nil
	}
	list, ok := rawJobs.([]any)
	if !ok {
		return nil, corrupt(errors.New("jobs must be a list"))
	}
	seen := make(map[string]struct{}, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, corrupt(fmt.Errorf("jobs[%d]: must be an object", i))
		}
		j, err := decodeJob(m)
		if err != nil {
			return nil, corrupt(fmt.Errorf("jobs[%d]: %w", i, err))
		}
		if _, dup := seen[j.ID]; dup {
			return nil, corrupt(fmt.Errorf("jobs[%d]: duplicate id %q", i, j.ID))
		}
		seen[j.ID] = struct{}{}
		doc.Jobs = append(doc.Jobs, j)
	}
	return doc, nil
}

// Save writes doc atomically: a temp file in the same directory is written,
// synced and renamed over path.
func Save(path string, doc *Document) error {
	if doc == nil {
		doc = &Document{}
	}
	out := Document{Version: SchemaVersion, Jobs: doc.Jobs}
	if out.Jobs == nil {
		out.Jobs = []Job{}
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

// Store serializes mutations of one jobs file within the process.
type Store struct {
	path string
	mu   sync.Mutex
}

func New(path string) *Store { return &Store{path: path} }

func (s *Store) Path() string { return s.path }

// Ensure creates an empty document when the file does not exist yet.
func (s *Store) Ensure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return Save(s.path, &Document{Version: SchemaVersion})
}

func (s *Store) Load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Load(s.path)
}

// List returns the current jobs in document order.
func (s *Store) List() ([]Job, error) {
	doc, err := s.Load()
	if err != nil {
		return nil, err
	}
	return doc.Jobs, nil
}

func (s *Store) Get(id string) (Job, error) {
	doc, err := s.Load()
	if err != nil {
		return Job{}, err
	}
	i := doc.Find(strings.TrimSpace(id))
	if i < 0 {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return doc.Jobs[i], nil
}

// Add appends a job. An empty id is replaced by a random UUID.
func (s *Store) Add(job Job) (Job, error) {
	job.ID = strings.TrimSpace(job.ID)
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job = job.Normalized()
	if err := job.Validate(); err != nil {
		return Job{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := Load(s.path)
	if err != nil {
		return Job{}, err
	}
	if doc.Find(job.ID) >= 0 {
		return Job{}, fmt.Errorf("%w: %s", ErrDuplicateID, job.ID)
	}
	doc.Jobs = append(doc.Jobs, job)
	if err := Save(s.path, doc); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Update deep-merges patch into the job. The id cannot be changed.
func (s *Store) Update(id string, patch map[string]any) (Job, error) {
	id = strings.TrimSpace(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := Load(s.path)
	if err != nil {
		return Job{}, err
	}
	i := doc.Find(id)
	if i < 0 {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	base, err := toMap(doc.Jobs[i])
	if err != nil {
		return Job{}, err
	}
	merged := mergePatch(base, patch)
	merged["id"] = id
	job, err := decodeJob(merged)
	if err != nil {
		return Job{}, err
	}
	doc.Jobs[i] = job
	if err := Save(s.path, doc); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Remove deletes the job. Missing ids yield ErrJobNotFound.
func (s *Store) Remove(id string) error {
	id = strings.TrimSpace(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := Load(s.path)
	if err != nil {
		return err
	}
	i := doc.Find(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	doc.Jobs = append(doc.Jobs[:i], doc.Jobs[i+1:]...)
	return Save(s.path, doc)
}

// Watch streams debounced content changes of the jobs file until ctx is done.
func (s *Store) Watch(ctx context.Context, opt filewatch.Options) <-chan filewatch.Event {
	return filewatch.Watch(ctx, s.path, opt)
}
