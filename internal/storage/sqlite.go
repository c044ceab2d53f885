package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "agentd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	maxRuns    int
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, maxRuns: cfg.maxRuns(), pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	var scheduled any
	if !r.ScheduledAt.IsZero() {
		scheduled = r.ScheduledAt.Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(job_id, task, origin, status, scheduled_at, started_at, duration_ns, err, result)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.JobID, r.Task, r.Trigger, r.Status, scheduled, r.StartedAt.Format(time.RFC3339Nano),
		int64(r.Duration), nullStr(r.Error), nullStr(r.Result),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("runs prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, jobID string, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = s.maxRuns
	}
	q := `SELECT job_id, task, origin, status, scheduled_at, started_at, duration_ns, err, result FROM runs`
	args := []any{}
	if jobID != "" {
		q += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r                 RunRecord
			scheduled, errStr sql.NullString
			result            sql.NullString
			started           string
			dur               int64
		)
		if err := rows.Scan(&r.JobID, &r.Task, &r.Trigger, &r.Status, &scheduled, &started, &dur, &errStr, &result); err != nil {
			return nil, err
		}
		if scheduled.Valid {
			r.ScheduledAt, _ = time.Parse(time.RFC3339Nano, scheduled.String)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.Duration = time.Duration(dur)
		r.Error, r.Result = errStr.String, result.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendReload(ctx context.Context, r ReloadRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	loaded, _ := json.Marshal(r.Loaded)
	tools, _ := json.Marshal(r.Tools)
	var failed any
	if len(r.Failed) > 0 {
		b, _ := json.Marshal(r.Failed)
		failed = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reloads(at, version, loaded, failed, tools) VALUES(?,?,?,?,?)`,
		r.At.Format(time.RFC3339Nano), int64(r.Version), string(loaded), failed, string(tools),
	)
	return err
}

func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id <= (SELECT MAX(id) FROM runs) - ?`, s.maxRuns)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
