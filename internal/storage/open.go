package storage

import (
	"context"
	"errors"
	"strings"

	logx "agentd/pkg/logx"
)

// Store is the persistence API used by the scheduler, the registry and the admin API.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to limit records for jobID, newest first.
	// An empty jobID matches every job.
	RecentRuns(ctx context.Context, jobID string, limit int) ([]RunRecord, error)
	AppendReload(ctx context.Context, r ReloadRecord) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
