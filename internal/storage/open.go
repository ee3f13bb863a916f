package storage

import (
	"context"
	"errors"
	"strings"

	logx "extsched/pkg/logx"
)

// Store is the persistence API used by the journal sink and the HTTP API.
type Store interface {
	AppendExecution(ctx context.Context, r Record) error
	// RecentExecutions returns up to limit records, newest first.
	// jobID filters when non-empty.
	RecentExecutions(ctx context.Context, jobID string, limit int) ([]Record, error)
	Close() error
}

const defaultRecentLimit = 50

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
	case "mysql":
		return openMySQL(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultRecentLimit
	}
	return min(limit, 1000)
}
