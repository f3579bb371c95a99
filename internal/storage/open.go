package storage

import (
	"errors"
	"strings"

	"courier/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (JobStore, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
