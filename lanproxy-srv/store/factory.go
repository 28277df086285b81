package store

import (
	"context"
	"fmt"
	"time"

	"github.com/codefionn/lanproxy/lanproxy-srv/config"
)

// NewBackend creates the backend selected by cfg. Every backend except the
// dummy one is wrapped in a BufferedSink.
func NewBackend(cfg config.StoreConfig) (Backend, error) {
	var backend Backend
	var err error

	switch cfg.Backend {
	case "dummy", "":
		return NewDummyBackend(), nil
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = "lanproxy.db"
		}
		backend, err = NewSQLiteStore(path)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres-dsn is required for postgres backend")
		}
		backend, err = NewPostgresStore(cfg.PostgresDSN)
	case "leveldb":
		path := cfg.LevelDBPath
		if path == "" {
			path = "lanproxy-cache"
		}
		backend, err = NewLevelDBStore(path)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.Backend)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s backend: %w", cfg.Backend, err)
	}

	return NewBufferedSink(backend, cfg.QueueSize, time.Duration(cfg.FlushInterval)*time.Second), nil
}

// HealthChecker reports backend health for the admin API
type HealthChecker struct {
	sink Sink
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(sink Sink) *HealthChecker {
	return &HealthChecker{sink: sink}
}

// Check runs a health check bounded by timeout
func (h *HealthChecker) Check(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return h.sink.HealthCheck(ctx)
}
