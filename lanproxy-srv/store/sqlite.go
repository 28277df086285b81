package store

import (
	"database/sql"
	"fmt"

	"github.com/codefionn/lanproxy/lanproxy-srv/logger"
	_ "github.com/mattn/go-sqlite3"
)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	// SQLite serializes writers anyway
	db.SetMaxOpenConns(1)

	s, err := newSQLStore(db, "sqlite3")
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug("Initialized sqlite store at %s", dbPath)
	return s, nil
}
