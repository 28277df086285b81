package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/codefionn/lanproxy/lanproxy-srv/logger"
	_ "github.com/lib/pq"
)

// NewPostgresStore connects to PostgreSQL using connectionString
func NewPostgresStore(connectionString string) (*SQLStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s, err := newSQLStore(db, "postgres")
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug("Initialized postgres store")
	return s, nil
}
