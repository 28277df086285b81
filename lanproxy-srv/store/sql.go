package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/codefionn/lanproxy/lanproxy-srv/logger"
)

// SQLStore implements Backend on database/sql. The SQLite and PostgreSQL
// constructors differ only in connection setup and placeholder style.
type SQLStore struct {
	db     *sql.DB
	driver string
}

func newSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	s := &SQLStore{db: db, driver: driver}
	if err := NewSchemaInitializer(db, driver).InitializeSchema(); err != nil {
		return nil, fmt.Errorf("schema initialization failed: %w", err)
	}
	return s, nil
}

// rebind rewrites ? placeholders into $n for PostgreSQL
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var builder strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			builder.WriteString(fmt.Sprintf("$%d", n))
			continue
		}
		builder.WriteRune(r)
	}
	return builder.String()
}

// SaveRequestLog inserts one row into request_logs
func (s *SQLStore) SaveRequestLog(ctx context.Context, record RequestLogRecord) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO request_logs (date, client_ip, domain, resource_path, method, status_code, customer_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		record.Timestamp.UTC(), record.ClientIP, record.Domain, record.Path, record.Method, record.StatusCode, record.CustomerID)
	if err != nil {
		return fmt.Errorf("failed to save request log: %w", err)
	}
	return nil
}

// StoreCachedResponse inserts one row into cached_responses
func (s *SQLStore) StoreCachedResponse(ctx context.Context, url string, response []byte, storedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO cached_responses (url, response, stored_at) VALUES (?, ?, ?)`),
		url, response, storedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to store cached response: %w", err)
	}
	return nil
}

// LoadHosts returns every row of filtered_hosts
func (s *SQLStore) LoadHosts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT host FROM filtered_hosts ORDER BY host`)
	if err != nil {
		return nil, fmt.Errorf("failed to query filtered hosts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logger.Error("Error closing rows: %v", closeErr)
		}
	}()

	hosts := []string{}
	for rows.Next() {
		var host string
		if err := rows.Scan(&host); err != nil {
			return nil, fmt.Errorf("failed to scan filtered host: %w", err)
		}
		hosts = append(hosts, host)
	}
	return hosts, rows.Err()
}

// AddHost inserts a host, ignoring duplicates
func (s *SQLStore) AddHost(ctx context.Context, host string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO filtered_hosts (host) VALUES (?) ON CONFLICT (host) DO NOTHING`), host)
	if err != nil {
		return fmt.Errorf("failed to add filtered host: %w", err)
	}
	return nil
}

// RemoveHost deletes a host
func (s *SQLStore) RemoveHost(ctx context.Context, host string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM filtered_hosts WHERE host = ?`), host)
	if err != nil {
		return false, fmt.Errorf("failed to remove filtered host: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

// CountRequestLogs returns the number of persisted request logs
func (s *SQLStore) CountRequestLogs(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM request_logs`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count request logs: %w", err)
	}
	return count, nil
}

// HealthCheck pings the database
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}
