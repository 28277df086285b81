package store

import (
	"context"
	"time"
)

// RequestLogRecord is one forwarded request as persisted in request_logs.
type RequestLogRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	ClientIP   string    `json:"client_ip"`
	Domain     string    `json:"domain"`
	Path       string    `json:"path"`
	Method     string    `json:"method"`
	StatusCode int       `json:"status_code"`
	CustomerID int       `json:"customer_id"`
}

// Sink is the write-only persistence boundary of the proxy core
type Sink interface {
	// SaveRequestLog persists one request log record
	SaveRequestLog(ctx context.Context, record RequestLogRecord) error

	// StoreCachedResponse keeps an offline copy of a cached response. The
	// proxy never reads it back.
	StoreCachedResponse(ctx context.Context, url string, response []byte, storedAt time.Time) error

	// HealthCheck reports whether the backend is reachable
	HealthCheck(ctx context.Context) error

	// Close cleans up resources
	Close() error
}

// HostStore persists the filtered host table
type HostStore interface {
	LoadHosts(ctx context.Context) ([]string, error)
	AddHost(ctx context.Context, host string) error
	// RemoveHost reports whether the host was present
	RemoveHost(ctx context.Context, host string) (bool, error)
}

// Backend is a storage backend serving both boundaries
type Backend interface {
	Sink
	HostStore
}
