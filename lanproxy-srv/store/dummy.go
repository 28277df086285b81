package store

import (
	"context"
	"time"
)

// DummyBackend is a no-op implementation of Backend
// It is used when persistence is disabled
type DummyBackend struct{}

// NewDummyBackend creates a new dummy backend
func NewDummyBackend() *DummyBackend {
	return &DummyBackend{}
}

// SaveRequestLog drops the record (no-op)
func (d *DummyBackend) SaveRequestLog(ctx context.Context, record RequestLogRecord) error {
	return nil
}

// StoreCachedResponse drops the response (no-op)
func (d *DummyBackend) StoreCachedResponse(ctx context.Context, url string, response []byte, storedAt time.Time) error {
	return nil
}

// LoadHosts returns no hosts
func (d *DummyBackend) LoadHosts(ctx context.Context) ([]string, error) {
	return []string{}, nil
}

// AddHost does nothing
func (d *DummyBackend) AddHost(ctx context.Context, host string) error {
	return nil
}

// RemoveHost does nothing
func (d *DummyBackend) RemoveHost(ctx context.Context, host string) (bool, error) {
	return false, nil
}

// HealthCheck always returns healthy for dummy backend
func (d *DummyBackend) HealthCheck(ctx context.Context) error {
	return nil
}

// Close does nothing for dummy backend
func (d *DummyBackend) Close() error {
	return nil
}
