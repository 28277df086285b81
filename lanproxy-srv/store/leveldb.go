package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/codefionn/lanproxy/lanproxy-srv/logger"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key prefixes inside the LevelDB keyspace
const (
	prefixLog    = "l:"
	prefixCached = "c:"
	prefixHost   = "h:"
)

type offlineResponse struct {
	URL      string
	Response []byte
	StoredAt time.Time
}

// LevelDBStore implements Backend on an embedded LevelDB directory. Only the
// latest offline copy per URL is kept.
type LevelDBStore struct {
	db  *leveldb.DB
	seq atomic.Uint64
}

// NewLevelDBStore opens (or creates) the LevelDB directory at path
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open LevelDB at %s: %w", path, err)
	}
	logger.Debug("Initialized leveldb store at %s", path)
	return &LevelDBStore{db: db}, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

// SaveRequestLog appends a record under a time-ordered key
func (l *LevelDBStore) SaveRequestLog(ctx context.Context, record RequestLogRecord) error {
	b, err := encodeGob(record)
	if err != nil {
		return fmt.Errorf("failed to encode request log: %w", err)
	}
	key := fmt.Sprintf("%s%020d:%08d", prefixLog, record.Timestamp.UnixNano(), l.seq.Add(1))
	if err := l.db.Put([]byte(key), b, nil); err != nil {
		return fmt.Errorf("failed to save request log: %w", err)
	}
	return nil
}

// StoreCachedResponse replaces the offline copy for url
func (l *LevelDBStore) StoreCachedResponse(ctx context.Context, url string, response []byte, storedAt time.Time) error {
	b, err := encodeGob(offlineResponse{URL: url, Response: response, StoredAt: storedAt})
	if err != nil {
		return fmt.Errorf("failed to encode cached response: %w", err)
	}
	if err := l.db.Put([]byte(prefixCached+url), b, nil); err != nil {
		return fmt.Errorf("failed to store cached response: %w", err)
	}
	return nil
}

// CachedResponse returns the offline copy for url, if any
func (l *LevelDBStore) CachedResponse(url string) ([]byte, time.Time, bool) {
	b, err := l.db.Get([]byte(prefixCached+url), nil)
	if err != nil {
		return nil, time.Time{}, false
	}
	var resp offlineResponse
	if err := decodeGob(b, &resp); err != nil {
		logger.Warn("Corrupt offline response for %s: %v", url, err)
		return nil, time.Time{}, false
	}
	return resp.Response, resp.StoredAt, true
}

// RequestLogs returns all persisted records in time order
func (l *LevelDBStore) RequestLogs() ([]RequestLogRecord, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(prefixLog)), nil)
	defer it.Release()

	records := []RequestLogRecord{}
	for it.Next() {
		var record RequestLogRecord
		if err := decodeGob(it.Value(), &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, it.Error()
}

// LoadHosts returns every stored host
func (l *LevelDBStore) LoadHosts(ctx context.Context) ([]string, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(prefixHost)), nil)
	defer it.Release()

	hosts := []string{}
	for it.Next() {
		hosts = append(hosts, string(bytes.TrimPrefix(it.Key(), []byte(prefixHost))))
	}
	return hosts, it.Error()
}

// AddHost stores a host
func (l *LevelDBStore) AddHost(ctx context.Context, host string) error {
	if err := l.db.Put([]byte(prefixHost+host), nil, nil); err != nil {
		return fmt.Errorf("failed to add filtered host: %w", err)
	}
	return nil
}

// RemoveHost deletes a host
func (l *LevelDBStore) RemoveHost(ctx context.Context, host string) (bool, error) {
	key := []byte(prefixHost + host)
	exists, err := l.db.Has(key, nil)
	if err != nil {
		return false, fmt.Errorf("failed to look up filtered host: %w", err)
	}
	if !exists {
		return false, nil
	}
	batch := new(leveldb.Batch)
	batch.Delete(key)
	if err := l.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("failed to remove filtered host: %w", err)
	}
	return true, nil
}

// HealthCheck reads a property to make sure the database is open
func (l *LevelDBStore) HealthCheck(ctx context.Context) error {
	if _, err := l.db.GetProperty("leveldb.stats"); err != nil {
		return fmt.Errorf("leveldb unavailable: %w", err)
	}
	return nil
}

// Close closes the database
func (l *LevelDBStore) Close() error {
	return l.db.Close()
}
