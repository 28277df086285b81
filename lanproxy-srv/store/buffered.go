package store

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/lanproxy/lanproxy-srv/logger"
)

const writeTimeout = 10 * time.Second

type pendingCachedResponse struct {
	url      string
	response []byte
	storedAt time.Time
}

// BufferedSink queues writes in memory and hands them to the underlying
// backend from a single flusher goroutine. Enqueueing never blocks; once the
// queue holds queueSize items new writes are dropped with a warning.
// Host operations pass straight through.
type BufferedSink struct {
	underlying Backend
	interval   time.Duration
	queueSize  int

	buffer struct {
		logs      []RequestLogRecord
		responses []pendingCachedResponse
		mu        sync.Mutex
	}

	kick     chan struct{}
	stopChan chan struct{}
	doneChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewBufferedSink wraps underlying with an asynchronous write queue
func NewBufferedSink(underlying Backend, queueSize int, interval time.Duration) *BufferedSink {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	b := &BufferedSink{
		underlying: underlying,
		interval:   interval,
		queueSize:  queueSize,
		kick:       make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
	b.buffer.logs = make([]RequestLogRecord, 0, 64)

	b.wg.Add(1)
	go b.flusher()

	return b
}

// Underlying returns the wrapped backend
func (b *BufferedSink) Underlying() Backend {
	return b.underlying
}

func (b *BufferedSink) flusher() {
	defer b.wg.Done()
	defer close(b.doneChan)

	logger.Debug("Starting buffered store flusher %s", b.interval)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.kick:
			b.flush()
		case <-b.stopChan:
			b.flush()
			return
		}
	}
}

func (b *BufferedSink) pending() int {
	return len(b.buffer.logs) + len(b.buffer.responses)
}

func (b *BufferedSink) notify() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// SaveRequestLog queues a request log record
func (b *BufferedSink) SaveRequestLog(ctx context.Context, record RequestLogRecord) error {
	b.buffer.mu.Lock()
	if b.pending() >= b.queueSize {
		b.buffer.mu.Unlock()
		logger.Warn("Store queue full, dropping request log for %s", record.Domain)
		return nil
	}
	b.buffer.logs = append(b.buffer.logs, record)
	b.buffer.mu.Unlock()

	b.notify()
	return nil
}

// StoreCachedResponse queues an offline copy of a cached response
func (b *BufferedSink) StoreCachedResponse(ctx context.Context, url string, response []byte, storedAt time.Time) error {
	b.buffer.mu.Lock()
	if b.pending() >= b.queueSize {
		b.buffer.mu.Unlock()
		logger.Warn("Store queue full, dropping cached response for %s", url)
		return nil
	}
	b.buffer.responses = append(b.buffer.responses, pendingCachedResponse{url: url, response: response, storedAt: storedAt})
	b.buffer.mu.Unlock()

	b.notify()
	return nil
}

func (b *BufferedSink) flush() {
	b.buffer.mu.Lock()
	logs := b.buffer.logs
	responses := b.buffer.responses
	b.buffer.logs = make([]RequestLogRecord, 0, 64)
	b.buffer.responses = nil
	b.buffer.mu.Unlock()

	if len(logs) == 0 && len(responses) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	for _, record := range logs {
		if err := b.underlying.SaveRequestLog(ctx, record); err != nil {
			logger.Error("Failed to persist request log: %v", err)
		}
	}
	for _, resp := range responses {
		if err := b.underlying.StoreCachedResponse(ctx, resp.url, resp.response, resp.storedAt); err != nil {
			logger.Error("Failed to persist cached response for %s: %v", resp.url, err)
		}
	}

	logger.Trace("Flushed %d request logs and %d cached responses", len(logs), len(responses))
}

// LoadHosts reads the host table of the underlying backend
func (b *BufferedSink) LoadHosts(ctx context.Context) ([]string, error) {
	return b.underlying.LoadHosts(ctx)
}

// AddHost adds a host in the underlying backend
func (b *BufferedSink) AddHost(ctx context.Context, host string) error {
	return b.underlying.AddHost(ctx, host)
}

// RemoveHost removes a host in the underlying backend
func (b *BufferedSink) RemoveHost(ctx context.Context, host string) (bool, error) {
	return b.underlying.RemoveHost(ctx, host)
}

// HealthCheck checks the underlying backend
func (b *BufferedSink) HealthCheck(ctx context.Context) error {
	return b.underlying.HealthCheck(ctx)
}

// Close drains the queue and closes the underlying backend
func (b *BufferedSink) Close() error {
	b.stopOnce.Do(func() {
		close(b.stopChan)
	})
	<-b.doneChan
	b.wg.Wait()
	return b.underlying.Close()
}
