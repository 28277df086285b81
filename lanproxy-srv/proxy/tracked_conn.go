package proxy

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/lanproxy/lanproxy-srv/logger"
)

// trackedConn is a socket registered with the proxy so shutdown can force
// it closed. It counts transferred bytes for the close log.
type trackedConn struct {
	net.Conn
	registry      *connRegistry
	connID        string
	role          string
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	startTime     time.Time
	closeOnce     sync.Once
	closeErr      error
}

// Read reads data from the connection, tracking the number of bytes received.
func (c *trackedConn) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if n > 0 {
		c.bytesReceived.Add(int64(n))
	}
	return n, err
}

// Write writes data to the connection, tracking the number of bytes sent.
func (c *trackedConn) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if n > 0 {
		c.bytesSent.Add(int64(n))
	}
	return n, err
}

// CloseWrite half-closes the socket when the transport supports it
func (c *trackedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Close closes the socket once and removes it from the registry
func (c *trackedConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
		c.registry.remove(c)
		logger.ForConn(c.connID).Trace("Closed %s socket after %s (sent=%d, received=%d)",
			c.role, time.Since(c.startTime).Round(time.Millisecond), c.bytesSent.Load(), c.bytesReceived.Load())
	})
	return c.closeErr
}

// connRegistry is the set of open client and origin sockets
type connRegistry struct {
	mu    sync.Mutex
	conns map[*trackedConn]struct{}
}

func newConnRegistry() *connRegistry {
	return &connRegistry{conns: make(map[*trackedConn]struct{})}
}

// track wraps conn and registers it
func (r *connRegistry) track(conn net.Conn, connID, role string) *trackedConn {
	tc := &trackedConn{
		Conn:      conn,
		registry:  r,
		connID:    connID,
		role:      role,
		startTime: time.Now(),
	}
	r.mu.Lock()
	r.conns[tc] = struct{}{}
	r.mu.Unlock()
	return tc
}

func (r *connRegistry) remove(tc *trackedConn) {
	r.mu.Lock()
	delete(r.conns, tc)
	r.mu.Unlock()
}

// Len returns the number of open sockets
func (r *connRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// closeAll force-closes every registered socket and returns how many there
// were
func (r *connRegistry) closeAll() int {
	r.mu.Lock()
	conns := make([]*trackedConn, 0, len(r.conns))
	for tc := range r.conns {
		conns = append(conns, tc)
	}
	r.mu.Unlock()

	for _, tc := range conns {
		_ = tc.Close()
	}
	return len(conns)
}
