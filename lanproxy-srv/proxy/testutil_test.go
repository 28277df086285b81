package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codefionn/lanproxy/lanproxy-srv/config"
	"github.com/codefionn/lanproxy/lanproxy-srv/store"
	"github.com/stretchr/testify/require"
)

// fakeOrigin is a raw TCP origin answering one request per connection. It
// counts accepted sockets so tests can assert on origin contact.
type fakeOrigin struct {
	listener net.Listener
	accepted atomic.Int32
	respond  func(n int, head string) string

	mu       sync.Mutex
	requests []string
}

func newFakeOrigin(t *testing.T, respond func(n int, head string) string) *fakeOrigin {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	o := &fakeOrigin{listener: listener, respond: respond}
	go o.serve()
	t.Cleanup(func() { _ = listener.Close() })
	return o
}

// staticOrigin always answers with response
func staticOrigin(t *testing.T, response string) *fakeOrigin {
	return newFakeOrigin(t, func(int, string) string { return response })
}

func (o *fakeOrigin) serve() {
	for {
		conn, err := o.listener.Accept()
		if err != nil {
			return
		}
		n := int(o.accepted.Add(1))
		go o.handle(conn, n)
	}
}

func (o *fakeOrigin) handle(conn net.Conn, n int) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	br := bufio.NewReader(conn)
	var head strings.Builder
	contentLength := 0
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		head.WriteString(line)
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		if name, value, ok := strings.Cut(trimmed, ":"); ok && strings.EqualFold(name, "Content-Length") {
			contentLength, _ = strconv.Atoi(strings.TrimSpace(value))
		}
	}
	body := make([]byte, contentLength)
	if _, err := io.ReadFull(br, body); err != nil {
		return
	}

	request := head.String() + string(body)
	o.mu.Lock()
	o.requests = append(o.requests, request)
	o.mu.Unlock()

	_, _ = io.WriteString(conn, o.respond(n, request))
}

func (o *fakeOrigin) Addr() string {
	return o.listener.Addr().String()
}

func (o *fakeOrigin) Port() int {
	return o.listener.Addr().(*net.TCPAddr).Port
}

func (o *fakeOrigin) Accepted() int {
	return int(o.accepted.Load())
}

func (o *fakeOrigin) Requests() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.requests...)
}

// URL returns the absolute-form target of path on this origin
func (o *fakeOrigin) URL(path string) string {
	return "http://" + o.Addr() + path
}

// echoOrigin echoes every byte back and half-closes on EOF. received
// collects what it read.
type echoOrigin struct {
	listener net.Listener
	accepted atomic.Int32

	mu       sync.Mutex
	received []byte
}

func newEchoOrigin(t *testing.T) *echoOrigin {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	o := &echoOrigin{listener: listener}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			o.accepted.Add(1)
			go o.echo(conn)
		}
	}()
	t.Cleanup(func() { _ = listener.Close() })
	return o
}

func (o *echoOrigin) echo(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			o.mu.Lock()
			o.received = append(o.received, buf[:n]...)
			o.mu.Unlock()
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if tcp, ok := conn.(*net.TCPConn); ok {
				_ = tcp.CloseWrite()
			}
			return
		}
	}
}

func (o *echoOrigin) Addr() string {
	return o.listener.Addr().String()
}

func (o *echoOrigin) Received() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]byte(nil), o.received...)
}

// recordingSink keeps everything written to it
type recordingSink struct {
	mu        sync.Mutex
	logs      []store.RequestLogRecord
	responses map[string][]byte
	failLogs  bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{responses: make(map[string][]byte)}
}

func (s *recordingSink) SaveRequestLog(ctx context.Context, record store.RequestLogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failLogs {
		return io.ErrClosedPipe
	}
	s.logs = append(s.logs, record)
	return nil
}

func (s *recordingSink) StoreCachedResponse(ctx context.Context, url string, response []byte, storedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[url] = append([]byte(nil), response...)
	return nil
}

func (s *recordingSink) HealthCheck(ctx context.Context) error { return nil }
func (s *recordingSink) Close() error                          { return nil }

func (s *recordingSink) Logs() []store.RequestLogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.RequestLogRecord(nil), s.logs...)
}

func (s *recordingSink) Response(url string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.responses[url]
	return b, ok
}

// hostSet is a minimal HostFilter
type hostSet map[string]bool

func (h hostSet) IsFilteredHost(host string) bool { return h[host] }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Servers = []config.ServerConfig{{
		Type:          config.ServerTypeProxy,
		ListenAddress: "127.0.0.1:0",
		Enabled:       true,
	}}
	cfg.TimeoutSeconds = 2
	cfg.ShutdownTimeoutMillis = 500
	cfg.Cache.OriginReadTimeoutMillis = 5000
	cfg.Tunnel.SNIPeekTimeoutMillis = 500
	cfg.Tunnel.HalfCloseTimeoutMillis = 1000
	return cfg
}

// startProxy serves p on a fresh loopback listener and returns its address
func startProxy(t *testing.T, p *Proxy) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() { _ = p.StartWithListener(listener) }()
	t.Cleanup(func() { _ = p.Stop() })
	return listener.Addr().String()
}

// newTestProxy builds a proxy from testConfig adjusted by mutate
func newTestProxy(t *testing.T, mutate func(cfg *config.Config), opts Options) (*Proxy, string) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	p := NewProxy(cfg, opts)
	return p, startProxy(t, p)
}

// roundTrip writes raw to the proxy and returns everything it answers
// until it closes the connection
func roundTrip(t *testing.T, proxyAddr, raw string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", proxyAddr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	_, err = io.WriteString(conn, raw)
	require.NoError(t, err)

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(resp)
}

func getRequest(target, host string, extra ...string) string {
	var b strings.Builder
	b.WriteString("GET " + target + " HTTP/1.1\r\n")
	b.WriteString("Host: " + host + "\r\n")
	for _, line := range extra {
		b.WriteString(line + "\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}

// openTunnel sends CONNECT for target and consumes the 200 answer
func openTunnel(t *testing.T, proxyAddr, target string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", proxyAddr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	_, err = io.WriteString(conn, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\n")
	require.NoError(t, err)

	answer := make([]byte, len(connectEstablished))
	_, err = io.ReadFull(conn, answer)
	require.NoError(t, err)
	require.Equal(t, connectEstablished, string(answer))
	return conn
}
