package proxy

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/codefionn/lanproxy/lanproxy-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloResponse = "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"

func TestProxyServesHelloAndCachesIt(t *testing.T) {
	origin := staticOrigin(t, helloResponse)
	p, addr := newTestProxy(t, nil, Options{})

	target := origin.URL("/a.txt")
	resp := roundTrip(t, addr, getRequest(target, origin.Addr()))
	assert.Equal(t, helloResponse, resp)

	entry, ok := p.Cache().Lookup(target)
	require.True(t, ok)
	assert.Equal(t, "hello", string(entry.Body()))

	second := roundTrip(t, addr, getRequest(target, origin.Addr()))
	assert.Equal(t, resp, second)
	assert.Equal(t, 1, origin.Accepted(), "second GET within ttl must not contact the origin")
}

func TestProxyRefetchesExpiredEntry(t *testing.T) {
	origin := newFakeOrigin(t, func(n int, _ string) string {
		body := fmt.Sprintf("body-%d", n)
		return fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	})
	p, addr := newTestProxy(t, nil, Options{Cache: NewResponseCache(time.Millisecond)})

	target := origin.URL("/doc")
	first := roundTrip(t, addr, getRequest(target, origin.Addr()))
	assert.True(t, strings.HasSuffix(first, "body-1"))

	time.Sleep(20 * time.Millisecond)

	second := roundTrip(t, addr, getRequest(target, origin.Addr()))
	assert.True(t, strings.HasSuffix(second, "body-2"))
	assert.Equal(t, 2, origin.Accepted())

	entry, ok := p.Cache().Lookup(target)
	require.True(t, ok)
	assert.Equal(t, second, string(entry.Response), "stored bytes must equal the bytes sent")

	requests := origin.Requests()
	require.Len(t, requests, 2)
	assert.NotContains(t, requests[0], "If-Modified-Since")
	assert.Contains(t, requests[1], "If-Modified-Since: ")
}

func TestProxyRevalidatesWithNotModified(t *testing.T) {
	const original = "HTTP/1.1 200 OK\r\nLast-Modified: Mon, 02 Jan 2006 15:04:05 GMT\r\nContent-Length: 2\r\n\r\nv1"
	origin := newFakeOrigin(t, func(n int, _ string) string {
		if n == 1 {
			return original
		}
		return "HTTP/1.1 304 Not Modified\r\n\r\n"
	})
	p, addr := newTestProxy(t, nil, Options{Cache: NewResponseCache(time.Millisecond)})

	target := origin.URL("/v")
	assert.Equal(t, original, roundTrip(t, addr, getRequest(target, origin.Addr())))

	entry, ok := p.Cache().Lookup(target)
	require.True(t, ok)
	fetchedAt := entry.FetchedAt

	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, original, roundTrip(t, addr, getRequest(target, origin.Addr())))
	assert.Equal(t, 2, origin.Accepted())

	requests := origin.Requests()
	require.Len(t, requests, 2)
	assert.Contains(t, requests[1], "If-Modified-Since: Mon, 02 Jan 2006 15:04:05 GMT")

	entry, ok = p.Cache().Lookup(target)
	require.True(t, ok)
	assert.Equal(t, fetchedAt, entry.FetchedAt, "a 304 leaves the timestamp untouched")
}

func TestProxyClientConditionalRequests(t *testing.T) {
	const original = "HTTP/1.1 200 OK\r\nLast-Modified: Mon, 02 Jan 2006 15:04:05 GMT\r\nContent-Length: 2\r\n\r\nv1"
	origin := staticOrigin(t, original)
	_, addr := newTestProxy(t, nil, Options{})

	target := origin.URL("/v")
	require.Equal(t, original, roundTrip(t, addr, getRequest(target, origin.Addr())))

	resp := roundTrip(t, addr, getRequest(target, origin.Addr(), "If-Modified-Since: Mon, 02 Jan 2006 15:04:05 GMT"))
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 304 Not Modified\r\n"), resp)
	assert.Contains(t, resp, "Last-Modified: Mon, 02 Jan 2006 15:04:05 GMT")

	older := roundTrip(t, addr, getRequest(target, origin.Addr(), "If-Modified-Since: Sun, 01 Jan 2006 00:00:00 GMT"))
	assert.Equal(t, original, older)

	assert.Equal(t, 1, origin.Accepted())
	for _, request := range origin.Requests() {
		assert.NotContains(t, request, "If-Modified-Since")
	}
}

func TestProxyHeadDoesNotPoisonCache(t *testing.T) {
	origin := newFakeOrigin(t, func(_ int, head string) string {
		if strings.HasPrefix(head, "HEAD ") {
			return "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n"
		}
		return helloResponse
	})
	p, addr := newTestProxy(t, nil, Options{})

	target := origin.URL("/a.txt")
	head := roundTrip(t, addr, "HEAD "+target+" HTTP/1.1\r\nHost: "+origin.Addr()+"\r\n\r\n")
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n", head)
	assert.Equal(t, 0, p.Cache().Len())

	assert.Equal(t, helloResponse, roundTrip(t, addr, getRequest(target, origin.Addr())))

	cachedHead := roundTrip(t, addr, "HEAD "+target+" HTTP/1.1\r\nHost: "+origin.Addr()+"\r\n\r\n")
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n", cachedHead)
	assert.Equal(t, 2, origin.Accepted(), "a fresh entry answers HEAD")
}

func TestProxyBlocksFilteredHost(t *testing.T) {
	origin := staticOrigin(t, helloResponse)
	sink := newRecordingSink()
	_, addr := newTestProxy(t, nil, Options{Filter: hostSet{"127.0.0.1": true}, Sink: sink})

	resp := roundTrip(t, addr, getRequest(origin.URL("/a.txt"), origin.Addr()))
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 401 Unauthorized\r\n"), resp)
	assert.Contains(t, resp, "<h1>Access to 127.0.0.1 is not allowed!</h1>")
	assert.Contains(t, resp, "Server: Custom Proxy Server\r\n")

	connect := roundTrip(t, addr, "CONNECT "+origin.Addr()+" HTTP/1.1\r\nHost: "+origin.Addr()+"\r\n\r\n")
	assert.True(t, strings.HasPrefix(connect, "HTTP/1.1 401 Unauthorized\r\n"), connect)

	assert.Equal(t, 0, origin.Accepted())
	assert.Empty(t, sink.Logs())
}

func TestProxyForwardsTargetHostNotClientHostHeader(t *testing.T) {
	origin := staticOrigin(t, helloResponse)
	_, addr := newTestProxy(t, nil, Options{Filter: hostSet{"blocked.test": true}})

	resp := roundTrip(t, addr, getRequest(origin.URL("/x"), "blocked.test"))
	assert.Equal(t, helloResponse, resp)

	requests := origin.Requests()
	require.Len(t, requests, 1)
	assert.Contains(t, requests[0], "Host: "+origin.Addr()+"\r\n")
	assert.NotContains(t, requests[0], "blocked.test")
	assert.Equal(t, 1, strings.Count(strings.ToLower(requests[0]), "host:"))

	// Without an absolute target the Host header is what gets filtered
	blocked := roundTrip(t, addr, getRequest("/x", "blocked.test"))
	assert.True(t, strings.HasPrefix(blocked, "HTTP/1.1 401 Unauthorized\r\n"), blocked)
	assert.Equal(t, 1, origin.Accepted())
}

func TestProxyRejectsMalformedRequestLine(t *testing.T) {
	sink := newRecordingSink()
	_, addr := newTestProxy(t, nil, Options{Sink: sink})

	resp := roundTrip(t, addr, "GARBAGE\r\n\r\n")
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 400 Bad Request\r\n"), resp)
	assert.Contains(t, resp, "X-Proxy-Error: E4001")

	resp = roundTrip(t, addr, "GET /only-one-space\r\n\r\n")
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 400 Bad Request\r\n"), resp)

	assert.Empty(t, sink.Logs())
}

func TestProxyClosesSilentlyOnEmptyConnection(t *testing.T) {
	_, addr := newTestProxy(t, nil, Options{})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, resp)
}

func TestProxyForwardsEmptyPost(t *testing.T) {
	const answer = "HTTP/1.1 201 Created\r\nX-Origin: yes\r\nContent-Length: 2\r\n\r\nok"
	origin := staticOrigin(t, answer)
	p, addr := newTestProxy(t, nil, Options{})

	resp := roundTrip(t, addr, "POST "+origin.URL("/submit")+" HTTP/1.1\r\nHost: "+origin.Addr()+"\r\nContent-Length: 0\r\n\r\n")
	assert.Equal(t, answer, resp)

	requests := origin.Requests()
	require.Len(t, requests, 1)
	assert.True(t, strings.HasPrefix(requests[0], "POST /submit HTTP/1.1\r\n"), requests[0])
	assert.Contains(t, requests[0], "Content-Length: 0\r\n")
	assert.True(t, strings.HasSuffix(requests[0], "Connection: close\r\n\r\n"), requests[0])
	assert.Equal(t, 0, p.Cache().Len(), "POST responses are not cached by default")
}

func TestProxyForwardsPostBody(t *testing.T) {
	origin := staticOrigin(t, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	_, addr := newTestProxy(t, nil, Options{})

	roundTrip(t, addr, "POST "+origin.URL("/form")+" HTTP/1.1\r\nHost: "+origin.Addr()+"\r\nContent-Length: 7\r\n\r\na=1&b=2")

	requests := origin.Requests()
	require.Len(t, requests, 1)
	assert.True(t, strings.HasSuffix(requests[0], "\r\n\r\na=1&b=2"), requests[0])
}

func TestProxyCachesPostWhenEnabled(t *testing.T) {
	origin := staticOrigin(t, helloResponse)
	p, addr := newTestProxy(t, func(cfg *config.Config) { cfg.Cache.CachePost = true }, Options{})

	roundTrip(t, addr, "POST "+origin.URL("/form")+" HTTP/1.1\r\nHost: "+origin.Addr()+"\r\nContent-Length: 0\r\n\r\n")

	entry, ok := p.Cache().Lookup(origin.URL("/form"))
	require.True(t, ok)
	assert.Equal(t, helloResponse, string(entry.Response))
}

func TestProxyOptionsIsNeverCached(t *testing.T) {
	const answer = "HTTP/1.1 204 No Content\r\nAllow: GET, OPTIONS\r\n\r\n"
	origin := staticOrigin(t, answer)
	p, addr := newTestProxy(t, nil, Options{})

	for i := 0; i < 2; i++ {
		resp := roundTrip(t, addr, "OPTIONS "+origin.URL("/")+" HTTP/1.1\r\nHost: "+origin.Addr()+"\r\n\r\n")
		assert.Equal(t, answer, resp)
	}
	assert.Equal(t, 2, origin.Accepted())
	assert.Equal(t, 0, p.Cache().Len())
}

func TestProxyRejectsInvalidRequests(t *testing.T) {
	origin := staticOrigin(t, helloResponse)
	sink := newRecordingSink()
	_, addr := newTestProxy(t, func(cfg *config.Config) { cfg.Cache.MaxBodyBytes = 4 }, Options{Sink: sink})

	tests := []struct {
		name   string
		raw    string
		status string
		code   string
	}{
		{
			name:   "unsupported method",
			raw:    "DELETE " + origin.URL("/a") + " HTTP/1.1\r\nHost: " + origin.Addr() + "\r\n\r\n",
			status: "HTTP/1.1 405 Method Not Allowed\r\n",
			code:   ErrCodeHTTPMethodNotAllowed,
		},
		{
			name:   "missing host",
			raw:    "GET /a HTTP/1.1\r\n\r\n",
			status: "HTTP/1.1 400 Bad Request\r\n",
			code:   ErrCodeHTTPMissingHost,
		},
		{
			name:   "https scheme",
			raw:    "GET https://" + origin.Addr() + "/a HTTP/1.1\r\nHost: " + origin.Addr() + "\r\n\r\n",
			status: "HTTP/1.1 400 Bad Request\r\n",
			code:   ErrCodeHTTPRequestReadFailed,
		},
		{
			name:   "post without content length",
			raw:    "POST " + origin.URL("/a") + " HTTP/1.1\r\nHost: " + origin.Addr() + "\r\n\r\n",
			status: "HTTP/1.1 400 Bad Request\r\n",
			code:   ErrCodeHTTPRequestReadFailed,
		},
		{
			name:   "post with invalid content length",
			raw:    "POST " + origin.URL("/a") + " HTTP/1.1\r\nHost: " + origin.Addr() + "\r\nContent-Length: abc\r\n\r\n",
			status: "HTTP/1.1 400 Bad Request\r\n",
			code:   ErrCodeHTTPRequestReadFailed,
		},
		{
			name:   "post body over the ceiling",
			raw:    "POST " + origin.URL("/a") + " HTTP/1.1\r\nHost: " + origin.Addr() + "\r\nContent-Length: 10\r\n\r\n",
			status: "HTTP/1.1 413 Request Entity Too Large\r\n",
			code:   ErrCodeBufferOverflow,
		},
		{
			name:   "connect without port",
			raw:    "CONNECT " + "127.0.0.1 HTTP/1.1\r\n\r\n",
			status: "HTTP/1.1 400 Bad Request\r\n",
			code:   ErrCodeInvalidPort,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := roundTrip(t, addr, tt.raw)
			assert.True(t, strings.HasPrefix(resp, tt.status), resp)
			assert.Contains(t, resp, "X-Proxy-Error: "+tt.code+"\r\n")
		})
	}

	assert.Equal(t, 0, origin.Accepted())
	assert.Empty(t, sink.Logs())
}

func TestProxyOriginResponseTooLarge(t *testing.T) {
	origin := staticOrigin(t, helloResponse)
	p, addr := newTestProxy(t, func(cfg *config.Config) { cfg.Cache.MaxBodyBytes = 4 }, Options{})

	resp := roundTrip(t, addr, getRequest(origin.URL("/a.txt"), origin.Addr()))
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 413 "), resp)
	assert.Equal(t, 0, p.Cache().Len())
}

func TestProxyUnreachableOrigin(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedAddr := listener.Addr().String()
	require.NoError(t, listener.Close())

	_, addr := newTestProxy(t, nil, Options{})

	resp := roundTrip(t, addr, getRequest("http://"+closedAddr+"/", closedAddr))
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 502 Bad Gateway\r\n"), resp)
	assert.Contains(t, resp, "X-Proxy-Error: E2010\r\n")

	connect := roundTrip(t, addr, "CONNECT "+closedAddr+" HTTP/1.1\r\nHost: "+closedAddr+"\r\n\r\n")
	assert.True(t, strings.HasPrefix(connect, "HTTP/1.1 502 Bad Gateway\r\n"), connect)
}

func TestProxyBuildsOutboundHeaders(t *testing.T) {
	origin := staticOrigin(t, helloResponse)
	_, addr := newTestProxy(t, nil, Options{})

	roundTrip(t, addr, "GET "+origin.URL("/h")+" HTTP/1.1\r\n"+
		"X-Test: first\r\n"+
		"x-test: second\r\n"+
		"Proxy-Connection: keep-alive\r\n"+
		"Connection: keep-alive\r\n\r\n")

	requests := origin.Requests()
	require.Len(t, requests, 1)
	request := requests[0]
	assert.True(t, strings.HasPrefix(request, "GET /h HTTP/1.1\r\n"), request)
	assert.Contains(t, request, "X-Test: first\r\n")
	assert.NotContains(t, request, "second")
	assert.NotContains(t, request, "keep-alive")
	assert.Contains(t, request, "Host: "+origin.Addr()+"\r\n")
	assert.Equal(t, 1, strings.Count(request, "Connection: close\r\n"))
}

func TestProxyHostHeaderForm(t *testing.T) {
	origin := staticOrigin(t, helloResponse)
	p, addr := newTestProxy(t, nil, Options{})

	resp := roundTrip(t, addr, getRequest("/a.txt", origin.Addr()))
	assert.Equal(t, helloResponse, resp)

	_, ok := p.Cache().Lookup(origin.URL("/a.txt"))
	assert.True(t, ok)
}

func TestProxyLogsOneRecordPerRequest(t *testing.T) {
	origin := staticOrigin(t, "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n")
	sink := newRecordingSink()
	_, addr := newTestProxy(t, nil, Options{Sink: sink})

	roundTrip(t, addr, getRequest(origin.URL("/missing?q=1"), origin.Addr()))

	logs := sink.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, "127.0.0.1", logs[0].ClientIP)
	assert.Equal(t, "127.0.0.1", logs[0].Domain)
	assert.Equal(t, "/missing?q=1", logs[0].Path)
	assert.Equal(t, http.MethodGet, logs[0].Method)
	assert.Equal(t, http.StatusOK, logs[0].StatusCode, "the log always records 200")
	assert.WithinDuration(t, time.Now(), logs[0].Timestamp, 5*time.Second)
}

func TestProxySinkFailureDoesNotFailRequest(t *testing.T) {
	origin := staticOrigin(t, helloResponse)
	sink := newRecordingSink()
	sink.failLogs = true
	_, addr := newTestProxy(t, nil, Options{Sink: sink})

	assert.Equal(t, helloResponse, roundTrip(t, addr, getRequest(origin.URL("/a.txt"), origin.Addr())))
}

func TestProxyPersistsCachedResponses(t *testing.T) {
	origin := staticOrigin(t, helloResponse)
	sink := newRecordingSink()
	_, addr := newTestProxy(t, func(cfg *config.Config) { cfg.Store.PersistCache = true }, Options{Sink: sink})

	roundTrip(t, addr, getRequest(origin.URL("/a.txt"), origin.Addr()))

	stored, ok := sink.Response(origin.URL("/a.txt"))
	require.True(t, ok)
	assert.Equal(t, helloResponse, string(stored))
}

func TestProxyConcurrencyLimit(t *testing.T) {
	p, addr := newTestProxy(t, func(cfg *config.Config) { cfg.MaxConcurrentConnections = 1 }, Options{})

	idle, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer idle.Close()

	assert.Eventually(t, func() bool { return p.ActiveConnections() == 1 }, 2*time.Second, 10*time.Millisecond)

	rejected, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer rejected.Close()

	_ = rejected.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := io.ReadAll(rejected)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(resp), "HTTP/1.1 503 Service Unavailable\r\n"), string(resp))
	assert.Contains(t, string(resp), "X-Proxy-Error: E9006\r\n")
}

func TestProxyPerServerConnectionLimit(t *testing.T) {
	p, addr := newTestProxy(t, func(cfg *config.Config) {
		cfg.MaxConcurrentConnections = 0
		cfg.Servers[0].MaxConnections = 1
	}, Options{})

	idle, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer idle.Close()
	assert.Eventually(t, func() bool { return p.ActiveConnections() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp := roundTrip(t, addr, "")
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 503 "), resp)
}

func TestProxyStartWithoutServers(t *testing.T) {
	cfg := testConfig()
	cfg.Servers[0].Enabled = false
	p := NewProxy(cfg, Options{})

	err := p.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrCodeNoEnabledServers)
}

func TestProxyStartBindsListeners(t *testing.T) {
	cfg := testConfig()
	p := NewProxy(cfg, Options{})

	done := make(chan error, 1)
	go func() { done <- p.Start() }()

	assert.Eventually(t, func() bool { return len(p.Addrs()) == 1 }, 2*time.Second, 10*time.Millisecond)

	origin := staticOrigin(t, helloResponse)
	assert.Equal(t, helloResponse, roundTrip(t, p.Addrs()[0], getRequest(origin.URL("/a.txt"), origin.Addr())))

	require.NoError(t, p.Stop())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestProxyStopClosesTunnels(t *testing.T) {
	echo := newEchoOrigin(t)
	cfg := testConfig()
	p := NewProxy(cfg, Options{})
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()

	served := make(chan error, 1)
	go func() { served <- p.StartWithListener(listener) }()

	conn := openTunnel(t, addr, echo.Addr())
	_, err = io.WriteString(conn, "ping")
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Stop())
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, 0, p.ActiveConnections())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(buf)
	assert.Error(t, err, "tunnel must be closed after shutdown")

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("accept loop did not return")
	}

	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
	assert.NoError(t, p.Stop(), "second Stop is a no-op")
}
