package main

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRequest(t *testing.T) {
	raw, err := buildRequest("GET", "http://example.com/a.txt", "", "")
	require.NoError(t, err)
	assert.Equal(t, "GET http://example.com/a.txt HTTP/1.1\r\nHost: example.com\r\nUser-Agent: lanproxy-probe\r\n\r\n", string(raw))

	raw, err = buildRequest("POST", "http://example.com/form", "a=1", "")
	require.NoError(t, err)
	assert.Equal(t, "POST http://example.com/form HTTP/1.1\r\nHost: example.com\r\nUser-Agent: lanproxy-probe\r\nContent-Length: 3\r\n\r\na=1", string(raw))

	raw, err = buildRequest("GET", "http://example.com/", "", "Mon, 02 Jan 2006 15:04:05 GMT")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "If-Modified-Since: Mon, 02 Jan 2006 15:04:05 GMT\r\n")

	raw, err = buildRequest("CONNECT", "example.com:443", "", "")
	require.NoError(t, err)
	assert.Equal(t, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n", string(raw))

	_, err = buildRequest("CONNECT", "example.com", "", "")
	assert.Error(t, err)
	_, err = buildRequest("GET", "https://example.com/", "", "")
	assert.Error(t, err)
	_, err = buildRequest("GET", "/relative", "", "")
	assert.Error(t, err)
}

func serveOnce(t *testing.T, response string) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		_, _ = readHead(br)
		_, _ = conn.Write([]byte(response))
	}()
	return listener.Addr().String()
}

func TestSend(t *testing.T) {
	addr := serveOnce(t, "HTTP/1.1 502 Bad Gateway\r\nX-Proxy-Error: E2010\r\nContent-Length: 2\r\n\r\nno")
	prober := &Prober{ProxyAddr: addr, Timeout: 5 * time.Second}

	result := prober.Send([]byte("GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	assert.Empty(t, result.Error)
	assert.Equal(t, "GET http://example.com/ HTTP/1.1", result.Request)
	assert.Equal(t, "HTTP/1.1 502 Bad Gateway", result.StatusLine)
	assert.Equal(t, 502, result.Status)
	assert.Equal(t, "E2010", result.ProxyError)
	assert.Equal(t, len(result.raw), result.Bytes)
}

func TestSendConnectReadsHeadOnly(t *testing.T) {
	addr := serveOnce(t, "HTTP/1.1 200 Connection Established\r\n\r\n")
	prober := &Prober{ProxyAddr: addr, Timeout: 5 * time.Second}

	result := prober.Send([]byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n"))
	assert.Empty(t, result.Error)
	assert.Equal(t, 200, result.Status)
	assert.Equal(t, "HTTP/1.1 200 Connection Established\r\n\r\n", string(result.raw))
}

func TestSendUnreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	result := (&Prober{ProxyAddr: addr, Timeout: time.Second}).Send([]byte("GET http://x/ HTTP/1.1\r\n\r\n"))
	assert.NotEmpty(t, result.Error)
	assert.Zero(t, result.Status)
}
