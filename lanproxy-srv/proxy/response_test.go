package proxy

import (
	"bufio"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func read(raw string, limit int64, headOnly bool) ([]byte, int, error) {
	return readResponse(bufio.NewReader(strings.NewReader(raw)), limit, headOnly)
}

func TestReadResponseContentLength(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"
	resp, status, err := read(raw+"trailing garbage", 1024, false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, raw, string(resp))
}

func TestReadResponseUntilEOF(t *testing.T) {
	raw := "HTTP/1.0 200 OK\r\nContent-Type: text/plain\r\n\r\nstreamed body"
	resp, _, err := read(raw, 1024, false)
	require.NoError(t, err)
	assert.Equal(t, raw, string(resp))
}

func TestReadResponseHeadOnly(t *testing.T) {
	resp, status, err := read("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n", 1024, true)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n", string(resp))

	resp, status, err = read("HTTP/1.1 304 Not Modified\r\nETag: x\r\n\r\n", 1024, false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotModified, status)
	assert.Equal(t, "HTTP/1.1 304 Not Modified\r\nETag: x\r\n\r\n", string(resp))
}

func TestReadResponseLimits(t *testing.T) {
	_, _, err := read("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello", 4, false)
	assert.Equal(t, http.StatusRequestEntityTooLarge, StatusForError(err))

	_, _, err = read("HTTP/1.1 200 OK\r\n\r\nhello", 4, false)
	assert.Equal(t, http.StatusRequestEntityTooLarge, StatusForError(err))

	_, _, err = read("HTTP/1.1 200 OK\r\n\r\nhell", 4, false)
	assert.NoError(t, err)
}

func TestReadResponseErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"not http", "SSH-2.0-OpenSSH\r\n\r\n"},
		{"truncated head", "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n"},
		{"truncated body", "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhel"},
		{"invalid length", "HTTP/1.1 200 OK\r\nContent-Length: five\r\n\r\nhello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := read(tt.raw, 1024, false)
			require.Error(t, err)
			assert.Equal(t, ErrCodeHTTPResponseReadFailed, errorCode(err))
		})
	}
}

func TestSyntheticResponse(t *testing.T) {
	resp := string(syntheticResponse(http.StatusNotFound, "text/plain", []byte("nope"), Header{Name: "X-Extra", Value: "1"}))

	head, body, found := strings.Cut(resp, "\r\n\r\n")
	require.True(t, found)
	assert.Equal(t, "nope", body)

	lines := strings.Split(head, "\r\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "HTTP/1.1 404 Not Found", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "Date: "))
	_, err := http.ParseTime(strings.TrimPrefix(lines[1], "Date: "))
	assert.NoError(t, err)
	assert.Equal(t, "Server: Custom Proxy Server", lines[2])
	assert.Equal(t, "Content-Length: 4", lines[3])
	assert.Equal(t, "Content-Type: text/plain", lines[4])
	assert.Equal(t, "X-Extra: 1", lines[5])
}

func TestBlockedPage(t *testing.T) {
	resp := string(blockedPage("example.com"))
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 401 Unauthorized\r\n"))
	assert.True(t, strings.HasSuffix(resp, "\r\n\r\n<html><body><h1>Access to example.com is not allowed!</h1></body></html>"))
	assert.Contains(t, resp, "Content-Type: text/html\r\n")
}

func TestErrorPage(t *testing.T) {
	resp := string(errorPage(newError(ErrCodeUpstreamConnectFailed, errors.New("refused"))))
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 502 Bad Gateway\r\n"))
	assert.Contains(t, resp, "X-Proxy-Error: E2010\r\n")
	assert.Contains(t, resp, GetErrorDescription(ErrCodeUpstreamConnectFailed))
	assert.NotContains(t, resp, "refused", "causes stay in the log")

	resp = string(errorPage(errors.New("plain")))
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 500 Internal Server Error\r\n"))
	assert.Contains(t, resp, "X-Proxy-Error: E9901\r\n")
}

func TestNotModified(t *testing.T) {
	lm := time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC)
	resp := string(notModified(lm))
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 304 Not Modified\r\n"))
	assert.Contains(t, resp, "Last-Modified: Mon, 02 Jan 2006 15:04:05 GMT\r\n")
	assert.True(t, strings.HasSuffix(resp, "Content-Length: 0\r\nLast-Modified: Mon, 02 Jan 2006 15:04:05 GMT\r\n\r\n"))
}

func TestResponseHelpers(t *testing.T) {
	raw := []byte("HTTP/1.1 200 OK\r\nlast-modified: Mon, 02 Jan 2006 15:04:05 GMT\r\nX-A:  b \r\n\r\nbody")

	status, err := statusCode(raw)
	require.NoError(t, err)
	assert.Equal(t, 200, status)

	assert.Equal(t, "b", responseHeader(raw, "x-a"))
	assert.Empty(t, responseHeader(raw, "X-Missing"))
	assert.Empty(t, responseHeader(raw, "body"))

	head, body := splitResponse(raw)
	assert.Equal(t, "body", string(body))
	assert.True(t, strings.HasSuffix(string(head), "\r\n\r\n"))

	fallback := time.Now()
	assert.Equal(t, time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC), lastModified(raw, fallback).UTC())
	assert.Equal(t, fallback, lastModified([]byte("HTTP/1.1 200 OK\r\nLast-Modified: yesterday\r\n\r\n"), fallback))
	assert.Equal(t, fallback, lastModified([]byte("HTTP/1.1 200 OK\r\n\r\n"), fallback))

	_, err = statusCode([]byte("HTTP/1.1 abc OK\r\n"))
	assert.Error(t, err)
}
