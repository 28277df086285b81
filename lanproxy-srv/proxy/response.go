package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const serverName = "Custom Proxy Server"

// syntheticResponse renders a response generated by the proxy itself
func syntheticResponse(code int, contentType string, body []byte, extra ...Header) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", code, http.StatusText(code))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(http.TimeFormat))
	fmt.Fprintf(&b, "Server: %s\r\n", serverName)
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	if contentType != "" {
		fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	}
	for _, h := range extra {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	b.WriteString("\r\n")
	b.Write(body)
	return b.Bytes()
}

// blockedPage is the 401 answer for a filtered host
func blockedPage(host string) []byte {
	body := fmt.Sprintf("<html><body><h1>Access to %s is not allowed!</h1></body></html>", html.EscapeString(host))
	return syntheticResponse(http.StatusUnauthorized, "text/html", []byte(body))
}

// errorPage renders err as an HTML page with the status StatusForError
// gives it
func errorPage(err error) []byte {
	code := ErrCodeInternalError
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		code = proxyErr.Code
	}
	status := StatusForError(err)
	title := fmt.Sprintf("%d %s", status, http.StatusText(status))

	body := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>%s</title>
</head>
<body>
    <h1>%s</h1>
    <p><b>Error Code:</b> %s</p>
    <p><b>Description:</b> %s</p>
</body>
</html>`, title, title, code, html.EscapeString(GetErrorDescription(code)))

	return syntheticResponse(status, "text/html; charset=utf-8", []byte(body), Header{Name: "X-Proxy-Error", Value: code})
}

// notModified is the proxy-side answer to a satisfied If-Modified-Since
func notModified(lastModified time.Time) []byte {
	return syntheticResponse(http.StatusNotModified, "", nil,
		Header{Name: "Last-Modified", Value: lastModified.UTC().Format(http.TimeFormat)})
}

// splitResponse splits raw response bytes at the end of the header block.
// The returned head includes the blank line.
func splitResponse(raw []byte) (head, body []byte) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i+4], raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i+2], raw[i+2:]
	}
	return raw, nil
}

// statusCode parses the status code of a raw response
func statusCode(raw []byte) (int, error) {
	line := raw
	if i := bytes.IndexByte(raw, '\n'); i >= 0 {
		line = raw[:i]
	}
	fields := strings.Fields(string(line))
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, fmt.Errorf("malformed status line %q", line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 999 {
		return 0, fmt.Errorf("malformed status code %q", fields[1])
	}
	return code, nil
}

// responseHeader returns the first value of name in a raw response head
func responseHeader(raw []byte, name string) string {
	head, _ := splitResponse(raw)
	lines := strings.Split(string(head), "\n")
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		key, value, found := strings.Cut(line, ":")
		if found && strings.EqualFold(strings.TrimSpace(key), name) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// lastModified returns the Last-Modified time of a response, or fallback
// when it is absent or unparsable
func lastModified(raw []byte, fallback time.Time) time.Time {
	value := responseHeader(raw, "Last-Modified")
	if value == "" {
		return fallback
	}
	t, err := http.ParseTime(value)
	if err != nil {
		return fallback
	}
	return t
}

func bodyless(status int) bool {
	return (status >= 100 && status < 200) || status == http.StatusNoContent || status == http.StatusNotModified
}

// readResponse reads one origin response and returns its exact bytes. The
// body is delimited by Content-Length, or by EOF when none is given. A body
// larger than limit is a PayloadTooLarge error.
func readResponse(br *bufio.Reader, limit int64, headOnly bool) ([]byte, int, error) {
	var raw bytes.Buffer
	budget := maxHeaderBytes * 4

	for lineNo := 0; ; lineNo++ {
		line, err := readRawLine(br, &budget)
		if err != nil {
			if errors.Is(err, errHeaderTooLarge) {
				return nil, 0, newError(ErrCodeHTTPResponseReadFailed, err)
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, 0, originIOError(ErrCodeHTTPResponseReadFailed, err)
		}
		raw.Write(line)
		if lineNo > 0 && len(bytes.TrimRight(line, "\r\n")) == 0 {
			break
		}
	}

	status, err := statusCode(raw.Bytes())
	if err != nil {
		return nil, 0, newError(ErrCodeHTTPResponseReadFailed, err)
	}
	if headOnly || bodyless(status) {
		return raw.Bytes(), status, nil
	}

	if cl := responseHeader(raw.Bytes(), "Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return nil, 0, newError(ErrCodeHTTPResponseReadFailed, fmt.Errorf("invalid Content-Length %q", cl))
		}
		if n > limit {
			return nil, 0, newError(ErrCodeBufferOverflow, fmt.Errorf("response body of %d bytes", n))
		}
		if _, err := io.CopyN(&raw, br, n); err != nil {
			return nil, 0, originIOError(ErrCodeHTTPResponseReadFailed, err)
		}
		return raw.Bytes(), status, nil
	}

	n, err := io.Copy(&raw, io.LimitReader(br, limit+1))
	if err != nil {
		return nil, 0, originIOError(ErrCodeHTTPResponseReadFailed, err)
	}
	if n > limit {
		return nil, 0, newError(ErrCodeBufferOverflow, fmt.Errorf("response body exceeds %d bytes", limit))
	}
	return raw.Bytes(), status, nil
}
