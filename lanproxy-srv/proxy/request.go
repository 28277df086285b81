package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const (
	// maxHeaderBytes caps the request line plus header block
	maxHeaderBytes  = 64 << 10
	defaultHTTPPort = 80
)

var errHeaderTooLarge = errors.New("header block too large")

// Header is one header line. Order and duplicates are kept as received.
type Header struct {
	Name  string
	Value string
}

// Request is a parsed client request. The body is only read for methods
// that carry one.
type Request struct {
	Method  string
	Target  string
	Version string
	Headers []Header

	Host string // target host without port
	Port int
	Path string // origin-form path and query
	Body []byte
}

// Header returns the first value of name, compared case-insensitively
func (r *Request) Header(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// HasHeader reports whether name is present
func (r *Request) HasHeader(name string) bool {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return true
		}
	}
	return false
}

// ContentLength returns the declared body length. ok is false when the
// header is absent.
func (r *Request) ContentLength() (n int64, ok bool, err error) {
	if !r.HasHeader("Content-Length") {
		return 0, false, nil
	}
	n, err = strconv.ParseInt(strings.TrimSpace(r.Header("Content-Length")), 10, 64)
	if err != nil || n < 0 {
		return 0, true, fmt.Errorf("invalid Content-Length %q", r.Header("Content-Length"))
	}
	return n, true, nil
}

// HostPort returns host:port of the origin
func (r *Request) HostPort() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// CacheKey is the normalized URL the response is cached under
func (r *Request) CacheKey() string {
	return cacheKey(r.Host, r.Port, r.Path)
}

func cacheKey(host string, port int, path string) string {
	var b strings.Builder
	b.WriteString("http://")
	if strings.Contains(host, ":") {
		b.WriteString("[" + host + "]")
	} else {
		b.WriteString(host)
	}
	if port != defaultHTTPPort {
		b.WriteString(":" + strconv.Itoa(port))
	}
	b.WriteString(path)
	return b.String()
}

// readRawLine reads one line including its terminator, charging its length
// against budget
func readRawLine(br *bufio.Reader, budget *int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		*budget -= len(chunk)
		if *budget < 0 {
			return nil, errHeaderTooLarge
		}
		line = append(line, chunk...)
		if err == nil {
			return line, nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
}

// readLine reads one CRLF or LF terminated line without its terminator
func readLine(br *bufio.Reader, budget *int) (string, error) {
	line, err := readRawLine(br, budget)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

// readRequest reads the request line and header block. It returns io.EOF
// when the client closed before sending anything.
func readRequest(br *bufio.Reader) (*Request, error) {
	budget := maxHeaderBytes

	line, err := readLine(br, &budget)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, newError(ErrCodeHTTPRequestReadFailed, err)
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 3 {
		return nil, newError(ErrCodeHTTPRequestReadFailed, fmt.Errorf("malformed request line %q", line))
	}

	req := &Request{
		Method:  parts[0],
		Target:  parts[1],
		Version: parts[2],
	}

	for {
		line, err := readLine(br, &budget)
		if err != nil {
			return nil, newError(ErrCodeHTTPRequestReadFailed, err)
		}
		if line == "" {
			break
		}
		// obs-fold continuation
		if (line[0] == ' ' || line[0] == '\t') && len(req.Headers) > 0 {
			last := &req.Headers[len(req.Headers)-1]
			last.Value += " " + strings.TrimSpace(line)
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found || name == "" {
			continue
		}
		req.Headers = append(req.Headers, Header{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}

	return req, nil
}

// splitHostPort splits an authority, applying defaultPort when none is given
func splitHostPort(authority string, defaultPort int) (string, int, error) {
	if authority == "" {
		return "", 0, errors.New("empty authority")
	}
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		// No port. Strip brackets of a bare IPv6 literal.
		return strings.TrimSuffix(strings.TrimPrefix(authority, "["), "]"), defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// resolveTarget fills Host, Port and Path from the absolute-form target or
// the Host header
func (r *Request) resolveTarget() error {
	target := r.Target

	if i := strings.Index(target, "://"); i > 0 {
		if !strings.EqualFold(target[:i], "http") {
			return newError(ErrCodeHTTPRequestReadFailed, fmt.Errorf("unsupported scheme %q", target[:i]))
		}
		u, err := url.Parse(target)
		if err != nil {
			return newError(ErrCodeHTTPRequestReadFailed, err)
		}
		r.Path = u.RequestURI()
		if u.Host != "" {
			host, port, err := splitHostPort(u.Host, defaultHTTPPort)
			if err != nil {
				return newError(ErrCodeInvalidPort, err)
			}
			r.Host, r.Port = host, port
			return nil
		}
	} else {
		if !strings.HasPrefix(target, "/") && target != "*" {
			return newError(ErrCodeHTTPRequestReadFailed, fmt.Errorf("unsupported request target %q", target))
		}
		r.Path = target
	}

	hostHeader := strings.TrimSpace(r.Header("Host"))
	if hostHeader == "" {
		return newError(ErrCodeHTTPMissingHost, nil)
	}
	host, port, err := splitHostPort(hostHeader, defaultHTTPPort)
	if err != nil {
		return newError(ErrCodeInvalidPort, err)
	}
	if host == "" {
		return newError(ErrCodeHTTPMissingHost, nil)
	}
	r.Host, r.Port = host, port
	return nil
}

// parseAuthority parses a CONNECT target. The port is mandatory.
func parseAuthority(authority string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		return "", 0, newError(ErrCodeInvalidPort, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, newError(ErrCodeInvalidPort, fmt.Errorf("invalid port %q", portStr))
	}
	if host == "" {
		return "", 0, newError(ErrCodeHTTPMissingHost, nil)
	}
	return host, port, nil
}
