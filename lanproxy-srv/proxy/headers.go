package proxy

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
)

// HeaderRewrite adjusts the outbound header block of one request
type HeaderRewrite struct {
	Strip []string // names removed before forwarding
	Set   []Header // names replaced or appended
}

// HeaderProcessor builds outbound request headers. Repeated names collapse
// to their first occurrence, hop-by-hop connection headers of the client
// are dropped, Host is injected when missing and Connection: close is
// always appended.
type HeaderProcessor struct {
	drop map[string]struct{}
}

// NewHeaderProcessor creates a processor dropping the client's connection
// management headers
func NewHeaderProcessor() *HeaderProcessor {
	return &HeaderProcessor{
		drop: map[string]struct{}{
			"connection":       {},
			"proxy-connection": {},
			"keep-alive":       {},
		},
	}
}

// Process returns the header list to send to the origin
func (hp *HeaderProcessor) Process(headers []Header, host string, rw HeaderRewrite) []Header {
	seen := make(map[string]struct{}, len(headers)+2)
	for _, name := range rw.Strip {
		seen[strings.ToLower(name)] = struct{}{}
	}

	set := make(map[string]Header, len(rw.Set))
	for _, h := range rw.Set {
		set[strings.ToLower(h.Name)] = h
	}

	out := make([]Header, 0, len(headers)+len(rw.Set)+2)
	for _, h := range headers {
		key := strings.ToLower(h.Name)
		if _, drop := hp.drop[key]; drop {
			continue
		}
		if replacement, ok := set[key]; ok {
			delete(set, key)
			seen[key] = struct{}{}
			out = append(out, replacement)
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, h)
	}

	if _, ok := seen["host"]; !ok && host != "" {
		if replacement, ok := set["host"]; ok {
			out = append(out, replacement)
			delete(set, "host")
		} else {
			out = append(out, Header{Name: "Host", Value: host})
		}
	}

	// Remaining Set entries in their given order
	for _, h := range rw.Set {
		key := strings.ToLower(h.Name)
		if _, pending := set[key]; pending {
			delete(set, key)
			out = append(out, h)
		}
	}

	return append(out, Header{Name: "Connection", Value: "close"})
}

// hostHeaderValue formats host and port the way a Host header carries them
func hostHeaderValue(host string, port int) string {
	if port == defaultHTTPPort {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// writeRequest writes an origin-form request with the given headers and body
func writeRequest(w io.Writer, method, path string, headers []Header, body []byte) error {
	bw := bufio.NewWriter(w)
	if path == "" {
		path = "/"
	}
	_, _ = bw.WriteString(method + " " + path + " HTTP/1.1\r\n")
	for _, h := range headers {
		_, _ = bw.WriteString(h.Name + ": " + h.Value + "\r\n")
	}
	_, _ = bw.WriteString("\r\n")
	if len(body) > 0 {
		_, _ = bw.Write(body)
	}
	return bw.Flush()
}
