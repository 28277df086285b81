package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/codefionn/lanproxy/lanproxy-srv/logger"
)

// ProbeResult is the outcome of one request sent through the proxy
type ProbeResult struct {
	Request    string        `json:"request"`
	StatusLine string        `json:"status_line"`
	Status     int           `json:"status"`
	ProxyError string        `json:"proxy_error,omitempty"`
	Bytes      int           `json:"bytes"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	raw        []byte
}

// Prober sends raw requests to a proxy, one connection per request
type Prober struct {
	ProxyAddr string
	Timeout   time.Duration
}

func main() {
	proxyAddr := flag.String("proxy", "127.0.0.1:8080", "Proxy address (host:port)")
	method := flag.String("method", "GET", "Request method (GET, HEAD, POST, OPTIONS, CONNECT)")
	body := flag.String("body", "", "Request body for POST")
	ifModifiedSince := flag.String("if-modified-since", "", "Send If-Modified-Since with this HTTP date")
	repeat := flag.Int("repeat", 1, "Send the request this many times, e.g. 2 to observe a cache hit")
	timeout := flag.Int("timeout", 30, "Request timeout in seconds")
	asJSON := flag.Bool("json", false, "Print results as JSON instead of raw responses")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <url | host:port>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	logger.SetLevel(logger.WARN)
	if *verbose {
		logger.SetLevel(logger.DEBUG)
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	raw, err := buildRequest(strings.ToUpper(*method), flag.Arg(0), *body, *ifModifiedSince)
	if err != nil {
		logger.Fatal("Invalid request: %v", err)
	}

	prober := &Prober{ProxyAddr: *proxyAddr, Timeout: time.Duration(*timeout) * time.Second}
	results := make([]ProbeResult, 0, *repeat)
	for i := 0; i < *repeat; i++ {
		logger.Debug("Sending request %d/%d to %s", i+1, *repeat, *proxyAddr)
		results = append(results, prober.Send(raw))
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			logger.Fatal("Failed to encode results: %v", err)
		}
	} else {
		for i, result := range results {
			if *repeat > 1 {
				fmt.Printf("=== #%d %s (%v) ===\n", i+1, result.StatusLine, result.Duration.Round(time.Millisecond))
			}
			if result.Error != "" {
				fmt.Printf("Error: %s\n", result.Error)
			}
			_, _ = os.Stdout.Write(result.raw)
			if len(result.raw) > 0 && !strings.HasSuffix(string(result.raw), "\n") {
				fmt.Println()
			}
		}
	}

	for _, result := range results {
		if result.Error != "" {
			os.Exit(1)
		}
	}
}

// buildRequest renders the raw request the proxy expects. CONNECT takes an
// authority, everything else an absolute http URL.
func buildRequest(method, target, body, ifModifiedSince string) ([]byte, error) {
	var b strings.Builder

	if method == "CONNECT" {
		if _, _, err := net.SplitHostPort(target); err != nil {
			return nil, fmt.Errorf("CONNECT target must be host:port: %w", err)
		}
		fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
		return []byte(b.String()), nil
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" || u.Host == "" {
		return nil, fmt.Errorf("target must be an absolute http:// URL, got %q", target)
	}

	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, u.String())
	fmt.Fprintf(&b, "Host: %s\r\n", u.Host)
	b.WriteString("User-Agent: lanproxy-probe\r\n")
	if ifModifiedSince != "" {
		fmt.Fprintf(&b, "If-Modified-Since: %s\r\n", ifModifiedSince)
	}
	if method == "POST" {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	}
	b.WriteString("\r\n")
	if method == "POST" {
		b.WriteString(body)
	}
	return []byte(b.String()), nil
}

// Send writes raw on a fresh connection and reads until the proxy closes
// it. For CONNECT only the response head is read.
func (p *Prober) Send(raw []byte) ProbeResult {
	result := ProbeResult{Request: firstLine(raw)}
	start := time.Now()

	conn, err := net.DialTimeout("tcp", p.ProxyAddr, p.Timeout)
	if err != nil {
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Debug("Error closing probe connection: %v", closeErr)
		}
	}()
	_ = conn.SetDeadline(time.Now().Add(p.Timeout))

	if _, err := conn.Write(raw); err != nil {
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	if strings.HasPrefix(result.Request, "CONNECT ") {
		result.raw, err = readHead(bufio.NewReader(conn))
	} else {
		result.raw, err = io.ReadAll(conn)
	}
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err.Error()
	}
	result.Bytes = len(result.raw)
	parseStatus(&result)
	return result
}

func readHead(br *bufio.Reader) ([]byte, error) {
	var head []byte
	for {
		line, err := br.ReadBytes('\n')
		head = append(head, line...)
		if err != nil {
			return head, err
		}
		if len(line) <= 2 && strings.TrimSpace(string(line)) == "" {
			return head, nil
		}
	}
}

func parseStatus(result *ProbeResult) {
	result.StatusLine = firstLine(result.raw)
	parts := strings.SplitN(result.StatusLine, " ", 3)
	if len(parts) >= 2 {
		_, _ = fmt.Sscanf(parts[1], "%d", &result.Status)
	}
	head, _, _ := strings.Cut(string(result.raw), "\r\n\r\n")
	for _, line := range strings.Split(head, "\r\n") {
		name, value, found := strings.Cut(line, ":")
		if found && strings.EqualFold(strings.TrimSpace(name), "X-Proxy-Error") {
			result.ProxyError = strings.TrimSpace(value)
		}
	}
}

func firstLine(raw []byte) string {
	line, _, _ := strings.Cut(string(raw), "\n")
	return strings.TrimRight(line, "\r")
}
