package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/codefionn/lanproxy/lanproxy-srv/logger"
	"github.com/codefionn/lanproxy/lanproxy-srv/store"
)

const sinkTimeout = 5 * time.Second

// connHandler owns one client connection
type connHandler struct {
	proxy    *Proxy
	conn     net.Conn
	br       *bufio.Reader
	id       string
	clientIP string
	ctx      context.Context
	log      logger.Conn
}

func newConnHandler(ctx context.Context, p *Proxy, conn net.Conn, id string) *connHandler {
	clientIP, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		clientIP = conn.RemoteAddr().String()
	}
	return &connHandler{
		proxy:    p,
		conn:     conn,
		br:       bufio.NewReader(conn),
		id:       id,
		clientIP: clientIP,
		ctx:      ctx,
		log:      logger.ForConn(id),
	}
}

// write sends raw bytes to the client. Failures only end this connection.
func (h *connHandler) write(b []byte) {
	if _, err := h.conn.Write(b); err != nil && !isClosedConnError(err) {
		h.log.Debug("Failed to write response to %s: %v", h.clientIP, err)
	}
}

// serve reads one request and answers it. Every response closes the
// connection.
func (h *connHandler) serve() {
	req, err := readRequest(h.br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		h.log.Debug("Malformed request from %s: %v", h.clientIP, err)
		h.write(errorPage(err))
		return
	}
	h.handle(req)
}

func (h *connHandler) handle(req *Request) {
	h.log.Debug("%s %s from %s", req.Method, req.Target, h.clientIP)

	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions, http.MethodConnect:
	default:
		h.write(errorPage(newError(ErrCodeHTTPMethodNotAllowed, fmt.Errorf("method %s", req.Method))))
		return
	}

	admission, ok := h.proxy.gate.Lookup(h.clientIP)
	if !ok {
		h.handleUnadmitted(req)
		return
	}

	if req.Method == http.MethodConnect {
		h.handleConnect(req, admission)
		return
	}

	if err := req.resolveTarget(); err != nil {
		h.log.Debug("Rejected request target %q: %v", req.Target, err)
		h.write(errorPage(err))
		return
	}

	if admission.Filtering && h.proxy.isFiltered(req.Host) {
		h.log.Info("Blocked %s %s for %s", req.Method, req.Host, h.clientIP)
		h.write(blockedPage(req.Host))
		return
	}

	switch req.Method {
	case http.MethodPost:
		if err := h.readBody(req, true); err != nil {
			h.log.Debug("Rejected POST body: %v", err)
			h.write(errorPage(err))
			return
		}
	case http.MethodOptions:
		if err := h.readBody(req, false); err != nil {
			h.log.Debug("Rejected OPTIONS body: %v", err)
			h.write(errorPage(err))
			return
		}
	}

	h.logRequest(req.Method, req.Host, req.Path, admission)

	var resp []byte
	var err error
	switch req.Method {
	case http.MethodGet, http.MethodHead:
		resp, err = h.serveCached(req)
	default:
		resp, err = h.forward(req)
	}
	if err != nil {
		h.log.Warn("%s %s failed: %v", req.Method, req.CacheKey(), err)
		resp = errorPage(err)
	}
	h.write(resp)
}

// readBody reads the Content-Length delimited body of req
func (h *connHandler) readBody(req *Request, required bool) error {
	n, ok, err := req.ContentLength()
	if err != nil {
		return newError(ErrCodeHTTPRequestReadFailed, err)
	}
	if !ok {
		if required {
			return newError(ErrCodeHTTPRequestReadFailed, errors.New("missing Content-Length"))
		}
		return nil
	}
	if limit := h.proxy.config.Cache.MaxBodyBytes; n > limit {
		return newError(ErrCodeBufferOverflow, fmt.Errorf("request body of %d bytes exceeds %d", n, limit))
	}
	req.Body = make([]byte, n)
	if _, err := io.ReadFull(h.br, req.Body); err != nil {
		return newError(ErrCodeHTTPBodyReadFailed, err)
	}
	return nil
}

// serveCached answers GET and HEAD through the response cache
func (h *connHandler) serveCached(req *Request) ([]byte, error) {
	cache := h.proxy.cache
	key := req.CacheKey()
	now := time.Now()

	entry, cached := cache.Lookup(key)
	if cached && !cache.IsExpired(entry, now) {
		h.log.Debug("Cache hit for %s", key)
		return h.fromEntry(req, entry), nil
	}

	rw := HeaderRewrite{Strip: []string{"If-Modified-Since", "If-None-Match"}}
	if cached {
		ims := entry.LastModified.UTC().Format(http.TimeFormat)
		rw.Set = []Header{{Name: "If-Modified-Since", Value: ims}}
		h.log.Debug("Revalidating %s (If-Modified-Since: %s)", key, ims)
	}

	raw, status, err := h.fetch(req, rw)
	if err != nil {
		return nil, err
	}

	if cached && status == http.StatusNotModified {
		h.log.Debug("Origin confirmed cached %s", key)
		return h.fromEntry(req, entry), nil
	}

	if req.Method == http.MethodHead {
		return raw, nil
	}

	stored := cache.Store(key, raw, now)
	h.persist(stored)
	return h.fromEntry(req, stored), nil
}

// fromEntry renders a cached entry for req, answering satisfied
// If-Modified-Since requests with a 304
func (h *connHandler) fromEntry(req *Request, entry *CachedEntry) []byte {
	if value := req.Header("If-Modified-Since"); value != "" {
		if since, err := http.ParseTime(value); err == nil && !entry.LastModified.Truncate(time.Second).After(since) {
			return notModified(entry.LastModified)
		}
	}
	if req.Method == http.MethodHead {
		return entry.Head()
	}
	return entry.Response
}

// forward relays POST and OPTIONS. POST responses are cached when enabled.
func (h *connHandler) forward(req *Request) ([]byte, error) {
	now := time.Now()
	raw, _, err := h.fetch(req, HeaderRewrite{})
	if err != nil {
		return nil, err
	}
	if req.Method == http.MethodPost && h.proxy.config.Cache.CachePost {
		h.persist(h.proxy.cache.Store(req.CacheKey(), raw, now))
	}
	return raw, nil
}

// dialOrigin opens and registers one origin socket
func (h *connHandler) dialOrigin(addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: h.proxy.config.GetTimeoutDuration()}
	conn, err := dialer.DialContext(h.ctx, "tcp", addr)
	if err != nil {
		return nil, dialError(err)
	}
	return h.proxy.conns.track(conn, h.id, "origin"), nil
}

// fetch sends req to its origin on a fresh socket and reads the whole
// response
func (h *connHandler) fetch(req *Request, rw HeaderRewrite) ([]byte, int, error) {
	origin, err := h.dialOrigin(req.HostPort())
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if closeErr := origin.Close(); closeErr != nil && !isClosedConnError(closeErr) {
			h.log.Debug("Error closing origin connection: %v", closeErr)
		}
	}()

	// The origin sees the host the filter checked, never the client's Host
	// header when the target was absolute-form
	host := hostHeaderValue(req.Host, req.Port)
	rw.Set = append(slices.Clone(rw.Set), Header{Name: "Host", Value: host})
	headers := h.proxy.headers.Process(req.Headers, host, rw)

	_ = origin.SetWriteDeadline(time.Now().Add(h.proxy.config.GetTimeoutDuration()))
	if err := writeRequest(origin, req.Method, req.Path, headers, req.Body); err != nil {
		return nil, 0, originIOError(ErrCodeHTTPRequestWriteFailed, err)
	}

	_ = origin.SetReadDeadline(time.Now().Add(h.proxy.config.Cache.GetOriginReadTimeoutDuration()))
	raw, status, err := readResponse(bufio.NewReader(origin), h.proxy.config.Cache.MaxBodyBytes, req.Method == http.MethodHead)
	if err != nil {
		return nil, 0, err
	}

	h.log.Debug("Origin %s answered %d (%d bytes)", req.HostPort(), status, len(raw))
	return raw, status, nil
}

// persist mirrors a cache store into the sink when enabled
func (h *connHandler) persist(entry *CachedEntry) {
	if !h.proxy.config.Store.PersistCache || h.proxy.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(h.ctx, sinkTimeout)
	defer cancel()
	if err := h.proxy.sink.StoreCachedResponse(ctx, entry.URL, entry.Response, entry.FetchedAt); err != nil {
		h.log.Warn("Failed to persist cached response for %s: %v", entry.URL, err)
	}
}

// logRequest emits the request log record of a dispatched request. The
// status is always 200.
func (h *connHandler) logRequest(method, host, path string, admission Admission) {
	if h.proxy.sink == nil {
		return
	}
	record := store.RequestLogRecord{
		Timestamp:  time.Now(),
		ClientIP:   h.clientIP,
		Domain:     host,
		Path:       path,
		Method:     method,
		StatusCode: http.StatusOK,
		CustomerID: admission.CustomerID,
	}
	ctx, cancel := context.WithTimeout(h.ctx, sinkTimeout)
	defer cancel()
	if err := h.proxy.sink.SaveRequestLog(ctx, record); err != nil {
		h.log.Warn("Failed to save request log: %v", err)
	}
}
