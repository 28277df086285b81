package proxy

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"
	tlsPassthroughPort = 443
)

// handleConnect opens a tunnel for an admitted CONNECT request
func (h *connHandler) handleConnect(req *Request, admission Admission) {
	host, port, err := parseAuthority(req.Target)
	if err != nil {
		h.log.Debug("Invalid CONNECT authority %q: %v", req.Target, err)
		h.write(errorPage(err))
		return
	}

	if admission.Filtering && h.proxy.isFiltered(host) {
		h.log.Info("Blocked CONNECT %s for %s", host, h.clientIP)
		h.write(blockedPage(host))
		return
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	origin, err := h.dialOrigin(addr)
	if err != nil {
		h.log.Warn("CONNECT %s failed: %v", addr, err)
		h.write(errorPage(err))
		return
	}
	defer origin.Close()

	if _, err := io.WriteString(h.conn, connectEstablished); err != nil {
		h.log.Debug("Failed to confirm tunnel to %s: %v", addr, err)
		return
	}
	h.log.Debug("Tunnel established to %s", addr)

	deadline := &clientDeadline{conn: h.conn}
	if !h.proxy.config.Tunnel.SNIInspection || !admission.Filtering {
		h.logRequest(http.MethodConnect, host, "", admission)
		h.relay(origin, deadline, func() (io.Reader, bool) { return h.br, true })
		return
	}

	screen := func() (io.Reader, bool) {
		src, allowed := h.inspectSNI(host, deadline)
		if allowed {
			h.logRequest(http.MethodConnect, host, "", admission)
		}
		return src, allowed
	}

	// A client that speaks first is screened before any origin byte is
	// relayed. A silent one gets the origin stream while its first record
	// is still awaited.
	deadline.set(time.Now().Add(h.proxy.config.Tunnel.GetSNIPeekTimeoutDuration()))
	_, err = h.br.Peek(1)
	deadline.set(time.Time{})
	if err == nil || !isTimeout(err) {
		src, allowed := screen()
		if !allowed {
			return
		}
		screen = func() (io.Reader, bool) { return src, true }
	}

	h.relay(origin, deadline, screen)
}

// inspectSNI checks the first client record of a tunnel against the filter.
// It waits for the first byte as long as the tunnel lives. Data that is not
// TLS passes through untouched. A handshake record that does not parse, or a
// ClientHello naming a filtered host, refuses the tunnel.
func (h *connHandler) inspectSNI(connectHost string, deadline *clientDeadline) (io.Reader, bool) {
	first, err := h.br.Peek(1)
	if err != nil || first[0] != recordTypeHandshake {
		return h.br, true
	}

	deadline.set(time.Now().Add(h.proxy.config.Tunnel.GetSNIPeekTimeoutDuration()))
	hello, captured, err := readClientHello(h.br)
	deadline.set(time.Time{})
	if err != nil {
		h.log.Info("Refused tunnel to %s for %s: %v", connectHost, h.clientIP, err)
		return nil, false
	}

	if sni := hello.ServerName; sni != "" && sni != connectHost && h.proxy.isFiltered(sni) {
		h.log.Info("Blocked SNI %s in tunnel to %s for %s", sni, connectHost, h.clientIP)
		return nil, false
	}
	return io.MultiReader(bytes.NewReader(captured), h.br), true
}

// clientDeadline serializes read deadline changes on the client socket.
// After halfClose, set is a no-op.
type clientDeadline struct {
	mu         sync.Mutex
	conn       net.Conn
	halfClosed bool
}

func (d *clientDeadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.halfClosed {
		_ = d.conn.SetReadDeadline(t)
	}
}

func (d *clientDeadline) halfClose(timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.halfClosed = true
	_ = d.conn.SetReadDeadline(time.Now().Add(timeout))
}

// relay pumps bytes in both directions until both have finished. client
// yields the client stream once it may reach the origin; when it refuses,
// both sockets are closed. When one direction ends the other gets a bounded
// read deadline.
func (h *connHandler) relay(origin net.Conn, deadline *clientDeadline, client func() (io.Reader, bool)) {
	halfClose := h.proxy.config.Tunnel.GetHalfCloseTimeoutDuration()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		clientSrc, allowed := client()
		if !allowed {
			_ = origin.Close()
			_ = h.conn.Close()
			return
		}
		n, err := h.proxy.chunks.pump(origin, clientSrc)
		if err != nil && !isClosedConnError(err) {
			h.log.Trace("client->origin copy ended after %d bytes: %v", n, err)
		}
		closeWrite(origin)
		_ = origin.SetReadDeadline(time.Now().Add(halfClose))
	}()

	go func() {
		defer wg.Done()
		n, err := h.proxy.chunks.pump(h.conn, origin)
		if err != nil && !isClosedConnError(err) {
			h.log.Trace("origin->client copy ended after %d bytes: %v", n, err)
		}
		closeWrite(h.conn)
		deadline.halfClose(halfClose)
	}()

	wg.Wait()
}

// pump copies src to dst in pooled chunks, flushing after each write when
// dst buffers
func (p *chunkPool) pump(dst io.Writer, src io.Reader) (int64, error) {
	bufPtr := p.get()
	defer p.put(bufPtr)
	buf := *bufPtr

	flusher, _ := dst.(interface{ Flush() error })

	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
			if flusher != nil {
				if err := flusher.Flush(); err != nil {
					return written, err
				}
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, nil
			}
			return written, rerr
		}
	}
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

// servePassthrough handles a connection on a tls listener. A ClientHello is
// routed to its SNI host on port 443 without decryption, anything else is
// treated as a plain proxy request.
func (h *connHandler) servePassthrough() {
	first, err := h.br.Peek(1)
	if err != nil {
		return
	}
	if first[0] != recordTypeHandshake {
		h.serve()
		return
	}

	_ = h.conn.SetReadDeadline(time.Now().Add(h.proxy.config.Tunnel.GetSNIPeekTimeoutDuration()))
	hello, captured, err := readClientHello(h.br)
	_ = h.conn.SetReadDeadline(time.Time{})
	if err != nil {
		h.log.Debug("TLS passthrough from %s without ClientHello: %v", h.clientIP, err)
		return
	}
	sni := hello.ServerName
	if sni == "" {
		h.log.Debug("TLS passthrough from %s: %v", h.clientIP, newError(ErrCodeNoSNIHostname, nil))
		return
	}

	admission, ok := h.proxy.gate.Lookup(h.clientIP)
	if !ok {
		h.log.Info("TLS passthrough to %s refused for unadmitted client %s", sni, h.clientIP)
		return
	}
	if admission.Filtering && h.proxy.isFiltered(sni) {
		h.log.Info("Blocked TLS passthrough to %s for %s", sni, h.clientIP)
		return
	}

	origin, err := h.dialOrigin(net.JoinHostPort(sni, strconv.Itoa(h.proxy.passthroughPort)))
	if err != nil {
		h.log.Warn("TLS passthrough to %s failed: %v", sni, err)
		return
	}
	defer origin.Close()

	h.logRequest(http.MethodConnect, sni, "", admission)
	replay := io.MultiReader(bytes.NewReader(captured), h.br)
	h.relay(origin, &clientDeadline{conn: h.conn}, func() (io.Reader, bool) { return replay, true })
}
