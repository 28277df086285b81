package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/lanproxy/lanproxy-srv/config"
	"github.com/codefionn/lanproxy/lanproxy-srv/logger"
	"github.com/codefionn/lanproxy/lanproxy-srv/store"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// rejectWriteTimeout bounds writing the 503 page to a client over the limit
const rejectWriteTimeout = time.Second

// HostFilter is the blocklist consulted before any origin contact
type HostFilter interface {
	IsFilteredHost(host string) bool
}

// Options carries the shared tables injected into a Proxy. Nil fields get
// fresh defaults built from the configuration.
type Options struct {
	Cache  *ResponseCache
	Filter HostFilter
	Gate   *AccessGate
	Sink   store.Sink

	// PassthroughPort is the origin port of tls listeners, 443 when zero
	PassthroughPort int
}

// Server is one listening socket of the proxy
type Server struct {
	proxy        *Proxy
	serverConfig config.ServerConfig
	sem          *semaphore.Weighted

	mu       sync.Mutex
	listener net.Listener
}

// Proxy accepts client connections on every enabled listener and runs one
// handler per connection
type Proxy struct {
	config          *config.Config
	servers         []*Server
	cache           *ResponseCache
	filter          HostFilter
	gate            *AccessGate
	sink            store.Sink
	headers         *HeaderProcessor
	chunks          *chunkPool
	passthroughPort int

	sem          *semaphore.Weighted
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
	conns        *connRegistry
}

// NewProxy creates a proxy for cfg. No socket is opened until Start.
func NewProxy(cfg *config.Config, opts Options) *Proxy {
	ctx, cancel := context.WithCancel(context.Background())

	p := &Proxy{
		config:          cfg,
		servers:         make([]*Server, 0, len(cfg.Servers)),
		cache:           opts.Cache,
		filter:          opts.Filter,
		gate:            opts.Gate,
		sink:            opts.Sink,
		headers:         NewHeaderProcessor(),
		chunks:          newChunkPool(cfg.Tunnel.BufferBytes),
		passthroughPort: opts.PassthroughPort,
		ctx:             ctx,
		cancel:          cancel,
		conns:           newConnRegistry(),
	}

	if p.cache == nil {
		p.cache = NewResponseCache(cfg.Cache.GetTTLDuration())
	}
	if p.gate == nil {
		p.gate = NewAccessGate(cfg.Gate)
	}
	if p.sink == nil {
		p.sink = store.NewDummyBackend()
	}
	if p.passthroughPort == 0 {
		p.passthroughPort = tlsPassthroughPort
	}
	if cfg.MaxConcurrentConnections > 0 {
		p.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentConnections))
	}

	for _, serverCfg := range cfg.Servers {
		if !serverCfg.Enabled {
			logger.Info("Skipping disabled server on %s", serverCfg.ListenAddress)
			continue
		}

		switch serverCfg.Type {
		case config.ServerTypeProxy, config.ServerTypeTLS:
		default:
			logger.Error("%v", newError(ErrCodeUnknownProxyType, fmt.Errorf("%s on %s", serverCfg.Type, serverCfg.ListenAddress)))
			continue
		}

		server := &Server{
			proxy:        p,
			serverConfig: serverCfg,
		}
		if serverCfg.MaxConnections > 0 {
			server.sem = semaphore.NewWeighted(int64(serverCfg.MaxConnections))
		}
		p.servers = append(p.servers, server)
	}

	if len(p.servers) == 0 {
		logger.Warn("No enabled proxy servers configured")
	}

	return p
}

// GetConfig returns the configuration the proxy was built from
func (p *Proxy) GetConfig() *config.Config {
	return p.config
}

// Cache returns the shared response cache
func (p *Proxy) Cache() *ResponseCache {
	return p.cache
}

// Gate returns the shared access gate
func (p *Proxy) Gate() *AccessGate {
	return p.gate
}

// ActiveConnections returns the number of open client and origin sockets
func (p *Proxy) ActiveConnections() int {
	return p.conns.Len()
}

// Addrs returns the bound addresses of all running listeners
func (p *Proxy) Addrs() []string {
	addrs := make([]string, 0, len(p.servers))
	for _, s := range p.servers {
		if addr := s.Addr(); addr != nil {
			addrs = append(addrs, addr.String())
		}
	}
	return addrs
}

func (p *Proxy) isFiltered(host string) bool {
	return p.filter != nil && p.filter.IsFilteredHost(host)
}

// Start binds every enabled listener and serves until Stop is called
func (p *Proxy) Start() error {
	if len(p.servers) == 0 {
		return newError(ErrCodeNoEnabledServers, nil)
	}

	listeners := make([]net.Listener, 0, len(p.servers))
	for _, s := range p.servers {
		listener, err := net.Listen("tcp", s.serverConfig.ListenAddress)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return newError(ErrCodeListenerCreateFailed, fmt.Errorf("%s: %w", s.serverConfig.ListenAddress, err))
		}
		listeners = append(listeners, listener)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var startErrors []error

	for i, s := range p.servers {
		wg.Add(1)
		go func(s *Server, listener net.Listener) {
			defer wg.Done()
			if err := s.StartWithListener(listener); err != nil {
				mu.Lock()
				startErrors = append(startErrors, err)
				mu.Unlock()
			}
		}(s, listeners[i])
	}

	wg.Wait()

	if len(startErrors) > 0 {
		return startErrors[0]
	}
	return nil
}

// StartWithListener serves the first configured server on listener
func (p *Proxy) StartWithListener(listener net.Listener) error {
	if len(p.servers) == 0 {
		return newError(ErrCodeNoEnabledServers, nil)
	}
	return p.servers[0].StartWithListener(listener)
}

// StartWithListener runs the accept loop on listener until it is closed
func (s *Server) StartWithListener(listener net.Listener) error {
	p := s.proxy

	s.mu.Lock()
	if p.shuttingDown.Load() {
		s.mu.Unlock()
		return listener.Close()
	}
	s.listener = listener
	s.mu.Unlock()

	logger.Info("Starting %s server on %s", s.serverConfig.Type, listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if p.shuttingDown.Load() || isClosedConnError(err) {
				logger.Debug("Listener %s closed", listener.Addr().String())
				return nil
			}
			logger.Error("Failed to accept connection: %v", err)
			continue
		}

		if p.shuttingDown.Load() {
			_ = conn.Close()
			return nil
		}

		if !s.acquire() {
			go p.reject(conn)
			continue
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer s.release()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) acquire() bool {
	p := s.proxy
	if p.sem != nil && !p.sem.TryAcquire(1) {
		return false
	}
	if s.sem != nil && !s.sem.TryAcquire(1) {
		if p.sem != nil {
			p.sem.Release(1)
		}
		return false
	}
	return true
}

func (s *Server) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
	if p := s.proxy; p.sem != nil {
		p.sem.Release(1)
	}
}

// reject answers a connection over the concurrency limit with a 503
func (p *Proxy) reject(conn net.Conn) {
	defer conn.Close()
	logger.Warn("Rejecting connection from %s: %v", conn.RemoteAddr(), newError(ErrCodeConcurrencyLimitReached, nil))
	_ = conn.SetWriteDeadline(time.Now().Add(rejectWriteTimeout))
	if _, err := conn.Write(errorPage(newError(ErrCodeConcurrencyLimitReached, nil))); err != nil {
		logger.Debug("Failed to write 503 to %s: %v", conn.RemoteAddr(), err)
	}
}

// handleConn runs one connection. A panic ends only this connection.
func (s *Server) handleConn(raw net.Conn) {
	p := s.proxy
	id := uuid.NewString()[:8]
	conn := p.conns.track(raw, id, "client")
	h := newConnHandler(p.ctx, p, conn, id)

	defer func() {
		if r := recover(); r != nil {
			h.log.Error("%v", newError(ErrCodePanicRecovered, fmt.Errorf("%v", r)))
		}
		if err := conn.Close(); err != nil && !isClosedConnError(err) {
			h.log.Debug("Error closing client connection: %v", err)
		}
	}()

	h.log.Trace("Accepted connection from %s on %s", raw.RemoteAddr(), raw.LocalAddr())

	switch s.serverConfig.Type {
	case config.ServerTypeTLS:
		h.servePassthrough()
	default:
		h.serve()
	}
}

// Addr returns the bound address, or nil before the server started
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listening socket
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	if err := s.listener.Close(); err != nil && !isClosedConnError(err) {
		return err
	}
	return nil
}

// Stop closes all listeners, cancels running handlers and waits for them
// up to the shutdown timeout before force-closing the remaining sockets.
func (p *Proxy) Stop() error {
	if !p.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	var lastErr error
	for _, server := range p.servers {
		if err := server.Stop(); err != nil {
			lastErr = err
			logger.Error("Failed to stop proxy server on %s: %v", server.serverConfig.ListenAddress, err)
		}
	}

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("All connections finished")
	case <-time.After(p.config.GetShutdownTimeoutDuration()):
		n := p.conns.closeAll()
		logger.Warn("Shutdown timeout reached, force-closed %d sockets", n)
		select {
		case <-done:
		case <-time.After(time.Second):
			logger.Error("Handlers still running after force-close")
		}
	}

	return lastErr
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection")
}
