package admin

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/lanproxy/lanproxy-srv/config"
	"github.com/codefionn/lanproxy/lanproxy-srv/logger"
	"github.com/codefionn/lanproxy/lanproxy-srv/proxy"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultSessionTimeout is used when admin.session-hours is not positive
	DefaultSessionTimeout = 24 * time.Hour
	// maxRequestBytes caps JSON request bodies
	maxRequestBytes = 16 << 10
	// healthTimeout bounds a sink health check
	healthTimeout = 5 * time.Second
)

// HostManager is the part of the filter list the API manages
type HostManager interface {
	AddHost(ctx context.Context, host string) error
	RemoveHost(ctx context.Context, host string) (bool, error)
	ListHosts() []string
}

// ProxyInterface defines what the API needs from the running proxy
type ProxyInterface interface {
	Cache() *proxy.ResponseCache
	Gate() *proxy.AccessGate
}

// HealthChecker checks the persistence backend
type HealthChecker interface {
	Check(ctx context.Context, timeout time.Duration) error
}

// API is the JSON management interface for hosts, clients and the cache
type API struct {
	config    config.AdminConfig
	hosts     HostManager
	proxy     ProxyInterface
	health    HealthChecker
	jwtSecret []byte
	mux       *http.ServeMux

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewAPI creates the admin API. health may be nil.
func NewAPI(cfg config.AdminConfig, hosts HostManager, p ProxyInterface, health HealthChecker) *API {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		secret = fmt.Appendf(nil, "lanproxy-admin-%d", time.Now().UnixNano())
	}

	a := &API{
		config:    cfg,
		hosts:     hosts,
		proxy:     p,
		health:    health,
		jwtSecret: secret,
		mux:       http.NewServeMux(),
	}

	a.mux.HandleFunc("POST /api/login", a.handleLogin)
	a.mux.HandleFunc("GET /api/hosts", a.requireAuth(a.handleListHosts))
	a.mux.HandleFunc("POST /api/hosts", a.requireAuth(a.handleAddHost))
	a.mux.HandleFunc("DELETE /api/hosts/{host}", a.requireAuth(a.handleRemoveHost))
	a.mux.HandleFunc("GET /api/clients", a.requireAuth(a.handleListClients))
	a.mux.HandleFunc("DELETE /api/clients/{ip}", a.requireAuth(a.handleRevokeClient))
	a.mux.HandleFunc("GET /api/cache", a.requireAuth(a.handleListCache))
	a.mux.HandleFunc("DELETE /api/cache", a.requireAuth(a.handleClearCache))
	a.mux.HandleFunc("GET /api/health", a.requireAuth(a.handleHealth))
	return a
}

// ServeHTTP implements http.Handler
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger.Debug("Admin request %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
	a.mux.ServeHTTP(w, r)
}

// Start listens on the configured address and serves in the background
func (a *API) Start() error {
	listener, err := net.Listen("tcp", a.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.config.ListenAddress, err)
	}
	return a.StartWithListener(listener)
}

// StartWithListener serves the API on an existing listener
func (a *API) StartWithListener(listener net.Listener) error {
	a.mu.Lock()
	if a.server != nil {
		a.mu.Unlock()
		return errors.New("admin API already started")
	}
	a.server = &http.Server{
		Handler:           a,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.listener = listener
	server := a.server
	a.mu.Unlock()

	logger.Info("Admin API listening on %s", listener.Addr())
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admin API stopped: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or "" when not started
func (a *API) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Stop shuts the API server down
func (a *API) Stop(ctx context.Context) error {
	a.mu.Lock()
	server := a.server
	a.server = nil
	a.listener = nil
	a.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (a *API) sessionTimeout() time.Duration {
	if a.config.SessionHours <= 0 {
		return DefaultSessionTimeout
	}
	return time.Duration(a.config.SessionHours) * time.Hour
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type hostRequest struct {
	Host string `json:"host"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !readJSON(w, r, &req) {
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(a.config.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(a.config.Password)) == 1
	if !userOK || !passOK || a.config.Password == "" {
		logger.Warn("Failed admin login for %q from %s", req.Username, r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := a.createJWTSession(req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	logger.Info("Admin %s logged in from %s", req.Username, r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (a *API) handleListHosts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"hosts": a.hosts.ListHosts()})
}

func (a *API) handleAddHost(w http.ResponseWriter, r *http.Request) {
	var req hostRequest
	if !readJSON(w, r, &req) {
		return
	}
	host := strings.TrimSpace(req.Host)
	if host == "" {
		writeError(w, http.StatusBadRequest, "host is required")
		return
	}
	if err := a.hosts.AddHost(r.Context(), host); err != nil {
		logger.Error("Failed to add filtered host %s: %v", host, err)
		writeError(w, http.StatusInternalServerError, "failed to add host")
		return
	}
	writeJSON(w, http.StatusCreated, hostRequest{Host: host})
}

func (a *API) handleRemoveHost(w http.ResponseWriter, r *http.Request) {
	host := r.PathValue("host")
	removed, err := a.hosts.RemoveHost(r.Context(), host)
	if err != nil {
		logger.Error("Failed to remove filtered host %s: %v", host, err)
		writeError(w, http.StatusInternalServerError, "failed to remove host")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "host not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListClients(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": a.proxy.Gate().Enabled(),
		"clients": a.proxy.Gate().Admissions(),
	})
}

func (a *API) handleRevokeClient(w http.ResponseWriter, r *http.Request) {
	if !a.proxy.Gate().Revoke(r.PathValue("ip")) {
		writeError(w, http.StatusNotFound, "client not admitted")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cacheEntryInfo struct {
	URL          string    `json:"url"`
	Size         int       `json:"size"`
	FetchedAt    time.Time `json:"fetched_at"`
	LastModified time.Time `json:"last_modified"`
	Expired      bool      `json:"expired"`
}

func (a *API) handleListCache(w http.ResponseWriter, _ *http.Request) {
	cache := a.proxy.Cache()
	now := time.Now()
	entries := make([]cacheEntryInfo, 0, cache.Len())
	for _, url := range cache.URLs() {
		entry, ok := cache.Lookup(url)
		if !ok {
			continue
		}
		entries = append(entries, cacheEntryInfo{
			URL:          entry.URL,
			Size:         len(entry.Response),
			FetchedAt:    entry.FetchedAt,
			LastModified: entry.LastModified,
			Expired:      cache.IsExpired(entry, now),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleClearCache(w http.ResponseWriter, _ *http.Request) {
	cleared := a.proxy.Cache().Len()
	a.proxy.Cache().Clear()
	logger.Info("Cleared %d cached responses", cleared)
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if err := a.health.Check(r.Context(), healthTimeout); err != nil {
		logger.Warn("Store health check failed: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireAuth rejects requests without a valid bearer token
func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || tokenString == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="lanproxy"`)
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token, err := a.parseJWTToken(tokenString)
		if err != nil || !token.Valid {
			logger.Debug("JWT token validation failed: %v", err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}

// parseJWTToken parses and validates a JWT token
func (a *API) parseJWTToken(tokenString string) (*jwt.Token, error) {
	return jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			logger.Warn("Unexpected JWT signing method: %v", token.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	})
}

// createJWTSession creates a new JWT token for the session
func (a *API) createJWTSession(username string) (string, error) {
	claims := jwt.MapClaims{
		"username": username,
		"exp":      time.Now().Add(a.sessionTimeout()).Unix(),
		"iat":      time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(a.jwtSecret)
	if err != nil {
		logger.Error("Failed to sign JWT token: %v", err)
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response: %v", err)
	}
}
