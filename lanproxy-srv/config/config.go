package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/codefionn/lanproxy/lanproxy-srv/logger"
)

// ServerType defines how a listener treats incoming connections
type ServerType string

// Available server types
const (
	ServerTypeProxy ServerType = "proxy" // Forward proxy (absolute-URI, Host-header and CONNECT)
	ServerTypeTLS   ServerType = "tls"   // Transparent TLS passthrough routed by SNI, plain requests still accepted
)

// ServerConfig defines configuration for a single listening socket
type ServerConfig struct {
	Type           ServerType // Type of listener
	ListenAddress  string     // Address to listen on (e.g., 127.0.0.1:8080)
	Enabled        bool       // Whether this listener is started
	MaxConnections int        // Maximum concurrent connections on this listener, 0 means unlimited
}

// GateToken is one entry of the access gate allow-list.
type GateToken struct {
	Token      string
	Filtering  bool // Whether the blocklist is enforced for clients admitted with this token
	CustomerID int  // Stamped into every request log of admitted clients
}

// GateConfig holds the access gate allow-list. The gate is active only when
// at least one token is configured.
type GateConfig struct {
	Tokens []GateToken
}

// Enabled reports whether clients must present a token before proxying.
func (g GateConfig) Enabled() bool {
	return len(g.Tokens) > 0
}

// FilterConfig describes the sources the host blocklist is seeded from.
type FilterConfig struct {
	Hosts        []string // Exact host names
	SeedFile     string   // YAML file with blocked_domains
	DomainsFiles []string // hosts-style files, entries also match subdomains
	Watch        bool     // Reload SeedFile and DomainsFiles on change
}

// StoreConfig selects the persistence backend for request logs, offline
// cached responses and the filtered host table.
type StoreConfig struct {
	Backend       string // dummy, sqlite, postgres or leveldb
	SQLitePath    string
	PostgresDSN   string
	LevelDBPath   string
	PersistCache  bool // Mirror every cache store into the backend
	QueueSize     int  // Capacity of the asynchronous write queue
	FlushInterval int  // Seconds between forced flushes of the write queue
}

// AdminConfig configures the JSON management API. It is disabled when
// ListenAddress is empty.
type AdminConfig struct {
	ListenAddress string
	Username      string
	Password      string
	SessionHours  int
}

// Config represents the main configuration structure for the proxy server.
type Config struct {
	Servers                  []ServerConfig // List of listeners
	TimeoutSeconds           int            // Dial timeout for origin connections
	MaxConcurrentConnections int            // Global max concurrent client connections, 0 means unlimited
	ShutdownTimeoutMillis    int            // Bounded join of workers on shutdown
	LogLevel                 string
	Cache                    CacheConfig
	Tunnel                   TunnelConfig
	Gate                     GateConfig
	Filter                   FilterConfig
	Store                    StoreConfig
	Admin                    AdminConfig
}

// DefaultServer returns the listener used when none is configured.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Type:           ServerTypeProxy,
		ListenAddress:  "127.0.0.1:8080",
		Enabled:        true,
		MaxConnections: 0,
	}
}

// DefaultConfig returns the configuration with every default applied.
func DefaultConfig() *Config {
	return &Config{
		Servers:                  []ServerConfig{DefaultServer()},
		TimeoutSeconds:           30,
		MaxConcurrentConnections: 100,
		ShutdownTimeoutMillis:    3000,
		LogLevel:                 "info",
		Cache:                    DefaultCacheConfig(),
		Tunnel:                   DefaultTunnelConfig(),
		Store: StoreConfig{
			Backend:       "dummy",
			SQLitePath:    "lanproxy.db",
			LevelDBPath:   "lanproxy-cache",
			QueueSize:     1024,
			FlushInterval: 5,
		},
		Admin: AdminConfig{
			Username:     "admin",
			SessionHours: 24,
		},
	}
}

// LoadConfig builds the configuration from defaults, environment variables
// and, if configPath is not empty, a .json or .hcl file.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	loadConfigFromEnv(cfg)

	if configPath != "" {
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
		case ".hcl":
			err = loadHCLConfig(configPath, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}

		if err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	for i, server := range c.Servers {
		if server.ListenAddress == "" {
			return fmt.Errorf("server %d: listen-address is required", i)
		}
		switch server.Type {
		case ServerTypeProxy, ServerTypeTLS:
		default:
			return fmt.Errorf("server %d: unknown server type: %s", i, server.Type)
		}
	}

	switch c.Store.Backend {
	case "dummy", "sqlite", "postgres", "leveldb":
	default:
		return fmt.Errorf("unsupported store backend: %s", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Store.PostgresDSN == "" {
		return fmt.Errorf("store.postgres-dsn is required for postgres backend")
	}

	if c.Cache.TTLMillis < 0 {
		return fmt.Errorf("cache.ttl-ms must not be negative")
	}
	if c.Cache.MaxBodyBytes <= 0 {
		return fmt.Errorf("cache.max-body-bytes must be positive")
	}

	if c.Tunnel.BufferBytes < 0 {
		return fmt.Errorf("tunnel.buffer-bytes must not be negative")
	}

	seen := make(map[string]bool, len(c.Gate.Tokens))
	for _, token := range c.Gate.Tokens {
		if token.Token == "" {
			return fmt.Errorf("gate token must not be empty")
		}
		if seen[token.Token] {
			return fmt.Errorf("duplicate gate token")
		}
		seen[token.Token] = true
	}

	if c.Admin.ListenAddress != "" && c.Admin.Password == "" {
		return fmt.Errorf("admin.password is required when the admin API is enabled")
	}

	return nil
}

func envBool(value string) bool {
	return strings.EqualFold(value, "true") || value == "1"
}

func envInt(name string, dst *int) {
	value := os.Getenv(name)
	if value == "" {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		logger.Warn("Invalid format for %s: %s", name, value)
		return
	}
	*dst = parsed
}

func envString(name string, dst *string) {
	if value := os.Getenv(name); value != "" {
		*dst = value
	}
}

func loadConfigFromEnv(cfg *Config) {
	envInt("LANPROXY_TIMEOUTSECONDS", &cfg.TimeoutSeconds)
	envInt("LANPROXY_MAXCONCURRENTCONNECTIONS", &cfg.MaxConcurrentConnections)
	envInt("LANPROXY_SHUTDOWNTIMEOUTMS", &cfg.ShutdownTimeoutMillis)
	envString("LANPROXY_LOGLEVEL", &cfg.LogLevel)

	envInt("LANPROXY_CACHETTLMS", &cfg.Cache.TTLMillis)
	envInt("LANPROXY_ORIGINREADTIMEOUTMS", &cfg.Cache.OriginReadTimeoutMillis)
	if value := os.Getenv("LANPROXY_MAXBODYBYTES"); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			cfg.Cache.MaxBodyBytes = parsed
		} else {
			logger.Warn("Invalid format for LANPROXY_MAXBODYBYTES: %s", value)
		}
	}

	if value := os.Getenv("LANPROXY_SNIINSPECTION"); value != "" {
		cfg.Tunnel.SNIInspection = envBool(value)
	}

	envString("LANPROXY_STOREBACKEND", &cfg.Store.Backend)
	envString("LANPROXY_SQLITEPATH", &cfg.Store.SQLitePath)
	envString("LANPROXY_POSTGRESDSN", &cfg.Store.PostgresDSN)
	envString("LANPROXY_LEVELDBPATH", &cfg.Store.LevelDBPath)
	if value := os.Getenv("LANPROXY_PERSISTCACHE"); value != "" {
		cfg.Store.PersistCache = envBool(value)
	}

	envString("LANPROXY_ADMINLISTENADDRESS", &cfg.Admin.ListenAddress)
	envString("LANPROXY_ADMINUSERNAME", &cfg.Admin.Username)
	envString("LANPROXY_ADMINPASSWORD", &cfg.Admin.Password)

	if hosts := os.Getenv("LANPROXY_FILTERHOSTS"); hosts != "" {
		for _, host := range strings.Split(hosts, ",") {
			if host = strings.TrimSpace(host); host != "" {
				cfg.Filter.Hosts = append(cfg.Filter.Hosts, host)
			}
		}
	}

	// Shorthand for the first listener
	if addr := os.Getenv("LANPROXY_LISTENADDRESS"); addr != "" {
		if len(cfg.Servers) == 0 {
			cfg.Servers = []ServerConfig{DefaultServer()}
		}
		cfg.Servers[0].ListenAddress = addr
	}

	// Example format: LANPROXY_SERVER_1_LISTENADDRESS=0.0.0.0:443
	// Example format: LANPROXY_SERVER_1_TYPE=tls
	for i := 0; ; i++ {
		prefix := fmt.Sprintf("LANPROXY_SERVER_%d_", i)
		addr := os.Getenv(prefix + "LISTENADDRESS")
		if addr == "" {
			break
		}

		var server ServerConfig
		if i < len(cfg.Servers) {
			server = cfg.Servers[i]
		} else {
			server = DefaultServer()
		}
		server.ListenAddress = addr

		if typeStr := os.Getenv(prefix + "TYPE"); typeStr != "" {
			server.Type = ServerType(typeStr)
		}
		if enabledStr := os.Getenv(prefix + "ENABLED"); enabledStr != "" {
			if enabled, err := strconv.ParseBool(enabledStr); err == nil {
				server.Enabled = enabled
			} else {
				logger.Warn("Invalid format for %sENABLED: %s", prefix, enabledStr)
			}
		}
		envInt(prefix+"MAXCONNECTIONS", &server.MaxConnections)

		if i < len(cfg.Servers) {
			cfg.Servers[i] = server
		} else {
			cfg.Servers = append(cfg.Servers, server)
		}
	}
}
