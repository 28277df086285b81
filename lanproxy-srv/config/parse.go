package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"

	"github.com/codefionn/lanproxy/lanproxy-srv/logger"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

func cleanConfigPath(configPath string) (string, error) {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return "", fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	return cleanPath, nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	cleanPath, err := cleanConfigPath(configPath)
	if err != nil {
		return err
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	// Decode into a map to handle the hyphenated keys and secrets
	var data map[string]any
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}

	return applyConfigMap(data, cfg)
}

// loadHCLConfig evaluates every top-level attribute of an HCL file and feeds
// the result through the same map decoder as JSON.
func loadHCLConfig(configPath string, cfg *Config) error {
	cleanPath, err := cleanConfigPath(configPath)
	if err != nil {
		return err
	}
	src, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}

	file, diags := hclsyntax.ParseConfig(src, cleanPath, hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL config: %s", diags.Error())
	}

	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return fmt.Errorf("failed to read HCL attributes: %s", diags.Error())
	}

	data := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		value, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return fmt.Errorf("failed to evaluate %s: %s", name, diags.Error())
		}

		raw, err := ctyjson.Marshal(value, value.Type())
		if err != nil {
			return fmt.Errorf("failed to convert %s: %w", name, err)
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return fmt.Errorf("failed to convert %s: %w", name, err)
		}
		data[name] = decoded
	}

	return applyConfigMap(data, cfg)
}

// setValue parses data[key] into dst if the key is present.
func setValue[T any](data map[string]any, key string, dst *T) error {
	raw, ok := data[key]
	if !ok {
		return nil
	}
	value, err := parseValue[T](raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = *value
	return nil
}

func section(data map[string]any, key string) (map[string]any, error) {
	raw, ok := data[key]
	if !ok {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an object", key)
	}
	return m, nil
}

func parseStringList(value any) ([]string, error) {
	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("expected array of strings, got %T", value)
	}
	result := make([]string, 0, len(items))
	for i, item := range items {
		s, err := parseValue[string](item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		result = append(result, *s)
	}
	return result, nil
}

func applyConfigMap(data map[string]any, cfg *Config) error {
	if err := setValue(data, "timeout-seconds", &cfg.TimeoutSeconds); err != nil {
		return err
	}
	if err := setValue(data, "max-concurrent-connections", &cfg.MaxConcurrentConnections); err != nil {
		return err
	}
	if err := setValue(data, "shutdown-timeout-ms", &cfg.ShutdownTimeoutMillis); err != nil {
		return err
	}
	if err := setValue(data, "log-level", &cfg.LogLevel); err != nil {
		return err
	}

	if rawServers, ok := data["servers"]; ok {
		servers, ok := rawServers.([]any)
		if !ok {
			return fmt.Errorf("servers must be an array")
		}
		cfg.Servers = make([]ServerConfig, 0, len(servers))
		for i, rawServer := range servers {
			serverMap, ok := rawServer.(map[string]any)
			if !ok {
				return fmt.Errorf("server %d must be an object", i)
			}
			server, err := parseServer(serverMap)
			if err != nil {
				return fmt.Errorf("server %d: %w", i, err)
			}
			cfg.Servers = append(cfg.Servers, server)
		}
	}

	parsers := []struct {
		key   string
		parse func(map[string]any, *Config) error
	}{
		{"cache", parseCacheSection},
		{"tunnel", parseTunnelSection},
		{"gate", parseGateSection},
		{"filter", parseFilterSection},
		{"store", parseStoreSection},
		{"admin", parseAdminSection},
	}
	for _, p := range parsers {
		m, err := section(data, p.key)
		if err != nil {
			return err
		}
		if m == nil {
			continue
		}
		if err := p.parse(m, cfg); err != nil {
			return fmt.Errorf("%s: %w", p.key, err)
		}
	}

	return nil
}

func parseServer(m map[string]any) (ServerConfig, error) {
	server := DefaultServer()
	var serverType string
	if err := setValue(m, "type", &serverType); err != nil {
		return server, err
	}
	if serverType != "" {
		server.Type = ServerType(serverType)
	}
	if err := setValue(m, "listen-address", &server.ListenAddress); err != nil {
		return server, err
	}
	if err := setValue(m, "enabled", &server.Enabled); err != nil {
		return server, err
	}
	if err := setValue(m, "max-connections", &server.MaxConnections); err != nil {
		return server, err
	}
	return server, nil
}

func parseCacheSection(m map[string]any, cfg *Config) error {
	if err := setValue(m, "ttl-ms", &cfg.Cache.TTLMillis); err != nil {
		return err
	}
	if err := setValue(m, "max-body-bytes", &cfg.Cache.MaxBodyBytes); err != nil {
		return err
	}
	if err := setValue(m, "origin-read-timeout-ms", &cfg.Cache.OriginReadTimeoutMillis); err != nil {
		return err
	}
	return setValue(m, "cache-post", &cfg.Cache.CachePost)
}

func parseTunnelSection(m map[string]any, cfg *Config) error {
	if err := setValue(m, "sni-inspection", &cfg.Tunnel.SNIInspection); err != nil {
		return err
	}
	if err := setValue(m, "sni-peek-timeout-ms", &cfg.Tunnel.SNIPeekTimeoutMillis); err != nil {
		return err
	}
	if err := setValue(m, "half-close-timeout-ms", &cfg.Tunnel.HalfCloseTimeoutMillis); err != nil {
		return err
	}
	return setValue(m, "buffer-bytes", &cfg.Tunnel.BufferBytes)
}

func parseGateSection(m map[string]any, cfg *Config) error {
	rawTokens, ok := m["tokens"]
	if !ok {
		return nil
	}
	tokens, ok := rawTokens.([]any)
	if !ok {
		return fmt.Errorf("tokens must be an array")
	}
	cfg.Gate.Tokens = make([]GateToken, 0, len(tokens))
	for i, rawToken := range tokens {
		var token GateToken
		switch v := rawToken.(type) {
		case string:
			token = GateToken{Token: v, Filtering: true}
		case map[string]any:
			// Filtering is opt-out for object tokens as well
			token.Filtering = true
			if err := setValue(v, "token", &token.Token); err != nil {
				return fmt.Errorf("token %d: %w", i, err)
			}
			if err := setValue(v, "filtering", &token.Filtering); err != nil {
				return fmt.Errorf("token %d: %w", i, err)
			}
			if err := setValue(v, "customer-id", &token.CustomerID); err != nil {
				return fmt.Errorf("token %d: %w", i, err)
			}
		default:
			return fmt.Errorf("token %d must be a string or an object", i)
		}
		cfg.Gate.Tokens = append(cfg.Gate.Tokens, token)
	}
	return nil
}

func parseFilterSection(m map[string]any, cfg *Config) error {
	if rawHosts, ok := m["hosts"]; ok {
		hosts, err := parseStringList(rawHosts)
		if err != nil {
			return fmt.Errorf("hosts: %w", err)
		}
		cfg.Filter.Hosts = hosts
	}
	if rawFiles, ok := m["domains-files"]; ok {
		files, err := parseStringList(rawFiles)
		if err != nil {
			return fmt.Errorf("domains-files: %w", err)
		}
		cfg.Filter.DomainsFiles = files
	}
	if err := setValue(m, "seed-file", &cfg.Filter.SeedFile); err != nil {
		return err
	}
	return setValue(m, "watch", &cfg.Filter.Watch)
}

func parseStoreSection(m map[string]any, cfg *Config) error {
	if err := setValue(m, "backend", &cfg.Store.Backend); err != nil {
		return err
	}
	if err := setValue(m, "sqlite-path", &cfg.Store.SQLitePath); err != nil {
		return err
	}
	if err := setValue(m, "postgres-dsn", &cfg.Store.PostgresDSN); err != nil {
		return err
	}
	if err := setValue(m, "leveldb-path", &cfg.Store.LevelDBPath); err != nil {
		return err
	}
	if err := setValue(m, "persist-cache", &cfg.Store.PersistCache); err != nil {
		return err
	}
	if err := setValue(m, "queue-size", &cfg.Store.QueueSize); err != nil {
		return err
	}
	return setValue(m, "flush-interval", &cfg.Store.FlushInterval)
}

func parseAdminSection(m map[string]any, cfg *Config) error {
	if err := setValue(m, "listen-address", &cfg.Admin.ListenAddress); err != nil {
		return err
	}
	if err := setValue(m, "username", &cfg.Admin.Username); err != nil {
		return err
	}
	if err := setValue(m, "password", &cfg.Admin.Password); err != nil {
		return err
	}
	return setValue(m, "session-hours", &cfg.Admin.SessionHours)
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		// JSON number
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got JSON number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(v, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			elem.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() == reflect.Bool {
			elem.SetBool(v)
		} else {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
	default:
		// direct-case: cast
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}
