package config

import "time"

// CacheConfig holds configuration for the response cache and origin fetches
type CacheConfig struct {
	TTLMillis               int   `json:"ttl-ms" hcl:"ttl-ms"`
	MaxBodyBytes            int64 `json:"max-body-bytes" hcl:"max-body-bytes"`
	OriginReadTimeoutMillis int   `json:"origin-read-timeout-ms" hcl:"origin-read-timeout-ms"`
	CachePost               bool  `json:"cache-post" hcl:"cache-post"`
}

// DefaultCacheConfig returns default cache configuration
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTLMillis:               600000,            // 10 minutes
		MaxBodyBytes:            500 * 1024 * 1024, // 500 MiB
		OriginReadTimeoutMillis: 300000,            // 5 minutes
		CachePost:               false,
	}
}

// GetTTLDuration returns the TTL as a time.Duration
func (c CacheConfig) GetTTLDuration() time.Duration {
	return time.Duration(c.TTLMillis) * time.Millisecond
}

// GetOriginReadTimeoutDuration returns the full-body fetch read timeout
func (c CacheConfig) GetOriginReadTimeoutDuration() time.Duration {
	return time.Duration(c.OriginReadTimeoutMillis) * time.Millisecond
}

// TunnelConfig holds configuration for CONNECT tunnels and TLS passthrough
type TunnelConfig struct {
	SNIInspection          bool `json:"sni-inspection" hcl:"sni-inspection"`
	SNIPeekTimeoutMillis   int  `json:"sni-peek-timeout-ms" hcl:"sni-peek-timeout-ms"`
	HalfCloseTimeoutMillis int  `json:"half-close-timeout-ms" hcl:"half-close-timeout-ms"`
	BufferBytes            int  `json:"buffer-bytes" hcl:"buffer-bytes"` // Chunk size of each tunnel pump
}

// DefaultTunnelConfig returns default tunnel configuration
func DefaultTunnelConfig() TunnelConfig {
	return TunnelConfig{
		SNIInspection:          true,
		SNIPeekTimeoutMillis:   2000,
		HalfCloseTimeoutMillis: 10000,
		BufferBytes:            32 * 1024,
	}
}

// GetSNIPeekTimeoutDuration returns how long to wait for a ClientHello
func (c TunnelConfig) GetSNIPeekTimeoutDuration() time.Duration {
	return time.Duration(c.SNIPeekTimeoutMillis) * time.Millisecond
}

// GetHalfCloseTimeoutDuration returns how long the remaining direction of a
// tunnel may stay open after the other direction finished
func (c TunnelConfig) GetHalfCloseTimeoutDuration() time.Duration {
	return time.Duration(c.HalfCloseTimeoutMillis) * time.Millisecond
}

// GetShutdownTimeoutDuration returns the bounded worker join on shutdown
func (c *Config) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(c.ShutdownTimeoutMillis) * time.Millisecond
}

// GetTimeoutDuration returns the origin dial timeout
func (c *Config) GetTimeoutDuration() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
