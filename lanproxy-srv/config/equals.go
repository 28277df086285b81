package config

import "slices"

// HasChanged returns true if the configuration has changed compared to another config.
// Fields are compared explicitly so that new fields have to be added here on purpose.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}

	if !slices.Equal(a.Servers, b.Servers) {
		return true
	}
	if a.TimeoutSeconds != b.TimeoutSeconds ||
		a.MaxConcurrentConnections != b.MaxConcurrentConnections ||
		a.ShutdownTimeoutMillis != b.ShutdownTimeoutMillis ||
		a.LogLevel != b.LogLevel {
		return true
	}
	if a.Cache != b.Cache || a.Tunnel != b.Tunnel || a.Store != b.Store || a.Admin != b.Admin {
		return true
	}
	if !slices.Equal(a.Gate.Tokens, b.Gate.Tokens) {
		return true
	}
	if !slices.Equal(a.Filter.Hosts, b.Filter.Hosts) ||
		!slices.Equal(a.Filter.DomainsFiles, b.Filter.DomainsFiles) ||
		a.Filter.SeedFile != b.Filter.SeedFile ||
		a.Filter.Watch != b.Filter.Watch {
		return true
	}
	return false
}
