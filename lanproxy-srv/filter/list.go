// Package filter holds the blocked host list consulted before any origin
// contact.
package filter

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/codefionn/lanproxy/lanproxy-srv/config"
	"github.com/codefionn/lanproxy/lanproxy-srv/logger"
	"github.com/codefionn/lanproxy/lanproxy-srv/store"
	"github.com/fsnotify/fsnotify"
)

// ErrEmptyHost is returned when adding an empty host name
var ErrEmptyHost = errors.New("host must not be empty")

// List is the set of filtered hosts. Exact entries match case-sensitively.
// Entries from domains files and *. entries of the seed file also match
// their subdomains.
type List struct {
	mu      sync.RWMutex
	hosts   map[string]struct{} // config, store and API hosts
	seeded  map[string]struct{} // exact hosts of the seed file, replaced on reload
	domains *domainMatcher

	cfg     config.FilterConfig
	backend store.HostStore

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewList creates an empty list. When backend is non-nil, AddHost and
// RemoveHost write through to it.
func NewList(backend store.HostStore) *List {
	return &List{
		hosts:   make(map[string]struct{}),
		seeded:  make(map[string]struct{}),
		backend: backend,
	}
}

// NewListFromHosts creates a list holding exactly hosts
func NewListFromHosts(hosts ...string) *List {
	l := NewList(nil)
	for _, host := range hosts {
		if host != "" {
			l.hosts[host] = struct{}{}
		}
	}
	return l
}

// Load seeds the list from cfg and the backend's host table
func (l *List) Load(ctx context.Context, cfg config.FilterConfig) error {
	l.mu.Lock()
	l.cfg = cfg
	for _, host := range cfg.Hosts {
		if host != "" {
			l.hosts[host] = struct{}{}
		}
	}
	l.mu.Unlock()

	if l.backend != nil {
		stored, err := l.backend.LoadHosts(ctx)
		if err != nil {
			return fmt.Errorf("failed to load filtered hosts: %w", err)
		}
		l.mu.Lock()
		for _, host := range stored {
			l.hosts[host] = struct{}{}
		}
		l.mu.Unlock()
		logger.Debug("Loaded %d filtered hosts from store", len(stored))
	}

	return l.reloadFiles()
}

// reloadFiles rebuilds the seed file and domains file part of the list
func (l *List) reloadFiles() error {
	l.mu.RLock()
	cfg := l.cfg
	l.mu.RUnlock()

	seeded := make(map[string]struct{})
	var suffixes []string

	if cfg.SeedFile != "" {
		exact, wildcard, err := readSeedFile(cfg.SeedFile)
		if err != nil {
			return err
		}
		for _, host := range exact {
			seeded[host] = struct{}{}
		}
		suffixes = append(suffixes, wildcard...)
	}

	for _, path := range cfg.DomainsFiles {
		domains, err := readDomainsFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		suffixes = append(suffixes, domains...)
	}

	matcher := newDomainMatcher(suffixes)

	l.mu.Lock()
	l.seeded = seeded
	l.domains = matcher
	l.mu.Unlock()

	if matcher.Len() > 0 || len(seeded) > 0 {
		logger.Info("Filter list loaded %d seed hosts and %d domain patterns", len(seeded), matcher.Len())
	}
	return nil
}

// IsFilteredHost reports whether requests to host must be refused
func (l *List) IsFilteredHost(host string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if _, ok := l.hosts[host]; ok {
		return true
	}
	if _, ok := l.seeded[host]; ok {
		return true
	}
	if domain, ok := l.domains.Match(host); ok {
		logger.Trace("Host %s matched filtered domain %s", host, domain)
		return true
	}
	return false
}

// HasHost reports whether host is in the exact set. Domain patterns are not
// consulted.
func (l *List) HasHost(host string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.hosts[host]
	if !ok {
		_, ok = l.seeded[host]
	}
	return ok
}

// AddHost adds host to the exact set
func (l *List) AddHost(ctx context.Context, host string) error {
	if host == "" {
		return ErrEmptyHost
	}
	if l.backend != nil {
		if err := l.backend.AddHost(ctx, host); err != nil {
			return err
		}
	}

	l.mu.Lock()
	l.hosts[host] = struct{}{}
	l.mu.Unlock()

	logger.Info("Added filtered host %s", host)
	return nil
}

// RemoveHost removes host from the exact set and reports whether it was
// present. Seed file entries come back on the next reload.
func (l *List) RemoveHost(ctx context.Context, host string) (bool, error) {
	if l.backend != nil {
		if _, err := l.backend.RemoveHost(ctx, host); err != nil {
			return false, err
		}
	}

	l.mu.Lock()
	_, inHosts := l.hosts[host]
	_, inSeed := l.seeded[host]
	delete(l.hosts, host)
	delete(l.seeded, host)
	l.mu.Unlock()

	if inHosts || inSeed {
		logger.Info("Removed filtered host %s", host)
	}
	return inHosts || inSeed, nil
}

// ListHosts returns the exact set, sorted
func (l *List) ListHosts() []string {
	l.mu.RLock()
	hosts := make([]string, 0, len(l.hosts)+len(l.seeded))
	for host := range l.hosts {
		hosts = append(hosts, host)
	}
	for host := range l.seeded {
		if _, dup := l.hosts[host]; !dup {
			hosts = append(hosts, host)
		}
	}
	l.mu.RUnlock()

	slices.Sort(hosts)
	return hosts
}
