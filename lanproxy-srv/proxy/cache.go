package proxy

import (
	"slices"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CachedEntry is one cached origin response. Response holds the exact bytes
// sent to the client and must not be modified.
type CachedEntry struct {
	URL          string
	Response     []byte
	FetchedAt    time.Time
	LastModified time.Time
	TTL          time.Duration
}

// Head returns the status line and header block, including the blank line
func (e *CachedEntry) Head() []byte {
	head, _ := splitResponse(e.Response)
	return head
}

// Body returns the bytes after the header block
func (e *CachedEntry) Body() []byte {
	_, body := splitResponse(e.Response)
	return body
}

// ResponseCache maps normalized URLs to cached responses. Entries never
// expire out of the table; freshness is decided per request by IsExpired.
// Concurrent Lookup and Store calls are safe, and a Lookup followed by a
// Store is not atomic (last write wins).
type ResponseCache struct {
	items *gocache.Cache
	ttl   time.Duration
}

// NewResponseCache creates a cache whose entries stay fresh for ttl
func NewResponseCache(ttl time.Duration) *ResponseCache {
	return &ResponseCache{
		items: gocache.New(gocache.NoExpiration, 0),
		ttl:   ttl,
	}
}

// TTL returns the freshness window applied to new entries
func (c *ResponseCache) TTL() time.Duration {
	return c.ttl
}

// Lookup returns the entry stored for url
func (c *ResponseCache) Lookup(url string) (*CachedEntry, bool) {
	v, ok := c.items.Get(url)
	if !ok {
		return nil, false
	}
	return v.(*CachedEntry), true
}

// Store replaces the entry for url. LastModified is taken from the
// response's Last-Modified header, falling back to fetchedAt.
func (c *ResponseCache) Store(url string, response []byte, fetchedAt time.Time) *CachedEntry {
	entry := &CachedEntry{
		URL:          url,
		Response:     response,
		FetchedAt:    fetchedAt,
		LastModified: lastModified(response, fetchedAt),
		TTL:          c.ttl,
	}
	c.items.Set(url, entry, gocache.NoExpiration)
	return entry
}

// IsExpired reports whether entry is older than its TTL at now
func (c *ResponseCache) IsExpired(entry *CachedEntry, now time.Time) bool {
	return now.Sub(entry.FetchedAt) > entry.TTL
}

// Clear drops every entry
func (c *ResponseCache) Clear() {
	c.items.Flush()
}

// Len returns the number of entries
func (c *ResponseCache) Len() int {
	return c.items.ItemCount()
}

// URLs returns the cached URLs, sorted
func (c *ResponseCache) URLs() []string {
	items := c.items.Items()
	urls := make([]string, 0, len(items))
	for url := range items {
		urls = append(urls, url)
	}
	slices.Sort(urls)
	return urls
}
