package envoy

import (
	"fmt"
	"time"
)

// Endpoint represents one cacheable gateway resource.
type Endpoint struct {
	Path  string
	Cache time.Duration

	lastFetch time.Time
}

func NewEndpoint(path string, cache time.Duration) *Endpoint {
	return &Endpoint{Path: path, Cache: cache}
}

// UpdateRequired reports whether the endpoint has never been fetched or its
// cache interval has elapsed.
func (e *Endpoint) UpdateRequired(now time.Time) bool {
	if e.lastFetch.IsZero() {
		return true
	}
	return !now.Before(e.lastFetch.Add(e.Cache))
}

// MarkFetched records a successful fetch. A canceled or failed fetch must not
// call this.
func (e *Endpoint) MarkFetched(now time.Time) {
	e.lastFetch = now
}

// URL returns the full endpoint URL for the given protocol and host.
func (e *Endpoint) URL(protocol, host string) string {
	return fmt.Sprintf("%s://%s/%s", protocol, host, e.Path)
}

func (e *Endpoint) String() string {
	return e.Path
}

// mergeEndpoint registers an endpoint into a path-keyed set. When the same
// path is registered with different cache intervals, the minimum wins so the
// endpoint refreshes as often as its most demanding consumer needs. The set
// keeps the registered instance itself: its lastFetch state has to survive
// recomputation of the set.
func mergeEndpoint(set map[string]*Endpoint, e *Endpoint) {
	existing, ok := set[e.Path]
	if !ok {
		set[e.Path] = e
		return
	}
	if e.Cache < existing.Cache {
		existing.Cache = e.Cache
	}
}
