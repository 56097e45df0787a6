// Package preload decides which resource hints an image request deserves
// and guarantees each image and domain is hinted at most once per session.
package preload

import "sync"

// Registry records hinted image URLs and prefetched domains. One registry
// lives for one page session and is dropped with it. A mark is only released
// when the hint it claimed could not be inserted.
type Registry struct {
	mu      sync.RWMutex
	hinted  map[string]struct{}
	domains map[string]struct{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		hinted:  make(map[string]struct{}),
		domains: make(map[string]struct{}),
	}
}

// HasHinted reports whether url already has a hint
func (r *Registry) HasHinted(url string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.hinted[url]
	return ok
}

// MarkHinted records url as hinted
func (r *Registry) MarkHinted(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hinted[url] = struct{}{}
}

// TryMarkHinted records url as hinted and reports whether this call claimed
// it. Only one of several concurrent callers for the same url wins.
func (r *Registry) TryMarkHinted(url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hinted[url]; ok {
		return false
	}
	r.hinted[url] = struct{}{}
	return true
}

// UnmarkHinted releases a claim whose hint could not be inserted
func (r *Registry) UnmarkHinted(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hinted, url)
}

// HasPrefetchedDomain reports whether domain already has DNS/preconnect hints
func (r *Registry) HasPrefetchedDomain(domain string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.domains[domain]
	return ok
}

// MarkPrefetchedDomain records domain as prefetched
func (r *Registry) MarkPrefetchedDomain(domain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.domains[domain] = struct{}{}
}

// TryMarkPrefetchedDomain records domain as prefetched and reports whether
// this call claimed it
func (r *Registry) TryMarkPrefetchedDomain(domain string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.domains[domain]; ok {
		return false
	}
	r.domains[domain] = struct{}{}
	return true
}

// UnmarkPrefetchedDomain releases a domain claim
func (r *Registry) UnmarkPrefetchedDomain(domain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.domains, domain)
}

// Len returns the number of hinted URLs and prefetched domains
func (r *Registry) Len() (urls, domains int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hinted), len(r.domains)
}
