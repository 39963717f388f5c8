package flow

import (
	"strings"
)

// Registry maps intercepted domains to registered extractors. Matching
// is exact-or-suffix; when configured domain sets overlap, the first
// registered service wins, so registration order is significant.
type Registry struct {
	order []Extractor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends an extractor. Later registrations with overlapping
// domains are shadowed by earlier ones.
func (r *Registry) Register(e Extractor) {
	r.order = append(r.order, e)
}

// Extractors returns the registered extractors in order.
func (r *Registry) Extractors() []Extractor {
	return r.order
}

// Route resolves a domain to at most one extractor. The false return
// means passthrough: the flow incurs no extraction-related work.
func (r *Registry) Route(domain string) (Extractor, bool) {
	domain = strings.ToLower(domain)
	for _, e := range r.order {
		for _, pattern := range e.Domains() {
			if matchDomain(domain, strings.ToLower(pattern)) {
				return e, true
			}
		}
	}
	return nil, false
}

// matchDomain reports whether domain equals pattern or is a subdomain
// of it. "music.163.com" matches pattern "163.com" but "x163.com"
// does not.
func matchDomain(domain, pattern string) bool {
	if domain == pattern {
		return true
	}
	return strings.HasSuffix(domain, "."+pattern)
}
