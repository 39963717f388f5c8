// Package upstream detects a reachable upstream proxy to chain
// through. Detection failure is never fatal: the proxy degrades to
// direct connections.
package upstream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/JaggerH/automate/config"
)

// Candidate is a probed upstream endpoint.
type Candidate struct {
	Address  string // host:port
	Protocol string // "http" or "socks5"
}

// URL returns the candidate as a proxy URL string.
func (c Candidate) URL() string {
	return c.Protocol + "://" + c.Address
}

// Detector probes the configured candidate list and caches the first
// live upstream for the lifetime of the session. Invalidate forces a
// re-probe after the cached upstream stops accepting connections.
type Detector struct {
	cfg    config.UpstreamConfig
	logger *slog.Logger
	probe  probeFunc // injectable for testing

	mu     sync.Mutex
	cached *Candidate
	probed bool
}

type probeFunc func(ctx context.Context, c Candidate, timeout time.Duration, checkURLs []string) bool

// Option configures a Detector.
type Option func(*Detector)

// WithProbe replaces the reachability probe (for testing).
func WithProbe(p func(ctx context.Context, c Candidate, timeout time.Duration, checkURLs []string) bool) Option {
	return func(d *Detector) { d.probe = p }
}

// New creates a detector for the given upstream configuration.
func New(cfg config.UpstreamConfig, logger *slog.Logger, opts ...Option) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Detector{cfg: cfg, logger: logger, probe: probeCandidate}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Resolve returns the active upstream, probing the candidate list on
// first call (and after Invalidate). The second return is false when
// upstream chaining is disabled or no candidate is live; the caller
// then connects directly.
func (d *Detector) Resolve(ctx context.Context) (Candidate, bool) {
	if !d.cfg.Enabled || len(d.cfg.Candidates) == 0 {
		return Candidate{}, false
	}

	d.mu.Lock()
	if d.probed {
		cached := d.cached
		d.mu.Unlock()
		if cached != nil {
			return *cached, true
		}
		return Candidate{}, false
	}
	d.mu.Unlock()

	found, ok := d.scan(ctx)

	d.mu.Lock()
	d.probed = true
	if ok {
		d.cached = &found
	} else {
		d.cached = nil
	}
	d.mu.Unlock()

	if ok {
		d.logger.Info("upstream: detected", "upstream", found.URL())
		return found, true
	}
	d.logger.Warn("upstream: no candidate reachable, using direct connections")
	return Candidate{}, false
}

// Invalidate drops the cached choice so the next Resolve re-probes.
// Called when the cached upstream refuses a connection.
func (d *Detector) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cached != nil {
		d.logger.Warn("upstream: cached upstream failed, will re-probe", "upstream", d.cached.URL())
	}
	d.cached = nil
	d.probed = false
}

// Current returns the cached upstream without probing.
func (d *Detector) Current() (Candidate, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cached == nil {
		return Candidate{}, false
	}
	return *d.cached, true
}

// scan probes all candidates concurrently, each under its own timeout,
// and returns the first live one in configured order.
func (d *Detector) scan(ctx context.Context) (Candidate, bool) {
	timeout := d.cfg.ProbeTimeout.Std()
	results := make([]bool, len(d.cfg.Candidates))
	var wg sync.WaitGroup
	for i, raw := range d.cfg.Candidates {
		wg.Add(1)
		go func(i int, c Candidate) {
			defer wg.Done()
			results[i] = d.probe(ctx, c, timeout, d.cfg.CheckURLs)
		}(i, Candidate{Address: raw.Address, Protocol: raw.Protocol})
	}
	wg.Wait()

	for i, live := range results {
		if live {
			c := d.cfg.Candidates[i]
			return Candidate{Address: c.Address, Protocol: c.Protocol}, true
		}
	}
	return Candidate{}, false
}
