// Package govern gates extraction attempts. The governor is the only
// writer of per-service extraction state and the sole protection
// against extraction storms: however much matching traffic flows, a
// service is extracted at most once per configured interval.
package govern

import (
	"log/slog"
	"sync"
	"time"

	"github.com/JaggerH/automate/state"
)

// Spec is the governance contract of one service, read from its
// extractor at startup.
type Spec struct {
	Service    string
	Interval   time.Duration
	OutputFile string
}

// Governor decides whether an extraction attempt is permitted and
// records attempt outcomes. Decisions for one service are serialized;
// different services proceed fully in parallel.
type Governor struct {
	store  *state.StatusStore
	logger *slog.Logger
	now    func() time.Time // injectable clock for testing

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	specs map[string]Spec
	// prior holds the pre-claim status of services currently marked
	// extracting, so an abandoned attempt can restore it.
	prior map[string]state.Status
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(g *Governor) { g.now = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Governor) { g.logger = l }
}

// New creates a governor over the given status store.
func New(store *state.StatusStore, opts ...Option) *Governor {
	g := &Governor{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
		specs:  make(map[string]Spec),
		prior:  make(map[string]state.Status),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Register declares a service the governor may be asked about.
func (g *Governor) Register(spec Spec) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.specs[spec.Service] = spec
	if _, ok := g.locks[spec.Service]; !ok {
		g.locks[spec.Service] = &sync.Mutex{}
	}
}

func (g *Governor) lockFor(service string) (*sync.Mutex, Spec, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	spec, ok := g.specs[service]
	if !ok {
		return nil, Spec{}, false
	}
	return g.locks[service], spec, true
}

// MayExtract reports whether the current window permits an extraction
// attempt for service, and on true claims the attempt: the service is
// marked extracting so a concurrent flow cannot double-extract. Every
// true must be paired with exactly one RecordAttempt or Abandon.
func (g *Governor) MayExtract(service string) bool {
	lock, spec, ok := g.lockFor(service)
	if !ok {
		return false
	}
	lock.Lock()
	defer lock.Unlock()

	rec, exists := g.store.Get(service)
	if !exists {
		// First observed traffic for this service.
		rec = state.ServiceStatus{
			Service:    service,
			Status:     state.StatusIdle,
			OutputFile: spec.OutputFile,
		}
	}
	if rec.Status == state.StatusExtracting {
		return false
	}
	now := g.now()
	if !rec.LastExtract.IsZero() && now.Sub(rec.LastExtract) < spec.Interval {
		// Window not elapsed. Persist the first-seen record anyway so
		// the status file reflects every configured service.
		if !exists {
			g.put(rec)
		}
		return false
	}

	prev := rec.Status
	if prev == state.StatusSucceeded {
		prev = state.StatusDue
	}
	g.mu.Lock()
	g.prior[service] = prev
	g.mu.Unlock()

	rec.Status = state.StatusExtracting
	g.put(rec)
	return true
}

// RecordAttempt finishes a claimed attempt. Success advances the
// window: last extraction = now, count+1, status succeeded. Failure
// only marks the status; the timestamp and count are untouched so the
// window is not consumed and the next matching flow may retry.
func (g *Governor) RecordAttempt(service string, success bool) {
	lock, spec, ok := g.lockFor(service)
	if !ok {
		return
	}
	lock.Lock()
	defer lock.Unlock()

	rec, exists := g.store.Get(service)
	if !exists {
		rec = state.ServiceStatus{Service: service, OutputFile: spec.OutputFile}
	}
	if success {
		rec.LastExtract = g.now()
		rec.Count++
		rec.Status = state.StatusSucceeded
	} else {
		rec.Status = state.StatusFailed
	}
	g.clearPrior(service)
	g.put(rec)
}

// Abandon releases a claimed attempt without consuming the window,
// used when the extractor reports a pending (incomplete) observation.
func (g *Governor) Abandon(service string) {
	lock, _, ok := g.lockFor(service)
	if !ok {
		return
	}
	lock.Lock()
	defer lock.Unlock()

	rec, exists := g.store.Get(service)
	if !exists || rec.Status != state.StatusExtracting {
		return
	}
	g.mu.Lock()
	prev, had := g.prior[service]
	delete(g.prior, service)
	g.mu.Unlock()
	if !had {
		prev = state.StatusDue
	}
	rec.Status = prev
	g.put(rec)
}

// Status reads the current stored record of a service.
func (g *Governor) Status(service string) (state.ServiceStatus, bool) {
	return g.store.Get(service)
}

func (g *Governor) clearPrior(service string) {
	g.mu.Lock()
	delete(g.prior, service)
	g.mu.Unlock()
}

// put persists a record, retrying once. A persistent write failure is
// logged and absorbed: governance must never take down flow
// forwarding over a disk hiccup.
func (g *Governor) put(rec state.ServiceStatus) {
	err := g.store.Put(rec)
	if err == nil {
		return
	}
	g.logger.Warn("govern: status write failed, retrying", "service", rec.Service, "error", err)
	if err = g.store.Put(rec); err != nil {
		g.logger.Error("govern: status write failed after retry", "service", rec.Service, "error", err)
	}
}
