package govern

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/JaggerH/automate/state"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newGovernor(t *testing.T, interval time.Duration) (*Governor, *state.StatusStore, *fakeClock) {
	t.Helper()
	store, err := state.OpenStatusStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	clock := &fakeClock{t: time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)}
	g := New(store, WithClock(clock.Now), WithLogger(slog.New(slog.DiscardHandler)))
	g.Register(Spec{Service: "alpha", Interval: interval, OutputFile: "out/alpha.json"})
	return g, store, clock
}

func TestFirstFlowExtractsSecondBlocked(t *testing.T) {
	g, store, clock := newGovernor(t, time.Hour)

	// Scenario: no prior status, first matching flow.
	if !g.MayExtract("alpha") {
		t.Fatal("first attempt must be permitted")
	}
	g.RecordAttempt("alpha", true)

	rec, _ := store.Get("alpha")
	if rec.Status != state.StatusSucceeded || rec.Count != 1 {
		t.Fatalf("after success: %+v", rec)
	}
	if !rec.LastExtract.Equal(clock.Now()) {
		t.Fatalf("last extract = %v, want %v", rec.LastExtract, clock.Now())
	}

	// Second matching flow 10s later: window blocks, count unchanged.
	clock.Advance(10 * time.Second)
	if g.MayExtract("alpha") {
		t.Fatal("attempt inside window must be blocked")
	}
	rec, _ = store.Get("alpha")
	if rec.Count != 1 {
		t.Fatalf("count = %d, want 1", rec.Count)
	}
}

func TestWindowBoundaryInclusive(t *testing.T) {
	g, _, clock := newGovernor(t, time.Hour)
	if !g.MayExtract("alpha") {
		t.Fatal("claim failed")
	}
	g.RecordAttempt("alpha", true)

	clock.Advance(time.Hour - time.Second)
	if g.MayExtract("alpha") {
		t.Fatal("one second before the boundary must block")
	}
	clock.Advance(time.Second)
	if !g.MayExtract("alpha") {
		t.Fatal("the boundary itself must permit")
	}
}

func TestFailureDoesNotConsumeWindow(t *testing.T) {
	g, store, clock := newGovernor(t, time.Hour)
	if !g.MayExtract("alpha") {
		t.Fatal("claim failed")
	}
	g.RecordAttempt("alpha", false)

	rec, _ := store.Get("alpha")
	if rec.Status != state.StatusFailed {
		t.Fatalf("status = %q, want failed", rec.Status)
	}
	if rec.Count != 0 || !rec.LastExtract.IsZero() {
		t.Fatalf("failure must not advance count/timestamp: %+v", rec)
	}

	// Retry is allowed immediately on the next matching flow.
	clock.Advance(time.Second)
	if !g.MayExtract("alpha") {
		t.Fatal("failed attempt must not block a retry")
	}
}

func TestAbandonRestoresState(t *testing.T) {
	g, store, _ := newGovernor(t, time.Hour)
	if !g.MayExtract("alpha") {
		t.Fatal("claim failed")
	}
	rec, _ := store.Get("alpha")
	if rec.Status != state.StatusExtracting {
		t.Fatalf("status during attempt = %q", rec.Status)
	}

	g.Abandon("alpha")
	rec, _ = store.Get("alpha")
	if rec.Status != state.StatusIdle {
		t.Fatalf("status after abandon = %q, want idle", rec.Status)
	}
	if rec.Count != 0 || !rec.LastExtract.IsZero() {
		t.Fatalf("abandon must not consume the window: %+v", rec)
	}
	if !g.MayExtract("alpha") {
		t.Fatal("abandoned attempt must not block the next flow")
	}
}

func TestClaimBlocksConcurrentFlow(t *testing.T) {
	g, _, _ := newGovernor(t, time.Hour)
	if !g.MayExtract("alpha") {
		t.Fatal("first claim failed")
	}
	// Same instant, second flow for the same service.
	if g.MayExtract("alpha") {
		t.Fatal("two flows must not both claim one window")
	}
}

func TestServicesIndependent(t *testing.T) {
	g, _, _ := newGovernor(t, time.Hour)
	g.Register(Spec{Service: "beta", Interval: time.Minute})

	if !g.MayExtract("alpha") {
		t.Fatal("alpha claim failed")
	}
	if !g.MayExtract("beta") {
		t.Fatal("beta must be independent of alpha's claim")
	}
}

func TestUnknownServiceDenied(t *testing.T) {
	g, _, _ := newGovernor(t, time.Hour)
	if g.MayExtract("nobody") {
		t.Fatal("unregistered service must be denied")
	}
}

func TestCountMonotonicAcrossAttempts(t *testing.T) {
	g, store, clock := newGovernor(t, time.Minute)
	last := 0
	for i := 0; i < 5; i++ {
		if !g.MayExtract("alpha") {
			t.Fatalf("claim %d failed", i)
		}
		success := i%2 == 0
		g.RecordAttempt("alpha", success)
		rec, _ := store.Get("alpha")
		if rec.Count < last {
			t.Fatalf("count decreased: %d -> %d", last, rec.Count)
		}
		if success && rec.Count != last+1 {
			t.Fatalf("success must increment by exactly 1: %d -> %d", last, rec.Count)
		}
		if !success && rec.Count != last {
			t.Fatalf("failure must not change count: %d -> %d", last, rec.Count)
		}
		last = rec.Count
		clock.Advance(time.Minute)
	}
}

func TestConcurrentMixedServices(t *testing.T) {
	g, store, _ := newGovernor(t, time.Hour)
	g.Register(Spec{Service: "beta", Interval: time.Hour})

	var wg sync.WaitGroup
	var mu sync.Mutex
	counts := map[string]int{}

	for i := 0; i < 32; i++ {
		svc := "alpha"
		if i%2 == 1 {
			svc = "beta"
		}
		wg.Add(1)
		go func(svc string) {
			defer wg.Done()
			if g.MayExtract(svc) {
				mu.Lock()
				counts[svc]++
				mu.Unlock()
				g.RecordAttempt(svc, true)
			}
		}(svc)
	}
	wg.Wait()

	for _, svc := range []string{"alpha", "beta"} {
		if counts[svc] != 1 {
			t.Errorf("%s granted %d times within one window, want 1", svc, counts[svc])
		}
		rec, _ := store.Get(svc)
		if rec.Count != 1 {
			t.Errorf("%s count = %d, want 1", svc, rec.Count)
		}
	}
}
