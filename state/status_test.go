package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openStatus(t *testing.T, dir string) *StatusStore {
	t.Helper()
	s, err := OpenStatusStore(dir)
	if err != nil {
		t.Fatalf("open status store: %v", err)
	}
	return s
}

func TestStatusPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := openStatus(t, dir)

	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	want := ServiceStatus{
		Service:     "alpha",
		LastExtract: now,
		Count:       3,
		Status:      StatusSucceeded,
		OutputFile:  "data/outputs/alpha_cookie.json",
	}
	if err := s.Put(want); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Reopen from disk: the record must survive the process boundary.
	s2 := openStatus(t, dir)
	got, ok := s2.Get("alpha")
	if !ok {
		t.Fatal("record not found after reopen")
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestStatusNullTimestamp(t *testing.T) {
	dir := t.TempDir()
	s := openStatus(t, dir)
	if err := s.Put(ServiceStatus{Service: "fresh", Status: StatusIdle}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, _ := openStatus(t, dir).Get("fresh")
	if !got.LastExtract.IsZero() {
		t.Fatalf("want zero LastExtract, got %v", got.LastExtract)
	}
}

func TestStatusCountMonotonic(t *testing.T) {
	s := openStatus(t, t.TempDir())
	if err := s.Put(ServiceStatus{Service: "alpha", Count: 2}); err != nil {
		t.Fatal(err)
	}
	err := s.Put(ServiceStatus{Service: "alpha", Count: 1})
	if err == nil || !strings.Contains(err.Error(), "may not decrease") {
		t.Fatalf("want monotonic-count error, got %v", err)
	}
	got, _ := s.Get("alpha")
	if got.Count != 2 {
		t.Fatalf("count = %d, want 2", got.Count)
	}
}

func TestStatusExtractingRecoveredOnOpen(t *testing.T) {
	dir := t.TempDir()
	s := openStatus(t, dir)
	if err := s.Put(ServiceStatus{Service: "alpha", Status: StatusExtracting}); err != nil {
		t.Fatal(err)
	}
	got, _ := openStatus(t, dir).Get("alpha")
	if got.Status != StatusDue {
		t.Fatalf("status after reopen = %q, want %q", got.Status, StatusDue)
	}
}

func TestStatusCleanupBefore(t *testing.T) {
	dir := t.TempDir()
	s := openStatus(t, dir)
	now := time.Now().UTC()
	ages := map[string]time.Duration{
		"day1":  24 * time.Hour,
		"day8":  8 * 24 * time.Hour,
		"day30": 30 * 24 * time.Hour,
	}
	for name, age := range ages {
		if err := s.Put(ServiceStatus{Service: name, LastExtract: now.Add(-age), Count: 1, Status: StatusSucceeded}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Put(ServiceStatus{Service: "never", Status: StatusIdle}); err != nil {
		t.Fatal(err)
	}

	removed, err := s.CleanupBefore(now.Add(-7 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if _, ok := s.Get("day1"); !ok {
		t.Error("day1 should survive cleanup")
	}
	if _, ok := s.Get("never"); !ok {
		t.Error("never-extracted record should survive cleanup")
	}
	for _, gone := range []string{"day8", "day30"} {
		if _, ok := s.Get(gone); ok {
			t.Errorf("%s should be removed", gone)
		}
	}
}

func TestStatusIgnoresTornRow(t *testing.T) {
	dir := t.TempDir()
	s := openStatus(t, dir)
	if err := s.Put(ServiceStatus{Service: "alpha", Count: 1, Status: StatusSucceeded}); err != nil {
		t.Fatal(err)
	}

	// Simulate a torn append from a foreign writer.
	path := filepath.Join(dir, "extraction_status.csv")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("beta,2026-01-0"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	s2 := openStatus(t, dir)
	if _, ok := s2.Get("alpha"); !ok {
		t.Fatal("intact record lost")
	}
	if _, ok := s2.Get("beta"); ok {
		t.Fatal("torn record must be ignored")
	}
}

func TestStatusStaleTempFileIgnored(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "extraction_status.csv.tmp-123"), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := openStatus(t, dir)
	if got := len(s.All()); got != 0 {
		t.Fatalf("store not empty: %d rows", got)
	}
}
