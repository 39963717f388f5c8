package state

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ServiceStatus is one row of the extraction status store.
type ServiceStatus struct {
	Service     string    // unique key
	LastExtract time.Time // zero = never extracted
	Count       int       // successful extractions, monotonic
	Status      Status
	OutputFile  string
}

var statusHeader = []string{"service", "last_extract_time", "extract_count", "current_status", "output_file"}

// StatusStore is the durable per-service extraction state. All methods
// are safe for concurrent use; each mutation rewrites the backing CSV
// atomically.
type StatusStore struct {
	path string

	mu   sync.Mutex
	rows map[string]ServiceStatus
}

// OpenStatusStore loads (or creates) extraction_status.csv under dir.
func OpenStatusStore(dir string) (*StatusStore, error) {
	if err := ensureDir(dir); err != nil {
		return nil, err
	}
	s := &StatusStore{
		path: filepath.Join(dir, "extraction_status.csv"),
		rows: make(map[string]ServiceStatus),
	}
	records, err := readCSV(s.path, len(statusHeader))
	if err != nil {
		return nil, fmt.Errorf("status store: %w", err)
	}
	for _, rec := range records {
		last, err := parseTime(rec[1])
		if err != nil {
			return nil, fmt.Errorf("status store: service %s: bad timestamp %q", rec[0], rec[1])
		}
		count := 0
		if rec[2] != "" {
			count, err = strconv.Atoi(rec[2])
			if err != nil {
				return nil, fmt.Errorf("status store: service %s: bad count %q", rec[0], rec[2])
			}
		}
		s.rows[rec[0]] = ServiceStatus{
			Service:     rec[0],
			LastExtract: last,
			Count:       count,
			Status:      Status(rec[3]),
			OutputFile:  rec[4],
		}
	}
	// A crash while extracting leaves the row stuck; recover to due.
	dirty := false
	for k, v := range s.rows {
		if v.Status == StatusExtracting {
			v.Status = StatusDue
			s.rows[k] = v
			dirty = true
		}
	}
	if dirty {
		if err := s.flushLocked(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Get returns the record for service, if present.
func (s *StatusStore) Get(service string) (ServiceStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.rows[service]
	return st, ok
}

// All returns every record, sorted by service id.
func (s *StatusStore) All() []ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ServiceStatus, 0, len(s.rows))
	for _, v := range s.rows {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Put upserts a record and persists the store.
func (s *StatusStore) Put(st ServiceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.rows[st.Service]
	if existed && st.Count < prev.Count {
		return fmt.Errorf("status store: %s: count may not decrease (%d -> %d)", st.Service, prev.Count, st.Count)
	}
	s.rows[st.Service] = st
	if err := s.flushLocked(); err != nil {
		// Roll back the in-memory view so memory and disk agree.
		if existed {
			s.rows[st.Service] = prev
		} else {
			delete(s.rows, st.Service)
		}
		return err
	}
	return nil
}

// CleanupBefore removes records whose last extraction is older than
// cutoff. Records that never extracted are kept. Returns the number of
// removed rows.
func (s *StatusStore) CleanupBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for k, v := range s.rows {
		if !v.LastExtract.IsZero() && v.LastExtract.Before(cutoff) {
			removed = append(removed, k)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}
	kept := make(map[string]ServiceStatus, len(s.rows))
	for k, v := range s.rows {
		kept[k] = v
	}
	for _, k := range removed {
		delete(s.rows, k)
	}
	if err := s.flushLocked(); err != nil {
		s.rows = kept
		return 0, err
	}
	return len(removed), nil
}

func (s *StatusStore) flushLocked() error {
	keys := make([]string, 0, len(s.rows))
	for k := range s.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		v := s.rows[k]
		rows = append(rows, []string{
			v.Service,
			formatTime(v.LastExtract),
			strconv.Itoa(v.Count),
			string(v.Status),
			v.OutputFile,
		})
	}
	if err := writeCSV(s.path, statusHeader, rows); err != nil {
		return fmt.Errorf("status store: %w", err)
	}
	return nil
}
