package state

import (
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Session is one row of the proxy session log.
type Session struct {
	ID          string
	Start       time.Time
	End         time.Time // zero while the session is active
	Upstream    string    // empty = direct
	Requests    int
	Extractions int
	Closed      bool
}

var sessionHeader = []string{"session_id", "start_time", "end_time", "upstream_proxy", "total_requests", "extracts_made", "status"}

// SessionLog is the durable append log of proxy sessions. Starting a
// session appends a row; closing it rewrites the file once, setting
// the end time exactly once.
type SessionLog struct {
	path string

	mu   sync.Mutex
	rows []Session
}

// OpenSessionLog loads (or creates) proxy_sessions.csv under dir.
func OpenSessionLog(dir string) (*SessionLog, error) {
	if err := ensureDir(dir); err != nil {
		return nil, err
	}
	l := &SessionLog{path: filepath.Join(dir, "proxy_sessions.csv")}
	records, err := readCSV(l.path, len(sessionHeader))
	if err != nil {
		return nil, fmt.Errorf("session log: %w", err)
	}
	for _, rec := range records {
		start, err := parseTime(rec[1])
		if err != nil {
			return nil, fmt.Errorf("session log: session %s: bad start %q", rec[0], rec[1])
		}
		end, err := parseTime(rec[2])
		if err != nil {
			return nil, fmt.Errorf("session log: session %s: bad end %q", rec[0], rec[2])
		}
		reqs, _ := strconv.Atoi(rec[4])
		exts, _ := strconv.Atoi(rec[5])
		l.rows = append(l.rows, Session{
			ID:          rec[0],
			Start:       start,
			End:         end,
			Upstream:    rec[3],
			Requests:    reqs,
			Extractions: exts,
			Closed:      rec[6] == "completed",
		})
	}
	return l, nil
}

// Start appends a new open session. A still-open prior session (from a
// crash or a previous daemon cycle) is closed first; no two open
// sessions may coexist.
func (l *SessionLog) Start(id string, start time.Time, upstream string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.rows {
		if !l.rows[i].Closed {
			l.rows[i].End = start
			l.rows[i].Closed = true
		}
	}
	l.rows = append(l.rows, Session{ID: id, Start: start, Upstream: upstream})
	if err := l.flushLocked(); err != nil {
		l.rows = l.rows[:len(l.rows)-1]
		return err
	}
	return nil
}

// Close sets the end time and final counters for session id. Closing
// an already-closed session is an error: the end time is immutable.
func (l *SessionLog) Close(id string, end time.Time, requests, extractions int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.rows {
		if l.rows[i].ID != id {
			continue
		}
		if l.rows[i].Closed {
			return fmt.Errorf("session log: session %s already closed", id)
		}
		if end.Before(l.rows[i].Start) {
			end = l.rows[i].Start
		}
		prev := l.rows[i]
		l.rows[i].End = end
		l.rows[i].Requests = requests
		l.rows[i].Extractions = extractions
		l.rows[i].Closed = true
		if err := l.flushLocked(); err != nil {
			l.rows[i] = prev
			return err
		}
		return nil
	}
	return fmt.Errorf("session log: unknown session %s", id)
}

// UpdateCounters persists the live request/extraction counters of an
// open session without closing it.
func (l *SessionLog) UpdateCounters(id string, requests, extractions int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.rows {
		if l.rows[i].ID != id || l.rows[i].Closed {
			continue
		}
		l.rows[i].Requests = requests
		l.rows[i].Extractions = extractions
		return l.flushLocked()
	}
	return fmt.Errorf("session log: no open session %s", id)
}

// Active returns the open session, if any.
func (l *SessionLog) Active() (Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.rows) - 1; i >= 0; i-- {
		if !l.rows[i].Closed {
			return l.rows[i], true
		}
	}
	return Session{}, false
}

// All returns every session in log order.
func (l *SessionLog) All() []Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Session, len(l.rows))
	copy(out, l.rows)
	return out
}

// CleanupBefore removes closed sessions whose start time is older than
// cutoff. The open session is always kept.
func (l *SessionLog) CleanupBefore(cutoff time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.rows[:0:0]
	for _, s := range l.rows {
		if s.Closed && s.Start.Before(cutoff) {
			continue
		}
		kept = append(kept, s)
	}
	removed := len(l.rows) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	prev := l.rows
	l.rows = kept
	if err := l.flushLocked(); err != nil {
		l.rows = prev
		return 0, err
	}
	return removed, nil
}

func (l *SessionLog) flushLocked() error {
	rows := make([][]string, 0, len(l.rows))
	for _, s := range l.rows {
		status := "running"
		if s.Closed {
			status = "completed"
		}
		rows = append(rows, []string{
			s.ID,
			formatTime(s.Start),
			formatTime(s.End),
			s.Upstream,
			strconv.Itoa(s.Requests),
			strconv.Itoa(s.Extractions),
			status,
		})
	}
	if err := writeCSV(l.path, sessionHeader, rows); err != nil {
		return fmt.Errorf("session log: %w", err)
	}
	return nil
}
