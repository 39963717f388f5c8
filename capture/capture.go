// Package capture persists a trace of intercepted flows to SQLite for
// later inspection and replay-style debugging. Only metadata is
// stored: methods, hosts, cookie names, sizes. Cookie values never
// reach this store.
package capture

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Schema for the flow_captures table.
const Schema = `
CREATE TABLE IF NOT EXISTS flow_captures (
	id              TEXT PRIMARY KEY,
	captured_at     INTEGER NOT NULL,
	session_id      TEXT NOT NULL,
	method          TEXT NOT NULL,
	url             TEXT NOT NULL,
	host            TEXT NOT NULL,
	status_code     INTEGER,
	service         TEXT,
	outcome         TEXT,
	request_cookies TEXT,
	response_cookies TEXT
);
CREATE INDEX IF NOT EXISTS idx_flow_captures_at ON flow_captures(captured_at);
CREATE INDEX IF NOT EXISTS idx_flow_captures_host ON flow_captures(host);
`

// Record is one captured flow.
type Record struct {
	ID         string
	CapturedAt time.Time
	SessionID  string
	Method     string
	URL        string
	Host       string
	StatusCode int
	Service    string // matched service, empty for passthrough
	Outcome    string // extracted | pending | failed | "" for passthrough
	// Cookie names only, comma-joined.
	RequestCookies  []string
	ResponseCookies []string
}

// Store writes flow records asynchronously. A full buffer evicts the
// oldest queued record rather than blocking: capture is a debug aid,
// never a gate on traffic, and recent flows matter more than old ones.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	ch     chan *Record
	stop   chan struct{}
	done   chan struct{}
}

// Init creates the capture schema.
func Init(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("capture schema: %w", err)
	}
	return nil
}

// NewStore creates an async capture store. Recommended bufferSize: 256.
func NewStore(db *sql.DB, bufferSize int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := Init(db); err != nil {
		return nil, err
	}
	s := &Store{
		db:     db,
		logger: logger,
		ch:     make(chan *Record, bufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Add queues a record. When the buffer is full the oldest queued
// record is evicted (with a debug log) to make room. Never blocks.
func (s *Store) Add(r *Record) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CapturedAt.IsZero() {
		r.CapturedAt = time.Now()
	}
	for {
		select {
		case s.ch <- r:
			return
		default:
		}
		select {
		case old := <-s.ch:
			s.logger.Debug("capture: buffer full, dropped oldest", "host", old.Host)
		default:
			// Writer drained the buffer between the two selects; retry
			// the send.
		}
	}
}

// Filter narrows Recent queries.
type Filter struct {
	Host    string
	Service string
	Since   time.Time
	Limit   int // default 100
}

// Recent returns captured flows, newest first.
func (s *Store) Recent(ctx context.Context, f Filter) ([]*Record, error) {
	q := `SELECT id, captured_at, session_id, method, url, host,
		status_code, service, outcome, request_cookies, response_cookies
		FROM flow_captures WHERE 1=1`
	var args []any
	if f.Host != "" {
		q += " AND host = ?"
		args = append(args, f.Host)
	}
	if f.Service != "" {
		q += " AND service = ?"
		args = append(args, f.Service)
	}
	if !f.Since.IsZero() {
		q += " AND captured_at >= ?"
		args = append(args, f.Since.Unix())
	}
	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " ORDER BY captured_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query captures: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var r Record
		var at int64
		var status sql.NullInt64
		var service, outcome, reqCookies, respCookies sql.NullString
		if err := rows.Scan(&r.ID, &at, &r.SessionID, &r.Method, &r.URL, &r.Host,
			&status, &service, &outcome, &reqCookies, &respCookies); err != nil {
			return nil, fmt.Errorf("scan capture: %w", err)
		}
		r.CapturedAt = time.Unix(at, 0)
		r.StatusCode = int(status.Int64)
		r.Service = service.String
		r.Outcome = outcome.String
		r.RequestCookies = splitNames(reqCookies.String)
		r.ResponseCookies = splitNames(respCookies.String)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Cleanup deletes captures older than cutoff.
func (s *Store) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM flow_captures WHERE captured_at < ?", cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("cleanup captures: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the buffer and stops the flush goroutine.
func (s *Store) Close() error {
	close(s.stop)
	<-s.done
	return nil
}

func (s *Store) flushLoop() {
	defer close(s.done)
	for {
		select {
		case r := <-s.ch:
			s.insert(r)
		case <-s.stop:
			for {
				select {
				case r := <-s.ch:
					s.insert(r)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) insert(r *Record) {
	_, err := s.db.Exec(`INSERT INTO flow_captures
		(id, captured_at, session_id, method, url, host, status_code,
		service, outcome, request_cookies, response_cookies)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CapturedAt.Unix(), r.SessionID, r.Method, r.URL, r.Host,
		r.StatusCode, r.Service, r.Outcome,
		strings.Join(r.RequestCookies, ","), strings.Join(r.ResponseCookies, ","))
	if err != nil {
		s.logger.Warn("capture: insert failed", "host", r.Host, "error", err)
	}
}

func splitNames(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
