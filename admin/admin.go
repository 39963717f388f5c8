// Package admin serves the local status and inspection API. It binds
// to a loopback address by default and never requires auth; it is an
// operator surface, not a public one.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JaggerH/automate/capture"
	"github.com/JaggerH/automate/state"
)

// EngineStats is the live view the intercept engine exposes.
type EngineStats interface {
	SessionID() string
	Port() int
	Counters() (requests, extractions int64)
}

// Deps are the stores the API reads from. Captures and Engine are
// optional; Cleanup runs an immediate retention pass when set.
type Deps struct {
	Statuses *state.StatusStore
	Sessions *state.SessionLog
	Captures *capture.Store
	Engine   EngineStats
	Cleanup  func(ctx context.Context) (CleanupResult, error)
	Logger   *slog.Logger
}

// CleanupResult reports rows removed per store by one retention pass.
type CleanupResult struct {
	Statuses int   `json:"statuses_removed"`
	Sessions int   `json:"sessions_removed"`
	Captures int64 `json:"captures_removed"`
}

// Server is the admin HTTP server.
type Server struct {
	addr   string
	deps   Deps
	logger *slog.Logger
	router *chi.Mux
}

func NewServer(addr string, deps Deps) *Server {
	s := &Server{addr: addr, deps: deps, logger: deps.Logger}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Get("/status", s.handleStatus)
	r.Get("/sessions", s.handleSessions)
	r.Get("/captures", s.handleCaptures)
	r.Post("/cleanup", s.handleCleanup)
	s.router = r
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("admin: listening", "addr", s.addr)

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type serviceView struct {
	Service     string `json:"service"`
	LastExtract string `json:"last_extract_time,omitempty"`
	Count       int    `json:"extract_count"`
	Status      string `json:"current_status"`
	OutputFile  string `json:"output_file,omitempty"`
}

type sessionView struct {
	ID          string `json:"session_id"`
	Start       string `json:"start_time"`
	End         string `json:"end_time,omitempty"`
	Upstream    string `json:"upstream_proxy,omitempty"`
	Requests    int    `json:"total_requests"`
	Extractions int    `json:"extracts_made"`
	Status      string `json:"status"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		Services []serviceView `json:"services"`
		Session  *sessionView  `json:"active_session,omitempty"`
		Port     int           `json:"listen_port,omitempty"`
	}{Services: []serviceView{}}

	for _, st := range s.deps.Statuses.All() {
		resp.Services = append(resp.Services, toServiceView(st))
	}
	if active, ok := s.deps.Sessions.Active(); ok {
		v := toSessionView(active)
		// Prefer live counters over the last persisted flush.
		if s.deps.Engine != nil && s.deps.Engine.SessionID() == active.ID {
			reqs, exts := s.deps.Engine.Counters()
			v.Requests, v.Extractions = int(reqs), int(exts)
		}
		resp.Session = &v
	}
	if s.deps.Engine != nil {
		resp.Port = s.deps.Engine.Port()
	}
	writeJSON(w, 200, resp)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	all := s.deps.Sessions.All()
	limit := queryInt(r, "limit", 50)
	// Newest first.
	views := make([]sessionView, 0, len(all))
	for i := len(all) - 1; i >= 0 && len(views) < limit; i-- {
		views = append(views, toSessionView(all[i]))
	}
	writeJSON(w, 200, views)
}

func (s *Server) handleCaptures(w http.ResponseWriter, r *http.Request) {
	if s.deps.Captures == nil {
		http.Error(w, "capture store disabled", http.StatusNotImplemented)
		return
	}
	f := capture.Filter{
		Host:    r.URL.Query().Get("host"),
		Service: r.URL.Query().Get("service"),
		Limit:   queryInt(r, "limit", 50),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, 400, err)
			return
		}
		f.Since = t
	}
	recs, err := s.deps.Captures.Recent(r.Context(), f)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	views := make([]captureView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, toCaptureView(rec))
	}
	writeJSON(w, 200, views)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cleanup == nil {
		http.Error(w, "cleanup not configured", http.StatusNotImplemented)
		return
	}
	res, err := s.deps.Cleanup(r.Context())
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, res)
}

type captureView struct {
	ID              string   `json:"id"`
	CapturedAt      string   `json:"captured_at"`
	SessionID       string   `json:"session_id,omitempty"`
	Method          string   `json:"method"`
	URL             string   `json:"url"`
	Host            string   `json:"host"`
	StatusCode      int      `json:"status_code,omitempty"`
	Service         string   `json:"service,omitempty"`
	Outcome         string   `json:"outcome,omitempty"`
	RequestCookies  []string `json:"request_cookies,omitempty"`
	ResponseCookies []string `json:"response_cookies,omitempty"`
}

func toServiceView(st state.ServiceStatus) serviceView {
	v := serviceView{
		Service:    st.Service,
		Count:      st.Count,
		Status:     string(st.Status),
		OutputFile: st.OutputFile,
	}
	if !st.LastExtract.IsZero() {
		v.LastExtract = st.LastExtract.Format(time.RFC3339)
	}
	return v
}

func toSessionView(sess state.Session) sessionView {
	v := sessionView{
		ID:          sess.ID,
		Start:       sess.Start.Format(time.RFC3339),
		Upstream:    sess.Upstream,
		Requests:    sess.Requests,
		Extractions: sess.Extractions,
		Status:      "running",
	}
	if sess.Closed {
		v.Status = "completed"
		v.End = sess.End.Format(time.RFC3339)
	}
	return v
}

func toCaptureView(rec *capture.Record) captureView {
	return captureView{
		ID:              rec.ID,
		CapturedAt:      rec.CapturedAt.Format(time.RFC3339),
		SessionID:       rec.SessionID,
		Method:          rec.Method,
		URL:             rec.URL,
		Host:            rec.Host,
		StatusCode:      rec.StatusCode,
		Service:         rec.Service,
		Outcome:         rec.Outcome,
		RequestCookies:  rec.RequestCookies,
		ResponseCookies: rec.ResponseCookies,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
