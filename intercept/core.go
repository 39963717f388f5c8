// Package intercept runs the traffic interception engine: an HTTP(S)
// proxy that forwards every flow (directly or through a detected
// upstream proxy) while routing matching flows to extractors under
// governance control. Extraction is a read-only side observation;
// nothing in this package may delay or suppress forwarding.
package intercept

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elazarl/goproxy"

	"github.com/JaggerH/automate/capture"
	"github.com/JaggerH/automate/config"
	"github.com/JaggerH/automate/flow"
	"github.com/JaggerH/automate/govern"
	"github.com/JaggerH/automate/state"
	"github.com/JaggerH/automate/upstream"
)

// SourceFilter decides whether a flow from the given client address is
// eligible for extraction. Forwarding is never filtered, only the
// extraction work. The chain-proxy mode admits everything; the
// process-inject mode admits only flows from configured processes.
type SourceFilter interface {
	Admit(remoteAddr string) bool
}

// admitAll is the chain-proxy source: every flow is eligible.
type admitAll struct{}

func (admitAll) Admit(string) bool { return true }

// Deps are the collaborators the engine orchestrates.
type Deps struct {
	Registry *flow.Registry
	Governor *govern.Governor
	Detector *upstream.Detector
	Sessions *state.SessionLog
	Captures *capture.Store // optional
	Filter   SourceFilter   // nil = admit all
	Logger   *slog.Logger
	Clock    func() time.Time // nil = time.Now
}

// Engine is the intercepting proxy core.
type Engine struct {
	cfg      config.ProxyConfig
	registry *flow.Registry
	governor *govern.Governor
	detector *upstream.Detector
	sessions *state.SessionLog
	captures *capture.Store
	filter   SourceFilter
	logger   *slog.Logger
	now      func() time.Time

	proxy  *goproxy.ProxyHttpServer
	server *http.Server

	sessionID   string
	requests    atomic.Int64
	extractions atomic.Int64

	targetOnce sync.Once
	targetMet  chan struct{}

	mu   sync.Mutex
	port int // bound listen port, 0 until Run
}

// flowState travels with one flow from request hook to response hook.
type flowState struct {
	service   string
	extractor flow.Extractor
	claimed   bool
	recorded  bool
	outcome   string
	reqNames  []string
}

// New creates an engine. The registry, governor, detector, and session
// log are required.
func New(cfg config.ProxyConfig, deps Deps) (*Engine, error) {
	if deps.Registry == nil || deps.Governor == nil || deps.Detector == nil || deps.Sessions == nil {
		return nil, fmt.Errorf("intercept: missing collaborator")
	}
	e := &Engine{
		cfg:       cfg,
		registry:  deps.Registry,
		governor:  deps.Governor,
		detector:  deps.Detector,
		sessions:  deps.Sessions,
		captures:  deps.Captures,
		filter:    deps.Filter,
		logger:    deps.Logger,
		now:       deps.Clock,
		targetMet: make(chan struct{}),
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.filter == nil {
		e.filter = admitAll{}
	}
	e.proxy = e.buildProxy()
	return e, nil
}

func (e *Engine) buildProxy() *goproxy.ProxyHttpServer {
	p := goproxy.NewProxyHttpServer()
	p.Tr = e.transport()
	p.ConnectDial = e.connectDial
	if e.cfg.MITM {
		p.OnRequest().HandleConnect(goproxy.AlwaysMitm)
	}
	p.OnRequest().DoFunc(e.onRequest)
	p.OnResponse().DoFunc(e.onResponse)
	return p
}

// onRequest is the request-phase hook. It routes the flow, consults
// governance, and invokes the extractor's request hook, then always
// returns the request unmodified so forwarding proceeds.
func (e *Engine) onRequest(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	e.requests.Add(1)

	if !e.filter.Admit(req.RemoteAddr) {
		return req, nil
	}

	domain := hostOnly(req.Host)
	extractor, ok := e.registry.Route(domain)
	if !ok {
		return req, nil // passthrough
	}

	st := &flowState{service: extractor.Service(), extractor: extractor}
	ctx.UserData = st

	if !e.governor.MayExtract(st.service) {
		e.logger.Debug("intercept: window closed, passthrough", "service", st.service, "host", domain)
		return req, nil
	}
	st.claimed = true

	snap := flow.SnapshotRequest(req, e.now())
	st.reqNames = cookieNames(snap.Cookies)
	e.handleOutcome(st, flow.PhaseRequest, st.extractor.HandleRequest(snap))
	return req, nil
}

// onResponse is the response-phase hook. It finishes a claimed attempt
// and records the flow capture, returning the response unmodified.
func (e *Engine) onResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	st, _ := ctx.UserData.(*flowState)
	if st == nil {
		return resp
	}

	if st.claimed && !st.recorded {
		if resp != nil && ctx.Req != nil {
			snap := flow.SnapshotResponse(resp, ctx.Req, e.now())
			e.handleOutcome(st, flow.PhaseResponse, st.extractor.HandleResponse(snap))
		}
		if !st.recorded {
			// Neither phase reached a verdict: release the claim so the
			// window is not consumed by a partial observation.
			e.governor.Abandon(st.service)
			st.outcome = flow.Pending.String()
		}
	}

	e.capture(st, ctx.Req, resp)
	return resp
}

// handleOutcome applies one hook result to governance. Only the first
// terminal outcome of a flow is recorded; a flow whose request phase
// already extracted does not record again on the response phase.
func (e *Engine) handleOutcome(st *flowState, phase flow.Phase, res flow.Result) {
	if st.recorded {
		return
	}
	switch res.State {
	case flow.Extracted:
		e.governor.RecordAttempt(st.service, true)
		st.recorded = true
		st.outcome = res.State.String()
		e.extractions.Add(1)
		e.logger.Info("intercept: extracted", "service", st.service, "phase", phase, "artifact", res.Artifact)
		e.checkTarget()
	case flow.Failed:
		e.governor.RecordAttempt(st.service, false)
		st.recorded = true
		st.outcome = res.State.String()
		// Enough context to diagnose without leaking the secret.
		e.logger.Warn("intercept: extractor failed", "service", st.service, "phase", phase, "error", res.Err)
	case flow.Pending:
		// Leave the claim open for the other phase.
	}
}

func (e *Engine) capture(st *flowState, req *http.Request, resp *http.Response) {
	if e.captures == nil || req == nil {
		return
	}
	rec := &capture.Record{
		CapturedAt: e.now(),
		SessionID:  e.sessionID,
		Method:     req.Method,
		URL:        req.URL.String(),
		Host:       hostOnly(req.Host),
	}
	if resp != nil {
		rec.StatusCode = resp.StatusCode
		rec.ResponseCookies = setCookieNames(resp)
	}
	if st != nil {
		rec.Service = st.service
		rec.Outcome = st.outcome
		rec.RequestCookies = st.reqNames
	}
	e.captures.Add(rec)
}

// checkTarget closes the one-shot channel once every registered
// service has a successful extraction on record.
func (e *Engine) checkTarget() {
	for _, ex := range e.registry.Extractors() {
		rec, ok := e.storeOf(ex.Service())
		if !ok || rec.Count == 0 {
			return
		}
	}
	e.targetOnce.Do(func() { close(e.targetMet) })
}

func (e *Engine) storeOf(service string) (state.ServiceStatus, bool) {
	return e.governor.Status(service)
}

// TargetMet is closed once every registered service has extracted at
// least once; one-shot mode exits on it.
func (e *Engine) TargetMet() <-chan struct{} { return e.targetMet }

// SessionID returns the id of the running session.
func (e *Engine) SessionID() string { return e.sessionID }

// Counters returns the live request and extraction totals.
func (e *Engine) Counters() (requests, extractions int64) {
	return e.requests.Load(), e.extractions.Load()
}

// Port returns the bound listen port, 0 before Run.
func (e *Engine) Port() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.port
}

// Handler exposes the proxy handler (for tests and embedding).
func (e *Engine) Handler() http.Handler { return e.proxy }

// Run opens the session record, binds the listener (walking the backup
// port chain), and serves until ctx is cancelled or, in one-shot mode,
// the extraction target is met. It then shuts down gracefully and
// closes the session; in-flight flows finish forwarding during
// shutdown.
func (e *Engine) Run(ctx context.Context, oneShot bool) error {
	start := e.now()
	mode := "proxy"
	if _, chain := e.filter.(admitAll); !chain {
		mode = "inject"
	}
	e.sessionID = fmt.Sprintf("%d_%s", start.Unix(), mode)

	upstreamAddr := ""
	if cand, ok := e.detector.Resolve(ctx); ok {
		upstreamAddr = cand.URL()
	}

	// Bind before opening the session record so a port failure cannot
	// leave a dangling running session behind.
	ln, port, err := e.listen()
	if err != nil {
		return err
	}
	if err := e.sessions.Start(e.sessionID, start, upstreamAddr); err != nil {
		ln.Close()
		return fmt.Errorf("start session: %w", err)
	}
	e.mu.Lock()
	e.port = port
	e.server = &http.Server{Handler: e.proxy}
	srv := e.server
	e.mu.Unlock()

	e.logger.Info("intercept: listening",
		"addr", ln.Addr().String(),
		"upstream", orDirect(upstreamAddr),
		"mode", mode,
		"services", len(e.registry.Extractors()))

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	flushStop := make(chan struct{})
	go e.flushCounters(flushStop)

	// A nil channel blocks forever: daemon mode ignores the target.
	var target <-chan struct{}
	if oneShot {
		target = e.targetMet
		// A prior run may already have extracted every service inside
		// the current window; exit immediately instead of waiting for
		// the window to reopen.
		e.checkTarget()
	}

	select {
	case <-ctx.Done():
	case <-target:
		e.logger.Info("intercept: extraction target met, shutting down")
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			close(flushStop)
			e.closeSession()
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		e.logger.Warn("intercept: shutdown timed out, closing", "error", err)
		srv.Close()
	}
	close(flushStop)
	e.closeSession()

	reqs, exts := e.Counters()
	e.logger.Info("intercept: session ended", "session", e.sessionID, "requests", reqs, "extractions", exts)
	return nil
}

// listenScanRange bounds the last-resort free-port scan above the
// preferred port.
const listenScanRange = 100

// listen binds the preferred port, then each backup port in order,
// then scans upward from the preferred port as a last resort.
func (e *Engine) listen() (net.Listener, int, error) {
	ports := append([]int{e.cfg.Listen.Port}, e.cfg.Listen.BackupPorts...)
	var last error
	for _, p := range ports {
		ln, err := net.Listen("tcp", net.JoinHostPort(e.cfg.Listen.Host, strconv.Itoa(p)))
		if err != nil {
			e.logger.Warn("intercept: port unavailable, trying next", "port", p, "error", err)
			last = err
			continue
		}
		return ln, p, nil
	}
	if ln, p, ok := e.scanListen(ports); ok {
		return ln, p, nil
	}
	return nil, 0, &ErrPortsExhausted{Host: e.cfg.Listen.Host, Ports: ports, Last: last}
}

// scanListen walks ports above the preferred one looking for any that
// binds. It binds directly instead of probe-then-bind so a found port
// cannot be taken between the check and the use.
func (e *Engine) scanListen(tried []int) (net.Listener, int, bool) {
	skip := make(map[int]bool, len(tried))
	for _, p := range tried {
		skip[p] = true
	}
	base := e.cfg.Listen.Port
	for p := base + 1; p <= base+listenScanRange && p <= 65535; p++ {
		if skip[p] {
			continue
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(e.cfg.Listen.Host, strconv.Itoa(p)))
		if err != nil {
			continue
		}
		e.logger.Warn("intercept: all configured ports busy, scanned a free port", "port", p)
		return ln, p, true
	}
	return nil, 0, false
}

// flushCounters periodically persists live session counters so a crash
// does not lose the whole tally.
func (e *Engine) flushCounters(stop <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			reqs, exts := e.Counters()
			if err := e.sessions.UpdateCounters(e.sessionID, int(reqs), int(exts)); err != nil {
				e.logger.Warn("intercept: counter flush failed", "error", err)
			}
		}
	}
}

func (e *Engine) closeSession() {
	reqs, exts := e.Counters()
	if err := e.sessions.Close(e.sessionID, e.now(), int(reqs), int(exts)); err != nil {
		e.logger.Warn("intercept: session close failed, retrying", "error", err)
		if err := e.sessions.Close(e.sessionID, e.now(), int(reqs), int(exts)); err != nil {
			e.logger.Error("intercept: session close failed after retry", "error", err)
		}
	}
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

func cookieNames(cookies map[string]string) []string {
	if len(cookies) == 0 {
		return nil
	}
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	return names
}

func setCookieNames(resp *http.Response) []string {
	var names []string
	for _, c := range resp.Cookies() {
		names = append(names, c.Name)
	}
	return names
}

func orDirect(s string) string {
	if s == "" {
		return "direct"
	}
	return s
}
