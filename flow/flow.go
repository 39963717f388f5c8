// Package flow defines the traffic snapshot handed to extractors, the
// extractor capability itself, and the domain-based registry that
// routes intercepted flows to at most one extractor.
package flow

import (
	"net/http"
	"strings"
	"time"
)

// Phase says which half of a flow a snapshot describes.
type Phase string

const (
	PhaseRequest  Phase = "request"
	PhaseResponse Phase = "response"
)

// Snapshot is a read-only view of one half of a flow. Extractors see
// headers and cookies, never the live connection: extraction is a side
// observation and cannot touch the proxied traffic.
type Snapshot struct {
	Phase      Phase
	Method     string
	URL        string
	Host       string
	Path       string
	StatusCode int // response phase only
	Header     http.Header
	Cookies    map[string]string
	ObservedAt time.Time
}

// SnapshotRequest captures the request half of a flow.
func SnapshotRequest(r *http.Request, now time.Time) *Snapshot {
	s := &Snapshot{
		Phase:      PhaseRequest,
		Method:     r.Method,
		URL:        r.URL.String(),
		Host:       hostOnly(r.Host),
		Path:       r.URL.Path,
		Header:     r.Header.Clone(),
		Cookies:    make(map[string]string),
		ObservedAt: now,
	}
	for _, c := range r.Cookies() {
		s.Cookies[c.Name] = c.Value
	}
	return s
}

// SnapshotResponse captures the response half of a flow. The request
// is needed for URL/host context; Set-Cookie headers become cookies.
func SnapshotResponse(resp *http.Response, req *http.Request, now time.Time) *Snapshot {
	s := &Snapshot{
		Phase:      PhaseResponse,
		Method:     req.Method,
		URL:        req.URL.String(),
		Host:       hostOnly(req.Host),
		Path:       req.URL.Path,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Cookies:    make(map[string]string),
		ObservedAt: now,
	}
	for _, c := range resp.Cookies() {
		s.Cookies[c.Name] = c.Value
	}
	return s
}

func hostOnly(hostport string) string {
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 && !strings.Contains(hostport[i:], "]") {
		return hostport[:i]
	}
	return hostport
}

// State classifies the outcome of one extractor hook invocation.
type State int

const (
	// Pending means the flow did not (yet) carry what the extractor
	// needs; governance state is left untouched.
	Pending State = iota
	// Extracted means the artifact was produced and written.
	Extracted
	// Failed means the extractor hit an error; the attempt is recorded
	// as failed but the window is not consumed.
	Failed
)

func (s State) String() string {
	switch s {
	case Extracted:
		return "extracted"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// Result is the outcome of one hook invocation.
type Result struct {
	State    State
	Artifact string // path written, when State == Extracted
	Err      error  // diagnosis, when State == Failed
}

// Extractor is the capability each service-specific collaborator
// implements. Hooks must be safe for concurrent invocation across
// flows and must never block on network or user input; everything
// they need is in the snapshot.
type Extractor interface {
	// Service is the unique service identifier.
	Service() string
	// Domains lists the exact-or-suffix domain patterns this service
	// claims.
	Domains() []string
	// Interval is the minimum time between two successful extractions.
	Interval() time.Duration
	// OutputFile is where the artifact is written.
	OutputFile() string

	HandleRequest(s *Snapshot) Result
	HandleResponse(s *Snapshot) Result
}
