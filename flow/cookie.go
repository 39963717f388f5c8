package flow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CookieExtractor is the generic cookie-based extractor: a service is
// considered extracted when any of its key cookies shows up in a
// matching flow. The captured set is the key cookies plus any cookie
// matching a configured prefix. Which names matter for which service
// is configuration, not code.
type CookieExtractor struct {
	service  string
	domains  []string
	interval time.Duration
	output   string
	keys     []string
	prefixes []string
}

// CookieArtifact is the JSON document written for each extraction.
type CookieArtifact struct {
	Service     string            `json:"service"`
	ExtractedAt time.Time         `json:"extracted_at"`
	Source      string            `json:"source"` // request or response
	URL         string            `json:"url"`
	Cookies     map[string]string `json:"cookies"`
}

// NewCookieExtractor builds an extractor from per-service settings.
func NewCookieExtractor(service string, domains []string, interval time.Duration, output string, keyCookies, cookiePrefixes []string) *CookieExtractor {
	return &CookieExtractor{
		service:  service,
		domains:  domains,
		interval: interval,
		output:   output,
		keys:     keyCookies,
		prefixes: cookiePrefixes,
	}
}

func (e *CookieExtractor) Service() string         { return e.service }
func (e *CookieExtractor) Domains() []string       { return e.domains }
func (e *CookieExtractor) Interval() time.Duration { return e.interval }
func (e *CookieExtractor) OutputFile() string      { return e.output }

// HandleRequest looks for the key cookies in the request Cookie header.
func (e *CookieExtractor) HandleRequest(s *Snapshot) Result {
	return e.extract(s)
}

// HandleResponse looks for the key cookies in Set-Cookie headers.
func (e *CookieExtractor) HandleResponse(s *Snapshot) Result {
	return e.extract(s)
}

func (e *CookieExtractor) extract(s *Snapshot) Result {
	if len(s.Cookies) == 0 {
		return Result{State: Pending}
	}
	if !e.hasKeyCookie(s.Cookies) {
		return Result{State: Pending}
	}

	kept := make(map[string]string)
	for name, value := range s.Cookies {
		if value == "" {
			continue
		}
		if e.wanted(name) {
			kept[name] = value
		}
	}
	if len(kept) == 0 {
		return Result{State: Pending}
	}

	artifact := CookieArtifact{
		Service:     e.service,
		ExtractedAt: s.ObservedAt.UTC(),
		Source:      string(s.Phase),
		URL:         s.URL,
		Cookies:     kept,
	}
	if err := writeArtifact(e.output, artifact); err != nil {
		return Result{State: Failed, Err: fmt.Errorf("write artifact: %w", err)}
	}
	return Result{State: Extracted, Artifact: e.output}
}

func (e *CookieExtractor) hasKeyCookie(cookies map[string]string) bool {
	for _, k := range e.keys {
		if v, ok := cookies[k]; ok && v != "" {
			return true
		}
	}
	return false
}

func (e *CookieExtractor) wanted(name string) bool {
	for _, k := range e.keys {
		if name == k {
			return true
		}
	}
	for _, p := range e.prefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// writeArtifact publishes the artifact atomically so a reader never
// sees a half-written cookie file.
func writeArtifact(path string, artifact CookieArtifact) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
