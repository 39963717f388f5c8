package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/JaggerH/automate/state"
)

func newTestServer(t *testing.T, deps Deps) *httptest.Server {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	srv := httptest.NewServer(NewServer("127.0.0.1:0", deps).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func openStores(t *testing.T) (*state.StatusStore, *state.SessionLog) {
	t.Helper()
	dir := t.TempDir()
	statuses, err := state.OpenStatusStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	sessions, err := state.OpenSessionLog(dir)
	if err != nil {
		t.Fatal(err)
	}
	return statuses, sessions
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	statuses, sessions := openStores(t)
	srv := newTestServer(t, Deps{Statuses: statuses, Sessions: sessions})

	var body map[string]string
	if code := getJSON(t, srv.URL+"/healthz", &body); code != 200 {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestStatusListsServicesAndActiveSession(t *testing.T) {
	statuses, sessions := openStores(t)
	now := time.Date(2025, 10, 12, 9, 0, 0, 0, time.UTC)
	if err := statuses.Put(state.ServiceStatus{
		Service: "netease", LastExtract: now, Count: 3,
		Status: state.StatusSucceeded, OutputFile: "out/netease.json",
	}); err != nil {
		t.Fatal(err)
	}
	if err := statuses.Put(state.ServiceStatus{Service: "quark", Status: state.StatusIdle}); err != nil {
		t.Fatal(err)
	}
	if err := sessions.Start("1728723600_proxy", now, "http://127.0.0.1:7890"); err != nil {
		t.Fatal(err)
	}

	srv := newTestServer(t, Deps{Statuses: statuses, Sessions: sessions})

	var body struct {
		Services []struct {
			Service     string `json:"service"`
			LastExtract string `json:"last_extract_time"`
			Count       int    `json:"extract_count"`
			Status      string `json:"current_status"`
		} `json:"services"`
		Session *struct {
			ID       string `json:"session_id"`
			Upstream string `json:"upstream_proxy"`
			Status   string `json:"status"`
		} `json:"active_session"`
	}
	if code := getJSON(t, srv.URL+"/status", &body); code != 200 {
		t.Fatalf("status = %d", code)
	}
	if len(body.Services) != 2 {
		t.Fatalf("services = %d, want 2", len(body.Services))
	}
	if body.Services[0].Service != "netease" || body.Services[0].Count != 3 ||
		body.Services[0].Status != "succeeded" || body.Services[0].LastExtract == "" {
		t.Fatalf("netease view: %+v", body.Services[0])
	}
	if body.Services[1].LastExtract != "" {
		t.Fatal("never-extracted service must omit last_extract_time")
	}
	if body.Session == nil || body.Session.ID != "1728723600_proxy" ||
		body.Session.Upstream != "http://127.0.0.1:7890" || body.Session.Status != "running" {
		t.Fatalf("session view: %+v", body.Session)
	}
}

func TestSessionsNewestFirstWithLimit(t *testing.T) {
	statuses, sessions := openStores(t)
	base := time.Date(2025, 10, 12, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		id := "s" + string(rune('a'+i))
		if err := sessions.Start(id, base.Add(time.Duration(i)*time.Hour), ""); err != nil {
			t.Fatal(err)
		}
		if err := sessions.Close(id, base.Add(time.Duration(i)*time.Hour+time.Minute), 1, 0); err != nil {
			t.Fatal(err)
		}
	}
	srv := newTestServer(t, Deps{Statuses: statuses, Sessions: sessions})

	var body []struct {
		ID string `json:"session_id"`
	}
	if code := getJSON(t, srv.URL+"/sessions?limit=2", &body); code != 200 {
		t.Fatalf("status = %d", code)
	}
	if len(body) != 2 || body[0].ID != "sc" || body[1].ID != "sb" {
		t.Fatalf("sessions = %+v", body)
	}
}

func TestCapturesDisabled(t *testing.T) {
	statuses, sessions := openStores(t)
	srv := newTestServer(t, Deps{Statuses: statuses, Sessions: sessions})
	if code := getJSON(t, srv.URL+"/captures", nil); code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", code)
	}
}

func TestCleanupEndpoint(t *testing.T) {
	statuses, sessions := openStores(t)
	called := false
	srv := newTestServer(t, Deps{
		Statuses: statuses,
		Sessions: sessions,
		Cleanup: func(context.Context) (CleanupResult, error) {
			called = true
			return CleanupResult{Statuses: 2, Sessions: 1}, nil
		},
	})
	resp, err := http.Post(srv.URL+"/cleanup", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var res CleanupResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if !called || res.Statuses != 2 || res.Sessions != 1 {
		t.Fatalf("cleanup result: %+v (called=%v)", res, called)
	}
}

func TestCleanupError(t *testing.T) {
	statuses, sessions := openStores(t)
	srv := newTestServer(t, Deps{
		Statuses: statuses,
		Sessions: sessions,
		Cleanup: func(context.Context) (CleanupResult, error) {
			return CleanupResult{}, errors.New("disk gone")
		},
	})
	resp, err := http.Post(srv.URL+"/cleanup", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 500 {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
}
