package flow

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func requestSnapshot(t *testing.T, cookies map[string]string) *Snapshot {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "https://drive.quark.cn/list", nil)
	for name, value := range cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	return SnapshotRequest(req, time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC))
}

func TestCookieExtractorExtracts(t *testing.T) {
	out := filepath.Join(t.TempDir(), "outputs", "quark_cookie.json")
	e := NewCookieExtractor("quark", []string{"quark.cn"}, 2*time.Hour, out,
		[]string{"__pus", "__puus"}, []string{"__k", "q_"})

	res := e.HandleRequest(requestSnapshot(t, map[string]string{
		"__pus":      "session-value",
		"__kp":       "device-id",
		"q_c1":       "uid",
		"irrelevant": "x",
	}))
	if res.State != Extracted {
		t.Fatalf("state = %v, want extracted (err: %v)", res.State, res.Err)
	}
	if res.Artifact != out {
		t.Fatalf("artifact = %q, want %q", res.Artifact, out)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	var artifact CookieArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if artifact.Service != "quark" || artifact.Source != "request" {
		t.Fatalf("artifact header: %+v", artifact)
	}
	want := map[string]string{"__pus": "session-value", "__kp": "device-id", "q_c1": "uid"}
	if len(artifact.Cookies) != len(want) {
		t.Fatalf("cookies = %v, want %v", artifact.Cookies, want)
	}
	for k, v := range want {
		if artifact.Cookies[k] != v {
			t.Errorf("cookie %s = %q, want %q", k, artifact.Cookies[k], v)
		}
	}
	if _, ok := artifact.Cookies["irrelevant"]; ok {
		t.Error("unrelated cookie captured")
	}
}

func TestCookieExtractorPendingWithoutKeyCookie(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.json")
	e := NewCookieExtractor("svc", []string{"example.com"}, time.Hour, out, []string{"token"}, nil)

	cases := []struct {
		name    string
		cookies map[string]string
	}{
		{"no cookies", nil},
		{"no key cookie", map[string]string{"other": "x"}},
		{"key cookie empty", map[string]string{"token": ""}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := e.HandleRequest(requestSnapshot(t, tc.cookies))
			if res.State != Pending {
				t.Fatalf("state = %v, want pending", res.State)
			}
			if _, err := os.Stat(out); !os.IsNotExist(err) {
				t.Fatal("pending must not write an artifact")
			}
		})
	}
}

func TestCookieExtractorResponsePhase(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.json")
	e := NewCookieExtractor("svc", []string{"example.com"}, time.Hour, out, []string{"token"}, nil)

	req := httptest.NewRequest(http.MethodPost, "https://login.example.com/auth", nil)
	resp := &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Set-Cookie": []string{"token=abc123; Path=/; HttpOnly"}},
	}
	snap := SnapshotResponse(resp, req, time.Now())

	res := e.HandleResponse(snap)
	if res.State != Extracted {
		t.Fatalf("state = %v, want extracted", res.State)
	}
	var artifact CookieArtifact
	data, _ := os.ReadFile(out)
	if err := json.Unmarshal(data, &artifact); err != nil {
		t.Fatal(err)
	}
	if artifact.Source != "response" || artifact.Cookies["token"] != "abc123" {
		t.Fatalf("artifact = %+v", artifact)
	}
}

func TestCookieExtractorFailsOnUnwritablePath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	// Output path nests under a regular file: MkdirAll must fail.
	out := filepath.Join(blocker, "out.json")
	e := NewCookieExtractor("svc", []string{"example.com"}, time.Hour, out, []string{"token"}, nil)

	res := e.HandleRequest(requestSnapshot(t, map[string]string{"token": "v"}))
	if res.State != Failed || res.Err == nil {
		t.Fatalf("state = %v err = %v, want failed with error", res.State, res.Err)
	}
}

func TestSnapshotHostStripsPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://music.163.com:443/eapi/playlist", nil)
	req.Host = "music.163.com:443"
	snap := SnapshotRequest(req, time.Now())
	if snap.Host != "music.163.com" {
		t.Fatalf("host = %q", snap.Host)
	}
	if snap.Path != "/eapi/playlist" {
		t.Fatalf("path = %q", snap.Path)
	}
}
