package device

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestHTTPAuthorizer_CanCreate(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"ok true", http.StatusOK, "true", true},
		{"ok false", http.StatusOK, "false", false},
		{"ok padded", http.StatusOK, "true\n", false},
		{"ok uppercase", http.StatusOK, "TRUE", false},
		{"ok empty", http.StatusOK, "", false},
		{"service unavailable", http.StatusServiceUnavailable, "true", false},
		{"forbidden", http.StatusForbidden, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			a := NewHTTPAuthorizer(AuthorizerConfig{
				BaseURL:      srv.URL,
				CanCreateURL: "/devices/{uniqueId}/can-create",
			})
			if got := a.CanCreate(context.Background(), "359710049000001"); got != tt.want {
				t.Errorf("CanCreate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHTTPAuthorizer_Request(t *testing.T) {
	var (
		mu      sync.Mutex
		path    string
		method  string
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		path = r.URL.RequestURI()
		method = r.Method
		headers = r.Header.Clone()
		mu.Unlock()
		_, _ = w.Write([]byte("true"))
	}))
	defer srv.Close()

	a := NewHTTPAuthorizer(AuthorizerConfig{
		BaseURL:      srv.URL + "/api",
		CanCreateURL: "/check?uid={uniqueId}",
		Header:       "X-Api-Key: secret\r\nX-Tenant:  acme \nmalformed line\n",
	})
	if !a.CanCreate(context.Background(), "abc 1&2") {
		t.Fatal("CanCreate() = false")
	}

	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodGet {
		t.Errorf("method = %s, want GET", method)
	}
	if path != "/api/check?uid=abc+1%262" {
		t.Errorf("request URI = %q", path)
	}
	if headers.Get("X-Api-Key") != "secret" || headers.Get("X-Tenant") != "acme" {
		t.Errorf("headers = %v", headers)
	}
}

func TestHTTPAuthorizer_PathPlaceholder(t *testing.T) {
	var (
		mu  sync.Mutex
		uri string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		uri = r.URL.RequestURI()
		mu.Unlock()
		_, _ = w.Write([]byte("true"))
	}))
	defer srv.Close()

	a := NewHTTPAuthorizer(AuthorizerConfig{
		BaseURL:      srv.URL + "/api",
		CanCreateURL: "/devices/{uniqueId}/can-create",
	})
	if !a.CanCreate(context.Background(), "abc 1&2") {
		t.Fatal("CanCreate() = false")
	}

	mu.Lock()
	defer mu.Unlock()
	if uri != "/api/devices/abc%201&2/can-create" {
		t.Errorf("request URI = %q", uri)
	}
}

func TestExpandUniqueID(t *testing.T) {
	tests := []struct {
		tmpl string
		id   string
		want string
	}{
		{"/check?uid={uniqueId}", "abc 1&2", "/check?uid=abc+1%262"},
		{"/devices/{uniqueId}/can-create", "abc 1&2", "/devices/abc%201&2/can-create"},
		{"/devices/{uniqueId}", "a/b", "/devices/a%2Fb"},
		{"/d/{uniqueId}?again={uniqueId}", "x y", "/d/x%20y?again=x+y"},
		{"/static", "ignored", "/static"},
	}
	for _, tt := range tests {
		t.Run(tt.tmpl, func(t *testing.T) {
			if got := expandUniqueID(tt.tmpl, tt.id); got != tt.want {
				t.Errorf("expandUniqueID(%q, %q) = %q, want %q", tt.tmpl, tt.id, got, tt.want)
			}
		})
	}
}

func TestHTTPAuthorizer_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write([]byte("true"))
	}))
	defer srv.Close()
	defer close(release)

	a := NewHTTPAuthorizer(AuthorizerConfig{
		BaseURL:        srv.URL,
		CanCreateURL:   "/{uniqueId}",
		ConnectTimeout: 50 * time.Millisecond,
		ReadTimeout:    50 * time.Millisecond,
	})

	start := time.Now()
	if a.CanCreate(context.Background(), "slow") {
		t.Error("CanCreate() = true after timeout")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("CanCreate() took %v, timeout not applied", elapsed)
	}
}

func TestHTTPAuthorizer_Unconfigured(t *testing.T) {
	a := NewHTTPAuthorizer(AuthorizerConfig{BaseURL: "http://127.0.0.1:1"})
	if a.CanCreate(context.Background(), "x") {
		t.Error("CanCreate() = true without a URL")
	}

	unreachable := NewHTTPAuthorizer(AuthorizerConfig{
		BaseURL:        "http://127.0.0.1:1",
		CanCreateURL:   "/{uniqueId}",
		ConnectTimeout: 100 * time.Millisecond,
	})
	if unreachable.CanCreate(context.Background(), "x") {
		t.Error("CanCreate() = true for an unreachable server")
	}
}

func TestParseHeaderLines(t *testing.T) {
	h := parseHeaderLines("A: 1\r\nB:2\n: nameless\nno colon\nC: x: y")
	if h.Get("A") != "1" || h.Get("B") != "2" || h.Get("C") != "x: y" {
		t.Errorf("parseHeaderLines() = %v", h)
	}
	if len(h) != 3 {
		t.Errorf("parsed %d headers, want 3", len(h))
	}
}
