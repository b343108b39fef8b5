package debug

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	logx "silentmate/pkg/logx"
)

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	s := New(Config{}, func() any { return map[string]string{"state": "ok"} }, logx.Nop())
	mux := s.buildMux(Config{})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var got map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["state"] != "ok" {
		t.Fatalf("payload %v", got)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	s := New(Config{Token: "hunter2"}, func() any { return nil }, logx.Nop())
	mux := s.buildMux(Config{Token: "hunter2"})

	cases := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"no credentials", "", "", http.StatusUnauthorized},
		{"wrong bearer", "Bearer nope", "", http.StatusUnauthorized},
		{"good bearer", "Bearer hunter2", "", http.StatusOK},
		{"good query", "", "?token=hunter2", http.StatusOK},
		{"wrong query", "", "?token=nope", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/healthz"+tc.query, nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if rr.Code != tc.want {
			t.Fatalf("%s: status %d, want %d", tc.name, rr.Code, tc.want)
		}
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6060", true},
		{"localhost:6060", true},
		{"[::1]:6060", true},
		{"0.0.0.0:6060", false},
		{":6060", false},
		{"192.168.1.5:6060", false},
		{"garbage", false},
	}
	for _, tc := range cases {
		if got := isLoopbackAddr(tc.addr); got != tc.want {
			t.Fatalf("%q: got %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestNormalizePrefix(t *testing.T) {
	t.Parallel()
	if got := normalizePrefix(""); got != "/debug/" {
		t.Fatalf("default prefix %q", got)
	}
	if got := normalizePrefix("metrics"); got != "/metrics/" {
		t.Fatalf("got %q", got)
	}
	if got := normalizePrefix("/already/"); got != "/already/" {
		t.Fatalf("got %q", got)
	}
}
