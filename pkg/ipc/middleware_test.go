package ipc

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsOriginAllowed(t *testing.T) {
	tests := []struct {
		name         string
		allowed      []string
		origin       string
		wantAllowed  bool
		wantWildcard bool
	}{
		{"localhost any port", []string{"http://localhost"}, "http://localhost:5173", true, false},
		{"loopback ip any port", []string{"http://127.0.0.1"}, "http://127.0.0.1:4590", true, false},
		{"default https port", []string{"https://example.com"}, "https://example.com:443", true, false},
		{"non-default port rejected", []string{"https://example.com"}, "https://example.com:444", false, false},
		{"scheme mismatch", []string{"https://example.com"}, "http://example.com", false, false},
		{"explicit port", []string{"http://notes.local:8080"}, "http://notes.local:8080", true, false},
		{"wildcard", []string{"*"}, "https://elsewhere.dev", true, true},
		{"garbage origin", []string{"*"}, "not a url", false, false},
		{"empty origin", []string{"http://localhost"}, "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{cfg: Config{AllowedOrigins: tt.allowed}}
			allowed, wildcard := s.isOriginAllowed(tt.origin)
			if allowed != tt.wantAllowed || wildcard != tt.wantWildcard {
				t.Fatalf("isOriginAllowed(%q) = %v,%v want %v,%v", tt.origin, allowed, wildcard, tt.wantAllowed, tt.wantWildcard)
			}
		})
	}
}

func TestCORSMiddlewareWildcardDoesNotAllowCredentials(t *testing.T) {
	s := &Server{cfg: Config{AllowedOrigins: []string{"*", "http://localhost"}}}
	handler := s.corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set("Origin", "https://evil.com")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://evil.com" {
		t.Fatalf("allow-origin=%q", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Fatalf("expected no credentials for wildcard match, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("expected credentials for explicit origin, got %q", got)
	}
}

func TestCORSMiddlewarePreflight(t *testing.T) {
	s := &Server{cfg: Config{AllowedOrigins: []string{"http://localhost"}}}
	called := false
	handler := s.corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodOptions, "/api/documents", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent || called {
		t.Fatalf("preflight should short-circuit, got %d called=%v", rr.Code, called)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	s := &Server{}
	handler := s.securityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	} {
		if got := rr.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestWebSocketOriginAllowed(t *testing.T) {
	s := &Server{cfg: Config{AllowedOrigins: []string{"http://localhost"}}}

	same := httptest.NewRequest(http.MethodGet, "http://notes.example:4590/ws/events", nil)
	same.Header.Set("Origin", "http://notes.example:4590")
	if !s.isWebSocketOriginAllowed(same) {
		t.Fatalf("expected same-host origin to be allowed")
	}

	native := httptest.NewRequest(http.MethodGet, "http://notes.example:4590/ws/events", nil)
	if !s.isWebSocketOriginAllowed(native) {
		t.Fatalf("expected request without Origin to be allowed")
	}

	foreign := httptest.NewRequest(http.MethodGet, "http://notes.example:4590/ws/events", nil)
	foreign.Header.Set("Origin", "https://evil.com")
	if s.isWebSocketOriginAllowed(foreign) {
		t.Fatalf("expected foreign origin to be rejected")
	}
}

func TestAuthorize(t *testing.T) {
	open := &Server{cfg: Config{BindAddress: "127.0.0.1:4590"}}
	if !open.authorize(httptest.NewRequest(http.MethodGet, "/api/documents", nil)) {
		t.Fatalf("no token configured should allow")
	}

	s := &Server{cfg: Config{BindAddress: "127.0.0.1:4590", AuthToken: "secret"}}
	tests := []struct {
		name   string
		target string
		header string
		want   bool
	}{
		{"missing", "/api/documents", "", false},
		{"wrong", "/api/documents", "Bearer nope", false},
		{"header", "/api/documents", "Bearer secret", true},
		{"query on loopback", "/ws/events?token=secret", "", true},
		{"healthz is public", "/healthz", "", true},
		{"metrics private by default", "/metrics", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if got := s.authorize(req); got != tt.want {
				t.Fatalf("authorize = %v, want %v", got, tt.want)
			}
		})
	}

	remote := &Server{cfg: Config{BindAddress: "0.0.0.0:4590", AuthToken: "secret"}}
	if remote.authorize(httptest.NewRequest(http.MethodGet, "/ws/events?token=secret", nil)) {
		t.Fatalf("query tokens must be refused on non-loopback binds")
	}

	public := &Server{cfg: Config{AuthToken: "secret", PublicMetrics: true}}
	if !public.authorize(httptest.NewRequest(http.MethodGet, "/metrics", nil)) {
		t.Fatalf("public metrics should skip auth")
	}
}

func TestIsLoopbackBindAddress(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1:4590": true,
		"localhost:4590": true,
		"[::1]:4590":     true,
		"0.0.0.0:4590":   false,
		"[::]:4590":      false,
		"10.0.0.5:4590":  false,
		"":               false,
		"notes.local":    false,
	}
	for addr, want := range tests {
		if got := isLoopbackBindAddress(addr); got != want {
			t.Errorf("isLoopbackBindAddress(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestValidateStartupConfig(t *testing.T) {
	s := &Server{cfg: Config{BindAddress: "127.0.0.1:4590"}}
	if err := s.validateStartupConfig(); err == nil {
		t.Fatalf("expected error without store and controller")
	}

	f := newServerFixture(t, Config{BindAddress: "0.0.0.0:4590"})
	if err := f.server.validateStartupConfig(); err == nil {
		t.Fatalf("expected non-loopback bind without token to be refused")
	}
	f.server.cfg.AuthToken = "secret"
	if err := f.server.validateStartupConfig(); err != nil {
		t.Fatalf("unexpected error with token: %v", err)
	}
}
