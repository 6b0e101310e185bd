package ipc

import (
	"bufio"
	"crypto/subtle"
	stdliberrors "errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/scribe/pkg/logging"
)

// corsMiddleware adds CORS headers based on allowed origins configuration.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if allowed, wildcard := s.isOriginAllowed(origin); allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
				if !wildcard {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// securityHeadersMiddleware adds standard security headers to responses.
func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		headers.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=(), usb=()")
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack passes WebSocket upgrades through to the underlying connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, stdliberrors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// accessLogMiddleware records one debug event per request, keyed by the
// matched route pattern rather than the raw path.
func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		level := logging.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = logging.LevelWarn
		}
		_ = s.logger.Log(logging.Event{
			Level:     level,
			Category:  logging.CategoryServer,
			EventType: "http.request",
			Message:   r.Method + " " + route,
			Details: map[string]any{
				"status":      rec.status,
				"duration_ms": time.Since(start).Milliseconds(),
			},
		})
	})
}

// authMiddleware requires the configured bearer token, if any.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			respondError(w, http.StatusUnauthorized, stdliberrors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorize validates the request's bearer token. Query tokens are only
// honoured on loopback binds, where URLs do not leave the machine.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" || s.isUnauthenticatedEndpoint(r.URL.Path) {
		return true
	}
	token, fromQuery := extractBearerToken(r)
	if fromQuery && !isLoopbackBindAddress(s.cfg.BindAddress) {
		return false
	}
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

// isUnauthenticatedEndpoint returns true for endpoints that don't require auth.
func (s *Server) isUnauthenticatedEndpoint(path string) bool {
	switch strings.TrimSpace(path) {
	case "/healthz":
		return true
	case "/metrics":
		return s.cfg.PublicMetrics
	default:
		return false
	}
}

// webOrigin is a parsed scheme://host[:port] origin.
type webOrigin struct {
	scheme string
	host   string
	port   string
}

func parseWebOrigin(raw string) (webOrigin, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return webOrigin{}, false
	}
	o := webOrigin{scheme: strings.ToLower(u.Scheme), host: strings.ToLower(u.Hostname()), port: u.Port()}
	return o, o.host != ""
}

func (o webOrigin) effectivePort() string {
	if o.port != "" {
		return o.port
	}
	if o.scheme == "https" || o.scheme == "wss" {
		return "443"
	}
	return "80"
}

func (o webOrigin) loopback() bool {
	if o.host == "localhost" {
		return true
	}
	ip := net.ParseIP(o.host)
	return ip != nil && ip.IsLoopback()
}

// admits reports whether candidate matches the allowed origin o. A loopback
// entry without a port admits any port.
func (o webOrigin) admits(candidate webOrigin) bool {
	if o.scheme != candidate.scheme || o.host != candidate.host {
		return false
	}
	if o.port == "" && o.loopback() {
		return true
	}
	return o.effectivePort() == candidate.effectivePort()
}

// isOriginAllowed reports whether origin is on the allow list. wildcard is
// set when only a "*" entry matched.
func (s *Server) isOriginAllowed(origin string) (allowed bool, wildcard bool) {
	candidate, ok := parseWebOrigin(origin)
	if !ok {
		return false, false
	}
	for _, entry := range s.cfg.AllowedOrigins {
		entry = strings.TrimSpace(entry)
		if entry == "*" {
			wildcard = true
			continue
		}
		if allowedOrigin, ok := parseWebOrigin(entry); ok && allowedOrigin.admits(candidate) {
			return true, false
		}
	}
	return wildcard, wildcard
}

// isWebSocketOriginAllowed checks if a WebSocket upgrade request has an allowed origin.
// Same-host origins and non-browser clients (no Origin header) are accepted.
func (s *Server) isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err == nil && parsed.Host != "" && strings.EqualFold(parsed.Host, r.Host) {
		return true
	}
	allowed, _ := s.isOriginAllowed(origin)
	return allowed
}

func isLoopbackBindAddress(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		host = strings.TrimSpace(addr)
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
