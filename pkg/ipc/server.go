// Package ipc serves the scribe HTTP API and the editor WebSocket channel.
package ipc

import (
	"context"
	stdliberrors "errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/odvcencio/scribe/pkg/bus"
	"github.com/odvcencio/scribe/pkg/config"
	"github.com/odvcencio/scribe/pkg/logging"
	"github.com/odvcencio/scribe/pkg/model"
	"github.com/odvcencio/scribe/pkg/settings"
	"github.com/odvcencio/scribe/pkg/storage"
	"github.com/odvcencio/scribe/pkg/suggest"
	"github.com/odvcencio/scribe/pkg/telemetry"
)

// Config controls the server behavior.
type Config struct {
	BindAddress    string
	AllowedOrigins []string
	PublicMetrics  bool
	AuthToken      string
	Version        string
	// AutosaveDelay bounds how long editor changes wait before being written.
	AutosaveDelay time.Duration
}

// ConfigFrom maps the server and storage config sections.
func ConfigFrom(cfg *config.Config, version string) Config {
	return Config{
		BindAddress:    cfg.Server.Bind,
		AllowedOrigins: append([]string(nil), cfg.Server.AllowedOrigins...),
		PublicMetrics:  cfg.Server.PublicMetrics,
		AuthToken:      cfg.Server.AuthToken,
		Version:        version,
		AutosaveDelay:  cfg.Storage.AutosaveDelay,
	}
}

// Deps are the collaborators the server exposes. Store and Controller are
// required.
type Deps struct {
	Store      *storage.Store
	Settings   *settings.Manager
	Gateway    *model.Gateway
	Controller *suggest.Controller
	Telemetry  *telemetry.Hub
	Logger     *logging.Logger
	Bus        bus.MessageBus
	Subjects   bus.Subjects
}

// Server hosts the JSON/HTTP API plus the editor and event WebSockets.
type Server struct {
	cfg        Config
	store      *storage.Store
	settings   *settings.Manager
	gateway    *model.Gateway
	controller *suggest.Controller
	telemetry  *telemetry.Hub
	logger     *logging.Logger
	bus        bus.MessageBus
	subjects   bus.Subjects

	hub               *Hub
	autosaver         *storage.Autosaver
	eventConnLimiter  *connLimiter
	editorConnLimiter *connLimiter
	settingsLimiter   *rateLimiter
	router            http.Handler

	closeOnce  sync.Once
	httpServer *http.Server
}

// NewServer constructs a server over deps.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "127.0.0.1:4590"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &Server{
		cfg:               cfg,
		store:             deps.Store,
		settings:          deps.Settings,
		gateway:           deps.Gateway,
		controller:        deps.Controller,
		telemetry:         deps.Telemetry,
		logger:            deps.Logger,
		bus:               deps.Bus,
		subjects:          deps.Subjects,
		hub:               NewHub(),
		eventConnLimiter:  newConnLimiter(maxEventStreamClients),
		editorConnLimiter: newConnLimiter(maxEditorClients),
		settingsLimiter:   newRateLimiter(settingsWriteRate),
	}
	if s.store != nil {
		s.autosaver = s.store.NewAutosaver(cfg.AutosaveDelay, s.onAutosaveError)
		s.store.AddObserver(storage.ObserverFunc(s.onStorageEvent))
	}
	s.router = s.routes()
	return s
}

// Handler returns the routed API without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(s.accessLogMiddleware)
	router.Use(s.corsMiddleware)
	router.Use(s.securityHeadersMiddleware)

	router.Get("/healthz", s.handleHealthz)
	router.Get("/metrics", s.handleMetrics)

	router.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Route("/documents", func(r chi.Router) {
			r.Get("/", s.handleListDocuments)
			r.Post("/", s.handleCreateDocument)
			r.Get("/{documentID}", s.handleGetDocument)
			r.Put("/{documentID}", s.handleUpdateDocument)
			r.Delete("/{documentID}", s.handleDeleteDocument)
		})
		r.Route("/settings", func(r chi.Router) {
			r.Get("/", s.handleGetSettings)
			r.Put("/model", s.handleSetModel)
			r.Put("/credentials/{provider}", s.handleSetCredential)
			r.Delete("/credentials/{provider}", s.handleDeleteCredential)
		})
		r.Get("/models", s.handleListModels)
		r.Post("/complete", s.handleComplete)
	})

	router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/ws/events", s.handleEventStream)
		r.Get("/ws/editor/{documentID}", s.handleEditor)
	})

	return router
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.validateStartupConfig(); err != nil {
		return err
	}

	// Wrap the router so HTTP/2 cleartext clients (and proxies that speak
	// it upstream) reach the WebSocket endpoints.
	h2s := &http2.Server{}
	s.httpServer = &http.Server{
		Addr:              s.cfg.BindAddress,
		Handler:           h2c.NewHandler(s.router, h2s),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	if s.telemetry != nil {
		ch, cancel := s.telemetry.Subscribe()
		go func() {
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-ch:
					if !ok {
						return
					}
					s.broadcastTelemetry(event)
				}
			}
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		_ = s.logger.Info(logging.CategoryServer, "server.listening", fmt.Sprintf("serving on %s", s.cfg.BindAddress), map[string]any{
			"version": s.cfg.Version,
		})
		if err := s.httpServer.ListenAndServe(); err != nil && !stdliberrors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		if closeErr := s.Close(); err == nil {
			err = closeErr
		}
		return err
	case err := <-serverErr:
		_ = s.Close()
		return err
	}
}

// Close writes any unsaved editor changes. It does not close the store.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.autosaver != nil {
			err = s.autosaver.Close()
		}
	})
	return err
}

func (s *Server) validateStartupConfig() error {
	if s.store == nil || s.controller == nil {
		return fmt.Errorf("server requires a document store and a suggestion controller")
	}
	if !isLoopbackBindAddress(s.cfg.BindAddress) && strings.TrimSpace(s.cfg.AuthToken) == "" {
		return fmt.Errorf("refusing to bind to %q without authentication (set server.auth_token or SCRIBE_SERVER_TOKEN)", s.cfg.BindAddress)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.store != nil && s.store.DB() != nil {
		if err := s.store.DB().PingContext(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, stdliberrors.New("database unavailable"))
			return
		}
	}
	respondJSON(w, map[string]any{
		"status":  "ok",
		"version": s.cfg.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"editors": s.editorConnLimiter.Active(),
		"streams": s.eventConnLimiter.Active(),
	})
}

func (s *Server) onStorageEvent(event storage.Event) {
	documentID := ""
	if strings.HasPrefix(string(event.Type), "document.") {
		documentID = event.EntityID
	}
	s.hub.Broadcast(Event{
		Type:       string(event.Type),
		DocumentID: documentID,
		Payload:    event.Data,
		Timestamp:  event.Timestamp,
	})
	if documentID == "" {
		return
	}

	s.telemetry.Publish(telemetry.Event{
		Type:      telemetry.EventDocumentSaved,
		Timestamp: event.Timestamp,
		Data:      map[string]any{"documentId": documentID, "action": string(event.Type)},
	})
	if s.bus != nil {
		change := bus.DocumentChange{ID: documentID, Action: string(event.Type), Timestamp: event.Timestamp}
		if err := bus.PublishJSON(context.Background(), s.bus, s.subjects.Of(bus.DocumentSaved), change); err != nil {
			_ = s.logger.Warn(logging.CategoryServer, "bus.publish_failed", "could not announce document change", map[string]any{
				"document_id": documentID,
				"error":       err.Error(),
			})
		}
	}
}

func (s *Server) onAutosaveError(documentID string, err error) {
	metricAutosaveFailures.Inc()
	_ = s.logger.Error(logging.CategoryStorage, "autosave.failed", "failed to save document", map[string]any{
		"document_id": documentID,
		"error":       err.Error(),
	})
	s.hub.Broadcast(Event{
		Type:       "document.save_failed",
		DocumentID: documentID,
		Payload:    map[string]any{"error": err.Error()},
	})
}

func (s *Server) broadcastTelemetry(event telemetry.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.hub.Broadcast(Event{
		Type:      fmt.Sprintf("telemetry.%s", event.Type),
		SessionID: event.SessionID,
		Payload:   event,
		Timestamp: event.Timestamp,
	})
}
