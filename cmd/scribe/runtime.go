package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/scribe/pkg/bus"
	"github.com/odvcencio/scribe/pkg/config"
	"github.com/odvcencio/scribe/pkg/logging"
	"github.com/odvcencio/scribe/pkg/model"
	"github.com/odvcencio/scribe/pkg/paths"
	"github.com/odvcencio/scribe/pkg/settings"
	"github.com/odvcencio/scribe/pkg/storage"
	"github.com/odvcencio/scribe/pkg/suggest"
	"github.com/odvcencio/scribe/pkg/telemetry"
)

// runtimeOptions selects which collaborators a command needs.
type runtimeOptions struct {
	// persistentLogs writes the run log under SCRIBE_LOG_DIR instead of stderr.
	persistentLogs bool
	// bus connects to NATS when configured; otherwise an in-process bus is used.
	bus bool
	// logOutput receives log lines for one-shot commands. Nil discards them.
	logOutput io.Writer
	// selection pins suggestions to provider:model instead of the stored choice.
	selection string
}

// appRuntime owns everything a command builds from config.
type appRuntime struct {
	cfg        *config.Config
	runID      string
	logger     *logging.Logger
	store      *storage.Store
	hub        *telemetry.Hub
	gateway    *model.Gateway
	settings   *settings.Manager
	controller *suggest.Controller
	bus        bus.MessageBus
	subjects   bus.Subjects

	closers []func()
}

var loadConfigFn = loadConfig

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromPath(paths.ExpandHome(configPath))
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, withExitCode(fmt.Errorf("failed to load config: %w", err), exitConfig)
	}
	return cfg, nil
}

func newRunID() string {
	return ulid.Make().String()
}

// openStore opens the document database named by cfg.
func openStore(cfg *config.Config) (*storage.Store, error) {
	dbPath := strings.TrimSpace(cfg.Storage.Path)
	if dbPath == "" {
		return nil, withExitCode(fmt.Errorf("storage.path is empty"), exitConfig)
	}
	store, err := storage.New(paths.ExpandHome(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}
	return store, nil
}

func newRuntime(cfg *config.Config, opts runtimeOptions) (*appRuntime, error) {
	rt := &appRuntime{cfg: cfg, runID: newRunID(), hub: telemetry.NewHub()}
	rt.closers = append(rt.closers, rt.hub.Close)

	if opts.persistentLogs {
		logger, err := logging.NewLogger(paths.LogsDir(), rt.runID)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.logger = logger
	} else if opts.logOutput != nil {
		rt.logger = logging.NewWriterLogger(opts.logOutput, rt.runID)
	}
	rt.logger.SetMinLevel(logging.ParseLevel(cfg.Diagnostics.LogLevel))
	rt.closers = append(rt.closers, func() { _ = rt.logger.Close() })

	store, err := openStore(cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.store = store
	rt.closers = append(rt.closers, func() { _ = store.Close() })

	rt.gateway = model.NewGateway(model.GatewayOptions{
		HandleTTL:         cfg.Model.HandleTTL,
		RequestsPerSecond: cfg.Model.RequestsPerSecond,
		Burst:             cfg.Model.Burst,
		Provider: model.ProviderOptions{
			NetworkLogs: cfg.Diagnostics.NetworkLogs,
			Timeout:     cfg.Suggest.RequestTimeout,
		},
		Logger: rt.logger,
		Observe: func(o model.StreamOutcome) {
			telemetry.ObserveStream(o.Provider, o.Model, string(o.Code), o.Malformed, o.Duration)
		},
		OnCircuitChange: func(provider string, from, to model.CircuitState) {
			telemetry.SetCircuitState(provider, int(to))
			_ = rt.logger.Warn(logging.CategoryModel, "circuit.changed", fmt.Sprintf("%s circuit %s -> %s", provider, from, to), map[string]any{
				"provider": provider,
				"from":     from.String(),
				"to":       to.String(),
			})
		},
	})
	rt.closers = append(rt.closers, rt.gateway.Close)

	settingsOpts := settings.Options{Hub: rt.hub, Logger: rt.logger, Source: "scribe-" + rt.runID}
	if opts.bus {
		busCfg, subjects := bus.FromConfig(cfg.Bus)
		b, err := bus.Open(busCfg)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to connect message bus: %w", err)
		}
		rt.bus, rt.subjects = b, subjects
		rt.closers = append(rt.closers, func() { _ = b.Close() })
		settingsOpts.Bus, settingsOpts.Subjects = b, subjects
	}

	rt.settings = settings.New(cfg, store, rt.gateway, settingsOpts)
	if err := rt.settings.Start(context.Background()); err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, rt.settings.Close)

	var source suggest.Source = rt.settings
	if opts.selection != "" {
		source = rt.settings.Pinned(opts.selection)
	}
	suggestOpts := suggest.OptionsFromConfig(cfg.Suggest, source)
	suggestOpts.Hub = rt.hub
	suggestOpts.Logger = rt.logger
	rt.controller = suggest.NewController(suggestOpts)
	rt.closers = append(rt.closers, rt.controller.Close)

	for _, warning := range cfg.ValidationWarnings() {
		_ = rt.logger.Warn(logging.CategoryConfig, "config.warning", warning, nil)
	}
	return rt, nil
}

// Close releases collaborators in reverse construction order.
func (rt *appRuntime) Close() {
	if rt == nil {
		return
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// flushTimeout bounds how long shutdown waits for pending writes.
const flushTimeout = 5 * time.Second

func stderrLogOutput() io.Writer {
	if quietMode {
		return nil
	}
	return os.Stderr
}
