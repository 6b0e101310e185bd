package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/odvcencio/scribe/pkg/bus"
	"github.com/odvcencio/scribe/pkg/config"
	"github.com/odvcencio/scribe/pkg/ipc"
	"github.com/odvcencio/scribe/pkg/logging"
	"github.com/odvcencio/scribe/pkg/paths"
	"github.com/odvcencio/scribe/pkg/telemetry"
)

type ipcServer interface {
	Start(ctx context.Context) error
}

var serveNewServerFn = func(cfg ipc.Config, deps ipc.Deps) ipcServer {
	return ipc.NewServer(cfg, deps)
}

// stringListValue collects repeatable, comma-separated flag values.
type stringListValue struct {
	target *[]string
}

func (v *stringListValue) String() string {
	if v == nil || v.target == nil {
		return ""
	}
	return strings.Join(*v.target, ",")
}

func (v *stringListValue) Set(raw string) error {
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*v.target = append(*v.target, part)
		}
	}
	return nil
}

func runServeCommand(args []string) error {
	cfg, err := loadConfigFn()
	if err != nil {
		return err
	}

	allowedOrigins := append([]string{}, cfg.Server.AllowedOrigins...)
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	bind := fs.String("bind", cfg.Server.Bind, "address to bind the server")
	token := fs.String("auth-token", "", "bearer token clients must supply (default: SCRIBE_SERVER_TOKEN)")
	publicMetrics := fs.Bool("public-metrics", cfg.Server.PublicMetrics, "expose /metrics without authentication")
	watch := fs.Bool("watch-config", true, "reload config files when they change")
	fs.Var(&stringListValue{target: &allowedOrigins}, "allow-origin", "additional allowed Origin (repeatable, accepts comma-separated list)")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}

	cfg.Server.Bind = strings.TrimSpace(*bind)
	cfg.Server.AllowedOrigins = allowedOrigins
	cfg.Server.PublicMetrics = *publicMetrics
	if t := strings.TrimSpace(*token); t != "" {
		cfg.Server.AuthToken = t
	}

	rt, err := newRuntime(cfg, runtimeOptions{persistentLogs: true, bus: true})
	if err != nil {
		return err
	}
	defer rt.Close()
	if !quietMode {
		rt.logger.SetMirror(os.Stderr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Diagnostics.Tracing {
		stop, err := startTracing(rt)
		if err != nil {
			return err
		}
		defer stop()
	}

	go bus.ForwardTelemetry(ctx, rt.hub, rt.bus, rt.subjects)

	if *watch {
		stopWatch := watchConfig(ctx, rt)
		defer stopWatch()
	}

	server := serveNewServerFn(ipc.ConfigFrom(cfg, version), ipc.Deps{
		Store:      rt.store,
		Settings:   rt.settings,
		Gateway:    rt.gateway,
		Controller: rt.controller,
		Telemetry:  rt.hub,
		Logger:     rt.logger,
		Bus:        rt.bus,
		Subjects:   rt.subjects,
	})
	if !quietMode {
		fmt.Fprintf(os.Stderr, "scribe %s listening on http://%s (logs: %s)\n", version, cfg.Server.Bind, rt.logger.RunPath())
	}
	if err := server.Start(ctx); err != nil {
		return withExitCode(err, exitConfig)
	}
	return nil
}

// startTracing exports spans to traces.jsonl next to the run logs.
func startTracing(rt *appRuntime) (func(), error) {
	dir := paths.LogsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(filepath.Join(dir, "traces.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	tp, err := telemetry.NewTracerProvider("scribe", version, file)
	if err != nil {
		file.Close()
		return nil, err
	}
	_ = rt.logger.Info(logging.CategoryServer, "tracing.enabled", "exporting spans", map[string]any{"path": file.Name()})
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		_ = tp.Shutdown(ctx)
		_ = file.Close()
	}, nil
}

// watchConfig applies reloaded config files to the running settings.
func watchConfig(ctx context.Context, rt *appRuntime) func() {
	files := config.Paths()
	if configPath != "" {
		files = []string{paths.ExpandHome(configPath)}
	}
	watcher := config.NewWatcher(files, loadConfigFn)
	err := watcher.Start(func(next *config.Config, err error) {
		if err != nil {
			_ = rt.logger.Warn(logging.CategoryConfig, "config.reload_failed", "keeping previous config", map[string]any{"error": err.Error()})
			return
		}
		// Listener settings need a restart; keep the running ones.
		next.Server = rt.cfg.Server
		next.Storage = rt.cfg.Storage
		rt.settings.ApplyConfig(ctx, next)
		_ = rt.logger.Info(logging.CategoryConfig, "config.reloaded", "config reloaded", map[string]any{"model": next.Model.Selected})
	})
	if err != nil {
		_ = rt.logger.Debug(logging.CategoryConfig, "config.watch_unavailable", err.Error(), nil)
		return func() {}
	}
	return func() { _ = watcher.Stop() }
}
