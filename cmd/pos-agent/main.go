// Command pos-agent captures receipt-printer traffic, buffers it durably,
// and syncs it to the RetailStack backend. It is designed to run unattended
// on store hardware and survive crashes, power cuts, and long offline
// stretches without losing a committed transaction.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	gosync "sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/retailstack/pos-agent/pkg/api"
	"github.com/retailstack/pos-agent/pkg/capture"
	"github.com/retailstack/pos-agent/pkg/config"
	"github.com/retailstack/pos-agent/pkg/gap"
	"github.com/retailstack/pos-agent/pkg/observability"
	"github.com/retailstack/pos-agent/pkg/protocol"
	"github.com/retailstack/pos-agent/pkg/recovery"
	"github.com/retailstack/pos-agent/pkg/store"
	"github.com/retailstack/pos-agent/pkg/sync"
)

func main() {
	if err := run(); err != nil {
		slog.Error("agent failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "retailstack-pos-agent",
		ServiceVersion: "1.0.0",
		Environment:    "store",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTelEnabled,
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = db.Close() }()

	detector := gap.NewDetector(db)

	coordinator := recovery.NewCoordinator(db, detector)
	if _, err := coordinator.Run(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	backend, err := sync.NewClient(sync.ClientConfig{
		BaseURL:    cfg.APIBaseURL,
		APIKey:     cfg.APIKey,
		AuthSecret: cfg.AuthSecret,
		AgentID:    cfg.AgentID,
	})
	if err != nil {
		return fmt.Errorf("init sync client: %w", err)
	}

	engine := sync.NewEngine(db, backend, sync.EngineConfig{
		PollInterval: cfg.SyncPollInterval,
		MaxAttempts:  cfg.SyncMaxAttempts,
		BackoffBase:  cfg.SyncBackoffBase,
		BackoffCap:   cfg.SyncBackoffCap,
	}, sync.WithHooks(sync.Hooks{
		OnOutcome: func(printerID string, o sync.Outcome) {
			obs.RecordSync(ctx, printerID, o.Class.String(), 0)
			if o.Class == sync.ClassAccepted {
				_ = coordinator.MarkSyncProgress(ctx)
			}
		},
	}))

	interceptors, err := buildInterceptors(cfg, db, detector, obs, engine.TriggerNow)
	if err != nil {
		return err
	}

	statusAPI := api.NewServer(db, interceptorStatuses(interceptors), engine.TriggerNow)
	statusAPI.SetBackendCheck(backend.Ping)
	statusSrv := &http.Server{
		Addr:              cfg.StatusAddr,
		Handler:           statusAPI,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg gosync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Run(ctx)
	}()
	for _, ic := range interceptors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ic.Run(ctx); err != nil {
				slog.Error("capture loop exited", "printer_id", ic.PrinterID(), "error", err)
			}
		}()
	}
	go func() {
		slog.Info("status API listening", "addr", cfg.StatusAddr)
		if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("status API failed", "error", err)
		}
	}()

	slog.Info("agent started",
		"agent_id", cfg.AgentID, "printers", len(interceptors), "db", cfg.DBPath)

	<-ctx.Done()
	slog.Info("shutting down")
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = statusSrv.Shutdown(shutdownCtx)
	if err := coordinator.MarkShutdown(shutdownCtx); err != nil {
		slog.Error("persist shutdown marker", "error", err)
	}
	_ = obs.Shutdown(shutdownCtx)
	slog.Info("agent stopped")
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
	})))
}

func buildInterceptors(cfg *config.Config, db *store.SQLiteStore, detector *gap.Detector,
	obs *observability.Provider, syncNow func()) ([]*capture.Interceptor, error) {

	fleet := cfg.SinglePrinter()
	if cfg.PrintersFile != "" {
		loaded, err := config.LoadPrinters(cfg.PrintersFile)
		if err != nil {
			return nil, err
		}
		fleet = loaded
	}

	var interceptors []*capture.Interceptor
	for _, p := range fleet.Printers {
		dialect, err := protocol.DialectByName(p.Dialect)
		if err != nil {
			return nil, fmt.Errorf("printer %s: %w", p.ID, err)
		}

		var transport capture.Transport
		switch p.Transport {
		case "tcp":
			transport, err = capture.NewTCPTransport(p.Listen, p.IdleTimeout)
			if err != nil {
				return nil, fmt.Errorf("printer %s: %w", p.ID, err)
			}
		case "serial":
			transport = capture.NewSerialTransport(p.Device, p.Baud)
		case "stdin":
			transport = capture.NewStdinTransport()
		default:
			return nil, fmt.Errorf("printer %s: unknown transport %q", p.ID, p.Transport)
		}

		printerID := p.ID
		interceptors = append(interceptors, capture.NewInterceptor(capture.InterceptorConfig{
			PrinterID: printerID,
			Transport: transport,
			Dialect:   dialect,
			OnCaptured: func() {
				obs.RecordCaptured(context.Background(), printerID)
				syncNow()
			},
		}, db, detector))
	}
	return interceptors, nil
}

// interceptorStatuses adapts a fixed interceptor set to the status API.
type interceptorStatuses []*capture.Interceptor

func (s interceptorStatuses) Statuses() []capture.Status {
	out := make([]capture.Status, 0, len(s))
	for _, ic := range s {
		out = append(out, ic.Status())
	}
	return out
}
