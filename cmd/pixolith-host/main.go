// Pixolith extension host: supervises the image repository server's
// installed extensions: manifests, credentials, subprocesses, sockets,
// throttling, and capability dispatch.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvidlabs/pixolith/pkg/audit"
	"github.com/corvidlabs/pixolith/pkg/bus"
	"github.com/corvidlabs/pixolith/pkg/config"
	"github.com/corvidlabs/pixolith/pkg/credentials"
	"github.com/corvidlabs/pixolith/pkg/gateway"
	"github.com/corvidlabs/pixolith/pkg/health"
	"github.com/corvidlabs/pixolith/pkg/observability"
	"github.com/corvidlabs/pixolith/pkg/orchestrator"
	"github.com/corvidlabs/pixolith/pkg/registry"
	"github.com/corvidlabs/pixolith/pkg/store"
	"github.com/corvidlabs/pixolith/pkg/supervisor"
)

var (
	version   = "dev"
	gitCommit string
)

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func newLogger(cfg *config.Config) *slog.Logger {
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pixolith-host",
		Short: "Pixolith extension host for the image repository server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the extension host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			fmt.Printf("listen addr:        %s\n", cfg.ListenAddr)
			fmt.Printf("extensions dir:     %s\n", cfg.InstalledExtensionsDir)
			fmt.Printf("builtin dir:        %s\n", cfg.BuiltInExtensionsDir)
			fmt.Printf("models cache dir:   %s\n", cfg.ModelsCacheDir)
			fmt.Printf("registry db:        %s\n", cfg.RegistryDBPath)
			fmt.Printf("web base url:       %s\n", cfg.WebServicesBaseURL)
			fmt.Printf("max archive bytes:  %d\n", cfg.MaxArchiveBytes)
			fmt.Printf("requires api key:   %v\n", cfg.RequiresAPIKey)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pixolith-host %s\n", formatVersion())
			fmt.Printf("  Go: %s\n", runtime.Version())
		},
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sqlStore, err := registry.NewSQLiteStore(cfg.RegistryDBPath)
	if err != nil {
		return fmt.Errorf("open registry store: %w", err)
	}
	defer sqlStore.Close()

	reg, err := registry.New(registry.Config{
		Store:                  sqlStore,
		InstalledExtensionsDir: cfg.InstalledExtensionsDir,
		BuiltInExtensionsDir:   cfg.BuiltInExtensionsDir,
		ModelsCacheDir:         cfg.ModelsCacheDir,
		MaxArchiveBytes:        cfg.MaxArchiveBytes,
	})
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	auditLogger := audit.NewLogger(audit.NewFileStore(cfg.AuditDir), "host")
	creds := credentials.New(nil, nil, auditLogger)
	if master := os.Getenv("PIXOLITH_MASTER_KEY"); master != "" {
		creds.SetMasterKey(master)
	} else if cfg.RequiresAPIKey {
		logger.Warn("PIXOLITH_MASTER_KEY is not set; no master client can connect")
	}

	b := bus.New()
	defer b.Close()

	metrics := observability.NewHostMetrics()
	tracer := observability.NewTracer(0, logger)
	history := observability.NewDispatchHistory(0)

	sup := supervisor.New(supervisor.Config{
		StopGracePeriod:        cfg.StopGracePeriod,
		MaxConsecutiveRestarts: cfg.MaxConsecutiveRestarts,
		RestartDecayAfter:      cfg.RestartDecayAfter,
		Metrics:                metrics,
	}, reg, b, nil, nil, logger)
	go sup.Run()
	defer sup.Close()

	gw := gateway.New(gateway.Config{Metrics: metrics}, b, creds, reg, nil, logger)

	orch := orchestrator.New(orchestrator.Config{
		WebServicesBaseURL: cfg.WebServicesBaseURL,
		Metrics:            metrics,
		Tracer:             tracer,
		History:            history,
	}, reg, creds, b, sup, store.DataStores{}, nil, auditLogger, nil, logger)

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	healthHost, healthPort := splitHostPort(cfg.HealthAddr)
	healthSrv := health.NewServer(healthHost, healthPort)
	healthSrv.RegisterCheck("master-socket", func() (bool, string) {
		if gw.HasMaster() {
			return true, "connected"
		}
		return true, "no master client yet"
	})
	healthSrv.SetReady(true)
	go func() {
		if err := healthSrv.Start(ctx); err != nil {
			logger.Error("health server stopped", "error", err)
		}
	}()

	started := time.Now()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.Uptime.Set(int64(time.Since(started).Seconds()))
				metrics.GoroutineCount.Set(int64(runtime.NumGoroutine()))
			}
		}
	}()

	if cfg.MetricsEnabled {
		go func() {
			mux := http.NewServeMux()
			mux.HandleFunc("/metrics", observability.MetricsHandler(metrics.Registry))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Serve(ctx, cfg.ListenAddr)
	}()

	logger.Info("extension host running",
		"addr", cfg.ListenAddr,
		"extensions", len(reg.All()),
		"version", formatVersion(),
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("gateway failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := orch.Stop(shutdownCtx); err != nil {
		logger.Warn("supervisor stop", "error", err)
	}
	gw.Close(shutdownCtx)
	healthSrv.Stop(shutdownCtx)
	logger.Info("extension host stopped")
	return nil
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "127.0.0.1", 7445
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 7445
	}
	return host, port
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
