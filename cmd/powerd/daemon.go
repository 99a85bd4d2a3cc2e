package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	godbus "github.com/godbus/dbus/v5"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/benaskins/powerd/internal/api"
	"github.com/benaskins/powerd/internal/audit"
	"github.com/benaskins/powerd/internal/authz"
	"github.com/benaskins/powerd/internal/config"
	"github.com/benaskins/powerd/internal/daemon"
	"github.com/benaskins/powerd/internal/dbus"
	"github.com/benaskins/powerd/internal/graphics"
	"github.com/benaskins/powerd/internal/hwprobe"
	"github.com/benaskins/powerd/internal/metrics"
	"github.com/benaskins/powerd/internal/profile"
	"github.com/benaskins/powerd/internal/state"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the powerd daemon",
	Long:  "Reconcile the graphics mode with the hardware, apply the power profile and serve requests until signalled.",
	RunE:  runDaemon,
}

var (
	configPath string
	logLevel   string
	logFormat  string
)

// hardwarePollInterval is how often the observer refreshes the cached
// hardware snapshot served to readers.
const hardwarePollInterval = 5 * time.Second

func init() {
	daemonCmd.Flags().StringVar(&configPath, "config", config.DefaultPath, "config file")
	daemonCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	daemonCmd.Flags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.AddCommand(daemonCmd)
}

func setupLogging() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(logFormat) {
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("--log-format: unknown format %q", logFormat)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if err := setupLogging(); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("powerd daemon starting", "config", configPath, "state_dir", cfg.StateDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	fsys := afero.NewOsFs()
	probe := hwprobe.New(fsys, hwprobe.WithPrimeDiscretePath(cfg.Graphics.PrimeDiscretePath))
	ctrl := graphics.New(
		state.NewStore(fsys, cfg.StateDir),
		probe,
		hwprobe.NewPCI(fsys, "/sys"),
		graphics.WithFS(fsys),
		graphics.WithPrimeDiscretePath(cfg.Graphics.PrimeDiscretePath),
		graphics.WithModprobePath(cfg.Graphics.ModprobePath),
		graphics.WithFallbackService(cfg.Graphics.FallbackService),
	)
	engine := profile.NewEngine(profile.NewSubsystems(fsys, "/sys", "/proc"))

	var bus *godbus.Conn
	if cfg.DBus.Enabled || cfg.Authorization.Backend == "polkit" {
		bus, err = godbus.ConnectSystemBus(godbus.WithSignalHandler(godbus.NewSequentialSignalHandler()))
		if err != nil {
			return fmt.Errorf("connecting to system bus: %w", err)
		}
		defer bus.Close()
	}

	var backend authz.Backend
	switch cfg.Authorization.Backend {
	case "polkit":
		backend = authz.NewPolkit(bus)
	case "static":
		backend = &authz.Static{AllowGroups: cfg.Authorization.AllowGroups, Interactive: cfg.Authorization.Interactive}
	}

	auditLog, err := audit.NewLogger(cfg.AuditLog)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	m := metrics.New()

	d := daemon.New(ctrl, engine, authz.New(backend),
		daemon.WithObserver(hwprobe.NewObserver(probe, hardwarePollInterval)),
		daemon.WithAudit(auditLog),
		daemon.WithMetrics(m),
		daemon.WithProfileDefinitions(fsys, cfg.ProfilesPath),
		daemon.WithAutoPower(cfg.Graphics.AutoPower),
		daemon.WithStuckAfter(cfg.Transaction.StuckAfter),
		daemon.WithBusyNotifyInterval(cfg.Transaction.BusyNotifyInterval),
	)
	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}
	defer d.Stop()

	errCh := make(chan error, 2)

	var srv *api.Server
	if cfg.SocketPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0755); err != nil {
			return fmt.Errorf("creating socket dir: %w", err)
		}
		srv = api.NewServer(d, ctx)
		go func() {
			errCh <- srv.ListenUnix(cfg.SocketPath, cfg.FileMode())
		}()
	}

	var busSvc *dbus.Service
	if cfg.DBus.Enabled {
		busSvc = dbus.New(d, bus, cfg.DBus.BusName)
		if err := busSvc.Start(ctx); err != nil {
			return err
		}
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", m.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	slog.Info("powerd daemon ready")

wait:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				slog.Info("reloading profile definitions")
				if err := d.ReloadProfiles(ctx); err != nil {
					slog.Error("profile reload failed", "error", err)
				}
				continue
			}
			slog.Info("received signal, shutting down", "signal", sig)
			break wait
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("server error", "error", err)
			}
			break wait
		}
	}

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if srv != nil {
		srv.Shutdown(shutdownCtx)
		os.Remove(cfg.SocketPath)
	}
	if busSvc != nil {
		if err := busSvc.Close(); err != nil {
			slog.Warn("closing bus service", "error", err)
		}
	}
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}

	slog.Info("powerd daemon stopped")
	return nil
}
