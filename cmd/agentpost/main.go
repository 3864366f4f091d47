package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/agentpost/internal/archive"
	"github.com/basket/agentpost/internal/audit"
	"github.com/basket/agentpost/internal/bus"
	"github.com/basket/agentpost/internal/config"
	"github.com/basket/agentpost/internal/history"
	"github.com/basket/agentpost/internal/mailbox"
	otelPkg "github.com/basket/agentpost/internal/otel"
	"github.com/basket/agentpost/internal/router"
	"github.com/basket/agentpost/internal/scheduler"
	"github.com/basket/agentpost/internal/state"
	"github.com/basket/agentpost/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

const shutdownGrace = 5 * time.Second

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the message daemon in the foreground

SUBCOMMANDS:
  %s status                   Show pending messages and active tasks
  %s doctor [-json]           Run diagnostic checks against the runtime dir

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AGENTPOST_HOME          Runtime directory (default: ~/.agentpost)
  AGENTPOST_LOG_LEVEL     Override the configured log level
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(runDaemon(ctx, *quiet))
}

func runDaemon(ctx context.Context, quiet bool) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, logLevel, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if !quiet && isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf("agentpost %s (home %s)\n", Version, cfg.HomeDir)
	}

	provider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Error("otel shutdown failed", "error", err)
		}
	}()
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	mb, err := mailbox.New(filepath.Join(cfg.HomeDir, "mailbox.json"), mailbox.WithLogger(logger))
	if err != nil {
		fatalStartup(logger, "E_MAILBOX_INIT", err)
	}
	hist, err := history.New(filepath.Join(cfg.HomeDir, "history.json"),
		history.WithMaxEntries(cfg.Mailbox.HistoryMaxEntries),
		history.WithLogger(logger))
	if err != nil {
		fatalStartup(logger, "E_HISTORY_INIT", err)
	}

	arch, err := archive.Open(filepath.Join(cfg.HomeDir, "archive.db"))
	if err != nil {
		fatalStartup(logger, "E_ARCHIVE_INIT", err)
	}
	defer arch.Close()

	b, err := bus.New(bus.Config{
		Mailbox:    mb,
		History:    hist,
		Router:     router.New(logger),
		Logger:     logger,
		Metrics:    metrics,
		Acks:       arch,
		BufferSize: cfg.Mailbox.SubscriberBuffer,
	})
	if err != nil {
		fatalStartup(logger, "E_BUS_INIT", err)
	}

	stateMgr, err := state.NewManager(filepath.Join(cfg.HomeDir, "state"), logger)
	if err != nil {
		fatalStartup(logger, "E_STATE_INIT", err)
	}

	sched := scheduler.New(scheduler.Config{
		Bus:      b,
		Logger:   logger,
		Metrics:  metrics,
		Interval: cfg.SchedulerInterval(),
	})
	for _, spec := range cfg.Scheduler.Recurring {
		if err := sched.AddRecurring(spec); err != nil {
			logger.Error("recurring schedule rejected", "name", spec.Name, "error", err)
		}
	}
	captain := scheduler.NewCaptain(sched, b, arch, stateMgr, logger)
	defer captain.Close()

	sched.Start(ctx)
	defer sched.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go reloadLoop(ctx, watcher, cfg.HomeDir, sched, logLevel, logger)
	}

	logger.Info("daemon ready", "pending_messages", mb.Pending(), "history_entries", hist.Len())

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := b.Close(shutdownCtx); err != nil {
		logger.Error("bus close failed", "error", err)
		return 1
	}
	return 0
}

// reloadLoop applies config edits while the daemon runs. The log level
// and recurring schedule set are hot-swapped; structural settings
// (buffer sizes, telemetry) take effect on restart.
func reloadLoop(ctx context.Context, w *config.Watcher, homeDir string, sched *scheduler.Scheduler, logLevel *slog.LevelVar, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.Events():
			if !ok {
				return
			}
			cfg, err := config.LoadFrom(homeDir)
			if err != nil {
				logger.Error("config reload failed, keeping previous settings", "error", err)
				continue
			}
			logLevel.Set(telemetry.ParseLevel(cfg.LogLevel))
			sched.ReplaceRecurring(cfg.Scheduler.Recurring)
			logger.Info("config reloaded", "fingerprint", cfg.Fingerprint(),
				"log_level", cfg.LogLevel, "recurring", len(cfg.Scheduler.Recurring))
		}
	}
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
	os.Exit(1)
}
