package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sentrix-io/sentrix/internal/config"
	"github.com/sentrix-io/sentrix/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// shutdownTimeout bounds graceful shutdown after a signal or a drain.
const shutdownTimeout = 30 * time.Second

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Printf("sentrixd version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "server":
		runServer(os.Args[2:])
	case "worker":
		runWorker(os.Args[2:])
	case "restore":
		runRestore(os.Args[2:])
	case "version":
		fmt.Printf("sentrixd version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: sentrixd <command> [options]

Commands:
  server      Start the owner process (metrics registry, estimator, workers)
  worker      Start a classification API worker (spawned by server)
  restore     Print the metric rows a server would restore on start
  version     Print version information

Run 'sentrixd <command> --help' for more information on a command.`)
}

// loadConfig reads path, or the default location when path is empty.
func loadConfig(path string) *config.Config {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFromPath(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func newLogger(cfg *config.Config) *logging.Logger {
	logger := logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	return logger.With(map[string]any{"deployId": cfg.DeployID})
}

// process is a long-running role. Start blocks until ctx is cancelled, the
// process asks to stop (a drain), or a component fails.
type process interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// run starts p and shuts it down on SIGINT, SIGTERM, or when Start returns.
func run(name string, p process, logger *logging.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Start(ctx)
	}()

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Infof("received shutdown signal", map[string]any{"signal": sig.String()})
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf(name+" error", map[string]any{"error": err.Error()})
			exitCode = 1
		}
	}
	cancel()

	logger.Info("initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := p.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
		exitCode = 1
	}
	_ = logger.Sync()

	logger.Infof(name+" shutdown complete", nil)
	os.Exit(exitCode)
}

func runServer(args []string) {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	workers := fs.Int("workers", -1, "Override worker process count (0 serves the API in-process)")
	sitePort := fs.Int("port", 0, "Override the public API port")
	metricsPort := fs.Int("metrics-port", -1, "Override the health and metrics port")

	fs.Usage = func() {
		fmt.Println(`Usage: sentrixd server [options]

Start the owner process. It owns the metric registry, relays worker metric
updates into it, runs the backlog estimator and spawns the API workers.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	if *workers >= 0 {
		cfg.Workers.Count = *workers
	}
	if *sitePort > 0 {
		cfg.Site.Port = *sitePort
	}
	if *metricsPort >= 0 {
		cfg.Metrics.Port = *metricsPort
	}

	logger := newLogger(cfg).With(map[string]any{"role": "server"})

	owner := NewOwner(OwnerOptions{
		Config:     cfg,
		Logger:     logger,
		Version:    version,
		ConfigPath: *configPath,
	})
	run("server", owner, logger)
}

func runWorker(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	workerID := fs.String("id", "", "Worker identifier used in metric labels (default: pid)")
	sitePort := fs.Int("port", 0, "Override the public API port")

	fs.Usage = func() {
		fmt.Println(`Usage: sentrixd worker [options]

Serve the classification API. Metric updates are relayed to the server.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	if *sitePort > 0 {
		cfg.Site.Port = *sitePort
	}
	id := *workerID
	if id == "" {
		id = fmt.Sprintf("pid-%d", os.Getpid())
	}

	logger := newLogger(cfg).With(map[string]any{"role": "worker", "worker": id})

	worker := NewWorker(WorkerOptions{
		Config:  cfg,
		Logger:  logger,
		ID:      id,
		Version: version,
	})
	run("worker", worker, logger)
}
