package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dnsgate/pkg/alert"
	"dnsgate/pkg/api"
	"dnsgate/pkg/blocklist"
	"dnsgate/pkg/config"
	"dnsgate/pkg/dns"
	"dnsgate/pkg/forwarder"
	"dnsgate/pkg/logging"
	"dnsgate/pkg/storage"
	"dnsgate/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const shutdownTimeout = 5 * time.Second

var subcommands = map[string]func(args []string) error{
	"import":        runImport,
	"hash-password": hashPassword,
}

func hashPassword(args []string) error {
	return runHashPassword(args, os.Stdout)
}

func main() {
	if len(os.Args) > 1 {
		if cmd, ok := subcommands[os.Args[1]]; ok {
			if err := cmd(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "%s failed: %v\n", os.Args[1], err)
				os.Exit(1)
			}
			return
		}
	}

	configPath := flag.String("config", "config.yml", "Path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "dnsgate: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Load configuration through the watcher so edits are picked up live
	bootstrap := logging.NewDefault()
	watcher, err := config.NewWatcher(configPath, bootstrap.Logger)
	if err != nil {
		return err
	}
	cfg := watcher.Config()

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Close() }()
	logging.SetGlobal(logger)

	logger.Info("dnsgate starting",
		"version", version,
		"build_time", buildTime,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger.Component("telemetry"))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	storeCfg := storageConfig(cfg.Storage)
	db, err := storage.New(&storeCfg, metrics)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close storage", "error", err)
		}
	}()

	store := blocklist.NewStore(logger.Component("blocklist"), db, metrics)
	block, allow, err := db.LoadDomains(ctx)
	if err != nil {
		return fmt.Errorf("failed to load domain sets: %w", err)
	}
	store.Load(ctx, block, allow)

	notifier, err := alert.New(cfg.Alerts, nil, logger.Component("alert"))
	if err != nil {
		return fmt.Errorf("failed to initialize alerts: %w", err)
	}
	defer notifier.Wait()

	health := forwarder.NewUpstreamHealth(upstreamNames(cfg.UpstreamDNSServers), notifier)

	feeds := blocklist.NewManager(cfg.Feeds, store, logger.Component("feeds"), &http.Client{Timeout: 60 * time.Second})

	queryLogger := dns.NewQueryLogger(db, logger.Component("querylog"), metrics, dns.DefaultLogBuffer, dns.DefaultLogWorkers)
	defer func() { _ = queryLogger.Close() }()

	server, err := dns.NewServer(cfg, dns.Options{
		Classifier: store,
		Sink:       queryLogger,
		Health:     health,
		Metrics:    metrics,
		Logger:     logger.Component("dns"),
	})
	if err != nil {
		return fmt.Errorf("failed to create DNS server: %w", err)
	}
	// Bind before anything else starts so a port conflict fails fast
	if err := server.Listen(); err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	apiServer := api.New(&api.Config{
		ListenAddress: cfg.Server.WebUIAddress,
		Storage:       db,
		Store:         store,
		Feeds:         feeds,
		Health:        health,
		Pending:       server.Forwarder(),
		Stream:        queryLogger,
		Auth:          cfg.API,
		Logger:        logger.Component("api"),
		Version:       version,
	})

	watcher.OnChange(func(old, updated *config.Config) {
		if config.EngineChanged(old, updated) {
			logger.Warn("DNS engine settings changed; restart required to apply them")
		}
		logger.SetLevel(updated.Logging.Level)
		feeds.UpdateConfig(updated.Feeds)
		if err := notifier.UpdateConfig(updated.Alerts); err != nil {
			logger.Error("Keeping previous alert settings", "error", err)
		}
		apiServer.UpdateAuth(updated.API)
	})

	feeds.Start(ctx)
	defer feeds.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx)
	})
	g.Go(func() error {
		return apiServer.Start(gctx)
	})
	g.Go(func() error {
		return watcher.Start(gctx)
	})
	g.Go(func() error {
		storage.RunRetention(gctx, db, time.Duration(cfg.Storage.LogRetentionDays)*24*time.Hour,
			storage.DefaultRetentionInterval, logger.Logger)
		return nil
	})

	logger.Info("dnsgate is running",
		"port", cfg.Server.DNSPort,
		"api", cfg.Server.WebUIAddress,
		"upstreams", server.Forwarder().Upstreams(),
	)

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Service failed", "error", err)
	} else {
		logger.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during telemetry shutdown", "error", err)
	}

	logger.Info("dnsgate stopped")
	return err
}

func storageConfig(c config.StorageConfig) storage.Config {
	return storage.Config{
		Enabled:       c.Enabled == nil || *c.Enabled,
		Path:          c.DatabasePath,
		BufferSize:    c.BufferSize,
		FlushInterval: c.FlushInterval,
		BatchSize:     c.BatchSize,
		BusyTimeout:   c.BusyTimeout,
		WALMode:       c.WALMode == nil || *c.WALMode,
	}
}

// upstreamNames returns the canonical addresses the forwarder reports health under
func upstreamNames(upstreams []string) []string {
	names := make([]string, 0, len(upstreams))
	for _, u := range upstreams {
		if ap, err := forwarder.ParseUpstream(u); err == nil {
			names = append(names, ap.String())
		}
	}
	return names
}
