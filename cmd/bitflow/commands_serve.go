package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/bitflow/internal/automation"
	"github.com/haasonsaas/bitflow/internal/backoff"
	"github.com/haasonsaas/bitflow/internal/config"
	"github.com/haasonsaas/bitflow/internal/feishu"
	"github.com/haasonsaas/bitflow/internal/observability"
	"github.com/haasonsaas/bitflow/internal/store"
	"github.com/haasonsaas/bitflow/internal/tools"
)

// buildServeCmd creates the "serve" command. The ROLE environment variable
// selects between the MCP tool server and the automation worker.
func buildServeCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tool server or automation worker",
		Long: `Start the HTTP surface selected by ROLE.

ROLE=mcp_server exposes the tool registry: list, call, health, metrics.
ROLE=automation_worker exposes the change-event intake plus the scan,
schema-refresh and delay-task management endpoints, and runs the
background processors.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Tool server
  ROLE=mcp_server bitflow serve

  # Automation worker with debug logging
  ROLE=automation_worker bitflow serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

func runServe(ctx context.Context, debug bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, metricsHandler := observability.NewMetrics()

	var clientOpts []feishu.Option
	if cfg.Feishu.Domain != "" {
		clientOpts = append(clientOpts, feishu.WithDomain(cfg.Feishu.Domain))
	}
	client := feishu.NewClient(cfg.Feishu.AppID, cfg.Feishu.AppSecret, clientOpts...)

	var handler http.Handler
	switch cfg.Role {
	case config.RoleMCPServer:
		handler, err = buildToolServer(cfg, client, logger, metrics, metricsHandler)
	case config.RoleAutomationWorker:
		var closeStores func()
		handler, closeStores, err = buildAutomationWorker(ctx, cfg, client, logger, metrics, metricsHandler)
		if closeStores != nil {
			defer closeStores()
		}
	}
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	return serveHTTP(ctx, addr, handler, logger)
}

// buildToolServer wires the MCP tool registry.
func buildToolServer(cfg *config.Config, client *feishu.Client, logger *slog.Logger,
	metrics *observability.Metrics, metricsHandler http.Handler) (http.Handler, error) {

	registry := tools.NewRegistry()

	bitable := tools.NewBitable(client, tools.BitableDefaults{
		AppToken: cfg.Bitable.DefaultAppToken,
		TableID:  cfg.Bitable.DefaultTableID,
		ViewID:   cfg.Bitable.DefaultViewID,
	}, logger)
	for _, t := range bitable.Tools() {
		if err := registry.Register(t); err != nil {
			return nil, fmt.Errorf("register tool: %w", err)
		}
	}
	if err := registry.Register(tools.NewDocSearch(client, cfg.Bitable.Domain)); err != nil {
		return nil, fmt.Errorf("register tool: %w", err)
	}

	srv := tools.NewServer(registry, logger, metrics, metricsHandler)
	return srv.Handler(), nil
}

// buildAutomationWorker wires the rule engine, its compensation loops and the
// management HTTP surface.
func buildAutomationWorker(ctx context.Context, cfg *config.Config, client *feishu.Client,
	logger *slog.Logger, metrics *observability.Metrics, metricsHandler http.Handler) (http.Handler, func(), error) {

	var (
		stores      store.Stores
		closeStores func()
	)
	if cfg.Automation.StorageDir != "" {
		db, err := store.Open(filepath.Join(cfg.Automation.StorageDir, "automation.db"),
			store.WithDBTTLs(cfg.Automation.EventTTL, cfg.Automation.BusinessTTL),
			store.WithDBMaxKeys(cfg.Automation.MaxDedupe))
		if err != nil {
			return nil, nil, fmt.Errorf("open automation store: %w", err)
		}
		stores = db.Stores()
		closeStores = func() { _ = db.Close() }
	} else {
		logger.Warn("no storage dir configured, automation state is in-memory only")
		stores = store.NewMemoryStores()
	}

	var registry *automation.Registry
	if cfg.Automation.Enabled {
		var err error
		registry, err = automation.NewRegistry(cfg.Automation.RulesFile, logger)
		if err != nil {
			if closeStores != nil {
				closeStores()
			}
			return nil, nil, fmt.Errorf("load rules: %w", err)
		}
		go func() {
			if err := registry.Watch(ctx); err != nil {
				logger.Error("rules watcher stopped", "error", err)
			}
		}()
	} else {
		logger.Warn("automation disabled, event intake and pipelines are off")
		registry = automation.NewRegistryFromRules(nil, logger)
	}

	upstream := automation.NewUpstream(client, "")

	retryPolicy := backoff.DefaultPolicy()
	if cfg.Automation.ActionRetryDelaySeconds > 0 {
		retryPolicy.Initial = time.Duration(cfg.Automation.ActionRetryDelaySeconds * float64(time.Second))
	}
	executor := automation.NewExecutor(upstream, stores.DeadLetters, stores.DelayTasks,
		automation.ExecutorConfig{
			MaxRetries:         cfg.Automation.ActionMaxRetries,
			RetryPolicy:        retryPolicy,
			AllowedDomains:     cfg.Automation.HTTPAllowedDomains,
			HTTPTimeout:        cfg.Automation.HTTPTimeout,
			StatusWriteEnabled: cfg.Automation.StatusWriteEnabled,
			StatusField:        cfg.Automation.StatusField,
			ErrorField:         cfg.Automation.ErrorField,
		}, logger, metrics)

	processor := automation.NewProcessor(registry, upstream, executor, stores,
		automation.ProcessorConfig{
			TriggerOnNewRecordEvent:              cfg.Automation.TriggerOnNewRecordEvent,
			TriggerOnNewRecordScan:               cfg.Automation.TriggerOnNewRecordScan,
			TriggerOnNewRecordScanNeedCheckpoint: cfg.Automation.TriggerOnNewRecordScanNeedCheckpoint,
		}, logger, metrics)
	if cfg.Automation.Enabled {
		processor.Start(ctx)
	}

	syncer := automation.NewSyncer(processor, registry, upstream, stores,
		automation.SyncConfig{
			PageSize:           cfg.Automation.ScanPageSize,
			MaxPages:           cfg.Automation.MaxScanPages,
			DeletionsEnabled:   cfg.Automation.SyncDeletionsEnabled,
			DeletionsMaxPerRun: cfg.Automation.SyncDeletionsMaxPerRun,
		}, logger)

	notifier := automation.NewRiskNotifier(automation.NotifierConfig{
		Enabled: cfg.Automation.SchemaWebhookURL != "",
		URL:     cfg.Automation.SchemaWebhookURL,
		Secret:  cfg.Automation.SchemaWebhookSecret,
		Timeout: cfg.Automation.SchemaWebhookTimeout,
		Drill:   cfg.Automation.SchemaWebhookDrill,
	}, nil, logger)

	watcher := automation.NewWatcher(upstream, registry, stores.Runtime, stores.RunLog, notifier, logger)

	scheduler := automation.NewScheduler(stores.DelayTasks, upstream, executor, logger)
	if cfg.Automation.Enabled {
		go scheduler.Run(ctx)
	}

	dispatcher := automation.NewDispatcher(processor, registry, watcher, stores.Idempotency,
		automation.DispatcherConfig{
			VerificationToken:     cfg.Feishu.VerificationToken,
			EncryptKey:            cfg.Feishu.EncryptKey,
			WebhookEnabled:        cfg.Automation.WebhookAPIKey != "" || cfg.Automation.WebhookSignatureSecret != "",
			WebhookAPIKey:         cfg.Automation.WebhookAPIKey,
			WebhookSecret:         cfg.Automation.WebhookSignatureSecret,
			WebhookTolerance:      cfg.Automation.WebhookTimestampWindow,
			SchemaSyncEventDriven: cfg.Automation.SchemaSyncEventDriven,
			DefaultAppToken:       cfg.Bitable.DefaultAppToken,
			DefaultTableID:        cfg.Bitable.DefaultTableID,
		}, logger, metrics)

	if cfg.Automation.Enabled && cfg.Automation.PollerEnabled {
		schemaInterval := time.Duration(0)
		if cfg.Automation.SchemaSyncEnabled {
			schemaInterval = cfg.Automation.SchemaSyncInterval
		}
		poller := automation.NewPoller(syncer, watcher, registry, automation.PollerConfig{
			ScanSpec:           cfg.Automation.PollerSchedule,
			SchemaSyncInterval: schemaInterval,
			DefaultAppToken:    cfg.Bitable.DefaultAppToken,
		}, logger)
		if err := poller.Start(ctx); err != nil {
			if closeStores != nil {
				closeStores()
			}
			return nil, nil, fmt.Errorf("start poller: %w", err)
		}
	}

	srv := automation.NewServer(dispatcher, syncer, watcher, scheduler, client.AuthHealth, logger, metricsHandler,
		automation.WithServerDisabled(!cfg.Automation.Enabled))
	return srv, closeStores, nil
}

// serveHTTP runs the HTTP server until ctx is cancelled, then drains.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
