package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openclaw/sentinel/internal/config"
	"github.com/openclaw/sentinel/internal/dedupe"
	"github.com/openclaw/sentinel/internal/defender"
	"github.com/openclaw/sentinel/internal/executor"
	"github.com/openclaw/sentinel/internal/pipeline"
	"github.com/openclaw/sentinel/internal/quarantine"
	"github.com/openclaw/sentinel/internal/scheduler"
	"github.com/openclaw/sentinel/internal/server"
	"github.com/openclaw/sentinel/internal/trigger"
)

var serveBind string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sentinel server with ingestion, cron triggers, and the operator API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveBind, "bind", "", "listen address (overrides server_bind config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	basePolicy, err := defender.PolicyFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("compiling base policy: %w", err)
	}
	policies := defender.NewStore(basePolicy)

	var bundleLoader *defender.BundleLoader
	if cfg.PolicyBundlePath != "" {
		bundleLoader = defender.NewBundleLoader(cfg)
		if pol, err := bundleLoader.Load(cfg.PolicyBundlePath); err != nil {
			// Keep serving on the base policy rather than refuse to start.
			log.Error().Err(err).Str("path", cfg.PolicyBundlePath).Msg("policy bundle rejected at startup")
		} else {
			policies.Replace(pol)
		}
	}

	integrity := defender.NewIntegrityMonitor(cfg.ProtectPaths)
	reputation := defender.NewReputationClient(
		cfg.ReputationBaseURL,
		cfg.ReputationAPIKey,
		time.Duration(cfg.ReputationTimeoutMS)*time.Millisecond,
	)
	engine := defender.NewEngine(policies, integrity, reputation)

	ledger, err := quarantine.NewStore(cfg.QuarantineDBPath(), cfg.SigningKey)
	if err != nil {
		return fmt.Errorf("initializing quarantine ledger: %w", err)
	}
	defer ledger.Close()

	sessionStore, err := scheduler.NewStore(cfg.SessionDBPath())
	if err != nil {
		return fmt.Errorf("initializing session store: %w", err)
	}
	defer sessionStore.Close()

	sched := scheduler.New(scheduler.Options{
		QueueMode:        scheduler.QueueMode(cfg.SessionQueueMode),
		ActivationMode:   scheduler.ActivationMode(cfg.GroupActivationMode),
		QueueCapacity:    cfg.SessionQueueCap,
		ToolHistoryLimit: cfg.LoopDetection.HistorySize,
		ControlPrefixes:  cfg.ControlCommandPrefixes,
		Store:            sessionStore,
	})

	exec := executor.New(cfg.WorkerConcurrency, cfg.MaxQueue, time.Duration(cfg.EvalTimeoutMS)*time.Millisecond)
	cache := dedupe.NewCache(time.Duration(cfg.IdempotencyTTLSecs)*time.Second, cfg.IdempotencyMaxEntries)
	pipe := pipeline.New(ctx, sched, exec, engine, cache, ledger)

	cron := trigger.NewScheduler(pipe)
	if err := cron.RegisterJobs(cfg.Cron); err != nil {
		return fmt.Errorf("registering cron jobs: %w", err)
	}
	cron.Start()
	defer cron.Stop()

	if cfg.APIKey == "" {
		log.Warn().Msg("SENTINEL_API_KEY not set; the operator API is unauthenticated")
	}

	opts := []server.Option{
		server.WithLedger(ledger),
		server.WithRateLimiter(server.NewRateLimiter(cfg.GlobalRPM, cfg.PerChannelRPM)),
		server.WithAPIKey(cfg.APIKey),
		server.WithVersion(resolvedVersion()),
	}
	if bundleLoader != nil {
		opts = append(opts, server.WithBundleReload(bundleLoader, cfg.PolicyBundlePath))
	}
	srv := server.NewServer(pipe, sched, policies, opts...)

	addr := cfg.ServerBind
	if serveBind != "" {
		addr = serveBind
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Int("cron_entries", cron.Entries()).
		Int("workers", cfg.WorkerConcurrency).
		Bool("audit_only", cfg.AuditOnly).
		Msg("sentinel_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
