package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mgrady/wayback-harvester/internal/clock/system"
	"github.com/mgrady/wayback-harvester/internal/config"
	"github.com/mgrady/wayback-harvester/internal/fetch"
	"github.com/mgrady/wayback-harvester/internal/harvest"
	"github.com/mgrady/wayback-harvester/internal/logging"
	"github.com/mgrady/wayback-harvester/internal/manifest"
	"github.com/mgrady/wayback-harvester/internal/progress"
	"github.com/mgrady/wayback-harvester/internal/progress/sinks"
	"github.com/mgrady/wayback-harvester/internal/queue"
	"github.com/mgrady/wayback-harvester/internal/store"
)

// newHarvestCmd creates and configures the 'harvest' subcommand, the
// main download loop.
func newHarvestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Runs the download loop until the manifest is exhausted",
		Long: `Loads the snapshot manifest, opens (or resumes) the work queue in the
output directory and fetches every remaining page with a fixed worker
pool. Safe to interrupt and re-run; completed ids are never fetched
twice.`,
		RunE: runHarvestCommand,
	}

	cmd.Flags().String("source", "", "local manifest file (tsv, optionally gzipped)")
	cmd.Flags().String("catalog-url", "", "manifest URL, fetched when --source is empty")
	cmd.Flags().String("path", "", "output directory for shards and queue state")
	cmd.Flags().Int("parallel", 0, "worker pool size")
	cmd.Flags().Int("backoff-threshold", 0, "consecutive failures before backing off")
	cmd.Flags().Int("backoff-seconds", 0, "backoff sleep in seconds")

	return cmd
}

func runHarvestCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	applyHarvestFlags(cmd, &cfg)

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	if cfg.Harvest.Source == "" && cfg.Harvest.CatalogURL == "" {
		return errors.New("either harvest.source or harvest.catalog_url must be set")
	}

	ctx := cmd.Context()

	entries, err := manifest.Load(ctx, cfg.Harvest.Source, cfg.Harvest.CatalogURL)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	logger.Info("manifest loaded", zap.Int("entries", len(entries)))

	q, err := queue.Open(cfg.Harvest.Path, entries)
	if err != nil {
		if errors.Is(err, queue.ErrLocked) {
			return fmt.Errorf("another harvester is already running against %s", cfg.Harvest.Path)
		}
		return fmt.Errorf("open queue: %w", err)
	}
	defer func() {
		if cerr := q.Close(); cerr != nil {
			logger.Warn("queue close", zap.Error(cerr))
		}
	}()

	writer, err := store.NewWriter(cfg.Harvest.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	reg := prometheus.NewRegistry()
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	hub := progress.NewHub(
		progress.Config{Logger: logger},
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := hub.Close(closeCtx); cerr != nil {
			logger.Warn("progress hub close", zap.Error(cerr))
		}
	}()

	if cfg.Metrics.Enabled {
		startMetricsServer(cfg.Metrics.Port, reg, logger)
	}

	workerCfg := fetch.Config{
		Timeout:   cfg.Timeout(),
		UserAgent: cfg.HTTP.UserAgent,
	}
	driver := harvest.New(
		q,
		func() harvest.Processor { return fetch.NewWorker(workerCfg, writer, logger) },
		hub,
		system.New(),
		logger,
		harvest.Config{
			Parallel:         cfg.Harvest.Parallel,
			BackoffThreshold: cfg.Harvest.BackoffThreshold,
			BackoffDuration:  cfg.BackoffDuration(),
		},
	)

	if err := driver.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("interrupted; progress is saved, re-run to resume")
			return nil
		}
		return fmt.Errorf("harvest: %w", err)
	}

	counts := q.Counts()
	logger.Info("harvest complete",
		zap.Int("done", counts.Done),
		zap.Int("notfound", counts.NotFound),
	)
	return nil
}

// applyHarvestFlags lets explicit flags override file and environment
// configuration.
func applyHarvestFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("source") {
		cfg.Harvest.Source, _ = f.GetString("source")
	}
	if f.Changed("catalog-url") {
		cfg.Harvest.CatalogURL, _ = f.GetString("catalog-url")
	}
	if f.Changed("path") {
		cfg.Harvest.Path, _ = f.GetString("path")
	}
	if f.Changed("parallel") {
		cfg.Harvest.Parallel, _ = f.GetInt("parallel")
	}
	if f.Changed("backoff-threshold") {
		cfg.Harvest.BackoffThreshold, _ = f.GetInt("backoff-threshold")
	}
	if f.Changed("backoff-seconds") {
		cfg.Harvest.BackoffSeconds, _ = f.GetInt("backoff-seconds")
	}
}

func startMetricsServer(port int, reg *prometheus.Registry, logger *zap.Logger) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listener up", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics listener failed", zap.Error(err))
		}
	}()
}
