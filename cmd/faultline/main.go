package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/faultlinehq/faultline/internal/alerts"
	"github.com/faultlinehq/faultline/internal/api"
	"github.com/faultlinehq/faultline/internal/cache"
	"github.com/faultlinehq/faultline/internal/config"
	"github.com/faultlinehq/faultline/internal/engine"
	"github.com/faultlinehq/faultline/internal/ingest"
	"github.com/faultlinehq/faultline/internal/metrics"
	"github.com/faultlinehq/faultline/internal/models"
	"github.com/faultlinehq/faultline/internal/patterns"
	"github.com/faultlinehq/faultline/internal/services"
	"github.com/faultlinehq/faultline/internal/signature"
	"github.com/faultlinehq/faultline/internal/similarity"
	"github.com/faultlinehq/faultline/internal/store"
	"github.com/faultlinehq/faultline/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting faultline", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	st, err := openStore(cfg.Storage)
	if err != nil {
		logger.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}

	cacheProvider, err := openCache(cfg.Cache)
	if err != nil {
		logger.Error("failed to open cache", slog.Any("error", err))
		os.Exit(1)
	}
	defer cacheProvider.Close()

	model := similarity.NewModel()
	clusterEngine := engine.NewEngine(logger, st, signature.NewExtractor(), model, cfg.Clustering.SimilarityThreshold)
	detector := patterns.NewDetector(logger, st, patterns.Config{
		Window:               cfg.Detection.Window,
		SubIntervals:         cfg.Detection.SubIntervals,
		GrowthFactor:         cfg.Detection.GrowthFactor,
		NoiseFloor:           cfg.Detection.NoiseFloor,
		CyclicLags:           cfg.Detection.CyclicPeriods,
		AutocorrThreshold:    cfg.Detection.AutocorrThreshold,
		CorrelationWindow:    cfg.Detection.CorrelationWindow,
		CorrelationThreshold: cfg.Detection.CorrelationThreshold,
		JaccardThreshold:     cfg.Detection.JaccardThreshold,
	})
	evaluator := alerts.NewEvaluator(logger, st, cacheProvider, alerts.Config{
		MinOccurrences:      cfg.Alerts.MinOccurrences,
		MinOccurrencesByApp: occurrenceFloors(cfg.Applications),
		ConfidenceThreshold: cfg.Alerts.ConfidenceThreshold,
		DedupTTL:            cfg.Alerts.DedupTTL,
		Channels:            severityChannels(cfg.Alerts.Channels),
	})

	var notifier alerts.Notifier = alerts.NoopNotifier{}
	if cfg.Alerts.Enabled && len(cfg.Alerts.Webhooks) > 0 {
		notifier = alerts.NewWebhookNotifier(logger, cfg.Alerts.Webhooks, cfg.Alerts.WebhookTimeout)
	}

	source := ingest.NewClient(logger, cfg.Source.BaseURL, cfg.Source.QueryKey, cfg.Source.Timeout)
	analyzer := services.NewAnalyzer(logger, services.Options{
		Store:         st,
		Engine:        clusterEngine,
		Detector:      detector,
		Evaluator:     evaluator,
		Notifier:      notifier,
		Ingest:        ingest.NewService(logger, source),
		Applications:  applications(cfg.Applications),
		Lookback:      cfg.Source.Lookback,
		TrainLookback: cfg.Clustering.TrainLookback,
		AlertsEnabled: cfg.Alerts.Enabled,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Warm the similarity model from whatever history the store already has.
	if err := analyzer.Retrain(ctx); err != nil {
		logger.Warn("initial model training skipped", slog.Any("error", err))
	}

	scheduler := cron.New()
	schedule(logger, scheduler, cfg.Scheduler.AnalyzeSpec, "analyze", func(jobCtx context.Context) error {
		_, err := analyzer.RunAll(jobCtx)
		return err
	})
	schedule(logger, scheduler, cfg.Scheduler.RetrainSpec, "retrain", analyzer.Retrain)
	schedule(logger, scheduler, cfg.Scheduler.DigestSpec, "digest", func(jobCtx context.Context) error {
		digest, err := analyzer.Digest(jobCtx, time.Now().UTC().Add(-24*time.Hour))
		if err != nil {
			return err
		}
		logger.Info("daily digest",
			slog.Int("patterns", digest.TotalPatterns),
			slog.Int("applications", len(digest.Applications)))
		return notifier.NotifyDigest(jobCtx, digest, cfg.Alerts.DigestChannel)
	})
	scheduler.Start()
	defer scheduler.Stop()

	server := api.NewServer(cfg.Server, api.NewHandlers(logger, st, detector, analyzer))

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error("api server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), server.GracefulTimeout())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown", slog.Any("error", err))
	}

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	logger.Info("faultline stopped")
}

func openStore(cfg config.StorageConfig) (store.Store, error) {
	if cfg.Driver == "memory" {
		return store.NewMemoryStore(), nil
	}
	return store.OpenGorm(cfg.Driver, cfg.DSN)
}

func openCache(cfg config.CacheConfig) (cache.Provider, error) {
	if cfg.Driver == "valkey" {
		return cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:     cfg.Addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
			TLS:      cfg.TLS,
		})
	}
	return cache.NewMemoryProvider(), nil
}

func applications(apps []config.Application) []ingest.Application {
	out := make([]ingest.Application, 0, len(apps))
	for _, app := range apps {
		out = append(out, ingest.Application{
			Name:       app.Name,
			Repository: app.Repository,
			Team:       app.Team,
		})
	}
	return out
}

func occurrenceFloors(apps []config.Application) map[string]int {
	var floors map[string]int
	for _, app := range apps {
		if app.MinOccurrences > 0 {
			if floors == nil {
				floors = make(map[string]int)
			}
			floors[app.Name] = app.MinOccurrences
		}
	}
	return floors
}

func severityChannels(raw map[string]string) map[models.Severity]string {
	if len(raw) == 0 {
		return nil
	}
	channels := make(map[models.Severity]string, len(raw))
	for severity, channel := range raw {
		channels[models.Severity(severity)] = channel
	}
	return channels
}

func schedule(logger *slog.Logger, scheduler *cron.Cron, spec, name string, job func(context.Context) error) {
	if spec == "" {
		return
	}
	_, err := scheduler.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := job(ctx); err != nil {
			logger.Error("scheduled job failed", slog.String("job", name), slog.Any("error", err))
		}
	})
	if err != nil {
		logger.Error("invalid schedule", slog.String("job", name), slog.String("spec", spec), slog.Any("error", err))
	}
}
