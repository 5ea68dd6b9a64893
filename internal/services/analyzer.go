// Package services orchestrates the analysis pipeline: fetch errors from the
// source, cluster them, detect patterns, decide alerts, and dispatch. One
// pass handles one application; RunAll fans passes out across applications.
package services

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/faultlinehq/faultline/internal/alerts"
	"github.com/faultlinehq/faultline/internal/engine"
	"github.com/faultlinehq/faultline/internal/ingest"
	"github.com/faultlinehq/faultline/internal/metrics"
	"github.com/faultlinehq/faultline/internal/models"
	"github.com/faultlinehq/faultline/internal/patterns"
	"github.com/faultlinehq/faultline/internal/store"
	"github.com/faultlinehq/faultline/internal/utils"
)

// maxConcurrentPasses bounds the per-application fan-out of RunAll.
const maxConcurrentPasses = 4

// PassSummary reports what one analysis pass did.
type PassSummary struct {
	Application     string        `json:"application"`
	Ingested        int           `json:"ingested"`
	Assigned        int           `json:"assigned"`
	ClustersCreated int           `json:"clusters_created"`
	Invalid         int           `json:"invalid"`
	Duplicates      int           `json:"duplicates"`
	Patterns        int           `json:"patterns"`
	Alerts          int           `json:"alerts"`
	Duration        time.Duration `json:"duration"`
}

// Analyzer drives the end-to-end pipeline.
type Analyzer struct {
	logger        *slog.Logger
	store         store.Store
	engine        *engine.Engine
	detector      *patterns.Detector
	evaluator     *alerts.Evaluator
	notifier      alerts.Notifier
	ingest        *ingest.Service
	apps          []ingest.Application
	lookback      time.Duration
	trainLookback time.Duration
	alertsEnabled bool
	latency       *utils.LatencyTracker

	mu         sync.Mutex
	watermarks map[string]time.Time
}

// Options groups the analyzer's collaborators and tunables.
type Options struct {
	Store         store.Store
	Engine        *engine.Engine
	Detector      *patterns.Detector
	Evaluator     *alerts.Evaluator
	Notifier      alerts.Notifier
	Ingest        *ingest.Service
	Applications  []ingest.Application
	Lookback      time.Duration
	TrainLookback time.Duration
	AlertsEnabled bool
}

// NewAnalyzer wires the pipeline together.
func NewAnalyzer(logger *slog.Logger, opts Options) *Analyzer {
	if opts.Notifier == nil {
		opts.Notifier = alerts.NoopNotifier{}
	}
	if opts.Lookback <= 0 {
		opts.Lookback = time.Hour
	}
	if opts.TrainLookback <= 0 {
		opts.TrainLookback = 7 * 24 * time.Hour
	}
	return &Analyzer{
		logger:        logger.With("component", "analyzer"),
		store:         opts.Store,
		engine:        opts.Engine,
		detector:      opts.Detector,
		evaluator:     opts.Evaluator,
		notifier:      opts.Notifier,
		ingest:        opts.Ingest,
		apps:          opts.Applications,
		lookback:      opts.Lookback,
		trainLookback: opts.TrainLookback,
		alertsEnabled: opts.AlertsEnabled,
		latency:       utils.NewLatencyTracker(512),
		watermarks:    make(map[string]time.Time),
	}
}

// RunPass executes one full pass for a single application.
func (a *Analyzer) RunPass(ctx context.Context, app ingest.Application) (PassSummary, error) {
	started := time.Now()
	now := started.UTC()
	summary := PassSummary{Application: app.Name}

	since, until, err := ingest.Window(a.watermark(app.Name), a.lookback, now)
	if err != nil {
		return summary, err
	}

	entries, err := a.ingest.Fetch(ctx, app, since, until)
	if err != nil {
		metrics.ObservePass(app.Name, time.Since(started), metrics.OutcomeError)
		return summary, err
	}
	summary.Ingested = len(entries)
	metrics.CountIngested(app.Name, len(entries))

	result, err := a.engine.ClusterErrors(ctx, entries)
	if err != nil {
		metrics.ObservePass(app.Name, time.Since(started), metrics.OutcomeError)
		return summary, err
	}
	summary.Assigned = result.Assigned
	summary.ClustersCreated = result.Created
	summary.Invalid = result.Invalid
	summary.Duplicates = result.Duplicates
	metrics.CountClustersCreated(app.Name, result.Created)

	detected, err := a.detector.DetectPatterns(ctx, app.Name, now)
	if err != nil {
		metrics.ObservePass(app.Name, time.Since(started), metrics.OutcomeError)
		return summary, err
	}
	summary.Patterns = len(detected)

	trends := make(map[string]models.PatternTrend, len(detected))
	for _, pattern := range detected {
		metrics.CountPattern(app.Name, string(pattern.Type))
		trend, err := a.detector.AnalyzeTrend(ctx, pattern.ID, 0, now)
		if err != nil {
			if errors.Is(err, utils.ErrInsufficientData) {
				continue
			}
			metrics.ObservePass(app.Name, time.Since(started), metrics.OutcomeError)
			return summary, err
		}
		trends[pattern.ID] = trend
	}

	decisions, err := a.evaluator.EvaluateAll(ctx, detected, trends, now)
	if err != nil {
		metrics.ObservePass(app.Name, time.Since(started), metrics.OutcomeError)
		return summary, err
	}
	summary.Alerts = len(decisions)

	if a.alertsEnabled {
		for _, decision := range decisions {
			pattern, err := a.store.GetPattern(ctx, decision.PatternID)
			if err != nil {
				a.logger.Warn("pattern vanished before dispatch", "pattern_id", decision.PatternID)
				continue
			}
			if err := a.notifier.Notify(ctx, decision, pattern); err != nil {
				// A dead webhook must not fail the pass; the dedup entry
				// already exists, so this alert is lost rather than retried.
				a.logger.Error("alert dispatch failed",
					"pattern_id", decision.PatternID,
					"channel", decision.Channel,
					"error", err)
				continue
			}
			metrics.CountAlert(app.Name, string(decision.Severity))
		}
	}

	a.setWatermark(app.Name, until)
	summary.Duration = time.Since(started)
	a.latency.Observe(summary.Duration)
	metrics.ObservePass(app.Name, summary.Duration, metrics.OutcomeSuccess)

	a.logger.Info("pass complete",
		"application", app.Name,
		"ingested", summary.Ingested,
		"assigned", summary.Assigned,
		"clusters_created", summary.ClustersCreated,
		"patterns", summary.Patterns,
		"alerts", summary.Alerts,
		"duration", summary.Duration)
	return summary, nil
}

// RunAll runs a pass for every configured application concurrently. One
// application failing does not stop the others; the first error is returned
// alongside the summaries that completed.
func (a *Analyzer) RunAll(ctx context.Context) ([]PassSummary, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPasses)

	var mu sync.Mutex
	summaries := make([]PassSummary, 0, len(a.apps))
	var firstErr error

	for _, app := range a.apps {
		app := app
		g.Go(func() error {
			summary, err := a.RunPass(ctx, app)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				a.logger.Error("pass failed", "application", app.Name, "error", err)
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			summaries = append(summaries, summary)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summaries, err
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Application < summaries[j].Application })
	return summaries, firstErr
}

// Retrain rebuilds the similarity model from stored history.
func (a *Analyzer) Retrain(ctx context.Context) error {
	since := time.Now().UTC().Add(-a.trainLookback)
	historical, err := a.store.ListEntriesSince(ctx, "", since)
	if err != nil {
		return utils.NewAppError("services.Retrain", "load historical entries", err)
	}
	return a.engine.Train(ctx, historical)
}

// Digest builds the periodic report since the given time.
func (a *Analyzer) Digest(ctx context.Context, since time.Time) (models.DigestContent, error) {
	return a.evaluator.BuildDigest(ctx, since, time.Now().UTC())
}

// Probe verifies connectivity to the telemetry source.
func (a *Analyzer) Probe(ctx context.Context) error {
	return a.ingest.Probe(ctx)
}

// TestAlert sends a synthetic alert through the given channel.
func (a *Analyzer) TestAlert(ctx context.Context, channel string) error {
	return a.notifier.Test(ctx, channel)
}

// PassLatency returns the given latency percentile over recent passes.
func (a *Analyzer) PassLatency(p float64) time.Duration {
	return a.latency.Percentile(p)
}

func (a *Analyzer) watermark(application string) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.watermarks[application]
}

func (a *Analyzer) setWatermark(application string, ts time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.watermarks[application] = ts
}
