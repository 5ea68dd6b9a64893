// Package alerts decides when a detected pattern warrants operator attention
// and builds periodic digests. Decisions are idempotent: the same pattern
// state never produces two actionable alerts inside the dedup window.
package alerts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/faultlinehq/faultline/internal/cache"
	"github.com/faultlinehq/faultline/internal/models"
	"github.com/faultlinehq/faultline/internal/store"
	"github.com/faultlinehq/faultline/internal/utils"
)

// Config carries the alerting tunables.
type Config struct {
	// MinOccurrences gates every alert, including new-pattern alerts.
	MinOccurrences int
	// MinOccurrencesByApp overrides MinOccurrences for named applications.
	MinOccurrencesByApp map[string]int
	// ConfidenceThreshold is the classification confidence an alert requires.
	ConfidenceThreshold float64
	// DedupTTL bounds how long an identical pattern state stays suppressed.
	DedupTTL time.Duration
	// Channels routes severities to notification channels.
	Channels map[models.Severity]string
}

// DefaultConfig returns the alerting tunables used in production.
func DefaultConfig() Config {
	return Config{
		MinOccurrences:      5,
		ConfidenceThreshold: 0.7,
		DedupTTL:            6 * time.Hour,
		Channels: map[models.Severity]string{
			models.SeverityLow:      "errors-low",
			models.SeverityMedium:   "errors",
			models.SeverityHigh:     "errors-urgent",
			models.SeverityCritical: "errors-urgent",
		},
	}
}

// Evaluator makes alert decisions over detected patterns.
type Evaluator struct {
	logger *slog.Logger
	store  store.Store
	cache  cache.Provider
	cfg    Config
}

// NewEvaluator builds an evaluator. Zero-valued config fields fall back to defaults.
func NewEvaluator(logger *slog.Logger, st store.Store, provider cache.Provider, cfg Config) *Evaluator {
	def := DefaultConfig()
	if cfg.MinOccurrences <= 0 {
		cfg.MinOccurrences = def.MinOccurrences
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = def.DedupTTL
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = def.Channels
	}
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	return &Evaluator{
		logger: logger.With("component", "alerts"),
		store:  st,
		cache:  provider,
		cfg:    cfg,
	}
}

// Evaluate decides whether the pattern's current state is alert-worthy.
// trend may be nil when trend analysis had insufficient data. A decision is
// always returned; only infrastructure failures error.
func (e *Evaluator) Evaluate(ctx context.Context, pattern models.ErrorPattern, trend *models.PatternTrend, now time.Time) (models.AlertDecision, error) {
	decision := models.AlertDecision{
		PatternID:   pattern.ID,
		TriggeredAt: now,
	}

	if pattern.Status.Terminal() {
		return decision, nil
	}

	floor := e.occurrenceFloor(pattern.ApplicationName)
	prevOccurrences, seenBefore := e.lastOccurrences(ctx, pattern.ID)
	if pattern.Occurrences < floor {
		e.recordOccurrences(ctx, pattern.ID, pattern.Occurrences)
		return decision, nil
	}

	var reasons []string
	if pattern.IsNew {
		reasons = append(reasons, "new pattern")
	}
	if pattern.Type == models.PatternTrending && pattern.Confidence >= e.cfg.ConfidenceThreshold {
		reasons = append(reasons, fmt.Sprintf("trending with confidence %.2f", pattern.Confidence))
	}
	if pattern.Type == models.PatternCyclic && pattern.Confidence >= e.cfg.ConfidenceThreshold {
		reasons = append(reasons, "cyclic recurrence")
	}
	if pattern.Type == models.PatternCorrelated && pattern.Confidence >= e.cfg.ConfidenceThreshold {
		reasons = append(reasons, "correlated failure across clusters")
	}
	if seenBefore && prevOccurrences < floor {
		reasons = append(reasons, "crossed minimum occurrences")
	}
	if trend != nil && trend.Direction == models.TrendIncreasing && trend.IsAccelerating {
		reasons = append(reasons, "occurrence rate accelerating")
	}
	e.recordOccurrences(ctx, pattern.ID, pattern.Occurrences)
	if len(reasons) == 0 {
		return decision, nil
	}

	severity, err := e.patternSeverity(ctx, pattern, trend)
	if err != nil {
		return decision, err
	}

	stored, err := e.cache.SetNX(ctx, dedupKey(pattern, severity), []byte(now.Format(time.RFC3339)), e.cfg.DedupTTL)
	if err != nil {
		return decision, utils.NewAppError("alerts.Evaluate", "dedup check", err)
	}
	if !stored {
		e.logger.Debug("alert suppressed as duplicate", "pattern_id", pattern.ID)
		return decision, nil
	}

	decision.Actionable = true
	decision.Reasons = reasons
	decision.Severity = severity
	decision.Channel = e.cfg.Channels[severity]

	if pattern.IsNew {
		err := e.store.UpdatePattern(ctx, pattern.ID, func(p *models.ErrorPattern) error {
			p.IsNew = false
			return nil
		})
		if err != nil {
			return decision, utils.NewAppError("alerts.Evaluate", "clear new flag", err)
		}
	}

	e.logger.Info("alert decision",
		"pattern_id", pattern.ID,
		"severity", severity,
		"channel", decision.Channel,
		"reasons", reasons)
	return decision, nil
}

// EvaluateAll runs Evaluate over a detection pass's patterns and returns the
// actionable decisions.
func (e *Evaluator) EvaluateAll(ctx context.Context, patterns []models.ErrorPattern, trends map[string]models.PatternTrend, now time.Time) ([]models.AlertDecision, error) {
	var actionable []models.AlertDecision
	for _, pattern := range patterns {
		var trend *models.PatternTrend
		if t, ok := trends[pattern.ID]; ok {
			trend = &t
		}
		decision, err := e.Evaluate(ctx, pattern, trend, now)
		if err != nil {
			return nil, err
		}
		if decision.Actionable {
			actionable = append(actionable, decision)
		}
	}
	return actionable, nil
}

// patternSeverity is the high-water severity of the pattern's clusters,
// escalated one level when the occurrence rate is accelerating upward.
func (e *Evaluator) patternSeverity(ctx context.Context, pattern models.ErrorPattern, trend *models.PatternTrend) (models.Severity, error) {
	severity := models.SeverityLow
	for _, clusterID := range pattern.ClusterIDs {
		cluster, err := e.store.GetCluster(ctx, clusterID)
		if err != nil {
			return severity, utils.NewAppError("alerts.patternSeverity", "load cluster", err)
		}
		if severityRank(cluster.Severity) > severityRank(severity) {
			severity = cluster.Severity
		}
	}
	if trend != nil && trend.Direction == models.TrendIncreasing && trend.IsAccelerating {
		severity = escalate(severity)
	}
	return severity, nil
}

// occurrenceFloor resolves the minimum-occurrence gate for an application,
// preferring its configured override.
func (e *Evaluator) occurrenceFloor(application string) int {
	if floor, ok := e.cfg.MinOccurrencesByApp[application]; ok && floor > 0 {
		return floor
	}
	return e.cfg.MinOccurrences
}

// lastOccurrences reads the occurrence watermark recorded by the previous
// evaluation. Absence means the pattern was never evaluated here, in which
// case a floor crossing cannot be claimed.
func (e *Evaluator) lastOccurrences(ctx context.Context, patternID string) (int, bool) {
	raw, err := e.cache.Get(ctx, occurrencesKey(patternID))
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, false
	}
	return n, true
}

func (e *Evaluator) recordOccurrences(ctx context.Context, patternID string, n int) {
	if err := e.cache.Set(ctx, occurrencesKey(patternID), []byte(strconv.Itoa(n)), 0); err != nil {
		e.logger.Debug("occurrence watermark not stored", "pattern_id", patternID, "error", err)
	}
}

func occurrencesKey(patternID string) string {
	return "alert:" + patternID + ":occurrences"
}

// dedupKey fingerprints the alert-relevant pattern state. Occurrences are
// bucketed by order of magnitude so slow growth alone does not re-alert.
func dedupKey(pattern models.ErrorPattern, severity models.Severity) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d",
		pattern.ID, pattern.Type, severity, magnitude(pattern.Occurrences))))
	return "alert:" + pattern.ID + ":" + hex.EncodeToString(sum[:8])
}

func magnitude(n int) int {
	m := 0
	for n >= 10 {
		n /= 10
		m++
	}
	return m
}

func escalate(s models.Severity) models.Severity {
	switch s {
	case models.SeverityLow:
		return models.SeverityMedium
	case models.SeverityMedium:
		return models.SeverityHigh
	default:
		return models.SeverityCritical
	}
}

func severityRank(s models.Severity) int {
	switch s {
	case models.SeverityCritical:
		return 3
	case models.SeverityHigh:
		return 2
	case models.SeverityMedium:
		return 1
	default:
		return 0
	}
}

// BuildDigest aggregates pattern activity since the given time, grouped by
// application and severity. It reports everything that changed, not just what
// alerted.
func (e *Evaluator) BuildDigest(ctx context.Context, since, now time.Time) (models.DigestContent, error) {
	patterns, err := e.store.ListPatternsUpdatedSince(ctx, since)
	if err != nil {
		return models.DigestContent{}, utils.NewAppError("alerts.BuildDigest", "list patterns", err)
	}

	byApp := make(map[string]*models.ApplicationDigest)
	for _, pattern := range patterns {
		severity, err := e.patternSeverity(ctx, pattern, nil)
		if err != nil {
			return models.DigestContent{}, err
		}
		digest, ok := byApp[pattern.ApplicationName]
		if !ok {
			digest = &models.ApplicationDigest{
				Application: pattern.ApplicationName,
				BySeverity:  make(map[models.Severity][]models.PatternSummary),
			}
			byApp[pattern.ApplicationName] = digest
		}
		digest.BySeverity[severity] = append(digest.BySeverity[severity], models.PatternSummary{
			PatternID:   pattern.ID,
			Name:        pattern.Name,
			Type:        pattern.Type,
			Status:      pattern.Status,
			Severity:    severity,
			Occurrences: pattern.Occurrences,
			Confidence:  pattern.Confidence,
		})
		digest.Total++
	}

	content := models.DigestContent{
		From:          since,
		To:            now,
		TotalPatterns: len(patterns),
	}
	apps := make([]string, 0, len(byApp))
	for app := range byApp {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	for _, app := range apps {
		content.Applications = append(content.Applications, *byApp[app])
	}
	return content, nil
}
