package alerts

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/faultlinehq/faultline/internal/cache"
	"github.com/faultlinehq/faultline/internal/models"
	"github.com/faultlinehq/faultline/internal/store"
)

func newTestEvaluator(t *testing.T) (*Evaluator, *store.MemoryStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()
	provider := cache.NewMemoryProvider()
	t.Cleanup(func() { provider.Close() })
	return NewEvaluator(logger, st, provider, DefaultConfig()), st
}

func seedPattern(t *testing.T, st *store.MemoryStore, id string, severity models.Severity, occurrences int, isNew bool, patternType models.PatternType, confidence float64) models.ErrorPattern {
	t.Helper()
	ctx := context.Background()
	clusterID := "cl-" + id
	if err := st.PutCluster(ctx, models.ErrorCluster{
		ID:              clusterID,
		ApplicationName: "shop",
		Severity:        severity,
	}); err != nil {
		t.Fatalf("put cluster: %v", err)
	}
	pattern := models.ErrorPattern{
		ID:              id,
		Name:            "pattern " + id,
		ClusterIDs:      []string{clusterID},
		Type:            patternType,
		Confidence:      confidence,
		Status:          models.StatusActive,
		ApplicationName: "shop",
		Occurrences:     occurrences,
		IsNew:           isNew,
		Updated:         time.Now().UTC(),
	}
	if err := st.PutPattern(ctx, pattern); err != nil {
		t.Fatalf("put pattern: %v", err)
	}
	return pattern
}

func TestNewPatternAlertsExactlyOnce(t *testing.T) {
	e, st := newTestEvaluator(t)
	ctx := context.Background()
	now := time.Now().UTC()
	pattern := seedPattern(t, st, "p1", models.SeverityMedium, 10, true, models.PatternTransient, 0.5)

	decision, err := e.Evaluate(ctx, pattern, nil, now)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !decision.Actionable {
		t.Fatalf("new pattern above the floor must alert: %+v", decision)
	}
	if len(decision.Reasons) != 1 || decision.Reasons[0] != "new pattern" {
		t.Fatalf("unexpected reasons: %+v", decision.Reasons)
	}
	if decision.Severity != models.SeverityMedium || decision.Channel != "errors" {
		t.Fatalf("routing wrong: severity=%q channel=%q", decision.Severity, decision.Channel)
	}

	stored, err := st.GetPattern(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.IsNew {
		t.Fatalf("first alert must clear the new flag")
	}

	// Same state again inside the dedup window stays quiet.
	again, err := e.Evaluate(ctx, pattern, nil, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("re-evaluate: %v", err)
	}
	if again.Actionable {
		t.Fatalf("identical state must be suppressed")
	}
}

func TestMinOccurrencesGatesEvenNewPatterns(t *testing.T) {
	e, st := newTestEvaluator(t)
	pattern := seedPattern(t, st, "p1", models.SeverityHigh, 2, true, models.PatternTrending, 0.9)

	decision, err := e.Evaluate(context.Background(), pattern, nil, time.Now().UTC())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Actionable {
		t.Fatalf("below the occurrence floor nothing alerts: %+v", decision)
	}
}

func TestPerApplicationFloorOverridesGlobal(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()
	provider := cache.NewMemoryProvider()
	t.Cleanup(func() { provider.Close() })
	cfg := DefaultConfig()
	cfg.MinOccurrencesByApp = map[string]int{"shop": 2}
	e := NewEvaluator(logger, st, provider, cfg)

	// Three occurrences clear the shop override but not the global floor.
	pattern := seedPattern(t, st, "p1", models.SeverityMedium, 3, true, models.PatternTransient, 0.5)
	decision, err := e.Evaluate(context.Background(), pattern, nil, time.Now().UTC())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !decision.Actionable {
		t.Fatalf("shop floor of 2 must let 3 occurrences through: %+v", decision)
	}

	// An application without an override keeps the global floor.
	if err := st.PutCluster(context.Background(), models.ErrorCluster{ID: "cl-b", ApplicationName: "billing", Severity: models.SeverityMedium}); err != nil {
		t.Fatalf("put cluster: %v", err)
	}
	other := models.ErrorPattern{
		ID:              "p2",
		ClusterIDs:      []string{"cl-b"},
		Type:            models.PatternTransient,
		Status:          models.StatusActive,
		ApplicationName: "billing",
		Occurrences:     3,
		IsNew:           true,
	}
	if err := st.PutPattern(context.Background(), other); err != nil {
		t.Fatalf("put pattern: %v", err)
	}
	gated, err := e.Evaluate(context.Background(), other, nil, time.Now().UTC())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if gated.Actionable {
		t.Fatalf("global floor of 5 must gate 3 occurrences: %+v", gated)
	}
}

func TestTerminalPatternNeverAlerts(t *testing.T) {
	e, st := newTestEvaluator(t)
	pattern := seedPattern(t, st, "p1", models.SeverityCritical, 100, true, models.PatternTrending, 0.95)
	pattern.Status = models.StatusResolved

	decision, err := e.Evaluate(context.Background(), pattern, nil, time.Now().UTC())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Actionable {
		t.Fatalf("resolved patterns must stay quiet")
	}
}

func TestAcceleratingTrendEscalatesSeverity(t *testing.T) {
	e, st := newTestEvaluator(t)
	pattern := seedPattern(t, st, "p1", models.SeverityHigh, 50, false, models.PatternPersistent, 0.8)
	trend := &models.PatternTrend{
		PatternID:      "p1",
		Direction:      models.TrendIncreasing,
		IsAccelerating: true,
	}

	decision, err := e.Evaluate(context.Background(), pattern, trend, time.Now().UTC())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !decision.Actionable {
		t.Fatalf("accelerating growth must alert")
	}
	if decision.Severity != models.SeverityCritical {
		t.Fatalf("expected escalation to critical, got %q", decision.Severity)
	}
	found := false
	for _, reason := range decision.Reasons {
		if strings.Contains(reason, "accelerating") {
			found = true
		}
	}
	if !found {
		t.Fatalf("acceleration missing from reasons: %+v", decision.Reasons)
	}
}

func TestCrossingOccurrenceFloorAlerts(t *testing.T) {
	e, st := newTestEvaluator(t)
	ctx := context.Background()
	now := time.Now().UTC()
	pattern := seedPattern(t, st, "p1", models.SeverityMedium, 3, false, models.PatternTransient, 0.5)

	quiet, err := e.Evaluate(ctx, pattern, nil, now)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if quiet.Actionable {
		t.Fatalf("below the floor nothing alerts: %+v", quiet)
	}

	pattern.Occurrences = 8
	crossed, err := e.Evaluate(ctx, pattern, nil, now.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !crossed.Actionable {
		t.Fatalf("crossing the floor must alert: %+v", crossed)
	}
	found := false
	for _, reason := range crossed.Reasons {
		if strings.Contains(reason, "minimum occurrences") {
			found = true
		}
	}
	if !found {
		t.Fatalf("crossing missing from reasons: %+v", crossed.Reasons)
	}
}

func TestConfidentCyclicPatternAlerts(t *testing.T) {
	e, st := newTestEvaluator(t)
	pattern := seedPattern(t, st, "p1", models.SeverityMedium, 40, false, models.PatternCyclic, 0.8)

	decision, err := e.Evaluate(context.Background(), pattern, nil, time.Now().UTC())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !decision.Actionable {
		t.Fatalf("confident cyclic pattern must alert: %+v", decision)
	}
	if len(decision.Reasons) != 1 || decision.Reasons[0] != "cyclic recurrence" {
		t.Fatalf("unexpected reasons: %+v", decision.Reasons)
	}
}

func TestQuietPatternProducesNoAlert(t *testing.T) {
	e, st := newTestEvaluator(t)
	pattern := seedPattern(t, st, "p1", models.SeverityLow, 20, false, models.PatternTransient, 0.5)

	decision, err := e.Evaluate(context.Background(), pattern, nil, time.Now().UTC())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Actionable || len(decision.Reasons) != 0 {
		t.Fatalf("nothing noteworthy, nothing to say: %+v", decision)
	}
}

func TestBuildDigestGroupsByApplicationAndSeverity(t *testing.T) {
	e, st := newTestEvaluator(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedPattern(t, st, "p1", models.SeverityHigh, 10, false, models.PatternTrending, 0.8)
	seedPattern(t, st, "p2", models.SeverityLow, 3, false, models.PatternTransient, 0.5)

	// A second application.
	if err := st.PutCluster(ctx, models.ErrorCluster{ID: "cl-b", ApplicationName: "billing", Severity: models.SeverityMedium}); err != nil {
		t.Fatalf("put cluster: %v", err)
	}
	if err := st.PutPattern(ctx, models.ErrorPattern{
		ID:              "p3",
		ClusterIDs:      []string{"cl-b"},
		Type:            models.PatternPersistent,
		Status:          models.StatusActive,
		ApplicationName: "billing",
		Updated:         now,
	}); err != nil {
		t.Fatalf("put pattern: %v", err)
	}

	digest, err := e.BuildDigest(ctx, now.Add(-time.Hour), now)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if digest.TotalPatterns != 3 || len(digest.Applications) != 2 {
		t.Fatalf("unexpected digest shape: %+v", digest)
	}
	if digest.Applications[0].Application != "billing" {
		t.Fatalf("applications must be sorted, got %q first", digest.Applications[0].Application)
	}
	shop := digest.Applications[1]
	if shop.Total != 2 || len(shop.BySeverity[models.SeverityHigh]) != 1 {
		t.Fatalf("shop digest malformed: %+v", shop)
	}
}
