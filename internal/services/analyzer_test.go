package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/faultlinehq/faultline/internal/alerts"
	"github.com/faultlinehq/faultline/internal/cache"
	"github.com/faultlinehq/faultline/internal/engine"
	"github.com/faultlinehq/faultline/internal/ingest"
	"github.com/faultlinehq/faultline/internal/models"
	"github.com/faultlinehq/faultline/internal/patterns"
	"github.com/faultlinehq/faultline/internal/signature"
	"github.com/faultlinehq/faultline/internal/similarity"
	"github.com/faultlinehq/faultline/internal/store"
)

type fakeSource struct {
	mu     sync.Mutex
	events map[string][]ingest.RawError
	fail   map[string]error
}

func (f *fakeSource) FetchErrors(_ context.Context, application string, _, _ time.Time) ([]ingest.RawError, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[application]; err != nil {
		return nil, err
	}
	return f.events[application], nil
}

func (f *fakeSource) Ping(context.Context) error { return nil }

type recordingNotifier struct {
	mu    sync.Mutex
	calls []models.AlertDecision
}

func (r *recordingNotifier) Notify(_ context.Context, decision models.AlertDecision, _ models.ErrorPattern) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, decision)
	return nil
}

func (r *recordingNotifier) NotifyDigest(context.Context, models.DigestContent, string) error {
	return nil
}

func (r *recordingNotifier) Test(context.Context, string) error { return nil }

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestAnalyzer(t *testing.T, source *fakeSource, apps []ingest.Application) (*Analyzer, *recordingNotifier, *store.MemoryStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()
	provider := cache.NewMemoryProvider()
	t.Cleanup(func() { provider.Close() })

	notifier := &recordingNotifier{}
	analyzer := NewAnalyzer(logger, Options{
		Store:         st,
		Engine:        engine.NewEngine(logger, st, signature.NewExtractor(), similarity.NewModel(), 0.6),
		Detector:      patterns.NewDetector(logger, st, patterns.DefaultConfig()),
		Evaluator:     alerts.NewEvaluator(logger, st, provider, alerts.DefaultConfig()),
		Notifier:      notifier,
		Ingest:        ingest.NewService(logger, source),
		Applications:  apps,
		Lookback:      time.Hour,
		AlertsEnabled: true,
	})
	return analyzer, notifier, st
}

func burstEvents(n int, base time.Time) []ingest.RawError {
	events := make([]ingest.RawError, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, ingest.RawError{
			Timestamp:  base.Add(time.Duration(i) * time.Minute).UnixMilli(),
			Message:    "Object reference not set",
			ErrorClass: "NullReferenceException",
			StatusCode: "500",
			Host:       fmt.Sprintf("web-%02d", i),
		})
	}
	return events
}

func TestRunPassEndToEnd(t *testing.T) {
	now := time.Now().UTC()
	source := &fakeSource{events: map[string][]ingest.RawError{
		"shop": burstEvents(6, now.Add(-30*time.Minute)),
	}}
	app := ingest.Application{Name: "shop", Repository: "shop-api", Team: "checkout"}
	analyzer, notifier, _ := newTestAnalyzer(t, source, []ingest.Application{app})

	summary, err := analyzer.RunPass(context.Background(), app)
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if summary.Ingested != 6 || summary.Assigned != 6 {
		t.Fatalf("ingest counts wrong: %+v", summary)
	}
	if summary.ClustersCreated != 1 {
		t.Fatalf("identical errors must share one cluster: %+v", summary)
	}
	if summary.Patterns != 1 {
		t.Fatalf("expected one pattern, got %+v", summary)
	}
	if summary.Alerts != 1 || notifier.count() != 1 {
		t.Fatalf("new pattern above the floor must dispatch once: %+v, calls=%d", summary, notifier.count())
	}
}

func TestRunPassIsIdempotent(t *testing.T) {
	now := time.Now().UTC()
	source := &fakeSource{events: map[string][]ingest.RawError{
		"shop": burstEvents(6, now.Add(-30*time.Minute)),
	}}
	app := ingest.Application{Name: "shop"}
	analyzer, notifier, _ := newTestAnalyzer(t, source, []ingest.Application{app})

	if _, err := analyzer.RunPass(context.Background(), app); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	summary, err := analyzer.RunPass(context.Background(), app)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if summary.Duplicates != 6 || summary.Assigned != 0 || summary.ClustersCreated != 0 {
		t.Fatalf("re-ingest must be all duplicates: %+v", summary)
	}
	if notifier.count() != 1 {
		t.Fatalf("unchanged pattern state must not re-alert, calls=%d", notifier.count())
	}
}

func TestRunAllIsolatesFailingApplications(t *testing.T) {
	now := time.Now().UTC()
	source := &fakeSource{
		events: map[string][]ingest.RawError{
			"shop": burstEvents(3, now.Add(-30*time.Minute)),
		},
		fail: map[string]error{
			"billing": fmt.Errorf("source down"),
		},
	}
	apps := []ingest.Application{{Name: "shop"}, {Name: "billing"}}
	analyzer, _, _ := newTestAnalyzer(t, source, apps)

	summaries, err := analyzer.RunAll(context.Background())
	if err == nil {
		t.Fatalf("failing application must surface an error")
	}
	if len(summaries) != 1 || summaries[0].Application != "shop" {
		t.Fatalf("healthy application must still complete: %+v", summaries)
	}
}

func TestRetrainMakesModelReady(t *testing.T) {
	now := time.Now().UTC()
	source := &fakeSource{events: map[string][]ingest.RawError{
		"shop": burstEvents(6, now.Add(-30*time.Minute)),
	}}
	app := ingest.Application{Name: "shop"}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()
	provider := cache.NewMemoryProvider()
	t.Cleanup(func() { provider.Close() })
	model := similarity.NewModel()
	analyzer := NewAnalyzer(logger, Options{
		Store:        st,
		Engine:       engine.NewEngine(logger, st, signature.NewExtractor(), model, 0.6),
		Detector:     patterns.NewDetector(logger, st, patterns.DefaultConfig()),
		Evaluator:    alerts.NewEvaluator(logger, st, provider, alerts.DefaultConfig()),
		Ingest:       ingest.NewService(logger, source),
		Applications: []ingest.Application{app},
	})

	if _, err := analyzer.RunPass(context.Background(), app); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if model.Ready() {
		t.Fatalf("model must not train implicitly")
	}
	if err := analyzer.Retrain(context.Background()); err != nil {
		t.Fatalf("retrain: %v", err)
	}
	if !model.Ready() {
		t.Fatalf("retrain must install a vocabulary")
	}
}

func TestDigestReportsRecentActivity(t *testing.T) {
	now := time.Now().UTC()
	source := &fakeSource{events: map[string][]ingest.RawError{
		"shop": burstEvents(6, now.Add(-30*time.Minute)),
	}}
	app := ingest.Application{Name: "shop"}
	analyzer, _, _ := newTestAnalyzer(t, source, []ingest.Application{app})

	if _, err := analyzer.RunPass(context.Background(), app); err != nil {
		t.Fatalf("pass: %v", err)
	}
	digest, err := analyzer.Digest(context.Background(), now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if digest.TotalPatterns != 1 || len(digest.Applications) != 1 {
		t.Fatalf("digest missing the pass's pattern: %+v", digest)
	}
	if digest.Applications[0].Application != "shop" {
		t.Fatalf("wrong application in digest: %+v", digest.Applications[0])
	}
}
