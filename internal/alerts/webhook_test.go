package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/faultlinehq/faultline/internal/models"
	"github.com/faultlinehq/faultline/internal/utils"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWebhookNotifierPostsAlert(t *testing.T) {
	var received webhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewWebhookNotifier(discardLogger(), map[string]string{"errors": server.URL}, 5*time.Second)
	decision := models.AlertDecision{
		PatternID:   "p1",
		Actionable:  true,
		Reasons:     []string{"new pattern"},
		Severity:    models.SeverityHigh,
		Channel:     "errors",
		TriggeredAt: time.Now().UTC(),
	}
	pattern := models.ErrorPattern{
		ID:              "p1",
		Name:            "Timeout storm",
		Type:            models.PatternTrending,
		ApplicationName: "shop",
		Occurrences:     42,
	}

	if err := n.Notify(context.Background(), decision, pattern); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if received.PatternID != "p1" || received.Severity != "high" || received.Occurrences != 42 {
		t.Fatalf("payload malformed: %+v", received)
	}
	if received.Test {
		t.Fatalf("real alert flagged as test")
	}
}

func TestWebhookNotifierServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	n := NewWebhookNotifier(discardLogger(), map[string]string{"errors": server.URL}, 5*time.Second)
	err := n.Notify(context.Background(), models.AlertDecision{Channel: "errors"}, models.ErrorPattern{})
	if !errors.Is(err, utils.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestWebhookNotifierUnknownChannel(t *testing.T) {
	n := NewWebhookNotifier(discardLogger(), map[string]string{}, time.Second)
	err := n.Notify(context.Background(), models.AlertDecision{Channel: "nope"}, models.ErrorPattern{})
	if err == nil {
		t.Fatalf("unconfigured channel must fail loudly")
	}
}

func TestWebhookNotifierPostsDigest(t *testing.T) {
	var received models.DigestContent
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewWebhookNotifier(discardLogger(), map[string]string{"errors": server.URL}, 5*time.Second)
	digest := models.DigestContent{
		From:          time.Now().UTC().Add(-24 * time.Hour),
		To:            time.Now().UTC(),
		TotalPatterns: 3,
		Applications: []models.ApplicationDigest{
			{Application: "shop", Total: 3},
		},
	}
	if err := n.NotifyDigest(context.Background(), digest, "errors"); err != nil {
		t.Fatalf("digest: %v", err)
	}
	if received.TotalPatterns != 3 || len(received.Applications) != 1 {
		t.Fatalf("digest payload malformed: %+v", received)
	}
}

func TestWebhookNotifierTestPing(t *testing.T) {
	var received webhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewWebhookNotifier(discardLogger(), map[string]string{"errors": server.URL}, 5*time.Second)
	if err := n.Test(context.Background(), "errors"); err != nil {
		t.Fatalf("test ping: %v", err)
	}
	if !received.Test {
		t.Fatalf("ping must be marked as test: %+v", received)
	}
}
