package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/faultlinehq/faultline/internal/utils"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func queryServer(t *testing.T, events []RawError, gotQuery *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Query-Key") != "secret" {
			t.Errorf("missing query key header")
		}
		if gotQuery != nil {
			*gotQuery = r.URL.Query().Get("nrql")
		}
		w.Header().Set("Content-Type", "application/json")
		response := map[string]any{
			"results": []map[string]any{{"events": events}},
		}
		if err := json.NewEncoder(w).Encode(response); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
}

func TestClientFetchErrors(t *testing.T) {
	events := []RawError{
		{
			Timestamp:  1751364000000,
			Message:    "Object reference not set",
			ErrorClass: "NullReferenceException",
			Endpoint:   "/cart/add",
			StatusCode: "500",
			Host:       "web-01",
			UserID:     "u-9",
		},
	}
	var gotQuery string
	server := queryServer(t, events, &gotQuery)
	defer server.Close()

	client := NewClient(discardLogger(), server.URL, "secret", 5*time.Second)
	raw, err := client.FetchErrors(context.Background(), "shop", time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(raw) != 1 || raw[0].ErrorClass != "NullReferenceException" {
		t.Fatalf("events not decoded: %+v", raw)
	}
	if !strings.Contains(gotQuery, "appName = 'shop'") {
		t.Fatalf("query not scoped to application: %q", gotQuery)
	}
}

func TestClientSourceDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(discardLogger(), server.URL, "secret", 5*time.Second)
	_, err := client.FetchErrors(context.Background(), "shop", time.Now().Add(-time.Hour), time.Now())
	if !errors.Is(err, utils.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if err := client.Ping(context.Background()); !errors.Is(err, utils.ErrUpstreamUnavailable) {
		t.Fatalf("ping should see the outage too, got %v", err)
	}
}

func TestClientTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(discardLogger(), server.URL, "secret", 50*time.Millisecond)
	_, err := client.FetchErrors(context.Background(), "shop", time.Now().Add(-time.Hour), time.Now())
	if !errors.Is(err, utils.ErrUpstreamTimeout) {
		t.Fatalf("expected ErrUpstreamTimeout, got %v", err)
	}
}

func TestServiceConvertsAndDerivesStableIDs(t *testing.T) {
	events := []RawError{
		{
			Timestamp:  1751364000000,
			Message:    "Object reference not set",
			ErrorClass: "NullReferenceException",
			StatusCode: "500",
			Endpoint:   "/cart/add",
			Host:       "web-01",
			UserID:     "u-9",
		},
		{Timestamp: 1751364001000}, // no message, no class: dropped
	}
	server := queryServer(t, events, nil)
	defer server.Close()

	svc := NewService(discardLogger(), NewClient(discardLogger(), server.URL, "secret", 5*time.Second))
	app := Application{Name: "shop", Repository: "shop-api", Team: "checkout"}

	entries, err := svc.Fetch(context.Background(), app, time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 usable entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.StatusCode != 500 || entry.ExceptionType != "NullReferenceException" {
		t.Fatalf("conversion wrong: %+v", entry)
	}
	if entry.Repository != "shop-api" || entry.Team != "checkout" {
		t.Fatalf("ownership metadata missing: %+v", entry)
	}
	if entry.Context["user_id"] != "u-9" {
		t.Fatalf("user context missing: %+v", entry.Context)
	}

	// Re-fetching the same window yields the same IDs.
	again, err := svc.Fetch(context.Background(), app, time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if again[0].ID != entry.ID {
		t.Fatalf("entry IDs must be deterministic: %q vs %q", again[0].ID, entry.ID)
	}
}

func TestWindowResumesFromWatermark(t *testing.T) {
	now := time.Date(2025, 7, 10, 12, 0, 0, 0, time.UTC)

	since, until, err := Window(time.Time{}, time.Hour, now)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if !since.Equal(now.Add(-time.Hour)) || !until.Equal(now) {
		t.Fatalf("cold start must use the lookback: %v -> %v", since, until)
	}

	watermark := now.Add(-10 * time.Minute)
	since, _, err = Window(watermark, time.Hour, now)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if !since.Equal(watermark) {
		t.Fatalf("warm start must resume at the watermark: %v", since)
	}

	if _, _, err := Window(time.Time{}, 0, now); err == nil {
		t.Fatalf("non-positive lookback must be rejected")
	}
}
