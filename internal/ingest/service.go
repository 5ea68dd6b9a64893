package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/faultlinehq/faultline/internal/models"
	"github.com/faultlinehq/faultline/internal/utils"
)

// entryNamespace seeds deterministic entry IDs. The same raw event always
// maps to the same ID, which is what makes re-ingestion idempotent.
var entryNamespace = uuid.MustParse("9f2c1d6e-4a8b-4f30-b1aa-52c3de7a9b01")

// Application identifies one monitored application and its ownership metadata.
type Application struct {
	Name       string `yaml:"name"`
	Repository string `yaml:"repository"`
	Team       string `yaml:"team"`
}

// Service converts raw source events into engine-ready entries.
type Service struct {
	logger *slog.Logger
	source Source
}

// NewService wires a source into the conversion layer.
func NewService(logger *slog.Logger, source Source) *Service {
	return &Service{
		logger: logger.With("component", "ingest"),
		source: source,
	}
}

// Fetch pulls the application's error events for the window and converts
// them. Events without a message and error class are dropped and counted.
func (s *Service) Fetch(ctx context.Context, app Application, since, until time.Time) ([]models.ErrorEntry, error) {
	raw, err := s.source.FetchErrors(ctx, app.Name, since, until)
	if err != nil {
		return nil, err
	}

	entries := make([]models.ErrorEntry, 0, len(raw))
	dropped := 0
	for _, event := range raw {
		if event.Message == "" && event.ErrorClass == "" {
			dropped++
			continue
		}
		entries = append(entries, convert(app, event))
	}
	if dropped > 0 {
		s.logger.Warn("dropped events without message or class",
			"application", app.Name,
			"dropped", dropped)
	}
	return entries, nil
}

// Probe verifies source connectivity.
func (s *Service) Probe(ctx context.Context) error {
	return s.source.Ping(ctx)
}

func convert(app Application, event RawError) models.ErrorEntry {
	entry := models.ErrorEntry{
		ID:              entryID(app.Name, event),
		Timestamp:       time.UnixMilli(event.Timestamp).UTC(),
		Message:         event.Message,
		StackTrace:      event.StackTrace,
		ExceptionType:   event.ErrorClass,
		Source:          "newrelic",
		ApplicationName: app.Name,
		Repository:      app.Repository,
		Team:            app.Team,
		Endpoint:        event.Endpoint,
		Duration:        event.Duration,
		UserAgent:       event.UserAgent,
		Host:            event.Host,
	}
	if code, err := strconv.Atoi(event.StatusCode); err == nil {
		entry.StatusCode = code
	}
	if event.UserID != "" {
		entry.Context = map[string]string{"user_id": event.UserID}
	}
	return entry
}

// entryID derives a stable ID from event identity fields.
func entryID(application string, event RawError) string {
	identity := fmt.Sprintf("%s|%d|%s|%s|%s",
		application, event.Timestamp, event.ErrorClass, event.Message, event.Host)
	return uuid.NewSHA1(entryNamespace, []byte(identity)).String()
}

// Window computes the fetch window ending at now. A zero watermark falls back
// to the configured lookback; otherwise the window resumes at the watermark so
// no events are skipped between passes.
func Window(watermark time.Time, lookback time.Duration, now time.Time) (time.Time, time.Time, error) {
	if lookback <= 0 {
		return time.Time{}, time.Time{}, utils.NewAppError("ingest.Window", "lookback must be positive", nil)
	}
	since := now.Add(-lookback)
	if !watermark.IsZero() && watermark.After(since) {
		since = watermark
	}
	if !since.Before(now) {
		since = now.Add(-time.Minute)
	}
	return since, now, nil
}
