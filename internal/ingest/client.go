// Package ingest pulls raw error events from the telemetry source and
// converts them into entries the clustering engine accepts. Entry IDs are
// derived deterministically from event identity, so re-fetching an
// overlapping window is safe.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/faultlinehq/faultline/internal/utils"
)

// RawError is one error event as the telemetry query API returns it.
type RawError struct {
	Timestamp  int64   `json:"timestamp"`
	Message    string  `json:"error.message"`
	ErrorClass string  `json:"error.class"`
	StackTrace string  `json:"stack_trace"`
	Endpoint   string  `json:"request.uri"`
	StatusCode string  `json:"httpResponseCode"`
	Duration   float64 `json:"duration"`
	UserAgent  string  `json:"userAgentName"`
	Host       string  `json:"host"`
	UserID     string  `json:"enduser.id"`
}

// Source fetches raw error events for an application.
type Source interface {
	FetchErrors(ctx context.Context, application string, since, until time.Time) ([]RawError, error)
	// Ping verifies connectivity and credentials against the source.
	Ping(ctx context.Context) error
}

type queryResponse struct {
	Results []struct {
		Events []RawError `json:"events"`
	} `json:"results"`
}

// Client queries the telemetry insights API with NRQL.
type Client struct {
	logger   *slog.Logger
	client   *resty.Client
	queryKey string
}

// NewClient builds a query client for one account. baseURL carries the
// account path, e.g. https://insights-api.newrelic.com/v1/accounts/12345.
func NewClient(logger *slog.Logger, baseURL, queryKey string, timeout time.Duration) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{
		logger:   logger.With("component", "ingest"),
		client:   client,
		queryKey: queryKey,
	}
}

// FetchErrors queries error events for the application inside [since, until).
func (c *Client) FetchErrors(ctx context.Context, application string, since, until time.Time) ([]RawError, error) {
	nrql := fmt.Sprintf(
		"SELECT * FROM TransactionError WHERE appName = '%s' SINCE '%s' UNTIL '%s' LIMIT MAX",
		application,
		since.UTC().Format("2006-01-02 15:04:05"),
		until.UTC().Format("2006-01-02 15:04:05"),
	)

	var parsed queryResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("X-Query-Key", c.queryKey).
		SetQueryParam("nrql", nrql).
		SetResult(&parsed).
		Get("/query")
	if err != nil {
		if isTimeout(err) {
			return nil, utils.NewAppError("ingest.FetchErrors", "query timed out", utils.ErrUpstreamTimeout)
		}
		return nil, utils.NewAppError("ingest.FetchErrors", "query request failed", err)
	}
	if resp.IsError() {
		return nil, utils.NewAppError("ingest.FetchErrors",
			fmt.Sprintf("source returned %d", resp.StatusCode()), utils.ErrUpstreamUnavailable)
	}

	var events []RawError
	for _, result := range parsed.Results {
		events = append(events, result.Events...)
	}
	c.logger.Debug("fetched error events",
		"application", application,
		"count", len(events))
	return events, nil
}

// Ping issues a minimal query to verify reachability and credentials.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("X-Query-Key", c.queryKey).
		SetQueryParam("nrql", "SELECT count(*) FROM TransactionError SINCE 1 minute ago").
		Get("/query")
	if err != nil {
		if isTimeout(err) {
			return utils.NewAppError("ingest.Ping", "probe timed out", utils.ErrUpstreamTimeout)
		}
		return utils.NewAppError("ingest.Ping", "probe failed", err)
	}
	if resp.IsError() {
		return utils.NewAppError("ingest.Ping",
			fmt.Sprintf("source returned %d", resp.StatusCode()), utils.ErrUpstreamUnavailable)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
