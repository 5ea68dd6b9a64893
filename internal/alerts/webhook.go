package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/faultlinehq/faultline/internal/models"
	"github.com/faultlinehq/faultline/internal/utils"
)

// Notifier dispatches actionable alert decisions and periodic digests.
type Notifier interface {
	Notify(ctx context.Context, decision models.AlertDecision, pattern models.ErrorPattern) error
	NotifyDigest(ctx context.Context, digest models.DigestContent, channel string) error
	// Test sends a synthetic alert to verify channel connectivity.
	Test(ctx context.Context, channel string) error
}

// webhookPayload is the wire format posted to a channel's webhook.
type webhookPayload struct {
	PatternID   string    `json:"pattern_id"`
	PatternName string    `json:"pattern_name"`
	PatternType string    `json:"pattern_type"`
	Application string    `json:"application"`
	Severity    string    `json:"severity"`
	Occurrences int       `json:"occurrences"`
	Reasons     []string  `json:"reasons"`
	RootCause   string    `json:"root_cause,omitempty"`
	TriggeredAt time.Time `json:"triggered_at"`
	Test        bool      `json:"test,omitempty"`
}

// WebhookNotifier posts alerts to per-channel webhook URLs.
type WebhookNotifier struct {
	logger *slog.Logger
	client *resty.Client
	urls   map[string]string
}

// NewWebhookNotifier builds a notifier. urls maps channel names to webhook
// endpoints; decisions routed to an unconfigured channel fail loudly rather
// than dropping silently.
func NewWebhookNotifier(logger *slog.Logger, urls map[string]string, timeout time.Duration) *WebhookNotifier {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Content-Type", "application/json")
	return &WebhookNotifier{
		logger: logger.With("component", "notifier"),
		client: client,
		urls:   urls,
	}
}

// Notify posts the alert to its channel's webhook.
func (n *WebhookNotifier) Notify(ctx context.Context, decision models.AlertDecision, pattern models.ErrorPattern) error {
	payload := webhookPayload{
		PatternID:   decision.PatternID,
		PatternName: pattern.Name,
		PatternType: string(pattern.Type),
		Application: pattern.ApplicationName,
		Severity:    string(decision.Severity),
		Occurrences: pattern.Occurrences,
		Reasons:     decision.Reasons,
		RootCause:   pattern.PotentialRootCause,
		TriggeredAt: decision.TriggeredAt,
	}
	if err := n.post(ctx, decision.Channel, payload); err != nil {
		return err
	}
	n.logger.Info("alert dispatched",
		"pattern_id", decision.PatternID,
		"channel", decision.Channel,
		"severity", decision.Severity)
	return nil
}

// NotifyDigest posts the digest summary to its channel's webhook.
func (n *WebhookNotifier) NotifyDigest(ctx context.Context, digest models.DigestContent, channel string) error {
	url, ok := n.urls[channel]
	if !ok {
		return utils.NewAppError("alerts.digest", fmt.Sprintf("no webhook configured for channel %q", channel), nil)
	}
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(digest).
		Post(url)
	if err != nil {
		if isTimeout(err) {
			return utils.NewAppError("alerts.digest", "webhook timed out", utils.ErrUpstreamTimeout)
		}
		return utils.NewAppError("alerts.digest", "webhook request failed", err)
	}
	if resp.IsError() {
		return utils.NewAppError("alerts.digest",
			fmt.Sprintf("webhook returned %d", resp.StatusCode()), utils.ErrUpstreamUnavailable)
	}
	n.logger.Info("digest dispatched", "channel", channel, "patterns", digest.TotalPatterns)
	return nil
}

// Test posts a synthetic alert to verify the channel is reachable.
func (n *WebhookNotifier) Test(ctx context.Context, channel string) error {
	return n.post(ctx, channel, webhookPayload{
		PatternName: "connectivity test",
		Severity:    string(models.SeverityLow),
		TriggeredAt: time.Now().UTC(),
		Test:        true,
	})
}

func (n *WebhookNotifier) post(ctx context.Context, channel string, payload webhookPayload) error {
	url, ok := n.urls[channel]
	if !ok {
		return utils.NewAppError("alerts.post", fmt.Sprintf("no webhook configured for channel %q", channel), nil)
	}

	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(url)
	if err != nil {
		if isTimeout(err) {
			return utils.NewAppError("alerts.post", "webhook timed out", utils.ErrUpstreamTimeout)
		}
		return utils.NewAppError("alerts.post", "webhook request failed", err)
	}
	if resp.IsError() {
		return utils.NewAppError("alerts.post",
			fmt.Sprintf("webhook returned %d", resp.StatusCode()), utils.ErrUpstreamUnavailable)
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

// NoopNotifier drops every alert; used when dispatch is disabled.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, models.AlertDecision, models.ErrorPattern) error {
	return nil
}

func (NoopNotifier) NotifyDigest(context.Context, models.DigestContent, string) error { return nil }

func (NoopNotifier) Test(context.Context, string) error { return nil }
