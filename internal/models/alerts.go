package models

import "time"

// AlertDecision records whether a pattern crossed an alert threshold and why.
// Dispatch (channel transport, formatting) is the notifier's concern.
type AlertDecision struct {
	PatternID   string    `json:"pattern_id"`
	Actionable  bool      `json:"actionable"`
	Reasons     []string  `json:"reasons,omitempty"`
	Severity    Severity  `json:"severity"`
	Channel     string    `json:"channel,omitempty"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// PatternSummary is the digest view of a single pattern.
type PatternSummary struct {
	PatternID   string        `json:"pattern_id"`
	Name        string        `json:"name"`
	Type        PatternType   `json:"type"`
	Status      PatternStatus `json:"status"`
	Severity    Severity      `json:"severity"`
	Occurrences int           `json:"occurrences"`
	Confidence  float64       `json:"confidence"`
}

// ApplicationDigest groups a single application's pattern activity by severity.
type ApplicationDigest struct {
	Application string                        `json:"application"`
	BySeverity  map[Severity][]PatternSummary `json:"by_severity"`
	Total       int                           `json:"total"`
}

// DigestContent aggregates all patterns updated inside a reporting window.
// It is a reporting view, not gated by per-pattern alert decisions.
type DigestContent struct {
	From          time.Time           `json:"from"`
	To            time.Time           `json:"to"`
	Applications  []ApplicationDigest `json:"applications"`
	TotalPatterns int                 `json:"total_patterns"`
}
