package models

import "time"

// ErrorEntry is a single observed error instance ingested from the telemetry source.
// Entries are immutable once created except for ClusterID, which the clustering
// engine writes exactly once on assignment.
type ErrorEntry struct {
	ID              string            `json:"id"`
	Timestamp       time.Time         `json:"timestamp"`
	Message         string            `json:"message"`
	StackTrace      string            `json:"stack_trace,omitempty"`
	ExceptionType   string            `json:"exception_type"`
	Source          string            `json:"source"`
	ApplicationName string            `json:"application_name"`
	Repository      string            `json:"repository,omitempty"`
	Team            string            `json:"team,omitempty"`
	StatusCode      int               `json:"status_code,omitempty"`
	Endpoint        string            `json:"endpoint,omitempty"`
	Duration        float64           `json:"duration,omitempty"`
	UserAgent       string            `json:"user_agent,omitempty"`
	Host            string            `json:"host,omitempty"`
	Context         map[string]string `json:"context,omitempty"`
	ClusterID       string            `json:"cluster_id,omitempty"`
	Created         time.Time         `json:"created"`
}

// Severity captures impact levels for clusters and alert decisions.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)
