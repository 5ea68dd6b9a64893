package models

import "time"

// PatternType classifies the temporal/causal behaviour of a pattern.
// Classification is mutually exclusive; when several criteria match the
// detector applies the precedence Correlated > Cyclic > Trending > Persistent > Transient.
type PatternType string

const (
	PatternTransient  PatternType = "transient"
	PatternPersistent PatternType = "persistent"
	PatternTrending   PatternType = "trending"
	PatternCyclic     PatternType = "cyclic"
	PatternCorrelated PatternType = "correlated"
)

// PatternStatus is the operator-facing lifecycle state of a pattern.
type PatternStatus string

const (
	StatusActive             PatternStatus = "active"
	StatusUnderInvestigation PatternStatus = "under_investigation"
	StatusResolved           PatternStatus = "resolved"
	StatusIgnored            PatternStatus = "ignored"
)

// Terminal reports whether the status is operator-final. The detector never
// moves a pattern out of a terminal state; reclassification creates a new pattern.
func (s PatternStatus) Terminal() bool {
	return s == StatusResolved || s == StatusIgnored
}

// CanTransitionTo validates the operator state machine:
// active -> under_investigation, active -> ignored,
// under_investigation -> resolved, under_investigation -> active.
func (s PatternStatus) CanTransitionTo(next PatternStatus) bool {
	switch s {
	case StatusActive:
		return next == StatusUnderInvestigation || next == StatusIgnored
	case StatusUnderInvestigation:
		return next == StatusResolved || next == StatusActive
	default:
		return false
	}
}

// ErrorPattern is a higher-order grouping of one or more clusters sharing a
// causal or temporal relationship.
type ErrorPattern struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Description        string        `json:"description,omitempty"`
	ClusterIDs         []string      `json:"cluster_ids"`
	Type               PatternType   `json:"type"`
	Confidence         float64       `json:"confidence"`
	PotentialRootCause string        `json:"potential_root_cause,omitempty"`
	RelatedPatterns    []string      `json:"related_patterns,omitempty"`
	IdentifiedAt       time.Time     `json:"identified_at"`
	Status             PatternStatus `json:"status"`
	AssignedTo         string        `json:"assigned_to,omitempty"`
	ResolutionNotes    string        `json:"resolution_notes,omitempty"`
	ResolvedAt         *time.Time    `json:"resolved_at,omitempty"`
	ApplicationName    string        `json:"application_name"`
	Repository         string        `json:"repository,omitempty"`
	Team               string        `json:"team,omitempty"`
	Occurrences        int           `json:"occurrences"`
	IsNew              bool          `json:"is_new"`
	Created            time.Time     `json:"created"`
	Updated            time.Time     `json:"updated"`
}

// TrendDirection summarises the fitted slope of a pattern's occurrence timeline.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

// PatternTrend is the result of trend analysis over a time window.
type PatternTrend struct {
	PatternID          string         `json:"pattern_id"`
	Window             time.Duration  `json:"window"`
	Direction          TrendDirection `json:"direction"`
	ChangeRate         float64        `json:"change_rate"`
	IsAccelerating     bool           `json:"is_accelerating"`
	ForecastNextPeriod int            `json:"forecast_next_period"`
	SubIntervalCounts  []int          `json:"sub_interval_counts,omitempty"`
}
