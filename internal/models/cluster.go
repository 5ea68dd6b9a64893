package models

import "time"

// ErrorCluster groups error entries believed to stem from the same underlying fault.
// Membership is owned exclusively by the clustering engine; clusters are never
// deleted, only aged out of the active window.
type ErrorCluster struct {
	ID                 string    `json:"id"`
	PatternSignature   string    `json:"pattern_signature"`
	RepresentativeError string   `json:"representative_error"`
	ErrorIDs           []string  `json:"error_ids"`
	FirstSeen          time.Time `json:"first_seen"`
	LastSeen           time.Time `json:"last_seen"`
	Severity           Severity  `json:"severity"`
	SuggestedRootCause string    `json:"suggested_root_cause,omitempty"`
	AffectedUsers      []string  `json:"affected_users,omitempty"`
	AffectedEndpoints  []string  `json:"affected_endpoints,omitempty"`
	ApplicationName    string    `json:"application_name"`
	Repository         string    `json:"repository,omitempty"`
	Team               string    `json:"team,omitempty"`
	Created            time.Time `json:"created"`
	Updated            time.Time `json:"updated"`
}

// Occurrences is derived from membership so the cluster invariant
// occurrences == len(members) holds by construction.
func (c ErrorCluster) Occurrences() int {
	return len(c.ErrorIDs)
}
