package patterns

import (
	"strings"

	"github.com/faultlinehq/faultline/internal/models"
)

// causeRule maps message and exception keywords to a likely root cause.
// Rules are checked in order; the first hit wins.
type causeRule struct {
	keywords []string
	cause    string
}

var causeRules = []causeRule{
	{
		keywords: []string{"deadlock", "lock wait", "transaction aborted"},
		cause:    "Database contention: transactions are blocking each other",
	},
	{
		keywords: []string{"connection refused", "connection reset", "no such host", "dial tcp"},
		cause:    "Network connectivity failure to a downstream dependency",
	},
	{
		keywords: []string{"sql", "database", "db connection", "query"},
		cause:    "Database connectivity or query failure",
	},
	{
		keywords: []string{"timeout", "timed out", "deadline exceeded", "canceled"},
		cause:    "Downstream dependency responding too slowly",
	},
	{
		keywords: []string{"null reference", "nullreferenceexception", "nil pointer", "nullpointerexception"},
		cause:    "Missing null handling, likely a recent code regression",
	},
	{
		keywords: []string{"out of memory", "outofmemory", "oom", "stack overflow"},
		cause:    "Resource exhaustion on the host",
	},
	{
		keywords: []string{"unauthorized", "forbidden", "token expired", "authentication"},
		cause:    "Credential or token expiry against a secured dependency",
	},
	{
		keywords: []string{"disk full", "no space left", "quota exceeded"},
		cause:    "Storage capacity exhausted",
	},
	{
		keywords: []string{"serialization", "deserialize", "unmarshal", "invalid json", "parse error"},
		cause:    "Payload contract mismatch between services",
	},
}

// inferRootCause derives a likely cause from the group's representative
// errors. Returns "" when no rule matches; operators see no hint rather than
// a wrong one.
func inferRootCause(group []models.ErrorCluster) string {
	var sb strings.Builder
	for _, cluster := range group {
		sb.WriteString(strings.ToLower(cluster.RepresentativeError))
		sb.WriteByte(' ')
		sb.WriteString(strings.ToLower(cluster.PatternSignature))
		sb.WriteByte(' ')
	}
	haystack := sb.String()

	for _, rule := range causeRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(haystack, keyword) {
				return rule.cause
			}
		}
	}
	return ""
}
