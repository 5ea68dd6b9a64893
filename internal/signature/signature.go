package signature

import (
	"regexp"
	"strings"

	"github.com/faultlinehq/faultline/internal/models"
)

// Rule replaces one class of volatile token in an error message with a
// stable placeholder.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// DefaultRules strips the volatile tokens that commonly vary between
// occurrences of the same fault. Order matters: structured tokens (UUIDs,
// timestamps, paths) must be replaced before the bare-number rule eats them.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "uuid",
			Pattern:     regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`),
			Replacement: "<uuid>",
		},
		{
			Name:        "timestamp",
			Pattern:     regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`),
			Replacement: "<ts>",
		},
		{
			Name:        "filepath",
			Pattern:     regexp.MustCompile(`(?:[A-Za-z]:)?(?:[\\/][\w.\-]+){2,}`),
			Replacement: "<path>",
		},
		{
			Name:        "hexid",
			Pattern:     regexp.MustCompile(`\b0x[0-9a-fA-F]+\b|\b[0-9a-fA-F]{16,}\b`),
			Replacement: "<hex>",
		},
		{
			Name:        "quoted",
			Pattern:     regexp.MustCompile(`'[^']*'|"[^"]*"`),
			Replacement: "<val>",
		},
		{
			Name:        "number",
			Pattern:     regexp.MustCompile(`\b\d+\b`),
			Replacement: "<num>",
		},
	}
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// defaultFrameworkPrefixes identify stack frames that belong to runtime or
// framework code rather than application code.
var defaultFrameworkPrefixes = []string{
	"System.",
	"Microsoft.",
	"java.",
	"javax.",
	"sun.",
	"net/http.",
	"runtime.",
	"node_modules/",
}

// Extractor derives a normalized, comparable fingerprint from an error entry.
// It is a pure function over the entry; extractors are safe for concurrent use.
type Extractor struct {
	rules             []Rule
	frameworkPrefixes []string
}

// NewExtractor builds an Extractor. Passing no rules selects DefaultRules.
func NewExtractor(rules ...Rule) *Extractor {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Extractor{rules: rules, frameworkPrefixes: defaultFrameworkPrefixes}
}

// Signature returns exceptionType + "|" + normalizedMessage + "|" + topStackFrame.
// A malformed or empty message falls back to the exception type alone; the
// extractor never fails.
func (e *Extractor) Signature(entry models.ErrorEntry) string {
	normalized := e.Normalize(entry.Message)
	if normalized == "" {
		return entry.ExceptionType
	}
	return entry.ExceptionType + "|" + normalized + "|" + e.TopStackFrame(entry.StackTrace)
}

// Normalize applies the replacement rules and collapses whitespace.
func (e *Extractor) Normalize(message string) string {
	normalized := message
	for _, rule := range e.rules {
		normalized = rule.Pattern.ReplaceAllString(normalized, rule.Replacement)
	}
	normalized = whitespaceRe.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}

// TopStackFrame returns the first non-framework frame of a stack trace,
// normalized by the same rules, or "" when no trace is present.
func (e *Extractor) TopStackFrame(stackTrace string) string {
	if stackTrace == "" {
		return ""
	}
	for _, line := range strings.Split(stackTrace, "\n") {
		frame := strings.TrimSpace(line)
		frame = strings.TrimPrefix(frame, "at ")
		if frame == "" {
			continue
		}
		if e.isFrameworkFrame(frame) {
			continue
		}
		return e.Normalize(frame)
	}
	return ""
}

func (e *Extractor) isFrameworkFrame(frame string) bool {
	for _, prefix := range e.frameworkPrefixes {
		if strings.HasPrefix(frame, prefix) {
			return true
		}
	}
	return false
}
