package ingest

import (
	"strings"

	"github.com/arctek/actifix/internal/ticket"
)

// classifyRule maps keywords to a priority. Rules run in order; the first
// match wins, so the P0 rules must stay ahead of the broader ones.
type classifyRule struct {
	keywords []string
	priority ticket.Priority
}

var classifyRules = []classifyRule{
	{[]string{"fatal", "crash", "panic", "corrupt", "data loss", "segfault"}, ticket.PriorityP0},
	{[]string{"database", "security", "auth", "unauthorized", "injection", "leak"}, ticket.PriorityP1},
	{[]string{"warning", "deprecated", "deprecation"}, ticket.PriorityP3},
	{[]string{"lint", "format", "style", "typo"}, ticket.PriorityP4},
}

// ClassifyPriority infers a priority from the error type and message when
// the caller did not supply one. Deterministic: same input, same answer.
func ClassifyPriority(errorType, message string) ticket.Priority {
	haystack := strings.ToLower(errorType + " " + message)
	for _, rule := range classifyRules {
		for _, kw := range rule.keywords {
			if strings.Contains(haystack, kw) {
				return rule.priority
			}
		}
	}
	return ticket.PriorityP2
}
