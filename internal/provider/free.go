package provider

import (
	"context"
	"fmt"
	"strings"
)

// Free is the always-available fallback that terminates every provider
// chain. It produces deterministic rule-based remediation guidance so that
// dispatch never fails outright for lack of an AI backend.
type Free struct {
	baseProvider
}

// NewFree builds the free-alternative provider.
func NewFree() *Free {
	return &Free{}
}

func (p *Free) Name() Kind           { return KindFree }
func (p *Free) Available() bool      { return true }
func (p *Free) DefaultModel() string { return "rules-v1" }

// GenerateFix emits templated guidance derived from the error type and
// message keywords.
func (p *Free) GenerateFix(ctx context.Context, req *FixRequest) (*Response, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "Automated triage for %s (%s)\n\n", req.TicketID, req.ErrorType)
	fmt.Fprintf(&b, "Root Cause: %s reported at %s.\n", firstLine(req.Message), req.Source)
	b.WriteString("Impact: " + impactForPriority(req.Priority) + "\n")
	b.WriteString("Action:\n")
	for _, step := range suggestedSteps(req) {
		b.WriteString("  - " + step + "\n")
	}

	content := b.String()
	p.trackUsage(0, len(content)/4, 0)

	return &Response{
		Content:  content,
		Provider: KindFree,
		Model:    p.DefaultModel(),
		Success:  true,
		Tokens:   len(content) / 4,
	}, nil
}

func impactForPriority(priority string) string {
	switch priority {
	case "P0":
		return "service-stopping; immediate attention required"
	case "P1":
		return "major degradation; fix within the SLA window"
	case "P2":
		return "standard defect; schedule into the current cycle"
	default:
		return "minor; batch with routine maintenance"
	}
}

func suggestedSteps(req *FixRequest) []string {
	msg := strings.ToLower(req.Message + " " + req.ErrorType)
	var steps []string

	switch {
	case strings.Contains(msg, "nil") || strings.Contains(msg, "none"):
		steps = append(steps, "Add a guard for the missing value before dereference.")
	case strings.Contains(msg, "timeout"):
		steps = append(steps, "Check the upstream dependency's latency and raise or retry the deadline.")
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied"):
		steps = append(steps, "Verify filesystem or API permissions for the failing principal.")
	case strings.Contains(msg, "database") || strings.Contains(msg, "sql"):
		steps = append(steps, "Inspect the failing query and the schema it assumes.")
	default:
		steps = append(steps, "Reproduce the error with the captured stack trace and inputs.")
	}

	steps = append(steps,
		"Add a regression test covering the failing path.",
		"Verify the fix against the original stack trace before closing.")
	return steps
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
