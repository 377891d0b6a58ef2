package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

var (
	// pathLike matches absolute and relative path tokens, with or without
	// a trailing :line suffix.
	pathLike = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[./\\][\w.\-\\/]+|/[\w.\-/]+)`)
	digits   = regexp.MustCompile(`\d+`)
	nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)
)

// ComputeGuard derives the duplicate guard for an error. The guard
// identifies the KIND of error: line numbers, absolute paths, and integers
// never change it. Normalisation lowercases, collapses path-like tokens to
// /PATH/, and collapses digit runs to 0 before hashing.
func ComputeGuard(errorType, message, stackLine string) string {
	payload := normalizeForGuard(errorType) + "\x00" +
		normalizeForGuard(message) + "\x00" +
		normalizeForGuard(stackLine)

	sum := sha256.Sum256([]byte(payload))
	slug := hex.EncodeToString(sum[:])[:12]

	typeSlug := nonAlnum.ReplaceAllString(strings.ToLower(errorType), "")
	if typeSlug == "" {
		typeSlug = "error"
	}
	if len(typeSlug) > 24 {
		typeSlug = typeSlug[:24]
	}

	return fmt.Sprintf("ACTIFIX-%s-%s", typeSlug, slug)
}

func normalizeForGuard(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = pathLike.ReplaceAllString(s, "/PATH/")
	s = digits.ReplaceAllString(s, "0")
	return s
}

// firstMeaningfulStackLine returns the first stack line that references
// caller code rather than runtime or library frames.
func firstMeaningfulStackLine(stack string) string {
	for _, line := range strings.Split(stack, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "goroutine ") ||
			strings.Contains(lower, "runtime/") ||
			strings.Contains(lower, "runtime.") {
			continue
		}
		return trimmed
	}
	return ""
}
