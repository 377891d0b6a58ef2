package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arctek/actifix/internal/ticket"
)

func TestComputeGuardDeterministic(t *testing.T) {
	a := ComputeGuard("ValueError", "invalid literal for int", "app/parse.go:42")
	b := ComputeGuard("ValueError", "invalid literal for int", "app/parse.go:42")
	assert.Equal(t, a, b)
}

func TestComputeGuardIgnoresLineNumbersAndPaths(t *testing.T) {
	base := ComputeGuard("TypeError", "cannot read property at /home/alice/app/main.go:10", "/home/alice/app/main.go:10")

	differentLine := ComputeGuard("TypeError", "cannot read property at /home/alice/app/main.go:99", "/home/alice/app/main.go:99")
	assert.Equal(t, base, differentLine)

	differentPath := ComputeGuard("TypeError", "cannot read property at /opt/deploy/app/main.go:10", "/opt/deploy/app/main.go:10")
	assert.Equal(t, base, differentPath)
}

func TestComputeGuardIgnoresIntegers(t *testing.T) {
	a := ComputeGuard("TimeoutError", "request timed out after 30 seconds", "")
	b := ComputeGuard("TimeoutError", "request timed out after 45 seconds", "")
	assert.Equal(t, a, b)
}

func TestComputeGuardCaseInsensitive(t *testing.T) {
	a := ComputeGuard("DBError", "Connection Refused", "")
	b := ComputeGuard("DBError", "connection refused", "")
	assert.Equal(t, a, b)
}

func TestComputeGuardDistinguishesErrorTypes(t *testing.T) {
	a := ComputeGuard("ValueError", "bad input", "")
	b := ComputeGuard("TypeError", "bad input", "")
	assert.NotEqual(t, a, b)
}

func TestComputeGuardFormat(t *testing.T) {
	g := ComputeGuard("Null-Pointer Exception!", "boom", "")
	assert.Regexp(t, `^ACTIFIX-[a-z0-9]{1,24}-[0-9a-f]{12}$`, g)

	empty := ComputeGuard("!!!", "boom", "")
	assert.Regexp(t, `^ACTIFIX-error-[0-9a-f]{12}$`, empty)
}

func TestFirstMeaningfulStackLine(t *testing.T) {
	stack := "goroutine 1 [running]:\nruntime.gopanic(0x1234)\n\tapp/worker.go:17\nmain.process()\n"
	assert.Equal(t, "app/worker.go:17", firstMeaningfulStackLine(stack))
	assert.Equal(t, "", firstMeaningfulStackLine(""))
}

func TestClassifyPriority(t *testing.T) {
	cases := []struct {
		errorType string
		message   string
		want      ticket.Priority
	}{
		{"PanicError", "goroutine panic in handler", ticket.PriorityP0},
		{"Error", "fatal: data loss detected", ticket.PriorityP0},
		{"DBError", "database connection refused", ticket.PriorityP1},
		{"AuthError", "unauthorized access attempt", ticket.PriorityP1},
		{"DeprecationWarning", "deprecated API used", ticket.PriorityP3},
		{"LintError", "format violation", ticket.PriorityP4},
		{"RuntimeError", "something unexpected", ticket.PriorityP2},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyPriority(tc.errorType, tc.message),
			"%s / %s", tc.errorType, tc.message)
	}
}

func TestClassifyPriorityFirstMatchWins(t *testing.T) {
	// "fatal database" hits the P0 rule before the P1 rule.
	assert.Equal(t, ticket.PriorityP0, ClassifyPriority("Error", "fatal database corruption"))
}

func TestTruncateStackKeepsHeadAndTail(t *testing.T) {
	stack := ""
	for i := 0; i < 200; i++ {
		stack += "frame line with some padding text\n"
	}
	out := truncateStack(stack, 500)
	assert.LessOrEqual(t, len(out), 600)
	assert.Contains(t, out, "... [truncated] ...")
	assert.Contains(t, out, "frame line")

	short := "one\ntwo\n"
	assert.Equal(t, short, truncateStack(short, 500))
}
