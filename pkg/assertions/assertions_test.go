package assertions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateDirectives(t *testing.T) {
	tests := []struct {
		name        string
		constraints string
		finalText   string
		wantPassed  int
		wantTotal   int
	}{
		{
			name:        "contains pass",
			constraints: "contains:JSON",
			finalText:   "Hello JSON world",
			wantPassed:  1,
			wantTotal:   1,
		},
		{
			name:        "contains is case sensitive",
			constraints: "contains:json",
			finalText:   "Hello JSON world",
			wantPassed:  0,
			wantTotal:   1,
		},
		{
			name:        "icontains ignores case",
			constraints: "icontains:json",
			finalText:   "Hello JSON world",
			wantPassed:  1,
			wantTotal:   1,
		},
		{
			name:        "not_contains pass",
			constraints: "not_contains:ERROR",
			finalText:   "Hello JSON world",
			wantPassed:  1,
			wantTotal:   1,
		},
		{
			name:        "not_contains fail",
			constraints: "not_contains:JSON",
			finalText:   "Hello JSON world",
			wantPassed:  0,
			wantTotal:   1,
		},
		{
			name:        "regex pass",
			constraints: `regex:^Hello \w+`,
			finalText:   "Hello JSON world",
			wantPassed:  1,
			wantTotal:   1,
		},
		{
			name:        "malformed regex fails without crashing",
			constraints: `regex:[unclosed`,
			finalText:   "anything",
			wantPassed:  0,
			wantTotal:   1,
		},
		{
			name:        "max_words pass",
			constraints: "max_words:3",
			finalText:   "Hello JSON world",
			wantPassed:  1,
			wantTotal:   1,
		},
		{
			name:        "max_words fail",
			constraints: "max_words:2",
			finalText:   "Hello JSON world",
			wantPassed:  0,
			wantTotal:   1,
		},
		{
			name:        "max_words bad argument fails",
			constraints: "max_words:lots",
			finalText:   "Hello",
			wantPassed:  0,
			wantTotal:   1,
		},
		{
			name:        "unknown directive ignored",
			constraints: "sentiment:positive\ncontains:JSON",
			finalText:   "Hello JSON world",
			wantPassed:  1,
			wantTotal:   1,
		},
		{
			name:        "semicolon separated",
			constraints: "contains:JSON;not_contains:ERROR;max_words:2",
			finalText:   "Hello JSON world",
			wantPassed:  2,
			wantTotal:   3,
		},
		{
			name:        "empty constraints",
			constraints: "",
			finalText:   "Hello",
			wantPassed:  0,
			wantTotal:   0,
		},
		{
			name:        "blank lines skipped",
			constraints: "\n  \ncontains:JSON\n;\n",
			finalText:   "Hello JSON world",
			wantPassed:  1,
			wantTotal:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Evaluate(tt.constraints, tt.finalText)
			assert.Equal(t, tt.wantPassed, result.Passed, "passed")
			assert.Equal(t, tt.wantTotal, result.Total, "total")
			assert.Len(t, result.Details, tt.wantTotal)
		})
	}
}

func TestPassRate(t *testing.T) {
	assert.Equal(t, 1.0, Result{}.PassRate(), "no directives counts as full pass")
	assert.Equal(t, 0.5, Result{Passed: 1, Total: 2}.PassRate())
}

func TestArgumentWhitespaceTrimmed(t *testing.T) {
	// A space after the colon is the natural way to write a directive;
	// the argument must match without it.
	result := Evaluate("contains: Hello", "Hello JSON world")
	assert.Equal(t, 1, result.Passed)

	result = Evaluate("regex: ^Hello\nicontains:  json  ", "Hello JSON world")
	assert.Equal(t, 2, result.Passed)
	assert.Equal(t, 2, result.Total)

	// Interior whitespace is still significant.
	result = Evaluate("contains: Hello JSON", "Hello JSON world")
	assert.Equal(t, 1, result.Passed)
}
