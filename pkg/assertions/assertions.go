// Package assertions evaluates deterministic output checks. A test's
// expected constraints are newline- or semicolon-separated directives,
// each a case-sensitive keyword and a colon-separated argument.
package assertions

import (
	"regexp"
	"strconv"
	"strings"
)

// Supported directive keywords.
const (
	DirectiveContains    = "contains"
	DirectiveIContains   = "icontains"
	DirectiveNotContains = "not_contains"
	DirectiveRegex       = "regex"
	DirectiveMaxWords    = "max_words"
)

// DirectiveResult is the outcome of one evaluated directive.
type DirectiveResult struct {
	Directive string `json:"directive"`
	Argument  string `json:"argument"`
	Passed    bool   `json:"passed"`
	Detail    string `json:"detail,omitempty"`
}

// Result holds pass/total counts plus per-directive detail. Total
// excludes ignored (unknown) directives.
type Result struct {
	Passed  int               `json:"passed"`
	Total   int               `json:"total"`
	Details []DirectiveResult `json:"details"`
}

// PassRate returns passed/total, or 1 when no directives applied.
func (r Result) PassRate() float64 {
	if r.Total == 0 {
		return 1
	}

	return float64(r.Passed) / float64(r.Total)
}

// Evaluate applies every recognized directive in constraints to
// finalText. Unknown directives are skipped; a malformed regex counts
// as a failed directive rather than an error.
func Evaluate(constraints, finalText string) Result {
	result := Result{}

	for _, line := range splitDirectives(constraints) {
		keyword, arg, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}

		keyword = strings.TrimSpace(keyword)
		arg = strings.TrimSpace(arg)

		var detail DirectiveResult

		switch keyword {
		case DirectiveContains:
			detail = checkContains(finalText, arg)
		case DirectiveIContains:
			detail = checkIContains(finalText, arg)
		case DirectiveNotContains:
			detail = checkNotContains(finalText, arg)
		case DirectiveRegex:
			detail = checkRegex(finalText, arg)
		case DirectiveMaxWords:
			detail = checkMaxWords(finalText, arg)
		default:
			// Unknown keyword: ignored, excluded from total.
			continue
		}

		result.Total++

		if detail.Passed {
			result.Passed++
		}

		result.Details = append(result.Details, detail)
	}

	return result
}

// splitDirectives splits on newlines and semicolons, dropping blanks.
func splitDirectives(constraints string) []string {
	var out []string

	for _, line := range strings.FieldsFunc(constraints, func(r rune) bool {
		return r == '\n' || r == ';'
	}) {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}

	return out
}

func checkContains(text, arg string) DirectiveResult {
	return DirectiveResult{
		Directive: DirectiveContains,
		Argument:  arg,
		Passed:    strings.Contains(text, arg),
	}
}

func checkIContains(text, arg string) DirectiveResult {
	return DirectiveResult{
		Directive: DirectiveIContains,
		Argument:  arg,
		Passed:    strings.Contains(strings.ToLower(text), strings.ToLower(arg)),
	}
}

func checkNotContains(text, arg string) DirectiveResult {
	return DirectiveResult{
		Directive: DirectiveNotContains,
		Argument:  arg,
		Passed:    !strings.Contains(text, arg),
	}
}

func checkRegex(text, arg string) DirectiveResult {
	re, err := regexp.Compile(arg)
	if err != nil {
		return DirectiveResult{
			Directive: DirectiveRegex,
			Argument:  arg,
			Passed:    false,
			Detail:    "invalid pattern: " + err.Error(),
		}
	}

	return DirectiveResult{
		Directive: DirectiveRegex,
		Argument:  arg,
		Passed:    re.MatchString(text),
	}
}

func checkMaxWords(text, arg string) DirectiveResult {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || n < 0 {
		return DirectiveResult{
			Directive: DirectiveMaxWords,
			Argument:  arg,
			Passed:    false,
			Detail:    "invalid word limit",
		}
	}

	count := len(strings.Fields(text))

	return DirectiveResult{
		Directive: DirectiveMaxWords,
		Argument:  arg,
		Passed:    count <= n,
		Detail:    strconv.Itoa(count) + " words",
	}
}
