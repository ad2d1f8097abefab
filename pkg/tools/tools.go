// Package tools hosts the built-in tool implementations the loop
// controller executes on the model's behalf.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrToolExecution marks a failed or unknown tool invocation.
var ErrToolExecution = errors.New("tool execution error")

// Built-in tool names.
const (
	ToolCalculator        = "calculator"
	ToolJSONValidate      = "json_validate"
	ToolExtractCodeBlocks = "extract_code_blocks"
)

// Execute runs a built-in tool and returns its result payload.
func Execute(name string, args map[string]any) (map[string]any, error) {
	switch name {
	case ToolCalculator:
		result, err := Calculate(stringArg(args, "expression"))
		if err != nil {
			return nil, err
		}

		return map[string]any{"result": result}, nil
	case ToolJSONValidate:
		return JSONValidate(stringArg(args, "json_string")), nil
	case ToolExtractCodeBlocks:
		return map[string]any{"blocks": ExtractCodeBlocks(stringArg(args, "text"))}, nil
	default:
		return nil, fmt.Errorf("%w: unknown tool: %s", ErrToolExecution, name)
	}
}

// JSONValidate reports whether the input parses as JSON.
func JSONValidate(jsonString string) map[string]any {
	var v any
	if err := json.Unmarshal([]byte(jsonString), &v); err != nil {
		return map[string]any{"valid": false, "error": err.Error()}
	}

	return map[string]any{"valid": true}
}

var codeBlockPattern = regexp.MustCompile("(?s)```(?:[a-zA-Z0-9_+-]+)?\n(.*?)```")

// ExtractCodeBlocks returns the trimmed contents of fenced code
// blocks, with or without a language tag.
func ExtractCodeBlocks(text string) []string {
	matches := codeBlockPattern.FindAllStringSubmatch(text, -1)

	blocks := make([]string, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, strings.TrimSpace(m[1]))
	}

	return blocks
}

// FallbackCall is a tool invocation recovered from plain text output.
type FallbackCall struct {
	Name string
	Args map[string]any
}

var embeddedJSONPattern = regexp.MustCompile(`(?s)\{.*\}`)

// ParseFallbackCommand recovers a tool command from models that emit a
// JSON object like {"tool": ..., "args": {...}} as text instead of a
// native tool call. Returns nil when no such command is present.
func ParseFallbackCommand(text string) *FallbackCall {
	var payload map[string]any

	stripped := strings.TrimSpace(text)
	if strings.HasPrefix(stripped, "{") && strings.HasSuffix(stripped, "}") {
		_ = json.Unmarshal([]byte(stripped), &payload)
	}

	if payload == nil {
		match := embeddedJSONPattern.FindString(text)
		if match == "" {
			return nil
		}

		if err := json.Unmarshal([]byte(match), &payload); err != nil {
			return nil
		}
	}

	name, ok := payload["tool"].(string)
	if !ok {
		return nil
	}

	args, ok := payload["args"].(map[string]any)
	if !ok {
		if _, present := payload["args"]; present {
			return nil
		}

		args = map[string]any{}
	}

	return &FallbackCall{Name: name, Args: args}
}

func stringArg(args map[string]any, key string) string {
	value, ok := args[key]
	if !ok {
		return ""
	}

	switch v := value.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
