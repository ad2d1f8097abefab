package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/llmrace/llmrace/pkg/store"
	"github.com/llmrace/llmrace/pkg/vault"
	"github.com/sirupsen/logrus"
)

const anthropicVersion = "2023-06-01"

// defaultAnthropicMaxTokens applies when the car sets no cap; the
// Messages API rejects requests without one.
const defaultAnthropicMaxTokens = 1024

// anthropicAdapter speaks the Anthropic Messages API over server-sent
// events.
type anthropicAdapter struct {
	log logrus.FieldLogger
}

// NewAnthropicAdapter creates the adapter for Anthropic endpoints.
func NewAnthropicAdapter(log logrus.FieldLogger) Adapter {
	return &anthropicAdapter{
		log: log.WithField("adapter", string(store.ProviderAnthropic)),
	}
}

var _ Adapter = (*anthropicAdapter)(nil)

func (a *anthropicAdapter) Type() store.ProviderType {
	return store.ProviderAnthropic
}

func (a *anthropicAdapter) RequiresAuth() bool {
	return true
}

func (a *anthropicAdapter) Dispatch(
	ctx context.Context,
	conn *store.Connection,
	auth vault.Auth,
	req ChatRequest,
	timeout time.Duration,
) <-chan Event {
	ch := make(chan Event, 16)

	go func() {
		defer close(ch)

		if auth.Token == "" {
			ch <- Event{Type: EventError, Err: NewError(KindAuthMissing, "no API key resolved for connection %q", conn.Name)}

			return
		}

		dispatchCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		payload, err := json.Marshal(a.buildBody(req))
		if err != nil {
			ch <- Event{Type: EventError, Err: NewError(KindBadRequest, "encoding request: %v", err)}

			return
		}

		url := strings.TrimRight(conn.BaseURL, "/") + "/v1/messages"

		httpReq, err := http.NewRequestWithContext(dispatchCtx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			ch <- Event{Type: EventError, Err: NewError(KindBadRequest, "building request: %v", err)}

			return
		}

		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", auth.Token)
		httpReq.Header.Set("anthropic-version", anthropicVersion)

		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			ch <- Event{Type: EventError, Err: ClassifyTransportError(err)}

			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			ch <- Event{Type: EventError, Err: ClassifyStatus(resp.StatusCode, string(errBody))}

			return
		}

		a.stream(dispatchCtx, resp.Body, ch)
	}()

	return ch
}

func (a *anthropicAdapter) buildBody(req ChatRequest) map[string]any {
	maxTokens := defaultAnthropicMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	body := map[string]any{
		"model":       req.Model,
		"max_tokens":  maxTokens,
		"stream":      true,
		"temperature": req.Temperature,
		"top_p":       req.TopP,
		"messages":    anthropicMessages(req.Messages),
	}

	if system := systemPrompt(req.Messages); system != "" {
		body["system"] = system
	}

	if len(req.Stop) > 0 {
		body["stop_sequences"] = req.Stop
	}

	if len(req.Tools) > 0 {
		body["tools"] = anthropicTools(req.Tools)
	}

	return body
}

// toolUseBlock accumulates one streamed tool_use content block.
type toolUseBlock struct {
	id       string
	name     string
	argsJSON strings.Builder
}

func (a *anthropicAdapter) stream(ctx context.Context, body io.Reader, ch chan<- Event) {
	var (
		text      strings.Builder
		toolCalls []ToolCall
		blocks    = map[int]*toolUseBlock{}
		sentTTFT  bool
		started   = time.Now()
		stop      string
		tokens    *int
		done      bool
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var ev struct {
			Type  string `json:"type"`
			Index int    `json:"index"`
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
			ContentBlock struct {
				Type string `json:"type"`
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"content_block"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				PartialJSON string `json:"partial_json"`
				StopReason  string `json:"stop_reason"`
			} `json:"delta"`
			Usage struct {
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			ch <- Event{Type: EventError, Err: NewError(KindProtocolMismatch, "decoding stream event: %v", err)}

			return
		}

		switch ev.Type {
		case "error":
			ch <- Event{Type: EventError, Err: NewError(KindServerError, "%s", ev.Error.Message)}

			return
		case "content_block_start":
			if ev.ContentBlock.Type == "tool_use" {
				blocks[ev.Index] = &toolUseBlock{
					id:   ev.ContentBlock.ID,
					name: ev.ContentBlock.Name,
				}
			}
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				if ev.Delta.Text == "" {
					continue
				}

				if !sentTTFT {
					sentTTFT = true
					ch <- Event{Type: EventTTFT, TTFTMs: time.Since(started).Milliseconds()}
				}

				text.WriteString(ev.Delta.Text)
				ch <- Event{Type: EventTokenDelta, Text: ev.Delta.Text}
			case "input_json_delta":
				if block, ok := blocks[ev.Index]; ok {
					block.argsJSON.WriteString(ev.Delta.PartialJSON)
				}
			}
		case "content_block_stop":
			if block, ok := blocks[ev.Index]; ok {
				toolCalls = append(toolCalls, ToolCall{
					ID:   block.id,
					Name: block.name,
					Args: decodeToolArgs(block.argsJSON.String()),
				})
				delete(blocks, ev.Index)
			}
		case "message_delta":
			if ev.Delta.StopReason != "" {
				stop = ev.Delta.StopReason
			}

			if ev.Usage.OutputTokens > 0 {
				n := ev.Usage.OutputTokens
				tokens = &n
			}
		case "message_stop":
			done = true
		}

		if done {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		ch <- Event{Type: EventError, Err: ClassifyTransportError(err)}

		return
	}

	if !done && ctx.Err() != nil {
		ch <- Event{Type: EventError, Err: ClassifyTransportError(ctx.Err())}

		return
	}

	if len(toolCalls) > 0 {
		ch <- Event{Type: EventToolCalls, ToolCalls: toolCalls}
	}

	ch <- Event{Type: EventFinal, Final: &Response{
		Text:         text.String(),
		ToolCalls:    toolCalls,
		Style:        StyleToolUse,
		StopReason:   stop,
		OutputTokens: tokens,
	}}
}

func (a *anthropicAdapter) DiscoverModels(
	ctx context.Context, conn *store.Connection, auth vault.Auth,
) ([]string, error) {
	url := strings.TrimRight(conn.BaseURL, "/") + "/v1/models"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	httpReq.Header.Set("x-api-key", auth.Token)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, ClassifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return nil, ClassifyStatus(resp.StatusCode, string(errBody))
	}

	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, NewError(KindProtocolMismatch, "decoding model list: %v", err)
	}

	names := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		names = append(names, m.ID)
	}

	return names, nil
}

// systemPrompt extracts the system turn; the Messages API carries it
// outside the message list.
func systemPrompt(messages []ChatMessage) string {
	for _, m := range messages {
		if m.Role == RoleSystem {
			return m.Content
		}
	}

	return ""
}

func anthropicMessages(messages []ChatMessage) []map[string]any {
	out := make([]map[string]any, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			continue
		case RoleTool:
			out = append(out, map[string]any{
				"role": RoleUser,
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     m.Content,
				}},
			})
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, map[string]any{"role": m.Role, "content": m.Content})

				continue
			}

			content := make([]map[string]any, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				content = append(content, map[string]any{"type": "text", "text": m.Content})
			}

			for _, tc := range m.ToolCalls {
				content = append(content, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": tc.Args,
				})
			}

			out = append(out, map[string]any{"role": m.Role, "content": content})
		default:
			out = append(out, map[string]any{"role": m.Role, "content": m.Content})
		}
	}

	return out
}

// anthropicTools converts OpenAI function schemas to Anthropic tool
// definitions.
func anthropicTools(tools []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(tools))

	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}

		tool := map[string]any{
			"name": fn["name"],
		}

		if desc, ok := fn["description"]; ok {
			tool["description"] = desc
		}

		if params, ok := fn["parameters"]; ok {
			tool["input_schema"] = params
		} else {
			tool["input_schema"] = map[string]any{"type": "object"}
		}

		out = append(out, tool)
	}

	return out
}

// decodeToolArgs parses argument JSON, keeping unparseable text under
// a raw key instead of dropping the call.
func decodeToolArgs(s string) map[string]any {
	s = strings.TrimSpace(s)
	if s == "" {
		return map[string]any{}
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(s), &args); err != nil {
		return map[string]any{"raw": s}
	}

	return args
}
