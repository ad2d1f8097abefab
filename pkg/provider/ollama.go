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

// ollamaAdapter speaks the Ollama native chat protocol: newline
// delimited JSON objects streamed from POST /api/chat.
type ollamaAdapter struct {
	log logrus.FieldLogger
}

// NewOllamaAdapter creates the adapter for local Ollama endpoints.
func NewOllamaAdapter(log logrus.FieldLogger) Adapter {
	return &ollamaAdapter{
		log: log.WithField("adapter", string(store.ProviderOllama)),
	}
}

var _ Adapter = (*ollamaAdapter)(nil)

func (a *ollamaAdapter) Type() store.ProviderType {
	return store.ProviderOllama
}

func (a *ollamaAdapter) RequiresAuth() bool {
	return false
}

type ollamaChunk struct {
	Message struct {
		Role      string `json:"role"`
		Content   string `json:"content"`
		ToolCalls []struct {
			Function struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	} `json:"message"`
	Done      bool   `json:"done"`
	EvalCount int    `json:"eval_count"`
	Error     string `json:"error"`
}

func (a *ollamaAdapter) Dispatch(
	ctx context.Context,
	conn *store.Connection,
	_ vault.Auth,
	req ChatRequest,
	timeout time.Duration,
) <-chan Event {
	ch := make(chan Event, 16)

	go func() {
		defer close(ch)

		dispatchCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		body := map[string]any{
			"model":    req.Model,
			"messages": ollamaMessages(req.Messages),
			"stream":   true,
			"options":  ollamaOptions(req),
		}
		if len(req.Tools) > 0 {
			body["tools"] = req.Tools
		}

		payload, err := json.Marshal(body)
		if err != nil {
			ch <- Event{Type: EventError, Err: NewError(KindBadRequest, "encoding request: %v", err)}

			return
		}

		url := strings.TrimRight(conn.BaseURL, "/") + "/api/chat"

		httpReq, err := http.NewRequestWithContext(dispatchCtx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			ch <- Event{Type: EventError, Err: NewError(KindBadRequest, "building request: %v", err)}

			return
		}

		httpReq.Header.Set("Content-Type", "application/json")

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

// stream consumes NDJSON chunks until the done marker.
func (a *ollamaAdapter) stream(ctx context.Context, body io.Reader, ch chan<- Event) {
	var (
		text       strings.Builder
		toolCalls  []ToolCall
		sentTTFT   bool
		started    = time.Now()
		lastChunk  ollamaChunk
		seenDone   bool
		rawPayload map[string]any
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			ch <- Event{Type: EventError, Err: NewError(KindProtocolMismatch, "decoding chunk: %v", err)}

			return
		}

		if chunk.Error != "" {
			ch <- Event{Type: EventError, Err: NewError(KindServerError, "%s", chunk.Error)}

			return
		}

		if chunk.Message.Content != "" {
			if !sentTTFT {
				sentTTFT = true
				ch <- Event{Type: EventTTFT, TTFTMs: time.Since(started).Milliseconds()}
			}

			text.WriteString(chunk.Message.Content)
			ch <- Event{Type: EventTokenDelta, Text: chunk.Message.Content}
		}

		for _, tc := range chunk.Message.ToolCalls {
			toolCalls = append(toolCalls, ToolCall{
				ID:   fmt.Sprintf("call_%d", len(toolCalls)),
				Name: tc.Function.Name,
				Args: tc.Function.Arguments,
			})
		}

		if chunk.Done {
			lastChunk = chunk
			seenDone = true
			_ = json.Unmarshal(line, &rawPayload)

			break
		}
	}

	if err := scanner.Err(); err != nil {
		ch <- Event{Type: EventError, Err: ClassifyTransportError(err)}

		return
	}

	if !seenDone && ctx.Err() != nil {
		ch <- Event{Type: EventError, Err: ClassifyTransportError(ctx.Err())}

		return
	}

	if len(toolCalls) > 0 {
		ch <- Event{Type: EventToolCalls, ToolCalls: toolCalls}
	}

	final := &Response{
		Text:       text.String(),
		ToolCalls:  toolCalls,
		Style:      StyleFunctionCall,
		RawPayload: rawPayload,
	}
	if lastChunk.EvalCount > 0 {
		tokens := lastChunk.EvalCount
		final.OutputTokens = &tokens
	}

	ch <- Event{Type: EventFinal, Final: final}
}

func (a *ollamaAdapter) DiscoverModels(
	ctx context.Context, conn *store.Connection, _ vault.Auth,
) ([]string, error) {
	url := strings.TrimRight(conn.BaseURL, "/") + "/api/tags"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, ClassifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return nil, ClassifyStatus(resp.StatusCode, string(errBody))
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, NewError(KindProtocolMismatch, "decoding model list: %v", err)
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}

	return names, nil
}

func ollamaMessages(messages []ChatMessage) []map[string]any {
	out := make([]map[string]any, 0, len(messages))

	for _, m := range messages {
		msg := map[string]any{
			"role":    m.Role,
			"content": m.Content,
		}

		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, map[string]any{
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": tc.Args,
					},
				})
			}

			msg["tool_calls"] = calls
		}

		out = append(out, msg)
	}

	return out
}

func ollamaOptions(req ChatRequest) map[string]any {
	opts := map[string]any{
		"temperature": req.Temperature,
		"top_p":       req.TopP,
	}

	if req.MaxTokens != nil {
		opts["num_predict"] = *req.MaxTokens
	}

	if len(req.Stop) > 0 {
		opts["stop"] = req.Stop
	}

	if req.Seed != nil {
		opts["seed"] = *req.Seed
	}

	return opts
}
