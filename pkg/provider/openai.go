package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/llmrace/llmrace/pkg/store"
	"github.com/llmrace/llmrace/pkg/vault"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// openaiAdapter serves every provider speaking the OpenAI chat
// completions protocol: OpenAI itself, OpenRouter, llama.cpp's server,
// and generic compatible endpoints. Base paths and extra headers vary
// per type; everything else is shared.
type openaiAdapter struct {
	log          logrus.FieldLogger
	providerType store.ProviderType
}

// NewOpenAIAdapter creates an adapter instance for one member of the
// OpenAI-compatible family.
func NewOpenAIAdapter(log logrus.FieldLogger, t store.ProviderType) Adapter {
	return &openaiAdapter{
		log:          log.WithField("adapter", string(t)),
		providerType: t,
	}
}

var _ Adapter = (*openaiAdapter)(nil)

func (a *openaiAdapter) Type() store.ProviderType {
	return a.providerType
}

func (a *openaiAdapter) RequiresAuth() bool {
	switch a.providerType {
	case store.ProviderOpenAI, store.ProviderOpenRouter:
		return true
	default:
		return false
	}
}

// headerTransport injects per-provider headers under the SDK's own
// Authorization handling.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	return t.base.RoundTrip(req)
}

func (a *openaiAdapter) baseURL(conn *store.Connection) string {
	base := strings.TrimRight(conn.BaseURL, "/")

	if a.providerType == store.ProviderOpenRouter {
		if !strings.HasSuffix(base, "/api/v1") {
			base += "/api/v1"
		}

		return base
	}

	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}

	return base
}

func (a *openaiAdapter) extraHeaders(auth vault.Auth) map[string]string {
	switch a.providerType {
	case store.ProviderOpenRouter:
		return map[string]string{
			"HTTP-Referer": "https://github.com/llmrace/llmrace",
			"X-Title":      "llmrace",
		}
	case store.ProviderOpenAICompat, store.ProviderLlamaCPP, store.ProviderCustom:
		// Compatible gateways disagree on the auth header they read;
		// send the token under both common aliases alongside the
		// SDK's Authorization bearer.
		if auth.Token == "" {
			return nil
		}

		return map[string]string{
			"X-API-Key": auth.Token,
			"api-key":   auth.Token,
		}
	default:
		return nil
	}
}

func (a *openaiAdapter) newClient(conn *store.Connection, auth vault.Auth) *openai.Client {
	cfg := openai.DefaultConfig(auth.Token)
	cfg.BaseURL = a.baseURL(conn)

	if headers := a.extraHeaders(auth); len(headers) > 0 {
		cfg.HTTPClient = &http.Client{
			Transport: &headerTransport{
				base:    http.DefaultTransport,
				headers: headers,
			},
		}
	}

	return openai.NewClientWithConfig(cfg)
}

func (a *openaiAdapter) Dispatch(
	ctx context.Context,
	conn *store.Connection,
	auth vault.Auth,
	req ChatRequest,
	timeout time.Duration,
) <-chan Event {
	ch := make(chan Event, 16)

	go func() {
		defer close(ch)

		if a.RequiresAuth() && auth.Token == "" {
			ch <- Event{Type: EventError, Err: NewError(KindAuthMissing, "no API key resolved for connection %q", conn.Name)}

			return
		}

		dispatchCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		client := a.newClient(conn, auth)

		stream, err := client.CreateChatCompletionStream(dispatchCtx, a.buildRequest(req))
		if err != nil {
			ch <- Event{Type: EventError, Err: classifyOpenAIError(err)}

			return
		}
		defer stream.Close()

		a.consume(stream, ch)
	}()

	return ch
}

func (a *openaiAdapter) buildRequest(req ChatRequest) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    openaiMessages(req.Messages),
		Temperature: float32(req.Temperature),
		TopP:        float32(req.TopP),
		Stream:      true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}

	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	if len(req.Stop) > 0 {
		out.Stop = req.Stop
	}

	if req.Seed != nil {
		out.Seed = req.Seed
	}

	if len(req.Tools) > 0 {
		out.Tools = openaiTools(req.Tools)
	}

	return out
}

// toolCallFragment accumulates streamed tool-call deltas by index.
type toolCallFragment struct {
	id   string
	name string
	args strings.Builder
}

func (a *openaiAdapter) consume(stream *openai.ChatCompletionStream, ch chan<- Event) {
	var (
		text      strings.Builder
		fragments = map[int]*toolCallFragment{}
		maxIndex  = -1
		sentTTFT  bool
		started   = time.Now()
		finish    string
		tokens    *int
	)

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			ch <- Event{Type: EventError, Err: classifyOpenAIError(err)}

			return
		}

		if chunk.Usage != nil && chunk.Usage.CompletionTokens > 0 {
			n := chunk.Usage.CompletionTokens
			tokens = &n
		}

		for _, choice := range chunk.Choices {
			if choice.FinishReason != "" {
				finish = string(choice.FinishReason)
			}

			if choice.Delta.Content != "" {
				if !sentTTFT {
					sentTTFT = true
					ch <- Event{Type: EventTTFT, TTFTMs: time.Since(started).Milliseconds()}
				}

				text.WriteString(choice.Delta.Content)
				ch <- Event{Type: EventTokenDelta, Text: choice.Delta.Content}
			}

			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}

				frag, ok := fragments[idx]
				if !ok {
					frag = &toolCallFragment{}
					fragments[idx] = frag
				}

				if idx > maxIndex {
					maxIndex = idx
				}

				if tc.ID != "" {
					frag.id = tc.ID
				}

				if tc.Function.Name != "" {
					frag.name = tc.Function.Name
				}

				frag.args.WriteString(tc.Function.Arguments)
			}
		}
	}

	var toolCalls []ToolCall

	for idx := 0; idx <= maxIndex; idx++ {
		frag, ok := fragments[idx]
		if !ok || frag.name == "" {
			continue
		}

		id := frag.id
		if id == "" {
			id = fmt.Sprintf("call_%d", idx)
		}

		toolCalls = append(toolCalls, ToolCall{
			ID:   id,
			Name: frag.name,
			Args: decodeToolArgs(frag.args.String()),
		})
	}

	if len(toolCalls) > 0 {
		ch <- Event{Type: EventToolCalls, ToolCalls: toolCalls}
	}

	ch <- Event{Type: EventFinal, Final: &Response{
		Text:         text.String(),
		ToolCalls:    toolCalls,
		Style:        StyleFunctionCall,
		StopReason:   finish,
		OutputTokens: tokens,
	}}
}

func (a *openaiAdapter) DiscoverModels(
	ctx context.Context, conn *store.Connection, auth vault.Auth,
) ([]string, error) {
	client := a.newClient(conn, auth)

	list, err := client.ListModels(ctx)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}

	names := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		names = append(names, m.ID)
	}

	return names, nil
}

func classifyOpenAIError(err error) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = err.Error()
		}

		return ClassifyStatus(apiErr.HTTPStatusCode, msg)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return ClassifyStatus(reqErr.HTTPStatusCode, err.Error())
	}

	return ClassifyTransportError(err)
}

func openaiMessages(messages []ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))

	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}

		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: store.ToJSON(tc.Args),
				},
			})
		}

		out = append(out, msg)
	}

	return out
}

func openaiTools(tools []map[string]any) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))

	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}

		name, _ := fn["name"].(string)
		if name == "" {
			continue
		}

		def := &openai.FunctionDefinition{Name: name}

		if desc, ok := fn["description"].(string); ok {
			def.Description = desc
		}

		if params, ok := fn["parameters"]; ok {
			def.Parameters = params
		}

		out = append(out, openai.Tool{
			Type:     openai.ToolTypeFunction,
			Function: def,
		})
	}

	return out
}
