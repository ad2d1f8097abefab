package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/llmrace/llmrace/pkg/store"
	"github.com/llmrace/llmrace/pkg/vault"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

// collect drains a dispatch channel into a slice.
func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()

	var events []Event

	deadline := time.After(5 * time.Second)

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}

			events = append(events, ev)
		case <-deadline:
			t.Fatal("timed out draining dispatch channel")
		}
	}
}

func finalOf(t *testing.T, events []Event) *Response {
	t.Helper()

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, EventFinal, last.Type, "last event: %+v", last)
	require.NotNil(t, last.Final)

	return last.Final
}

func TestRegistryClosedSet(t *testing.T) {
	r := NewRegistry(testLogger())

	for _, pt := range store.AllProviderTypes() {
		adapter, err := r.Get(pt)
		require.NoError(t, err, "provider %s", pt)
		assert.Equal(t, pt, adapter.Type())
	}

	_, err := r.Get(store.ProviderType("MYSTERY"))
	assert.Error(t, err)

	assert.Len(t, r.List(), len(store.AllProviderTypes()))
}

func TestRequiresAuth(t *testing.T) {
	r := NewRegistry(testLogger())

	needsAuth := map[store.ProviderType]bool{
		store.ProviderOllama:       false,
		store.ProviderOpenAI:       true,
		store.ProviderAnthropic:    true,
		store.ProviderOpenRouter:   true,
		store.ProviderOpenAICompat: false,
		store.ProviderLlamaCPP:     false,
		store.ProviderCustom:       false,
	}

	for pt, want := range needsAuth {
		adapter, err := r.Get(pt)
		require.NoError(t, err)
		assert.Equal(t, want, adapter.RequiresAuth(), "provider %s", pt)
	}
}

func TestOllamaDispatchStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")

		chunks := []string{
			`{"message":{"role":"assistant","content":"Hello"},"done":false}`,
			`{"message":{"role":"assistant","content":" world"},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":true,"eval_count":12}`,
		}
		for _, c := range chunks {
			fmt.Fprintln(w, c)
		}
	}))
	defer srv.Close()

	adapter := NewOllamaAdapter(testLogger())
	conn := &store.Connection{Name: "local", Type: store.ProviderOllama, BaseURL: srv.URL}

	events := collect(t, adapter.Dispatch(context.Background(), conn, vault.Auth{}, ChatRequest{
		Model:    "llama3",
		Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}},
	}, 5*time.Second))

	final := finalOf(t, events)
	assert.Equal(t, "Hello world", final.Text)
	assert.Equal(t, StyleFunctionCall, final.Style)
	require.NotNil(t, final.OutputTokens)
	assert.Equal(t, 12, *final.OutputTokens)

	// A TTFT event precedes the first token delta.
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, EventTTFT, events[0].Type)
	assert.Equal(t, EventTokenDelta, events[1].Type)
	assert.Equal(t, "Hello", events[1].Text)
}

func TestOllamaDispatchToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"calculator","arguments":{"expression":"2+2"}}}]},"done":true}`)
	}))
	defer srv.Close()

	adapter := NewOllamaAdapter(testLogger())
	conn := &store.Connection{Name: "local", Type: store.ProviderOllama, BaseURL: srv.URL}

	events := collect(t, adapter.Dispatch(context.Background(), conn, vault.Auth{}, ChatRequest{
		Model:    "llama3",
		Messages: []ChatMessage{{Role: RoleUser, Content: "compute"}},
	}, 5*time.Second))

	final := finalOf(t, events)
	require.Len(t, final.ToolCalls, 1)
	assert.Equal(t, "calculator", final.ToolCalls[0].Name)
	assert.Equal(t, "2+2", final.ToolCalls[0].Args["expression"])
}

func TestOllamaDispatchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	adapter := NewOllamaAdapter(testLogger())
	conn := &store.Connection{Name: "local", Type: store.ProviderOllama, BaseURL: srv.URL}

	events := collect(t, adapter.Dispatch(context.Background(), conn, vault.Auth{}, ChatRequest{
		Model: "missing",
	}, 5*time.Second))

	require.Len(t, events, 1)
	require.Equal(t, EventError, events[0].Type)
	assert.Equal(t, KindBadRequest, events[0].Err.Kind)
	assert.False(t, events[0].Err.Retryable())
}

func TestAnthropicDispatchStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.Equal(t, "sk-test", r.Header.Get("x-api-key"))
		require.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		w.Header().Set("Content-Type", "text/event-stream")

		lines := []string{
			`event: message_start`,
			`data: {"type":"message_start"}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" there"}}`,
			``,
			`event: message_delta`,
			`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`,
			``,
			`event: message_stop`,
			`data: {"type":"message_stop"}`,
			``,
		}
		for _, l := range lines {
			fmt.Fprintln(w, l)
		}
	}))
	defer srv.Close()

	adapter := NewAnthropicAdapter(testLogger())
	conn := &store.Connection{Name: "anthropic", Type: store.ProviderAnthropic, BaseURL: srv.URL}

	events := collect(t, adapter.Dispatch(context.Background(), conn,
		vault.Auth{Source: vault.SourceEncrypted, Token: "sk-test"},
		ChatRequest{
			Model:    "claude-sonnet",
			Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}},
		}, 5*time.Second))

	final := finalOf(t, events)
	assert.Equal(t, "Hi there", final.Text)
	assert.Equal(t, StyleToolUse, final.Style)
	assert.Equal(t, "end_turn", final.StopReason)
	require.NotNil(t, final.OutputTokens)
	assert.Equal(t, 7, *final.OutputTokens)
}

func TestAnthropicDispatchToolUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lines := []string{
			`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"calculator"}}`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"expres"}}`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"sion\":\"1+1\"}"}}`,
			`data: {"type":"content_block_stop","index":0}`,
			`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"}}`,
			`data: {"type":"message_stop"}`,
		}
		for _, l := range lines {
			fmt.Fprintln(w, l)
		}
	}))
	defer srv.Close()

	adapter := NewAnthropicAdapter(testLogger())
	conn := &store.Connection{Name: "anthropic", Type: store.ProviderAnthropic, BaseURL: srv.URL}

	events := collect(t, adapter.Dispatch(context.Background(), conn,
		vault.Auth{Source: vault.SourceEncrypted, Token: "sk-test"},
		ChatRequest{Model: "claude-sonnet"}, 5*time.Second))

	final := finalOf(t, events)
	require.Len(t, final.ToolCalls, 1)
	assert.Equal(t, "toolu_1", final.ToolCalls[0].ID)
	assert.Equal(t, "calculator", final.ToolCalls[0].Name)
	assert.Equal(t, "1+1", final.ToolCalls[0].Args["expression"], "fragments reassemble across deltas")
}

func TestAnthropicDispatchWithoutAuth(t *testing.T) {
	adapter := NewAnthropicAdapter(testLogger())
	conn := &store.Connection{Name: "anthropic", Type: store.ProviderAnthropic, BaseURL: "http://localhost:1"}

	events := collect(t, adapter.Dispatch(context.Background(), conn, vault.Auth{Source: vault.SourceNone},
		ChatRequest{Model: "claude-sonnet"}, time.Second))

	require.Len(t, events, 1)
	require.Equal(t, EventError, events[0].Type)
	assert.Equal(t, KindAuthMissing, events[0].Err.Kind)
}

func TestOpenAIDispatchStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "text/event-stream")

		lines := []string{
			`data: {"choices":[{"index":0,"delta":{"content":"4"}}]}`,
			`data: {"choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"completion_tokens":1}}`,
			`data: [DONE]`,
		}
		for _, l := range lines {
			fmt.Fprintln(w, l)
			fmt.Fprintln(w)
		}
	}))
	defer srv.Close()

	adapter := NewOpenAIAdapter(testLogger(), store.ProviderOpenAI)
	conn := &store.Connection{Name: "openai", Type: store.ProviderOpenAI, BaseURL: srv.URL}

	events := collect(t, adapter.Dispatch(context.Background(), conn,
		vault.Auth{Source: vault.SourceEncrypted, Token: "sk-test"},
		ChatRequest{
			Model:    "gpt-4o",
			Messages: []ChatMessage{{Role: RoleUser, Content: "2+2?"}},
		}, 5*time.Second))

	final := finalOf(t, events)
	assert.Equal(t, "4", final.Text)
	assert.Equal(t, "stop", final.StopReason)
	require.NotNil(t, final.OutputTokens)
	assert.Equal(t, 1, *final.OutputTokens)
}

func TestOpenAIDispatchToolCallFragments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		lines := []string{
			`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"calculator","arguments":"{\"expr"}}]}}]}`,
			`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ession\":\"3*3\"}"}}]}}]}`,
			`data: {"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			`data: [DONE]`,
		}
		for _, l := range lines {
			fmt.Fprintln(w, l)
			fmt.Fprintln(w)
		}
	}))
	defer srv.Close()

	adapter := NewOpenAIAdapter(testLogger(), store.ProviderOpenAICompat)
	conn := &store.Connection{Name: "compat", Type: store.ProviderOpenAICompat, BaseURL: srv.URL}

	events := collect(t, adapter.Dispatch(context.Background(), conn, vault.Auth{},
		ChatRequest{Model: "local"}, 5*time.Second))

	final := finalOf(t, events)
	require.Len(t, final.ToolCalls, 1)
	assert.Equal(t, "call_a", final.ToolCalls[0].ID)
	assert.Equal(t, "calculator", final.ToolCalls[0].Name)
	assert.Equal(t, "3*3", final.ToolCalls[0].Args["expression"])
}

func TestOpenRouterBasePath(t *testing.T) {
	adapter := &openaiAdapter{log: testLogger(), providerType: store.ProviderOpenRouter}
	assert.Equal(t, "https://openrouter.ai/api/v1",
		adapter.baseURL(&store.Connection{BaseURL: "https://openrouter.ai"}))

	plain := &openaiAdapter{log: testLogger(), providerType: store.ProviderOpenAI}
	assert.Equal(t, "https://api.openai.com/v1",
		plain.baseURL(&store.Connection{BaseURL: "https://api.openai.com/v1"}))
}

func TestCompatAuthHeaderAliases(t *testing.T) {
	var gotXAPIKey, gotAPIKey, gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotXAPIKey = r.Header.Get("X-API-Key")
		gotAPIKey = r.Header.Get("api-key")
		gotAuth = r.Header.Get("Authorization")

		w.Header().Set("Content-Type", "text/event-stream")

		lines := []string{
			`data: {"choices":[{"index":0,"delta":{"content":"ok"},"finish_reason":"stop"}]}`,
			`data: [DONE]`,
		}
		for _, l := range lines {
			fmt.Fprintln(w, l)
			fmt.Fprintln(w)
		}
	}))
	defer srv.Close()

	for _, typ := range []store.ProviderType{store.ProviderOpenAICompat, store.ProviderLlamaCPP, store.ProviderCustom} {
		adapter := NewOpenAIAdapter(testLogger(), typ)
		conn := &store.Connection{Name: "gateway", Type: typ, BaseURL: srv.URL}

		collect(t, adapter.Dispatch(context.Background(), conn,
			vault.Auth{Source: vault.SourceEncrypted, Token: "gw-token"},
			ChatRequest{Model: "local"}, 5*time.Second))

		assert.Equal(t, "gw-token", gotXAPIKey, "%s", typ)
		assert.Equal(t, "gw-token", gotAPIKey, "%s", typ)
		assert.Equal(t, "Bearer gw-token", gotAuth, "%s", typ)
	}

	// The first-party endpoint sticks to the bearer header alone.
	adapter := NewOpenAIAdapter(testLogger(), store.ProviderOpenAI)
	conn := &store.Connection{Name: "openai", Type: store.ProviderOpenAI, BaseURL: srv.URL}

	collect(t, adapter.Dispatch(context.Background(), conn,
		vault.Auth{Source: vault.SourceEncrypted, Token: "sk-test"},
		ChatRequest{Model: "gpt-4o"}, 5*time.Second))

	assert.Empty(t, gotXAPIKey)
	assert.Empty(t, gotAPIKey)
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantKind  ErrorKind
		retryable bool
	}{
		{429, KindRateLimited, true},
		{401, KindBadRequest, false},
		{403, KindBadRequest, false},
		{400, KindBadRequest, false},
		{404, KindBadRequest, false},
		{500, KindServerError, true},
		{503, KindServerError, true},
	}

	for _, tt := range tests {
		err := ClassifyStatus(tt.status, "boom")
		assert.Equal(t, tt.wantKind, err.Kind, "status %d", tt.status)
		assert.Equal(t, tt.retryable, err.Retryable(), "status %d", tt.status)
	}
}

func TestClassifyTransportError(t *testing.T) {
	err := ClassifyTransportError(context.DeadlineExceeded)
	assert.Equal(t, KindTimeout, err.Kind)
	assert.True(t, err.Retryable())
}

func TestDecodeToolArgs(t *testing.T) {
	assert.Equal(t, map[string]any{"a": "b"}, decodeToolArgs(`{"a":"b"}`))
	assert.Equal(t, map[string]any{}, decodeToolArgs(""))
	assert.Equal(t, map[string]any{"raw": "not json"}, decodeToolArgs("not json"))
}
