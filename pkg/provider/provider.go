package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/llmrace/llmrace/pkg/store"
	"github.com/llmrace/llmrace/pkg/vault"
	"github.com/sirupsen/logrus"
)

// Role values used in chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Tool-call styles as reported by adapters.
const (
	StyleFunctionCall = "function_call"
	StyleToolUse      = "tool_use"
	StyleFallback     = "fallback"
)

// ChatMessage is one turn in an append-only conversation.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is one structured tool invocation requested by the model.
// Args holds the decoded arguments; arguments that failed to parse as
// JSON are kept under the "raw" key.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ChatRequest carries everything an adapter needs to build one
// provider call.
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature float64
	TopP        float64
	MaxTokens   *int
	Stop        []string
	Seed        *int
	Tools       []map[string]any
}

// Response is the terminal result of one dispatch.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	Style        string
	StopReason   string
	OutputTokens *int
	RawPayload   map[string]any
}

// Event types emitted on a dispatch channel.
const (
	EventTokenDelta = "token_delta"
	EventTTFT       = "ttft"
	EventToolCalls  = "tool_calls"
	EventFinal      = "final"
	EventError      = "error"
)

// Event is one element of a dispatch stream. Exactly one of Final or
// Err is set on the last event; the channel is closed after it.
type Event struct {
	Type      string
	Text      string
	TTFTMs    int64
	ToolCalls []ToolCall
	Final     *Response
	Err       *Error
}

// Adapter dispatches chat requests against one provider protocol.
type Adapter interface {
	// Type returns the provider type this adapter serves.
	Type() store.ProviderType

	// RequiresAuth reports whether dispatches need a resolved token.
	RequiresAuth() bool

	// Dispatch starts a streaming chat call. The returned channel
	// yields token deltas and closes after a final or error event.
	Dispatch(ctx context.Context, conn *store.Connection, auth vault.Auth, req ChatRequest, timeout time.Duration) <-chan Event

	// DiscoverModels lists model names the endpoint serves.
	DiscoverModels(ctx context.Context, conn *store.Connection, auth vault.Auth) ([]string, error)
}

// Registry manages the closed set of provider adapters.
type Registry interface {
	Get(t store.ProviderType) (Adapter, error)
	Register(adapter Adapter)
	List() []store.ProviderType
}

// NewRegistry creates a registry with all supported providers.
func NewRegistry(log logrus.FieldLogger) Registry {
	r := &registry{
		adapters: make(map[store.ProviderType]Adapter, 7),
	}

	r.Register(NewOllamaAdapter(log))
	r.Register(NewAnthropicAdapter(log))

	// The OpenAI-compatible family shares one adapter implementation
	// with per-type base paths and headers.
	for _, t := range []store.ProviderType{
		store.ProviderOpenAI,
		store.ProviderOpenRouter,
		store.ProviderOpenAICompat,
		store.ProviderLlamaCPP,
		store.ProviderCustom,
	} {
		r.Register(NewOpenAIAdapter(log, t))
	}

	return r
}

type registry struct {
	mu       sync.RWMutex
	adapters map[store.ProviderType]Adapter
}

// Ensure interface compliance.
var _ Registry = (*registry)(nil)

// Get returns the adapter for the given provider type.
func (r *registry) Get(t store.ProviderType) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[t]
	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s", t)
	}

	return adapter, nil
}

// Register adds an adapter to the registry.
func (r *registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.adapters[adapter.Type()] = adapter
}

// List returns all registered provider types.
func (r *registry) List() []store.ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]store.ProviderType, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}

	return types
}
