package store

import (
	"encoding/json"
	"time"
)

// ProviderType identifies a supported backend protocol.
type ProviderType string

const (
	ProviderOllama       ProviderType = "OLLAMA"
	ProviderOpenAI       ProviderType = "OPENAI"
	ProviderAnthropic    ProviderType = "ANTHROPIC"
	ProviderOpenRouter   ProviderType = "OPENROUTER"
	ProviderOpenAICompat ProviderType = "OPENAI_COMPAT"
	ProviderLlamaCPP     ProviderType = "LLAMACPP_OPENAI"
	ProviderCustom       ProviderType = "CUSTOM"
)

// AllProviderTypes returns the closed set of supported provider types.
func AllProviderTypes() []ProviderType {
	return []ProviderType{
		ProviderOllama,
		ProviderOpenAI,
		ProviderAnthropic,
		ProviderOpenRouter,
		ProviderOpenAICompat,
		ProviderLlamaCPP,
		ProviderCustom,
	}
}

// IsValidProviderType reports whether t names a supported provider.
func IsValidProviderType(t ProviderType) bool {
	for _, known := range AllProviderTypes() {
		if t == known {
			return true
		}
	}

	return false
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunQueued    RunStatus = "QUEUED"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// RunItemStatus is the lifecycle state of a single (test, car) item.
type RunItemStatus string

const (
	ItemPending    RunItemStatus = "PENDING"
	ItemInProgress RunItemStatus = "IN_PROGRESS"
	ItemCompleted  RunItemStatus = "COMPLETED"
	ItemFailed     RunItemStatus = "FAILED"

	// ItemPartial means the tool-call loop hit its iteration cap
	// without a final answer; the last produced text is kept.
	ItemPartial RunItemStatus = "PARTIAL"
)

// Terminal reports whether the item status is final.
func (s RunItemStatus) Terminal() bool {
	return s == ItemCompleted || s == ItemFailed || s == ItemPartial
}

// Connection is a configured provider endpoint with credentials.
type Connection struct {
	ID              uint         `gorm:"primaryKey" json:"id"`
	Name            string       `gorm:"uniqueIndex;not null" json:"name"`
	Type            ProviderType `gorm:"not null" json:"type"`
	BaseURL         string       `gorm:"not null" json:"base_url"`
	APIKeyEnvVar    string       `json:"api_key_env_var,omitempty"`
	APIKeyEncrypted string       `gorm:"type:text" json:"-"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// ProviderSetting holds per-provider-type dispatch knobs. Read before
// every dispatch; updates take effect for subsequent dispatches only.
type ProviderSetting struct {
	ID             uint         `gorm:"primaryKey" json:"id"`
	ProviderType   ProviderType `gorm:"uniqueIndex;not null" json:"provider_type"`
	MaxInFlight    int          `gorm:"not null;default:1" json:"max_in_flight"`
	TimeoutMs      int          `gorm:"not null;default:60000" json:"timeout_ms"`
	RetryCount     int          `gorm:"not null;default:1" json:"retry_count"`
	RetryBackoffMs int          `gorm:"not null;default:400" json:"retry_backoff_ms"`
}

// Default provider setting values.
const (
	DefaultMaxInFlight    = 1
	DefaultTimeoutMs      = 60000
	DefaultRetryCount     = 1
	DefaultRetryBackoffMs = 400
)

// Car is a configured model profile: connection + model + sampling.
type Car struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Name         string    `gorm:"uniqueIndex;not null" json:"name"`
	ConnectionID uint      `gorm:"not null;index" json:"connection_id"`
	ModelName    string    `gorm:"not null" json:"model_name"`
	Temperature  float64   `gorm:"not null;default:0.7" json:"temperature"`
	TopP         float64   `gorm:"not null;default:1.0" json:"top_p"`
	MaxTokens    *int      `json:"max_tokens,omitempty"`
	StopJSON     string    `gorm:"type:text" json:"stop_json,omitempty"`
	Seed         *int      `json:"seed,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Stop returns the decoded stop sequences, or nil.
func (c *Car) Stop() []string {
	if c.StopJSON == "" {
		return nil
	}

	var stop []string
	if err := json.Unmarshal([]byte(c.StopJSON), &stop); err != nil {
		return nil
	}

	return stop
}

// Suite is an ordered benchmark definition.
type Suite struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Name        string     `gorm:"uniqueIndex;not null" json:"name"`
	Category    string     `gorm:"not null" json:"category"`
	Description string     `gorm:"type:text" json:"description,omitempty"`
	IsDemo      bool       `gorm:"not null;default:false" json:"is_demo"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Tests       []TestCase `gorm:"constraint:OnDelete:CASCADE" json:"tests,omitempty"`
}

// TestCase is one prompt with optional deterministic constraints and
// an optional tool schema.
type TestCase struct {
	ID                  uint   `gorm:"primaryKey" json:"id"`
	SuiteID             uint   `gorm:"not null;uniqueIndex:idx_tests_suite_order" json:"suite_id"`
	OrderIndex          int    `gorm:"not null;uniqueIndex:idx_tests_suite_order" json:"order_index"`
	Name                string `gorm:"not null" json:"name"`
	SystemPrompt        string `gorm:"type:text" json:"system_prompt,omitempty"`
	UserPrompt          string `gorm:"type:text;not null" json:"user_prompt"`
	ExpectedConstraints string `gorm:"type:text" json:"expected_constraints,omitempty"`
	ToolsSchemaJSON     string `gorm:"type:text" json:"tools_schema_json,omitempty"`
}

// ToolsSchema returns the decoded tool schema, or nil.
func (t *TestCase) ToolsSchema() []map[string]any {
	if t.ToolsSchemaJSON == "" {
		return nil
	}

	var tools []map[string]any
	if err := json.Unmarshal([]byte(t.ToolsSchemaJSON), &tools); err != nil {
		return nil
	}

	return tools
}

// Run is one execution of a suite against a set of cars.
type Run struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	SuiteID        uint       `gorm:"not null;index" json:"suite_id"`
	Status         RunStatus  `gorm:"not null;default:QUEUED" json:"status"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	CarIDsJSON     string     `gorm:"type:text;not null" json:"car_ids_json"`
	JudgeCarID     *uint      `json:"judge_car_id,omitempty"`
	FailureMessage string     `gorm:"type:text" json:"failure_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// CarIDs returns the ordered car selection for the run.
func (r *Run) CarIDs() []uint {
	var ids []uint
	if err := json.Unmarshal([]byte(r.CarIDsJSON), &ids); err != nil {
		return nil
	}

	return ids
}

// SetCarIDs stores the ordered car selection.
func (r *Run) SetCarIDs(ids []uint) {
	data, _ := json.Marshal(ids)
	r.CarIDsJSON = string(data)
}

// RunItem is one (test, car) unit of work within a run. It is owned
// exclusively by the engine iteration processing it.
type RunItem struct {
	ID           uint          `gorm:"primaryKey" json:"id"`
	RunID        uint          `gorm:"not null;index" json:"run_id"`
	TestID       uint          `gorm:"not null" json:"test_id"`
	CarID        uint          `gorm:"not null;index" json:"car_id"`
	Status       RunItemStatus `gorm:"not null;default:PENDING" json:"status"`
	AttemptCount int           `gorm:"not null;default:0" json:"attempt_count"`
	ErrorMessage string        `gorm:"type:text" json:"error_message,omitempty"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
}

// RunOutput holds the raw and final text plus the raw provider payload
// for one run item. Written once per item; overwritten only by the
// terminal write.
type RunOutput struct {
	ID                  uint   `gorm:"primaryKey" json:"id"`
	RunItemID           uint   `gorm:"uniqueIndex;not null" json:"run_item_id"`
	RequestMessagesJSON string `gorm:"type:text" json:"request_messages_json,omitempty"`
	StreamedText        string `gorm:"type:text" json:"streamed_text,omitempty"`
	FinalText           string `gorm:"type:text" json:"final_text,omitempty"`
	RawPayloadJSON      string `gorm:"type:text" json:"raw_payload_json,omitempty"`
}

// RunMetric holds derived per-item measurements, written once at item
// completion.
type RunMetric struct {
	ID                    uint     `gorm:"primaryKey" json:"id"`
	RunItemID             uint     `gorm:"uniqueIndex;not null" json:"run_item_id"`
	TTFTMs                *int64   `json:"ttft_ms,omitempty"`
	TotalLatencyMs        *int64   `json:"total_latency_ms,omitempty"`
	GenerationMs          *int64   `json:"generation_ms,omitempty"`
	OutputTokens          *int     `json:"output_tokens,omitempty"`
	OutputTokensEstimated bool     `gorm:"not null;default:false" json:"output_tokens_estimated"`
	TokensPerSec          *float64 `json:"tokens_per_sec,omitempty"`
	ErrorFlag             bool     `gorm:"not null;default:false" json:"error_flag"`
}

// ToolCallRecord is one tool invocation inside a run item's loop;
// append-only, ordered by loop index.
type ToolCallRecord struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	RunItemID     uint   `gorm:"not null;index" json:"run_item_id"`
	LoopIndex     int    `gorm:"not null" json:"loop_index"`
	ToolName      string `gorm:"not null" json:"tool_name"`
	ArgsJSON      string `gorm:"type:text" json:"args_json"`
	ResultJSON    string `gorm:"type:text" json:"result_json"`
	Status        string `gorm:"not null" json:"status"`
	ProviderStyle string `gorm:"not null" json:"provider_style"`
}

// JudgeResult is one judge score row. Per-item rows carry a RunItemID;
// per-car and per-run aggregates leave it nil. Overall is nil when the
// judge response failed to parse; the raw text is kept in Rationale.
type JudgeResult struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	RunID        uint      `gorm:"not null;index" json:"run_id"`
	RunItemID    *uint     `json:"run_item_id,omitempty"`
	CarID        *uint     `json:"car_id,omitempty"`
	WritingScore *float64  `json:"writing_score,omitempty"`
	CodingScore  *float64  `json:"coding_score,omitempty"`
	ToolScore    *float64  `json:"tool_score,omitempty"`
	Overall      *float64  `json:"overall,omitempty"`
	Rationale    string    `gorm:"type:text;not null" json:"rationale"`
	RawJSON      string    `gorm:"type:text" json:"raw_json,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// TelemetryEvent is one persisted lifecycle event. SeqNo is gapless
// and strictly increasing per run; it is the resume cursor for replay.
type TelemetryEvent struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	RunID       uint      `gorm:"not null;uniqueIndex:idx_events_run_seq" json:"run_id"`
	RunItemID   *uint     `json:"run_item_id,omitempty"`
	SeqNo       uint64    `gorm:"not null;uniqueIndex:idx_events_run_seq" json:"seq_no"`
	EventName   string    `gorm:"not null" json:"event_name"`
	PayloadJSON string    `gorm:"type:text;not null" json:"payload_json"`
	CreatedAt   time.Time `json:"created_at"`
}

// ToJSON serializes v for storage in a JSON text column. Marshal
// failures degrade to "null" rather than aborting a write path.
func ToJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}

	return string(data)
}
