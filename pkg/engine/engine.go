// Package engine owns the run lifecycle: it sequences the suite's
// tests against the selected cars, drives the tool-call loop, applies
// retry and admission policy, and records outputs, metrics, and
// telemetry for every item.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/llmrace/llmrace/pkg/assertions"
	"github.com/llmrace/llmrace/pkg/config"
	"github.com/llmrace/llmrace/pkg/provider"
	"github.com/llmrace/llmrace/pkg/store"
	"github.com/llmrace/llmrace/pkg/telemetry"
	"github.com/llmrace/llmrace/pkg/tools"
	"github.com/llmrace/llmrace/pkg/vault"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const runQueueSize = 64

// Engine executes queued runs one at a time and judges finished ones.
type Engine interface {
	Start(ctx context.Context) error
	Stop() error

	// Enqueue hands a QUEUED run to the worker. Fails when the queue
	// is full.
	Enqueue(runID uint) error

	// JudgeRun scores every item of a run with the given judge car,
	// appending per-item, per-car, and per-run result rows. A zero
	// judgeCarID falls back to the run's stored judge car.
	JudgeRun(ctx context.Context, runID, judgeCarID uint) (*JudgeSummary, error)
}

// JudgeSummary reports what a judge pass produced.
type JudgeSummary struct {
	ItemScores    int `json:"item_scores"`
	CarAggregates int `json:"car_aggregates"`
}

var _ Engine = (*engine)(nil)

type admissionSlot struct {
	sem      *semaphore.Weighted
	capacity int64
}

type engine struct {
	log      logrus.FieldLogger
	cfg      *config.EngineConfig
	store    store.Store
	bus      telemetry.Bus
	registry provider.Registry
	vault    *vault.Vault

	queue chan uint
	done  chan struct{}
	wg    sync.WaitGroup

	admissionMu sync.Mutex
	admission   map[store.ProviderType]*admissionSlot
}

// NewEngine creates the run engine.
func NewEngine(
	log logrus.FieldLogger,
	cfg *config.EngineConfig,
	st store.Store,
	bus telemetry.Bus,
	registry provider.Registry,
	v *vault.Vault,
) Engine {
	return &engine{
		log:       log.WithField("component", "engine"),
		cfg:       cfg,
		store:     st,
		bus:       bus,
		registry:  registry,
		vault:     v,
		queue:     make(chan uint, runQueueSize),
		done:      make(chan struct{}),
		admission: make(map[store.ProviderType]*admissionSlot),
	}
}

// Start launches the single run worker.
func (e *engine) Start(ctx context.Context) error {
	e.wg.Add(1)

	go e.worker(ctx)

	e.log.Info("Run engine started")

	return nil
}

// Stop signals the worker and waits for the in-flight run to finish.
func (e *engine) Stop() error {
	close(e.done)
	e.wg.Wait()

	return nil
}

func (e *engine) Enqueue(runID uint) error {
	select {
	case e.queue <- runID:
		return nil
	default:
		return fmt.Errorf("run queue full")
	}
}

func (e *engine) worker(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-e.done:
			return
		case <-ctx.Done():
			return
		case runID := <-e.queue:
			if err := e.executeRun(ctx, runID); err != nil {
				e.log.WithError(err).WithField("run_id", runID).Error("Run failed")
				e.failRun(ctx, runID, err)
			}
		}
	}
}

// failRun marks a run FAILED after a scheduler-level fault. Item-level
// provider failures never take this path.
func (e *engine) failRun(ctx context.Context, runID uint, cause error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return
	}

	now := time.Now()
	run.Status = store.RunFailed
	run.FinishedAt = &now
	run.FailureMessage = cause.Error()

	if err := e.store.UpdateRun(ctx, run); err != nil {
		e.log.WithError(err).Error("Recording run failure")

		return
	}

	_, _ = e.bus.Publish(ctx, runID, nil, telemetry.EventRunFailed, map[string]any{
		"status": string(store.RunFailed),
		"error":  cause.Error(),
	})
}

func (e *engine) executeRun(ctx context.Context, runID uint) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}

	now := time.Now()
	run.Status = store.RunRunning
	run.StartedAt = &now

	if err := e.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("marking run running: %w", err)
	}

	if _, err := e.bus.Publish(ctx, runID, nil, telemetry.EventRunStarted, map[string]any{
		"status": string(store.RunRunning),
	}); err != nil {
		return err
	}

	tests, err := e.store.ListTests(ctx, run.SuiteID)
	if err != nil {
		return fmt.Errorf("loading suite tests: %w", err)
	}

	carIDs := run.CarIDs()

	cars := make(map[uint]*store.Car, len(carIDs))
	for _, id := range carIDs {
		car, err := e.store.GetCar(ctx, id)
		if err == nil {
			cars[id] = car
		}
	}

	items, err := e.store.ListRunItems(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading run items: %w", err)
	}

	type itemKey struct{ testID, carID uint }

	itemsByKey := make(map[itemKey]*store.RunItem, len(items))
	for i := range items {
		itemsByKey[itemKey{items[i].TestID, items[i].CarID}] = &items[i]
	}

	// Dispatch order: tests by order_index, cars in selection order.
	for i := range tests {
		test := &tests[i]

		for _, carID := range carIDs {
			item, ok := itemsByKey[itemKey{test.ID, carID}]
			if !ok {
				continue
			}

			car, ok := cars[carID]
			if !ok {
				e.failItem(ctx, runID, item, "car missing")

				continue
			}

			conn, err := e.store.GetConnection(ctx, car.ConnectionID)
			if err != nil {
				e.failItem(ctx, runID, item, "connection missing")

				continue
			}

			e.executeItem(ctx, runID, item, test, car, conn)
		}
	}

	// All items failing still completes the run; FAILED is reserved
	// for faults of the run itself.
	finished := time.Now()
	run.Status = store.RunCompleted
	run.FinishedAt = &finished

	if err := e.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("marking run completed: %w", err)
	}

	_, err = e.bus.Publish(ctx, runID, nil, telemetry.EventRunCompleted, map[string]any{
		"status": string(store.RunCompleted),
	})

	return err
}

// failItem records a terminal item failure that never reached dispatch.
func (e *engine) failItem(ctx context.Context, runID uint, item *store.RunItem, reason string) {
	now := time.Now()
	item.Status = store.ItemFailed
	item.ErrorMessage = reason
	item.FinishedAt = &now

	if err := e.store.UpdateRunItem(ctx, item); err != nil {
		e.log.WithError(err).Error("Recording item failure")
	}

	itemID := item.ID
	_, _ = e.bus.Publish(ctx, runID, &itemID, telemetry.EventItemError, map[string]any{
		"run_item_id": item.ID,
		"test_id":     item.TestID,
		"car_id":      item.CarID,
		"error":       reason,
	})

	// Every item reaches a terminal event, even when it never dispatched.
	_, _ = e.bus.Publish(ctx, runID, &itemID, telemetry.EventItemCompleted, map[string]any{
		"run_item_id": itemID,
		"status":      string(store.ItemFailed),
	})
}

func (e *engine) executeItem(
	ctx context.Context,
	runID uint,
	item *store.RunItem,
	test *store.TestCase,
	car *store.Car,
	conn *store.Connection,
) {
	itemID := item.ID

	settings, err := e.store.GetProviderSetting(ctx, conn.Type)
	if err != nil {
		e.failItem(ctx, runID, item, fmt.Sprintf("loading provider settings: %v", err))

		return
	}

	now := time.Now()
	item.Status = store.ItemInProgress
	item.StartedAt = &now

	if err := e.store.UpdateRunItem(ctx, item); err != nil {
		e.log.WithError(err).Error("Marking item in progress")

		return
	}

	_, _ = e.bus.Publish(ctx, runID, &itemID, telemetry.EventItemStarted, map[string]any{
		"run_item_id": itemID,
		"test_id":     test.ID,
		"car_id":      car.ID,
	})

	retries := settings.RetryCount
	if retries < 0 {
		retries = 0
	}

	backoff := time.Duration(settings.RetryBackoffMs) * time.Millisecond
	if backoff < 0 {
		backoff = 0
	}

	var lastErr error

	for attempt := 1; attempt <= retries+1; attempt++ {
		item.AttemptCount = attempt

		if err := e.store.UpdateRunItem(ctx, item); err != nil {
			e.log.WithError(err).Error("Recording attempt count")
		}

		lastErr = e.executeAttempt(ctx, runID, item, test, car, conn, settings, attempt)
		if lastErr == nil {
			return
		}

		retrying := attempt <= retries && isRetryable(lastErr)

		_, _ = e.bus.Publish(ctx, runID, &itemID, telemetry.EventItemError, map[string]any{
			"run_item_id": itemID,
			"attempt":     attempt,
			"error":       lastErr.Error(),
			"retrying":    retrying,
		})

		if !retrying {
			break
		}

		// Linear backoff: delay grows with the attempt number.
		select {
		case <-time.After(backoff * time.Duration(attempt)):
		case <-ctx.Done():
			return
		}
	}

	finished := time.Now()
	item.Status = store.ItemFailed
	item.ErrorMessage = lastErr.Error()
	item.FinishedAt = &finished

	if err := e.store.UpdateRunItem(ctx, item); err != nil {
		e.log.WithError(err).Error("Recording item failure")
	}

	if err := e.store.UpsertRunMetric(ctx, &store.RunMetric{
		RunItemID:             itemID,
		ErrorFlag:             true,
		OutputTokensEstimated: true,
	}); err != nil {
		e.log.WithError(err).Error("Recording error metric")
	}

	_, _ = e.bus.Publish(ctx, runID, &itemID, telemetry.EventItemCompleted, map[string]any{
		"run_item_id": itemID,
		"status":      string(store.ItemFailed),
	})
}

func isRetryable(err error) bool {
	var perr *provider.Error

	return errors.As(err, &perr) && perr.Retryable()
}

func (e *engine) toolLoopLimit() int {
	if e.cfg.ToolLoopLimit > 0 {
		return e.cfg.ToolLoopLimit
	}

	return config.DefaultToolLoopLimit
}

//nolint:gocyclo // the attempt is one long straight-line protocol.
func (e *engine) executeAttempt(
	ctx context.Context,
	runID uint,
	item *store.RunItem,
	test *store.TestCase,
	car *store.Car,
	conn *store.Connection,
	settings *store.ProviderSetting,
	attempt int,
) error {
	adapter, err := e.registry.Get(conn.Type)
	if err != nil {
		return provider.NewError(provider.KindBadRequest, "%v", err)
	}

	auth := e.vault.ResolveAuth(conn.APIKeyEncrypted, conn.APIKeyEnvVar)
	itemID := item.ID
	timeout := time.Duration(settings.TimeoutMs) * time.Millisecond
	loopLimit := e.toolLoopLimit()

	messages := []provider.ChatMessage{}
	if test.SystemPrompt != "" {
		messages = append(messages, provider.ChatMessage{Role: provider.RoleSystem, Content: test.SystemPrompt})
	}

	messages = append(messages, provider.ChatMessage{Role: provider.RoleUser, Content: test.UserPrompt})

	toolSchemas := test.ToolsSchema()

	var (
		started       = time.Now()
		ttftMs        *int64
		streamedParts []string
		lastFinal     *provider.Response
		exhausted     bool
	)

	appendToken := func(token string) {
		streamedParts = append(streamedParts, token)
	}

	for loopIdx := 0; loopIdx < loopLimit; loopIdx++ {
		_, _ = e.bus.Publish(ctx, runID, &itemID, telemetry.EventRequestSent, map[string]any{
			"run_item_id": itemID,
			"attempt":     attempt,
			"loop":        loopIdx,
			"model":       car.ModelName,
		})

		req := provider.ChatRequest{
			Model:       car.ModelName,
			Messages:    messages,
			Temperature: car.Temperature,
			TopP:        car.TopP,
			MaxTokens:   car.MaxTokens,
			Stop:        car.Stop(),
			Seed:        car.Seed,
			Tools:       toolSchemas,
		}

		final, dispatchErr := e.dispatch(ctx, runID, itemID, adapter, conn, auth, req, timeout, settings, started, &ttftMs, appendToken)
		if dispatchErr != nil {
			return dispatchErr
		}

		lastFinal = final

		toolCalls := final.ToolCalls
		style := final.Style

		if len(toolCalls) == 0 {
			if fb := tools.ParseFallbackCommand(final.Text); fb != nil {
				toolCalls = []provider.ToolCall{{
					ID:   fmt.Sprintf("fallback_%d", loopIdx),
					Name: fb.Name,
					Args: fb.Args,
				}}
				style = provider.StyleFallback

				_, _ = e.bus.Publish(ctx, runID, &itemID, telemetry.EventToolCallDetected, map[string]any{
					"run_item_id": itemID,
					"count":       1,
					"style":       style,
				})
			}
		}

		if len(toolCalls) == 0 {
			break
		}

		if loopIdx == loopLimit-1 {
			exhausted = true
		}

		assistant := provider.ChatMessage{Role: provider.RoleAssistant, Content: final.Text}
		if style != provider.StyleFallback {
			assistant.ToolCalls = toolCalls
		}

		messages = append(messages, assistant)

		for _, tc := range toolCalls {
			result, terr := tools.Execute(tc.Name, tc.Args)
			status := "ok"

			if terr != nil {
				result = map[string]any{"error": terr.Error()}
				status = "error"
			}

			if err := e.store.AppendToolCall(ctx, &store.ToolCallRecord{
				RunItemID:     itemID,
				LoopIndex:     loopIdx,
				ToolName:      tc.Name,
				ArgsJSON:      store.ToJSON(tc.Args),
				ResultJSON:    store.ToJSON(result),
				Status:        status,
				ProviderStyle: style,
			}); err != nil {
				return fmt.Errorf("recording tool call: %w", err)
			}

			_, _ = e.bus.Publish(ctx, runID, &itemID, telemetry.EventToolCallExecuted, map[string]any{
				"run_item_id": itemID,
				"tool_name":   tc.Name,
				"args":        tc.Args,
				"result":      result,
				"status":      status,
			})

			messages = append(messages, provider.ChatMessage{
				Role:       provider.RoleTool,
				Name:       tc.Name,
				ToolCallID: tc.ID,
				Content:    store.ToJSON(result),
			})
		}

		_, _ = e.bus.Publish(ctx, runID, &itemID, telemetry.EventToolLoopContinue, map[string]any{
			"run_item_id": itemID,
			"loop":        loopIdx,
			"tool_calls":  len(toolCalls),
		})
	}

	if exhausted {
		_, _ = e.bus.Publish(ctx, runID, &itemID, telemetry.EventToolLoopExhaust, map[string]any{
			"run_item_id": itemID,
			"limit":       loopLimit,
		})
	}

	streamedText := joinTokens(streamedParts)

	outputText := streamedText
	if outputText == "" && lastFinal != nil {
		outputText = lastFinal.Text
	}

	var usageTokens *int
	if lastFinal != nil {
		usageTokens = lastFinal.OutputTokens
	}

	metric := ComputeMetrics(0, time.Since(started).Milliseconds(), ttftMs, outputText, usageTokens)
	metric.RunItemID = itemID

	assertionResult := assertions.Evaluate(test.ExpectedConstraints, outputText)

	rawPayload := map[string]any{}
	if lastFinal != nil && lastFinal.RawPayload != nil {
		rawPayload = lastFinal.RawPayload
	}

	if assertionResult.Total > 0 {
		rawPayload["assertions"] = assertionResult
	}

	// Outputs and metrics are durable before the item is announced as
	// terminal; a subscriber reacting to item.completed can read them.
	if err := e.store.UpsertRunOutput(ctx, &store.RunOutput{
		RunItemID:           itemID,
		RequestMessagesJSON: store.ToJSON(messages),
		StreamedText:        streamedText,
		FinalText:           outputText,
		RawPayloadJSON:      store.ToJSON(rawPayload),
	}); err != nil {
		return fmt.Errorf("recording output: %w", err)
	}

	if err := e.store.UpsertRunMetric(ctx, &metric); err != nil {
		return fmt.Errorf("recording metric: %w", err)
	}

	finished := time.Now()

	item.Status = store.ItemCompleted
	if exhausted {
		item.Status = store.ItemPartial
	}

	item.ErrorMessage = ""
	item.FinishedAt = &finished

	if err := e.store.UpdateRunItem(ctx, item); err != nil {
		return fmt.Errorf("completing item: %w", err)
	}

	_, _ = e.bus.Publish(ctx, runID, &itemID, telemetry.EventItemMetrics, map[string]any{
		"run_item_id":    itemID,
		"ttft_ms":        metric.TTFTMs,
		"latency_ms":     metric.TotalLatencyMs,
		"tokens_per_sec": metric.TokensPerSec,
		"output_tokens":  metric.OutputTokens,
		"estimated":      metric.OutputTokensEstimated,
	})

	if assertionResult.Total > 0 {
		_, _ = e.bus.Publish(ctx, runID, &itemID, telemetry.EventItemAssertions, map[string]any{
			"run_item_id": itemID,
			"passed":      assertionResult.Passed,
			"total":       assertionResult.Total,
		})
	}

	_, _ = e.bus.Publish(ctx, runID, &itemID, telemetry.EventItemCompleted, map[string]any{
		"run_item_id": itemID,
		"status":      string(item.Status),
	})

	return nil
}

// dispatch performs one provider call under the admission slot and
// drains its stream, recording TTFT and token telemetry.
func (e *engine) dispatch(
	ctx context.Context,
	runID, itemID uint,
	adapter provider.Adapter,
	conn *store.Connection,
	auth vault.Auth,
	req provider.ChatRequest,
	timeout time.Duration,
	settings *store.ProviderSetting,
	started time.Time,
	ttftMs **int64,
	appendToken func(string),
) (*provider.Response, error) {
	sem := e.admissionSemaphore(conn.Type, settings.MaxInFlight)

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, provider.ClassifyTransportError(err)
	}
	defer sem.Release(1)

	var (
		final       *provider.Response
		dispatchErr *provider.Error
	)

	for ev := range adapter.Dispatch(ctx, conn, auth, req, timeout) {
		switch ev.Type {
		case provider.EventTokenDelta:
			if *ttftMs == nil {
				elapsed := time.Since(started).Milliseconds()
				*ttftMs = &elapsed

				_, _ = e.bus.Publish(ctx, runID, &itemID, telemetry.EventTTFTRecorded, map[string]any{
					"run_item_id": itemID,
					"ttft_ms":     elapsed,
				})
			}

			appendToken(ev.Text)

			_, _ = e.bus.Publish(ctx, runID, &itemID, telemetry.EventTokenDelta, map[string]any{
				"run_item_id": itemID,
				"token":       ev.Text,
			})
		case provider.EventToolCalls:
			_, _ = e.bus.Publish(ctx, runID, &itemID, telemetry.EventToolCallDetected, map[string]any{
				"run_item_id": itemID,
				"count":       len(ev.ToolCalls),
				"style":       "native",
			})
		case provider.EventFinal:
			final = ev.Final
		case provider.EventError:
			dispatchErr = ev.Err
		}
	}

	if dispatchErr != nil {
		return nil, dispatchErr
	}

	if final == nil {
		return nil, provider.NewError(provider.KindProtocolMismatch, "stream ended without final response")
	}

	return final, nil
}

// admissionSemaphore returns the per-provider slot, rebuilding it when
// the configured capacity changed. In-flight holders of the old slot
// drain independently.
func (e *engine) admissionSemaphore(t store.ProviderType, maxInFlight int) *semaphore.Weighted {
	capacity := int64(maxInFlight)
	if capacity < 1 {
		capacity = 1
	}

	e.admissionMu.Lock()
	defer e.admissionMu.Unlock()

	slot, ok := e.admission[t]
	if !ok || slot.capacity != capacity {
		slot = &admissionSlot{
			sem:      semaphore.NewWeighted(capacity),
			capacity: capacity,
		}
		e.admission[t] = slot
	}

	return slot.sem
}

func joinTokens(parts []string) string {
	total := 0
	for _, p := range parts {
		total += len(p)
	}

	buf := make([]byte, 0, total)
	for _, p := range parts {
		buf = append(buf, p...)
	}

	return string(buf)
}

// JudgeRun scores each item's final output with the judge car and
// appends the result rows. Earlier judge passes are kept; consumers
// read the newest rows.
func (e *engine) JudgeRun(ctx context.Context, runID, judgeCarID uint) (*JudgeSummary, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}

	if judgeCarID == 0 {
		if run.JudgeCarID == nil {
			return nil, fmt.Errorf("no judge car selected")
		}

		judgeCarID = *run.JudgeCarID
	}

	judgeCar, err := e.store.GetCar(ctx, judgeCarID)
	if err != nil {
		return nil, fmt.Errorf("loading judge car: %w", err)
	}

	conn, err := e.store.GetConnection(ctx, judgeCar.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("loading judge connection: %w", err)
	}

	settings, err := e.store.GetProviderSetting(ctx, conn.Type)
	if err != nil {
		return nil, fmt.Errorf("loading provider settings: %w", err)
	}

	adapter, err := e.registry.Get(conn.Type)
	if err != nil {
		return nil, fmt.Errorf("resolving judge adapter: %w", err)
	}

	auth := e.vault.ResolveAuth(conn.APIKeyEncrypted, conn.APIKeyEnvVar)

	_, _ = e.bus.Publish(ctx, runID, nil, telemetry.EventJudgeStarted, map[string]any{
		"judge_car_id": judgeCarID,
	})

	items, err := e.store.ListRunItems(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading run items: %w", err)
	}

	outputs, err := e.store.ListRunOutputs(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading outputs: %w", err)
	}

	outputsByItem := make(map[uint]*store.RunOutput, len(outputs))
	for i := range outputs {
		outputsByItem[outputs[i].RunItemID] = &outputs[i]
	}

	tests, err := e.store.ListTests(ctx, run.SuiteID)
	if err != nil {
		return nil, fmt.Errorf("loading suite tests: %w", err)
	}

	testsByID := make(map[uint]*store.TestCase, len(tests))
	for i := range tests {
		testsByID[tests[i].ID] = &tests[i]
	}

	timeout := time.Duration(settings.TimeoutMs) * time.Millisecond
	summary := &JudgeSummary{}

	type carScores struct {
		writing, coding, tool, overall float64
		count                          int
	}

	byCar := map[uint]*carScores{}
	runTotal := carScores{}

	for i := range items {
		item := &items[i]

		output, ok := outputsByItem[item.ID]
		if !ok {
			continue
		}

		test, ok := testsByID[item.TestID]
		if !ok {
			continue
		}

		outputText := output.FinalText
		if outputText == "" {
			outputText = output.StreamedText
		}

		raw, dispatchErr := e.judgeDispatch(ctx, adapter, conn, auth, judgeCar, test, outputText, timeout, settings)

		itemID := item.ID
		carID := item.CarID

		result := &store.JudgeResult{
			RunID:     runID,
			RunItemID: &itemID,
			CarID:     &carID,
		}

		switch {
		case dispatchErr != nil:
			result.Rationale = fmt.Sprintf("judge call failed: %v", dispatchErr)
		default:
			scores, parseErr := ParseJudgeScores(raw)
			if parseErr != nil {
				result.Rationale = raw
				result.RawJSON = store.ToJSON(map[string]any{"error": parseErr.Error()})
			} else {
				result.WritingScore = &scores.WritingScore
				result.CodingScore = &scores.CodingScore
				result.ToolScore = &scores.ToolScore
				result.Overall = &scores.Overall
				result.Rationale = scores.Rationale
				result.RawJSON = store.ToJSON(scores)

				bucket := byCar[carID]
				if bucket == nil {
					bucket = &carScores{}
					byCar[carID] = bucket
				}

				for _, b := range []*carScores{bucket, &runTotal} {
					b.writing += scores.WritingScore
					b.coding += scores.CodingScore
					b.tool += scores.ToolScore
					b.overall += scores.Overall
					b.count++
				}
			}
		}

		if err := e.store.AppendJudgeResult(ctx, result); err != nil {
			return nil, fmt.Errorf("recording judge result: %w", err)
		}

		summary.ItemScores++
	}

	appendAggregate := func(carID *uint, s carScores, rationale string) error {
		writing := s.writing / float64(s.count)
		coding := s.coding / float64(s.count)
		tool := s.tool / float64(s.count)
		overall := s.overall / float64(s.count)

		return e.store.AppendJudgeResult(ctx, &store.JudgeResult{
			RunID:        runID,
			CarID:        carID,
			WritingScore: &writing,
			CodingScore:  &coding,
			ToolScore:    &tool,
			Overall:      &overall,
			Rationale:    rationale,
			RawJSON:      store.ToJSON(map[string]any{"count": s.count}),
		})
	}

	for carID, bucket := range byCar {
		id := carID
		if err := appendAggregate(&id, *bucket, "Per-car aggregate"); err != nil {
			return nil, fmt.Errorf("recording car aggregate: %w", err)
		}

		summary.CarAggregates++
	}

	if runTotal.count > 0 {
		if err := appendAggregate(nil, runTotal, "Run aggregate"); err != nil {
			return nil, fmt.Errorf("recording run aggregate: %w", err)
		}
	}

	_, _ = e.bus.Publish(ctx, runID, nil, telemetry.EventJudgeCompleted, map[string]any{
		"item_scores":    summary.ItemScores,
		"car_aggregates": summary.CarAggregates,
	})

	return summary, nil
}

// judgeDispatch runs one deterministic scoring call and returns the
// response text. Judge calls share the provider's admission slot with
// run dispatches, so a judge pass cannot push a provider past its
// max_in_flight.
func (e *engine) judgeDispatch(
	ctx context.Context,
	adapter provider.Adapter,
	conn *store.Connection,
	auth vault.Auth,
	judgeCar *store.Car,
	test *store.TestCase,
	outputText string,
	timeout time.Duration,
	settings *store.ProviderSetting,
) (string, error) {
	maxTokens := judgeMaxTokens

	req := provider.ChatRequest{
		Model:       judgeCar.ModelName,
		Messages:    BuildJudgeMessages(test.Name, test.UserPrompt, outputText),
		Temperature: 0,
		TopP:        1,
		MaxTokens:   &maxTokens,
	}

	sem := e.admissionSemaphore(conn.Type, settings.MaxInFlight)

	if err := sem.Acquire(ctx, 1); err != nil {
		return "", provider.ClassifyTransportError(err)
	}
	defer sem.Release(1)

	var (
		final  *provider.Response
		tokens []string
	)

	for ev := range adapter.Dispatch(ctx, conn, auth, req, timeout) {
		switch ev.Type {
		case provider.EventTokenDelta:
			tokens = append(tokens, ev.Text)
		case provider.EventFinal:
			final = ev.Final
		case provider.EventError:
			return "", ev.Err
		}
	}

	if final == nil {
		return "", provider.NewError(provider.KindProtocolMismatch, "stream ended without final response")
	}

	if final.Text != "" {
		return final.Text, nil
	}

	return joinTokens(tokens), nil
}
