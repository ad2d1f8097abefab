// Package telemetry publishes run lifecycle events. Every event is
// persisted with a per-run gapless sequence number before fanout, so a
// subscriber can always resume from its last seen sequence without
// gaps or duplicates.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"github.com/llmrace/llmrace/pkg/store"
	"github.com/sirupsen/logrus"
)

// Event names in the order a typical item produces them.
const (
	EventRunStarted       = "run.started"
	EventRunCompleted     = "run.completed"
	EventRunFailed        = "run.failed"
	EventItemStarted      = "item.started"
	EventRequestSent      = "request.sent"
	EventTTFTRecorded     = "ttft.recorded"
	EventTokenDelta       = "token.delta"
	EventToolCallDetected = "tool.call.detected"
	EventToolCallExecuted = "tool.call.executed"
	EventToolLoopContinue = "tool.loop.continue"
	EventToolLoopExhaust  = "tool.loop.exhausted"
	EventItemError        = "item.error"
	EventItemMetrics      = "item.metrics"
	EventItemAssertions   = "item.assertions"
	EventItemCompleted    = "item.completed"
	EventJudgeStarted     = "judge.started"
	EventJudgeCompleted   = "judge.completed"
)

// subscriberBuffer is the live-channel capacity beyond any backfill.
// A subscriber that falls this far behind is dropped and must resume
// from its cursor.
const subscriberBuffer = 256

// Bus persists and fans out telemetry events.
type Bus interface {
	// Publish persists one event and delivers it to live subscribers.
	// Returns the assigned sequence number.
	Publish(ctx context.Context, runID uint, runItemID *uint, name string, payload any) (uint64, error)

	// Subscribe returns a channel replaying events with sequence
	// greater than afterSeq, then following live publishes. The
	// channel is closed when the subscriber is cancelled or dropped.
	Subscribe(ctx context.Context, runID uint, afterSeq uint64) (<-chan store.TelemetryEvent, func(), error)
}

var _ Bus = (*bus)(nil)

type bus struct {
	log   logrus.FieldLogger
	store store.Store

	mu   sync.Mutex
	subs map[uint]map[*subscriber]struct{}
}

type subscriber struct {
	ch chan store.TelemetryEvent
}

// NewBus creates a telemetry bus backed by the given store.
func NewBus(log logrus.FieldLogger, st store.Store) Bus {
	return &bus{
		log:   log.WithField("component", "telemetry"),
		store: st,
		subs:  make(map[uint]map[*subscriber]struct{}),
	}
}

// Publish holds the bus lock across persist and fanout so the
// per-subscriber delivery order matches the persisted sequence order.
func (b *bus) Publish(
	ctx context.Context, runID uint, runItemID *uint, name string, payload any,
) (uint64, error) {
	event := &store.TelemetryEvent{
		RunID:       runID,
		RunItemID:   runItemID,
		EventName:   name,
		PayloadJSON: store.ToJSON(payload),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.store.AppendEvent(ctx, event); err != nil {
		return 0, fmt.Errorf("persisting event: %w", err)
	}

	for sub := range b.subs[runID] {
		select {
		case sub.ch <- *event:
		default:
			// Slow subscriber: drop it rather than stall publishers.
			b.log.WithFields(logrus.Fields{
				"run_id": runID,
				"seq_no": event.SeqNo,
			}).Warn("Dropping slow telemetry subscriber")

			close(sub.ch)
			delete(b.subs[runID], sub)
		}
	}

	return event.SeqNo, nil
}

func (b *bus) Subscribe(
	ctx context.Context, runID uint, afterSeq uint64,
) (<-chan store.TelemetryEvent, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Backfill under the lock: no publish can interleave between the
	// snapshot and registration, so the stream is gapless.
	backlog, err := b.store.ListEventsAfter(ctx, runID, afterSeq)
	if err != nil {
		return nil, nil, fmt.Errorf("replaying events: %w", err)
	}

	sub := &subscriber{
		ch: make(chan store.TelemetryEvent, len(backlog)+subscriberBuffer),
	}

	for _, event := range backlog {
		sub.ch <- event
	}

	if b.subs[runID] == nil {
		b.subs[runID] = make(map[*subscriber]struct{})
	}

	b.subs[runID][sub] = struct{}{}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if _, ok := b.subs[runID][sub]; ok {
			close(sub.ch)
			delete(b.subs[runID], sub)

			if len(b.subs[runID]) == 0 {
				delete(b.subs, runID)
			}
		}
	}

	return sub.ch, cancel, nil
}
