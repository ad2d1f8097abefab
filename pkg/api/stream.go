package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/llmrace/llmrace/pkg/telemetry"
)

// handleStream replays a run's telemetry over SSE and follows it live.
// Clients resume with ?after_seq=N or the Last-Event-ID header; every
// frame carries the event's sequence number as its id.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid id"})

		return
	}

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		s.writeStoreError(w, err)

		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"streaming not supported"})

		return
	}

	afterSeq := resumeCursor(r)

	events, cancel, err := s.bus.Subscribe(r.Context(), id, afterSeq)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.cfg.Telemetry.HeartbeatIntervalDuration())
	defer heartbeat.Stop()

	// Fallback for runs that turn terminal without a terminal event,
	// such as a run failed at enqueue.
	poll := time.NewTicker(s.cfg.Telemetry.PollIntervalDuration())
	defer poll.Stop()

	lastEvent := time.Now()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-s.done:
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case <-poll.C:
			run, err := s.store.GetRun(r.Context(), id)
			if err != nil {
				return
			}

			// One quiet poll interval of grace lets an in-flight
			// terminal frame arrive first.
			if run.Status.Terminal() && time.Since(lastEvent) > s.cfg.Telemetry.PollIntervalDuration() {
				return
			}

		case ev, open := <-events:
			// A closed channel means the bus dropped this subscriber
			// for falling behind; the client reconnects from its
			// last seen id.
			if !open {
				return
			}

			lastEvent = time.Now()

			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n",
				ev.SeqNo, ev.EventName, ev.PayloadJSON)
			flusher.Flush()

			// The terminal run event is always the last one published.
			if ev.EventName == telemetry.EventRunCompleted ||
				ev.EventName == telemetry.EventRunFailed {
				return
			}
		}
	}
}

// resumeCursor reads the client's replay cursor. The after_seq query
// parameter wins over the Last-Event-ID header.
func resumeCursor(r *http.Request) uint64 {
	if raw := r.URL.Query().Get("after_seq"); raw != "" {
		if seq, err := strconv.ParseUint(raw, 10, 64); err == nil {
			return seq
		}
	}

	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if seq, err := strconv.ParseUint(raw, 10, 64); err == nil {
			return seq
		}
	}

	return 0
}
