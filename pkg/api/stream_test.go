package api

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/llmrace/llmrace/pkg/store"
	"github.com/llmrace/llmrace/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sseFrame struct {
	id    string
	event string
	data  string
}

// readFrames parses SSE frames until the server closes the stream.
func readFrames(t *testing.T, resp *http.Response) []sseFrame {
	t.Helper()

	defer resp.Body.Close()

	var (
		frames  []sseFrame
		current sseFrame
	)

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if current.event != "" {
				frames = append(frames, current)
			}

			current = sseFrame{}
		case strings.HasPrefix(line, "id: "):
			current.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			current.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		}
	}

	return frames
}

// seedStreamRun persists a terminal run with a short event history.
func seedStreamRun(t *testing.T, ts *testServer) *store.Run {
	t.Helper()

	ctx := context.Background()

	connID := ts.createConnection(t, "stream-conn")
	carID := ts.createCar(t, "stream-car", connID)
	suiteID := ts.createSuite(t, "stream-suite", 1)

	run := &store.Run{SuiteID: suiteID, Status: store.RunCompleted}
	run.SetCarIDs([]uint{carID})
	require.NoError(t, ts.store.CreateRunWithItems(ctx, run, []store.RunItem{
		{TestID: 1, CarID: carID, Status: store.ItemCompleted},
	}))

	_, err := ts.bus.Publish(ctx, run.ID, nil, telemetry.EventRunStarted,
		map[string]any{"run_id": run.ID})
	require.NoError(t, err)

	_, err = ts.bus.Publish(ctx, run.ID, nil, telemetry.EventTokenDelta,
		map[string]any{"text": "hello"})
	require.NoError(t, err)

	_, err = ts.bus.Publish(ctx, run.ID, nil, telemetry.EventRunCompleted,
		map[string]any{"status": "COMPLETED"})
	require.NoError(t, err)

	return run
}

func TestStreamReplaysHistoryAndCloses(t *testing.T) {
	ts := setupTestServer(t)
	run := seedStreamRun(t, ts)

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/runs/%d/stream", ts.http.URL, run.ID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := readFrames(t, resp)
	require.Len(t, frames, 3)

	assert.Equal(t, "1", frames[0].id)
	assert.Equal(t, telemetry.EventRunStarted, frames[0].event)
	assert.Equal(t, "2", frames[1].id)
	assert.Equal(t, telemetry.EventTokenDelta, frames[1].event)
	assert.Contains(t, frames[1].data, "hello")
	assert.Equal(t, "3", frames[2].id)
	assert.Equal(t, telemetry.EventRunCompleted, frames[2].event)
}

func TestStreamResumesFromQueryCursor(t *testing.T) {
	ts := setupTestServer(t)
	run := seedStreamRun(t, ts)

	resp, err := http.Get(fmt.Sprintf(
		"%s/api/v1/runs/%d/stream?after_seq=2", ts.http.URL, run.ID))
	require.NoError(t, err)

	frames := readFrames(t, resp)
	require.Len(t, frames, 1)
	assert.Equal(t, "3", frames[0].id)
	assert.Equal(t, telemetry.EventRunCompleted, frames[0].event)
}

func TestStreamResumesFromLastEventID(t *testing.T) {
	ts := setupTestServer(t)
	run := seedStreamRun(t, ts)

	req, err := http.NewRequest(http.MethodGet,
		fmt.Sprintf("%s/api/v1/runs/%d/stream", ts.http.URL, run.ID), nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	frames := readFrames(t, resp)
	require.Len(t, frames, 2)
	assert.Equal(t, "2", frames[0].id)
	assert.Equal(t, "3", frames[1].id)
}

func TestStreamClosesOnTerminalRunWithoutTerminalEvent(t *testing.T) {
	ts := setupTestServer(t)

	ctx := context.Background()

	connID := ts.createConnection(t, "poll-conn")
	carID := ts.createCar(t, "poll-car", connID)
	suiteID := ts.createSuite(t, "poll-suite", 1)

	// A run failed before dispatch has a terminal status but no
	// terminal event; the stream falls back to polling the run row.
	run := &store.Run{SuiteID: suiteID, Status: store.RunFailed}
	run.SetCarIDs([]uint{carID})
	require.NoError(t, ts.store.CreateRunWithItems(ctx, run, nil))

	_, err := ts.bus.Publish(ctx, run.ID, nil, telemetry.EventRunStarted,
		map[string]any{"run_id": run.ID})
	require.NoError(t, err)

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/runs/%d/stream", ts.http.URL, run.ID))
	require.NoError(t, err)

	done := make(chan []sseFrame, 1)

	go func() {
		done <- readFrames(t, resp)
	}()

	select {
	case frames := <-done:
		require.Len(t, frames, 1)
		assert.Equal(t, telemetry.EventRunStarted, frames[0].event)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close for a terminal run")
	}
}

func TestStreamUnknownRun(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := http.Get(ts.http.URL + "/api/v1/runs/999/stream")
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
