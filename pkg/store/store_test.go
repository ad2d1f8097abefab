package store

import (
	"context"
	"testing"

	"github.com/llmrace/llmrace/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	})

	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() {
		_ = s.Stop()
	})

	return s
}

func TestConnectionCRUD(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	conn := &Connection{
		Name:    "local-ollama",
		Type:    ProviderOllama,
		BaseURL: "http://localhost:11434",
	}
	require.NoError(t, s.CreateConnection(ctx, conn))
	require.NotZero(t, conn.ID)

	got, err := s.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "local-ollama", got.Name)
	assert.Equal(t, ProviderOllama, got.Type)

	byName, err := s.GetConnectionByName(ctx, "local-ollama")
	require.NoError(t, err)
	assert.Equal(t, conn.ID, byName.ID)

	got.BaseURL = "http://localhost:11435"
	require.NoError(t, s.UpdateConnection(ctx, got))

	updated, err := s.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:11435", updated.BaseURL)

	require.NoError(t, s.DeleteConnection(ctx, conn.ID))

	_, err = s.GetConnection(ctx, conn.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConnectionNameUnique(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateConnection(ctx, &Connection{
		Name:    "dup",
		Type:    ProviderOpenAI,
		BaseURL: "https://api.openai.com",
	}))

	err := s.CreateConnection(ctx, &Connection{
		Name:    "dup",
		Type:    ProviderOpenAI,
		BaseURL: "https://api.openai.com",
	})
	assert.Error(t, err)
}

func TestSuiteWithTests(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	suite := &Suite{
		Name:     "writing-basics",
		Category: "writing",
		Tests: []TestCase{
			{OrderIndex: 1, Name: "haiku", UserPrompt: "Write a haiku."},
			{OrderIndex: 0, Name: "intro", UserPrompt: "Introduce yourself."},
		},
	}
	require.NoError(t, s.CreateSuite(ctx, suite))

	got, err := s.GetSuite(ctx, suite.ID)
	require.NoError(t, err)
	require.Len(t, got.Tests, 2)
	assert.Equal(t, "intro", got.Tests[0].Name, "tests ordered by order_index")
	assert.Equal(t, "haiku", got.Tests[1].Name)

	tests, err := s.ListTests(ctx, suite.ID)
	require.NoError(t, err)
	require.Len(t, tests, 2)
	assert.Equal(t, 0, tests[0].OrderIndex)

	require.NoError(t, s.DeleteSuite(ctx, suite.ID))

	tests, err = s.ListTests(ctx, suite.ID)
	require.NoError(t, err)
	assert.Empty(t, tests, "suite deletion removes its tests")
}

func TestProviderSettingDefaults(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	setting, err := s.GetProviderSetting(ctx, ProviderAnthropic)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxInFlight, setting.MaxInFlight)
	assert.Equal(t, DefaultTimeoutMs, setting.TimeoutMs)
	assert.Equal(t, DefaultRetryCount, setting.RetryCount)
	assert.Equal(t, DefaultRetryBackoffMs, setting.RetryBackoffMs)

	setting.MaxInFlight = 4
	require.NoError(t, s.UpdateProviderSetting(ctx, setting))

	again, err := s.GetProviderSetting(ctx, ProviderAnthropic)
	require.NoError(t, err)
	assert.Equal(t, 4, again.MaxInFlight, "existing row is returned, not recreated")
}

func TestSeedProviderSettings(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SeedProviderSettings(ctx))

	settings, err := s.ListProviderSettings(ctx)
	require.NoError(t, err)
	assert.Len(t, settings, len(AllProviderTypes()))

	// Seeding again must not duplicate rows.
	require.NoError(t, s.SeedProviderSettings(ctx))

	settings, err = s.ListProviderSettings(ctx)
	require.NoError(t, err)
	assert.Len(t, settings, len(AllProviderTypes()))
}

func TestCreateRunWithItems(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := &Run{SuiteID: 1, Status: RunQueued}
	run.SetCarIDs([]uint{10, 20})

	items := []RunItem{
		{TestID: 1, CarID: 10, Status: ItemPending},
		{TestID: 1, CarID: 20, Status: ItemPending},
		{TestID: 2, CarID: 10, Status: ItemPending},
		{TestID: 2, CarID: 20, Status: ItemPending},
	}
	require.NoError(t, s.CreateRunWithItems(ctx, run, items))
	require.NotZero(t, run.ID)

	got, err := s.ListRunItems(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got, 4)

	for _, item := range got {
		assert.Equal(t, run.ID, item.RunID)
		assert.Equal(t, ItemPending, item.Status)
	}

	// Enumeration order is preserved: per test, cars in selection order.
	assert.Equal(t, uint(10), got[0].CarID)
	assert.Equal(t, uint(20), got[1].CarID)
	assert.Equal(t, uint(1), got[0].TestID)
	assert.Equal(t, uint(2), got[2].TestID)

	fetched, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{10, 20}, fetched.CarIDs())
}

func TestUpsertRunOutputAndMetric(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := &Run{SuiteID: 1, Status: RunRunning}
	run.SetCarIDs([]uint{1})
	require.NoError(t, s.CreateRunWithItems(ctx, run, []RunItem{
		{TestID: 1, CarID: 1, Status: ItemInProgress},
	}))

	items, err := s.ListRunItems(ctx, run.ID)
	require.NoError(t, err)
	itemID := items[0].ID

	require.NoError(t, s.UpsertRunOutput(ctx, &RunOutput{
		RunItemID:    itemID,
		StreamedText: "partial",
	}))
	require.NoError(t, s.UpsertRunOutput(ctx, &RunOutput{
		RunItemID:    itemID,
		StreamedText: "partial text",
		FinalText:    "final text",
	}))

	outputs, err := s.ListRunOutputs(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, outputs, 1, "upsert replaces, never duplicates")
	assert.Equal(t, "final text", outputs[0].FinalText)

	ttft := int64(120)
	tokens := 42
	require.NoError(t, s.UpsertRunMetric(ctx, &RunMetric{
		RunItemID:    itemID,
		TTFTMs:       &ttft,
		OutputTokens: &tokens,
	}))
	require.NoError(t, s.UpsertRunMetric(ctx, &RunMetric{
		RunItemID: itemID,
		TTFTMs:    &ttft,
		ErrorFlag: true,
	}))

	metrics, err := s.ListRunMetrics(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.True(t, metrics[0].ErrorFlag)
}

func TestAppendEventSequencing(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	runA := &Run{SuiteID: 1, Status: RunRunning}
	runA.SetCarIDs([]uint{1})
	require.NoError(t, s.CreateRunWithItems(ctx, runA, nil))

	runB := &Run{SuiteID: 1, Status: RunRunning}
	runB.SetCarIDs([]uint{1})
	require.NoError(t, s.CreateRunWithItems(ctx, runB, nil))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, &TelemetryEvent{
			RunID:       runA.ID,
			EventName:   "token.delta",
			PayloadJSON: "{}",
		}))
	}

	require.NoError(t, s.AppendEvent(ctx, &TelemetryEvent{
		RunID:       runB.ID,
		EventName:   "run.started",
		PayloadJSON: "{}",
	}))

	eventsA, err := s.ListEventsAfter(ctx, runA.ID, 0)
	require.NoError(t, err)
	require.Len(t, eventsA, 3)

	for i, ev := range eventsA {
		assert.Equal(t, uint64(i+1), ev.SeqNo, "sequence starts at 1 and is gapless")
	}

	eventsB, err := s.ListEventsAfter(ctx, runB.ID, 0)
	require.NoError(t, err)
	require.Len(t, eventsB, 1)
	assert.Equal(t, uint64(1), eventsB[0].SeqNo, "sequences are per run")

	tail, err := s.ListEventsAfter(ctx, runA.ID, 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, uint64(3), tail[0].SeqNo)
}

func TestJudgeResultsAppendOnly(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := &Run{SuiteID: 1, Status: RunCompleted}
	run.SetCarIDs([]uint{1})
	require.NoError(t, s.CreateRunWithItems(ctx, run, nil))

	overall := 7.5
	require.NoError(t, s.AppendJudgeResult(ctx, &JudgeResult{
		RunID:     run.ID,
		Overall:   &overall,
		Rationale: "solid output",
	}))
	require.NoError(t, s.AppendJudgeResult(ctx, &JudgeResult{
		RunID:     run.ID,
		Rationale: "unparseable judge response",
	}))

	results, err := s.ListJudgeResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, results, 2, "repeat judging appends")
	assert.NotNil(t, results[0].Overall)
	assert.Nil(t, results[1].Overall)
}
