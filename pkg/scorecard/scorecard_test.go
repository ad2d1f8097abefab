package scorecard

import (
	"context"
	"fmt"
	"testing"

	"github.com/llmrace/llmrace/pkg/config"
	"github.com/llmrace/llmrace/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t       *testing.T
	store   store.Store
	service *Service
	conn    *store.Connection
	suite   *store.Suite
	test    *store.TestCase
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	})

	require.NoError(t, st.Start(context.Background()))

	t.Cleanup(func() {
		_ = st.Stop()
	})

	ctx := context.Background()

	conn := &store.Connection{Name: "local", Type: store.ProviderOllama, BaseURL: "http://localhost:11434"}
	require.NoError(t, st.CreateConnection(ctx, conn))

	suite := &store.Suite{Name: "bench", Category: "mixed"}
	require.NoError(t, st.CreateSuite(ctx, suite))

	test := &store.TestCase{SuiteID: suite.ID, OrderIndex: 0, Name: "greeting", UserPrompt: "say hello"}
	require.NoError(t, st.CreateTest(ctx, test))

	return &fixture{
		t:       t,
		store:   st,
		service: NewService(log, st),
		conn:    conn,
		suite:   suite,
		test:    test,
	}
}

func (f *fixture) addCar(name, model string) *store.Car {
	f.t.Helper()

	car := &store.Car{Name: name, ConnectionID: f.conn.ID, ModelName: model}
	require.NoError(f.t, f.store.CreateCar(context.Background(), car))

	return car
}

// itemSpec drives one persisted run item: its terminal status and the
// metric and payload rows written alongside it.
type itemSpec struct {
	car       *store.Car
	status    store.RunItemStatus
	latencyMs int64
	ttftMs    int64
	tps       float64
	errorFlag bool
	assertion string // "3/4" style, empty for none
	judge     *float64
}

func (f *fixture) addRun(specs []itemSpec) *store.Run {
	f.t.Helper()

	ctx := context.Background()

	run := &store.Run{SuiteID: f.suite.ID, Status: store.RunCompleted}

	carIDs := []uint{}
	for _, spec := range specs {
		carIDs = append(carIDs, spec.car.ID)
	}

	run.SetCarIDs(carIDs)

	items := make([]store.RunItem, len(specs))
	for i, spec := range specs {
		items[i] = store.RunItem{TestID: f.test.ID, CarID: spec.car.ID, Status: store.ItemPending}
	}

	require.NoError(f.t, f.store.CreateRunWithItems(ctx, run, items))

	for i, spec := range specs {
		item := items[i]
		item.Status = spec.status
		require.NoError(f.t, f.store.UpdateRunItem(ctx, &item))

		metric := store.RunMetric{RunItemID: item.ID, ErrorFlag: spec.errorFlag}

		if spec.latencyMs > 0 {
			latency := spec.latencyMs
			metric.TotalLatencyMs = &latency
		}

		if spec.ttftMs > 0 {
			ttft := spec.ttftMs
			metric.TTFTMs = &ttft
		}

		if spec.tps > 0 {
			tps := spec.tps
			metric.TokensPerSec = &tps
		}

		require.NoError(f.t, f.store.UpsertRunMetric(ctx, &metric))

		payload := "{}"
		if spec.assertion != "" {
			var passed, total int
			_, err := fmt.Sscanf(spec.assertion, "%d/%d", &passed, &total)
			require.NoError(f.t, err)

			payload = fmt.Sprintf(`{"assertions":{"passed":%d,"total":%d}}`, passed, total)
		}

		require.NoError(f.t, f.store.UpsertRunOutput(ctx, &store.RunOutput{
			RunItemID:      item.ID,
			FinalText:      "hello",
			RawPayloadJSON: payload,
		}))

		if spec.judge != nil {
			itemID := item.ID
			carID := spec.car.ID
			require.NoError(f.t, f.store.AppendJudgeResult(ctx, &store.JudgeResult{
				RunID:     run.ID,
				RunItemID: &itemID,
				CarID:     &carID,
				Overall:   spec.judge,
				Rationale: "solid",
			}))
		}
	}

	return run
}

func ptr(v float64) *float64 { return &v }

func TestScorecardAveragesPerCar(t *testing.T) {
	f := setupFixture(t)

	fast := f.addCar("fast", "llama3")
	flaky := f.addCar("flaky", "mistral")

	run := f.addRun([]itemSpec{
		{car: fast, status: store.ItemCompleted, latencyMs: 100, ttftMs: 50, tps: 20},
		{car: fast, status: store.ItemCompleted, latencyMs: 300, ttftMs: 150, tps: 10},
		{car: flaky, status: store.ItemCompleted, latencyMs: 400, tps: 5},
		{car: flaky, status: store.ItemFailed, errorFlag: true},
	})

	rows, err := f.service.Scorecard(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byCar := map[uint]Row{}
	for _, row := range rows {
		byCar[row.CarID] = row
	}

	fastRow := byCar[fast.ID]
	assert.Equal(t, "fast", fastRow.CarName)
	assert.Equal(t, "llama3", fastRow.ModelName)
	assert.Equal(t, 2, fastRow.ItemsTotal)
	assert.Equal(t, 2, fastRow.ItemsCompleted)
	assert.Equal(t, 0.0, fastRow.ErrorRate)
	require.NotNil(t, fastRow.AvgLatencyMs)
	assert.InDelta(t, 200, *fastRow.AvgLatencyMs, 0.001)
	require.NotNil(t, fastRow.AvgTTFTMs)
	assert.InDelta(t, 100, *fastRow.AvgTTFTMs, 0.001)
	require.NotNil(t, fastRow.AvgTokensPerSec)
	assert.InDelta(t, 15, *fastRow.AvgTokensPerSec, 0.001)

	flakyRow := byCar[flaky.ID]
	assert.Equal(t, 2, flakyRow.ItemsTotal)
	assert.Equal(t, 1, flakyRow.ItemsFailed)
	assert.InDelta(t, 0.5, flakyRow.ErrorRate, 0.001)
	// The failed item's error metric must not drag the averages.
	require.NotNil(t, flakyRow.AvgLatencyMs)
	assert.InDelta(t, 400, *flakyRow.AvgLatencyMs, 0.001)
	assert.Nil(t, flakyRow.AvgJudgeOverall)
}

func TestScorecardAssertionAndJudgeRollup(t *testing.T) {
	f := setupFixture(t)

	car := f.addCar("solo", "llama3")

	run := f.addRun([]itemSpec{
		{car: car, status: store.ItemCompleted, latencyMs: 100, assertion: "3/4", judge: ptr(8)},
		{car: car, status: store.ItemCompleted, latencyMs: 100, assertion: "1/2", judge: ptr(6)},
	})

	rows, err := f.service.Scorecard(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NotNil(t, rows[0].AssertionPassRate)
	assert.InDelta(t, 0.625, *rows[0].AssertionPassRate, 0.001)
	require.NotNil(t, rows[0].AvgJudgeOverall)
	assert.InDelta(t, 7, *rows[0].AvgJudgeOverall, 0.001)
}

func TestScorecardLatestJudgeRowWins(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	car := f.addCar("rejudged", "llama3")

	run := f.addRun([]itemSpec{
		{car: car, status: store.ItemCompleted, latencyMs: 100, judge: ptr(3)},
	})

	items, err := f.store.ListRunItems(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)

	itemID := items[0].ID
	require.NoError(t, f.store.AppendJudgeResult(ctx, &store.JudgeResult{
		RunID:     run.ID,
		RunItemID: &itemID,
		Overall:   ptr(9),
		Rationale: "second pass",
	}))

	rows, err := f.service.Scorecard(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].AvgJudgeOverall)
	assert.InDelta(t, 9, *rows[0].AvgJudgeOverall, 0.001)
}

func TestScorecardSortsBestFirst(t *testing.T) {
	f := setupFixture(t)

	judged := f.addCar("judged", "llama3")
	asserted := f.addCar("asserted", "mistral")
	plain := f.addCar("plain", "phi3")

	run := f.addRun([]itemSpec{
		{car: plain, status: store.ItemCompleted, latencyMs: 100},
		{car: asserted, status: store.ItemCompleted, latencyMs: 100, assertion: "2/2"},
		{car: judged, status: store.ItemCompleted, latencyMs: 100, judge: ptr(5)},
	})

	rows, err := f.service.Scorecard(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "judged", rows[0].CarName)
	assert.Equal(t, "asserted", rows[1].CarName)
	assert.Equal(t, "plain", rows[2].CarName)
}

func TestCompareClassifiesImprovement(t *testing.T) {
	f := setupFixture(t)

	car := f.addCar("steady", "llama3")

	baseline := f.addRun([]itemSpec{
		{car: car, status: store.ItemCompleted, latencyMs: 300},
	})
	current := f.addRun([]itemSpec{
		{car: car, status: store.ItemCompleted, latencyMs: 200},
	})

	cmp, err := f.service.Compare(context.Background(), current.ID, baseline.ID)
	require.NoError(t, err)
	require.Len(t, cmp.Rows, 1)

	row := cmp.Rows[0]
	require.NotNil(t, row.LatencyDeltaMs)
	assert.InDelta(t, -100, *row.LatencyDeltaMs, 0.001)
	assert.Equal(t, SummaryImproved, row.Summary)
	assert.Greater(t, row.Net, 0.0)
}

func TestCompareClassifiesRegression(t *testing.T) {
	f := setupFixture(t)

	car := f.addCar("degraded", "llama3")

	baseline := f.addRun([]itemSpec{
		{car: car, status: store.ItemCompleted, latencyMs: 100},
		{car: car, status: store.ItemCompleted, latencyMs: 100},
	})
	current := f.addRun([]itemSpec{
		{car: car, status: store.ItemCompleted, latencyMs: 100},
		{car: car, status: store.ItemFailed, errorFlag: true},
	})

	cmp, err := f.service.Compare(context.Background(), current.ID, baseline.ID)
	require.NoError(t, err)
	require.Len(t, cmp.Rows, 1)

	row := cmp.Rows[0]
	require.NotNil(t, row.ErrorRateDelta)
	assert.InDelta(t, 0.5, *row.ErrorRateDelta, 0.001)
	assert.Equal(t, SummaryRegressed, row.Summary)
}

func TestCompareIsNeutralForIdenticalRuns(t *testing.T) {
	f := setupFixture(t)

	car := f.addCar("twin", "llama3")

	baseline := f.addRun([]itemSpec{
		{car: car, status: store.ItemCompleted, latencyMs: 250, tps: 12},
	})
	current := f.addRun([]itemSpec{
		{car: car, status: store.ItemCompleted, latencyMs: 250, tps: 12},
	})

	cmp, err := f.service.Compare(context.Background(), current.ID, baseline.ID)
	require.NoError(t, err)
	require.Len(t, cmp.Rows, 1)
	assert.Equal(t, SummaryNeutral, cmp.Rows[0].Summary)
	assert.InDelta(t, 0, cmp.Rows[0].Net, 0.001)
}

func TestCompareNewProfileRow(t *testing.T) {
	f := setupFixture(t)

	old := f.addCar("old", "llama3")
	fresh := f.addCar("fresh", "mistral")

	baseline := f.addRun([]itemSpec{
		{car: old, status: store.ItemCompleted, latencyMs: 100},
	})
	current := f.addRun([]itemSpec{
		{car: old, status: store.ItemCompleted, latencyMs: 100},
		{car: fresh, status: store.ItemCompleted, latencyMs: 100},
	})

	cmp, err := f.service.Compare(context.Background(), current.ID, baseline.ID)
	require.NoError(t, err)
	require.Len(t, cmp.Rows, 2)

	// Rows come back sorted by car name.
	assert.Equal(t, "fresh", cmp.Rows[0].CarName)
	assert.Equal(t, SummaryNewProfile, cmp.Rows[0].Summary)
	assert.Nil(t, cmp.Rows[0].LatencyDeltaMs)
	assert.Equal(t, "old", cmp.Rows[1].CarName)
}

func TestCompareErrors(t *testing.T) {
	f := setupFixture(t)

	car := f.addCar("lonely", "llama3")
	run := f.addRun([]itemSpec{
		{car: car, status: store.ItemCompleted, latencyMs: 100},
	})

	_, err := f.service.Compare(context.Background(), run.ID, run.ID)
	assert.ErrorIs(t, err, ErrSameRun)

	_, err = f.service.Compare(context.Background(), run.ID, run.ID+100)
	assert.ErrorIs(t, err, ErrBaselineNotFound)
}

func TestLeaderboardSpansRuns(t *testing.T) {
	f := setupFixture(t)

	champ := f.addCar("champ", "llama3")
	rival := f.addCar("rival", "mistral")

	f.addRun([]itemSpec{
		{car: champ, status: store.ItemCompleted, latencyMs: 100, judge: ptr(9)},
		{car: rival, status: store.ItemCompleted, latencyMs: 100, judge: ptr(4)},
	})
	f.addRun([]itemSpec{
		{car: champ, status: store.ItemCompleted, latencyMs: 200, judge: ptr(7)},
	})

	rows, err := f.service.Leaderboard(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "champ", rows[0].CarName)
	assert.Equal(t, 2, rows[0].RunsParticipated)
	assert.Equal(t, 2, rows[0].ItemsTotal)
	require.NotNil(t, rows[0].AvgJudgeOverall)
	assert.InDelta(t, 8, *rows[0].AvgJudgeOverall, 0.001)
	require.NotNil(t, rows[0].AvgLatencyMs)
	assert.InDelta(t, 150, *rows[0].AvgLatencyMs, 0.001)

	assert.Equal(t, "rival", rows[1].CarName)
	assert.Equal(t, 1, rows[1].RunsParticipated)
}
