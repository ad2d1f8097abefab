// Package scorecard aggregates run-item metrics, assertions, and judge
// scores into per-car rollups, diffs two runs' rollups into classified
// deltas, and builds the cross-run leaderboard.
package scorecard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/llmrace/llmrace/pkg/store"
	"github.com/sirupsen/logrus"
)

// ErrSameRun is returned when a run is compared against itself.
var ErrSameRun = errors.New("baseline run must differ from target run")

// ErrBaselineNotFound is returned when the baseline run does not exist.
var ErrBaselineNotFound = errors.New("baseline run not found")

// Row is one car's rollup within a run. Averages cover only items that
// produced a measurement; FAILED items contribute to error rate alone.
type Row struct {
	CarID             uint     `json:"car_id"`
	CarName           string   `json:"car_name"`
	ModelName         string   `json:"model_name"`
	ItemsTotal        int      `json:"items_total"`
	ItemsCompleted    int      `json:"items_completed"`
	ItemsFailed       int      `json:"items_failed"`
	ItemsPartial      int      `json:"items_partial"`
	ErrorRate         float64  `json:"error_rate"`
	AvgTTFTMs         *float64 `json:"avg_ttft_ms,omitempty"`
	AvgLatencyMs      *float64 `json:"avg_latency_ms,omitempty"`
	AvgTokensPerSec   *float64 `json:"avg_tokens_per_sec,omitempty"`
	AssertionPassRate *float64 `json:"assertion_pass_rate,omitempty"`
	AvgJudgeOverall   *float64 `json:"avg_judge_overall,omitempty"`
}

// Delta classifications.
const (
	SummaryImproved   = "improved"
	SummaryRegressed  = "regressed"
	SummaryNeutral    = "neutral"
	SummaryNewProfile = "new profile in current run"
)

// ComparisonRow is one car's classified delta against the baseline.
type ComparisonRow struct {
	CarID                  uint     `json:"car_id"`
	CarName                string   `json:"car_name"`
	ModelName              string   `json:"model_name"`
	LatencyDeltaMs         *float64 `json:"latency_delta_ms,omitempty"`
	TokensPerSecDelta      *float64 `json:"tokens_per_sec_delta,omitempty"`
	ErrorRateDelta         *float64 `json:"error_rate_delta,omitempty"`
	AssertionPassRateDelta *float64 `json:"assertion_pass_rate_delta,omitempty"`
	JudgeOverallDelta      *float64 `json:"judge_overall_delta,omitempty"`
	Net                    float64  `json:"net"`
	Summary                string   `json:"summary"`
}

// Comparison is a full run-versus-baseline diff.
type Comparison struct {
	RunID         uint            `json:"run_id"`
	BaselineRunID uint            `json:"baseline_run_id"`
	Rows          []ComparisonRow `json:"rows"`
}

// LeaderboardRow is one car's rollup across every run it appears in.
type LeaderboardRow struct {
	CarID             uint     `json:"car_id"`
	CarName           string   `json:"car_name"`
	ModelName         string   `json:"model_name"`
	RunsParticipated  int      `json:"runs_participated"`
	ItemsTotal        int      `json:"items_total"`
	ErrorRate         float64  `json:"error_rate"`
	AvgTTFTMs         *float64 `json:"avg_ttft_ms,omitempty"`
	AvgLatencyMs      *float64 `json:"avg_latency_ms,omitempty"`
	AvgTokensPerSec   *float64 `json:"avg_tokens_per_sec,omitempty"`
	AssertionPassRate *float64 `json:"assertion_pass_rate,omitempty"`
	AvgJudgeOverall   *float64 `json:"avg_judge_overall,omitempty"`
}

// Service computes scorecards over the store.
type Service struct {
	log   logrus.FieldLogger
	store store.Store
}

// NewService creates a scorecard service.
func NewService(log logrus.FieldLogger, st store.Store) *Service {
	return &Service{
		log:   log.WithField("component", "scorecard"),
		store: st,
	}
}

// accumulator gathers one car's sums while walking items.
type accumulator struct {
	carID          uint
	total          int
	completed      int
	failed         int
	partial        int
	errorCount     int
	ttftSum        float64
	ttftCount      int
	latencySum     float64
	latencyCount   int
	tpsSum         float64
	tpsCount       int
	assertRateSum  float64
	assertCount    int
	judgeSum       float64
	judgeCount     int
	runsSeen       map[uint]struct{}
}

func newAccumulator(carID uint) *accumulator {
	return &accumulator{carID: carID, runsSeen: map[uint]struct{}{}}
}

func (a *accumulator) addItem(item *store.RunItem, metric *store.RunMetric, output *store.RunOutput, judgeOverall *float64) {
	a.total++
	a.runsSeen[item.RunID] = struct{}{}

	switch item.Status {
	case store.ItemCompleted:
		a.completed++
	case store.ItemFailed:
		a.failed++
		a.errorCount++
	case store.ItemPartial:
		a.partial++
	}

	// FAILED items carry an error metric only; successful measurements
	// come from completed and partial items.
	if metric != nil && item.Status != store.ItemFailed {
		if metric.TTFTMs != nil {
			a.ttftSum += float64(*metric.TTFTMs)
			a.ttftCount++
		}

		if metric.TotalLatencyMs != nil {
			a.latencySum += float64(*metric.TotalLatencyMs)
			a.latencyCount++
		}

		if metric.TokensPerSec != nil {
			a.tpsSum += *metric.TokensPerSec
			a.tpsCount++
		}
	}

	if passed, total, ok := assertionCounts(output); ok {
		a.assertRateSum += float64(passed) / float64(total)
		a.assertCount++
	}

	if judgeOverall != nil {
		a.judgeSum += *judgeOverall
		a.judgeCount++
	}
}

func (a *accumulator) row(car *store.Car) Row {
	row := Row{
		CarID:          a.carID,
		CarName:        fmt.Sprintf("car:%d", a.carID),
		ModelName:      "unknown",
		ItemsTotal:     a.total,
		ItemsCompleted: a.completed,
		ItemsFailed:    a.failed,
		ItemsPartial:   a.partial,
	}

	if car != nil {
		row.CarName = car.Name
		row.ModelName = car.ModelName
	}

	if a.total > 0 {
		row.ErrorRate = float64(a.errorCount) / float64(a.total)
	}

	row.AvgTTFTMs = mean(a.ttftSum, a.ttftCount)
	row.AvgLatencyMs = mean(a.latencySum, a.latencyCount)
	row.AvgTokensPerSec = mean(a.tpsSum, a.tpsCount)
	row.AssertionPassRate = mean(a.assertRateSum, a.assertCount)
	row.AvgJudgeOverall = mean(a.judgeSum, a.judgeCount)

	return row
}

func mean(sum float64, count int) *float64 {
	if count == 0 {
		return nil
	}

	v := sum / float64(count)

	return &v
}

// assertionCounts reads the assertion summary embedded in the output's
// raw payload.
func assertionCounts(output *store.RunOutput) (passed, total int, ok bool) {
	if output == nil || output.RawPayloadJSON == "" {
		return 0, 0, false
	}

	var payload struct {
		Assertions *struct {
			Passed int `json:"passed"`
			Total  int `json:"total"`
		} `json:"assertions"`
	}

	if err := json.Unmarshal([]byte(output.RawPayloadJSON), &payload); err != nil {
		return 0, 0, false
	}

	if payload.Assertions == nil || payload.Assertions.Total <= 0 {
		return 0, 0, false
	}

	return payload.Assertions.Passed, payload.Assertions.Total, true
}

// Scorecard builds the per-car rollup rows for one run, best first.
func (s *Service) Scorecard(ctx context.Context, runID uint) ([]Row, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}

	items, err := s.store.ListRunItems(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading run items: %w", err)
	}

	if len(items) == 0 {
		return []Row{}, nil
	}

	metrics, err := s.store.ListRunMetrics(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading metrics: %w", err)
	}

	metricsByItem := make(map[uint]*store.RunMetric, len(metrics))
	for i := range metrics {
		metricsByItem[metrics[i].RunItemID] = &metrics[i]
	}

	outputs, err := s.store.ListRunOutputs(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading outputs: %w", err)
	}

	outputsByItem := make(map[uint]*store.RunOutput, len(outputs))
	for i := range outputs {
		outputsByItem[outputs[i].RunItemID] = &outputs[i]
	}

	judgeByItem := s.latestJudgeByItem(ctx, runID)

	accs := map[uint]*accumulator{}
	order := []uint{}

	for i := range items {
		item := &items[i]

		acc, ok := accs[item.CarID]
		if !ok {
			acc = newAccumulator(item.CarID)
			accs[item.CarID] = acc
			order = append(order, item.CarID)
		}

		acc.addItem(item, metricsByItem[item.ID], outputsByItem[item.ID], judgeByItem[item.ID])
	}

	rows := make([]Row, 0, len(order))

	for _, carID := range order {
		car, err := s.store.GetCar(ctx, carID)
		if err != nil {
			car = nil
		}

		rows = append(rows, accs[carID].row(car))
	}

	sortRows(rows)

	return rows, nil
}

// latestJudgeByItem maps each item to its newest judged overall score.
// Judge passes append, so the highest row id per item wins.
func (s *Service) latestJudgeByItem(ctx context.Context, runID uint) map[uint]*float64 {
	results, err := s.store.ListJudgeResults(ctx, runID)
	if err != nil {
		s.log.WithError(err).Warn("Loading judge results")

		return nil
	}

	byItem := map[uint]*float64{}

	for i := range results {
		r := &results[i]
		if r.RunItemID == nil || r.Overall == nil {
			continue
		}

		byItem[*r.RunItemID] = r.Overall
	}

	return byItem
}

// sortRows orders best first: judge score, then assertion pass rate,
// then lowest error rate.
func sortRows(rows []Row) {
	key := func(v *float64) float64 {
		if v == nil {
			return -1
		}

		return *v
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]

		if ka, kb := key(a.AvgJudgeOverall), key(b.AvgJudgeOverall); ka != kb {
			return ka > kb
		}

		if ka, kb := key(a.AssertionPassRate), key(b.AssertionPassRate); ka != kb {
			return ka > kb
		}

		return a.ErrorRate < b.ErrorRate
	})
}

// Comparator weighting: each available metric contributes a normalized
// signed score in [-1, 1]; the floor keeps near-zero baselines from
// exploding the ratio.
type deltaSpec struct {
	direction float64
	floor     float64
}

var deltaSpecs = map[string]deltaSpec{
	"latency":   {direction: -1, floor: 100},
	"tps":       {direction: +1, floor: 1},
	"error":     {direction: -1, floor: 0.1},
	"assertion": {direction: +1, floor: 0.1},
	"judge":     {direction: +1, floor: 1},
}

// classification epsilon: net scores within it are neutral.
const neutralEpsilon = 0.02

// Compare diffs a run's rollups against a baseline run's.
func (s *Service) Compare(ctx context.Context, runID, baselineRunID uint) (*Comparison, error) {
	if runID == baselineRunID {
		return nil, ErrSameRun
	}

	if _, err := s.store.GetRun(ctx, baselineRunID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrBaselineNotFound
		}

		return nil, fmt.Errorf("loading baseline run: %w", err)
	}

	current, err := s.Scorecard(ctx, runID)
	if err != nil {
		return nil, err
	}

	baseline, err := s.Scorecard(ctx, baselineRunID)
	if err != nil {
		return nil, err
	}

	baselineByCar := make(map[uint]*Row, len(baseline))
	for i := range baseline {
		baselineByCar[baseline[i].CarID] = &baseline[i]
	}

	comparison := &Comparison{
		RunID:         runID,
		BaselineRunID: baselineRunID,
		Rows:          make([]ComparisonRow, 0, len(current)),
	}

	for i := range current {
		cur := &current[i]

		base, ok := baselineByCar[cur.CarID]
		if !ok {
			comparison.Rows = append(comparison.Rows, ComparisonRow{
				CarID:     cur.CarID,
				CarName:   cur.CarName,
				ModelName: cur.ModelName,
				Summary:   SummaryNewProfile,
			})

			continue
		}

		comparison.Rows = append(comparison.Rows, compareRow(cur, base))
	}

	sort.SliceStable(comparison.Rows, func(i, j int) bool {
		return strings.ToLower(comparison.Rows[i].CarName) < strings.ToLower(comparison.Rows[j].CarName)
	})

	return comparison, nil
}

func compareRow(cur, base *Row) ComparisonRow {
	row := ComparisonRow{
		CarID:     cur.CarID,
		CarName:   cur.CarName,
		ModelName: cur.ModelName,
	}

	errorDelta := cur.ErrorRate - base.ErrorRate
	row.ErrorRateDelta = &errorDelta

	row.LatencyDeltaMs = diff(cur.AvgLatencyMs, base.AvgLatencyMs)
	row.TokensPerSecDelta = diff(cur.AvgTokensPerSec, base.AvgTokensPerSec)
	row.AssertionPassRateDelta = diff(cur.AssertionPassRate, base.AssertionPassRate)
	row.JudgeOverallDelta = diff(cur.AvgJudgeOverall, base.AvgJudgeOverall)

	contributions := []float64{
		contribution("error", errorDelta, base.ErrorRate),
	}

	if row.LatencyDeltaMs != nil {
		contributions = append(contributions, contribution("latency", *row.LatencyDeltaMs, deref(base.AvgLatencyMs)))
	}

	if row.TokensPerSecDelta != nil {
		contributions = append(contributions, contribution("tps", *row.TokensPerSecDelta, deref(base.AvgTokensPerSec)))
	}

	if row.AssertionPassRateDelta != nil {
		contributions = append(contributions, contribution("assertion", *row.AssertionPassRateDelta, deref(base.AssertionPassRate)))
	}

	if row.JudgeOverallDelta != nil {
		contributions = append(contributions, contribution("judge", *row.JudgeOverallDelta, deref(base.AvgJudgeOverall)))
	}

	net := 0.0
	for _, c := range contributions {
		net += c
	}

	net /= float64(len(contributions))
	row.Net = net

	switch {
	case net > neutralEpsilon:
		row.Summary = SummaryImproved
	case net < -neutralEpsilon:
		row.Summary = SummaryRegressed
	default:
		row.Summary = SummaryNeutral
	}

	return row
}

func diff(cur, base *float64) *float64 {
	if cur == nil || base == nil {
		return nil
	}

	d := *cur - *base

	return &d
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}

	return *v
}

// contribution normalizes one metric delta into [-1, 1].
func contribution(name string, delta, baseValue float64) float64 {
	spec := deltaSpecs[name]

	scale := baseValue
	if scale < 0 {
		scale = -scale
	}

	if scale < spec.floor {
		scale = spec.floor
	}

	c := spec.direction * delta / scale

	if c > 1 {
		c = 1
	}

	if c < -1 {
		c = -1
	}

	return c
}

// Leaderboard rolls every car up across all runs it appears in.
func (s *Service) Leaderboard(ctx context.Context) ([]LeaderboardRow, error) {
	items, err := s.store.ListAllRunItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading items: %w", err)
	}

	metrics, err := s.store.ListAllRunMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading metrics: %w", err)
	}

	metricsByItem := make(map[uint]*store.RunMetric, len(metrics))
	for i := range metrics {
		metricsByItem[metrics[i].RunItemID] = &metrics[i]
	}

	outputs, err := s.store.ListAllRunOutputs(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading outputs: %w", err)
	}

	outputsByItem := make(map[uint]*store.RunOutput, len(outputs))
	for i := range outputs {
		outputsByItem[outputs[i].RunItemID] = &outputs[i]
	}

	judgeResults, err := s.store.ListAllJudgeResults(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading judge results: %w", err)
	}

	judgeByItem := map[uint]*float64{}

	for i := range judgeResults {
		r := &judgeResults[i]
		if r.RunItemID == nil || r.Overall == nil {
			continue
		}

		judgeByItem[*r.RunItemID] = r.Overall
	}

	accs := map[uint]*accumulator{}
	order := []uint{}

	for i := range items {
		item := &items[i]

		acc, ok := accs[item.CarID]
		if !ok {
			acc = newAccumulator(item.CarID)
			accs[item.CarID] = acc
			order = append(order, item.CarID)
		}

		acc.addItem(item, metricsByItem[item.ID], outputsByItem[item.ID], judgeByItem[item.ID])
	}

	rows := make([]LeaderboardRow, 0, len(order))

	for _, carID := range order {
		acc := accs[carID]
		base := acc.row(nil)

		car, err := s.store.GetCar(ctx, carID)
		if err == nil {
			base.CarName = car.Name
			base.ModelName = car.ModelName
		}

		rows = append(rows, LeaderboardRow{
			CarID:             carID,
			CarName:           base.CarName,
			ModelName:         base.ModelName,
			RunsParticipated:  len(acc.runsSeen),
			ItemsTotal:        base.ItemsTotal,
			ErrorRate:         base.ErrorRate,
			AvgTTFTMs:         base.AvgTTFTMs,
			AvgLatencyMs:      base.AvgLatencyMs,
			AvgTokensPerSec:   base.AvgTokensPerSec,
			AssertionPassRate: base.AssertionPassRate,
			AvgJudgeOverall:   base.AvgJudgeOverall,
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		key := func(v *float64) float64 {
			if v == nil {
				return -1
			}

			return *v
		}

		a, b := rows[i], rows[j]

		if ka, kb := key(a.AvgJudgeOverall), key(b.AvgJudgeOverall); ka != kb {
			return ka > kb
		}

		if ka, kb := key(a.AssertionPassRate), key(b.AssertionPassRate); ka != kb {
			return ka > kb
		}

		return a.ErrorRate < b.ErrorRate
	})

	return rows, nil
}
