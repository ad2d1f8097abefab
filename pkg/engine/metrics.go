package engine

import (
	"strings"

	"github.com/llmrace/llmrace/pkg/store"
)

// EstimateTokens approximates a token count for providers that report
// no usage, at roughly 1.25 tokens per whitespace word.
func EstimateTokens(text string) int {
	n := int(float64(len(strings.Fields(text))) * 1.25)
	if n < 1 {
		return 1
	}

	return n
}

// ComputeMetrics derives the per-item measurement row. Generation time
// is the span after first token; throughput is tokens over that span.
func ComputeMetrics(
	startedMs, finishedMs int64,
	ttftMs *int64,
	outputText string,
	usageTokens *int,
) store.RunMetric {
	totalLatency := finishedMs - startedMs
	if totalLatency < 0 {
		totalLatency = 0
	}

	metric := store.RunMetric{
		TTFTMs:         ttftMs,
		TotalLatencyMs: &totalLatency,
	}

	if ttftMs != nil {
		generation := totalLatency - *ttftMs
		if generation < 1 {
			generation = 1
		}

		metric.GenerationMs = &generation
	}

	var tokens int
	if usageTokens == nil {
		tokens = EstimateTokens(outputText)
		metric.OutputTokensEstimated = true
	} else {
		tokens = *usageTokens
		if tokens < 1 {
			tokens = 1
		}
	}

	metric.OutputTokens = &tokens

	if metric.GenerationMs != nil && *metric.GenerationMs > 0 {
		tps := float64(tokens) / (float64(*metric.GenerationMs) / 1000.0)
		metric.TokensPerSec = &tps
	}

	return metric
}
