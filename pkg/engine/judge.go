package engine

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/llmrace/llmrace/pkg/provider"
)

const judgeRubric = "You are an LLM judge. Score output quality in strict JSON only. " +
	"Scores are 0-10. Be deterministic and concise."

const judgeMaxTokens = 300

// JudgeScores is a parsed judge verdict.
type JudgeScores struct {
	WritingScore float64 `json:"writing_score"`
	CodingScore  float64 `json:"coding_score"`
	ToolScore    float64 `json:"tool_score"`
	Overall      float64 `json:"overall"`
	Rationale    string  `json:"rationale"`
}

// BuildJudgeMessages produces the scoring conversation for one item.
func BuildJudgeMessages(testName, prompt, outputText string) []provider.ChatMessage {
	user := fmt.Sprintf(
		"Test Name: %s\nPrompt: %s\nModel Output:\n%s\n\n"+
			"Return JSON with keys: writing_score, coding_score, tool_score, overall, rationale.",
		testName, prompt, outputText,
	)

	return []provider.ChatMessage{
		{Role: provider.RoleSystem, Content: judgeRubric},
		{Role: provider.RoleUser, Content: user},
	}
}

var judgeJSONPattern = regexp.MustCompile(`(?s)\{.*\}`)

// ParseJudgeScores decodes a judge response, recovering JSON wrapped in
// markdown fences or surrounding prose. Scores outside 0-10 are
// rejected.
func ParseJudgeScores(raw string) (*JudgeScores, error) {
	candidate := judgeJSONPattern.FindString(raw)
	if candidate == "" {
		return nil, fmt.Errorf("no JSON object in judge response")
	}

	var scores JudgeScores
	if err := json.Unmarshal([]byte(candidate), &scores); err != nil {
		return nil, fmt.Errorf("decoding judge response: %w", err)
	}

	for _, v := range []float64{scores.WritingScore, scores.CodingScore, scores.ToolScore, scores.Overall} {
		if v < 0 || v > 10 {
			return nil, fmt.Errorf("judge score %v out of range", v)
		}
	}

	return &scores, nil
}
