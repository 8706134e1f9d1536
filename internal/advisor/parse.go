package advisor

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// rawResponse accepts numbers that models sometimes emit as strings.
type rawResponse struct {
	OptimizedParameters map[string]any `json:"optimizedParameters"`
	ExpectedAccuracy    any            `json:"expectedAccuracy"`
	Confidence          any            `json:"confidence"`
	Reasoning           string         `json:"reasoning"`
}

// parseResponse extracts the advisor proposal from free text or JSON.
func parseResponse(text string) (*Response, error) {
	var raw rawResponse
	if err := json.Unmarshal([]byte(cleanJSON(text)), &raw); err != nil {
		return nil, eris.Wrap(err, "advisor: parse response")
	}

	resp := &Response{
		OptimizedParameters: make(map[string]float64, len(raw.OptimizedParameters)),
		Reasoning:           strings.TrimSpace(raw.Reasoning),
	}
	for name, v := range raw.OptimizedParameters {
		f, ok := toFloat64(v)
		if !ok {
			continue
		}
		resp.OptimizedParameters[name] = f
	}
	if len(resp.OptimizedParameters) == 0 {
		return nil, eris.New("advisor: response has no numeric parameters")
	}
	resp.ExpectedAccuracy, _ = toFloat64(raw.ExpectedAccuracy)
	resp.Confidence, _ = toFloat64(raw.Confidence)
	return resp, nil
}

// cleanJSON strips markdown code fences and surrounding prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(n), "%"), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
