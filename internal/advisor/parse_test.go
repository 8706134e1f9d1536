package advisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"surrounding prose", `Here you go: {"a":1} hope it helps`, `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanJSON(tt.in))
		})
	}
}

func TestParseResponse(t *testing.T) {
	text := "```json\n" + `{
  "optimizedParameters": {"alpha": 0.45, "beta": "0.2", "note": "n/a"},
  "expectedAccuracy": "91.5%",
  "confidence": 0.8,
  "reasoning": "  trend is steady  "
}` + "\n```"

	resp, err := parseResponse(text)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"alpha": 0.45, "beta": 0.2}, resp.OptimizedParameters)
	assert.InDelta(t, 91.5, resp.ExpectedAccuracy, 1e-9)
	assert.InDelta(t, 0.8, resp.Confidence, 1e-9)
	assert.Equal(t, "trend is steady", resp.Reasoning)
}

func TestParseResponse_Errors(t *testing.T) {
	_, err := parseResponse("no json here")
	assert.Error(t, err)

	_, err = parseResponse(`{"optimizedParameters": {}, "confidence": 90}`)
	assert.Error(t, err)
}

func TestResponseNormalize(t *testing.T) {
	r := &Response{Confidence: 0.85, ExpectedAccuracy: 92}
	r.normalize()
	assert.InDelta(t, 85, r.Confidence, 1e-9)
	assert.InDelta(t, 92, r.ExpectedAccuracy, 1e-9)

	r = &Response{Confidence: 140, ExpectedAccuracy: -3}
	r.normalize()
	assert.InDelta(t, 100, r.Confidence, 1e-9)
	assert.Zero(t, r.ExpectedAccuracy)

	r = &Response{Confidence: 1, ExpectedAccuracy: 1}
	r.normalize()
	assert.InDelta(t, 1, r.Confidence, 1e-9)
	assert.InDelta(t, 1, r.ExpectedAccuracy, 1e-9)

	r = &Response{Confidence: 0.999, ExpectedAccuracy: 0}
	r.normalize()
	assert.InDelta(t, 99.9, r.Confidence, 1e-9)
	assert.Zero(t, r.ExpectedAccuracy)
}
