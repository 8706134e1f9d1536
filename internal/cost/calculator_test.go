package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/forecast-tuner/pkg/anthropic"
)

func testRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"haiku": {
				Input: 0.80, Output: 4.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"sonnet": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		HTTP: HTTPRate{PerRequest: 0.002},
	}
}

func TestClaude(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name       string
		model      string
		input      int64
		output     int64
		cacheWrite int64
		cacheRead  int64
		want       float64
	}{
		{
			name:  "haiku simple",
			model: "haiku",
			input: 1000000, output: 100000,
			want: 0.80 + 0.40,
		},
		{
			name:  "haiku with cache",
			model: "haiku",
			input: 500000, output: 50000,
			cacheWrite: 200000, cacheRead: 300000,
			// in: 0.40, out: 0.20, cw: 0.2 * 0.80 * 1.25 = 0.20, cr: 0.3 * 0.80 * 0.1 = 0.024
			want: 0.40 + 0.20 + 0.20 + 0.024,
		},
		{
			name:  "sonnet",
			model: "sonnet",
			input: 1000000, output: 100000,
			want: 3.00 + 1.50,
		},
		{
			name:  "unknown model returns 0",
			model: "unknown",
			input: 1000000, output: 1000000,
			want: 0,
		},
		{
			name:  "zero tokens returns 0",
			model: "haiku",
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := calc.Claude(tt.model, tt.input, tt.output, tt.cacheWrite, tt.cacheRead)
			assert.InDelta(t, tt.want, got, 0.001)
		})
	}
}

func TestUsage(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	got := calc.Usage("sonnet", anthropic.TokenUsage{InputTokens: 2000, OutputTokens: 500})
	assert.InDelta(t, 2000.0/1e6*3.00+500.0/1e6*15.00, got, 1e-9)
}

func TestHTTPRequest(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 0.002, NewCalculator(testRates()).HTTPRequest(), 1e-12)
}

func TestNilCalculator(t *testing.T) {
	t.Parallel()
	var calc *Calculator
	assert.Zero(t, calc.Claude("haiku", 1000, 1000, 0, 0))
	assert.Zero(t, calc.HTTPRequest())
}

func TestDefaultRates(t *testing.T) {
	t.Parallel()
	rates := DefaultRates()
	assert.Contains(t, rates.Anthropic, "claude-sonnet-4-5-20250929")
	assert.Contains(t, rates.Anthropic, "claude-haiku-4-5-20251001")
	for name, r := range rates.Anthropic {
		assert.Positive(t, r.Input, name)
		assert.Positive(t, r.Output, name)
	}
}
