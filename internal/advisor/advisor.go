// Package advisor asks an external AI advisor for better forecasting
// parameters and validates every proposal against the grid baseline before
// it can be used.
package advisor

import (
	"context"
	"math"
)

// TargetMetric is the score the advisor is asked to minimize.
const TargetMetric = "composite"

// Advisor is the transport to an external parameter advisor.
type Advisor interface {
	Advise(ctx context.Context, req Request) (*Response, error)
}

// Bound is the allowed range of one parameter.
type Bound struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Integer bool    `json:"integer,omitempty"`
}

// Baseline is the grid result the advisor has to beat.
type Baseline struct {
	Parameters map[string]float64 `json:"parameters"`
	Accuracy   float64            `json:"accuracy"`
	Confidence float64            `json:"confidence"`
}

// Request is what the advisor receives.
type Request struct {
	ModelType         string             `json:"modelType"`
	HistoricalData    []float64          `json:"historicalData"`
	CurrentParameters map[string]float64 `json:"currentParameters"`
	SeasonalPeriod    int                `json:"seasonalPeriod,omitempty"`
	TargetMetric      string             `json:"targetMetric"`
	BusinessContext   string             `json:"businessContext,omitempty"`
	GridBaseline      Baseline           `json:"gridBaseline"`
	AllowedParameters map[string]Bound   `json:"allowedParameters"`
}

// Response is the advisor's proposal.
type Response struct {
	OptimizedParameters map[string]float64 `json:"optimizedParameters"`
	ExpectedAccuracy    float64            `json:"expectedAccuracy"`
	Confidence          float64            `json:"confidence"`
	Reasoning           string             `json:"reasoning"`

	// CostUSD is the estimated spend of the call, when known.
	CostUSD float64 `json:"-"`
}

// normalize rescales fractional confidence and accuracy to percentages.
// Only values strictly between 0 and 1 are treated as fractions; 1 is read
// as 1%.
func (r *Response) normalize() {
	r.Confidence = percent(r.Confidence)
	r.ExpectedAccuracy = percent(r.ExpectedAccuracy)
}

func percent(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 0 && v < 1 {
		v *= 100
	}
	return math.Min(v, 100)
}
