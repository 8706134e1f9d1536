package forecast

import (
	"math"

	"github.com/rotisserie/eris"
)

// Model type identifiers.
const (
	TypeNaive         = "naive"
	TypeSeasonalNaive = "seasonal_naive"
	TypeMovingAverage = "moving_average"
	TypeSES           = "simple_exponential_smoothing"
	TypeHolt          = "holt"
	TypeHoltWinters   = "holt_winters"
)

// DefaultSeasonalPeriod is used when a seasonal model has no period set.
const DefaultSeasonalPeriod = 12

// ParamSpec describes one optimizable parameter and its search grid.
type ParamSpec struct {
	Name    string  `json:"name"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Step    float64 `json:"step"`
	Integer bool    `json:"integer,omitempty"`
}

// Values enumerates the grid points of the spec from Min to Max inclusive.
func (p ParamSpec) Values() []float64 {
	if p.Step <= 0 || p.Max < p.Min {
		return []float64{p.Min}
	}
	n := int(math.Floor((p.Max-p.Min)/p.Step+1e-9)) + 1
	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		v := p.Min + float64(i)*p.Step
		// Keep grid points free of accumulated float error (0.30000000000000004).
		v = math.Round(v*1e6) / 1e6
		out = append(out, v)
	}
	return out
}

// Clamp forces v into the spec's bounds, rounding integer parameters.
func (p ParamSpec) Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return p.Min
	}
	if p.Integer {
		v = math.Round(v)
	}
	return math.Max(p.Min, math.Min(p.Max, v))
}

// Kind is a model type: its parameters and its forecasting function.
type Kind struct {
	Type     string
	Params   []ParamSpec
	Seasonal bool
	fn       func(train []float64, horizon int, params map[string]float64, period int) []float64
}

// Optimizable reports whether the kind has any tunable parameters.
func (k Kind) Optimizable() bool {
	return len(k.Params) > 0
}

// AllowedNames returns the parameter names valid for the kind.
func (k Kind) AllowedNames() []string {
	names := make([]string, len(k.Params))
	for i, p := range k.Params {
		names[i] = p.Name
	}
	return names
}

// Spec returns the named parameter spec.
func (k Kind) Spec(name string) (ParamSpec, bool) {
	for _, p := range k.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

func smoothing(name string) ParamSpec {
	return ParamSpec{Name: name, Min: 0.1, Max: 1.0, Step: 0.1}
}

var kinds = map[string]Kind{
	TypeNaive:         {Type: TypeNaive, fn: naive},
	TypeSeasonalNaive: {Type: TypeSeasonalNaive, Seasonal: true, fn: seasonalNaive},
	TypeMovingAverage: {
		Type:   TypeMovingAverage,
		Params: []ParamSpec{{Name: "window", Min: 1, Max: 30, Step: 1, Integer: true}},
		fn:     movingAverage,
	},
	TypeSES: {
		Type:   TypeSES,
		Params: []ParamSpec{smoothing("alpha")},
		fn:     simpleExponential,
	},
	TypeHolt: {
		Type:   TypeHolt,
		Params: []ParamSpec{smoothing("alpha"), smoothing("beta")},
		fn:     holt,
	},
	TypeHoltWinters: {
		Type:     TypeHoltWinters,
		Params:   []ParamSpec{smoothing("alpha"), smoothing("beta"), smoothing("gamma")},
		Seasonal: true,
		fn:       holtWinters,
	},
}

// Lookup returns the kind for a model type.
func Lookup(modelType string) (Kind, error) {
	k, ok := kinds[modelType]
	if !ok {
		return Kind{}, eris.Errorf("forecast: unknown model type %q", modelType)
	}
	return k, nil
}

// Forecast produces horizon predictions from train using the kind's formula.
// Missing parameters fall back to the spec minimum.
func (k Kind) Forecast(train []float64, horizon int, params map[string]float64, period int) []float64 {
	if horizon <= 0 {
		return nil
	}
	if len(train) == 0 {
		return make([]float64, horizon)
	}
	resolved := make(map[string]float64, len(k.Params))
	for _, p := range k.Params {
		v, ok := params[p.Name]
		if !ok {
			v = p.Min
		}
		resolved[p.Name] = p.Clamp(v)
	}
	return k.fn(train, horizon, resolved, period)
}

// EffectivePeriod shrinks a seasonal period to fit n observations. It returns
// 0 when the data cannot support any seasonality.
func EffectivePeriod(period, n int) int {
	if period <= 0 {
		period = DefaultSeasonalPeriod
	}
	if limit := n / 2; period > limit {
		period = limit
	}
	if period < 2 {
		return 0
	}
	return period
}
