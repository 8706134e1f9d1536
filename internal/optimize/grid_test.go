package optimize

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/forecast-tuner/internal/forecast"
	"github.com/sells-group/forecast-tuner/internal/model"
)

func sesConfig() model.ModelConfig {
	return model.ModelConfig{
		ID:         forecast.TypeSES,
		Type:       forecast.TypeSES,
		Enabled:    true,
		Parameters: map[string]float64{"alpha": 0.3},
	}
}

// seasonalSales returns n monthly values with trend, seasonality and a
// deterministic wobble.
func seasonalSales(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + 2*float64(i) + 15*math.Sin(2*math.Pi*float64(i)/12) + float64((i*7)%5)
	}
	return out
}

func TestSearch_TotalForShortSeries(t *testing.T) {
	cfg := DefaultValidationConfig()
	for _, n := range []int{1, 2, 3, 5} {
		for _, mc := range forecast.DefaultRegistry().All() {
			res := Search(mc, seasonalSales(n), cfg)
			require.NotNil(t, res, "n=%d model=%s", n, mc.ID)
			require.NotNil(t, res.Parameters)
			assert.GreaterOrEqual(t, res.Confidence, cfg.ConfidenceFloor, "n=%d model=%s", n, mc.ID)
		}
	}
}

func TestSearch_SingleObservationReturnsDefaults(t *testing.T) {
	res := Search(sesConfig(), []float64{42}, DefaultValidationConfig())
	assert.Equal(t, map[string]float64{"alpha": 0.3}, res.Parameters)
	assert.Equal(t, 60.0, res.Confidence)
	assert.Contains(t, res.Reasoning, "insufficient data")
	assert.Empty(t, res.Splits)
}

func TestSearch_SESMonthly(t *testing.T) {
	res := Search(sesConfig(), seasonalSales(24), DefaultValidationConfig())

	alpha := res.Parameters["alpha"]
	assert.GreaterOrEqual(t, alpha, 0.1)
	assert.LessOrEqual(t, alpha, 1.0)
	assert.GreaterOrEqual(t, res.Confidence, 60.0)
	assert.Equal(t, 10, res.Evaluated)
	assert.Len(t, res.Splits, 3)
	assert.Greater(t, res.Accuracy, 0.0)
}

func TestSearch_PicksMinimizer(t *testing.T) {
	// A steadily rising series is tracked best by the most reactive alpha.
	series := make([]float64, 30)
	for i := range series {
		series[i] = float64(10 * (i + 1))
	}
	res := Search(sesConfig(), series, DefaultValidationConfig())
	assert.Equal(t, 1.0, res.Parameters["alpha"])
}

func TestSearch_TieBreaksTowardSmallerParameters(t *testing.T) {
	series := make([]float64, 24)
	for i := range series {
		series[i] = 50
	}
	cfg := model.ModelConfig{ID: "holt", Type: forecast.TypeHolt}
	res := Search(cfg, series, DefaultValidationConfig())

	assert.Equal(t, 0.1, res.Parameters["alpha"])
	assert.Equal(t, 0.1, res.Parameters["beta"])
	assert.Equal(t, 100.0, res.Accuracy)
	assert.Equal(t, 95.0, res.Confidence)
}

func TestSearch_NoOptimizableParameters(t *testing.T) {
	cfg := model.ModelConfig{ID: "naive", Type: forecast.TypeNaive}
	res := Search(cfg, seasonalSales(24), DefaultValidationConfig())

	assert.Empty(t, res.Parameters)
	assert.Equal(t, float64(NoParamConfidence), res.Confidence)
	assert.Contains(t, res.Reasoning, "no optimizable parameters")
}

func TestSearch_NoParamConfidenceRespectsFloor(t *testing.T) {
	cfg := model.ModelConfig{ID: "naive", Type: forecast.TypeNaive}
	vcfg := DefaultValidationConfig()
	vcfg.ConfidenceFloor = 80

	res := Search(cfg, seasonalSales(24), vcfg)
	assert.Equal(t, 80.0, res.Confidence)
}

func TestSearch_WindowCappedByTrainingLength(t *testing.T) {
	cfg := model.ModelConfig{ID: "ma", Type: forecast.TypeMovingAverage}
	res := Search(cfg, seasonalSales(10), DefaultValidationConfig())

	require.NotEmpty(t, res.Splits)
	assert.LessOrEqual(t, res.Parameters["window"], float64(res.Splits[0].TrainEnd))
	assert.Equal(t, res.Splits[0].TrainEnd, res.Evaluated)
}

func TestSearch_SeasonalPeriodShrinks(t *testing.T) {
	cfg := model.ModelConfig{ID: "hw", Type: forecast.TypeHoltWinters, SeasonalPeriod: 12}
	res := Search(cfg, seasonalSales(14), DefaultValidationConfig())
	assert.Equal(t, 7, res.Period)
	assert.Equal(t, 1000, res.Evaluated)
}

func TestSearch_UnknownType(t *testing.T) {
	res := Search(model.ModelConfig{ID: "x", Type: "prophet"}, seasonalSales(24), DefaultValidationConfig())
	require.NotNil(t, res)
	assert.Equal(t, 60.0, res.Confidence)
}

func TestConfidence_Monotonic(t *testing.T) {
	cfg := DefaultValidationConfig()
	assert.Less(t, Confidence(50, 24, cfg), Confidence(80, 24, cfg))
	assert.Less(t, Confidence(80, 6, cfg), Confidence(80, 24, cfg))
	assert.Equal(t, 60.0, Confidence(0, 24, cfg))
	assert.Equal(t, 95.0, Confidence(100, 48, cfg))
}
