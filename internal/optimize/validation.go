// Package optimize implements walk-forward validation and the deterministic
// grid search that produces the baseline parameters for every pair.
package optimize

import (
	"math"

	"github.com/sells-group/forecast-tuner/internal/forecast"
)

// ValidationConfig controls walk-forward evaluation and confidence scoring.
type ValidationConfig struct {
	// ValidationRatio is the share of the series tail used for validation.
	ValidationRatio float64 `yaml:"validation_ratio" mapstructure:"validation_ratio"`
	// Folds is the number of forward-rolling splits inside the validation tail.
	Folds int `yaml:"folds" mapstructure:"folds"`
	// ConfidenceFloor is the lowest confidence a grid result reports.
	ConfidenceFloor float64 `yaml:"confidence_floor" mapstructure:"confidence_floor"`
	// SufficientLength is the series length at which data sufficiency saturates.
	SufficientLength int `yaml:"sufficient_length" mapstructure:"sufficient_length"`
	// Weights of the composite score.
	Weights Weights `yaml:"weights" mapstructure:"weights"`
}

// Weights sets how much each error metric contributes to the composite score.
type Weights struct {
	MAPE float64 `yaml:"mape" mapstructure:"mape"`
	RMSE float64 `yaml:"rmse" mapstructure:"rmse"`
	MAE  float64 `yaml:"mae" mapstructure:"mae"`
}

// DefaultValidationConfig returns the standard evaluation settings.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		ValidationRatio:  0.2,
		Folds:            3,
		ConfidenceFloor:  60,
		SufficientLength: 24,
		Weights:          Weights{MAPE: 0.5, RMSE: 0.25, MAE: 0.25},
	}
}

func (c ValidationConfig) withDefaults() ValidationConfig {
	d := DefaultValidationConfig()
	if c.ValidationRatio <= 0 || c.ValidationRatio >= 1 {
		c.ValidationRatio = d.ValidationRatio
	}
	if c.Folds <= 0 {
		c.Folds = d.Folds
	}
	if c.ConfidenceFloor <= 0 {
		c.ConfidenceFloor = d.ConfidenceFloor
	}
	if c.SufficientLength <= 0 {
		c.SufficientLength = d.SufficientLength
	}
	if c.Weights.MAPE+c.Weights.RMSE+c.Weights.MAE <= 0 {
		c.Weights = d.Weights
	}
	return c
}

// Split is one walk-forward fold: train on [0, TrainEnd), test on
// [TrainEnd, TestEnd).
type Split struct {
	TrainEnd int `json:"train_end"`
	TestEnd  int `json:"test_end"`
}

// Splits builds forward-rolling folds over the last ValidationRatio of n
// points. Every fold has at least one training and one test point. Returns
// nil when n < 2.
func Splits(n int, cfg ValidationConfig) []Split {
	cfg = cfg.withDefaults()
	if n < 2 {
		return nil
	}

	valSize := int(math.Round(float64(n) * cfg.ValidationRatio))
	if valSize < 1 {
		valSize = 1
	}
	if valSize > n-1 {
		valSize = n - 1
	}

	folds := cfg.Folds
	if folds > valSize {
		folds = valSize
	}

	origin := n - valSize
	start := origin
	splits := make([]Split, 0, folds)
	for i := 1; i <= folds; i++ {
		end := origin + i*valSize/folds
		splits = append(splits, Split{TrainEnd: start, TestEnd: end})
		start = end
	}
	return splits
}

// Metrics are error measures over all validation points.
type Metrics struct {
	MAPE      float64 `json:"mape"`
	RMSE      float64 `json:"rmse"`
	MAE       float64 `json:"mae"`
	Composite float64 `json:"composite"`
	Accuracy  float64 `json:"accuracy"`
	Points    int     `json:"points"`
}

// ComputeMetrics scores predictions against actuals. RMSE and MAE enter the
// composite as a percentage of the mean absolute actual so that all three
// terms share a scale.
func ComputeMetrics(actual, predicted []float64, w Weights) Metrics {
	n := min(len(actual), len(predicted))
	if n == 0 {
		return Metrics{}
	}

	var sq, abs, pct, scale float64
	pctN := 0
	for i := 0; i < n; i++ {
		d := actual[i] - predicted[i]
		sq += d * d
		abs += math.Abs(d)
		scale += math.Abs(actual[i])
		if actual[i] != 0 {
			pct += math.Abs(d) / math.Abs(actual[i]) * 100
			pctN++
		}
	}

	m := Metrics{
		RMSE:   math.Sqrt(sq / float64(n)),
		MAE:    abs / float64(n),
		Points: n,
	}
	if pctN > 0 {
		m.MAPE = pct / float64(pctN)
	}

	scale /= float64(n)
	nRMSE, nMAE := 0.0, 0.0
	if scale > 0 {
		nRMSE = m.RMSE / scale * 100
		nMAE = m.MAE / scale * 100
	} else if m.MAE > 0 {
		// All actuals are zero: any error is total error.
		nRMSE, nMAE, m.MAPE = 100, 100, 100
	}

	total := w.MAPE + w.RMSE + w.MAE
	m.Composite = (w.MAPE*m.MAPE + w.RMSE*nRMSE + w.MAE*nMAE) / total
	if math.IsNaN(m.Composite) || math.IsInf(m.Composite, 0) {
		m.Composite = math.MaxFloat64
	}
	m.Accuracy = math.Max(0, 100-m.Composite)
	return m
}

// Evaluate runs the model over every split and scores the concatenated
// validation forecasts.
func Evaluate(kind forecast.Kind, series []float64, params map[string]float64, period int, splits []Split, cfg ValidationConfig) Metrics {
	cfg = cfg.withDefaults()
	var actual, predicted []float64
	for _, s := range splits {
		if s.TrainEnd < 1 || s.TestEnd > len(series) || s.TestEnd <= s.TrainEnd {
			continue
		}
		train := series[:s.TrainEnd]
		fc := kind.Forecast(train, s.TestEnd-s.TrainEnd, params, forecast.EffectivePeriod(period, len(train)))
		actual = append(actual, series[s.TrainEnd:s.TestEnd]...)
		predicted = append(predicted, fc...)
	}
	return ComputeMetrics(actual, predicted, cfg.Weights)
}
