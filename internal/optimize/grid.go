package optimize

import (
	"fmt"
	"maps"
	"math"

	"go.uber.org/zap"

	"github.com/sells-group/forecast-tuner/internal/forecast"
	"github.com/sells-group/forecast-tuner/internal/model"
)

// NoParamConfidence is reported for models without optimizable parameters,
// raised to the configured confidence floor when that is higher.
const NoParamConfidence = 70

// maxConfidence caps the confidence of any grid result.
const maxConfidence = 95

// tieEpsilon is the composite-score distance treated as a tie.
const tieEpsilon = 1e-9

// Result is the outcome of a grid search. It is never nil.
type Result struct {
	ModelID    string             `json:"model_id"`
	Parameters map[string]float64 `json:"parameters"`
	Accuracy   float64            `json:"accuracy"`
	Confidence float64            `json:"confidence"`
	Metrics    Metrics            `json:"metrics"`
	Reasoning  string             `json:"reasoning"`
	Evaluated  int                `json:"evaluated"`

	// Splits and Period are the validation setup the result was scored on.
	// Refinement re-simulates proposals over the same folds.
	Splits []Split `json:"splits,omitempty"`
	Period int     `json:"period,omitempty"`
}

// Search sweeps the parameter grid of cfg's model type over series and
// returns the best candidate. It always returns a usable result: models
// without parameters and series too short to validate get their defaults.
func Search(cfg model.ModelConfig, series []float64, vcfg ValidationConfig) *Result {
	vcfg = vcfg.withDefaults()
	log := zap.L().With(zap.String("model", cfg.ID), zap.Int("points", len(series)))

	kind, err := forecast.KindOf(cfg)
	if err != nil {
		log.Warn("grid: unknown model type, returning defaults", zap.Error(err))
		params := maps.Clone(cfg.Parameters)
		if params == nil {
			params = map[string]float64{}
		}
		return &Result{
			ModelID:    cfg.ID,
			Parameters: params,
			Confidence: vcfg.ConfidenceFloor,
			Reasoning:  "unknown model type; defaults returned",
		}
	}

	defaults := Defaults(kind, cfg)
	splits := Splits(len(series), vcfg)
	period := 0
	if kind.Seasonal {
		period = forecast.EffectivePeriod(cfg.SeasonalPeriod, len(series))
	}

	res := &Result{
		ModelID:    cfg.ID,
		Parameters: defaults,
		Splits:     splits,
		Period:     period,
	}

	if !kind.Optimizable() {
		if len(splits) > 0 {
			res.Metrics = Evaluate(kind, series, defaults, period, splits, vcfg)
			res.Accuracy = res.Metrics.Accuracy
		}
		res.Confidence = max(NoParamConfidence, vcfg.ConfidenceFloor)
		res.Reasoning = "model has no optimizable parameters; defaults returned"
		return res
	}

	if len(splits) == 0 {
		res.Confidence = vcfg.ConfidenceFloor
		res.Reasoning = "insufficient data for validation; defaults returned"
		log.Debug("grid: series too short to validate")
		return res
	}

	grid := candidateGrid(kind, splits[0].TrainEnd)
	best := math.Inf(1)
	var bestParams map[string]float64
	var bestMetrics Metrics
	evaluated := 0

	walkGrid(kind.Params, grid, func(candidate map[string]float64) {
		evaluated++
		m := Evaluate(kind, series, candidate, period, splits, vcfg)
		// Strict improvement only: ties keep the earlier, lexicographically
		// smaller candidate.
		if m.Composite < best-tieEpsilon {
			best = m.Composite
			bestParams = maps.Clone(candidate)
			bestMetrics = m
		}
	})

	if bestParams == nil {
		res.Confidence = vcfg.ConfidenceFloor
		res.Reasoning = "no candidate could be scored; defaults returned"
		return res
	}

	res.Parameters = bestParams
	res.Metrics = bestMetrics
	res.Accuracy = bestMetrics.Accuracy
	res.Evaluated = evaluated
	res.Confidence = Confidence(bestMetrics.Accuracy, len(series), vcfg)
	res.Reasoning = fmt.Sprintf("grid search over %d candidates with %d walk-forward folds; composite error %.2f (MAPE %.2f%%)",
		evaluated, len(splits), bestMetrics.Composite, bestMetrics.MAPE)

	log.Debug("grid: search complete",
		zap.Int("evaluated", evaluated),
		zap.Float64("accuracy", res.Accuracy),
		zap.Float64("confidence", res.Confidence),
	)
	return res
}

// Defaults resolves a model's default parameters, filling anything missing
// from the kind's spec minimum and dropping names the kind does not know.
func Defaults(kind forecast.Kind, cfg model.ModelConfig) map[string]float64 {
	out := make(map[string]float64, len(kind.Params))
	for _, p := range kind.Params {
		v, ok := cfg.Parameters[p.Name]
		if !ok {
			v = p.Min
		}
		out[p.Name] = p.Clamp(v)
	}
	return out
}

// Confidence maps accuracy and series length to a score in
// [floor, maxConfidence]. It rises with accuracy and with data sufficiency.
func Confidence(accuracy float64, n int, cfg ValidationConfig) float64 {
	cfg = cfg.withDefaults()
	acc := math.Max(0, math.Min(100, accuracy)) / 100
	suff := math.Min(1, float64(n)/float64(cfg.SufficientLength))
	c := cfg.ConfidenceFloor + (maxConfidence-cfg.ConfidenceFloor)*acc*(0.5+0.5*suff)
	return math.Max(cfg.ConfidenceFloor, math.Min(maxConfidence, c))
}

// candidateGrid lists the values of each parameter. Integer (window)
// parameters are capped at the shortest training length.
func candidateGrid(kind forecast.Kind, minTrain int) [][]float64 {
	grid := make([][]float64, len(kind.Params))
	for i, p := range kind.Params {
		vals := p.Values()
		if p.Integer && minTrain > 0 {
			capped := vals[:0:0]
			for _, v := range vals {
				if v <= float64(minTrain) {
					capped = append(capped, v)
				}
			}
			if len(capped) == 0 {
				capped = []float64{p.Min}
			}
			vals = capped
		}
		grid[i] = vals
	}
	return grid
}

// walkGrid visits the cartesian product of grid in lexicographic order.
func walkGrid(specs []forecast.ParamSpec, grid [][]float64, visit func(map[string]float64)) {
	candidate := make(map[string]float64, len(specs))
	var rec func(depth int)
	rec = func(depth int) {
		if depth == len(specs) {
			visit(candidate)
			return
		}
		for _, v := range grid[depth] {
			candidate[specs[depth].Name] = v
			rec(depth + 1)
		}
	}
	rec(0)
}
