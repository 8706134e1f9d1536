package advisor

import (
	"context"
	"maps"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/forecast-tuner/internal/forecast"
	"github.com/sells-group/forecast-tuner/internal/model"
	"github.com/sells-group/forecast-tuner/internal/optimize"
	"github.com/sells-group/forecast-tuner/internal/resilience"
)

// Outcome is the result class of a refinement attempt.
type Outcome int

const (
	// OutcomeUnavailable means no usable proposal was obtained.
	OutcomeUnavailable Outcome = iota
	// OutcomeRejected means the proposal did not beat the grid baseline.
	OutcomeRejected
	// OutcomeAccepted means the proposal replaced the grid baseline.
	OutcomeAccepted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnavailable:
		return "unavailable"
	case OutcomeRejected:
		return "rejected"
	case OutcomeAccepted:
		return "accepted"
	}
	return "unknown"
}

// RefinerConfig holds the acceptance thresholds and call limits.
type RefinerConfig struct {
	// ImprovementTolerance is the accuracy gain (percentage points) a
	// proposal must exceed to be accepted outright.
	ImprovementTolerance float64 `yaml:"improvement_tolerance" mapstructure:"improvement_tolerance"`
	// HighConfidence accepts any strict improvement when the advisor's
	// confidence is at least this value.
	HighConfidence float64 `yaml:"high_confidence" mapstructure:"high_confidence"`
	// HistoryPoints is how many recent observations are sent.
	HistoryPoints int `yaml:"history_points" mapstructure:"history_points"`
	// RatePerSecond limits advisor calls. Zero means unlimited.
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst         int     `yaml:"burst" mapstructure:"burst"`

	Breaker    resilience.BreakerConfig
	Validation optimize.ValidationConfig
}

// DefaultRefinerConfig returns the standard acceptance thresholds.
func DefaultRefinerConfig() RefinerConfig {
	return RefinerConfig{
		ImprovementTolerance: 2.0,
		HighConfidence:       75,
		HistoryPoints:        36,
		RatePerSecond:        1,
		Burst:                1,
		Breaker:              resilience.BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute},
		Validation:           optimize.DefaultValidationConfig(),
	}
}

// Result is an accepted proposal, re-scored on the baseline's folds.
type Result struct {
	Parameters       map[string]float64
	Accuracy         float64
	Confidence       float64
	ExpectedAccuracy float64
	Metrics          optimize.Metrics
	Reasoning        string
}

// Refiner calls an Advisor and validates what it proposes.
type Refiner struct {
	advisor Advisor
	cfg     RefinerConfig
	limiter *rate.Limiter
	breaker *resilience.Breaker

	mu    sync.Mutex
	spent float64
}

// NewRefiner creates a Refiner around a.
func NewRefiner(a Advisor, cfg RefinerConfig) *Refiner {
	d := DefaultRefinerConfig()
	if cfg.ImprovementTolerance < 0 {
		cfg.ImprovementTolerance = d.ImprovementTolerance
	}
	if cfg.HighConfidence <= 0 {
		cfg.HighConfidence = d.HighConfidence
	}
	if cfg.HistoryPoints <= 0 {
		cfg.HistoryPoints = d.HistoryPoints
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	return &Refiner{
		advisor: a,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		breaker: resilience.NewBreaker("advisor", cfg.Breaker),
	}
}

// Spent returns the advisor spend accumulated so far in USD.
func (r *Refiner) Spent() float64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spent
}

// Refine asks the advisor to improve on baseline and validates the answer
// over the baseline's own folds. The Result is nil unless the outcome is
// OutcomeAccepted. Errors never escape: they become OutcomeUnavailable.
func (r *Refiner) Refine(ctx context.Context, mc model.ModelConfig, series []float64, baseline *optimize.Result, businessContext string) (*Result, Outcome) {
	log := zap.L().With(zap.String("model", mc.ID))

	if r == nil || r.advisor == nil {
		return nil, OutcomeUnavailable
	}
	kind, err := forecast.KindOf(mc)
	if err != nil || !kind.Optimizable() {
		return nil, OutcomeUnavailable
	}
	if baseline == nil || len(baseline.Splits) == 0 {
		log.Debug("advisor: no validation folds to compare against")
		return nil, OutcomeUnavailable
	}

	if err := r.limiter.Wait(ctx); err != nil {
		log.Warn("advisor: rate limit wait failed", zap.Error(err))
		return nil, OutcomeUnavailable
	}
	if err := r.breaker.Allow(); err != nil {
		log.Warn("advisor: circuit open, skipping refinement")
		return nil, OutcomeUnavailable
	}

	resp, err := r.advisor.Advise(ctx, r.request(kind, mc, series, baseline, businessContext))
	r.breaker.Record(err)
	if resp != nil {
		r.mu.Lock()
		r.spent += resp.CostUSD
		r.mu.Unlock()
	}
	if err != nil {
		log.Warn("advisor: request failed", zap.Error(err))
		return nil, OutcomeUnavailable
	}
	resp.normalize()

	params, kept := sanitize(kind, resp.OptimizedParameters, baseline.Parameters)
	if kept == 0 {
		log.Info("advisor: proposal had no allowed parameters")
		return nil, OutcomeRejected
	}

	m := optimize.Evaluate(kind, series, params, baseline.Period, baseline.Splits, r.cfg.Validation)
	gain := m.Accuracy - baseline.Accuracy
	accepted := gain > r.cfg.ImprovementTolerance ||
		(resp.Confidence >= r.cfg.HighConfidence && gain > 0)

	log.Info("advisor: proposal validated",
		zap.Float64("baseline_accuracy", baseline.Accuracy),
		zap.Float64("proposal_accuracy", m.Accuracy),
		zap.Float64("confidence", resp.Confidence),
		zap.Bool("accepted", accepted),
	)
	if !accepted {
		return nil, OutcomeRejected
	}

	return &Result{
		Parameters:       params,
		Accuracy:         m.Accuracy,
		Confidence:       resp.Confidence,
		ExpectedAccuracy: resp.ExpectedAccuracy,
		Metrics:          m,
		Reasoning:        resp.Reasoning,
	}, OutcomeAccepted
}

func (r *Refiner) request(kind forecast.Kind, mc model.ModelConfig, series []float64, baseline *optimize.Result, businessContext string) Request {
	history := series
	if len(history) > r.cfg.HistoryPoints {
		history = history[len(history)-r.cfg.HistoryPoints:]
	}

	allowed := make(map[string]Bound, len(kind.Params))
	for _, p := range kind.Params {
		allowed[p.Name] = Bound{Min: p.Min, Max: p.Max, Integer: p.Integer}
	}

	return Request{
		ModelType:         kind.Type,
		HistoricalData:    append([]float64(nil), history...),
		CurrentParameters: optimize.Defaults(kind, mc),
		SeasonalPeriod:    baseline.Period,
		TargetMetric:      TargetMetric,
		BusinessContext:   businessContext,
		GridBaseline: Baseline{
			Parameters: maps.Clone(baseline.Parameters),
			Accuracy:   baseline.Accuracy,
			Confidence: baseline.Confidence,
		},
		AllowedParameters: allowed,
	}
}

// sanitize keeps allow-listed names, clamps them to their bounds and rounds
// integer parameters. Parameters the proposal omits keep the baseline value.
// kept counts the proposed names that survived.
func sanitize(kind forecast.Kind, proposal, baseline map[string]float64) (map[string]float64, int) {
	out := make(map[string]float64, len(kind.Params))
	kept := 0
	for _, p := range kind.Params {
		v, ok := proposal[p.Name]
		if ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
			kept++
		} else if b, ok := baseline[p.Name]; ok {
			v = b
		} else {
			v = p.Min
		}
		out[p.Name] = p.Clamp(v)
	}
	return out, kept
}
