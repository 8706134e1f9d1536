// Package batch drives optimization over queued (product, model) pairs.
package batch

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/forecast-tuner/internal/advisor"
	"github.com/sells-group/forecast-tuner/internal/cache"
	"github.com/sells-group/forecast-tuner/internal/fingerprint"
	"github.com/sells-group/forecast-tuner/internal/forecast"
	"github.com/sells-group/forecast-tuner/internal/model"
	"github.com/sells-group/forecast-tuner/internal/optimize"
	"github.com/sells-group/forecast-tuner/internal/resilience"
	"github.com/sells-group/forecast-tuner/internal/store"
)

// ErrBusy is returned when a batch is started while another is running.
var ErrBusy = eris.New("batch: already running")

// State is the lifecycle of a processor's current batch.
type State int

// Batch states.
const (
	StateIdle State = iota
	StateRunning
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	}
	return "unknown"
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Refiner proposes and validates improvements over a grid baseline.
// *advisor.Refiner implements it.
type Refiner interface {
	Refine(ctx context.Context, mc model.ModelConfig, series []float64, baseline *optimize.Result, businessContext string) (*advisor.Result, advisor.Outcome)
	Spent() float64
}

// Store is the queue and series persistence a processor needs.
type Store interface {
	store.QueueStore
	store.SeriesStore
}

// Options tunes a Processor.
type Options struct {
	// DatasetID is used by Run and EnsureOptimized when the caller passes
	// an empty dataset.
	DatasetID       string
	BusinessContext string
	Validation      optimize.ValidationConfig
	Retry           resilience.RetryConfig
}

// Processor runs pairs strictly one after another. A nil refiner disables
// AI refinement.
type Processor struct {
	store    Store
	cache    *cache.OptimizationCache
	registry *forecast.Registry
	refiner  Refiner
	opts     Options

	mu       sync.Mutex
	state    State
	progress model.BatchProgress

	ensure singleflight.Group
}

// New creates a Processor.
func New(st Store, c *cache.OptimizationCache, reg *forecast.Registry, refiner Refiner, opts Options) *Processor {
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger("batch", "queue")
	}
	return &Processor{
		store:    st,
		cache:    c,
		registry: reg,
		refiner:  refiner,
		opts:     opts,
	}
}

// State returns the current lifecycle state.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Progress returns a copy of the live counters.
func (p *Processor) Progress() model.BatchProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

// AdvisorEnabled reports whether refinement runs for each pair.
func (p *Processor) AdvisorEnabled() bool {
	return p.refiner != nil
}

// required lists the methods a pair must hold valid entries for to be
// considered optimized.
func (p *Processor) required() []model.Method {
	if p.AdvisorEnabled() {
		return []model.Method{model.MethodAI, model.MethodGrid}
	}
	return []model.Method{model.MethodGrid}
}

func (p *Processor) update(fn func(*model.BatchProgress)) {
	p.mu.Lock()
	fn(&p.progress)
	p.mu.Unlock()
}

// GetProductsNeedingOptimization lists, per product in order of first
// appearance, the enabled optimizable models whose cache entries are
// missing or stale for the product's current data.
func (p *Processor) GetProductsNeedingOptimization(ctx context.Context, data []model.Observation, models []model.ModelConfig) ([]model.ProductModels, error) {
	products, series := groupByProduct(data)

	var out []model.ProductModels
	for _, productID := range products {
		fp := fingerprint.Compute(series[productID])
		var need []string
		for _, mc := range models {
			if !mc.Enabled || !forecast.Optimizable(mc) {
				continue
			}
			ok, err := p.cache.NeedsOptimization(ctx, productID, mc.ID, fp, p.required()...)
			if err != nil {
				return nil, eris.Wrapf(err, "batch: check %s/%s", productID, mc.ID)
			}
			if ok {
				need = append(need, mc.ID)
			}
		}
		if len(need) > 0 {
			out = append(out, model.ProductModels{ProductID: productID, Models: need})
		}
	}
	return out, nil
}

// groupByProduct splits data per product, each group ordered by date, and
// returns the products in order of first appearance.
func groupByProduct(data []model.Observation) ([]string, map[string][]model.Observation) {
	var order []string
	groups := make(map[string][]model.Observation)
	for _, o := range data {
		if _, ok := groups[o.ProductID]; !ok {
			order = append(order, o.ProductID)
		}
		groups[o.ProductID] = append(groups[o.ProductID], o)
	}
	for _, g := range groups {
		slices.SortStableFunc(g, func(a, b model.Observation) int {
			return cmp.Compare(a.Date.UnixNano(), b.Date.UnixNano())
		})
	}
	return order, groups
}

// OptimizeQueuedProducts processes each product's enabled models in
// registration order. needs is asked before every pair whether the pair is
// still pending; a nil needs treats every pair as pending. onResult is
// called for each handled pair and onProductComplete after each product.
// Per-pair failures are counted and never stop the batch; only context
// cancellation ends it early.
func (p *Processor) OptimizeQueuedProducts(
	ctx context.Context,
	data []model.Observation,
	models []model.ModelConfig,
	productIDs []string,
	onResult ResultFunc,
	onProductComplete ProductFunc,
	needs NeedsFunc,
) (*model.BatchSummary, error) {
	return p.optimizeQueued(ctx, data, models, productIDs, unloaded{}, onResult, onProductComplete, needs)
}

// unloaded describes queued products whose series could not be loaded.
// They count toward the batch total and its failures without being
// processed.
type unloaded struct {
	products int
	failures []model.PairFailure
}

func (p *Processor) optimizeQueued(
	ctx context.Context,
	data []model.Observation,
	models []model.ModelConfig,
	productIDs []string,
	skip unloaded,
	onResult ResultFunc,
	onProductComplete ProductFunc,
	needs NeedsFunc,
) (*model.BatchSummary, error) {
	if err := p.begin(len(productIDs), skip); err != nil {
		return nil, err
	}

	start := time.Now()
	spentBefore := p.spent()
	_, series := groupByProduct(data)
	failures := slices.Clone(skip.failures)
	var runErr error

	log := zap.L().With(zap.Int("products", len(productIDs)), zap.Int("models", len(models)))
	log.Info("batch started", zap.Bool("advisor", p.AdvisorEnabled()))

products:
	for _, productID := range productIDs {
		p.update(func(bp *model.BatchProgress) { bp.CurrentProduct = productID })

		obs := series[productID]
		fp := fingerprint.Compute(obs)
		values := model.Values(obs)

		for _, mc := range models {
			if !mc.Enabled {
				continue
			}
			if err := ctx.Err(); err != nil {
				runErr = eris.Wrap(err, "batch: cancelled")
				break products
			}

			pair := model.Pair{ProductID: productID, ModelID: mc.ID}
			if needs != nil {
				pending, err := needs(ctx, pair)
				if err != nil {
					failures = p.fail(failures, pair, err)
					continue
				}
				if !pending {
					continue
				}
			}

			res, err := p.optimizePair(ctx, pair, mc, values, fp)
			if err == nil && onResult != nil {
				err = onResult(ctx, res)
			}
			if err != nil {
				failures = p.fail(failures, pair, err)
				continue
			}
			p.count(res)
		}

		if onProductComplete != nil {
			onProductComplete(ctx, productID)
		}
		p.update(func(bp *model.BatchProgress) { bp.CompletedProducts++ })
	}

	summary := p.finish(start, spentBefore, failures)
	log.Info("batch complete",
		zap.Int("completed_products", summary.CompletedProducts),
		zap.Int("failed_products", summary.FailedProducts),
		zap.Int("optimized", summary.Optimized),
		zap.Int("skipped", summary.Skipped),
		zap.Int("ai_optimized", summary.AIOptimized),
		zap.Int("grid_optimized", summary.GridOptimized),
		zap.Int("ai_rejected", summary.AIRejected),
		zap.Int("failed", summary.Failed),
		zap.Float64("advisor_cost_usd", summary.AdvisorCostUSD),
		zap.Duration("duration", summary.Duration),
	)
	return summary, runErr
}

func (p *Processor) begin(total int, skip unloaded) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateRunning {
		return ErrBusy
	}
	p.state = StateRunning
	p.progress = model.BatchProgress{
		TotalProducts:  total + skip.products,
		FailedProducts: skip.products,
		Failed:         len(skip.failures),
	}
	return nil
}

func (p *Processor) finish(start time.Time, spentBefore float64, failures []model.PairFailure) *model.BatchSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateCompleted
	p.progress.CurrentProduct = ""
	return &model.BatchSummary{
		BatchProgress:  p.progress,
		Duration:       time.Since(start),
		AdvisorCostUSD: p.spent() - spentBefore,
		Failures:       failures,
	}
}

func (p *Processor) spent() float64 {
	if p.refiner == nil {
		return 0
	}
	return p.refiner.Spent()
}

func (p *Processor) count(res PairResult) {
	p.update(func(bp *model.BatchProgress) {
		switch res.Status {
		case StatusSkipped:
			bp.Skipped++
		case StatusOptimized:
			bp.Optimized++
			if res.AI != nil {
				bp.AIOptimized++
			} else {
				bp.GridOptimized++
			}
			if res.Outcome == advisor.OutcomeRejected {
				bp.AIRejected++
			}
		}
	})
}

func (p *Processor) fail(failures []model.PairFailure, pair model.Pair, err error) []model.PairFailure {
	class := resilience.ClassifyError(err)
	zap.L().Warn("batch: pair failed",
		zap.String("product_id", pair.ProductID),
		zap.String("model_id", pair.ModelID),
		zap.String("error_type", class),
		zap.Error(err),
	)
	p.update(func(bp *model.BatchProgress) { bp.Failed++ })
	return append(failures, model.PairFailure{Pair: pair, Error: err.Error(), ErrorType: class})
}

// optimizePair runs the per-pair pipeline: skip checks, grid baseline,
// optional refinement, then cache writes (grid first, then AI).
func (p *Processor) optimizePair(ctx context.Context, pair model.Pair, mc model.ModelConfig, values []float64, fp string) (PairResult, error) {
	res := PairResult{Pair: pair, DataHash: fp, Outcome: advisor.OutcomeUnavailable}
	log := zap.L().With(zap.String("product_id", pair.ProductID), zap.String("model_id", pair.ModelID))

	if !forecast.Optimizable(mc) {
		res.Status = StatusSkipped
		res.Reason = ReasonNoParameters
		log.Debug("batch: skipping model without parameters")
		return res, nil
	}

	needed, err := p.cache.NeedsOptimization(ctx, pair.ProductID, pair.ModelID, fp, p.required()...)
	if err != nil {
		return res, err
	}
	if !needed {
		res.Status = StatusSkipped
		res.Reason = ReasonCached
		log.Debug("batch: cache is current")
		return res, nil
	}

	grid := optimize.Search(mc, values, p.opts.Validation)
	res.Grid = &model.OptimizedParameters{
		Parameters:       grid.Parameters,
		DataHash:         fp,
		Confidence:       grid.Confidence,
		Reasoning:        grid.Reasoning,
		ExpectedAccuracy: grid.Accuracy,
		Method:           model.MethodGrid,
	}

	if p.refiner != nil {
		refined, outcome := p.refiner.Refine(ctx, mc, values, grid, p.opts.BusinessContext)
		res.Outcome = outcome
		if outcome == advisor.OutcomeAccepted && refined != nil {
			res.AI = &model.OptimizedParameters{
				Parameters:       refined.Parameters,
				DataHash:         fp,
				Confidence:       refined.Confidence,
				Reasoning:        refined.Reasoning,
				ExpectedAccuracy: refined.Accuracy,
				Method:           model.MethodAI,
			}
		}
	}

	if err := p.cache.Put(ctx, pair.ProductID, pair.ModelID, model.MethodGrid, res.Grid); err != nil {
		return res, err
	}
	if res.AI != nil {
		if err := p.cache.Put(ctx, pair.ProductID, pair.ModelID, model.MethodAI, res.AI); err != nil {
			return res, err
		}
	}

	res.Status = StatusOptimized
	log.Debug("batch: pair optimized",
		zap.Float64("grid_accuracy", grid.Accuracy),
		zap.Stringer("advisor", res.Outcome),
	)
	return res, nil
}
