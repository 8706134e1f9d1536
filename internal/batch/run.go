package batch

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/forecast-tuner/internal/fingerprint"
	"github.com/sells-group/forecast-tuner/internal/forecast"
	"github.com/sells-group/forecast-tuner/internal/model"
	"github.com/sells-group/forecast-tuner/internal/optimize"
	"github.com/sells-group/forecast-tuner/internal/resilience"
)

// Run processes the pending queue of datasetID. Pairs are removed from the
// queue as they are handled and each product is removed once its pairs are
// done, failed ones included. Queued pairs for unknown or disabled models
// are dropped up front.
func (p *Processor) Run(ctx context.Context, datasetID string) (*model.BatchSummary, error) {
	if datasetID == "" {
		datasetID = p.opts.DatasetID
	}
	log := zap.L().With(zap.String("dataset_id", datasetID))

	items, err := resilience.DoVal(ctx, p.opts.Retry, func(ctx context.Context) ([]model.QueueItem, error) {
		return p.store.DequeueCombinations(ctx)
	})
	if err != nil {
		return nil, eris.Wrap(err, "batch: load queue")
	}

	models := p.registry.Enabled()
	known := make(map[string]bool, len(models))
	for _, mc := range models {
		known[mc.ID] = true
	}

	var productIDs []string
	seen := make(map[string]bool)
	queued := make(map[string][]model.Pair)
	var stale []model.Pair
	for _, it := range items {
		if !known[it.ModelID] {
			stale = append(stale, it.Pair())
			continue
		}
		if !seen[it.ProductID] {
			seen[it.ProductID] = true
			productIDs = append(productIDs, it.ProductID)
		}
		queued[it.ProductID] = append(queued[it.ProductID], it.Pair())
	}
	if len(stale) > 0 {
		log.Warn("batch: dropping queued pairs for unknown models", zap.Int("pairs", len(stale)))
		p.removePairs(ctx, stale)
	}

	var data []model.Observation
	var skip unloaded
	loaded := productIDs[:0:0]
	for _, productID := range productIDs {
		obs, err := resilience.DoVal(ctx, p.opts.Retry, func(ctx context.Context) ([]model.Observation, error) {
			return p.store.LoadSeries(ctx, datasetID, productID)
		})
		if err != nil {
			err = eris.Wrapf(err, "batch: load series %s", productID)
			skip.products++
			for _, pair := range queued[productID] {
				skip.failures = append(skip.failures, model.PairFailure{
					Pair: pair, Error: err.Error(), ErrorType: resilience.ClassifyError(err),
				})
			}
			log.Warn("batch: series load failed", zap.String("product_id", productID), zap.Error(err))
			continue
		}
		data = append(data, obs...)
		loaded = append(loaded, productID)
	}

	onResult := func(ctx context.Context, r PairResult) error {
		return resilience.Do(ctx, p.opts.Retry, func(ctx context.Context) error {
			_, err := p.store.RemovePairs(ctx, []model.Pair{r.Pair})
			return err
		})
	}
	onProductComplete := func(ctx context.Context, productID string) {
		err := resilience.Do(ctx, p.opts.Retry, func(ctx context.Context) error {
			_, err := p.store.RemoveProducts(ctx, []string{productID})
			return err
		})
		if err != nil {
			log.Warn("batch: remove product from queue", zap.String("product_id", productID), zap.Error(err))
		}
	}
	pending := func(ctx context.Context, pair model.Pair) (bool, error) {
		return resilience.DoVal(ctx, p.opts.Retry, func(ctx context.Context) (bool, error) {
			return p.store.HasPair(ctx, pair)
		})
	}

	return p.optimizeQueued(ctx, data, models, loaded, skip, onResult, onProductComplete, pending)
}

func (p *Processor) removePairs(ctx context.Context, pairs []model.Pair) {
	err := resilience.Do(ctx, p.opts.Retry, func(ctx context.Context) error {
		_, err := p.store.RemovePairs(ctx, pairs)
		return err
	})
	if err != nil {
		zap.L().Warn("batch: remove pairs from queue", zap.Int("pairs", len(pairs)), zap.Error(err))
	}
}

// EnsureOptimized returns the parameters in effect for the pair. Any valid
// cached selection is returned as is; only when none exists is the pair
// optimized, once. Concurrent calls for the
// same pair share one optimization. Models without tunable parameters get
// their defaults, uncached.
func (p *Processor) EnsureOptimized(ctx context.Context, datasetID, productID, modelID string) (*model.OptimizedParameters, error) {
	if datasetID == "" {
		datasetID = p.opts.DatasetID
	}
	key := datasetID + "\x00" + productID + "\x00" + modelID

	v, err, shared := p.ensure.Do(key, func() (any, error) {
		return p.ensureOptimized(ctx, datasetID, productID, modelID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		zap.L().Debug("batch: ensure shared",
			zap.String("product_id", productID),
			zap.String("model_id", modelID),
		)
	}
	return v.(*model.OptimizedParameters).Clone(), nil
}

func (p *Processor) ensureOptimized(ctx context.Context, datasetID, productID, modelID string) (*model.OptimizedParameters, error) {
	mc, ok := p.registry.Get(modelID)
	if !ok {
		return nil, eris.Errorf("batch: unknown model %q", modelID)
	}

	obs, err := resilience.DoVal(ctx, p.opts.Retry, func(ctx context.Context) ([]model.Observation, error) {
		return p.store.LoadSeries(ctx, datasetID, productID)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "batch: load series %s", productID)
	}
	if len(obs) == 0 {
		return nil, eris.Errorf("batch: no observations for %s in dataset %s", productID, datasetID)
	}
	fp := fingerprint.Compute(obs)
	pair := model.Pair{ProductID: productID, ModelID: modelID}

	if forecast.Optimizable(mc) {
		sel, err := p.cache.Selected(ctx, productID, modelID, fp)
		if err != nil {
			return nil, eris.Wrapf(err, "batch: ensure %s/%s", productID, modelID)
		}
		if sel != nil {
			return sel, nil
		}
	}

	res, err := p.optimizePair(ctx, pair, mc, model.Values(obs), fp)
	if err != nil {
		return nil, eris.Wrapf(err, "batch: ensure %s/%s", productID, modelID)
	}

	if res.Reason == ReasonNoParameters {
		grid := optimize.Search(mc, model.Values(obs), p.opts.Validation)
		return &model.OptimizedParameters{
			Parameters:       grid.Parameters,
			DataHash:         fp,
			Confidence:       grid.Confidence,
			Reasoning:        grid.Reasoning,
			ExpectedAccuracy: grid.Accuracy,
		}, nil
	}

	if res.Status == StatusOptimized {
		p.removePairs(ctx, []model.Pair{pair})
	}

	sel, err := p.cache.Selected(ctx, productID, modelID, fp)
	if err != nil {
		return nil, eris.Wrapf(err, "batch: ensure %s/%s", productID, modelID)
	}
	if sel == nil {
		return nil, eris.Errorf("batch: no valid parameters for %s/%s", productID, modelID)
	}
	return sel, nil
}
