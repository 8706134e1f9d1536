package main

import (
	"context"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/forecast-tuner/internal/advisor"
	"github.com/sells-group/forecast-tuner/internal/batch"
	"github.com/sells-group/forecast-tuner/internal/cache"
	"github.com/sells-group/forecast-tuner/internal/config"
	"github.com/sells-group/forecast-tuner/internal/cost"
	"github.com/sells-group/forecast-tuner/internal/db"
	"github.com/sells-group/forecast-tuner/internal/fingerprint"
	"github.com/sells-group/forecast-tuner/internal/forecast"
	"github.com/sells-group/forecast-tuner/internal/model"
	"github.com/sells-group/forecast-tuner/internal/monitoring"
	"github.com/sells-group/forecast-tuner/internal/optimize"
	"github.com/sells-group/forecast-tuner/internal/resilience"
	"github.com/sells-group/forecast-tuner/internal/store"
	"github.com/sells-group/forecast-tuner/pkg/anthropic"
)

// appEnv holds the store, cache, model registry and batch processor shared
// by the commands.
type appEnv struct {
	Store     store.Store
	Cache     *cache.OptimizationCache
	Registry  *forecast.Registry
	Refiner   *advisor.Refiner // nil when no advisor is configured
	Processor *batch.Processor
	Alerter   *monitoring.Alerter
	DatasetID string
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates the configuration for mode and wires every component.
// Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	reg, err := forecast.LoadRegistry(cfg.Batch.ModelsPath)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	adv, err := initAdvisor()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return newEnv(st, reg, adv), nil
}

// newEnv assembles the environment from an opened store. adv may be nil.
func newEnv(st store.Store, reg *forecast.Registry, adv advisor.Advisor) *appEnv {
	vcfg := validationConfig()
	env := &appEnv{
		Store:     st,
		Cache:     cache.New(st, cache.Options{Expiry: cfg.Optimizer.CacheExpiry()}),
		Registry:  reg,
		Alerter:   monitoring.NewAlerter(cfg.Monitoring),
		DatasetID: cfg.Batch.DatasetID,
	}

	// A typed nil must not reach the processor as a non-nil interface.
	var refiner batch.Refiner
	if adv != nil {
		env.Refiner = advisor.NewRefiner(adv, refinerConfig(vcfg))
		refiner = env.Refiner
	}

	env.Processor = batch.New(st, env.Cache, reg, refiner, batch.Options{
		DatasetID:       cfg.Batch.DatasetID,
		BusinessContext: cfg.Advisor.BusinessContext,
		Validation:      vcfg,
		Retry:           resilience.DefaultRetryConfig(),
	})
	return env
}

func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, store.Config{
		Driver: cfg.Store.Driver,
		DSN:    cfg.Store.DatabaseURL,
		Pool:   db.PoolConfig{MaxConns: cfg.Store.MaxConns, MinConns: cfg.Store.MinConns},
	})
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	return st, nil
}

func validationConfig() optimize.ValidationConfig {
	v := optimize.DefaultValidationConfig()
	o := cfg.Optimizer
	if o.ValidationRatio > 0 {
		v.ValidationRatio = o.ValidationRatio
	}
	if o.Folds > 0 {
		v.Folds = o.Folds
	}
	if o.ConfidenceFloor > 0 {
		v.ConfidenceFloor = o.ConfidenceFloor
	}
	if o.SufficientLength > 0 {
		v.SufficientLength = o.SufficientLength
	}
	return v
}

func refinerConfig(vcfg optimize.ValidationConfig) advisor.RefinerConfig {
	rc := advisor.DefaultRefinerConfig()
	rc.ImprovementTolerance = cfg.Optimizer.ImprovementTolerance
	rc.HighConfidence = cfg.Optimizer.HighConfidence
	rc.HistoryPoints = cfg.Advisor.HistoryPoints
	rc.RatePerSecond = cfg.Advisor.RatePerSecond
	rc.Burst = cfg.Advisor.Burst
	rc.Breaker = resilience.BreakerConfig{
		FailureThreshold: cfg.Advisor.BreakerFailures,
		ResetTimeout:     time.Duration(cfg.Advisor.BreakerResetSec) * time.Second,
	}
	rc.Validation = vcfg
	return rc
}

// initAdvisor returns the configured advisor, or nil when refinement is
// disabled.
func initAdvisor() (advisor.Advisor, error) {
	calc := cost.NewCalculator(cfg.Pricing)

	switch cfg.Advisor.Provider {
	case config.ProviderAnthropic:
		client := anthropic.NewClient(cfg.Anthropic.Key,
			option.WithRequestTimeout(time.Duration(cfg.Anthropic.TimeoutSecs)*time.Second),
			option.WithMaxRetries(cfg.Anthropic.MaxRetries),
		)
		zap.L().Info("advisor enabled", zap.String("provider", "anthropic"), zap.String("model", cfg.Anthropic.Model))
		return advisor.NewAnthropicAdvisor(client, advisor.AnthropicConfig{
			Model:     cfg.Anthropic.Model,
			MaxTokens: cfg.Anthropic.MaxTokens,
			CacheTTL:  cfg.Anthropic.CacheTTL,
		}, calc), nil

	case config.ProviderHTTP:
		zap.L().Info("advisor enabled", zap.String("provider", "http"), zap.String("url", cfg.Advisor.URL))
		return advisor.NewHTTPAdvisor(cfg.Advisor.URL,
			advisor.WithAPIKey(cfg.Advisor.APIKey),
			advisor.WithCalculator(calc),
			advisor.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Advisor.TimeoutSecs) * time.Second}),
		), nil

	case config.ProviderNone, "":
		zap.L().Debug("advisor disabled, grid search only")
		return nil, nil
	}
	return nil, eris.Errorf("unknown advisor provider %q", cfg.Advisor.Provider)
}

// runBatch processes the queue of datasetID and checks the summary against
// the alert thresholds.
func (e *appEnv) runBatch(ctx context.Context, datasetID string) (*model.BatchSummary, error) {
	summary, err := e.Processor.Run(ctx, datasetID)
	if summary != nil {
		e.Alerter.Notify(ctx, datasetID, summary)
	}
	return summary, err
}

// datasetOr returns id, or the configured default dataset when id is empty.
func (e *appEnv) datasetOr(id string) string {
	if id != "" {
		return id
	}
	return e.DatasetID
}

// loadProducts loads the series of each product in datasetID.
func (e *appEnv) loadProducts(ctx context.Context, datasetID string, productIDs []string) ([]model.Observation, error) {
	var data []model.Observation
	for _, id := range productIDs {
		obs, err := e.Store.LoadSeries(ctx, datasetID, id)
		if err != nil {
			return nil, eris.Wrapf(err, "load series %s", id)
		}
		data = append(data, obs...)
	}
	return data, nil
}

// loadDataset loads every product's series in datasetID.
func (e *appEnv) loadDataset(ctx context.Context, datasetID string) ([]model.Observation, error) {
	products, err := e.Store.ListProducts(ctx, datasetID)
	if err != nil {
		return nil, eris.Wrap(err, "list products")
	}
	return e.loadProducts(ctx, datasetID, products)
}

// enqueueStale queues every (product, model) pair of productIDs whose cached
// results are missing or stale. It returns the number of pairs added.
func (e *appEnv) enqueueStale(ctx context.Context, datasetID string, productIDs []string, reason string) (int, error) {
	data, err := e.loadProducts(ctx, datasetID, productIDs)
	if err != nil {
		return 0, err
	}
	needing, err := e.Processor.GetProductsNeedingOptimization(ctx, data, e.Registry.Enabled())
	if err != nil {
		return 0, err
	}

	var items []model.QueueItem
	for _, pm := range needing {
		for _, m := range pm.Models {
			items = append(items, model.QueueItem{ProductID: pm.ProductID, ModelID: m, Reason: reason})
		}
	}
	if len(items) == 0 {
		return 0, nil
	}
	n, err := e.Store.Enqueue(ctx, items)
	if err != nil {
		return 0, eris.Wrap(err, "enqueue")
	}
	return n, nil
}

// manualParameters builds a manual override stamped with the product's
// current fingerprint.
func (e *appEnv) manualParameters(ctx context.Context, datasetID, productID, modelID string, params map[string]float64, confidence float64, reasoning string) (*model.OptimizedParameters, error) {
	mc, ok := e.Registry.Get(modelID)
	if !ok {
		return nil, eris.Errorf("unknown model %q", modelID)
	}
	kind, err := forecast.KindOf(mc)
	if err != nil {
		return nil, err
	}

	if len(params) == 0 {
		return nil, eris.New("at least one parameter is required")
	}
	// Parameters left out keep the model defaults.
	clean := optimize.Defaults(kind, mc)
	for name, v := range params {
		spec, ok := kind.Spec(name)
		if !ok {
			return nil, eris.Errorf("model %s has no parameter %q", modelID, name)
		}
		clean[name] = spec.Clamp(v)
	}

	obs, err := e.Store.LoadSeries(ctx, datasetID, productID)
	if err != nil {
		return nil, eris.Wrapf(err, "load series %s", productID)
	}
	if reasoning == "" {
		reasoning = "manual override"
	}
	return &model.OptimizedParameters{
		Parameters: clean,
		DataHash:   fingerprint.Compute(obs),
		Confidence: confidence,
		Reasoning:  reasoning,
	}, nil
}
