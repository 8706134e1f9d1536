package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/forecast-tuner/internal/advisor"
	"github.com/sells-group/forecast-tuner/internal/cache"
	"github.com/sells-group/forecast-tuner/internal/fingerprint"
	"github.com/sells-group/forecast-tuner/internal/forecast"
	"github.com/sells-group/forecast-tuner/internal/model"
	"github.com/sells-group/forecast-tuner/internal/optimize"
	"github.com/sells-group/forecast-tuner/internal/resilience"
	"github.com/sells-group/forecast-tuner/internal/store"
)

const dataset = "ds1"

var (
	sesModel   = model.ModelConfig{ID: "ses", Type: forecast.TypeSES, Enabled: true, Parameters: map[string]float64{"alpha": 0.3}}
	naiveModel = model.ModelConfig{ID: "naive", Type: forecast.TypeNaive, Enabled: true}
	holtModel  = model.ModelConfig{ID: "holt", Type: forecast.TypeHolt, Enabled: false}
)

type mockAdvisor struct {
	mock.Mock
}

func (m *mockAdvisor) Advise(ctx context.Context, req advisor.Request) (*advisor.Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	resp := *args.Get(0).(*advisor.Response)
	return &resp, args.Error(1)
}

type mockRefiner struct {
	mock.Mock
}

func (m *mockRefiner) Refine(ctx context.Context, mc model.ModelConfig, series []float64, baseline *optimize.Result, businessContext string) (*advisor.Result, advisor.Outcome) {
	args := m.Called(ctx, mc.ID, baseline.Parameters, businessContext)
	if args.Get(0) == nil {
		return nil, args.Get(1).(advisor.Outcome)
	}
	return args.Get(0).(*advisor.Result), args.Get(1).(advisor.Outcome)
}

func (m *mockRefiner) Spent() float64 {
	return 0
}

// failingCache rejects cache writes for one product.
type failingCache struct {
	*store.MemoryStore
	product string
}

func (f *failingCache) PutEntry(ctx context.Context, e *model.CacheEntry) error {
	if e.ProductID == f.product {
		return errors.New("disk full")
	}
	return f.MemoryStore.PutEntry(ctx, e)
}

// monthly builds n monthly observations with a linear trend.
func monthly(productID string, n int) []model.Observation {
	out := make([]model.Observation, n)
	for i := range out {
		out[i] = model.Observation{
			ProductID: productID,
			Date:      time.Date(2022, time.Month(1+i), 1, 0, 0, 0, 0, time.UTC),
			Value:     10 + float64(i),
		}
	}
	return out
}

type fixture struct {
	store *store.MemoryStore
	cache *cache.OptimizationCache
	proc  *Processor
}

func newFixture(t *testing.T, refiner Refiner, models ...model.ModelConfig) *fixture {
	t.Helper()
	st := store.NewMemory()
	return newFixtureWith(t, st, cache.New(st, cache.Options{}), refiner, models...)
}

func newFixtureWith(t *testing.T, st *store.MemoryStore, c *cache.OptimizationCache, refiner Refiner, models ...model.ModelConfig) *fixture {
	t.Helper()
	if len(models) == 0 {
		models = []model.ModelConfig{sesModel}
	}
	reg, err := forecast.NewRegistry(models)
	require.NoError(t, err)

	proc := New(st, c, reg, refiner, Options{
		DatasetID: dataset,
		Retry:     resilience.RetryConfig{MaxAttempts: 1},
	})
	return &fixture{store: st, cache: c, proc: proc}
}

func (f *fixture) seed(t *testing.T, obs []model.Observation, pairs ...model.Pair) {
	t.Helper()
	ctx := context.Background()
	if len(obs) > 0 {
		_, err := f.store.SaveObservations(ctx, dataset, obs)
		require.NoError(t, err)
	}
	items := make([]model.QueueItem, len(pairs))
	for i, p := range pairs {
		items[i] = model.QueueItem{ProductID: p.ProductID, ModelID: p.ModelID, Reason: "import"}
	}
	_, err := f.store.Enqueue(ctx, items)
	require.NoError(t, err)
}

func (f *fixture) queue(t *testing.T) []model.QueueItem {
	t.Helper()
	items, err := f.store.DequeueCombinations(context.Background())
	require.NoError(t, err)
	return items
}

func pair(product, modelID string) model.Pair {
	return model.Pair{ProductID: product, ModelID: modelID}
}

func TestRun_EndToEnd_WorseProposalRejected(t *testing.T) {
	adv := &mockAdvisor{}
	adv.On("Advise", mock.Anything, mock.Anything).Return(&advisor.Response{
		OptimizedParameters: map[string]float64{"alpha": 0.1},
		ExpectedAccuracy:    99,
		Confidence:          90,
		Reasoning:           "heavier smoothing",
		CostUSD:             0.02,
	}, nil).Once()

	cfg := advisor.DefaultRefinerConfig()
	cfg.RatePerSecond = 0
	f := newFixture(t, advisor.NewRefiner(adv, cfg))
	f.seed(t, monthly("A123", 24), pair("A123", "ses"))

	summary, err := f.proc.Run(context.Background(), dataset)
	require.NoError(t, err)
	require.NotNil(t, summary)

	assert.Equal(t, 1, summary.TotalProducts)
	assert.Equal(t, 1, summary.CompletedProducts)
	assert.Equal(t, 1, summary.Optimized)
	assert.Equal(t, 1, summary.GridOptimized)
	assert.Equal(t, 0, summary.AIOptimized)
	assert.Equal(t, 1, summary.AIRejected)
	assert.Equal(t, 0, summary.Failed)
	assert.InDelta(t, 0.02, summary.AdvisorCostUSD, 1e-9)

	entry, err := f.cache.Get(context.Background(), "A123", "ses")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, model.MethodGrid, entry.Selected)
	assert.Nil(t, entry.AI)
	require.NotNil(t, entry.Grid)
	alpha := entry.Grid.Parameters["alpha"]
	assert.GreaterOrEqual(t, alpha, 0.1)
	assert.LessOrEqual(t, alpha, 1.0)
	assert.GreaterOrEqual(t, entry.Grid.Confidence, 60.0)
	assert.Equal(t, fingerprint.Compute(monthly("A123", 24)), entry.Grid.DataHash)

	assert.Empty(t, f.queue(t))
	assert.Equal(t, StateCompleted, f.proc.State())
	adv.AssertExpectations(t)
}

func TestRun_QueueConvergence(t *testing.T) {
	ctx := context.Background()
	adv := &mockAdvisor{}
	cfg := advisor.DefaultRefinerConfig()
	cfg.RatePerSecond = 0
	f := newFixture(t, advisor.NewRefiner(adv, cfg))

	obsA, obsB := monthly("A1", 12), monthly("B2", 12)
	f.seed(t, append(obsA, obsB...), pair("A1", "ses"), pair("B2", "ses"))

	for _, obs := range [][]model.Observation{obsA, obsB} {
		fp := fingerprint.Compute(obs)
		p := obs[0].ProductID
		require.NoError(t, f.cache.Put(ctx, p, "ses", model.MethodGrid, &model.OptimizedParameters{
			Parameters: map[string]float64{"alpha": 0.42}, DataHash: fp, Confidence: 80,
		}))
		require.NoError(t, f.cache.Put(ctx, p, "ses", model.MethodAI, &model.OptimizedParameters{
			Parameters: map[string]float64{"alpha": 0.55}, DataHash: fp, Confidence: 85,
		}))
	}

	summary, err := f.proc.Run(ctx, dataset)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 0, summary.Optimized)
	assert.Empty(t, f.queue(t))

	entry, err := f.cache.Get(ctx, "A1", "ses")
	require.NoError(t, err)
	assert.InDelta(t, 0.42, entry.Grid.Parameters["alpha"], 1e-12)
	assert.Equal(t, model.MethodAI, entry.Selected)
	adv.AssertNotCalled(t, "Advise", mock.Anything, mock.Anything)
}

func TestRun_StaleCacheIsReoptimized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.seed(t, monthly("A1", 12), pair("A1", "ses"))

	require.NoError(t, f.cache.Put(ctx, "A1", "ses", model.MethodGrid, &model.OptimizedParameters{
		Parameters: map[string]float64{"alpha": 0.42}, DataHash: "old-data",
	}))

	summary, err := f.proc.Run(ctx, dataset)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Optimized)

	entry, err := f.cache.Get(ctx, "A1", "ses")
	require.NoError(t, err)
	assert.Equal(t, fingerprint.Compute(monthly("A1", 12)), entry.Grid.DataHash)
}

func TestRun_SkipsModelsWithoutParameters(t *testing.T) {
	f := newFixture(t, nil, naiveModel, sesModel)
	f.seed(t, monthly("A123", 12), pair("A123", "naive"))

	summary, err := f.proc.Run(context.Background(), dataset)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Optimized)

	entry, err := f.cache.Get(context.Background(), "A123", "naive")
	require.NoError(t, err)
	assert.Nil(t, entry)

	// ses was not queued for A123, so it is left alone.
	entry, err = f.cache.Get(context.Background(), "A123", "ses")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Empty(t, f.queue(t))
}

func TestRun_PartialFailure(t *testing.T) {
	mem := store.NewMemory()
	c := cache.New(&failingCache{MemoryStore: mem, product: "BAD"}, cache.Options{})
	f := newFixtureWith(t, mem, c, nil)
	f.seed(t, append(monthly("BAD", 12), monthly("GOOD", 12)...), pair("BAD", "ses"), pair("GOOD", "ses"))

	summary, err := f.proc.Run(context.Background(), dataset)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.CompletedProducts)
	assert.Equal(t, 1, summary.Optimized)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, pair("BAD", "ses"), summary.Failures[0].Pair)
	assert.Equal(t, resilience.ClassPermanent, summary.Failures[0].ErrorType)
	assert.Contains(t, summary.Failures[0].Error, "disk full")

	entry, err := c.Get(context.Background(), "GOOD", "ses")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, model.MethodGrid, entry.Selected)

	// Product completion clears failed pairs too.
	assert.Empty(t, f.queue(t))
}

func TestRun_DropsUnknownModels(t *testing.T) {
	f := newFixture(t, nil, sesModel, holtModel)
	f.seed(t, monthly("A1", 12), pair("A1", "arima"), pair("A1", "holt"))

	summary, err := f.proc.Run(context.Background(), dataset)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.TotalProducts)
	assert.Empty(t, f.queue(t))
}

func TestRun_EmptyQueue(t *testing.T) {
	f := newFixture(t, nil)

	summary, err := f.proc.Run(context.Background(), dataset)
	require.NoError(t, err)
	assert.Equal(t, model.BatchProgress{}, summary.BatchProgress)
	assert.Equal(t, StateCompleted, f.proc.State())
}

func TestOptimizeQueuedProducts_AIAccepted(t *testing.T) {
	ref := &mockRefiner{}
	ref.On("Refine", mock.Anything, "ses", mock.Anything, "holiday peak").Return(&advisor.Result{
		Parameters: map[string]float64{"alpha": 0.9},
		Accuracy:   97,
		Confidence: 88,
		Reasoning:  "tracks the trend",
	}, advisor.OutcomeAccepted).Once()

	st := store.NewMemory()
	c := cache.New(st, cache.Options{})
	reg, err := forecast.NewRegistry([]model.ModelConfig{sesModel})
	require.NoError(t, err)
	proc := New(st, c, reg, ref, Options{BusinessContext: "holiday peak"})

	var results []PairResult
	onResult := func(_ context.Context, r PairResult) error {
		results = append(results, r)
		return nil
	}

	summary, err := proc.OptimizeQueuedProducts(context.Background(), monthly("A1", 24), reg.All(), []string{"A1"}, onResult, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Optimized)
	assert.Equal(t, 1, summary.AIOptimized)
	assert.Equal(t, 0, summary.GridOptimized)

	require.Len(t, results, 1)
	assert.Equal(t, StatusOptimized, results[0].Status)
	assert.Equal(t, advisor.OutcomeAccepted, results[0].Outcome)
	require.NotNil(t, results[0].AI)
	require.NotNil(t, results[0].Grid)

	entry, err := c.Get(context.Background(), "A1", "ses")
	require.NoError(t, err)
	assert.Equal(t, model.MethodAI, entry.Selected)
	assert.InDelta(t, 0.9, entry.AI.Parameters["alpha"], 1e-12)
	assert.Equal(t, "tracks the trend", entry.AI.Reasoning)
	ref.AssertExpectations(t)
}

func TestOptimizeQueuedProducts_CooperativeCancel(t *testing.T) {
	f := newFixture(t, nil)

	var mu sync.Mutex
	pending := map[model.Pair]bool{pair("A1", "ses"): true, pair("B2", "ses"): true}
	needs := func(_ context.Context, p model.Pair) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		return pending[p], nil
	}
	// The caller dequeues B2 while A1 is being processed.
	onResult := func(_ context.Context, r PairResult) error {
		mu.Lock()
		defer mu.Unlock()
		delete(pending, pair("B2", "ses"))
		return nil
	}
	var completed []string
	onProduct := func(_ context.Context, productID string) {
		completed = append(completed, productID)
	}

	data := append(monthly("A1", 12), monthly("B2", 12)...)
	summary, err := f.proc.OptimizeQueuedProducts(context.Background(), data, []model.ModelConfig{sesModel}, []string{"A1", "B2"}, onResult, onProduct, needs)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Optimized)
	assert.Equal(t, 2, summary.CompletedProducts)
	assert.Equal(t, []string{"A1", "B2"}, completed)

	entry, err := f.cache.Get(context.Background(), "B2", "ses")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestOptimizeQueuedProducts_ResultCallbackFailure(t *testing.T) {
	f := newFixture(t, nil)
	onResult := func(context.Context, PairResult) error { return errors.New("database is locked") }

	summary, err := f.proc.OptimizeQueuedProducts(context.Background(), monthly("A1", 12), []model.ModelConfig{sesModel}, []string{"A1"}, onResult, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Optimized)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, resilience.ClassTransient, summary.Failures[0].ErrorType)
}

func TestOptimizeQueuedProducts_ContextCancelled(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := f.proc.OptimizeQueuedProducts(ctx, monthly("A1", 12), []model.ModelConfig{sesModel}, []string{"A1"}, nil, nil, nil)
	require.Error(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, 0, summary.Optimized)
	assert.Equal(t, 0, summary.CompletedProducts)
	assert.Equal(t, StateCompleted, f.proc.State())
}

func TestOptimizeQueuedProducts_Busy(t *testing.T) {
	f := newFixture(t, nil)
	f.proc.state = StateRunning

	_, err := f.proc.OptimizeQueuedProducts(context.Background(), nil, nil, nil, nil, nil, nil)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestGetProductsNeedingOptimization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, naiveModel, sesModel, holtModel)

	obsA, obsB := monthly("A1", 12), monthly("B2", 12)
	require.NoError(t, f.cache.Put(ctx, "A1", "ses", model.MethodGrid, &model.OptimizedParameters{
		Parameters: map[string]float64{"alpha": 0.5}, DataHash: fingerprint.Compute(obsA),
	}))

	got, err := f.proc.GetProductsNeedingOptimization(ctx, append(obsB, obsA...), f.proc.registry.All())
	require.NoError(t, err)
	assert.Equal(t, []model.ProductModels{{ProductID: "B2", Models: []string{"ses"}}}, got)
}

func TestGetProductsNeedingOptimization_AdvisorRequiresAI(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &mockRefiner{})

	obs := monthly("A1", 12)
	require.NoError(t, f.cache.Put(ctx, "A1", "ses", model.MethodGrid, &model.OptimizedParameters{
		Parameters: map[string]float64{"alpha": 0.5}, DataHash: fingerprint.Compute(obs),
	}))

	got, err := f.proc.GetProductsNeedingOptimization(ctx, obs, f.proc.registry.All())
	require.NoError(t, err)
	assert.Equal(t, []model.ProductModels{{ProductID: "A1", Models: []string{"ses"}}}, got)
}

func TestEnsureOptimized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.seed(t, monthly("A1", 24), pair("A1", "ses"))

	first, err := f.proc.EnsureOptimized(ctx, "", "A1", "ses")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, model.MethodGrid, first.Method)
	assert.Empty(t, f.queue(t))

	second, err := f.proc.EnsureOptimized(ctx, dataset, "A1", "ses")
	require.NoError(t, err)
	assert.True(t, first.Timestamp.Equal(second.Timestamp))
	assert.Equal(t, first.Parameters, second.Parameters)
}

func TestEnsureOptimized_RejectedProposalNotRetried(t *testing.T) {
	ctx := context.Background()
	ref := &mockRefiner{}
	ref.On("Refine", mock.Anything, "ses", mock.Anything, mock.Anything).Return(nil, advisor.OutcomeRejected)

	f := newFixture(t, ref)
	f.seed(t, monthly("A1", 24))

	first, err := f.proc.EnsureOptimized(ctx, dataset, "A1", "ses")
	require.NoError(t, err)
	assert.Equal(t, model.MethodGrid, first.Method)

	second, err := f.proc.EnsureOptimized(ctx, dataset, "A1", "ses")
	require.NoError(t, err)
	assert.True(t, first.Timestamp.Equal(second.Timestamp))
	ref.AssertNumberOfCalls(t, "Refine", 1)
}

func TestEnsureOptimized_ValidManualReturnedWithoutWork(t *testing.T) {
	ctx := context.Background()
	ref := &mockRefiner{}

	f := newFixture(t, ref)
	obs := monthly("A1", 24)
	f.seed(t, obs)
	require.NoError(t, f.cache.Put(ctx, "A1", "ses", model.MethodManual, &model.OptimizedParameters{
		Parameters: map[string]float64{"alpha": 0.7}, DataHash: fingerprint.Compute(obs), Confidence: 100,
	}))

	got, err := f.proc.EnsureOptimized(ctx, dataset, "A1", "ses")
	require.NoError(t, err)
	assert.Equal(t, model.MethodManual, got.Method)
	assert.InDelta(t, 0.7, got.Parameters["alpha"], 1e-9)
	ref.AssertNotCalled(t, "Refine", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	entry, err := f.cache.Get(ctx, "A1", "ses")
	require.NoError(t, err)
	assert.Nil(t, entry.Grid)
}

func TestEnsureOptimized_NoParameters(t *testing.T) {
	f := newFixture(t, nil, naiveModel)
	f.seed(t, monthly("A1", 12))

	got, err := f.proc.EnsureOptimized(context.Background(), dataset, "A1", "naive")
	require.NoError(t, err)
	assert.Equal(t, model.MethodNone, got.Method)
	assert.InDelta(t, optimize.NoParamConfidence, got.Confidence, 1e-9)

	entry, err := f.cache.Get(context.Background(), "A1", "naive")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestEnsureOptimized_Errors(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, monthly("A1", 12))

	_, err := f.proc.EnsureOptimized(context.Background(), dataset, "A1", "arima")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown model")

	_, err = f.proc.EnsureOptimized(context.Background(), dataset, "ZZZ", "ses")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no observations")
}

// brokenSeries fails LoadSeries for one product.
type brokenSeries struct {
	*store.MemoryStore
	product string
}

func (b *brokenSeries) LoadSeries(ctx context.Context, datasetID, productID string) ([]model.Observation, error) {
	if productID == b.product {
		return nil, errors.New("connection reset by peer")
	}
	return b.MemoryStore.LoadSeries(ctx, datasetID, productID)
}

func TestRun_SeriesLoadFailureCountsTowardTotal(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	_, err := mem.SaveObservations(ctx, dataset, append(monthly("A1", 24), monthly("B2", 24)...))
	require.NoError(t, err)
	_, err = mem.Enqueue(ctx, []model.QueueItem{
		{ProductID: "A1", ModelID: "ses", Reason: "import"},
		{ProductID: "B2", ModelID: "ses", Reason: "import"},
	})
	require.NoError(t, err)

	reg, err := forecast.NewRegistry([]model.ModelConfig{sesModel})
	require.NoError(t, err)
	proc := New(&brokenSeries{MemoryStore: mem, product: "B2"}, cache.New(mem, cache.Options{}), reg, nil, Options{
		DatasetID: dataset,
		Retry:     resilience.RetryConfig{MaxAttempts: 1},
	})

	summary, err := proc.Run(ctx, dataset)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalProducts)
	assert.Equal(t, 1, summary.CompletedProducts)
	assert.Equal(t, 1, summary.FailedProducts)
	assert.Equal(t, 1, summary.Optimized)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, pair("B2", "ses"), summary.Failures[0].Pair)
	assert.Contains(t, summary.Failures[0].Error, "load series B2")
	assert.Equal(t, summary.BatchProgress, proc.Progress())

	items, err := mem.DequeueCombinations(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "B2", items[0].ProductID)
}

// slowSeries blocks LoadSeries until released and counts calls.
type slowSeries struct {
	*store.MemoryStore
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowSeries) LoadSeries(ctx context.Context, datasetID, productID string) ([]model.Observation, error) {
	s.calls.Add(1)
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return s.MemoryStore.LoadSeries(ctx, datasetID, productID)
}

func TestEnsureOptimized_CollapsesConcurrentCalls(t *testing.T) {
	mem := store.NewMemory()
	_, err := mem.SaveObservations(context.Background(), dataset, monthly("A1", 24))
	require.NoError(t, err)

	slow := &slowSeries{MemoryStore: mem, entered: make(chan struct{}), release: make(chan struct{})}
	reg, err := forecast.NewRegistry([]model.ModelConfig{sesModel})
	require.NoError(t, err)
	proc := New(slow, cache.New(mem, cache.Options{}), reg, nil, Options{DatasetID: dataset})

	const callers = 5
	results := make([]*model.OptimizedParameters, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := proc.EnsureOptimized(context.Background(), dataset, "A1", "ses")
			assert.NoError(t, err)
			results[i] = p
		}()
	}

	<-slow.entered
	time.Sleep(50 * time.Millisecond)
	close(slow.release)
	wg.Wait()

	assert.Equal(t, int32(1), slow.calls.Load())
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, results[0].Parameters, r.Parameters)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "completed", StateCompleted.String())
	assert.Equal(t, "unknown", State(9).String())
}
