// Package cache keeps method-tagged parameter sets per (product, model) and
// decides which one is in effect.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/forecast-tuner/internal/model"
	"github.com/sells-group/forecast-tuner/internal/store"
)

// DefaultExpiry is how long a sub-entry stays valid.
const DefaultExpiry = 24 * time.Hour

// Options configures an OptimizationCache.
type Options struct {
	Expiry time.Duration
}

// OptimizationCache applies validity and selection rules on top of a
// CacheStore backend. Writes to the same pair are serialized within the
// process.
type OptimizationCache struct {
	backend store.CacheStore
	expiry  time.Duration
	nowFunc func() time.Time

	locks sync.Map // model.Pair -> *sync.Mutex
}

// New creates a cache over backend.
func New(backend store.CacheStore, opts Options) *OptimizationCache {
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultExpiry
	}
	return &OptimizationCache{backend: backend, expiry: opts.Expiry, nowFunc: time.Now}
}

// Expiry returns the configured validity window.
func (c *OptimizationCache) Expiry() time.Duration {
	return c.expiry
}

// Get returns a snapshot of the pair's entry, or nil when there is none.
func (c *OptimizationCache) Get(ctx context.Context, productID, modelID string) (*model.CacheEntry, error) {
	e, err := c.backend.GetEntry(ctx, productID, modelID)
	if err != nil {
		return nil, eris.Wrapf(err, "cache: get %s/%s", productID, modelID)
	}
	return e.Clone(), nil
}

// List returns snapshots of a product's entries, or all entries when
// productID is empty.
func (c *OptimizationCache) List(ctx context.Context, productID string) ([]model.CacheEntry, error) {
	entries, err := c.backend.ListEntries(ctx, productID)
	if err != nil {
		return nil, eris.Wrap(err, "cache: list")
	}
	return entries, nil
}

// Put stores params as the method's sub-entry and reselects.
//
// A manual write always selects manual. Any other write selects the best
// valid method in priority order, except that a still-valid manual
// selection is kept. When nothing is valid the written method is selected.
func (c *OptimizationCache) Put(ctx context.Context, productID, modelID string, method model.Method, params *model.OptimizedParameters) error {
	if method == model.MethodNone {
		return eris.New("cache: put requires a method")
	}
	if params == nil {
		return eris.New("cache: put requires parameters")
	}

	unlock := c.lock(productID, modelID)
	defer unlock()

	entry, err := c.backend.GetEntry(ctx, productID, modelID)
	if err != nil {
		return eris.Wrapf(err, "cache: load %s/%s", productID, modelID)
	}
	if entry == nil {
		entry = &model.CacheEntry{ProductID: productID, ModelID: modelID}
	}

	p := params.Clone()
	p.Method = method
	if p.Timestamp.IsZero() {
		p.Timestamp = c.nowFunc().UTC()
	}
	entry.Set(method, p)

	prev := entry.Selected
	entry.Selected = c.selectAfterWrite(entry, method, p.DataHash)

	if err := c.backend.PutEntry(ctx, entry); err != nil {
		return eris.Wrapf(err, "cache: store %s/%s", productID, modelID)
	}

	if prev != entry.Selected {
		zap.L().Debug("cache: selection changed",
			zap.String("product_id", productID),
			zap.String("model_id", modelID),
			zap.Stringer("from", prev),
			zap.Stringer("to", entry.Selected),
		)
	}
	return nil
}

// lock holds the pair's write mutex until the returned func is called.
func (c *OptimizationCache) lock(productID, modelID string) func() {
	v, _ := c.locks.LoadOrStore(model.Pair{ProductID: productID, ModelID: modelID}, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (c *OptimizationCache) selectAfterWrite(entry *model.CacheEntry, written model.Method, fp string) model.Method {
	switch written {
	case model.MethodManual:
		return model.MethodManual
	case model.MethodAI, model.MethodGrid:
		if entry.Selected == model.MethodManual && c.valid(entry.Manual, fp) {
			return model.MethodManual
		}
		if best := c.best(entry, fp); best != model.MethodNone {
			return best
		}
		return written
	case model.MethodNone:
	}
	return entry.Selected
}

// best returns the highest-priority valid method, or MethodNone.
func (c *OptimizationCache) best(entry *model.CacheEntry, fp string) model.Method {
	for _, m := range model.MethodPriority {
		if c.valid(entry.Get(m), fp) {
			return m
		}
	}
	return model.MethodNone
}

func (c *OptimizationCache) valid(p *model.OptimizedParameters, fp string) bool {
	return p != nil && p.DataHash == fp && c.nowFunc().Sub(p.Timestamp) < c.expiry
}

// Valid reports whether the pair holds a current sub-entry for method.
func (c *OptimizationCache) Valid(ctx context.Context, productID, modelID string, method model.Method, fp string) (bool, error) {
	entry, err := c.Get(ctx, productID, modelID)
	if err != nil {
		return false, err
	}
	return c.valid(entry.Get(method), fp), nil
}

// NeedsOptimization reports whether any of the required methods lacks a
// valid sub-entry for fp.
func (c *OptimizationCache) NeedsOptimization(ctx context.Context, productID, modelID, fp string, required ...model.Method) (bool, error) {
	entry, err := c.Get(ctx, productID, modelID)
	if err != nil {
		return false, err
	}
	for _, m := range required {
		if !c.valid(entry.Get(m), fp) {
			return true, nil
		}
	}
	return false, nil
}

// Selected returns the parameters in effect for fp: the selected sub-entry
// when it is valid, otherwise the best valid one. It returns nil when no
// sub-entry is valid.
func (c *OptimizationCache) Selected(ctx context.Context, productID, modelID, fp string) (*model.OptimizedParameters, error) {
	entry, err := c.Get(ctx, productID, modelID)
	if err != nil {
		return nil, err
	}
	if p := entry.Get(entry.Selected); c.valid(p, fp) {
		return p, nil
	}
	return entry.Get(c.best(entry, fp)), nil
}
