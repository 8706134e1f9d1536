package batch

import (
	"context"

	"github.com/sells-group/forecast-tuner/internal/advisor"
	"github.com/sells-group/forecast-tuner/internal/model"
)

// Status is how a handled pair ended.
type Status string

const (
	StatusOptimized Status = "optimized"
	StatusSkipped   Status = "skipped"
)

// Skip reasons.
const (
	ReasonNoParameters = "model has no optimizable parameters"
	ReasonCached       = "cache holds current results"
)

// PairResult describes one handled pair. Grid and AI are the parameter
// sets written to the cache; AI is nil unless the proposal was accepted.
type PairResult struct {
	Pair     model.Pair
	Status   Status
	Reason   string
	DataHash string
	Outcome  advisor.Outcome
	Grid     *model.OptimizedParameters
	AI       *model.OptimizedParameters
}

// ResultFunc receives each handled pair. An error marks the pair failed.
type ResultFunc func(ctx context.Context, r PairResult) error

// ProductFunc is called once all of a product's pairs were handled.
type ProductFunc func(ctx context.Context, productID string)

// NeedsFunc reports whether a pair is still pending. Pairs that are not
// pending are passed over without touching the cache.
type NeedsFunc func(ctx context.Context, pair model.Pair) (bool, error)
