package model

import (
	"maps"
	"time"
)

// OptimizedParameters is one method's tuned parameter set for a pair.
type OptimizedParameters struct {
	Parameters       map[string]float64 `json:"parameters"`
	Timestamp        time.Time          `json:"timestamp"`
	DataHash         string             `json:"data_hash"`
	Confidence       float64            `json:"confidence"`
	Reasoning        string             `json:"reasoning,omitempty"`
	ExpectedAccuracy float64            `json:"expected_accuracy"`
	Method           Method             `json:"method"`
}

// Clone returns a deep copy.
func (p *OptimizedParameters) Clone() *OptimizedParameters {
	if p == nil {
		return nil
	}
	c := *p
	c.Parameters = maps.Clone(p.Parameters)
	return &c
}

// CacheEntry holds every method's result for one (product, model) pair.
type CacheEntry struct {
	ProductID string               `json:"product_id"`
	ModelID   string               `json:"model_id"`
	AI        *OptimizedParameters `json:"ai,omitempty"`
	Grid      *OptimizedParameters `json:"grid,omitempty"`
	Manual    *OptimizedParameters `json:"manual,omitempty"`
	Selected  Method               `json:"selected"`
}

// Get returns the sub-entry for method, or nil when absent.
func (e *CacheEntry) Get(m Method) *OptimizedParameters {
	if e == nil {
		return nil
	}
	switch m {
	case MethodAI:
		return e.AI
	case MethodGrid:
		return e.Grid
	case MethodManual:
		return e.Manual
	case MethodNone:
		return nil
	}
	return nil
}

// Set stores p as the sub-entry for method. MethodNone is ignored.
func (e *CacheEntry) Set(m Method, p *OptimizedParameters) {
	switch m {
	case MethodAI:
		e.AI = p
	case MethodGrid:
		e.Grid = p
	case MethodManual:
		e.Manual = p
	case MethodNone:
	}
}

// Empty reports whether no sub-entry is present.
func (e *CacheEntry) Empty() bool {
	return e == nil || (e.AI == nil && e.Grid == nil && e.Manual == nil)
}

// Clone returns a deep copy so callers can hold a stable snapshot.
func (e *CacheEntry) Clone() *CacheEntry {
	if e == nil {
		return nil
	}
	return &CacheEntry{
		ProductID: e.ProductID,
		ModelID:   e.ModelID,
		AI:        e.AI.Clone(),
		Grid:      e.Grid.Clone(),
		Manual:    e.Manual.Clone(),
		Selected:  e.Selected,
	}
}
