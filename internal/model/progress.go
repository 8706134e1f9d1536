package model

import "time"

// BatchProgress is the live counter set of a running batch.
// A batch that runs to the end has TotalProducts equal to CompletedProducts
// plus FailedProducts.
type BatchProgress struct {
	TotalProducts     int    `json:"total_products"`
	CompletedProducts int    `json:"completed_products"`
	FailedProducts    int    `json:"failed_products"` // series could not be loaded
	CurrentProduct    string `json:"current_product,omitempty"`
	Optimized         int    `json:"optimized"`
	Skipped           int    `json:"skipped"`
	AIOptimized       int    `json:"ai_optimized"`
	GridOptimized     int    `json:"grid_optimized"`
	AIRejected        int    `json:"ai_rejected"`
	Failed            int    `json:"failed"`
}

// PairFailure records why one pair could not be processed.
type PairFailure struct {
	Pair      Pair   `json:"pair"`
	Error     string `json:"error"`
	ErrorType string `json:"error_type"` // "transient" or "permanent"
}

// BatchSummary is reported when a batch finishes.
type BatchSummary struct {
	BatchProgress
	Duration       time.Duration `json:"duration"`
	AdvisorCostUSD float64       `json:"advisor_cost_usd"`
	Failures       []PairFailure `json:"failures,omitempty"`
}
