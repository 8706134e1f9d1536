package model

import "time"

// Pair identifies one (product, model) combination.
type Pair struct {
	ProductID string `json:"product_id"`
	ModelID   string `json:"model_id"`
}

// QueueItem is a pending optimization request for a pair.
type QueueItem struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	ModelID   string    `json:"model_id"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Pair returns the item's (product, model) key.
func (q QueueItem) Pair() Pair {
	return Pair{ProductID: q.ProductID, ModelID: q.ModelID}
}

// ProductModels lists the models of one product that still need work.
type ProductModels struct {
	ProductID string   `json:"product_id"`
	Models    []string `json:"models"`
}
