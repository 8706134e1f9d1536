package model

import "time"

// Observation is a single recorded sales value for a product.
type Observation struct {
	ProductID string    `json:"product_id" csv:"product_id"`
	Date      time.Time `json:"date" csv:"date"`
	Value     float64   `json:"value" csv:"value"`
	IsOutlier bool      `json:"is_outlier" csv:"is_outlier"`
	Note      string    `json:"note,omitempty" csv:"note,omitempty"`
}

// Values extracts the observation values in their current order.
func Values(obs []Observation) []float64 {
	out := make([]float64, len(obs))
	for i, o := range obs {
		out[i] = o.Value
	}
	return out
}
