package model

// ModelConfig is a registered forecasting model and its default parameters.
type ModelConfig struct {
	ID             string             `json:"id" yaml:"id"`
	Type           string             `json:"type" yaml:"type"`
	Parameters     map[string]float64 `json:"parameters" yaml:"parameters"`
	Enabled        bool               `json:"enabled" yaml:"enabled"`
	SeasonalPeriod int                `json:"seasonal_period,omitempty" yaml:"seasonal_period,omitempty"`
}
