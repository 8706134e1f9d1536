package forecast

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/forecast-tuner/internal/model"
)

// Registry holds model configurations in registration order.
type Registry struct {
	models []model.ModelConfig
	index  map[string]int
}

// NewRegistry validates models and builds a registry preserving their order.
func NewRegistry(models []model.ModelConfig) (*Registry, error) {
	r := &Registry{index: make(map[string]int, len(models))}
	for _, m := range models {
		if m.ID == "" {
			return nil, eris.New("forecast: model id is required")
		}
		if m.Type == "" {
			m.Type = m.ID
		}
		if _, err := Lookup(m.Type); err != nil {
			return nil, eris.Wrapf(err, "forecast: model %s", m.ID)
		}
		if _, dup := r.index[m.ID]; dup {
			return nil, eris.Errorf("forecast: duplicate model id %q", m.ID)
		}
		if m.Parameters == nil {
			m.Parameters = map[string]float64{}
		}
		r.index[m.ID] = len(r.models)
		r.models = append(r.models, m)
	}
	return r, nil
}

// DefaultRegistry returns the built-in model list.
func DefaultRegistry() *Registry {
	r, err := NewRegistry([]model.ModelConfig{
		{ID: TypeNaive, Type: TypeNaive, Enabled: true},
		{ID: TypeSeasonalNaive, Type: TypeSeasonalNaive, Enabled: true, SeasonalPeriod: DefaultSeasonalPeriod},
		{ID: TypeMovingAverage, Type: TypeMovingAverage, Enabled: true, Parameters: map[string]float64{"window": 3}},
		{ID: TypeSES, Type: TypeSES, Enabled: true, Parameters: map[string]float64{"alpha": 0.3}},
		{ID: TypeHolt, Type: TypeHolt, Enabled: true, Parameters: map[string]float64{"alpha": 0.3, "beta": 0.1}},
		{ID: TypeHoltWinters, Type: TypeHoltWinters, Enabled: true, SeasonalPeriod: DefaultSeasonalPeriod,
			Parameters: map[string]float64{"alpha": 0.3, "beta": 0.1, "gamma": 0.1}},
	})
	if err != nil {
		panic(err) // built-in list is static
	}
	return r
}

// LoadRegistry reads a YAML file with a top-level "models" list. An empty
// path returns the built-in registry.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return DefaultRegistry(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "forecast: read registry %s", path)
	}

	var file struct {
		Models []model.ModelConfig `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, eris.Wrap(err, "forecast: parse registry")
	}
	if len(file.Models) == 0 {
		return nil, eris.Errorf("forecast: registry %s has no models", path)
	}
	return NewRegistry(file.Models)
}

// Get returns the model with the given id.
func (r *Registry) Get(id string) (model.ModelConfig, bool) {
	i, ok := r.index[id]
	if !ok {
		return model.ModelConfig{}, false
	}
	return r.models[i], true
}

// All returns every model in registration order.
func (r *Registry) All() []model.ModelConfig {
	out := make([]model.ModelConfig, len(r.models))
	copy(out, r.models)
	return out
}

// Enabled returns the enabled models in registration order.
func (r *Registry) Enabled() []model.ModelConfig {
	var out []model.ModelConfig
	for _, m := range r.models {
		if m.Enabled {
			out = append(out, m)
		}
	}
	return out
}

// KindOf resolves the kind backing a model config.
func KindOf(cfg model.ModelConfig) (Kind, error) {
	t := cfg.Type
	if t == "" {
		t = cfg.ID
	}
	return Lookup(t)
}

// Optimizable reports whether a model config has tunable parameters. Unknown
// types are treated as not optimizable.
func Optimizable(cfg model.ModelConfig) bool {
	k, err := KindOf(cfg)
	return err == nil && k.Optimizable()
}
