package advisor

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/forecast-tuner/internal/cost"
	"github.com/sells-group/forecast-tuner/pkg/anthropic"
)

// AnthropicConfig configures the Claude-backed advisor.
type AnthropicConfig struct {
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	CacheTTL  string `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// AnthropicAdvisor asks Claude for parameter proposals.
type AnthropicAdvisor struct {
	client anthropic.Client
	cfg    AnthropicConfig
	calc   *cost.Calculator
}

// NewAnthropicAdvisor creates an advisor over the given client. calc may be
// nil, in which case spend is reported as zero.
func NewAnthropicAdvisor(client anthropic.Client, cfg AnthropicConfig, calc *cost.Calculator) *AnthropicAdvisor {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5-20250929"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &AnthropicAdvisor{client: client, cfg: cfg, calc: calc}
}

// Advise implements Advisor.
func (a *AnthropicAdvisor) Advise(ctx context.Context, req Request) (*Response, error) {
	body, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "advisor: marshal request")
	}

	temp := 0.0
	msg, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       a.cfg.Model,
		MaxTokens:   a.cfg.MaxTokens,
		System:      anthropic.CachedSystemBlocks(systemPrompt, a.cfg.CacheTTL),
		Messages:    []anthropic.Message{{Role: "user", Content: string(body)}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, eris.Wrap(err, "advisor: anthropic request")
	}

	spend := a.calc.Usage(a.cfg.Model, msg.Usage)
	msg.Usage.LogUsage(a.cfg.Model, "refine", spend)

	resp, err := parseResponse(msg.Text())
	if err != nil {
		return nil, err
	}
	resp.CostUSD = spend
	return resp, nil
}
