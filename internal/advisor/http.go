package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/forecast-tuner/internal/cost"
	"github.com/sells-group/forecast-tuner/internal/resilience"
)

// HTTPOption configures an HTTPAdvisor.
type HTTPOption func(*HTTPAdvisor)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(a *HTTPAdvisor) {
		a.http = hc
	}
}

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(key string) HTTPOption {
	return func(a *HTTPAdvisor) {
		a.apiKey = key
	}
}

// WithCalculator prices each call.
func WithCalculator(calc *cost.Calculator) HTTPOption {
	return func(a *HTTPAdvisor) {
		a.calc = calc
	}
}

// HTTPAdvisor posts requests as JSON to a self-hosted advisor endpoint.
type HTTPAdvisor struct {
	url    string
	apiKey string
	http   *http.Client
	calc   *cost.Calculator
}

// NewHTTPAdvisor creates an advisor that POSTs to url.
func NewHTTPAdvisor(url string, opts ...HTTPOption) *HTTPAdvisor {
	a := &HTTPAdvisor{
		url: url,
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Advise implements Advisor. Any non-2xx status is an error; 429 and 5xx are
// marked transient.
func (a *HTTPAdvisor) Advise(ctx context.Context, req Request) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "advisor: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "advisor: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	httpResp, err := a.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "advisor: request failed")
	}
	defer httpResp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "advisor: read response body")
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		statusErr := eris.Errorf("advisor: unexpected status %d: %s", httpResp.StatusCode, truncate(string(body), 200))
		if resilience.IsTransientHTTPStatus(httpResp.StatusCode) {
			return nil, resilience.NewTransientError(statusErr, httpResp.StatusCode)
		}
		return nil, statusErr
	}

	resp, err := parseResponse(string(body))
	if err != nil {
		return nil, err
	}
	resp.CostUSD = a.calc.HTTPRequest()
	return resp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
