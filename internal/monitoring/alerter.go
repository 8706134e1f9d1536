// Package monitoring raises webhook alerts when a finished batch breaches
// configured thresholds.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/forecast-tuner/internal/config"
	"github.com/sells-group/forecast-tuner/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertBatchFailureRate  AlertType = "batch_failure_rate"
	AlertAdvisorRejections AlertType = "advisor_rejection_rate"
	AlertCostOverrun       AlertType = "cost_overrun"
)

// minAttempts is the smallest sample a rate alert is raised on.
const minAttempts = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	DatasetID string         `json:"dataset_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a BatchSummary against configured thresholds and sends
// alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the summary against thresholds and returns any alerts.
// A zero threshold disables its check.
func (a *Alerter) Evaluate(datasetID string, s *model.BatchSummary) []Alert {
	if s == nil {
		return nil
	}
	var alerts []Alert
	now := time.Now().UTC()

	attempted := s.Optimized + s.Failed
	if a.cfg.FailureRateThreshold > 0 && attempted >= minAttempts {
		rate := float64(s.Failed) / float64(attempted)
		if rate > a.cfg.FailureRateThreshold {
			alerts = append(alerts, Alert{
				Type:      AlertBatchFailureRate,
				Severity:  "high",
				DatasetID: datasetID,
				Message: fmt.Sprintf(
					"Batch failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d attempted)",
					rate*100, a.cfg.FailureRateThreshold*100, s.Failed, attempted,
				),
				Details: map[string]any{
					"failure_rate": rate,
					"threshold":    a.cfg.FailureRateThreshold,
					"failed":       s.Failed,
					"attempted":    attempted,
				},
				Timestamp: now,
			})
		}
	}

	proposals := s.AIOptimized + s.AIRejected
	if a.cfg.RejectionRateThreshold > 0 && proposals >= minAttempts {
		rate := float64(s.AIRejected) / float64(proposals)
		if rate > a.cfg.RejectionRateThreshold {
			alerts = append(alerts, Alert{
				Type:      AlertAdvisorRejections,
				Severity:  "medium",
				DatasetID: datasetID,
				Message: fmt.Sprintf(
					"Advisor rejection rate %.1f%% exceeds threshold %.1f%% (%d of %d proposals rejected)",
					rate*100, a.cfg.RejectionRateThreshold*100, s.AIRejected, proposals,
				),
				Details: map[string]any{
					"rejection_rate": rate,
					"threshold":      a.cfg.RejectionRateThreshold,
					"rejected":       s.AIRejected,
					"accepted":       s.AIOptimized,
				},
				Timestamp: now,
			})
		}
	}

	if a.cfg.CostThresholdUSD > 0 && s.AdvisorCostUSD > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:      AlertCostOverrun,
			Severity:  "high",
			DatasetID: datasetID,
			Message: fmt.Sprintf(
				"Advisor cost $%.2f exceeds threshold $%.2f for one batch",
				s.AdvisorCostUSD, a.cfg.CostThresholdUSD,
			),
			Details: map[string]any{
				"cost_usd":      s.AdvisorCostUSD,
				"threshold_usd": a.cfg.CostThresholdUSD,
				"optimized":     s.Optimized,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// Notify evaluates the summary and delivers any alerts. It returns the
// number of alerts sent.
func (a *Alerter) Notify(ctx context.Context, datasetID string, s *model.BatchSummary) int {
	alerts := a.Evaluate(datasetID, s)
	for _, al := range alerts {
		zap.L().Warn("monitoring: threshold breached",
			zap.String("type", string(al.Type)),
			zap.String("dataset_id", datasetID),
			zap.String("message", al.Message),
		)
	}
	return a.SendAlerts(ctx, alerts)
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
