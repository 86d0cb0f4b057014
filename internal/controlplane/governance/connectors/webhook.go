// Package connectors implements dispatch.Handler for each external system a
// governed action can be sent to: generic signed webhooks, Slack, and
// GitHub.
package connectors

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/marcus-qen/legator/internal/controlplane/governance/dispatch"
)

const webhookDeliveryHistoryLimit = 100

// WebhookDelivery records one attempt to deliver a dispatch payload.
type WebhookDelivery struct {
	Timestamp  time.Time `json:"timestamp"`
	ApprovalID string    `json:"approval_id"`
	StepID     string    `json:"step_id"`
	StatusCode int       `json:"status_code"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// WebhookConnector dispatches governed actions as signed HTTP POSTs.
type WebhookConnector struct {
	TargetURL string
	Secret    string

	httpClient *http.Client

	mu         sync.Mutex
	deliveries []WebhookDelivery
}

// NewWebhookConnector builds a webhook connector targeting a single URL,
// signed with an HMAC-SHA256 secret.
func NewWebhookConnector(targetURL, secret string) *WebhookConnector {
	return &WebhookConnector{
		TargetURL:  targetURL,
		Secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// ConnectorName identifies this handler in the dispatch registry.
func (w *WebhookConnector) ConnectorName() string { return "webhook" }

type webhookPayload struct {
	ApprovalID string    `json:"approval_id"`
	StepID     string    `json:"step_id"`
	Intent     string    `json:"intent"`
	Plan       any       `json:"plan"`
	DryRun     bool      `json:"dry_run"`
	Timestamp  time.Time `json:"timestamp"`
}

// Dispatch posts the step's plan to the configured URL, signing the body
// when a secret is configured.
func (w *WebhookConnector) Dispatch(ctx context.Context, req dispatch.StepRequest) (any, error) {
	if req.DryRun {
		return map[string]any{"dry_run": true, "target_url": w.TargetURL}, nil
	}

	payload := webhookPayload{
		ApprovalID: req.ApprovalID,
		StepID:     req.StepID,
		Intent:     req.Intent,
		Plan:       req.Plan,
		DryRun:     req.DryRun,
		Timestamp:  time.Now().UTC(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook payload: %w", err)
	}

	started := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.TargetURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if w.Secret != "" {
		httpReq.Header.Set("X-Governor-Signature", sign(w.Secret, body))
	}

	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		w.recordDelivery(req, 0, time.Since(started), err)
		return nil, fmt.Errorf("webhook dispatch: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("webhook returned status %d", resp.StatusCode)
		w.recordDelivery(req, resp.StatusCode, time.Since(started), err)
		return nil, err
	}

	w.recordDelivery(req, resp.StatusCode, time.Since(started), nil)
	return map[string]any{"status_code": resp.StatusCode, "body": string(respBody)}, nil
}

// HealthCheck reports the connector as healthy when a target URL is set;
// it does not probe the remote endpoint.
func (w *WebhookConnector) HealthCheck(ctx context.Context) (bool, string) {
	if w.TargetURL == "" {
		return false, "no target url configured"
	}
	return true, ""
}

// Deliveries returns the most recent delivery attempts, newest first.
func (w *WebhookConnector) Deliveries(limit int) []WebhookDelivery {
	w.mu.Lock()
	defer w.mu.Unlock()

	if limit <= 0 || limit > len(w.deliveries) {
		limit = len(w.deliveries)
	}
	out := make([]WebhookDelivery, 0, limit)
	for i := len(w.deliveries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, w.deliveries[i])
	}
	return out
}

func (w *WebhookConnector) recordDelivery(req dispatch.StepRequest, statusCode int, dur time.Duration, err error) {
	rec := WebhookDelivery{
		Timestamp:  time.Now().UTC(),
		ApprovalID: req.ApprovalID,
		StepID:     req.StepID,
		StatusCode: statusCode,
		DurationMS: dur.Milliseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.deliveries = append(w.deliveries, rec)
	if len(w.deliveries) > webhookDeliveryHistoryLimit {
		offset := len(w.deliveries) - webhookDeliveryHistoryLimit
		copy(w.deliveries, w.deliveries[offset:])
		w.deliveries = w.deliveries[:webhookDeliveryHistoryLimit]
	}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
