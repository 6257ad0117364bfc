// File: internal/notification/webhook.go
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yieldvault/deposit-monitor/internal/config"
	"github.com/yieldvault/deposit-monitor/internal/models"
	"github.com/yieldvault/deposit-monitor/pkg/utils"
)

const (
	payloadSource  = "deposit-monitor"
	payloadVersion = "1.0"

	// TypeReorg is the payload type sent after a ledger rollback
	TypeReorg = "reorg_rollback"
)

// WebhookSender posts operator alerts to a webhook endpoint
type WebhookSender struct {
	config     *config.NotificationConfig
	logger     *logrus.Entry
	httpClient *http.Client
	sleep      func(ctx context.Context, d time.Duration) error
}

// WebhookPayload defines the webhook payload structure
type WebhookPayload struct {
	Type      string      `json:"type"`
	Source    string      `json:"source"`
	Version   string      `json:"version"`
	Timestamp time.Time   `json:"timestamp"`
	Severity  string      `json:"severity"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data"`
}

// WebhookResponse represents a webhook response
type WebhookResponse struct {
	StatusCode   int
	ResponseTime time.Duration
	Success      bool
	Error        error
	Body         string
}

// NewWebhookSender creates a new webhook sender
func NewWebhookSender(cfg *config.NotificationConfig) *WebhookSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &WebhookSender{
		config: cfg,
		logger: utils.ComponentLogger("webhook_sender"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// NotifyReorg reports a ledger rollback. Attributed deposits that were
// removed keep their balance credit, so a non-zero credit is critical.
func (ws *WebhookSender) NotifyReorg(ctx context.Context, event *models.ReorgEvent) error {
	severity := "warning"
	message := fmt.Sprintf("Reorg on %s: block %d missing, ledger rolled back to block %d (%d deposits removed)",
		event.ContractAddress, event.MissingBlock, event.SafeBlock, event.DepositsRemoved)
	if !event.UnreversedCredit.IsZero() {
		severity = "critical"
		message += fmt.Sprintf(", %s credited to balances was not reversed", event.UnreversedCredit)
	}

	return ws.Send(ctx, &WebhookPayload{
		Type:     TypeReorg,
		Severity: severity,
		Message:  message,
		Data:     event,
	})
}

// Send delivers a payload, retrying failed attempts with exponential backoff
func (ws *WebhookSender) Send(ctx context.Context, payload *WebhookPayload) error {
	payload.Source = payloadSource
	payload.Version = payloadVersion
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeInternal, "Failed to marshal webhook payload", err)
	}

	attempts := ws.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var last *WebhookResponse
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := ws.retryDelay(attempt)
			ws.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"max":     attempts,
				"delay":   delay,
			}).Debug("Retrying webhook")
			if err := ws.sleep(ctx, delay); err != nil {
				return err
			}
		}

		last = ws.sendOnce(ctx, body)
		if last.Success {
			ws.logger.WithFields(logrus.Fields{
				"type":          payload.Type,
				"status_code":   last.StatusCode,
				"response_time": last.ResponseTime,
			}).Debug("Webhook sent successfully")
			return nil
		}

		ws.logger.WithFields(logrus.Fields{
			"type":        payload.Type,
			"attempt":     attempt,
			"status_code": last.StatusCode,
		}).WithError(last.Error).Warn("Webhook attempt failed")
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", attempts, last.Error)
}

// sendOnce sends a single webhook request
func (ws *WebhookSender) sendOnce(ctx context.Context, body []byte) *WebhookResponse {
	start := time.Now()
	response := &WebhookResponse{}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		response.Error = utils.WrapAppError(utils.ErrCodeInternal, "Failed to create webhook request", err)
		return response
	}
	ws.setRequestHeaders(req)

	resp, err := ws.httpClient.Do(req)
	response.ResponseTime = time.Since(start)
	if err != nil {
		response.Error = utils.WrapAppError(utils.ErrCodeConnection, "Failed to send webhook", err)
		return response
	}
	defer resp.Body.Close()

	response.StatusCode = resp.StatusCode
	// first 1KiB only
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	response.Body = string(snippet)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		response.Success = true
	} else {
		response.Error = utils.NewAppError(utils.ErrCodeConnection,
			"Webhook returned non-success status",
			fmt.Sprintf("status: %d, body: %s", resp.StatusCode, response.Body))
	}
	return response
}

// setRequestHeaders sets HTTP request headers
func (ws *WebhookSender) setRequestHeaders(req *http.Request) {
	for key, value := range ws.config.Headers {
		req.Header.Set(key, value)
	}

	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "Deposit-Monitor/1.0")
	}
	req.Header.Set("X-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	req.Header.Set("X-Request-ID", utils.GenerateID())
}

// retryDelay is base_delay * 2^(attempt-2), capped at 30s
func (ws *WebhookSender) retryDelay(attempt int) time.Duration {
	base := ws.config.RetryDelay
	if base <= 0 {
		base = time.Second
	}
	delay := base << uint(attempt-2)
	if limit := 30 * time.Second; delay > limit || delay <= 0 {
		delay = limit
	}
	return delay
}
