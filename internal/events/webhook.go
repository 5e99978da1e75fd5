package events

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

	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Hostdomains-Signature"

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// WebhookPublisher POSTs signed events to a fixed set of URLs. Delivery is
// asynchronous with up to three attempts per URL.
type WebhookPublisher struct {
	urls       []string
	secret     string
	httpClient *http.Client
	delays     []time.Duration
	onMetrics  MetricsRecorder
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// NewWebhookPublisher creates a WebhookPublisher.
func NewWebhookPublisher(urls []string, secret string, logger *zap.Logger) *WebhookPublisher {
	return &WebhookPublisher{
		urls:       urls,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		delays:     []time.Duration{0, 1 * time.Second, 5 * time.Second},
		logger:     logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (w *WebhookPublisher) SetMetricsRecorder(fn MetricsRecorder) {
	w.onMetrics = fn
}

// Publish implements Publisher. It returns once deliveries are scheduled; they
// outlive ctx cancellation.
func (w *WebhookPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	signature := signPayload(body, w.secret)
	detached := context.WithoutCancel(ctx)
	for _, url := range w.urls {
		w.wg.Add(1)
		go func(url string) {
			defer w.wg.Done()
			w.deliver(detached, url, e.Type, body, signature)
		}(url)
	}
	return nil
}

// Wait blocks until every scheduled delivery has finished.
func (w *WebhookPublisher) Wait() { w.wg.Wait() }

func (w *WebhookPublisher) deliver(ctx context.Context, url, eventType string, body []byte, signature string) {
	for attempt, delay := range w.delays {
		if delay > 0 {
			time.Sleep(delay)
		}
		success, errMsg := w.doDelivery(ctx, url, body, signature)
		if w.onMetrics != nil {
			w.onMetrics(success)
		}
		if success {
			return
		}
		w.logger.Warn("webhook: delivery failed",
			zap.String("url", url),
			zap.String("type", eventType),
			zap.Int("attempt", attempt+1),
			zap.String("error", errMsg),
		)
	}
}

// doDelivery performs a single HTTP POST delivery.
func (w *WebhookPublisher) doDelivery(ctx context.Context, url string, body []byte, signature string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, ""
	}
	return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
}

// signPayload computes an HMAC-SHA256 signature.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
