package notification

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookNotifier POSTs each alert as JSON to an HTTP endpoint. 5xx
// responses and transport errors are retried twice.
type WebhookNotifier struct {
	url  string
	http *resty.Client
	now  func() time.Time
}

// NewWebhookNotifier creates a webhook notifier for url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	hc := resty.New().
		SetTimeout(10*time.Second).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &WebhookNotifier{url: url, http: hc, now: time.Now}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	if alert.At.IsZero() {
		alert.At = w.now().UTC()
	}

	resp, err := w.http.R().SetContext(ctx).SetBody(alert).Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode())
	}

	log.Printf("[webhook] %s alert for %s delivered", alert.Title, alert.UserID)
	return nil
}
