package notify

import (
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// WebhookNotifier POSTs events as JSON to an operator-provided URL.
// Delivery failures are logged and swallowed per the notifier contract: the
// reconciliation engine must never block or fail on notification.
type WebhookNotifier struct {
	client *resty.Client
	url    string
	logger *zap.Logger
}

// NewWebhookNotifier creates a notifier posting to the given URL.
func NewWebhookNotifier(url string, logger *zap.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		client: resty.New(),
		url:    url,
		logger: logger.Named("webhook"),
	}
}

// Notify posts the event, ignoring delivery failures.
func (n *WebhookNotifier) Notify(event Event) {
	resp, err := n.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(event).
		Post(n.url)
	if err != nil {
		n.logger.Warn("Webhook delivery failed", zap.Error(err))
		return
	}
	if resp.IsError() {
		n.logger.Warn("Webhook rejected event",
			zap.Int("status", resp.StatusCode()),
			zap.String("body", resp.String()))
	}
}
