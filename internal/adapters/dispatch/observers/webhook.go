package observers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/okian/kudos/internal/domain/model"
	"github.com/okian/kudos/pkg/logger"
)

const (
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookAttempts = 3
)

// Webhook POSTs every committed change as JSON to a URL. Server errors and
// transport failures are retried with exponential backoff; client errors
// are not.
type Webhook struct {
	url      string
	client   *http.Client
	attempts uint
	backoff  func() backoff.BackOff
	log      logger.Logger
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithHTTPClient sets the client used for deliveries.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) {
		if c != nil {
			w.client = c
		}
	}
}

// WithAttempts bounds the number of delivery attempts per change.
func WithAttempts(n uint) WebhookOption {
	return func(w *Webhook) {
		if n > 0 {
			w.attempts = n
		}
	}
}

// WithBackOff replaces the retry schedule.
func WithBackOff(fn func() backoff.BackOff) WebhookOption {
	return func(w *Webhook) {
		if fn != nil {
			w.backoff = fn
		}
	}
}

// WithWebhookLogger sets a custom logger.
func WithWebhookLogger(l logger.Logger) WebhookOption {
	return func(w *Webhook) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWebhook creates a Webhook posting to url.
func NewWebhook(url string, opts ...WebhookOption) (*Webhook, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, ErrEmptyURL
	}
	w := &Webhook{
		url:      url,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		attempts: defaultWebhookAttempts,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
		log: logger.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.Named("webhook")
	return w, nil
}

// Name implements dispatch.Named.
func (*Webhook) Name() string { return "webhook" }

// OnChange implements dispatch.Observer.
func (w *Webhook) OnChange(ctx context.Context, c model.CommittedChange) error { //nolint:gocritic // hugeParam: observers get their own copy
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("webhook: marshal change: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, w.post(ctx, body)
	}, backoff.WithBackOff(w.backoff()), backoff.WithMaxTries(w.attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.log.Warn(ctx, "webhook delivery failed, retrying",
				logger.String("change", c.ID),
				logger.Duration("next", next),
				logger.Error(err),
			)
		}))
	return err
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("webhook: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %d", ErrWebhookStatus, resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("%w: %d", ErrWebhookStatus, resp.StatusCode))
	}
}
