package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/halcyard/runloom/pkg/schema"
)

// Header names for webhook deliveries.
const (
	HeaderSignature      = "x-runloom-signature"
	HeaderTimestamp      = "x-runloom-timestamp"
	HeaderIdempotencyKey = "x-runloom-idempotency-key"
)

// Sign computes the HMAC-SHA256 signature for a webhook body. The timestamp
// is bound into the MAC so a captured delivery cannot be replayed later with
// a fresh timestamp.
func Sign(body []byte, timestamp string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(body []byte, timestamp, signature string, secret []byte) bool {
	expected := Sign(body, timestamp, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Config tunes delivery behavior.
type Config struct {
	MaxAttempts int           // delivery attempts per notification (default 3)
	Backoff     time.Duration // base delay between attempts, doubled each retry (default 1s)
	Timeout     time.Duration // per-request timeout (default 30s)
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Notifier delivers terminal-state callbacks. Delivery is post-terminal and
// advisory: a failed delivery is recorded but never changes the run's status.
type Notifier struct {
	client *http.Client
	cfg    Config
	logger *slog.Logger

	// now and newKey are swappable for tests.
	now    func() time.Time
	newKey func() string
}

// NewNotifier creates a Notifier.
func NewNotifier(cfg Config, logger *slog.Logger) *Notifier {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		newKey: func() string { return uuid.NewString() },
	}
}

// Deliver posts the payload to url, signing it with the organization's
// webhook secret. Retries transport errors and 5xx responses with
// exponential backoff; 4xx responses are treated as permanent. All attempts
// of one Deliver call share an idempotency key so receivers can deduplicate.
func (n *Notifier) Deliver(ctx context.Context, url string, secret []byte, payload schema.WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeWebhook, "marshal webhook payload").WithCause(err)
	}

	idempotencyKey := n.newKey()

	var lastErr error
	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := n.cfg.Backoff << (attempt - 2)
			select {
			case <-ctx.Done():
				return schema.NewError(schema.ErrCodeCanceled, "webhook delivery canceled").WithCause(ctx.Err())
			case <-time.After(delay):
			}
		}

		permanent, err := n.attempt(ctx, url, secret, body, idempotencyKey)
		if err == nil {
			n.logger.InfoContext(ctx, "webhook delivered",
				slog.String("url", url),
				slog.String("run_id", payload.RunID),
				slog.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		n.logger.WarnContext(ctx, "webhook delivery attempt failed",
			slog.String("url", url),
			slog.String("run_id", payload.RunID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		if permanent {
			break
		}
	}

	return schema.NewErrorf(schema.ErrCodeWebhook,
		"webhook delivery to %s failed after retries", url).WithCause(lastErr)
}

// attempt performs a single signed POST. The bool result reports whether the
// failure is permanent (no point retrying).
func (n *Notifier) attempt(ctx context.Context, url string, secret []byte, body []byte, idempotencyKey string) (bool, error) {
	timestamp := strconv.FormatInt(n.now().Unix(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return true, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(body, timestamp, secret))
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderIdempotencyKey, idempotencyKey)

	resp, err := n.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return true, fmt.Errorf("receiver rejected delivery: %s", resp.Status)
	default:
		return false, fmt.Errorf("receiver returned %s", resp.Status)
	}
}
