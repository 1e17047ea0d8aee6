package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxAttempts is the fixed number of delivery attempts per notification.
const MaxAttempts = 3

type Config struct {
	// URL is the webhook endpoint. Empty disables delivery.
	URL string
	// Secret, when set, signs the body with HMAC-SHA256 in X-Timelock-Signature.
	Secret string
	// Timeout bounds a single attempt. Defaults to 10s.
	Timeout time.Duration
	// RetryBase is multiplied by the attempt number to get the wait before the next attempt.
	// Defaults to 2s.
	RetryBase  time.Duration
	HTTPClient *http.Client
	Logger     *log.Logger
}

// StatusError is a non-2xx webhook response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook returned %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook returned %d: %s", e.StatusCode, e.Body)
}

// Retryable is false for client errors other than 408 and 429.
func (e *StatusError) Retryable() bool {
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests
	}
	return true
}

var ErrDeliveryFailed = errors.New("webhook delivery failed")

type Dispatcher struct {
	url       string
	secret    string
	client    *http.Client
	timeout   time.Duration
	retryBase time.Duration
	logger    *log.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(cfg Config) *Dispatcher {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := cfg.RetryBase
	if base <= 0 {
		base = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[notify] ", log.LstdFlags)
	}
	return &Dispatcher{
		url:       strings.TrimSpace(cfg.URL),
		secret:    cfg.Secret,
		client:    client,
		timeout:   timeout,
		retryBase: base,
		logger:    logger,
		sleep:     sleepContext,
	}
}

func (d *Dispatcher) Enabled() bool { return d.url != "" }

type payload struct {
	ReleaseID int64  `json:"releaseId"`
	Title     string `json:"title"`
	Payload   string `json:"payload"`
}

// Trigger posts {releaseId, title, payload} to the configured URL, retrying transient
// failures up to MaxAttempts. It returns nil immediately when no URL is configured.
func (d *Dispatcher) Trigger(ctx context.Context, releaseID int64, title, body string) error {
	if !d.Enabled() {
		return nil
	}
	raw, err := json.Marshal(payload{ReleaseID: releaseID, Title: title, Payload: body})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	deliveryID := uuid.NewString()

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		err := d.post(ctx, raw, deliveryID)
		if err == nil {
			d.logger.Printf("webhook delivered release=%d attempt=%d delivery=%s", releaseID, attempt, deliveryID)
			return nil
		}
		lastErr = err

		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			d.logger.Printf("webhook rejected release=%d status=%d, not retrying", releaseID, se.StatusCode)
			return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
		}
		d.logger.Printf("webhook attempt %d/%d failed release=%d: %v", attempt, MaxAttempts, releaseID, err)

		if attempt < MaxAttempts {
			if err := d.sleep(ctx, d.retryBase*time.Duration(attempt)); err != nil {
				return fmt.Errorf("%w: retry interrupted: %w", ErrDeliveryFailed, err)
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrDeliveryFailed, MaxAttempts, lastErr)
}

func (d *Dispatcher) post(ctx context.Context, body []byte, deliveryID string) error {
	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "timelock-webhook/1.0")
	req.Header.Set("X-Request-Id", deliveryID)
	if d.secret != "" {
		req.Header.Set("X-Timelock-Signature", sign(body, d.secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
