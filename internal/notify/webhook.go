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
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/tis24dev/statesave/internal/config"
	"github.com/tis24dev/statesave/internal/logging"
	"github.com/tis24dev/statesave/internal/version"
)

// Headers that custom configuration may not override.
var protectedHeaders = map[string]bool{
	"host":              true,
	"content-length":    true,
	"content-type":      true,
	"transfer-encoding": true,
}

// errPermanent marks responses that retrying cannot fix.
var errPermanent = errors.New("permanent failure")

// Webhook posts events as JSON to one HTTP endpoint.
type Webhook struct {
	cfg        config.WebhookConfig
	target     *url.URL
	maxRetries int
	retryDelay time.Duration
	client     *http.Client
	clock      clock.Clock
	logger     *logging.Logger
}

// NewWebhook validates the endpoint and prepares an HTTP client bounded by
// opts.Timeout.
func NewWebhook(cfg config.WebhookConfig, opts config.NotifyConfig, logger *logging.Logger) (*Webhook, error) {
	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("webhook %s: invalid url: %w", cfg.Name, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("webhook %s: invalid url scheme %q", cfg.Name, target.Scheme)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger.Debug("Webhook %s configured: %s %s (format=%s)", cfg.Name, cfg.Method, maskURL(target), cfg.Format)
	return &Webhook{
		cfg:        cfg,
		target:     target,
		maxRetries: max(opts.MaxRetries, 0),
		retryDelay: opts.RetryDelay,
		client:     &http.Client{Timeout: timeout},
		clock:      clock.WallClock,
		logger:     logger,
	}, nil
}

// Name returns the configured endpoint name.
func (w *Webhook) Name() string { return w.cfg.Name }

// Send delivers ev, retrying transport errors, 429 and 5xx responses.
func (w *Webhook) Send(ctx context.Context, ev *Event) error {
	body, err := w.payload(ev)
	if err != nil {
		return fmt.Errorf("build payload: %w", err)
	}

	var lastErr error
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			lastErr = w.post(ctx, body)
			return lastErr
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, errPermanent) || ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			w.logger.Warning("Webhook %s attempt %d/%d failed: %v", w.cfg.Name, attempt, w.maxRetries+1, err)
		},
		Attempts: w.maxRetries + 1,
		Delay:    max(w.retryDelay, time.Millisecond),
		Clock:    w.clock,
		Stop:     ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if lastErr == nil {
		return err
	}
	return lastErr
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	var reader io.Reader
	if w.cfg.Method != http.MethodGet && w.cfg.Method != http.MethodHead {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, w.cfg.Method, w.target.String(), reader)
	if err != nil {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "statesave/"+version.String())
	for k, v := range w.cfg.Headers {
		if protectedHeaders[strings.ToLower(strings.TrimSpace(k))] {
			w.logger.Warning("Webhook %s: ignoring protected header %s", w.cfg.Name, k)
			continue
		}
		req.Header.Set(k, v)
	}
	if w.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.Token)
	}
	if w.cfg.Secret != "" {
		req.Header.Set("X-Signature", sign(body, w.cfg.Secret))
		req.Header.Set("X-Signature-Algorithm", "hmac-sha256")
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	default:
		return fmt.Errorf("%w: HTTP %d: %s", errPermanent, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
}

// payload encodes ev in the endpoint's format.
func (w *Webhook) payload(ev *Event) ([]byte, error) {
	switch w.cfg.Format {
	case "slack":
		return json.Marshal(map[string]string{"text": ev.Summary()})
	case "discord":
		return json.Marshal(map[string]string{"content": ev.Summary()})
	default:
		return json.Marshal(ev)
	}
}

// sign returns the hex HMAC-SHA256 of body under secret.
func sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// maskURL keeps scheme and host; paths and queries often embed tokens.
func maskURL(u *url.URL) string {
	masked := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		masked += "/***"
	}
	if u.RawQuery != "" {
		masked += "?***"
	}
	return masked
}
