package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/session-orchestrator/internal/metrics"
)

// Payload is the JSON body sent to adapter callback URLs.
type Payload struct {
	SessionID   string          `json:"session_id"`
	MessageID   string          `json:"message_id"`
	Kind        string          `json:"kind"` // "completion" or "tool_call"
	Status      string          `json:"status"`
	Data        json.RawMessage `json:"data,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Signature   string          `json:"signature"`
}

// Delivery sends signed callbacks with retries.
type Delivery struct {
	client  *http.Client
	secret  string
	retries int
	delay   time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewDelivery creates a callback delivery service.
func NewDelivery(secret string, timeout time.Duration, retries int, m *metrics.Metrics, logger zerolog.Logger) *Delivery {
	return &Delivery{
		client: &http.Client{
			Timeout: timeout,
		},
		secret:  secret,
		retries: retries,
		delay:   2 * time.Second,
		metrics: m,
		logger:  logger.With().Str("component", "callbacks").Logger(),
	}
}

// Deliver signs the payload and posts it to url with retries. Returns nil
// when url is empty.
func (d *Delivery) Deliver(ctx context.Context, url string, payload Payload) error {
	if url == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling callback payload: %w", err)
	}
	sig, err := Sign(body, d.secret)
	if err != nil {
		return fmt.Errorf("signing callback payload: %w", err)
	}
	payload.Signature = sig
	body, err = json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling signed payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.delay * time.Duration(attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("creating callback request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "session-orchestrator-callback/1.0")

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("callback delivery attempt %d: %w", attempt+1, err)
			d.logger.Warn().Err(lastErr).
				Str("url", url).
				Str("session_id", payload.SessionID).
				Int("attempt", attempt+1).
				Msg("callback delivery failed")
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			d.logger.Info().
				Str("url", url).
				Str("session_id", payload.SessionID).
				Str("message_id", payload.MessageID).
				Int("status_code", resp.StatusCode).
				Msg("callback delivered")
			if d.metrics != nil {
				d.metrics.RecordCallback("delivered")
			}
			return nil
		}

		lastErr = fmt.Errorf("callback returned status %d on attempt %d", resp.StatusCode, attempt+1)
		d.logger.Warn().
			Str("url", url).
			Str("session_id", payload.SessionID).
			Int("status_code", resp.StatusCode).
			Int("attempt", attempt+1).
			Msg("callback returned non-2xx")
	}

	if d.metrics != nil {
		d.metrics.RecordCallback("failed")
	}
	return fmt.Errorf("callback delivery failed after %d attempts: %w", d.retries+1, lastErr)
}
