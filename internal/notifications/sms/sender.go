// Package sms provides SMS notification sending through an HTTP gateway.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bissquit/tenant-notify/internal/domain"
	"github.com/bissquit/tenant-notify/internal/notifications"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultRateLimit = 10
	maxErrorBody     = 512
)

// ErrDisabled is returned by Send when the sender is switched off.
var ErrDisabled = errors.New("sms sender is disabled")

// Config holds SMS gateway configuration.
type Config struct {
	Enabled    bool
	GatewayURL string
	APIKey     string
	// SenderID is the alphanumeric sender or originating number.
	SenderID string
	// RateLimit is the maximum messages per second sent to the gateway.
	RateLimit float64
	Burst     int
	Timeout   time.Duration
}

// Sender implements SMS notification sending via a JSON HTTP gateway.
type Sender struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewSender creates a new SMS sender.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.GatewayURL == "" {
			return nil, errors.New("sms sender: gateway URL is required when enabled")
		}
		if config.APIKey == "" {
			return nil, errors.New("sms sender: API key is required when enabled")
		}
	}

	if config.RateLimit <= 0 {
		config.RateLimit = defaultRateLimit
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	slog.Info("sms sender configured",
		"enabled", config.Enabled,
		"gateway_url", config.GatewayURL,
		"sender_id", config.SenderID,
		"rate_limit", config.RateLimit,
	)

	return &Sender{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), config.Burst),
	}, nil
}

// Channel returns the delivery channel.
func (s *Sender) Channel() domain.Channel {
	return domain.ChannelSMS
}

type sendRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Text string `json:"text"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

// Send delivers one SMS and returns the gateway message ID.
// msg.To must be an E.164 number.
func (s *Sender) Send(ctx context.Context, msg notifications.Message) (string, error) {
	if !s.config.Enabled {
		return "", notifications.NewNonRetryableError(ErrDisabled)
	}
	if msg.To == "" {
		return "", &PermanentError{Message: "destination number is empty"}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return "", &RetryableError{Message: fmt.Sprintf("rate limiter: %v", err)}
	}

	body, err := json.Marshal(sendRequest{
		To:   msg.To,
		From: s.config.SenderID,
		Text: msg.Text,
	})
	if err != nil {
		return "", &PermanentError{Message: fmt.Sprintf("marshal payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return "", &PermanentError{Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.config.APIKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", &RetryableError{Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	return s.handleResponse(resp)
}

func (s *Sender) handleResponse(resp *http.Response) (string, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", &RetryableError{Message: fmt.Sprintf("read response: %v", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out sendResponse
		if len(body) > 0 {
			if err := json.Unmarshal(body, &out); err != nil {
				slog.Warn("sms gateway returned unparseable body", "status", resp.StatusCode, "error", err)
			}
		}
		slog.Debug("sms sent", "message_id", out.MessageID)
		return out.MessageID, nil

	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		return "", &PermanentError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("rejected: %s", truncate(body)),
		}

	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return "", &PermanentError{
			Code:    resp.StatusCode,
			Message: "invalid gateway credentials",
		}

	case resp.StatusCode == http.StatusNotFound:
		return "", &PermanentError{
			Code:    resp.StatusCode,
			Message: "gateway endpoint not found",
		}

	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &RetryableError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("rate limited (retry-after %q)", resp.Header.Get("Retry-After")),
		}

	case resp.StatusCode >= 500:
		return "", &RetryableError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("server error: %s", truncate(body)),
		}
	}

	return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body))
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}

// PermanentError indicates a gateway rejection that should not be retried.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("sms gateway error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("sms gateway error: %s", e.Message)
}

// IsRetryable returns false as permanent errors should not be retried.
func (e *PermanentError) IsRetryable() bool { return false }

// RetryableError indicates a temporary gateway failure.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("sms gateway error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("sms gateway error: %s", e.Message)
}

// IsRetryable returns true as these errors are temporary.
func (e *RetryableError) IsRetryable() bool { return true }
