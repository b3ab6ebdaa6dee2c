package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/tenant-notify/internal/domain"
	"github.com/sony/gobreaker"
)

// BreakerConfig configures the per-channel circuit breaker.
type BreakerConfig struct {
	Enabled bool
	// MaxRequests is the number of probe sends allowed while half-open.
	MaxRequests uint32
	// Interval clears counts in the closed state.
	Interval time.Duration
	// Timeout is how long the breaker stays open.
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DispatcherConfig contains dispatcher configuration.
type DispatcherConfig struct {
	SendTimeout time.Duration
	Breaker     BreakerConfig
}

// DefaultDispatcherConfig returns default dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		SendTimeout: 30 * time.Second,
		Breaker: BreakerConfig{
			Enabled:          true,
			MaxRequests:      3,
			Interval:         60 * time.Second,
			Timeout:          60 * time.Second,
			FailureThreshold: 0.6,
			MinRequests:      5,
		},
	}
}

// Dispatcher routes messages to channel senders.
type Dispatcher struct {
	config   DispatcherConfig
	senders  map[domain.Channel]Sender
	breakers map[domain.Channel]*gobreaker.CircuitBreaker
}

// NewDispatcher creates a new notification dispatcher.
func NewDispatcher(config DispatcherConfig, senders ...Sender) *Dispatcher {
	d := &Dispatcher{
		config:   config,
		senders:  make(map[domain.Channel]Sender),
		breakers: make(map[domain.Channel]*gobreaker.CircuitBreaker),
	}
	for _, s := range senders {
		ch := s.Channel()
		d.senders[ch] = s
		if config.Breaker.Enabled {
			d.breakers[ch] = newBreaker(string(ch), config.Breaker)
		}
	}
	return d
}

func newBreaker(name string, cfg BreakerConfig) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		// A provider rejecting one destination says nothing about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || !isRetryable(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("circuit breaker state changed",
				"channel", name,
				"from", from.String(),
				"to", to.String(),
			)
			recordBreakerState(name, to)
		},
	})
}

// HasSender reports whether a sender is registered for the channel.
func (d *Dispatcher) HasSender(ch domain.Channel) bool {
	_, ok := d.senders[ch]
	return ok
}

// Send delivers the message over the channel. The send is bounded by the
// configured timeout; a timeout or an open breaker is a retryable failure.
func (d *Dispatcher) Send(ctx context.Context, ch domain.Channel, msg Message) (string, error) {
	sender, ok := d.senders[ch]
	if !ok {
		return "", NewNonRetryableError(fmt.Errorf("%w: %s", ErrNoSender, ch))
	}

	if d.config.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.SendTimeout)
		defer cancel()
	}

	breaker, ok := d.breakers[ch]
	if !ok {
		return sender.Send(ctx, msg)
	}

	res, err := breaker.Execute(func() (interface{}, error) {
		return sender.Send(ctx, msg)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", NewRetryableError(fmt.Errorf("%s sender unavailable: %w", ch, err))
		}
		return "", err
	}

	providerID, _ := res.(string)
	return providerID, nil
}
