package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bissquit/tenant-notify/internal/pkg/ctxlog"
	"golang.org/x/sync/errgroup"
)

// ProcessorConfig contains batch processor configuration.
type ProcessorConfig struct {
	BatchLimit  int
	MaxAttempts int
	RetryDelay  time.Duration
	// ClaimTTL is how long a claimed item is hidden from other processors.
	// It must exceed the worst case time to process one batch.
	ClaimTTL time.Duration
	// Concurrency is the number of items processed in parallel. Values
	// below 2 process items sequentially in claim order.
	Concurrency int
}

// DefaultProcessorConfig returns default processor configuration.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		BatchLimit:  DefaultBatchLimit,
		MaxAttempts: MaxRetryAttempts,
		RetryDelay:  RetryDelay,
		ClaimTTL:    5 * time.Minute,
		Concurrency: 1,
	}
}

// ProcessResult tallies one processQueue run. Deferred items stayed pending
// without consuming an attempt because a lookup or state write failed.
type ProcessResult struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Retried   int `json:"retried"`
	Deferred  int `json:"deferred"`
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeRetried
	outcomeDeferred
)

func (r *ProcessResult) add(o outcome) {
	switch o {
	case outcomeSent:
		r.Sent++
	case outcomeFailed:
		r.Failed++
	case outcomeSkipped:
		r.Skipped++
	case outcomeRetried:
		r.Retried++
	case outcomeDeferred:
		r.Deferred++
	}
}

// Processor delivers due queue items.
type Processor struct {
	config     ProcessorConfig
	repo       Repository
	gate       *FeatureGate
	contacts   *ContactValidator
	renderer   *Renderer
	dispatcher *Dispatcher

	now func() time.Time
}

// NewProcessor creates a new batch processor.
func NewProcessor(config ProcessorConfig, repo Repository, gate *FeatureGate, contacts *ContactValidator, renderer *Renderer, dispatcher *Dispatcher) *Processor {
	if config.BatchLimit <= 0 {
		config.BatchLimit = DefaultBatchLimit
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = MaxRetryAttempts
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = RetryDelay
	}
	if config.ClaimTTL <= 0 {
		config.ClaimTTL = DefaultProcessorConfig().ClaimTTL
	}
	return &Processor{
		config:     config,
		repo:       repo,
		gate:       gate,
		contacts:   contacts,
		renderer:   renderer,
		dispatcher: dispatcher,
		now:        time.Now,
	}
}

// ProcessQueue claims up to limit due items and runs each through the
// delivery pipeline. A non-positive limit uses the configured batch limit.
// Individual item failures are recorded on the items; only a failure to
// claim returns an error, with all counts zero.
func (p *Processor) ProcessQueue(ctx context.Context, limit int) (ProcessResult, error) {
	if limit <= 0 {
		limit = p.config.BatchLimit
	}

	items, err := p.repo.ClaimDue(ctx, p.now(), limit, p.config.MaxAttempts, p.config.ClaimTTL)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("claim due notifications: %w", err)
	}

	result := ProcessResult{Processed: len(items)}
	if len(items) == 0 {
		return result, nil
	}

	log := ctxlog.FromContext(ctx)
	log.Debug("processing notifications", "count", len(items))
	recordQueueProcessed(len(items))

	if p.config.Concurrency < 2 {
		for _, item := range items {
			result.add(p.processItem(ctx, item))
		}
	} else {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.config.Concurrency)
		for _, item := range items {
			g.Go(func() error {
				o := p.processItem(gctx, item)
				mu.Lock()
				result.add(o)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	log.Info("notification batch processed",
		"processed", result.Processed,
		"sent", result.Sent,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"retried", result.Retried,
		"deferred", result.Deferred,
	)

	return result, nil
}

func (p *Processor) processItem(ctx context.Context, item *QueueItem) outcome {
	log := ctxlog.FromContext(ctx).With("item_id", item.ID)
	channel := string(item.Channel)

	allowed, err := p.gate.Allowed(ctx, item.CompanyID, item.Channel)
	if err != nil {
		log.Error("failed to check company features", "company_id", item.CompanyID, "error", err)
		recordNotificationSent(channel, "deferred")
		return outcomeDeferred
	}
	if !allowed {
		return p.apply(ctx, item, Skipped{Reason: SkipReasonFeatureDisabled}, outcomeSkipped, "skipped_disabled")
	}

	to, err := p.contacts.Resolve(ctx, item.CompanyID, item.RecipientType, item.RecipientID, item.Channel)
	if err != nil {
		if errors.Is(err, ErrNoContactInfo) {
			return p.apply(ctx, item, Skipped{Reason: SkipReasonNoContactInfo}, outcomeSkipped, "skipped_no_contact")
		}
		log.Error("failed to resolve contact", "recipient_id", item.RecipientID, "error", err)
		recordNotificationSent(channel, "deferred")
		return outcomeDeferred
	}

	msg, err := p.renderer.Render(item.Channel, item.NotificationType, item.TemplateData)
	if err != nil {
		log.Error("failed to render", "type", item.NotificationType, "error", err)
		label := "render_failed"
		if errors.Is(err, ErrUnknownNotificationType) {
			label = "unknown_type"
		}
		state := Failed{Attempts: item.Attempts, LastError: fmt.Sprintf("render: %s", err)}
		return p.apply(ctx, item, state, outcomeFailed, label)
	}
	msg.To = to

	start := time.Now()
	providerID, err := p.dispatcher.Send(ctx, item.Channel, msg)
	recordNotificationDuration(channel, time.Since(start))

	if err != nil {
		return p.handleSendError(ctx, item, err)
	}

	state := Sent{SentAt: p.now(), ProviderMessageID: providerID}
	o := p.apply(ctx, item, state, outcomeSent, "success")
	if o == outcomeSent {
		log.Debug("notification sent", "channel", item.Channel, "duration", time.Since(start))
	}
	return o
}

func (p *Processor) handleSendError(ctx context.Context, item *QueueItem, err error) outcome {
	log := ctxlog.FromContext(ctx).With("item_id", item.ID)
	log.Warn("send failed",
		"channel", item.Channel,
		"attempt", item.Attempts+1,
		"max_attempts", p.config.MaxAttempts,
		"retryable", isRetryable(err),
		"error", err,
	)

	state := nextAfterFailure(item, p.now(), p.config.RetryDelay, p.config.MaxAttempts, describeSendError(err))
	if _, failed := state.(Failed); failed {
		label := "failed"
		if !isRetryable(err) {
			label = "failed_permanent"
		}
		return p.apply(ctx, item, state, outcomeFailed, label)
	}

	o := p.apply(ctx, item, state, outcomeRetried, "retry")
	if o == outcomeRetried {
		log.Info("notification scheduled for retry", "next_attempt", state.(Pending).ScheduledAt)
	}
	return o
}

// apply writes the transition and records the metric. A write failure
// leaves the item pending and claimed; it becomes due again after the
// claim TTL.
func (p *Processor) apply(ctx context.Context, item *QueueItem, to ItemState, o outcome, label string) outcome {
	err := p.repo.ApplyTransition(ctx, Transition{
		ItemID:       item.ID,
		FromAttempts: item.Attempts,
		To:           to,
	})
	if err != nil {
		log := ctxlog.FromContext(ctx)
		if errors.Is(err, ErrStaleItem) {
			log.Warn("notification changed concurrently, transition dropped", "item_id", item.ID, "status", to.Status())
		} else {
			log.Error("failed to update notification", "item_id", item.ID, "status", to.Status(), "error", err)
		}
		recordNotificationSent(string(item.Channel), "deferred")
		return outcomeDeferred
	}
	recordNotificationSent(string(item.Channel), label)
	return o
}

// RetryFailed re-admits every failed item with a fresh attempt budget,
// scheduled one retry delay from now.
func (p *Processor) RetryFailed(ctx context.Context) (int64, error) {
	n, err := p.repo.RetryFailed(ctx, p.now().Add(p.config.RetryDelay))
	if err != nil {
		return 0, fmt.Errorf("retry failed notifications: %w", err)
	}
	ctxlog.FromContext(ctx).Info("failed notifications re-queued", "count", n)
	recordRetrySweep(n)
	return n, nil
}
