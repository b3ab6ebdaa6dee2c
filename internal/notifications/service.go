package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bissquit/tenant-notify/internal/domain"
	"github.com/google/uuid"
)

// EnqueueStatus is the outcome of a single enqueue.
type EnqueueStatus string

// Enqueue outcomes.
const (
	EnqueueStatusQueued  EnqueueStatus = "queued"
	EnqueueStatusSkipped EnqueueStatus = "skipped"
)

// EnqueueRequest describes one notification on one channel.
type EnqueueRequest struct {
	CompanyID        string
	RecipientType    domain.RecipientType
	RecipientID      string
	NotificationType domain.NotificationType
	Channel          domain.Channel
	TemplateData     map[string]any
	ScheduledAt      *time.Time
}

// EnqueueResult is the outcome of Enqueue. ItemID is set only when queued.
type EnqueueResult struct {
	Status EnqueueStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
	ItemID string        `json:"item_id,omitempty"`
}

// BulkEnqueueRequest fans one notification across several channels.
type BulkEnqueueRequest struct {
	CompanyID        string
	RecipientType    domain.RecipientType
	RecipientID      string
	NotificationType domain.NotificationType
	Channels         []domain.Channel
	TemplateData     map[string]any
	ScheduledAt      *time.Time
}

// BulkEnqueueResult aggregates per-channel outcomes.
type BulkEnqueueResult struct {
	Results map[domain.Channel]EnqueueResult `json:"results"`
	Errors  map[domain.Channel]error         `json:"-"`
	Queued  int                              `json:"queued"`
	Skipped int                              `json:"skipped"`
	Failed  int                              `json:"failed"`
}

// Summary returns a short human readable description, e.g.
// "1 queued, 1 skipped: duplicate".
func (r *BulkEnqueueResult) Summary() string {
	parts := []string{fmt.Sprintf("%d queued", r.Queued)}

	if r.Skipped > 0 {
		seen := make(map[string]bool)
		var reasons []string
		for _, res := range r.Results {
			if res.Status == EnqueueStatusSkipped && !seen[res.Reason] {
				seen[res.Reason] = true
				reasons = append(reasons, res.Reason)
			}
		}
		sort.Strings(reasons)
		parts = append(parts, fmt.Sprintf("%d skipped: %s", r.Skipped, strings.Join(reasons, ", ")))
	}

	if r.Failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", r.Failed))
	}

	return strings.Join(parts, ", ")
}

// Service enqueues notifications.
type Service struct {
	repo     Repository
	guard    *DuplicateGuard
	contacts *ContactValidator

	now   func() time.Time
	newID func() string
}

// NewService creates a new notifications service.
func NewService(repo Repository, guard *DuplicateGuard, contacts *ContactValidator) *Service {
	return &Service{
		repo:     repo,
		guard:    guard,
		contacts: contacts,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Enqueue appends a pending notification unless it is a duplicate or the
// recipient has no contact for the channel. Business rejections are
// returned as skipped results and never persisted; errors are returned
// only for invalid requests and storage failures.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	if err := validateEnqueueRequest(req); err != nil {
		return EnqueueResult{}, err
	}

	key := DedupKey{
		CompanyID:        req.CompanyID,
		RecipientID:      req.RecipientID,
		NotificationType: req.NotificationType,
		Channel:          req.Channel,
	}

	dup, err := s.guard.IsDuplicate(ctx, key)
	if err != nil {
		return EnqueueResult{}, err
	}
	if dup {
		return s.skip(req, SkipReasonDuplicate), nil
	}

	if _, err := s.contacts.Resolve(ctx, req.CompanyID, req.RecipientType, req.RecipientID, req.Channel); err != nil {
		if errors.Is(err, ErrNoContactInfo) {
			return s.skip(req, SkipReasonNoContactInfo), nil
		}
		return EnqueueResult{}, fmt.Errorf("resolve contact: %w", err)
	}

	now := s.now()
	scheduledAt := now
	if req.ScheduledAt != nil {
		scheduledAt = *req.ScheduledAt
	}

	data := req.TemplateData
	if data == nil {
		data = map[string]any{}
	}

	item := &QueueItem{
		ID:               s.newID(),
		CompanyID:        req.CompanyID,
		RecipientType:    req.RecipientType,
		RecipientID:      req.RecipientID,
		NotificationType: req.NotificationType,
		Channel:          req.Channel,
		TemplateData:     data,
		Status:           QueueStatusPending,
		Attempts:         0,
		ScheduledAt:      scheduledAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	inserted, err := s.repo.InsertIfAbsent(ctx, item, s.guard.WindowStart(key))
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("insert notification: %w", err)
	}
	if !inserted {
		return s.skip(req, SkipReasonDuplicate), nil
	}

	recordEnqueue(string(req.Channel), string(EnqueueStatusQueued))
	slog.Debug("notification queued",
		"item_id", item.ID,
		"company_id", item.CompanyID,
		"type", item.NotificationType,
		"channel", item.Channel,
		"scheduled_at", item.ScheduledAt,
	)

	return EnqueueResult{Status: EnqueueStatusQueued, ItemID: item.ID}, nil
}

func (s *Service) skip(req EnqueueRequest, reason string) EnqueueResult {
	recordEnqueue(string(req.Channel), reason)
	slog.Debug("notification skipped",
		"company_id", req.CompanyID,
		"recipient_id", req.RecipientID,
		"type", req.NotificationType,
		"channel", req.Channel,
		"reason", reason,
	)
	return EnqueueResult{Status: EnqueueStatusSkipped, Reason: reason}
}

// EnqueueBulk enqueues the notification on every requested channel
// independently. A failure on one channel does not roll back the others.
func (s *Service) EnqueueBulk(ctx context.Context, req BulkEnqueueRequest) *BulkEnqueueResult {
	result := &BulkEnqueueResult{
		Results: make(map[domain.Channel]EnqueueResult),
		Errors:  make(map[domain.Channel]error),
	}

	for _, ch := range req.Channels {
		if _, done := result.Results[ch]; done {
			continue
		}
		if _, done := result.Errors[ch]; done {
			continue
		}

		res, err := s.Enqueue(ctx, EnqueueRequest{
			CompanyID:        req.CompanyID,
			RecipientType:    req.RecipientType,
			RecipientID:      req.RecipientID,
			NotificationType: req.NotificationType,
			Channel:          ch,
			TemplateData:     req.TemplateData,
			ScheduledAt:      req.ScheduledAt,
		})
		if err != nil {
			slog.Error("failed to enqueue notification",
				"company_id", req.CompanyID,
				"recipient_id", req.RecipientID,
				"type", req.NotificationType,
				"channel", ch,
				"error", err,
			)
			result.Errors[ch] = err
			result.Failed++
			continue
		}

		result.Results[ch] = res
		if res.Status == EnqueueStatusQueued {
			result.Queued++
		} else {
			result.Skipped++
		}
	}

	return result
}

// Stats returns item counts by status.
func (s *Service) Stats(ctx context.Context) (*QueueStats, error) {
	stats, err := s.repo.GetQueueStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	return stats, nil
}

// ListItems returns notification history matching the filter.
func (s *Service) ListItems(ctx context.Context, filter ListFilter) ([]QueueItem, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, ErrInvalidStatus
	}
	if filter.Limit <= 0 || filter.Limit > maxListLimit {
		filter.Limit = defaultListLimit
	}
	items, err := s.repo.ListItems(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return items, nil
}

// GetItem returns a single queue item.
func (s *Service) GetItem(ctx context.Context, id string) (*QueueItem, error) {
	return s.repo.GetItem(ctx, id)
}

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

func validateEnqueueRequest(req EnqueueRequest) error {
	if !req.NotificationType.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidNotificationType, req.NotificationType)
	}
	if !req.Channel.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, req.Channel)
	}
	if !req.RecipientType.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidRecipientType, req.RecipientType)
	}
	if req.CompanyID == "" || req.RecipientID == "" {
		return ErrInvalidRecipient
	}
	return nil
}
