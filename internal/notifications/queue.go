package notifications

import (
	"time"

	"github.com/bissquit/tenant-notify/internal/domain"
)

// Queue limits.
const (
	MaxRetryAttempts  = 3
	RetryDelay        = 15 * time.Minute
	DefaultBatchLimit = 50
)

// Skip reasons.
const (
	SkipReasonDuplicate       = "duplicate"
	SkipReasonNoContactInfo   = "no contact info"
	SkipReasonFeatureDisabled = "feature disabled"
)

// QueueStatus represents the status of a queue item.
type QueueStatus string

// Queue statuses.
const (
	QueueStatusPending QueueStatus = "pending"
	QueueStatusSent    QueueStatus = "sent"
	QueueStatusFailed  QueueStatus = "failed"
	QueueStatusSkipped QueueStatus = "skipped"
)

// IsValid checks if the status is known.
func (s QueueStatus) IsValid() bool {
	switch s {
	case QueueStatusPending, QueueStatusSent, QueueStatusFailed, QueueStatusSkipped:
		return true
	}
	return false
}

// IsTerminal reports whether an item in this status can never be picked up again.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueStatusSent || s == QueueStatusFailed || s == QueueStatusSkipped
}

// QueueItem represents a notification in the queue.
type QueueItem struct {
	ID                string                  `json:"id"`
	CompanyID         string                  `json:"company_id"`
	RecipientType     domain.RecipientType    `json:"recipient_type"`
	RecipientID       string                  `json:"recipient_id"`
	NotificationType  domain.NotificationType `json:"notification_type"`
	Channel           domain.Channel          `json:"channel"`
	TemplateData      map[string]any          `json:"template_data"`
	Status            QueueStatus             `json:"status"`
	Attempts          int                     `json:"attempts"`
	ScheduledAt       time.Time               `json:"scheduled_at"`
	SentAt            *time.Time              `json:"sent_at,omitempty"`
	LastError         string                  `json:"last_error,omitempty"`
	ProviderMessageID string                  `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time               `json:"created_at"`
	UpdatedAt         time.Time               `json:"updated_at"`
}

// DedupKey returns the tuple used by the duplicate guard.
func (i *QueueItem) DedupKey() DedupKey {
	return DedupKey{
		CompanyID:        i.CompanyID,
		RecipientID:      i.RecipientID,
		NotificationType: i.NotificationType,
		Channel:          i.Channel,
	}
}

// QueueStats contains item counts by status.
type QueueStats struct {
	Pending int64 `json:"pending"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Skipped int64 `json:"skipped"`
}

// ListFilter narrows notification history queries.
type ListFilter struct {
	CompanyID   string
	RecipientID string
	Status      QueueStatus
	Limit       int
}
