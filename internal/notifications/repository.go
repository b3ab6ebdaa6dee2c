// Package notifications implements the tenant notification delivery queue:
// enqueue gating, batch processing, rendering and channel dispatch.
package notifications

import (
	"context"
	"time"

	"github.com/bissquit/tenant-notify/internal/domain"
)

// Repository defines the interface for queue data access.
type Repository interface {
	// FindActive returns the newest pending or sent item for the key created
	// at or after since, or nil if there is none.
	FindActive(ctx context.Context, key DedupKey, since time.Time) (*QueueItem, error)

	// InsertIfAbsent inserts item unless an active item for its key was
	// created at or after since. The check and the insert are atomic.
	// Returns false when a duplicate blocked the insert.
	InsertIfAbsent(ctx context.Context, item *QueueItem, since time.Time) (bool, error)

	// ClaimDue returns up to limit due pending items with fewer than
	// maxAttempts attempts, ordered by scheduled_at, and marks them claimed.
	// Items claimed less than claimTTL ago are not returned again.
	ClaimDue(ctx context.Context, now time.Time, limit, maxAttempts int, claimTTL time.Duration) ([]*QueueItem, error)

	// ApplyTransition writes a transition. Returns ErrStaleItem if the item
	// is no longer pending with the expected attempts.
	ApplyTransition(ctx context.Context, t Transition) error

	// RetryFailed moves all failed items back to pending.
	RetryFailed(ctx context.Context, scheduledAt time.Time) (int64, error)

	GetItem(ctx context.Context, id string) (*QueueItem, error)
	ListItems(ctx context.Context, filter ListFilter) ([]QueueItem, error)
	GetQueueStats(ctx context.Context) (*QueueStats, error)
}

// RecipientLookup resolves tenant and company user contact details.
type RecipientLookup interface {
	GetRecipient(ctx context.Context, companyID string, recipientType domain.RecipientType, recipientID string) (*domain.Recipient, error)
}

// FeatureLookup reads company notification feature flags.
type FeatureLookup interface {
	CompanyFeatures(ctx context.Context, companyID string) (domain.CompanyFeatures, error)
}
