package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/bissquit/tenant-notify/internal/domain"
)

// Dedup windows.
const (
	DefaultDedupWindow = 24 * time.Hour
	OverdueDedupWindow = 168 * time.Hour
)

// DedupKey identifies notifications that must not repeat inside a window.
type DedupKey struct {
	CompanyID        string
	RecipientID      string
	NotificationType domain.NotificationType
	Channel          domain.Channel
}

// String returns a stable representation used for advisory lock keys.
func (k DedupKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.CompanyID, k.RecipientID, k.NotificationType, k.Channel)
}

// DedupWindows holds the dedup window per notification type.
type DedupWindows struct {
	Default time.Duration
	Overdue time.Duration
}

// DefaultDedupWindows returns the standard windows.
func DefaultDedupWindows() DedupWindows {
	return DedupWindows{
		Default: DefaultDedupWindow,
		Overdue: OverdueDedupWindow,
	}
}

// For returns the window for the notification type.
func (w DedupWindows) For(t domain.NotificationType) time.Duration {
	if t == domain.NotificationTypeOverdueNotice {
		return w.Overdue
	}
	return w.Default
}

// DuplicateGuard checks whether a notification was already delivered or is
// still pending inside its dedup window.
type DuplicateGuard struct {
	repo    Repository
	windows DedupWindows
	now     func() time.Time
}

// NewDuplicateGuard creates a new duplicate guard.
func NewDuplicateGuard(repo Repository, windows DedupWindows) *DuplicateGuard {
	return &DuplicateGuard{
		repo:    repo,
		windows: windows,
		now:     time.Now,
	}
}

// WindowStart returns the earliest created_at that still counts as a
// duplicate for the key.
func (g *DuplicateGuard) WindowStart(key DedupKey) time.Time {
	return g.now().Add(-g.windows.For(key.NotificationType))
}

// IsDuplicate reports whether an active item exists for the key.
func (g *DuplicateGuard) IsDuplicate(ctx context.Context, key DedupKey) (bool, error) {
	item, err := g.repo.FindActive(ctx, key, g.WindowStart(key))
	if err != nil {
		return false, fmt.Errorf("find active notification: %w", err)
	}
	return item != nil, nil
}
