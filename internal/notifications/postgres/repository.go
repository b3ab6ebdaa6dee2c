// Package postgres provides PostgreSQL implementation of the notification queue
// store and the recipient and company lookups it depends on.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bissquit/tenant-notify/internal/domain"
	"github.com/bissquit/tenant-notify/internal/notifications"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const itemColumns = `
	id, company_id, recipient_type, recipient_id, notification_type, channel,
	template_data, status, attempts, scheduled_at, sent_at, last_error,
	provider_message_id, created_at, updated_at`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository implements notifications.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func scanItem(row pgx.Row) (*notifications.QueueItem, error) {
	var item notifications.QueueItem
	err := row.Scan(
		&item.ID,
		&item.CompanyID,
		&item.RecipientType,
		&item.RecipientID,
		&item.NotificationType,
		&item.Channel,
		&item.TemplateData,
		&item.Status,
		&item.Attempts,
		&item.ScheduledAt,
		&item.SentAt,
		&item.LastError,
		&item.ProviderMessageID,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func collectItems(rows pgx.Rows) ([]*notifications.QueueItem, error) {
	defer rows.Close()

	items := make([]*notifications.QueueItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue items: %w", err)
	}
	return items, nil
}

func validKey(key notifications.DedupKey) bool {
	return uuid.Validate(key.CompanyID) == nil && uuid.Validate(key.RecipientID) == nil
}

func findActive(ctx context.Context, q querier, key notifications.DedupKey, since time.Time) (*notifications.QueueItem, error) {
	query := `
		SELECT` + itemColumns + `
		FROM notification_queue
		WHERE company_id = $1 AND recipient_id = $2 AND notification_type = $3 AND channel = $4
		  AND status IN ('pending', 'sent')
		  AND created_at >= $5
		ORDER BY created_at DESC
		LIMIT 1
	`
	item, err := scanItem(q.QueryRow(ctx, query,
		key.CompanyID,
		key.RecipientID,
		key.NotificationType,
		key.Channel,
		since,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find active notification: %w", err)
	}
	return item, nil
}

// FindActive returns the newest pending or sent item for the key created at
// or after since.
func (r *Repository) FindActive(ctx context.Context, key notifications.DedupKey, since time.Time) (*notifications.QueueItem, error) {
	if !validKey(key) {
		return nil, nil
	}
	return findActive(ctx, r.db, key, since)
}

// InsertIfAbsent serializes inserts per dedup key with a transaction-scoped
// advisory lock, so the duplicate check and the insert cannot interleave with
// a concurrent enqueue of the same key.
func (r *Repository) InsertIfAbsent(ctx context.Context, item *notifications.QueueItem, since time.Time) (bool, error) {
	key := item.DedupKey()
	if !validKey(key) {
		return false, fmt.Errorf("insert notification: invalid company or recipient id")
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key.String()); err != nil {
		return false, fmt.Errorf("lock dedup key: %w", err)
	}

	existing, err := findActive(ctx, tx, key, since)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	query := `
		INSERT INTO notification_queue (
			id, company_id, recipient_type, recipient_id, notification_type, channel,
			template_data, status, attempts, scheduled_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		RETURNING created_at, updated_at
	`
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	err = tx.QueryRow(ctx, query,
		item.ID,
		item.CompanyID,
		item.RecipientType,
		item.RecipientID,
		item.NotificationType,
		item.Channel,
		item.TemplateData,
		item.Status,
		item.Attempts,
		item.ScheduledAt,
		createdAt,
	).Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return true, nil
}

// ClaimDue stamps claimed_at on up to limit due rows and returns them ordered
// by scheduled_at. Rows locked by a concurrent claim are skipped, so two
// processors never receive the same row.
func (r *Repository) ClaimDue(ctx context.Context, now time.Time, limit, maxAttempts int, claimTTL time.Duration) ([]*notifications.QueueItem, error) {
	query := `
		UPDATE notification_queue q
		SET claimed_at = $1, updated_at = NOW()
		FROM (
			SELECT id
			FROM notification_queue
			WHERE status = 'pending'
			  AND attempts < $2
			  AND scheduled_at <= $1
			  AND (claimed_at IS NULL OR claimed_at <= $3)
			ORDER BY scheduled_at, id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		) due
		WHERE q.id = due.id
		RETURNING ` + prefixed("q", itemColumns)

	rows, err := r.db.Query(ctx, query, now, maxAttempts, now.Add(-claimTTL), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due notifications: %w", err)
	}

	items, err := collectItems(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING does not preserve the subquery order.
	sort.Slice(items, func(i, j int) bool {
		if items[i].ScheduledAt.Equal(items[j].ScheduledAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].ScheduledAt.Before(items[j].ScheduledAt)
	})
	return items, nil
}

// ApplyTransition writes the transition if the row is still pending with the
// attempts value it was claimed with, and releases the claim.
func (r *Repository) ApplyTransition(ctx context.Context, t notifications.Transition) error {
	c := t.Columns()
	query := `
		UPDATE notification_queue
		SET status = $3,
		    attempts = $4,
		    scheduled_at = COALESCE($5::timestamptz, scheduled_at),
		    sent_at = $6,
		    last_error = $7,
		    provider_message_id = $8,
		    claimed_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND attempts = $2
	`
	result, err := r.db.Exec(ctx, query,
		t.ItemID,
		t.FromAttempts,
		c.Status,
		c.Attempts,
		c.ScheduledAt,
		c.SentAt,
		c.LastError,
		c.ProviderMessageID,
	)
	if err != nil {
		return fmt.Errorf("apply transition: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM notification_queue WHERE id = $1)`, t.ItemID).Scan(&exists); err != nil {
		return fmt.Errorf("check notification: %w", err)
	}
	if !exists {
		return notifications.ErrItemNotFound
	}
	return notifications.ErrStaleItem
}

// RetryFailed resets every failed row to pending with a fresh attempt budget.
func (r *Repository) RetryFailed(ctx context.Context, scheduledAt time.Time) (int64, error) {
	query := `
		UPDATE notification_queue
		SET status = 'pending',
		    attempts = 0,
		    sent_at = NULL,
		    claimed_at = NULL,
		    scheduled_at = GREATEST(scheduled_at, $1),
		    updated_at = NOW()
		WHERE status = 'failed'
	`
	result, err := r.db.Exec(ctx, query, scheduledAt)
	if err != nil {
		return 0, fmt.Errorf("retry failed notifications: %w", err)
	}
	return result.RowsAffected(), nil
}

// GetItem retrieves a queue item by ID.
func (r *Repository) GetItem(ctx context.Context, id string) (*notifications.QueueItem, error) {
	if uuid.Validate(id) != nil {
		return nil, notifications.ErrItemNotFound
	}

	query := `SELECT` + itemColumns + ` FROM notification_queue WHERE id = $1`
	item, err := scanItem(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notifications.ErrItemNotFound
		}
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return item, nil
}

// ListItems returns queue items matching the filter, newest first.
func (r *Repository) ListItems(ctx context.Context, filter notifications.ListFilter) ([]notifications.QueueItem, error) {
	for _, id := range []string{filter.CompanyID, filter.RecipientID} {
		if id != "" && uuid.Validate(id) != nil {
			return []notifications.QueueItem{}, nil
		}
	}

	var conditions []string
	var args []any
	if filter.CompanyID != "" {
		args = append(args, filter.CompanyID)
		conditions = append(conditions, fmt.Sprintf("company_id = $%d", len(args)))
	}
	if filter.RecipientID != "" {
		args = append(args, filter.RecipientID)
		conditions = append(conditions, fmt.Sprintf("recipient_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT` + itemColumns + ` FROM notification_queue`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}

	ptrs, err := collectItems(rows)
	if err != nil {
		return nil, err
	}

	items := make([]notifications.QueueItem, 0, len(ptrs))
	for _, item := range ptrs {
		items = append(items, *item)
	}
	return items, nil
}

// GetQueueStats returns queue statistics by status.
func (r *Repository) GetQueueStats(ctx context.Context) (*notifications.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'skipped')
		FROM notification_queue
	`
	var stats notifications.QueueStats
	err := r.db.QueryRow(ctx, query).Scan(&stats.Pending, &stats.Sent, &stats.Failed, &stats.Skipped)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	return &stats, nil
}

// GetRecipient reads a tenant or company user of the given company.
func (r *Repository) GetRecipient(ctx context.Context, companyID string, recipientType domain.RecipientType, recipientID string) (*domain.Recipient, error) {
	if uuid.Validate(companyID) != nil || uuid.Validate(recipientID) != nil {
		return nil, notifications.ErrRecipientNotFound
	}

	var table string
	switch recipientType {
	case domain.RecipientTypeTenant:
		table = "tenants"
	case domain.RecipientTypeCompanyUser:
		table = "company_users"
	default:
		return nil, notifications.ErrRecipientNotFound
	}

	query := `
		SELECT id, company_id, name, email, phone
		FROM ` + table + `
		WHERE id = $1 AND company_id = $2
	`
	recipient := domain.Recipient{Type: recipientType}
	err := r.db.QueryRow(ctx, query, recipientID, companyID).Scan(
		&recipient.ID,
		&recipient.CompanyID,
		&recipient.Name,
		&recipient.Email,
		&recipient.Phone,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notifications.ErrRecipientNotFound
		}
		return nil, fmt.Errorf("get recipient: %w", err)
	}
	return &recipient, nil
}

// CompanyFeatures reads the notification switches of a company.
func (r *Repository) CompanyFeatures(ctx context.Context, companyID string) (domain.CompanyFeatures, error) {
	if uuid.Validate(companyID) != nil {
		return domain.CompanyFeatures{}, notifications.ErrCompanyNotFound
	}

	query := `SELECT email_notifications, sms_notifications FROM companies WHERE id = $1`
	var features domain.CompanyFeatures
	err := r.db.QueryRow(ctx, query, companyID).Scan(&features.EmailNotifications, &features.SMSNotifications)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CompanyFeatures{}, notifications.ErrCompanyNotFound
		}
		return domain.CompanyFeatures{}, fmt.Errorf("get company features: %w", err)
	}
	return features, nil
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
