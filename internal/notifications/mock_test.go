package notifications

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/tenant-notify/internal/domain"
	"github.com/stretchr/testify/require"
)

// mockRepository is an in-memory Repository with the same claim and
// transition rules as the postgres store.
type mockRepository struct {
	mu      sync.Mutex
	items   map[string]*QueueItem
	claimed map[string]time.Time

	findErr  error
	claimErr error
	applyErr error
	statsErr error
	// insertErr fails InsertIfAbsent for the given channel.
	insertErr map[domain.Channel]error
	// raceDuplicate makes InsertIfAbsent behave as if a concurrent enqueue
	// committed first.
	raceDuplicate bool
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		items:     make(map[string]*QueueItem),
		claimed:   make(map[string]time.Time),
		insertErr: make(map[domain.Channel]error),
	}
}

func copyItem(item *QueueItem) *QueueItem {
	c := *item
	if item.SentAt != nil {
		sentAt := *item.SentAt
		c.SentAt = &sentAt
	}
	return &c
}

func (m *mockRepository) findActiveLocked(key DedupKey, since time.Time) *QueueItem {
	var found *QueueItem
	for _, item := range m.items {
		if item.DedupKey() != key {
			continue
		}
		if item.Status != QueueStatusPending && item.Status != QueueStatusSent {
			continue
		}
		if item.CreatedAt.Before(since) {
			continue
		}
		if found == nil || item.CreatedAt.After(found.CreatedAt) {
			found = item
		}
	}
	return found
}

func (m *mockRepository) FindActive(_ context.Context, key DedupKey, since time.Time) (*QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	if item := m.findActiveLocked(key, since); item != nil {
		return copyItem(item), nil
	}
	return nil, nil
}

func (m *mockRepository) InsertIfAbsent(_ context.Context, item *QueueItem, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.insertErr[item.Channel]; err != nil {
		return false, err
	}
	if m.raceDuplicate || m.findActiveLocked(item.DedupKey(), since) != nil {
		return false, nil
	}
	m.items[item.ID] = copyItem(item)
	return true, nil
}

func (m *mockRepository) ClaimDue(_ context.Context, now time.Time, limit, maxAttempts int, claimTTL time.Duration) ([]*QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return nil, m.claimErr
	}

	var due []*QueueItem
	for _, item := range m.items {
		if item.Status != QueueStatusPending || item.Attempts >= maxAttempts {
			continue
		}
		if item.ScheduledAt.After(now) {
			continue
		}
		if at, ok := m.claimed[item.ID]; ok && at.After(now.Add(-claimTTL)) {
			continue
		}
		due = append(due, item)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*QueueItem, 0, len(due))
	for _, item := range due {
		m.claimed[item.ID] = now
		out = append(out, copyItem(item))
	}
	return out, nil
}

func (m *mockRepository) ApplyTransition(_ context.Context, t Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}
	item, ok := m.items[t.ItemID]
	if !ok {
		return ErrItemNotFound
	}
	if item.Status != QueueStatusPending || item.Attempts != t.FromAttempts {
		return ErrStaleItem
	}
	t.ApplyTo(item)
	delete(m.claimed, item.ID)
	return nil
}

func (m *mockRepository) RetryFailed(_ context.Context, scheduledAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, item := range m.items {
		if item.Status != QueueStatusFailed {
			continue
		}
		item.Status = QueueStatusPending
		item.Attempts = 0
		item.SentAt = nil
		if scheduledAt.After(item.ScheduledAt) {
			item.ScheduledAt = scheduledAt
		}
		delete(m.claimed, item.ID)
		n++
	}
	return n, nil
}

func (m *mockRepository) GetItem(_ context.Context, id string) (*QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	return copyItem(item), nil
}

func (m *mockRepository) ListItems(_ context.Context, filter ListFilter) ([]QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []QueueItem
	for _, item := range m.items {
		if filter.CompanyID != "" && item.CompanyID != filter.CompanyID {
			continue
		}
		if filter.RecipientID != "" && item.RecipientID != filter.RecipientID {
			continue
		}
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		out = append(out, *copyItem(item))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *mockRepository) GetQueueStats(_ context.Context) (*QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statsErr != nil {
		return nil, m.statsErr
	}
	stats := &QueueStats{}
	for _, item := range m.items {
		switch item.Status {
		case QueueStatusPending:
			stats.Pending++
		case QueueStatusSent:
			stats.Sent++
		case QueueStatusFailed:
			stats.Failed++
		case QueueStatusSkipped:
			stats.Skipped++
		}
	}
	return stats, nil
}

// all returns a snapshot of every stored item.
func (m *mockRepository) all() []*QueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*QueueItem, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, copyItem(item))
	}
	return out
}

func (m *mockRepository) put(item *QueueItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = copyItem(item)
}

func (m *mockRepository) get(t *testing.T, id string) *QueueItem {
	t.Helper()
	item, err := m.GetItem(context.Background(), id)
	require.NoError(t, err)
	return item
}

type mockRecipients struct {
	mu         sync.Mutex
	recipients map[string]*domain.Recipient
	err        error
}

func (m *mockRecipients) GetRecipient(_ context.Context, companyID string, recipientType domain.RecipientType, recipientID string) (*domain.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	r, ok := m.recipients[recipientID]
	if !ok || r.CompanyID != companyID || r.Type != recipientType {
		return nil, ErrRecipientNotFound
	}
	c := *r
	return &c, nil
}

func (m *mockRecipients) set(r *domain.Recipient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recipients[r.ID] = r
}

type mockFeatures struct {
	mu        sync.Mutex
	companies map[string]domain.CompanyFeatures
	err       error
}

func (m *mockFeatures) CompanyFeatures(_ context.Context, companyID string) (domain.CompanyFeatures, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.CompanyFeatures{}, m.err
	}
	f, ok := m.companies[companyID]
	if !ok {
		return domain.CompanyFeatures{}, ErrCompanyNotFound
	}
	return f, nil
}

func (m *mockFeatures) set(companyID string, f domain.CompanyFeatures) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.companies[companyID] = f
}

type mockSender struct {
	mu      sync.Mutex
	channel domain.Channel
	err     error
	sent    []Message
}

func (m *mockSender) Channel() domain.Channel {
	return m.channel
}

func (m *mockSender) Send(_ context.Context, msg Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	if m.err != nil {
		return "", m.err
	}
	return fmt.Sprintf("%s-msg-%d", m.channel, len(m.sent)), nil
}

func (m *mockSender) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockSender) last() Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[len(m.sent)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const (
	testCompanyID = "company-1"
	testTenantID  = "tenant-1"
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	repo       *mockRepository
	recipients *mockRecipients
	features   *mockFeatures
	email      *mockSender
	sms        *mockSender
	clock      *fakeClock
	service    *Service
	processor  *Processor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		repo: newMockRepository(),
		recipients: &mockRecipients{recipients: map[string]*domain.Recipient{
			testTenantID: {
				ID:        testTenantID,
				CompanyID: testCompanyID,
				Type:      domain.RecipientTypeTenant,
				Name:      "Jane Doe",
				Email:     "jane@example.com",
				Phone:     "+1 (555) 123-4567",
			},
		}},
		features: &mockFeatures{companies: map[string]domain.CompanyFeatures{
			testCompanyID: {EmailNotifications: true, SMSNotifications: true},
		}},
		email: &mockSender{channel: domain.ChannelEmail},
		sms:   &mockSender{channel: domain.ChannelSMS},
		clock: &fakeClock{now: testStart},
	}

	renderer, err := NewRenderer()
	require.NoError(t, err)

	dispatcher := NewDispatcher(DispatcherConfig{SendTimeout: time.Second}, env.email, env.sms)
	contacts := NewContactValidator(env.recipients, "1")

	guard := NewDuplicateGuard(env.repo, DefaultDedupWindows())
	guard.now = env.clock.Now

	var seq int
	var seqMu sync.Mutex
	env.service = NewService(env.repo, guard, contacts)
	env.service.now = env.clock.Now
	env.service.newID = func() string {
		seqMu.Lock()
		defer seqMu.Unlock()
		seq++
		return fmt.Sprintf("item-%03d", seq)
	}

	env.processor = NewProcessor(DefaultProcessorConfig(), env.repo, NewFeatureGate(env.features), contacts, renderer, dispatcher)
	env.processor.now = env.clock.Now

	return env
}

func billingData() map[string]any {
	return BillingIssuedData{
		TenantName:    "Jane Doe",
		InvoiceNumber: "INV-1001",
		Amount:        1250,
		Currency:      "USD",
		DueDate:       time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
	}.TemplateData()
}

func overdueData() map[string]any {
	return OverdueNoticeData{
		TenantName:    "Jane Doe",
		InvoiceNumber: "INV-0907",
		Amount:        980.5,
		Currency:      "USD",
		DueDate:       time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		DaysOverdue:   29,
	}.TemplateData()
}

func (env *testEnv) enqueue(t *testing.T, nt domain.NotificationType, ch domain.Channel, data map[string]any) EnqueueResult {
	t.Helper()
	res, err := env.service.Enqueue(context.Background(), EnqueueRequest{
		CompanyID:        testCompanyID,
		RecipientType:    domain.RecipientTypeTenant,
		RecipientID:      testTenantID,
		NotificationType: nt,
		Channel:          ch,
		TemplateData:     data,
	})
	require.NoError(t, err)
	return res
}
