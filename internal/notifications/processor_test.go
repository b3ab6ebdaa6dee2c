package notifications

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bissquit/tenant-notify/internal/domain"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessor_ProcessQueue_SendsEmail(t *testing.T) {
	env := newTestEnv(t)
	res := env.enqueue(t, domain.NotificationTypeBillingIssued, domain.ChannelEmail, billingData())

	result, err := env.processor.ProcessQueue(context.Background(), 0)
	require.NoError(t, err)

	if diff := cmp.Diff(ProcessResult{Processed: 1, Sent: 1}, result); diff != "" {
		t.Errorf("ProcessResult mismatch (-want +got):\n%s", diff)
	}

	item := env.repo.get(t, res.ItemID)
	assert.Equal(t, QueueStatusSent, item.Status)
	require.NotNil(t, item.SentAt)
	assert.Equal(t, testStart, *item.SentAt)
	assert.Equal(t, "email-msg-1", item.ProviderMessageID)
	assert.Equal(t, 0, item.Attempts)

	require.Equal(t, 1, env.email.calls())
	msg := env.email.last()
	assert.Equal(t, "jane@example.com", msg.To)
	assert.Equal(t, "New invoice INV-1001", msg.Subject)
	assert.Contains(t, msg.Text, "Hello Jane Doe")
	assert.Contains(t, msg.HTML, "<p>Hello Jane Doe,</p>")
	assert.Equal(t, 0, env.sms.calls())
}

func TestProcessor_ProcessQueue_SendsSMSToCanonicalNumber(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, domain.NotificationTypeBillingIssued, domain.ChannelSMS, billingData())

	_, err := env.processor.ProcessQueue(context.Background(), 0)
	require.NoError(t, err)

	require.Equal(t, 1, env.sms.calls())
	msg := env.sms.last()
	assert.Equal(t, "+15551234567", msg.To)
	assert.Empty(t, msg.Subject)
	assert.Contains(t, msg.Text, "Invoice INV-1001")
}

// Overdue SMS with an always failing sender ends failed after three cycles.
func TestProcessor_AlwaysFailingSender_ExhaustsRetryBudget(t *testing.T) {
	env := newTestEnv(t)
	env.sms.err = errors.New("gateway unavailable")
	res := env.enqueue(t, domain.NotificationTypeOverdueNotice, domain.ChannelSMS, overdueData())

	for cycle := 1; cycle <= 2; cycle++ {
		result, err := env.processor.ProcessQueue(context.Background(), DefaultBatchLimit)
		require.NoError(t, err)
		assert.Equal(t, ProcessResult{Processed: 1, Retried: 1}, result, "cycle %d", cycle)

		item := env.repo.get(t, res.ItemID)
		assert.Equal(t, QueueStatusPending, item.Status)
		assert.Equal(t, cycle, item.Attempts)
		assert.Equal(t, env.clock.Now().Add(RetryDelay), item.ScheduledAt)
		assert.Equal(t, "gateway unavailable", item.LastError)
		assert.Nil(t, item.SentAt)

		// Not due again until the retry delay passes.
		result, err = env.processor.ProcessQueue(context.Background(), DefaultBatchLimit)
		require.NoError(t, err)
		assert.Equal(t, 0, result.Processed)

		env.clock.Advance(RetryDelay)
	}

	result, err := env.processor.ProcessQueue(context.Background(), DefaultBatchLimit)
	require.NoError(t, err)
	assert.Equal(t, ProcessResult{Processed: 1, Failed: 1}, result)

	item := env.repo.get(t, res.ItemID)
	assert.Equal(t, QueueStatusFailed, item.Status)
	assert.Equal(t, MaxRetryAttempts, item.Attempts)
	assert.Equal(t, "gateway unavailable", item.LastError)
	assert.Equal(t, 3, env.sms.calls())

	env.clock.Advance(24 * time.Hour)
	result, err = env.processor.ProcessQueue(context.Background(), DefaultBatchLimit)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 3, env.sms.calls())
}

func TestProcessor_ConfiguredAttemptBudget(t *testing.T) {
	env := newTestEnv(t)
	cfg := DefaultProcessorConfig()
	cfg.MaxAttempts = 5
	env.processor.config = cfg
	env.sms.err = errors.New("gateway unavailable")
	res := env.enqueue(t, domain.NotificationTypeOverdueNotice, domain.ChannelSMS, overdueData())

	for cycle := 1; cycle <= 4; cycle++ {
		result, err := env.processor.ProcessQueue(context.Background(), 0)
		require.NoError(t, err)
		assert.Equal(t, ProcessResult{Processed: 1, Retried: 1}, result, "cycle %d", cycle)

		item := env.repo.get(t, res.ItemID)
		assert.Equal(t, QueueStatusPending, item.Status)
		assert.Equal(t, cycle, item.Attempts)

		env.clock.Advance(RetryDelay)
	}

	result, err := env.processor.ProcessQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, ProcessResult{Processed: 1, Failed: 1}, result)

	item := env.repo.get(t, res.ItemID)
	assert.Equal(t, QueueStatusFailed, item.Status)
	assert.Equal(t, 5, item.Attempts)
	assert.Equal(t, 5, env.sms.calls())

	env.clock.Advance(time.Hour)
	result, err = env.processor.ProcessQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, result.Processed)
}

func TestProcessor_FeatureDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.features.set(testCompanyID, domain.CompanyFeatures{EmailNotifications: true, SMSNotifications: false})

	res := env.enqueue(t, domain.NotificationTypeBillingIssued, domain.ChannelSMS, billingData())
	require.Equal(t, EnqueueStatusQueued, res.Status)

	result, err := env.processor.ProcessQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, ProcessResult{Processed: 1, Skipped: 1}, result)

	item := env.repo.get(t, res.ItemID)
	assert.Equal(t, QueueStatusSkipped, item.Status)
	assert.Equal(t, SkipReasonFeatureDisabled, item.LastError)
	assert.Equal(t, Skipped{Reason: SkipReasonFeatureDisabled}, item.State())
	assert.Equal(t, 0, env.sms.calls())
}

func TestProcessor_UnknownCompanyIsDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.repo.put(&QueueItem{
		ID:               "orphan",
		CompanyID:        "gone",
		RecipientType:    domain.RecipientTypeTenant,
		RecipientID:      testTenantID,
		NotificationType: domain.NotificationTypeBillingIssued,
		Channel:          domain.ChannelEmail,
		TemplateData:     billingData(),
		Status:           QueueStatusPending,
		ScheduledAt:      testStart,
		CreatedAt:        testStart,
	})

	_, err := env.processor.ProcessQueue(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, QueueStatusSkipped, env.repo.get(t, "orphan").Status)
}

func TestProcessor_ContactRemovedAfterEnqueue(t *testing.T) {
	env := newTestEnv(t)
	res := env.enqueue(t, domain.NotificationTypeBillingIssued, domain.ChannelEmail, billingData())

	env.recipients.set(&domain.Recipient{ID: testTenantID, CompanyID: testCompanyID, Type: domain.RecipientTypeTenant})

	result, err := env.processor.ProcessQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)

	item := env.repo.get(t, res.ItemID)
	assert.Equal(t, QueueStatusSkipped, item.Status)
	assert.Equal(t, SkipReasonNoContactInfo, item.LastError)
	assert.Equal(t, 0, env.email.calls())
}

func TestProcessor_UnknownTypeFailsImmediately(t *testing.T) {
	env := newTestEnv(t)
	env.repo.put(&QueueItem{
		ID:               "legacy",
		CompanyID:        testCompanyID,
		RecipientType:    domain.RecipientTypeTenant,
		RecipientID:      testTenantID,
		NotificationType: "rent_increase",
		Channel:          domain.ChannelEmail,
		TemplateData:     map[string]any{},
		Status:           QueueStatusPending,
		ScheduledAt:      testStart,
		CreatedAt:        testStart,
	})

	result, err := env.processor.ProcessQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, ProcessResult{Processed: 1, Failed: 1}, result)

	item := env.repo.get(t, "legacy")
	assert.Equal(t, QueueStatusFailed, item.Status)
	assert.Equal(t, 0, item.Attempts)
	assert.Contains(t, item.LastError, "unknown notification type")
	assert.Equal(t, 0, env.email.calls())
}

func TestProcessor_MissingTemplateFieldFailsImmediately(t *testing.T) {
	env := newTestEnv(t)
	res := env.enqueue(t, domain.NotificationTypeBillingIssued, domain.ChannelEmail, map[string]any{"tenant_name": "Jane"})

	result, err := env.processor.ProcessQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	item := env.repo.get(t, res.ItemID)
	assert.Equal(t, QueueStatusFailed, item.Status)
	assert.Contains(t, item.LastError, "render:")
	assert.Equal(t, 0, env.email.calls())
}

func TestProcessor_PermanentSendErrorConsumesOneAttempt(t *testing.T) {
	env := newTestEnv(t)
	env.email.err = NewNonRetryableError(errors.New("550 mailbox does not exist"))
	res := env.enqueue(t, domain.NotificationTypeBillingIssued, domain.ChannelEmail, billingData())

	result, err := env.processor.ProcessQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retried)

	item := env.repo.get(t, res.ItemID)
	assert.Equal(t, QueueStatusPending, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.Equal(t, "permanent: 550 mailbox does not exist", item.LastError)
}

func TestProcessor_SendTimeoutIsAFailure(t *testing.T) {
	env := newTestEnv(t)
	slow := &blockingSender{channel: domain.ChannelEmail}
	env.processor.dispatcher = NewDispatcher(DispatcherConfig{SendTimeout: 20 * time.Millisecond}, slow)
	res := env.enqueue(t, domain.NotificationTypeBillingIssued, domain.ChannelEmail, billingData())

	result, err := env.processor.ProcessQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retried)

	item := env.repo.get(t, res.ItemID)
	assert.Equal(t, 1, item.Attempts)
	assert.Contains(t, item.LastError, context.DeadlineExceeded.Error())
}

type blockingSender struct {
	channel domain.Channel
}

func (s *blockingSender) Channel() domain.Channel { return s.channel }

func (s *blockingSender) Send(ctx context.Context, _ Message) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestProcessor_LookupErrorDefersItem(t *testing.T) {
	env := newTestEnv(t)
	res := env.enqueue(t, domain.NotificationTypeBillingIssued, domain.ChannelEmail, billingData())
	env.features.err = errors.New("replica lag")

	result, err := env.processor.ProcessQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, ProcessResult{Processed: 1, Deferred: 1}, result)

	item := env.repo.get(t, res.ItemID)
	assert.Equal(t, QueueStatusPending, item.Status)
	assert.Equal(t, 0, item.Attempts)

	// Claimed items are not picked up again until the claim expires.
	env.features.err = nil
	result, err = env.processor.ProcessQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)

	env.clock.Advance(DefaultProcessorConfig().ClaimTTL)
	result, err = env.processor.ProcessQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
}

func TestProcessor_ClaimFailure(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, domain.NotificationTypeBillingIssued, domain.ChannelEmail, billingData())
	env.repo.claimErr = errors.New("connection refused")

	result, err := env.processor.ProcessQueue(context.Background(), 0)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, ProcessResult{}, result)
	assert.Equal(t, 0, env.email.calls())
}

func TestProcessor_StaleTransitionIsDeferred(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, domain.NotificationTypeBillingIssued, domain.ChannelEmail, billingData())
	env.repo.applyErr = ErrStaleItem

	result, err := env.processor.ProcessQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, ProcessResult{Processed: 1, Deferred: 1}, result)
}

func TestProcessor_TerminalItemsAreNeverTouched(t *testing.T) {
	env := newTestEnv(t)
	sentAt := testStart.Add(-time.Hour)
	terminal := []*QueueItem{
		{ID: "sent", Status: QueueStatusSent, SentAt: &sentAt, ProviderMessageID: "p-1"},
		{ID: "failed", Status: QueueStatusFailed, Attempts: 3, LastError: "boom"},
		{ID: "skipped", Status: QueueStatusSkipped, LastError: SkipReasonDuplicate},
	}
	for _, item := range terminal {
		item.CompanyID = testCompanyID
		item.RecipientType = domain.RecipientTypeTenant
		item.RecipientID = testTenantID
		item.NotificationType = domain.NotificationTypeBillingIssued
		item.Channel = domain.ChannelEmail
		item.TemplateData = billingData()
		item.ScheduledAt = testStart.Add(-2 * time.Hour)
		item.CreatedAt = testStart.Add(-2 * time.Hour)
		env.repo.put(item)
	}

	result, err := env.processor.ProcessQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)

	for _, want := range terminal {
		got := env.repo.get(t, want.ID)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("item %s changed (-want +got):\n%s", want.ID, diff)
		}

		err := env.repo.ApplyTransition(context.Background(), Transition{
			ItemID:       want.ID,
			FromAttempts: want.Attempts,
			To:           Pending{Attempts: 0, ScheduledAt: testStart},
		})
		assert.ErrorIs(t, err, ErrStaleItem)
	}
}

func TestProcessor_LimitAndOrder(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		env.repo.put(&QueueItem{
			ID:               fmt.Sprintf("item-%d", i),
			CompanyID:        testCompanyID,
			RecipientType:    domain.RecipientTypeTenant,
			RecipientID:      testTenantID,
			NotificationType: domain.NotificationTypeBillingIssued,
			Channel:          domain.ChannelEmail,
			TemplateData:     billingData(),
			Status:           QueueStatusPending,
			// item-4 is the oldest.
			ScheduledAt: testStart.Add(-time.Duration(i) * time.Minute),
			CreatedAt:   testStart,
		})
	}

	result, err := env.processor.ProcessQueue(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Sent)

	assert.Equal(t, QueueStatusSent, env.repo.get(t, "item-4").Status)
	assert.Equal(t, QueueStatusSent, env.repo.get(t, "item-3").Status)
	assert.Equal(t, QueueStatusPending, env.repo.get(t, "item-0").Status)
}

func TestProcessor_ParallelDistinctItems(t *testing.T) {
	env := newTestEnv(t)
	env.processor.config.Concurrency = 4
	for i := 0; i < 20; i++ {
		env.repo.put(&QueueItem{
			ID:               fmt.Sprintf("item-%02d", i),
			CompanyID:        testCompanyID,
			RecipientType:    domain.RecipientTypeTenant,
			RecipientID:      testTenantID,
			NotificationType: domain.NotificationTypeBillingIssued,
			Channel:          domain.ChannelEmail,
			TemplateData:     billingData(),
			Status:           QueueStatusPending,
			ScheduledAt:      testStart,
			CreatedAt:        testStart,
		})
	}

	result, err := env.processor.ProcessQueue(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, ProcessResult{Processed: 20, Sent: 20}, result)
	assert.Equal(t, 20, env.email.calls())
}

func TestProcessor_RetryFailed(t *testing.T) {
	env := newTestEnv(t)
	env.email.err = errors.New("smtp down")
	res := env.enqueue(t, domain.NotificationTypeBillingIssued, domain.ChannelEmail, billingData())

	for i := 0; i < MaxRetryAttempts; i++ {
		_, err := env.processor.ProcessQueue(context.Background(), 0)
		require.NoError(t, err)
		env.clock.Advance(RetryDelay)
	}
	require.Equal(t, QueueStatusFailed, env.repo.get(t, res.ItemID).Status)

	n, err := env.processor.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	item := env.repo.get(t, res.ItemID)
	assert.Equal(t, QueueStatusPending, item.Status)
	assert.Equal(t, 0, item.Attempts)
	assert.Equal(t, env.clock.Now().Add(RetryDelay), item.ScheduledAt)
	assert.Nil(t, item.SentAt)

	env.email.err = nil
	result, err := env.processor.ProcessQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)

	env.clock.Advance(RetryDelay)
	result, err = env.processor.ProcessQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
}

func TestProcessor_RetryFailedReadmitsRenderFailure(t *testing.T) {
	env := newTestEnv(t)
	res := env.enqueue(t, domain.NotificationTypeBillingIssued, domain.ChannelEmail, map[string]any{"tenant_name": "Jane"})

	_, err := env.processor.ProcessQueue(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, QueueStatusFailed, env.repo.get(t, res.ItemID).Status)

	n, err := env.processor.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 0, env.repo.get(t, res.ItemID).Attempts)

	env.clock.Advance(RetryDelay)
	result, err := env.processor.ProcessQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, ProcessResult{Processed: 1, Failed: 1}, result)

	item := env.repo.get(t, res.ItemID)
	assert.Equal(t, QueueStatusFailed, item.Status)
	assert.Contains(t, item.LastError, "render:")
	assert.Equal(t, 0, env.email.calls())
}
