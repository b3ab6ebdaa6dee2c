package notifications

import (
	"context"
	"time"

	"github.com/bissquit/tenant-notify/internal/domain"
)

// Target addresses one recipient of a company.
type Target struct {
	CompanyID     string
	RecipientType domain.RecipientType
	RecipientID   string
}

// Tenant returns a target for a tenant of the company.
func Tenant(companyID, tenantID string) Target {
	return Target{CompanyID: companyID, RecipientType: domain.RecipientTypeTenant, RecipientID: tenantID}
}

// CompanyUser returns a target for a staff member of the company.
func CompanyUser(companyID, userID string) Target {
	return Target{CompanyID: companyID, RecipientType: domain.RecipientTypeCompanyUser, RecipientID: userID}
}

// Notify enqueues a typed payload on each channel. With no channels the
// notification goes to every channel.
func (s *Service) Notify(ctx context.Context, to Target, payload Payload, channels ...domain.Channel) *BulkEnqueueResult {
	return s.notify(ctx, to, payload, nil, channels)
}

// NotifyAt is Notify with a delivery time.
func (s *Service) NotifyAt(ctx context.Context, to Target, payload Payload, at time.Time, channels ...domain.Channel) *BulkEnqueueResult {
	return s.notify(ctx, to, payload, &at, channels)
}

func (s *Service) notify(ctx context.Context, to Target, payload Payload, at *time.Time, channels []domain.Channel) *BulkEnqueueResult {
	if len(channels) == 0 {
		channels = []domain.Channel{domain.ChannelEmail, domain.ChannelSMS}
	}
	return s.EnqueueBulk(ctx, BulkEnqueueRequest{
		CompanyID:        to.CompanyID,
		RecipientType:    to.RecipientType,
		RecipientID:      to.RecipientID,
		NotificationType: payload.NotificationType(),
		Channels:         channels,
		TemplateData:     payload.TemplateData(),
		ScheduledAt:      at,
	})
}

// NotifyBillingIssued notifies a tenant about a new invoice.
func (s *Service) NotifyBillingIssued(ctx context.Context, to Target, data BillingIssuedData, channels ...domain.Channel) *BulkEnqueueResult {
	return s.Notify(ctx, to, data, channels...)
}

// NotifyPaymentReminder reminds a tenant about an upcoming due date.
func (s *Service) NotifyPaymentReminder(ctx context.Context, to Target, data PaymentReminderData, channels ...domain.Channel) *BulkEnqueueResult {
	return s.Notify(ctx, to, data, channels...)
}

// NotifyOverdue sends an overdue notice. Overdue notices repeat at most once
// per OverdueDedupWindow.
func (s *Service) NotifyOverdue(ctx context.Context, to Target, data OverdueNoticeData, channels ...domain.Channel) *BulkEnqueueResult {
	return s.Notify(ctx, to, data, channels...)
}

// NotifyPaymentConfirmed sends a payment receipt.
func (s *Service) NotifyPaymentConfirmed(ctx context.Context, to Target, data PaymentConfirmedData, channels ...domain.Channel) *BulkEnqueueResult {
	return s.Notify(ctx, to, data, channels...)
}

// NotifyLeaseExpiring warns a tenant that the lease ends soon.
func (s *Service) NotifyLeaseExpiring(ctx context.Context, to Target, data LeaseExpiringData, channels ...domain.Channel) *BulkEnqueueResult {
	return s.Notify(ctx, to, data, channels...)
}

// NotifyMaintenanceUpdate reports a maintenance request status change.
func (s *Service) NotifyMaintenanceUpdate(ctx context.Context, to Target, data MaintenanceUpdateData, channels ...domain.Channel) *BulkEnqueueResult {
	return s.Notify(ctx, to, data, channels...)
}

// NotifyAccountCreated welcomes a new tenant or company user.
func (s *Service) NotifyAccountCreated(ctx context.Context, to Target, data AccountCreatedData, channels ...domain.Channel) *BulkEnqueueResult {
	return s.Notify(ctx, to, data, channels...)
}
