package domain

// NotificationType identifies a business event the queue can deliver.
type NotificationType string

// Notification types.
const (
	NotificationTypeBillingIssued     NotificationType = "billing_issued"
	NotificationTypePaymentReminder   NotificationType = "payment_reminder"
	NotificationTypeOverdueNotice     NotificationType = "overdue_notice"
	NotificationTypePaymentConfirmed  NotificationType = "payment_confirmed"
	NotificationTypeLeaseExpiring     NotificationType = "lease_expiring"
	NotificationTypeMaintenanceUpdate NotificationType = "maintenance_update"
	NotificationTypeAccountCreated    NotificationType = "account_created"
)

// AllNotificationTypes returns every notification type in declaration order.
func AllNotificationTypes() []NotificationType {
	return []NotificationType{
		NotificationTypeBillingIssued,
		NotificationTypePaymentReminder,
		NotificationTypeOverdueNotice,
		NotificationTypePaymentConfirmed,
		NotificationTypeLeaseExpiring,
		NotificationTypeMaintenanceUpdate,
		NotificationTypeAccountCreated,
	}
}

// IsValid checks if the notification type is one of the known types.
func (t NotificationType) IsValid() bool {
	switch t {
	case NotificationTypeBillingIssued, NotificationTypePaymentReminder,
		NotificationTypeOverdueNotice, NotificationTypePaymentConfirmed,
		NotificationTypeLeaseExpiring, NotificationTypeMaintenanceUpdate,
		NotificationTypeAccountCreated:
		return true
	}
	return false
}

// Channel is a delivery medium handled by the queue.
type Channel string

// Channels.
const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// IsValid checks if the channel is supported by the queue.
func (c Channel) IsValid() bool {
	return c == ChannelEmail || c == ChannelSMS
}

// RecipientType identifies which recipient table a recipient ID refers to.
type RecipientType string

// Recipient types.
const (
	RecipientTypeTenant      RecipientType = "tenant"
	RecipientTypeCompanyUser RecipientType = "company_user"
)

// IsValid checks if the recipient type is valid.
func (r RecipientType) IsValid() bool {
	return r == RecipientTypeTenant || r == RecipientTypeCompanyUser
}
