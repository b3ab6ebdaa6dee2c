package notifications

import (
	"time"

	"github.com/bissquit/tenant-notify/internal/domain"
)

// Payload is typed template data for one notification type.
type Payload interface {
	NotificationType() domain.NotificationType
	TemplateData() map[string]any
}

// Dates are stored as RFC 3339 strings so the payload survives a JSON round trip.
func dateValue(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func putOptional(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

// BillingIssuedData contains data for a new invoice notification.
type BillingIssuedData struct {
	TenantName    string
	CompanyName   string
	PropertyName  string
	InvoiceNumber string
	Amount        float64
	Currency      string
	DueDate       time.Time
	PaymentURL    string
}

// NotificationType implements Payload.
func (BillingIssuedData) NotificationType() domain.NotificationType {
	return domain.NotificationTypeBillingIssued
}

// TemplateData implements Payload.
func (d BillingIssuedData) TemplateData() map[string]any {
	m := map[string]any{
		"tenant_name":    d.TenantName,
		"invoice_number": d.InvoiceNumber,
		"amount":         d.Amount,
		"currency":       d.Currency,
		"due_date":       dateValue(d.DueDate),
	}
	putOptional(m, "company_name", d.CompanyName)
	putOptional(m, "property_name", d.PropertyName)
	putOptional(m, "payment_url", d.PaymentURL)
	return m
}

// PaymentReminderData contains data for an upcoming due date reminder.
type PaymentReminderData struct {
	TenantName    string
	InvoiceNumber string
	Amount        float64
	Currency      string
	DueDate       time.Time
	PaymentURL    string
}

// NotificationType implements Payload.
func (PaymentReminderData) NotificationType() domain.NotificationType {
	return domain.NotificationTypePaymentReminder
}

// TemplateData implements Payload.
func (d PaymentReminderData) TemplateData() map[string]any {
	m := map[string]any{
		"tenant_name":    d.TenantName,
		"invoice_number": d.InvoiceNumber,
		"amount":         d.Amount,
		"currency":       d.Currency,
		"due_date":       dateValue(d.DueDate),
	}
	putOptional(m, "payment_url", d.PaymentURL)
	return m
}

// OverdueNoticeData contains data for an overdue invoice notice.
type OverdueNoticeData struct {
	TenantName    string
	InvoiceNumber string
	Amount        float64
	Currency      string
	DueDate       time.Time
	DaysOverdue   int
	PaymentURL    string
}

// NotificationType implements Payload.
func (OverdueNoticeData) NotificationType() domain.NotificationType {
	return domain.NotificationTypeOverdueNotice
}

// TemplateData implements Payload.
func (d OverdueNoticeData) TemplateData() map[string]any {
	m := map[string]any{
		"tenant_name":    d.TenantName,
		"invoice_number": d.InvoiceNumber,
		"amount":         d.Amount,
		"currency":       d.Currency,
		"due_date":       dateValue(d.DueDate),
		"days_overdue":   d.DaysOverdue,
	}
	putOptional(m, "payment_url", d.PaymentURL)
	return m
}

// PaymentConfirmedData contains data for a payment receipt.
type PaymentConfirmedData struct {
	TenantName    string
	InvoiceNumber string
	Amount        float64
	Currency      string
	PaidAt        time.Time
	Reference     string
}

// NotificationType implements Payload.
func (PaymentConfirmedData) NotificationType() domain.NotificationType {
	return domain.NotificationTypePaymentConfirmed
}

// TemplateData implements Payload.
func (d PaymentConfirmedData) TemplateData() map[string]any {
	m := map[string]any{
		"tenant_name": d.TenantName,
		"amount":      d.Amount,
		"currency":    d.Currency,
		"paid_at":     dateValue(d.PaidAt),
	}
	putOptional(m, "invoice_number", d.InvoiceNumber)
	putOptional(m, "reference", d.Reference)
	return m
}

// LeaseExpiringData contains data for a lease expiry warning.
type LeaseExpiringData struct {
	TenantName    string
	PropertyName  string
	UnitName      string
	EndDate       time.Time
	DaysRemaining int
}

// NotificationType implements Payload.
func (LeaseExpiringData) NotificationType() domain.NotificationType {
	return domain.NotificationTypeLeaseExpiring
}

// TemplateData implements Payload.
func (d LeaseExpiringData) TemplateData() map[string]any {
	m := map[string]any{
		"tenant_name":    d.TenantName,
		"property_name":  d.PropertyName,
		"end_date":       dateValue(d.EndDate),
		"days_remaining": d.DaysRemaining,
	}
	putOptional(m, "unit_name", d.UnitName)
	return m
}

// MaintenanceUpdateData contains data for a maintenance request status change.
type MaintenanceUpdateData struct {
	RecipientName string
	PropertyName  string
	RequestTitle  string
	Status        string
	Message       string
}

// NotificationType implements Payload.
func (MaintenanceUpdateData) NotificationType() domain.NotificationType {
	return domain.NotificationTypeMaintenanceUpdate
}

// TemplateData implements Payload.
func (d MaintenanceUpdateData) TemplateData() map[string]any {
	m := map[string]any{
		"recipient_name": d.RecipientName,
		"request_title":  d.RequestTitle,
		"status":         d.Status,
	}
	putOptional(m, "property_name", d.PropertyName)
	putOptional(m, "message", d.Message)
	return m
}

// AccountCreatedData contains data for a welcome message.
type AccountCreatedData struct {
	Name        string
	CompanyName string
	LoginURL    string
}

// NotificationType implements Payload.
func (AccountCreatedData) NotificationType() domain.NotificationType {
	return domain.NotificationTypeAccountCreated
}

// TemplateData implements Payload.
func (d AccountCreatedData) TemplateData() map[string]any {
	m := map[string]any{
		"name":         d.Name,
		"company_name": d.CompanyName,
	}
	putOptional(m, "login_url", d.LoginURL)
	return m
}
