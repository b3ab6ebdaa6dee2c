package domain

import "time"

// Company is the owning tenant organisation of a property portfolio.
// Only the fields the notification queue reads are modelled here.
type Company struct {
	ID                 string
	Name               string
	EmailNotifications bool
	SMSNotifications   bool
	UpdatedAt          time.Time
}

// CompanyFeatures holds the channel-level switches of a company.
type CompanyFeatures struct {
	EmailNotifications bool
	SMSNotifications   bool
}

// Features returns the channel switches of the company.
func (c *Company) Features() CompanyFeatures {
	return CompanyFeatures{
		EmailNotifications: c.EmailNotifications,
		SMSNotifications:   c.SMSNotifications,
	}
}

// ChannelEnabled reports whether the given channel is switched on.
func (f CompanyFeatures) ChannelEnabled(ch Channel) bool {
	switch ch {
	case ChannelEmail:
		return f.EmailNotifications
	case ChannelSMS:
		return f.SMSNotifications
	}
	return false
}
