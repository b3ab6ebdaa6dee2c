package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bissquit/tenant-notify/internal/domain"
	"github.com/go-playground/validator/v10"
)

// Phone number digit limits (E.164).
const (
	minPhoneDigits = 8
	maxPhoneDigits = 15
)

// ContactValidator resolves the destination address for a recipient and
// channel.
type ContactValidator struct {
	recipients         RecipientLookup
	validate           *validator.Validate
	defaultCountryCode string
}

// NewContactValidator creates a new contact validator. defaultCountryCode is
// the calling code (without "+") applied to national phone numbers; empty
// disables conversion of national numbers.
func NewContactValidator(recipients RecipientLookup, defaultCountryCode string) *ContactValidator {
	return &ContactValidator{
		recipients:         recipients,
		validate:           validator.New(),
		defaultCountryCode: strings.TrimPrefix(defaultCountryCode, "+"),
	}
}

// Resolve returns the canonical destination for the recipient on the channel.
// Returns ErrNoContactInfo if the recipient does not exist or has no usable
// address for the channel.
func (v *ContactValidator) Resolve(ctx context.Context, companyID string, recipientType domain.RecipientType, recipientID string, channel domain.Channel) (string, error) {
	recipient, err := v.recipients.GetRecipient(ctx, companyID, recipientType, recipientID)
	if err != nil {
		if errors.Is(err, ErrRecipientNotFound) {
			return "", ErrNoContactInfo
		}
		return "", fmt.Errorf("get recipient: %w", err)
	}

	switch channel {
	case domain.ChannelEmail:
		addr, ok := v.NormalizeEmail(recipient.Email)
		if !ok {
			return "", ErrNoContactInfo
		}
		return addr, nil
	case domain.ChannelSMS:
		phone, ok := NormalizePhone(recipient.Phone, v.defaultCountryCode)
		if !ok {
			return "", ErrNoContactInfo
		}
		return phone, nil
	}
	return "", ErrNoContactInfo
}

// NormalizeEmail trims the address and checks its syntax.
func (v *ContactValidator) NormalizeEmail(raw string) (string, bool) {
	addr := strings.TrimSpace(raw)
	if err := v.validate.Var(addr, "required,email"); err != nil {
		return "", false
	}
	return addr, true
}

// NormalizePhone converts a phone number to E.164 form ("+" and digits).
// Accepted inputs: international numbers with "+" or "00" prefix, national
// numbers with a trunk "0" prefix, and bare national numbers. The last two
// require countryCode. Spaces, dashes, dots and parentheses are ignored.
func NormalizePhone(raw, countryCode string) (string, bool) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", false
		}
	}
	s := b.String()

	var digits string
	switch {
	case strings.HasPrefix(s, "+"):
		digits = s[1:]
	case strings.HasPrefix(s, "00"):
		digits = s[2:]
	case strings.HasPrefix(s, "0"):
		if countryCode == "" {
			return "", false
		}
		digits = countryCode + s[1:]
	default:
		if countryCode == "" {
			return "", false
		}
		digits = countryCode + s
	}

	if len(digits) < minPhoneDigits || len(digits) > maxPhoneDigits || digits[0] == '0' {
		return "", false
	}
	return "+" + digits, true
}
