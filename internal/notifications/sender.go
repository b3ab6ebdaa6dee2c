package notifications

import (
	"context"

	"github.com/bissquit/tenant-notify/internal/domain"
)

// Message is a rendered notification ready to send.
// Subject and HTML are empty for SMS.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers messages over one channel.
type Sender interface {
	Channel() domain.Channel
	// Send delivers the message and returns the provider message ID, if any.
	// Errors implementing IsRetryable() bool are classified accordingly.
	Send(ctx context.Context, msg Message) (string, error)
}
