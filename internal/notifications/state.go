package notifications

import "time"

// ItemState is the lifecycle state of a queue item. The concrete types are
// Pending, Sent, Failed and Skipped; no other implementations exist.
type ItemState interface {
	Status() QueueStatus
	isItemState()
}

// Pending is the only state the processor picks items up from.
type Pending struct {
	Attempts    int
	ScheduledAt time.Time
	LastError   string
}

// Sent is terminal.
type Sent struct {
	SentAt            time.Time
	ProviderMessageID string
}

// Failed is terminal until an operator retry sweep re-admits the item.
type Failed struct {
	Attempts  int
	LastError string
}

// Skipped is terminal. Reason is one of the SkipReason constants.
type Skipped struct {
	Reason string
}

func (Pending) Status() QueueStatus { return QueueStatusPending }
func (Sent) Status() QueueStatus    { return QueueStatusSent }
func (Failed) Status() QueueStatus  { return QueueStatusFailed }
func (Skipped) Status() QueueStatus { return QueueStatusSkipped }

func (Pending) isItemState() {}
func (Sent) isItemState()    {}
func (Failed) isItemState()  {}
func (Skipped) isItemState() {}

// State returns the typed lifecycle state of the item.
func (i *QueueItem) State() ItemState {
	switch i.Status {
	case QueueStatusSent:
		s := Sent{ProviderMessageID: i.ProviderMessageID}
		if i.SentAt != nil {
			s.SentAt = *i.SentAt
		}
		return s
	case QueueStatusFailed:
		return Failed{Attempts: i.Attempts, LastError: i.LastError}
	case QueueStatusSkipped:
		return Skipped{Reason: i.LastError}
	default:
		return Pending{Attempts: i.Attempts, ScheduledAt: i.ScheduledAt, LastError: i.LastError}
	}
}

// Transition moves one claimed pending item to its next state.
// FromAttempts is the attempts value observed when the item was claimed;
// stores apply the transition only if the row is still pending with that
// value.
type Transition struct {
	ItemID       string
	FromAttempts int
	To           ItemState
}

// TransitionColumns is the flattened row update for a transition.
// A nil ScheduledAt keeps the stored value.
type TransitionColumns struct {
	Status            QueueStatus
	Attempts          int
	ScheduledAt       *time.Time
	SentAt            *time.Time
	LastError         string
	ProviderMessageID string
}

// Columns flattens the target state into row values.
func (t Transition) Columns() TransitionColumns {
	c := TransitionColumns{Status: t.To.Status(), Attempts: t.FromAttempts}
	switch s := t.To.(type) {
	case Pending:
		scheduled := s.ScheduledAt
		c.Attempts = s.Attempts
		c.ScheduledAt = &scheduled
		c.LastError = s.LastError
	case Sent:
		sentAt := s.SentAt
		c.SentAt = &sentAt
		c.ProviderMessageID = s.ProviderMessageID
	case Failed:
		c.Attempts = s.Attempts
		c.LastError = s.LastError
	case Skipped:
		c.LastError = s.Reason
	}
	return c
}

// ApplyTo writes the transition onto an in-memory item.
func (t Transition) ApplyTo(item *QueueItem) {
	c := t.Columns()
	item.Status = c.Status
	item.Attempts = c.Attempts
	if c.ScheduledAt != nil {
		item.ScheduledAt = *c.ScheduledAt
	}
	item.SentAt = c.SentAt
	item.LastError = c.LastError
	item.ProviderMessageID = c.ProviderMessageID
}

// nextAfterFailure computes the state after a failed send attempt.
// The retry time never moves scheduled_at backwards.
func nextAfterFailure(item *QueueItem, now time.Time, delay time.Duration, maxAttempts int, sendErr string) ItemState {
	attempts := item.Attempts + 1
	if attempts >= maxAttempts {
		return Failed{Attempts: attempts, LastError: sendErr}
	}
	next := now.Add(delay)
	if next.Before(item.ScheduledAt) {
		next = item.ScheduledAt
	}
	return Pending{Attempts: attempts, ScheduledAt: next, LastError: sendErr}
}
