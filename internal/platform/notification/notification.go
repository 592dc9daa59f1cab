// Package notification delivers WhatsApp template messages and keeps an
// in-memory record of every delivery attempt.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Templates approved on the WhatsApp Business account.
const (
	TemplateMedicationReminder = "medication_reminder_v3"
	TemplateRefillReminder     = "refill_reminder_v1"
)

var (
	ErrMissingRecipient = errors.New("notification: recipient phone is required")
	ErrMissingTemplate  = errors.New("notification: template name is required")
	ErrNotConfigured    = errors.New("notification: whatsapp credentials are not configured")
)

// ---------------------------------------------------------------------------
// Notification
// ---------------------------------------------------------------------------

// Status values for a Notification.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Notification records a single outbound template message.
type Notification struct {
	ID        string     `json:"id"`
	Recipient string     `json:"recipient"`
	Template  string     `json:"template"`
	Params    []string   `json:"params,omitempty"`
	Status    string     `json:"status"`
	Attempts  int        `json:"attempts"`
	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// ---------------------------------------------------------------------------
// Sender
// ---------------------------------------------------------------------------

// Sender delivers a template message with positional body parameters.
type Sender interface {
	SendTemplate(ctx context.Context, phone, template string, params []string) error
}

// SendError is returned by senders when the provider rejects a message.
type SendError struct {
	StatusCode int
	Message    string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("notification: provider returned %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the failure is worth retrying.
func (e *SendError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return !errors.Is(err, ErrMissingRecipient) && !errors.Is(err, ErrMissingTemplate) && !errors.Is(err, ErrNotConfigured)
}

// IsPermanent reports whether err will recur on every later attempt, such as
// a rejected template or a missing recipient.
func IsPermanent(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return !se.Temporary()
	}
	return errors.Is(err, ErrMissingRecipient) || errors.Is(err, ErrMissingTemplate) || errors.Is(err, ErrNotConfigured)
}

// ---------------------------------------------------------------------------
// Mock Sender (test double)
// ---------------------------------------------------------------------------

// TemplateCall records a single call to SendTemplate.
type TemplateCall struct {
	Phone    string
	Template string
	Params   []string
}

// MockSender is a test double for Sender.
type MockSender struct {
	mu         sync.Mutex
	calls      []TemplateCall
	ShouldFail bool
	FailError  error
}

// SendTemplate records the call and optionally returns an error.
func (m *MockSender) SendTemplate(_ context.Context, phone, template string, params []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, TemplateCall{Phone: phone, Template: template, Params: append([]string(nil), params...)})
	if m.ShouldFail {
		if m.FailError != nil {
			return m.FailError
		}
		return errors.New("mock send failure")
	}
	return nil
}

// Calls returns a copy of recorded calls.
func (m *MockSender) Calls() []TemplateCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TemplateCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxAttempts sets how many times a retryable failure is attempted.
func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the pause between attempts.
func WithRetryDelay(delay time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.retryDelay = delay }
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// Dispatcher sends template messages through a Sender, retries transient
// failures and keeps the outcome of each delivery in memory.
type Dispatcher struct {
	sender      Sender
	maxAttempts int
	retryDelay  time.Duration
	logger      zerolog.Logger

	mu            sync.RWMutex
	notifications map[string]*Notification
	order         []string
}

// NewDispatcher constructs a Dispatcher around sender.
func NewDispatcher(sender Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sender:        sender,
		maxAttempts:   3,
		retryDelay:    2 * time.Second,
		logger:        zerolog.Nop(),
		notifications: make(map[string]*Notification),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Send delivers template to phone. The returned Notification is recorded
// whether or not delivery succeeded.
func (d *Dispatcher) Send(ctx context.Context, phone, template string, params []string) (*Notification, error) {
	n := &Notification{
		ID:        uuid.New().String(),
		Recipient: phone,
		Template:  template,
		Params:    append([]string(nil), params...),
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	var sendErr error
	switch {
	case phone == "":
		sendErr = ErrMissingRecipient
	case template == "":
		sendErr = ErrMissingTemplate
	default:
		sendErr = d.deliver(ctx, n)
	}

	d.mu.Lock()
	if sendErr != nil {
		n.Status = StatusFailed
		n.Error = sendErr.Error()
	} else {
		n.Status = StatusSent
		sentAt := time.Now().UTC()
		n.SentAt = &sentAt
	}
	d.notifications[n.ID] = n
	d.order = append(d.order, n.ID)
	d.mu.Unlock()

	if sendErr != nil {
		d.logger.Warn().Err(sendErr).
			Str("template", template).
			Int("attempts", n.Attempts).
			Msg("template message not delivered")
		return n, sendErr
	}
	d.logger.Info().Str("template", template).Str("notification_id", n.ID).Msg("template message sent")
	return n, nil
}

func (d *Dispatcher) deliver(ctx context.Context, n *Notification) error {
	var err error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		n.Attempts = attempt
		err = d.sender.SendTemplate(ctx, n.Recipient, n.Template, n.Params)
		if err == nil || !retryable(err) || attempt == d.maxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.retryDelay):
		}
	}
	return err
}

// Get retrieves a notification by ID.
func (d *Dispatcher) Get(id string) (*Notification, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.notifications[id]
	return n, ok
}

// ListByRecipient returns up to limit notifications for phone, newest first.
func (d *Dispatcher) ListByRecipient(phone string, limit int) []*Notification {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var result []*Notification
	for i := len(d.order) - 1; i >= 0; i-- {
		n := d.notifications[d.order[i]]
		if n.Recipient != phone {
			continue
		}
		result = append(result, n)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result
}

// Stats returns counts of notifications grouped by status.
func (d *Dispatcher) Stats() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := make(map[string]int)
	for _, n := range d.notifications {
		stats[n.Status]++
	}
	return stats
}
