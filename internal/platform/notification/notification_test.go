package notification

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type flakySender struct {
	failures int32
	err      error
	calls    int32
}

func (f *flakySender) SendTemplate(_ context.Context, _, _ string, _ []string) error {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failures {
		return f.err
	}
	return nil
}

func TestMockSender_RecordsCalls(t *testing.T) {
	m := &MockSender{}
	if err := m.SendTemplate(context.Background(), "+15550001111", TemplateMedicationReminder, []string{"Asha", "Metformin"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := m.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Params[1] != "Metformin" {
		t.Errorf("expected Metformin, got %s", calls[0].Params[1])
	}
}

func TestDispatcher_SendSuccess(t *testing.T) {
	m := &MockSender{}
	d := NewDispatcher(m)

	n, err := d.Send(context.Background(), "+15550001111", TemplateRefillReminder, []string{"Asha", "Metformin"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Status != StatusSent {
		t.Errorf("expected status sent, got %s", n.Status)
	}
	if n.SentAt == nil {
		t.Error("expected SentAt to be set")
	}
	if got, ok := d.Get(n.ID); !ok || got != n {
		t.Error("expected notification to be retrievable by ID")
	}
}

func TestDispatcher_MissingRecipient(t *testing.T) {
	m := &MockSender{}
	d := NewDispatcher(m)

	n, err := d.Send(context.Background(), "", TemplateRefillReminder, nil)
	if !errors.Is(err, ErrMissingRecipient) {
		t.Fatalf("expected ErrMissingRecipient, got %v", err)
	}
	if n.Status != StatusFailed {
		t.Errorf("expected failed, got %s", n.Status)
	}
	if len(m.Calls()) != 0 {
		t.Error("sender should not be called without a recipient")
	}
}

func TestDispatcher_RetriesTransientFailure(t *testing.T) {
	s := &flakySender{failures: 2, err: &SendError{StatusCode: 503, Message: "unavailable"}}
	d := NewDispatcher(s, WithMaxAttempts(3), WithRetryDelay(time.Millisecond))

	n, err := d.Send(context.Background(), "+15550001111", TemplateMedicationReminder, []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", n.Attempts)
	}
}

func TestDispatcher_NoRetryOnClientError(t *testing.T) {
	s := &flakySender{failures: 5, err: &SendError{StatusCode: 400, Message: "bad template"}}
	d := NewDispatcher(s, WithMaxAttempts(3), WithRetryDelay(time.Millisecond))

	n, err := d.Send(context.Background(), "+15550001111", "unknown_template", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if n.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", n.Attempts)
	}
	if n.Error == "" {
		t.Error("expected error message to be recorded")
	}
}

func TestDispatcher_ListAndStats(t *testing.T) {
	m := &MockSender{}
	d := NewDispatcher(m)
	ctx := context.Background()

	d.Send(ctx, "+111", TemplateMedicationReminder, nil)
	d.Send(ctx, "+111", TemplateRefillReminder, nil)
	d.Send(ctx, "+222", TemplateRefillReminder, nil)
	d.Send(ctx, "", TemplateRefillReminder, nil)

	list := d.ListByRecipient("+111", 10)
	if len(list) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(list))
	}
	if list[0].Template != TemplateRefillReminder {
		t.Errorf("expected newest first, got %s", list[0].Template)
	}
	if got := d.ListByRecipient("+111", 1); len(got) != 1 {
		t.Errorf("expected limit 1, got %d", len(got))
	}

	stats := d.Stats()
	if stats[StatusSent] != 3 {
		t.Errorf("expected 3 sent, got %d", stats[StatusSent])
	}
	if stats[StatusFailed] != 1 {
		t.Errorf("expected 1 failed, got %d", stats[StatusFailed])
	}
}

func TestSendError_Temporary(t *testing.T) {
	cases := map[int]bool{400: false, 401: false, 429: true, 500: true, 503: true}
	for code, want := range cases {
		e := &SendError{StatusCode: code}
		if e.Temporary() != want {
			t.Errorf("status %d: expected temporary=%v", code, want)
		}
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&SendError{StatusCode: 400, Message: "template not approved"}, true},
		{&SendError{StatusCode: 503, Message: "unavailable"}, false},
		{&SendError{StatusCode: 429, Message: "throttled"}, false},
		{ErrMissingRecipient, true},
		{ErrNotConfigured, true},
		{errors.New("connection reset"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsPermanent(tt.err); got != tt.want {
			t.Errorf("IsPermanent(%v): expected %v, got %v", tt.err, tt.want, got)
		}
	}
}
