package reminder

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vitalyze/vitalyze/internal/platform/notification"
)

func newTestScheduler(repo *mockRepo, sender *notification.MockSender) *Scheduler {
	d := notification.NewDispatcher(sender, notification.WithMaxAttempts(1))
	s := NewScheduler(repo, d, WithReconcileInterval(time.Minute))
	s.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return s
}

func TestScheduler_Reconcile(t *testing.T) {
	repo := newMockRepo()
	s := newTestScheduler(repo, &notification.MockSender{})
	ctx := context.Background()

	d := &DailyReminder{UserID: "u1", MedicineName: "Metformin", Timings: []Timing{Morning, Evening}, Active: true}
	repo.CreateDaily(ctx, d)
	repo.CreateDaily(ctx, &DailyReminder{UserID: "u2", MedicineName: "Aspirin", Timings: []Timing{Afternoon}, Active: true})
	repo.CreateDaily(ctx, &DailyReminder{UserID: "u3", MedicineName: "Old", Timings: []Timing{Morning}, Active: false})

	added, removed, err := s.Reconcile(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if added != 3 || removed != 0 {
		t.Errorf("expected 3 added 0 removed, got %d/%d", added, removed)
	}
	want := []string{
		"daily-reminder-u1-Metformin-evening",
		"daily-reminder-u1-Metformin-morning",
		"daily-reminder-u2-Aspirin-afternoon",
	}
	if got := s.Registrations(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if n := len(s.cron.Entries()); n != 3 {
		t.Errorf("expected 3 cron entries, got %d", n)
	}

	added, removed, _ = s.Reconcile(ctx)
	if added != 0 || removed != 0 {
		t.Errorf("expected second pass to be a no-op, got %d/%d", added, removed)
	}

	d.Active = false
	added, removed, _ = s.Reconcile(ctx)
	if added != 0 || removed != 2 {
		t.Errorf("expected 2 removed, got %d/%d", added, removed)
	}
	if n := len(s.cron.Entries()); n != 1 {
		t.Errorf("expected 1 cron entry left, got %d", n)
	}
}

func TestScheduler_SendDaily(t *testing.T) {
	repo := newMockRepo()
	sender := &notification.MockSender{}
	s := newTestScheduler(repo, sender)
	ctx := context.Background()
	repo.UpsertContact(ctx, &Contact{UserID: "u1", Name: "Asha", PhoneNumber: "+14155550123"})

	if err := s.SendDaily(ctx, "u1", "Metformin"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := sender.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Template != notification.TemplateMedicationReminder {
		t.Errorf("unexpected template %s", calls[0].Template)
	}
	if !reflect.DeepEqual(calls[0].Params, []string{"Asha", "Metformin"}) {
		t.Errorf("unexpected params %v", calls[0].Params)
	}

	if err := s.SendDaily(ctx, "nobody", "Metformin"); err == nil {
		t.Error("expected error for user without contact")
	}
}

func addRefill(repo *mockRepo, userID string, at time.Time) *RefillReminder {
	rf := &RefillReminder{UserID: userID, MedicineName: "Atorvastatin", InitialQuantity: 30, FrequencyPerDay: 1, RefillDate: at}
	repo.CreateRefill(context.Background(), rf)
	return rf
}

func TestScheduler_DispatchDueRefills(t *testing.T) {
	repo := newMockRepo()
	sender := &notification.MockSender{}
	s := newTestScheduler(repo, sender)
	ctx := context.Background()
	repo.UpsertContact(ctx, &Contact{UserID: "u1", Name: "Asha", PhoneNumber: "+14155550123"})

	due := addRefill(repo, "u1", s.now().Add(-time.Hour))
	future := addRefill(repo, "u1", s.now().Add(24*time.Hour))

	sent, err := s.DispatchDueRefills(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent != 1 {
		t.Errorf("expected 1 sent, got %d", sent)
	}
	if due.SentAt == nil {
		t.Error("expected due reminder marked sent")
	}
	if future.SentAt != nil {
		t.Error("expected future reminder untouched")
	}
	calls := sender.Calls()
	if len(calls) != 1 || calls[0].Template != notification.TemplateRefillReminder {
		t.Errorf("unexpected calls %+v", calls)
	}

	sent, _ = s.DispatchDueRefills(ctx)
	if sent != 0 || len(sender.Calls()) != 1 {
		t.Error("expected sent reminder not to be sent again")
	}
}

func TestScheduler_DispatchDueRefills_TransientFailureRetried(t *testing.T) {
	repo := newMockRepo()
	sender := &notification.MockSender{ShouldFail: true, FailError: &notification.SendError{StatusCode: 503, Message: "unavailable"}}
	s := newTestScheduler(repo, sender)
	ctx := context.Background()
	repo.UpsertContact(ctx, &Contact{UserID: "u1", Name: "Asha", PhoneNumber: "+14155550123"})
	rf := addRefill(repo, "u1", s.now().Add(-time.Minute))

	sent, _ := s.DispatchDueRefills(ctx)
	if sent != 0 || rf.SentAt != nil {
		t.Errorf("expected reminder left pending after transient failure, sent=%d", sent)
	}
}

func TestScheduler_DispatchDueRefills_PermanentFailureDropped(t *testing.T) {
	repo := newMockRepo()
	sender := &notification.MockSender{ShouldFail: true, FailError: &notification.SendError{StatusCode: 400, Message: "template not approved"}}
	s := newTestScheduler(repo, sender)
	ctx := context.Background()
	repo.UpsertContact(ctx, &Contact{UserID: "u1", Name: "Asha", PhoneNumber: "+14155550123"})
	rf := addRefill(repo, "u1", s.now().Add(-time.Minute))
	orphan := addRefill(repo, "ghost", s.now().Add(-time.Minute))

	sent, _ := s.DispatchDueRefills(ctx)
	if sent != 0 {
		t.Errorf("expected 0 sent, got %d", sent)
	}
	if rf.SentAt == nil || orphan.SentAt == nil {
		t.Error("expected permanently failing reminders to be closed out")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	repo := newMockRepo()
	s := newTestScheduler(repo, &notification.MockSender{})
	ctx := context.Background()
	repo.CreateDaily(ctx, &DailyReminder{ID: uuid.New(), UserID: "u1", MedicineName: "Metformin", Timings: []Timing{Morning}, Active: true})

	if err := s.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.Registrations()) != 1 {
		t.Errorf("expected initial reconcile on start, got %v", s.Registrations())
	}
	// Reconcile, refill dispatch and the one daily entry.
	if n := len(s.cron.Entries()); n != 3 {
		t.Errorf("expected 3 cron entries, got %d", n)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Errorf("unexpected stop error: %v", err)
	}
}
