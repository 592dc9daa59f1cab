package reminder

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// Reconciler is told when the set of daily reminders changes.
type Reconciler interface {
	Reconcile(ctx context.Context) (added, removed int, err error)
}

type Service struct {
	repo       Repository
	reconciler Reconciler
	now        func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// SetReconciler makes CreateDaily register new reminders immediately
// instead of waiting for the next reconciliation pass.
func (s *Service) SetReconciler(r Reconciler) {
	s.reconciler = r
}

func (s *Service) SetContact(ctx context.Context, userID, name, phone string) (*Contact, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	phone = strings.TrimSpace(phone)
	if !e164.MatchString(phone) {
		return nil, ErrInvalidPhone
	}
	c := &Contact{UserID: userID, Name: name, PhoneNumber: phone}
	if err := s.repo.UpsertContact(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) requireContact(ctx context.Context, userID string) error {
	_, err := s.repo.GetContact(ctx, userID)
	if errors.Is(err, ErrContactNotFound) {
		return ErrContactRequired
	}
	return err
}

// CreateDaily stores a daily reminder. Repeated timings are collapsed.
func (s *Service) CreateDaily(ctx context.Context, userID, medicine string, timings []Timing) (*DailyReminder, error) {
	medicine = strings.TrimSpace(medicine)
	if medicine == "" {
		return nil, fmt.Errorf("%w: medicine_name is required", ErrInvalid)
	}
	if len(timings) == 0 {
		return nil, fmt.Errorf("%w: at least one timing is required", ErrInvalid)
	}
	seen := make(map[Timing]bool, len(timings))
	var unique []Timing
	for _, t := range timings {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTiming, t)
		}
		if !seen[t] {
			seen[t] = true
			unique = append(unique, t)
		}
	}
	if err := s.requireContact(ctx, userID); err != nil {
		return nil, err
	}

	d := &DailyReminder{UserID: userID, MedicineName: medicine, Timings: unique, Active: true}
	if err := s.repo.CreateDaily(ctx, d); err != nil {
		return nil, err
	}
	if s.reconciler != nil {
		// The periodic pass picks the reminder up if this fails.
		s.reconciler.Reconcile(ctx)
	}
	return d, nil
}

// CreateRefill schedules a one-time refill reminder for when the supply is
// about to run out.
func (s *Service) CreateRefill(ctx context.Context, userID, medicine string, quantity, perDay int) (*RefillReminder, error) {
	medicine = strings.TrimSpace(medicine)
	if medicine == "" {
		return nil, fmt.Errorf("%w: medicine_name is required", ErrInvalid)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: initial_quantity must be greater than 0", ErrInvalid)
	}
	if perDay <= 0 {
		return nil, fmt.Errorf("%w: frequency_per_day must be greater than 0", ErrInvalid)
	}
	if quantity/perDay > MaxSupplyDays {
		return nil, fmt.Errorf("%w: supply must not exceed %d days", ErrInvalid, MaxSupplyDays)
	}
	if err := s.requireContact(ctx, userID); err != nil {
		return nil, err
	}

	rf := &RefillReminder{
		UserID:          userID,
		MedicineName:    medicine,
		InitialQuantity: quantity,
		FrequencyPerDay: perDay,
		RefillDate:      RefillDate(s.now().UTC(), quantity, perDay),
	}
	if err := s.repo.CreateRefill(ctx, rf); err != nil {
		return nil, err
	}
	return rf, nil
}

// Overview is a user's active reminders.
type Overview struct {
	Contact *Contact          `json:"contact,omitempty"`
	Daily   []*DailyReminder  `json:"daily"`
	Refill  []*RefillReminder `json:"refill"`
}

func (s *Service) List(ctx context.Context, userID string) (*Overview, error) {
	out := &Overview{Daily: []*DailyReminder{}, Refill: []*RefillReminder{}}

	c, err := s.repo.GetContact(ctx, userID)
	if err != nil && !errors.Is(err, ErrContactNotFound) {
		return nil, err
	}
	out.Contact = c

	daily, err := s.repo.ListDailyByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if daily != nil {
		out.Daily = daily
	}
	refill, err := s.repo.ListPendingRefillsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if refill != nil {
		out.Refill = refill
	}
	return out, nil
}
