package reminder

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/vitalyze/vitalyze/internal/platform/notification"
)

// Notifier delivers a WhatsApp template message.
type Notifier interface {
	Send(ctx context.Context, phone, template string, params []string) (*notification.Notification, error)
}

const sendTimeout = 30 * time.Second

// Scheduler keeps one cron entry per (daily reminder, timing) in step with
// the database, and sends due refill reminders once a minute.
type Scheduler struct {
	repo     Repository
	notifier Notifier
	logger   zerolog.Logger
	interval time.Duration
	loc      *time.Location
	now      func() time.Time

	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

type SchedulerOption func(*Scheduler)

// WithLocation sets the time zone daily timings are interpreted in.
func WithLocation(loc *time.Location) SchedulerOption {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithReconcileInterval sets how often registrations are re-diffed.
func WithReconcileInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithSchedulerLogger(l zerolog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = l
	}
}

func NewScheduler(repo Repository, notifier Notifier, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		repo:     repo,
		notifier: notifier,
		logger:   zerolog.Nop(),
		interval: 5 * time.Minute,
		loc:      time.UTC,
		now:      time.Now,
		entries:  make(map[string]cron.EntryID),
	}
	for _, o := range opts {
		o(s)
	}
	s.cron = newCron(s.loc, s.logger)
	return s
}

func newCron(loc *time.Location, logger zerolog.Logger) *cron.Cron {
	l := cronLogger{logger}
	return cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l)),
	)
}

// Start reconciles once, registers the housekeeping entries and starts the
// cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, _, err := s.Reconcile(ctx); err != nil {
		s.logger.Error().Err(err).Msg("initial reminder reconciliation failed")
	}
	if _, err := s.cron.AddFunc("@every "+s.interval.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if _, _, err := s.Reconcile(ctx); err != nil {
			s.logger.Error().Err(err).Msg("reminder reconciliation failed")
		}
	}); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("* * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.DispatchDueRefills(ctx); err != nil {
			s.logger.Error().Err(err).Msg("refill dispatch failed")
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info().Dur("reconcile_interval", s.interval).Str("timezone", s.loc.String()).Msg("reminder scheduler started")
	return nil
}

// Stop halts the runner and waits for running jobs, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconcile registers cron entries for active daily reminders that have none
// and removes entries whose reminder is gone.
func (s *Scheduler) Reconcile(ctx context.Context) (added, removed int, err error) {
	reminders, err := s.repo.ListActiveDaily(ctx)
	if err != nil {
		return 0, 0, err
	}

	type target struct {
		timing   Timing
		userID   string
		medicine string
	}
	desired := make(map[string]target)
	for _, r := range reminders {
		for _, t := range r.Timings {
			if !t.Valid() {
				continue
			}
			desired[RegistrationKey(r.UserID, r.MedicineName, t)] = target{t, r.UserID, r.MedicineName}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, id := range s.entries {
		if _, ok := desired[key]; !ok {
			s.cron.Remove(id)
			delete(s.entries, key)
			removed++
		}
	}
	for key, tg := range desired {
		if _, ok := s.entries[key]; ok {
			continue
		}
		userID, medicine := tg.userID, tg.medicine
		id, err := s.cron.AddFunc(tg.timing.CronSpec(), func() {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			s.SendDaily(ctx, userID, medicine)
		})
		if err != nil {
			return added, removed, err
		}
		s.entries[key] = id
		added++
	}

	if added > 0 || removed > 0 {
		s.logger.Info().Int("added", added).Int("removed", removed).Int("registered", len(s.entries)).Msg("daily reminders reconciled")
	}
	return added, removed, nil
}

// Registrations lists the registered daily reminder keys, sorted.
func (s *Scheduler) Registrations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SendDaily sends the medication reminder to the user's current contact.
func (s *Scheduler) SendDaily(ctx context.Context, userID, medicine string) error {
	c, err := s.repo.GetContact(ctx, userID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("daily reminder skipped, no contact")
		return err
	}
	_, err = s.notifier.Send(ctx, c.PhoneNumber, notification.TemplateMedicationReminder, []string{c.Name, medicine})
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Str("medicine", medicine).Msg("daily reminder not delivered")
		return err
	}
	s.logger.Info().Str("user_id", userID).Str("medicine", medicine).Msg("daily reminder sent")
	return nil
}

// DispatchDueRefills sends every refill reminder whose date has passed. A
// reminder is marked sent after delivery, or after a failure that retrying
// would not fix; transient failures are retried on the next run.
func (s *Scheduler) DispatchDueRefills(ctx context.Context) (int, error) {
	due, err := s.repo.ListDueRefills(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, rf := range due {
		log := s.logger.With().Str("reminder_id", rf.ID.String()).Str("user_id", rf.UserID).Logger()

		err := s.sendRefill(ctx, rf)
		if err != nil && !notification.IsPermanent(err) && !errors.Is(err, ErrContactNotFound) {
			log.Warn().Err(err).Msg("refill reminder will be retried")
			continue
		}
		if err != nil {
			log.Error().Err(err).Msg("refill reminder dropped")
		} else {
			sent++
		}
		if markErr := s.repo.MarkRefillSent(ctx, rf.ID, s.now().UTC()); markErr != nil {
			log.Error().Err(markErr).Msg("could not mark refill reminder sent")
		}
	}
	return sent, nil
}

func (s *Scheduler) sendRefill(ctx context.Context, rf *RefillReminder) error {
	c, err := s.repo.GetContact(ctx, rf.UserID)
	if err != nil {
		return err
	}
	_, err = s.notifier.Send(ctx, c.PhoneNumber, notification.TemplateRefillReminder, []string{c.Name, rf.MedicineName})
	return err
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
