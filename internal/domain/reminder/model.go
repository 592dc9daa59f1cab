package reminder

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalid         = errors.New("reminder: invalid request")
	ErrContactRequired = errors.New("reminder: set a contact phone number before scheduling reminders")
	ErrContactNotFound = errors.New("reminder: contact not found")
	ErrInvalidPhone    = errors.New("reminder: phone number must be in E.164 format, e.g. +14155550123")
	ErrInvalidTiming   = errors.New("reminder: timing must be morning, afternoon or evening")
)

// Timing is a named time of day for a daily reminder.
type Timing string

const (
	Morning   Timing = "morning"
	Afternoon Timing = "afternoon"
	Evening   Timing = "evening"
)

type clock struct{ hour, minute int }

var timingClock = map[Timing]clock{
	Morning:   {8, 0},
	Afternoon: {13, 0},
	Evening:   {20, 0},
}

// Valid reports whether t is a known timing.
func (t Timing) Valid() bool {
	_, ok := timingClock[t]
	return ok
}

// CronSpec is the five-field cron expression firing at t's wall-clock time.
func (t Timing) CronSpec() string {
	c := timingClock[t]
	return fmt.Sprintf("%d %d * * *", c.minute, c.hour)
}

// Contact is where a user's reminders are delivered.
type Contact struct {
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	PhoneNumber string    `json:"phone_number"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DailyReminder fires at each of its timings every day while active.
type DailyReminder struct {
	ID           uuid.UUID `json:"id"`
	UserID       string    `json:"user_id"`
	MedicineName string    `json:"medicine_name"`
	Timings      []Timing  `json:"timings"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// RefillReminder fires once, on RefillDate.
type RefillReminder struct {
	ID              uuid.UUID  `json:"id"`
	UserID          string     `json:"user_id"`
	MedicineName    string     `json:"medicine_name"`
	InitialQuantity int        `json:"initial_quantity"`
	FrequencyPerDay int        `json:"frequency_per_day"`
	RefillDate      time.Time  `json:"refill_date"`
	SentAt          *time.Time `json:"sent_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// RegistrationKey names the scheduler entry for one timing of a daily reminder.
func RegistrationKey(userID, medicine string, t Timing) string {
	return fmt.Sprintf("daily-reminder-%s-%s-%s", userID, medicine, t)
}

// refillLeadDays is how many days before the supply runs out the reminder fires.
const refillLeadDays = 3

// MaxSupplyDays bounds how far ahead a refill reminder may be scheduled.
const MaxSupplyDays = 3650

// RefillDate returns when a supply of quantity doses taken perDay times a
// day needs refilling: refillLeadDays before it runs out, and never before now.
func RefillDate(now time.Time, quantity, perDay int) time.Time {
	days := quantity / perDay
	if days < refillLeadDays {
		return now
	}
	frac := time.Duration(float64(quantity%perDay) / float64(perDay) * float64(24*time.Hour))
	return now.AddDate(0, 0, days-refillLeadDays).Add(frac)
}
