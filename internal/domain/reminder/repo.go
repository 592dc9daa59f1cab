package reminder

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	UpsertContact(ctx context.Context, c *Contact) error
	GetContact(ctx context.Context, userID string) (*Contact, error)

	CreateDaily(ctx context.Context, r *DailyReminder) error
	ListActiveDaily(ctx context.Context) ([]*DailyReminder, error)
	ListDailyByUser(ctx context.Context, userID string) ([]*DailyReminder, error)

	CreateRefill(ctx context.Context, r *RefillReminder) error
	ListPendingRefillsByUser(ctx context.Context, userID string) ([]*RefillReminder, error)
	ListDueRefills(ctx context.Context, now time.Time) ([]*RefillReminder, error)
	MarkRefillSent(ctx context.Context, id uuid.UUID, at time.Time) error
}
