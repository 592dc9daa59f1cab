package report

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the append-only result store.
type Repository interface {
	Save(ctx context.Context, r *AnalysisResult) error
	GetByID(ctx context.Context, id uuid.UUID) (*AnalysisResult, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*AnalysisResult, int, error)
}
