package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn() querier {
	return r.pool
}

const resultCols = `id, user_id, filename, upload_date, raw_text, summary, indicators, storage_path, created_at`

func (r *repoPG) Save(ctx context.Context, res *AnalysisResult) error {
	res.ID = uuid.New()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}
	if res.Indicators == nil {
		res.Indicators = []Indicator{}
	}
	indicators, err := json.Marshal(res.Indicators)
	if err != nil {
		return fmt.Errorf("marshal indicators: %w", err)
	}
	var storagePath *string
	if res.StoragePath != "" {
		storagePath = &res.StoragePath
	}
	_, err = r.conn().Exec(ctx, `
		INSERT INTO analysis_result (
			id, user_id, filename, upload_date, raw_text, summary, indicators, storage_path, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		res.ID, res.UserID, res.Filename, res.UploadDate, res.RawText, res.Summary,
		indicators, storagePath, res.CreatedAt,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*AnalysisResult, error) {
	res, err := scanResult(r.conn().QueryRow(ctx, `SELECT `+resultCols+` FROM analysis_result WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	return res, err
}

func (r *repoPG) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*AnalysisResult, int, error) {
	var total int
	if err := r.conn().QueryRow(ctx, `SELECT COUNT(*) FROM analysis_result WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn().Query(ctx,
		`SELECT `+resultCols+` FROM analysis_result WHERE user_id = $1 ORDER BY upload_date DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*AnalysisResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, res)
	}
	return out, total, rows.Err()
}

func scanResult(row pgx.Row) (*AnalysisResult, error) {
	var (
		res         AnalysisResult
		indicators  []byte
		storagePath *string
	)
	err := row.Scan(
		&res.ID, &res.UserID, &res.Filename, &res.UploadDate, &res.RawText, &res.Summary,
		&indicators, &storagePath, &res.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(indicators, &res.Indicators); err != nil {
		return nil, fmt.Errorf("unmarshal indicators: %w", err)
	}
	if res.Indicators == nil {
		res.Indicators = []Indicator{}
	}
	if storagePath != nil {
		res.StoragePath = *storagePath
	}
	return &res, nil
}
