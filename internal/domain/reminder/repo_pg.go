package reminder

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) UpsertContact(ctx context.Context, c *Contact) error {
	c.UpdatedAt = time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_contact (user_id, name, phone_number, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET name = EXCLUDED.name, phone_number = EXCLUDED.phone_number, updated_at = EXCLUDED.updated_at`,
		c.UserID, c.Name, c.PhoneNumber, c.UpdatedAt)
	return err
}

func (r *repoPG) GetContact(ctx context.Context, userID string) (*Contact, error) {
	var c Contact
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, name, phone_number, updated_at FROM user_contact WHERE user_id = $1`, userID,
	).Scan(&c.UserID, &c.Name, &c.PhoneNumber, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrContactNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

const dailyCols = `id, user_id, medicine_name, timings, active, created_at`

func (r *repoPG) CreateDaily(ctx context.Context, d *DailyReminder) error {
	d.ID = uuid.New()
	d.CreatedAt = time.Now().UTC()
	timings := make([]string, len(d.Timings))
	for i, t := range d.Timings {
		timings[i] = string(t)
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO daily_reminder (id, user_id, medicine_name, timings, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.UserID, d.MedicineName, timings, d.Active, d.CreatedAt)
	return err
}

func (r *repoPG) ListActiveDaily(ctx context.Context) ([]*DailyReminder, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+dailyCols+` FROM daily_reminder WHERE active ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDaily(rows)
}

func (r *repoPG) ListDailyByUser(ctx context.Context, userID string) ([]*DailyReminder, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+dailyCols+` FROM daily_reminder WHERE user_id = $1 AND active ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDaily(rows)
}

func collectDaily(rows pgx.Rows) ([]*DailyReminder, error) {
	var out []*DailyReminder
	for rows.Next() {
		var (
			d       DailyReminder
			timings []string
		)
		if err := rows.Scan(&d.ID, &d.UserID, &d.MedicineName, &timings, &d.Active, &d.CreatedAt); err != nil {
			return nil, err
		}
		for _, t := range timings {
			d.Timings = append(d.Timings, Timing(t))
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

const refillCols = `id, user_id, medicine_name, initial_quantity, frequency_per_day, refill_date, sent_at, created_at`

func (r *repoPG) CreateRefill(ctx context.Context, rf *RefillReminder) error {
	rf.ID = uuid.New()
	rf.CreatedAt = time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO refill_reminder (id, user_id, medicine_name, initial_quantity, frequency_per_day, refill_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rf.ID, rf.UserID, rf.MedicineName, rf.InitialQuantity, rf.FrequencyPerDay, rf.RefillDate, rf.CreatedAt)
	return err
}

func (r *repoPG) ListPendingRefillsByUser(ctx context.Context, userID string) ([]*RefillReminder, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+refillCols+` FROM refill_reminder WHERE user_id = $1 AND sent_at IS NULL ORDER BY refill_date`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRefills(rows)
}

func (r *repoPG) ListDueRefills(ctx context.Context, now time.Time) ([]*RefillReminder, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+refillCols+` FROM refill_reminder WHERE sent_at IS NULL AND refill_date <= $1 ORDER BY refill_date`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRefills(rows)
}

func (r *repoPG) MarkRefillSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE refill_reminder SET sent_at = $2 WHERE id = $1 AND sent_at IS NULL`, id, at)
	return err
}

func collectRefills(rows pgx.Rows) ([]*RefillReminder, error) {
	var out []*RefillReminder
	for rows.Next() {
		var rf RefillReminder
		if err := rows.Scan(
			&rf.ID, &rf.UserID, &rf.MedicineName, &rf.InitialQuantity, &rf.FrequencyPerDay,
			&rf.RefillDate, &rf.SentAt, &rf.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &rf)
	}
	return out, rows.Err()
}
