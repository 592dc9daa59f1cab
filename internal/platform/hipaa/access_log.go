// Package hipaa persists the health data access trail produced by the
// audit middleware.
package hipaa

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitalyze/vitalyze/internal/platform/middleware"
)

const writeTimeout = 5 * time.Second

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AccessLog writes one row per API request to health_data_access_log.
type AccessLog struct {
	db execer
}

func NewAccessLog(pool *pgxpool.Pool) *AccessLog {
	return &AccessLog{db: pool}
}

// RecordAccess implements middleware.AuditRecorder.
func (l *AccessLog) RecordAccess(entry middleware.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	const query = `
		INSERT INTO health_data_access_log (
			user_id, resource, resource_id, action, method, path,
			status_code, ip_address, user_agent, request_id, accessed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8::inet,$9,$10,$11)`

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err := l.db.Exec(ctx, query,
		entry.UserID, entry.Resource, nullable(entry.ResourceID), entry.Action, entry.Method, entry.Path,
		entry.StatusCode, ipOrNil(entry.IPAddress), entry.UserAgent, entry.RequestID, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("hipaa access log: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ipOrNil drops values the inet cast would reject.
func ipOrNil(s string) *string {
	if net.ParseIP(s) == nil {
		return nil
	}
	return &s
}
