package hipaa

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/docvault/internal/platform/db"
)

// Outcome codes follow the FHIR AuditEvent outcome value set.
const (
	OutcomeSuccess        = "0"
	OutcomeMinorFailure   = "4"
	OutcomeSeriousFailure = "8"
)

// AccessRecord is one row of the document_access_log table.
type AccessRecord struct {
	ID            uuid.UUID  `json:"id"`
	Actor         string     `json:"actor"`
	Action        string     `json:"action"`
	DocumentClass string     `json:"document_class"`
	OwnerID       *uuid.UUID `json:"owner_id"`
	Reference     string     `json:"storage_reference"`
	StatusCode    int        `json:"status_code"`
	Outcome       string     `json:"outcome"`
	IPAddress     string     `json:"ip_address"`
	UserAgent     string     `json:"user_agent"`
	RequestID     string     `json:"request_id"`
	AccessedAt    time.Time  `json:"accessed_at"`
}

// OutcomeFor maps an HTTP status to an audit outcome code.
func OutcomeFor(status int) string {
	switch {
	case status >= 500:
		return OutcomeSeriousFailure
	case status >= 400:
		return OutcomeMinorFailure
	default:
		return OutcomeSuccess
	}
}

// normalize fills defaults and drops values the columns would reject.
func (r *AccessRecord) normalize() {
	if r.AccessedAt.IsZero() {
		r.AccessedAt = time.Now().UTC()
	}
	if r.Outcome == "" {
		r.Outcome = OutcomeFor(r.StatusCode)
	}
	if net.ParseIP(r.IPAddress) == nil {
		r.IPAddress = ""
	}
}

// AccessLogger writes document access records to the database.
type AccessLogger struct {
	pool *pgxpool.Pool
}

// NewAccessLogger creates a new AccessLogger backed by the given connection pool.
func NewAccessLogger(pool *pgxpool.Pool) *AccessLogger {
	return &AccessLogger{pool: pool}
}

// LogAccess inserts rec. It uses the request-scoped connection from context
// when available, falling back to pool.Acquire.
func (a *AccessLogger) LogAccess(ctx context.Context, rec *AccessRecord) error {
	rec.normalize()

	const query = `
		INSERT INTO document_access_log (
			actor, action, document_class, owner_id, storage_reference,
			status_code, outcome, ip_address, user_agent, request_id, accessed_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,NULLIF($8, '')::inet,$9,$10,$11
		) RETURNING id`

	args := []any{
		rec.Actor, rec.Action, rec.DocumentClass, rec.OwnerID, rec.Reference,
		rec.StatusCode, rec.Outcome, rec.IPAddress, rec.UserAgent, rec.RequestID, rec.AccessedAt,
	}

	if conn := db.ConnFromContext(ctx); conn != nil {
		return conn.QueryRow(ctx, query, args...).Scan(&rec.ID)
	}

	poolConn, err := a.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("document access log: acquire connection: %w", err)
	}
	defer poolConn.Release()

	return poolConn.QueryRow(ctx, query, args...).Scan(&rec.ID)
}

// ListByReference returns the most recent access records for a storage
// reference, newest first.
func (a *AccessLogger) ListByReference(ctx context.Context, reference string, limit int) ([]*AccessRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.pool.Query(ctx, `
		SELECT id, actor, action, document_class, owner_id, storage_reference,
			status_code, outcome, COALESCE(host(ip_address), ''), user_agent, request_id, accessed_at
		FROM document_access_log
		WHERE storage_reference = $1
		ORDER BY accessed_at DESC
		LIMIT $2`, reference, limit)
	if err != nil {
		return nil, fmt.Errorf("document access log: query: %w", err)
	}
	defer rows.Close()

	var out []*AccessRecord
	for rows.Next() {
		var r AccessRecord
		if err := rows.Scan(&r.ID, &r.Actor, &r.Action, &r.DocumentClass, &r.OwnerID, &r.Reference,
			&r.StatusCode, &r.Outcome, &r.IPAddress, &r.UserAgent, &r.RequestID, &r.AccessedAt); err != nil {
			return nil, fmt.Errorf("document access log: scan: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
