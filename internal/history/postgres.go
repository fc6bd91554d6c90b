package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"callsignal/internal/calls"
	"callsignal/pkg/utils"

	"github.com/jackc/pgx/v5/pgtype"
)

// Schema creates call_history. Rows are insert-only; the unique call_id makes
// retried terminations idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS call_history (
	id               TEXT PRIMARY KEY,
	schema_version   INT NOT NULL,
	call_id          TEXT NOT NULL UNIQUE,
	caller_id        TEXT NOT NULL,
	receiver_id      TEXT NOT NULL,
	caller_name      TEXT NOT NULL DEFAULT '',
	receiver_name    TEXT NOT NULL DEFAULT '',
	kind             TEXT NOT NULL,
	outcome          TEXT NOT NULL,
	duration_seconds INT NULL,
	"timestamp"      TIMESTAMPTZ NOT NULL,
	participants     TEXT[] NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS call_history_participants_idx ON call_history USING GIN (participants)`,
	`CREATE INDEX IF NOT EXISTS call_history_timestamp_idx ON call_history ("timestamp" DESC)`,
}

// PostgresRepo stores history in Postgres through database/sql (pgx stdlib driver).
type PostgresRepo struct {
	db    *sql.DB
	types *pgtype.Map
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, types: pgtype.NewMap()}
}

func (r *PostgresRepo) Migrate(ctx context.Context) error {
	return utils.EnsureSchema(ctx, r.db, Schema...)
}

func (r *PostgresRepo) Append(ctx context.Context, e calls.CallHistoryEntry) error {
	const q = `
INSERT INTO call_history (
	id, schema_version, call_id, caller_id, receiver_id, caller_name, receiver_name,
	kind, outcome, duration_seconds, "timestamp", participants
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (call_id) DO NOTHING
`
	var dur sql.NullInt64
	if e.DurationSeconds != nil {
		dur = sql.NullInt64{Int64: int64(*e.DurationSeconds), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.SchemaVersion,
		e.CallID,
		e.CallerID,
		e.ReceiverID,
		e.CallerName,
		e.ReceiverName,
		string(e.Kind),
		string(e.Outcome),
		dur,
		e.Timestamp,
		e.Participants,
	)
	if err != nil {
		return fmt.Errorf("insert call_history: %w", err)
	}
	return nil
}

func (r *PostgresRepo) ListByParticipant(ctx context.Context, userID string, limit int) ([]calls.CallHistoryEntry, error) {
	const q = `
SELECT id, schema_version, call_id, caller_id, receiver_id, caller_name, receiver_name,
	kind, outcome, duration_seconds, "timestamp", participants
FROM call_history
WHERE $1 = ANY(participants)
ORDER BY "timestamp" DESC
LIMIT $2
`
	rows, err := r.db.QueryContext(ctx, q, userID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	return r.scanEntries(rows)
}

// ListBetween returns every entry for userID with from <= timestamp < to,
// oldest first.
func (r *PostgresRepo) ListBetween(ctx context.Context, userID string, from, to time.Time) ([]calls.CallHistoryEntry, error) {
	const q = `
SELECT id, schema_version, call_id, caller_id, receiver_id, caller_name, receiver_name,
	kind, outcome, duration_seconds, "timestamp", participants
FROM call_history
WHERE $1 = ANY(participants) AND "timestamp" >= $2 AND "timestamp" < $3
ORDER BY "timestamp" ASC
`
	rows, err := r.db.QueryContext(ctx, q, userID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	return r.scanEntries(rows)
}

func (r *PostgresRepo) scanEntries(rows *sql.Rows) ([]calls.CallHistoryEntry, error) {
	defer rows.Close()

	out := make([]calls.CallHistoryEntry, 0)
	for rows.Next() {
		var (
			e    calls.CallHistoryEntry
			kind string
			oc   string
			dur  sql.NullInt64
		)
		if err := rows.Scan(
			&e.ID,
			&e.SchemaVersion,
			&e.CallID,
			&e.CallerID,
			&e.ReceiverID,
			&e.CallerName,
			&e.ReceiverName,
			&kind,
			&oc,
			&dur,
			&e.Timestamp,
			r.types.SQLScanner(&e.Participants),
		); err != nil {
			return nil, err
		}
		e.Kind = calls.Kind(kind)
		e.Outcome = calls.Outcome(oc)
		if dur.Valid {
			d := int(dur.Int64)
			e.DurationSeconds = &d
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
