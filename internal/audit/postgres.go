package audit

import (
	"context"
	"database/sql"
	"fmt"

	"callsignal/pkg/utils"
)

// Schema creates call_audit_events. The table is INSERT-only.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS call_audit_events (
	id               TEXT PRIMARY KEY,
	call_id          TEXT NOT NULL,
	type             TEXT NOT NULL,
	actor_user_id    TEXT NOT NULL DEFAULT '',
	counterparty_id  TEXT NOT NULL DEFAULT '',
	kind             TEXT NOT NULL DEFAULT '',
	outcome          TEXT NOT NULL DEFAULT '',
	duration_seconds INT NULL,
	message          TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS call_audit_events_call_idx ON call_audit_events (call_id, created_at)`,
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Migrate(ctx context.Context) error {
	return utils.EnsureSchema(ctx, r.db, Schema...)
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO call_audit_events (
	id, call_id, type, actor_user_id, counterparty_id, kind, outcome, duration_seconds, message, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`
	var dur sql.NullInt64
	if e.DurationSeconds != nil {
		dur = sql.NullInt64{Int64: int64(*e.DurationSeconds), Valid: true}
	}
	if _, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.CallID,
		string(e.Type),
		e.ActorUserID,
		e.CounterpartyID,
		e.Kind,
		e.Outcome,
		dur,
		e.Message,
		e.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert call_audit_events: %w", err)
	}
	return nil
}
