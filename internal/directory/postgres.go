package directory

import (
	"context"
	"database/sql"
	"errors"

	"callsignal/pkg/utils"
)

// Schema for the users table this package reads. User management itself
// lives outside the call core.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	email        TEXT NOT NULL DEFAULT ''
)`

type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Migrate(ctx context.Context) error {
	return utils.EnsureSchema(ctx, d.db, Schema)
}

func (d *PostgresDirectory) Lookup(ctx context.Context, userID string) (User, error) {
	const q = `
SELECT id, display_name, email
FROM users
WHERE id = $1
`
	var u User
	if err := d.db.QueryRowContext(ctx, q, userID).Scan(&u.ID, &u.DisplayName, &u.Email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}
	return u, nil
}
