package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresIdempotencyChecker answers the engine's cold-path dedup lookups
// against the op log. Rows store the originating command's composite key,
// so a command redelivered after a restart is caught even when the LRU
// no longer remembers it.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate reports whether any envelope in the op log came from the
// given command. The query is bounded at 500ms so a slow database cannot
// stall the engine loop.
func (pic *PostgresIdempotencyChecker) IsDuplicate(kind, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM oplog.events
		WHERE command_key = $1
		LIMIT 1
	`, fmt.Sprintf("%s:%s", kind, idempotencyKey)).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
