// Package migrations creates the settlement history schema. Statements are
// embedded and idempotent; Apply runs them in order on every startup that
// has a database configured.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS raffle_settlements (
		id TEXT PRIMARY KEY,
		round BIGINT NOT NULL,
		request_id BIGINT NOT NULL,
		winner TEXT NOT NULL,
		winner_index INTEGER NOT NULL,
		player_count INTEGER NOT NULL,
		prize BIGINT NOT NULL,
		random_word TEXT NOT NULL,
		requested_at TIMESTAMPTZ NOT NULL,
		settled_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_raffle_settlements_round ON raffle_settlements (round)`,
	`CREATE INDEX IF NOT EXISTS idx_raffle_settlements_settled_at ON raffle_settlements (settled_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_raffle_settlements_winner ON raffle_settlements (winner)`,
}

// Apply executes all schema statements in order.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", i, err)
		}
	}
	return nil
}
