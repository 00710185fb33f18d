package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/openraffle/raffle-engine/internal/raffle"
)

var (
	_ Store                  = (*PostgresStore)(nil)
	_ raffle.SettlementStore = (*PostgresStore)(nil)
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a PostgreSQL-backed settlement store.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// settlementRow mirrors the raffle_settlements table. Round and request IDs
// are stored as BIGINT, so they round-trip through int64.
type settlementRow struct {
	ID          string    `db:"id"`
	Round       int64     `db:"round"`
	RequestID   int64     `db:"request_id"`
	Winner      string    `db:"winner"`
	WinnerIndex int       `db:"winner_index"`
	PlayerCount int       `db:"player_count"`
	Prize       int64     `db:"prize"`
	RandomWord  string    `db:"random_word"`
	RequestedAt time.Time `db:"requested_at"`
	SettledAt   time.Time `db:"settled_at"`
}

const settlementColumns = `id, round, request_id, winner, winner_index, player_count, prize, random_word, requested_at, settled_at`

func toRow(record raffle.SettlementRecord) settlementRow {
	return settlementRow{
		ID:          record.ID,
		Round:       int64(record.Round),
		RequestID:   int64(record.RequestID),
		Winner:      record.Winner,
		WinnerIndex: record.WinnerIndex,
		PlayerCount: record.PlayerCount,
		Prize:       record.Prize,
		RandomWord:  record.RandomWord,
		RequestedAt: record.RequestedAt,
		SettledAt:   record.SettledAt,
	}
}

func (r settlementRow) toRecord() raffle.SettlementRecord {
	return raffle.SettlementRecord{
		ID:          r.ID,
		Round:       uint64(r.Round),
		RequestID:   uint64(r.RequestID),
		Winner:      r.Winner,
		WinnerIndex: r.WinnerIndex,
		PlayerCount: r.PlayerCount,
		Prize:       r.Prize,
		RandomWord:  r.RandomWord,
		RequestedAt: r.RequestedAt.UTC(),
		SettledAt:   r.SettledAt.UTC(),
	}
}

func (s *PostgresStore) CreateSettlement(ctx context.Context, record raffle.SettlementRecord) (raffle.SettlementRecord, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO raffle_settlements (`+settlementColumns+`)
		VALUES (:id, :round, :request_id, :winner, :winner_index, :player_count, :prize, :random_word, :requested_at, :settled_at)
	`, toRow(record))
	if err != nil {
		return raffle.SettlementRecord{}, fmt.Errorf("insert settlement: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) GetSettlement(ctx context.Context, id string) (raffle.SettlementRecord, error) {
	var row settlementRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+settlementColumns+`
		FROM raffle_settlements
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return raffle.SettlementRecord{}, fmt.Errorf("settlement %s: %w", id, ErrSettlementNotFound)
	}
	if err != nil {
		return raffle.SettlementRecord{}, fmt.Errorf("get settlement: %w", err)
	}
	return row.toRecord(), nil
}

func (s *PostgresStore) ListSettlements(ctx context.Context, limit int) ([]raffle.SettlementRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var rows []settlementRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+settlementColumns+`
		FROM raffle_settlements
		ORDER BY settled_at DESC, round DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}

	records := make([]raffle.SettlementRecord, len(rows))
	for i, row := range rows {
		records[i] = row.toRecord()
	}
	return records, nil
}

func (s *PostgresStore) LatestSettlement(ctx context.Context) (raffle.SettlementRecord, error) {
	var row settlementRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+settlementColumns+`
		FROM raffle_settlements
		ORDER BY settled_at DESC, round DESC
		LIMIT 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return raffle.SettlementRecord{}, fmt.Errorf("latest settlement: %w", ErrSettlementNotFound)
	}
	if err != nil {
		return raffle.SettlementRecord{}, fmt.Errorf("latest settlement: %w", err)
	}
	return row.toRecord(), nil
}

func (s *PostgresStore) CountSettlements(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM raffle_settlements`); err != nil {
		return 0, fmt.Errorf("count settlements: %w", err)
	}
	return count, nil
}
