// Package storage persists settlement history. The raffle machine writes a
// record after every committed settlement; the HTTP API reads them back.
// Two implementations exist: an in-memory store used by tests and
// database-less deployments, and a Postgres store.
package storage

import (
	"context"
	"errors"

	"github.com/openraffle/raffle-engine/internal/raffle"
)

// DefaultListLimit bounds list queries when the caller passes no limit.
const DefaultListLimit = 50

// ErrSettlementNotFound is returned when no settlement matches the query.
var ErrSettlementNotFound = errors.New("settlement not found")

// Store is the settlement history interface.
type Store interface {
	// CreateSettlement persists a settlement record, assigning an ID when
	// the record carries none.
	CreateSettlement(ctx context.Context, record raffle.SettlementRecord) (raffle.SettlementRecord, error)
	// GetSettlement retrieves a settlement by ID.
	GetSettlement(ctx context.Context, id string) (raffle.SettlementRecord, error)
	// ListSettlements returns up to limit settlements, newest first.
	ListSettlements(ctx context.Context, limit int) ([]raffle.SettlementRecord, error)
	// LatestSettlement returns the most recently settled record.
	LatestSettlement(ctx context.Context) (raffle.SettlementRecord, error)
	// CountSettlements returns the total number of stored settlements.
	CountSettlements(ctx context.Context) (int64, error)
}
