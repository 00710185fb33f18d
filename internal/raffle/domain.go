// Package raffle implements the raffle state machine: an ordered pool of
// paid entries that settles to a single winner using externally supplied
// randomness. Entries, readiness checks, settlement requests and winner
// payouts are the four operations; everything else is a read-only query.
package raffle

import "time"

// State represents the lifecycle state of the raffle pool.
type State string

const (
	// StateOpen accepts new entries.
	StateOpen State = "open"
	// StateCalculating has a randomness request outstanding and rejects
	// entries until the winner is paid.
	StateCalculating State = "calculating"
)

// Default parameter values applied when a Params field is left zero.
const (
	DefaultEntranceFee = 10000000 // 0.1 units in the smallest unit (8 decimals)
	DefaultInterval    = 30 * time.Second
	DefaultPoolAddress = "raffle:pool"
	DefaultNumWords    = 1
)

// Params fixes the raffle's behavior at construction time. The entrance fee
// and interval are immutable for the lifetime of the machine, mirroring
// constructor-set contract fields.
type Params struct {
	EntranceFee int64         // minimum payment to enter, in the smallest unit
	Interval    time.Duration // minimum time between settlements
	PoolAddress string        // ledger account the pot accumulates on

	// Randomness request parameters, forwarded verbatim to the coordinator.
	KeyHash          string
	SubscriptionID   uint64
	Confirmations    uint16
	CallbackGasLimit uint32
	NumWords         uint32
}

// Snapshot is a point-in-time view of the pool, safe to serialize.
type Snapshot struct {
	State            State     `json:"state"`
	Round            uint64    `json:"round"`              // current round, starts at 1
	Players          []string  `json:"players"`            // ordered entries, duplicates allowed
	PlayerCount      int       `json:"player_count"`       // len(players)
	Pot              int64     `json:"pot"`                // accumulated entry payments
	EntranceFee      int64     `json:"entrance_fee"`       // minimum payment to enter
	IntervalSeconds  int64     `json:"interval_seconds"`   // settlement interval
	RecentWinner     string    `json:"recent_winner"`      // winner of the last settled round
	LastSettledAt    time.Time `json:"last_settled_at"`    // interval measured from here
	PendingRequestID uint64    `json:"pending_request_id"` // zero when no request outstanding
	PendingSince     time.Time `json:"pending_since"`      // when the pending request was issued
}

// UpkeepStatus reports the readiness check and the individual conditions
// behind it. It is returned by CheckUpkeep and carried by
// UpkeepNotNeededError so a rejected PerformUpkeep explains itself.
type UpkeepStatus struct {
	Ready            bool      `json:"ready"`
	State            State     `json:"state"`
	IsOpen           bool      `json:"is_open"`
	IntervalElapsed  bool      `json:"interval_elapsed"`
	HasPlayers       bool      `json:"has_players"`
	HasBalance       bool      `json:"has_balance"`
	PlayerCount      int       `json:"player_count"`
	Pot              int64     `json:"pot"`
	ElapsedSeconds   int64     `json:"elapsed_seconds"`   // since the last settlement
	IntervalSeconds  int64     `json:"interval_seconds"`  // configured interval
	RemainingSeconds int64     `json:"remaining_seconds"` // until the interval elapses, rounded up
	CheckedAt        time.Time `json:"checked_at"`
}

// SettlementRecord captures one completed settlement for the history store.
type SettlementRecord struct {
	ID          string    `json:"id"`           // assigned by the store
	Round       uint64    `json:"round"`        // the round that settled
	RequestID   uint64    `json:"request_id"`   // randomness request that completed it
	Winner      string    `json:"winner"`       // paid address
	WinnerIndex int       `json:"winner_index"` // index into the entry list
	PlayerCount int       `json:"player_count"` // entries at settlement time
	Prize       int64     `json:"prize"`        // full pot paid to the winner
	RandomWord  string    `json:"random_word"`  // decimal encoding of words[0]
	RequestedAt time.Time `json:"requested_at"`
	SettledAt   time.Time `json:"settled_at"`
}
