package raffle

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/openraffle/raffle-engine/internal/events"
	"github.com/openraffle/raffle-engine/internal/ledger"
	"github.com/openraffle/raffle-engine/internal/metrics"
	"github.com/openraffle/raffle-engine/internal/vrf"
	"github.com/openraffle/raffle-engine/pkg/logger"
)

var _ vrf.Consumer = (*Machine)(nil)

// SettlementStore persists completed settlements. The machine records each
// settlement after it commits; a store failure is logged but does not undo
// the payout.
type SettlementStore interface {
	CreateSettlement(ctx context.Context, record SettlementRecord) (SettlementRecord, error)
}

// Machine is the raffle state machine. One mutex serializes every operation,
// including the randomness request issued during PerformUpkeep; the
// coordinator never delivers words on the requesting goroutine, so holding
// the lock across that call cannot deadlock.
//
// All value movement goes through the ledger. The machine's pot field
// mirrors the pool account balance and exists so the readiness predicate and
// snapshots never reach outside the lock.
type Machine struct {
	mu sync.Mutex

	params Params

	state          State
	round          uint64
	players        []string
	pot            int64
	recentWinner   string
	lastSettledAt  time.Time
	pendingRequest uint64
	hasPending     bool
	requestedAt    time.Time

	book   *ledger.Book
	source vrf.RandomnessSource
	store  SettlementStore
	sink   events.Sink
	log    *logger.Logger
	now    func() time.Time
}

// NewMachine constructs an open raffle with an empty pool. Zero-valued
// params fall back to the package defaults. The settlement interval is
// measured from construction until the first settlement.
func NewMachine(params Params, book *ledger.Book, source vrf.RandomnessSource, sink events.Sink, log *logger.Logger) *Machine {
	if params.EntranceFee <= 0 {
		params.EntranceFee = DefaultEntranceFee
	}
	if params.Interval <= 0 {
		params.Interval = DefaultInterval
	}
	if params.PoolAddress == "" {
		params.PoolAddress = DefaultPoolAddress
	}
	if params.NumWords == 0 {
		params.NumWords = DefaultNumWords
	}
	if book == nil {
		book = ledger.NewBook(nil)
	}
	if sink == nil {
		sink = events.NoOpLogger{}
	}
	if log == nil {
		log = logger.NewDefault("raffle")
	}

	m := &Machine{
		params: params,
		state:  StateOpen,
		round:  1,
		book:   book,
		source: source,
		sink:   sink,
		log:    log,
		now:    time.Now,
	}
	m.lastSettledAt = m.now().UTC()
	return m
}

// WithStore sets the settlement history store.
func (m *Machine) WithStore(store SettlementStore) *Machine {
	m.store = store
	return m
}

// Enter adds a paid entry to the pool. The payment must cover the entrance
// fee and the pool must be open; the full payment, including any excess over
// the fee, moves from the player's ledger account into the pot. A failed
// ledger debit rejects the entry without mutating the pool.
func (m *Machine) Enter(ctx context.Context, player string, payment int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if payment < m.params.EntranceFee {
		metrics.RecordEntryRejected("insufficient_payment")
		return fmt.Errorf("%w: paid %d, entrance fee is %d", ErrInsufficientPayment, payment, m.params.EntranceFee)
	}
	if m.state != StateOpen {
		metrics.RecordEntryRejected("not_open")
		return ErrRaffleNotOpen
	}
	if err := m.book.Transfer(player, m.params.PoolAddress, payment); err != nil {
		metrics.RecordEntryRejected("payment_failed")
		return fmt.Errorf("collect entrance payment: %w", err)
	}

	m.players = append(m.players, player)
	m.pot += payment
	metrics.RecordEntry()

	events.NewEvent(events.EventRaffleEntered).
		Module("raffle").
		Message("player entered the raffle").
		Metadata("player", player).
		Metadata("payment", strconv.FormatInt(payment, 10)).
		Metadata("players", strconv.Itoa(len(m.players))).
		Metadata("round", strconv.FormatUint(m.round, 10)).
		LogTo(m.sink)

	m.log.WithField("player", player).
		WithField("payment", payment).
		WithField("players", len(m.players)).
		Info("raffle entry accepted")
	return nil
}

// CheckUpkeep reports whether the raffle is ready to settle. It is read-only
// and idempotent: the pool is ready when it is open, the interval has
// elapsed since the last settlement, and at least one paid entry is waiting.
func (m *Machine) CheckUpkeep(ctx context.Context) UpkeepStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := m.upkeepStatusLocked()
	metrics.RecordUpkeepCheck(status.Ready)
	return status
}

// PerformUpkeep recomputes readiness and, when ready, moves the pool to
// calculating and issues exactly one randomness request. The returned ID
// identifies the request the settlement callback must carry. Because the
// pool leaves the open state before the request is issued, a second call
// fails the readiness check; that is the mechanism keeping at most one
// request outstanding. If the coordinator rejects the request the pool
// reopens unchanged.
func (m *Machine) PerformUpkeep(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := m.upkeepStatusLocked()
	if !status.Ready {
		return 0, &UpkeepNotNeededError{Status: status}
	}

	m.state = StateCalculating
	requestID, err := m.source.RequestRandomWords(ctx, vrf.RandomWordsRequest{
		KeyHash:              m.params.KeyHash,
		SubscriptionID:       m.params.SubscriptionID,
		MinimumConfirmations: m.params.Confirmations,
		CallbackGasLimit:     m.params.CallbackGasLimit,
		NumWords:             m.params.NumWords,
	})
	if err != nil {
		m.state = StateOpen
		return 0, fmt.Errorf("request random words: %w", err)
	}

	m.pendingRequest = requestID
	m.hasPending = true
	m.requestedAt = m.now().UTC()

	events.NewEvent(events.EventSettlementRequested).
		Module("raffle").
		Message("settlement requested").
		RequestID(strconv.FormatUint(requestID, 10)).
		Metadata("round", strconv.FormatUint(m.round, 10)).
		Metadata("players", strconv.Itoa(len(m.players))).
		Metadata("pot", strconv.FormatInt(m.pot, 10)).
		LogTo(m.sink)

	m.log.WithField("request_id", requestID).
		WithField("players", len(m.players)).
		WithField("pot", m.pot).
		Info("settlement requested")
	return requestID, nil
}

// OnRandomWordsReady completes a settlement. It is the vrf.Consumer callback:
// the coordinator invokes it once per fulfilled request with the derived
// words. The request ID must match the single pending request; the winner is
// players[words[0] mod len(players)].
//
// State is mutated before the payout. If the payout fails, every mutation is
// rolled back, staged events are discarded, and the pool stays calculating
// with the request still pending so a later delivery can retry.
func (m *Machine) OnRandomWordsReady(ctx context.Context, requestID uint64, words []*big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasPending || requestID != m.pendingRequest {
		return fmt.Errorf("%w: request %d is not pending", ErrUnknownRequest, requestID)
	}
	if len(words) == 0 {
		return fmt.Errorf("settlement request %d delivered no random words", requestID)
	}
	if len(m.players) == 0 {
		return ErrEmptyPool
	}

	index := int(new(big.Int).Mod(words[0], big.NewInt(int64(len(m.players)))).Int64())
	winner := m.players[index]
	prize := m.pot
	round := m.round
	now := m.now().UTC()

	prevPlayers := m.players
	prevWinner := m.recentWinner
	prevSettledAt := m.lastSettledAt
	prevRequestedAt := m.requestedAt

	stage := events.NewStage(m.sink)

	m.recentWinner = winner
	m.state = StateOpen
	m.players = nil
	m.pot = 0
	m.lastSettledAt = now
	m.pendingRequest = 0
	m.hasPending = false
	m.requestedAt = time.Time{}
	m.round++

	stage.Log(events.NewEvent(events.EventWinnerSelected).
		Module("raffle").
		Message("winner selected").
		RequestID(strconv.FormatUint(requestID, 10)).
		Metadata("round", strconv.FormatUint(round, 10)).
		Metadata("winner", winner).
		Metadata("winner_index", strconv.Itoa(index)).
		Metadata("prize", strconv.FormatInt(prize, 10)).
		Metadata("players", strconv.Itoa(len(prevPlayers))).
		Build())

	if err := m.book.Transfer(m.params.PoolAddress, winner, prize); err != nil {
		m.state = StateCalculating
		m.round = round
		m.players = prevPlayers
		m.pot = prize
		m.recentWinner = prevWinner
		m.lastSettledAt = prevSettledAt
		m.pendingRequest = requestID
		m.hasPending = true
		m.requestedAt = prevRequestedAt
		stage.Abort()

		metrics.RecordSettlement("failed", 0)
		m.log.WithError(err).
			WithField("request_id", requestID).
			WithField("winner", winner).
			WithField("prize", prize).
			Error("winner payout failed, settlement rolled back")
		return fmt.Errorf("%w: paying %d to %s: %v", ErrPayoutFailed, prize, winner, err)
	}

	stage.Commit()
	metrics.RecordSettlement("settled", prize)

	record := SettlementRecord{
		Round:       round,
		RequestID:   requestID,
		Winner:      winner,
		WinnerIndex: index,
		PlayerCount: len(prevPlayers),
		Prize:       prize,
		RandomWord:  words[0].String(),
		RequestedAt: prevRequestedAt,
		SettledAt:   now,
	}
	if m.store != nil {
		if _, err := m.store.CreateSettlement(ctx, record); err != nil {
			m.log.WithError(err).WithField("round", round).Warn("failed to record settlement")
		}
	}

	m.log.WithField("request_id", requestID).
		WithField("winner", winner).
		WithField("winner_index", index).
		WithField("prize", prize).
		Info("raffle settled")
	return nil
}

// upkeepStatusLocked computes the readiness diagnostics. Callers hold m.mu.
func (m *Machine) upkeepStatusLocked() UpkeepStatus {
	now := m.now().UTC()
	elapsed := now.Sub(m.lastSettledAt)
	interval := m.params.Interval

	status := UpkeepStatus{
		State:           m.state,
		IsOpen:          m.state == StateOpen,
		IntervalElapsed: elapsed >= interval,
		HasPlayers:      len(m.players) > 0,
		HasBalance:      m.pot > 0,
		PlayerCount:     len(m.players),
		Pot:             m.pot,
		ElapsedSeconds:  int64(elapsed / time.Second),
		IntervalSeconds: int64(interval / time.Second),
		CheckedAt:       now,
	}
	if remaining := interval - elapsed; remaining > 0 {
		// Round up so a not-yet-elapsed interval never reports zero.
		status.RemainingSeconds = int64((remaining + time.Second - 1) / time.Second)
	}
	status.Ready = status.IsOpen && status.IntervalElapsed && status.HasPlayers && status.HasBalance
	return status
}

// EntranceFee returns the minimum payment to enter.
func (m *Machine) EntranceFee() int64 {
	return m.params.EntranceFee
}

// Interval returns the minimum time between settlements.
func (m *Machine) Interval() time.Duration {
	return m.params.Interval
}

// PoolAddress returns the ledger account the pot accumulates on.
func (m *Machine) PoolAddress() string {
	return m.params.PoolAddress
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Round returns the current round number.
func (m *Machine) Round() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.round
}

// PlayerCount returns the number of entries in the pool.
func (m *Machine) PlayerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.players)
}

// Player returns the entry at the given index.
func (m *Machine) Player(index int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.players) {
		return "", fmt.Errorf("%w: index %d, %d players", ErrPlayerNotFound, index, len(m.players))
	}
	return m.players[index], nil
}

// Players returns a copy of the ordered entry list.
func (m *Machine) Players() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	players := make([]string, len(m.players))
	copy(players, m.players)
	return players
}

// Pot returns the accumulated entry payments.
func (m *Machine) Pot() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pot
}

// RecentWinner returns the winner of the last settled round, or the empty
// string before the first settlement.
func (m *Machine) RecentWinner() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recentWinner
}

// LastSettledAt returns the timestamp the settlement interval is measured
// from.
func (m *Machine) LastSettledAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSettledAt
}

// PendingRequest returns the outstanding randomness request ID, if any.
func (m *Machine) PendingRequest() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingRequest, m.hasPending
}

// Snapshot returns a point-in-time view of the pool.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	players := make([]string, len(m.players))
	copy(players, m.players)

	return Snapshot{
		State:            m.state,
		Round:            m.round,
		Players:          players,
		PlayerCount:      len(players),
		Pot:              m.pot,
		EntranceFee:      m.params.EntranceFee,
		IntervalSeconds:  int64(m.params.Interval / time.Second),
		RecentWinner:     m.recentWinner,
		LastSettledAt:    m.lastSettledAt,
		PendingRequestID: m.pendingRequest,
		PendingSince:     m.requestedAt,
	}
}
