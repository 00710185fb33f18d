package raffle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/openraffle/raffle-engine/internal/events"
	"github.com/openraffle/raffle-engine/internal/ledger"
	"github.com/openraffle/raffle-engine/internal/vrf"
)

const testFee = int64(10000000) // 0.1 units

// stubSource hands out sequential request IDs and records the last request.
type stubSource struct {
	nextID  uint64
	lastReq vrf.RandomWordsRequest
	fail    error
}

func (s *stubSource) RequestRandomWords(ctx context.Context, req vrf.RandomWordsRequest) (uint64, error) {
	if s.fail != nil {
		return 0, s.fail
	}
	s.nextID++
	s.lastReq = req
	return s.nextID, nil
}

// recordingStore collects settlement records in memory.
type recordingStore struct {
	records []SettlementRecord
	fail    error
}

func (s *recordingStore) CreateSettlement(ctx context.Context, record SettlementRecord) (SettlementRecord, error) {
	if s.fail != nil {
		return SettlementRecord{}, s.fail
	}
	record.ID = fmt.Sprintf("settlement-%d", len(s.records)+1)
	s.records = append(s.records, record)
	return record, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	machine *Machine
	book    *ledger.Book
	source  *stubSource
	events  *events.RingBuffer
	clock   *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	book := ledger.NewBook(nil)
	source := &stubSource{}
	buf := events.NewRingBuffer(100)
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}

	m := NewMachine(Params{
		EntranceFee:      testFee,
		Interval:         30 * time.Second,
		KeyHash:          "0xkeyhash",
		SubscriptionID:   42,
		Confirmations:    3,
		CallbackGasLimit: 500000,
		NumWords:         1,
	}, book, source, buf, nil)
	m.now = clock.Now
	m.lastSettledAt = clock.Now()

	return &fixture{machine: m, book: book, source: source, events: buf, clock: clock}
}

func (f *fixture) fund(t *testing.T, address string, amount int64) {
	t.Helper()
	if err := f.book.Deposit(address, amount); err != nil {
		t.Fatalf("Deposit(%s) failed: %v", address, err)
	}
}

func (f *fixture) enter(t *testing.T, player string, payment int64) {
	t.Helper()
	f.fund(t, player, payment)
	if err := f.machine.Enter(context.Background(), player, payment); err != nil {
		t.Fatalf("Enter(%s) failed: %v", player, err)
	}
}

func TestMachine_FullLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	players := []string{"player-0", "player-1", "player-2", "player-3"}

	t.Run("EnterFourPlayers", func(t *testing.T) {
		for _, player := range players {
			f.enter(t, player, testFee)
		}

		snap := f.machine.Snapshot()
		if snap.State != StateOpen {
			t.Errorf("Expected state %s, got %s", StateOpen, snap.State)
		}
		if snap.PlayerCount != 4 {
			t.Errorf("Expected 4 players, got %d", snap.PlayerCount)
		}
		if snap.Pot != 4*testFee {
			t.Errorf("Expected pot %d, got %d", 4*testFee, snap.Pot)
		}
		if got := f.book.Balance(f.machine.PoolAddress()); got != 4*testFee {
			t.Errorf("Expected pool balance %d, got %d", 4*testFee, got)
		}
	})

	t.Run("PlayerQueries", func(t *testing.T) {
		got, err := f.machine.Player(3)
		if err != nil {
			t.Fatalf("Player(3) failed: %v", err)
		}
		if got != "player-3" {
			t.Errorf("Expected player-3, got %s", got)
		}
		if _, err := f.machine.Player(4); !errors.Is(err, ErrPlayerNotFound) {
			t.Errorf("Expected ErrPlayerNotFound, got %v", err)
		}
		if _, err := f.machine.Player(-1); !errors.Is(err, ErrPlayerNotFound) {
			t.Errorf("Expected ErrPlayerNotFound for negative index, got %v", err)
		}
	})

	t.Run("NotReadyBeforeInterval", func(t *testing.T) {
		status := f.machine.CheckUpkeep(ctx)
		if status.Ready {
			t.Error("Upkeep should not be ready before the interval elapses")
		}
		if status.IntervalElapsed {
			t.Error("IntervalElapsed should be false")
		}
		if !status.HasPlayers || !status.HasBalance || !status.IsOpen {
			t.Errorf("Unexpected diagnostics: %+v", status)
		}
		if status.RemainingSeconds != 30 {
			t.Errorf("Expected 30 seconds remaining, got %d", status.RemainingSeconds)
		}
	})

	t.Run("UpkeepNotNeededBeforeInterval", func(t *testing.T) {
		_, err := f.machine.PerformUpkeep(ctx)
		if !errors.Is(err, ErrUpkeepNotNeeded) {
			t.Fatalf("Expected ErrUpkeepNotNeeded, got %v", err)
		}
		var notNeeded *UpkeepNotNeededError
		if !errors.As(err, &notNeeded) {
			t.Fatalf("Expected UpkeepNotNeededError, got %T", err)
		}
		if notNeeded.Status.IntervalElapsed {
			t.Error("Diagnostics should show the interval has not elapsed")
		}
		if f.machine.State() != StateOpen {
			t.Errorf("State should stay %s, got %s", StateOpen, f.machine.State())
		}
	})

	var requestID uint64
	t.Run("PerformUpkeepAfterInterval", func(t *testing.T) {
		f.clock.Advance(30 * time.Second)

		status := f.machine.CheckUpkeep(ctx)
		if !status.Ready {
			t.Fatalf("Upkeep should be ready: %+v", status)
		}

		id, err := f.machine.PerformUpkeep(ctx)
		if err != nil {
			t.Fatalf("PerformUpkeep failed: %v", err)
		}
		requestID = id
		if requestID != 1 {
			t.Errorf("Expected request ID 1, got %d", requestID)
		}
		if f.machine.State() != StateCalculating {
			t.Errorf("Expected state %s, got %s", StateCalculating, f.machine.State())
		}

		pending, ok := f.machine.PendingRequest()
		if !ok || pending != requestID {
			t.Errorf("Expected pending request %d, got %d (ok=%t)", requestID, pending, ok)
		}

		req := f.source.lastReq
		if req.KeyHash != "0xkeyhash" || req.SubscriptionID != 42 {
			t.Errorf("Request parameters not forwarded: %+v", req)
		}
		if req.MinimumConfirmations != 3 || req.CallbackGasLimit != 500000 {
			t.Errorf("Request parameters not forwarded: %+v", req)
		}
		if req.NumWords != 1 {
			t.Errorf("Expected 1 word requested, got %d", req.NumWords)
		}
	})

	t.Run("EntryRejectedWhileCalculating", func(t *testing.T) {
		f.fund(t, "latecomer", testFee)
		err := f.machine.Enter(ctx, "latecomer", testFee)
		if !errors.Is(err, ErrRaffleNotOpen) {
			t.Fatalf("Expected ErrRaffleNotOpen, got %v", err)
		}
		if f.machine.PlayerCount() != 4 {
			t.Errorf("Pool should be unchanged, got %d players", f.machine.PlayerCount())
		}
		if got := f.book.Balance("latecomer"); got != testFee {
			t.Errorf("Latecomer should keep funds, balance %d", got)
		}
	})

	t.Run("SecondUpkeepRejected", func(t *testing.T) {
		_, err := f.machine.PerformUpkeep(ctx)
		if !errors.Is(err, ErrUpkeepNotNeeded) {
			t.Fatalf("Expected ErrUpkeepNotNeeded, got %v", err)
		}
		var notNeeded *UpkeepNotNeededError
		if !errors.As(err, &notNeeded) {
			t.Fatalf("Expected UpkeepNotNeededError, got %T", err)
		}
		if notNeeded.Status.IsOpen {
			t.Error("Diagnostics should show the pool is not open")
		}
		if f.source.nextID != 1 {
			t.Errorf("Expected exactly one randomness request, got %d", f.source.nextID)
		}
	})

	t.Run("SettleWithWordSeven", func(t *testing.T) {
		settledAt := f.clock.Now()

		err := f.machine.OnRandomWordsReady(ctx, requestID, []*big.Int{big.NewInt(7)})
		if err != nil {
			t.Fatalf("OnRandomWordsReady failed: %v", err)
		}

		// 7 mod 4 = 3
		if winner := f.machine.RecentWinner(); winner != "player-3" {
			t.Errorf("Expected winner player-3, got %s", winner)
		}
		if got := f.book.Balance("player-3"); got != 4*testFee {
			t.Errorf("Expected winner balance %d, got %d", 4*testFee, got)
		}
		if got := f.book.Balance(f.machine.PoolAddress()); got != 0 {
			t.Errorf("Expected empty pool account, got %d", got)
		}

		snap := f.machine.Snapshot()
		if snap.State != StateOpen {
			t.Errorf("Expected state %s, got %s", StateOpen, snap.State)
		}
		if snap.PlayerCount != 0 || snap.Pot != 0 {
			t.Errorf("Pool should be reset, got %d players pot %d", snap.PlayerCount, snap.Pot)
		}
		if !snap.LastSettledAt.Equal(settledAt) {
			t.Errorf("Expected last settlement at %v, got %v", settledAt, snap.LastSettledAt)
		}
		if snap.PendingRequestID != 0 {
			t.Errorf("Expected no pending request, got %d", snap.PendingRequestID)
		}
		if snap.Round != 2 {
			t.Errorf("Expected round 2, got %d", snap.Round)
		}
	})

	t.Run("WinnerEventPublished", func(t *testing.T) {
		selected := f.events.RecentByType(events.EventWinnerSelected, 5)
		if len(selected) != 1 {
			t.Fatalf("Expected 1 winner event, got %d", len(selected))
		}
		ev := selected[0]
		if ev.Metadata["winner"] != "player-3" || ev.Metadata["winner_index"] != "3" {
			t.Errorf("Unexpected winner event metadata: %v", ev.Metadata)
		}
		if ev.Metadata["prize"] != "40000000" {
			t.Errorf("Expected prize 40000000, got %s", ev.Metadata["prize"])
		}
		if ev.RequestID != "1" {
			t.Errorf("Expected request ID 1 on the event, got %s", ev.RequestID)
		}

		entered := f.events.RecentByType(events.EventRaffleEntered, 10)
		if len(entered) != 4 {
			t.Errorf("Expected 4 entry events, got %d", len(entered))
		}
		requested := f.events.RecentByType(events.EventSettlementRequested, 5)
		if len(requested) != 1 {
			t.Errorf("Expected 1 settlement request event, got %d", len(requested))
		}
	})

	t.Run("CompletedRequestCannotRedeliver", func(t *testing.T) {
		err := f.machine.OnRandomWordsReady(ctx, requestID, []*big.Int{big.NewInt(7)})
		if !errors.Is(err, ErrUnknownRequest) {
			t.Fatalf("Expected ErrUnknownRequest, got %v", err)
		}
		if f.machine.State() != StateOpen || f.machine.Pot() != 0 {
			t.Error("Replayed delivery must not mutate the pool")
		}
	})

	t.Run("NextRoundOpens", func(t *testing.T) {
		f.enter(t, "player-9", testFee)
		if f.machine.PlayerCount() != 1 {
			t.Errorf("Expected 1 player in the new round, got %d", f.machine.PlayerCount())
		}
		status := f.machine.CheckUpkeep(ctx)
		if status.Ready {
			t.Error("New round should not be ready until the interval elapses again")
		}
	})
}

func TestMachine_EnterRejectsUnderpayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "cheapskate", testFee)

	err := f.machine.Enter(ctx, "cheapskate", testFee-1)
	if !errors.Is(err, ErrInsufficientPayment) {
		t.Fatalf("Expected ErrInsufficientPayment, got %v", err)
	}

	if f.machine.PlayerCount() != 0 || f.machine.Pot() != 0 {
		t.Error("Rejected entry must not mutate the pool")
	}
	if got := f.book.Balance("cheapskate"); got != testFee {
		t.Errorf("Player balance should be untouched, got %d", got)
	}
	if got := f.book.Balance(f.machine.PoolAddress()); got != 0 {
		t.Errorf("Pool account should be untouched, got %d", got)
	}
}

func TestMachine_EnterRejectsUnfundedPlayer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	err := f.machine.Enter(ctx, "broke", testFee)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}
	if f.machine.PlayerCount() != 0 || f.machine.Pot() != 0 {
		t.Error("Failed debit must not mutate the pool")
	}
}

func TestMachine_ExcessPaymentJoinsPot(t *testing.T) {
	f := newFixture(t)
	f.enter(t, "whale", 3*testFee)

	if got := f.machine.Pot(); got != 3*testFee {
		t.Errorf("Expected pot %d, got %d", 3*testFee, got)
	}
	if got := f.book.Balance(f.machine.PoolAddress()); got != 3*testFee {
		t.Errorf("Expected pool balance %d, got %d", 3*testFee, got)
	}
}

func TestMachine_CheckUpkeepHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enter(t, "player-0", testFee)
	f.clock.Advance(time.Minute)

	before := f.machine.Snapshot()
	for i := 0; i < 5; i++ {
		status := f.machine.CheckUpkeep(ctx)
		if !status.Ready {
			t.Fatalf("Check %d: expected ready, got %+v", i, status)
		}
	}
	after := f.machine.Snapshot()

	if after.State != before.State || after.PlayerCount != before.PlayerCount ||
		after.Pot != before.Pot || !after.LastSettledAt.Equal(before.LastSettledAt) {
		t.Errorf("CheckUpkeep mutated the pool: before %+v after %+v", before, after)
	}
}

func TestMachine_ReadinessMonotonicUnderClock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enter(t, "player-0", testFee)

	// Walk the clock toward and past the interval. Once ready, the pool must
	// stay ready until an operation changes its state.
	wasReady := false
	for step := 0; step < 8; step++ {
		status := f.machine.CheckUpkeep(ctx)
		if wasReady && !status.Ready {
			t.Fatalf("Readiness regressed at step %d: %+v", step, status)
		}
		wasReady = status.Ready
		f.clock.Advance(10 * time.Second)
	}
	if !wasReady {
		t.Fatal("Pool never became ready")
	}
}

func TestMachine_UpkeepConditions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		prepare func(t *testing.T, f *fixture)
		ready   bool
	}{
		{
			name:    "EmptyPoolElapsed",
			prepare: func(t *testing.T, f *fixture) { f.clock.Advance(time.Minute) },
			ready:   false,
		},
		{
			name:    "PlayersBeforeInterval",
			prepare: func(t *testing.T, f *fixture) { f.enter(t, "player-0", testFee) },
			ready:   false,
		},
		{
			name: "PlayersAfterInterval",
			prepare: func(t *testing.T, f *fixture) {
				f.enter(t, "player-0", testFee)
				f.clock.Advance(time.Minute)
			},
			ready: true,
		},
		{
			name: "Calculating",
			prepare: func(t *testing.T, f *fixture) {
				f.enter(t, "player-0", testFee)
				f.clock.Advance(time.Minute)
				if _, err := f.machine.PerformUpkeep(ctx); err != nil {
					t.Fatalf("PerformUpkeep failed: %v", err)
				}
			},
			ready: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.prepare(t, f)
			status := f.machine.CheckUpkeep(ctx)
			if status.Ready != tt.ready {
				t.Errorf("Expected ready=%t, got %+v", tt.ready, status)
			}
		})
	}
}

func TestMachine_PerformUpkeepSourceFailureReopens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enter(t, "player-0", testFee)
	f.clock.Advance(time.Minute)

	f.source.fail = errors.New("subscription not funded")
	if _, err := f.machine.PerformUpkeep(ctx); err == nil {
		t.Fatal("Expected PerformUpkeep to fail")
	}

	if f.machine.State() != StateOpen {
		t.Errorf("Pool should reopen after a failed request, state %s", f.machine.State())
	}
	if _, ok := f.machine.PendingRequest(); ok {
		t.Error("No request should be pending after a failed request")
	}

	// The failure is transient: clearing it lets upkeep proceed.
	f.source.fail = nil
	if _, err := f.machine.PerformUpkeep(ctx); err != nil {
		t.Fatalf("PerformUpkeep after recovery failed: %v", err)
	}
}

func TestMachine_UnknownRequestRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enter(t, "player-0", testFee)
	f.enter(t, "player-1", testFee)
	f.clock.Advance(time.Minute)

	if _, err := f.machine.PerformUpkeep(ctx); err != nil {
		t.Fatalf("PerformUpkeep failed: %v", err)
	}

	err := f.machine.OnRandomWordsReady(ctx, 99, []*big.Int{big.NewInt(1)})
	if !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("Expected ErrUnknownRequest, got %v", err)
	}

	if f.machine.State() != StateCalculating {
		t.Errorf("Stale delivery must not change state, got %s", f.machine.State())
	}
	if f.machine.PlayerCount() != 2 || f.machine.Pot() != 2*testFee {
		t.Error("Stale delivery must not mutate the pool")
	}
}

func TestMachine_DeliveryWithoutPendingRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	err := f.machine.OnRandomWordsReady(ctx, 1, []*big.Int{big.NewInt(1)})
	if !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("Expected ErrUnknownRequest, got %v", err)
	}
}

func TestMachine_EmptyWordsKeepRequestPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enter(t, "player-0", testFee)
	f.clock.Advance(time.Minute)

	id, err := f.machine.PerformUpkeep(ctx)
	if err != nil {
		t.Fatalf("PerformUpkeep failed: %v", err)
	}

	if err := f.machine.OnRandomWordsReady(ctx, id, nil); err == nil {
		t.Fatal("Expected an error for an empty word set")
	}
	if f.machine.State() != StateCalculating {
		t.Errorf("Pool should stay calculating, state %s", f.machine.State())
	}
	if pending, ok := f.machine.PendingRequest(); !ok || pending != id {
		t.Errorf("Request should remain pending, got %d (ok=%t)", pending, ok)
	}

	// A proper delivery of the same request still settles.
	if err := f.machine.OnRandomWordsReady(ctx, id, []*big.Int{big.NewInt(0)}); err != nil {
		t.Fatalf("Retried delivery failed: %v", err)
	}
	if f.machine.RecentWinner() != "player-0" {
		t.Errorf("Expected winner player-0, got %s", f.machine.RecentWinner())
	}
}

func TestMachine_PayoutFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	players := []string{"player-0", "player-1", "player-2"}
	for _, player := range players {
		f.enter(t, player, testFee)
	}
	f.clock.Advance(time.Minute)

	id, err := f.machine.PerformUpkeep(ctx)
	if err != nil {
		t.Fatalf("PerformUpkeep failed: %v", err)
	}

	// 5 mod 3 = 2, so player-2 wins; make the payout fail.
	f.book.SetRejecting("player-2", true)
	lastSettled := f.machine.LastSettledAt()

	err = f.machine.OnRandomWordsReady(ctx, id, []*big.Int{big.NewInt(5)})
	if !errors.Is(err, ErrPayoutFailed) {
		t.Fatalf("Expected ErrPayoutFailed, got %v", err)
	}

	if f.machine.State() != StateCalculating {
		t.Errorf("Expected state %s after abort, got %s", StateCalculating, f.machine.State())
	}
	if f.machine.PlayerCount() != 3 || f.machine.Pot() != 3*testFee {
		t.Errorf("Pool must be intact after abort: %d players pot %d", f.machine.PlayerCount(), f.machine.Pot())
	}
	if got := f.book.Balance(f.machine.PoolAddress()); got != 3*testFee {
		t.Errorf("Pool account must be intact, got %d", got)
	}
	if pending, ok := f.machine.PendingRequest(); !ok || pending != id {
		t.Errorf("Request should remain pending after abort, got %d (ok=%t)", pending, ok)
	}
	if f.machine.RecentWinner() != "" {
		t.Errorf("No winner should be recorded, got %s", f.machine.RecentWinner())
	}
	if !f.machine.LastSettledAt().Equal(lastSettled) {
		t.Error("Settlement timestamp must not advance on abort")
	}
	if selected := f.events.RecentByType(events.EventWinnerSelected, 5); len(selected) != 0 {
		t.Errorf("Aborted settlement must publish no winner event, got %d", len(selected))
	}

	// Recovery: the payee accepts again and the same request settles.
	f.book.SetRejecting("player-2", false)
	if err := f.machine.OnRandomWordsReady(ctx, id, []*big.Int{big.NewInt(5)}); err != nil {
		t.Fatalf("Retried delivery failed: %v", err)
	}
	if f.machine.RecentWinner() != "player-2" {
		t.Errorf("Expected winner player-2, got %s", f.machine.RecentWinner())
	}
	if got := f.book.Balance("player-2"); got != 3*testFee {
		t.Errorf("Expected winner balance %d, got %d", 3*testFee, got)
	}
	if selected := f.events.RecentByType(events.EventWinnerSelected, 5); len(selected) != 1 {
		t.Errorf("Expected exactly 1 winner event after recovery, got %d", len(selected))
	}
	if f.machine.State() != StateOpen {
		t.Errorf("Expected state %s after recovery, got %s", StateOpen, f.machine.State())
	}
}

func TestMachine_DuplicateEntriesWeightSelection(t *testing.T) {
	ctx := context.Background()

	// alice holds indexes 0-2, bob index 3. Words landing on 0-2 pick alice,
	// word 3 picks bob.
	tests := []struct {
		name   string
		word   int64
		winner string
	}{
		{"WordTwoPicksAlice", 2, "alice"},
		{"WordThreePicksBob", 3, "bob"},
		{"WordSevenWrapsToBob", 7, "bob"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			for i := 0; i < 3; i++ {
				f.enter(t, "alice", testFee)
			}
			f.enter(t, "bob", testFee)
			f.clock.Advance(time.Minute)

			id, err := f.machine.PerformUpkeep(ctx)
			if err != nil {
				t.Fatalf("PerformUpkeep failed: %v", err)
			}
			if err := f.machine.OnRandomWordsReady(ctx, id, []*big.Int{big.NewInt(tt.word)}); err != nil {
				t.Fatalf("OnRandomWordsReady failed: %v", err)
			}
			if got := f.machine.RecentWinner(); got != tt.winner {
				t.Errorf("Expected winner %s, got %s", tt.winner, got)
			}
		})
	}
}

func TestMachine_WinnerIndexModulo(t *testing.T) {
	ctx := context.Background()

	hugeWord := new(big.Int).Lsh(big.NewInt(1), 70) // 2^70, far beyond int64

	tests := []struct {
		name    string
		players int
		word    *big.Int
		index   int
	}{
		{"Zero", 4, big.NewInt(0), 0},
		{"ExactMultiple", 4, big.NewInt(8), 0},
		{"SevenOfFour", 4, big.NewInt(7), 3},
		{"HugeWord", 4, hugeWord, 0},        // 2^70 is divisible by 4
		{"HugeWordOfThree", 3, hugeWord, 1}, // 2^70 mod 3 = 1
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			for i := 0; i < tt.players; i++ {
				f.enter(t, fmt.Sprintf("player-%d", i), testFee)
			}
			f.clock.Advance(time.Minute)

			id, err := f.machine.PerformUpkeep(ctx)
			if err != nil {
				t.Fatalf("PerformUpkeep failed: %v", err)
			}
			if err := f.machine.OnRandomWordsReady(ctx, id, []*big.Int{tt.word}); err != nil {
				t.Fatalf("OnRandomWordsReady failed: %v", err)
			}

			want := fmt.Sprintf("player-%d", tt.index)
			if got := f.machine.RecentWinner(); got != want {
				t.Errorf("Expected winner %s, got %s", want, got)
			}
		})
	}
}

func TestMachine_LedgerConservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := 0; i < 4; i++ {
		f.enter(t, fmt.Sprintf("player-%d", i), testFee)
	}
	supply := f.book.TotalSupply()

	f.clock.Advance(time.Minute)
	id, err := f.machine.PerformUpkeep(ctx)
	if err != nil {
		t.Fatalf("PerformUpkeep failed: %v", err)
	}
	if err := f.machine.OnRandomWordsReady(ctx, id, []*big.Int{big.NewInt(7)}); err != nil {
		t.Fatalf("OnRandomWordsReady failed: %v", err)
	}

	if got := f.book.TotalSupply(); got != supply {
		t.Errorf("Total supply changed across settlement: %d != %d", got, supply)
	}
	if got := f.book.Balance(f.machine.PoolAddress()); got != 0 {
		t.Errorf("Pool account should be drained, got %d", got)
	}
}

func TestMachine_SettlementRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	store := &recordingStore{}
	f.machine.WithStore(store)

	for i := 0; i < 4; i++ {
		f.enter(t, fmt.Sprintf("player-%d", i), testFee)
	}
	f.clock.Advance(time.Minute)
	requestedAt := f.clock.Now()

	id, err := f.machine.PerformUpkeep(ctx)
	if err != nil {
		t.Fatalf("PerformUpkeep failed: %v", err)
	}
	f.clock.Advance(2 * time.Second)
	settledAt := f.clock.Now()

	if err := f.machine.OnRandomWordsReady(ctx, id, []*big.Int{big.NewInt(7)}); err != nil {
		t.Fatalf("OnRandomWordsReady failed: %v", err)
	}

	if len(store.records) != 1 {
		t.Fatalf("Expected 1 settlement record, got %d", len(store.records))
	}
	record := store.records[0]
	if record.Round != 1 || record.RequestID != id {
		t.Errorf("Unexpected record identity: %+v", record)
	}
	if record.Winner != "player-3" || record.WinnerIndex != 3 {
		t.Errorf("Unexpected winner in record: %+v", record)
	}
	if record.Prize != 4*testFee || record.PlayerCount != 4 {
		t.Errorf("Unexpected amounts in record: %+v", record)
	}
	if record.RandomWord != "7" {
		t.Errorf("Expected random word 7, got %s", record.RandomWord)
	}
	if !record.RequestedAt.Equal(requestedAt) || !record.SettledAt.Equal(settledAt) {
		t.Errorf("Unexpected timestamps in record: %+v", record)
	}
}

func TestMachine_StoreFailureDoesNotUndoSettlement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.machine.WithStore(&recordingStore{fail: errors.New("store offline")})

	f.enter(t, "player-0", testFee)
	f.clock.Advance(time.Minute)

	id, err := f.machine.PerformUpkeep(ctx)
	if err != nil {
		t.Fatalf("PerformUpkeep failed: %v", err)
	}
	if err := f.machine.OnRandomWordsReady(ctx, id, []*big.Int{big.NewInt(0)}); err != nil {
		t.Fatalf("Settlement should survive a store failure: %v", err)
	}
	if got := f.book.Balance("player-0"); got != testFee {
		t.Errorf("Winner should be paid despite the store failure, balance %d", got)
	}
}

func TestMachine_EmptyPoolGuardUnreachable(t *testing.T) {
	ctx := context.Background()

	// Every public path that could reach the empty-pool guard fails earlier
	// with a more specific error.
	t.Run("FreshMachine", func(t *testing.T) {
		f := newFixture(t)
		err := f.machine.OnRandomWordsReady(ctx, 1, []*big.Int{big.NewInt(0)})
		if !errors.Is(err, ErrUnknownRequest) {
			t.Errorf("Expected ErrUnknownRequest, got %v", err)
		}
	})

	t.Run("UpkeepOnEmptyPool", func(t *testing.T) {
		f := newFixture(t)
		f.clock.Advance(time.Minute)
		_, err := f.machine.PerformUpkeep(ctx)
		if !errors.Is(err, ErrUpkeepNotNeeded) {
			t.Errorf("Expected ErrUpkeepNotNeeded, got %v", err)
		}
	})

	t.Run("AfterSettlement", func(t *testing.T) {
		f := newFixture(t)
		f.enter(t, "player-0", testFee)
		f.clock.Advance(time.Minute)
		id, err := f.machine.PerformUpkeep(ctx)
		if err != nil {
			t.Fatalf("PerformUpkeep failed: %v", err)
		}
		if err := f.machine.OnRandomWordsReady(ctx, id, []*big.Int{big.NewInt(0)}); err != nil {
			t.Fatalf("OnRandomWordsReady failed: %v", err)
		}
		// The pool is empty again, but the request is no longer pending.
		err = f.machine.OnRandomWordsReady(ctx, id, []*big.Int{big.NewInt(0)})
		if !errors.Is(err, ErrUnknownRequest) {
			t.Errorf("Expected ErrUnknownRequest, got %v", err)
		}
	})
}

func TestMachine_PlayersReturnsCopy(t *testing.T) {
	f := newFixture(t)
	f.enter(t, "player-0", testFee)
	f.enter(t, "player-1", testFee)

	players := f.machine.Players()
	players[0] = "tampered"

	got, err := f.machine.Player(0)
	if err != nil {
		t.Fatalf("Player(0) failed: %v", err)
	}
	if got != "player-0" {
		t.Errorf("Mutating the returned slice must not affect the pool, got %s", got)
	}
}

func TestNewMachine_Defaults(t *testing.T) {
	m := NewMachine(Params{}, nil, &stubSource{}, nil, nil)

	if m.EntranceFee() != DefaultEntranceFee {
		t.Errorf("Expected default fee %d, got %d", int64(DefaultEntranceFee), m.EntranceFee())
	}
	if m.Interval() != DefaultInterval {
		t.Errorf("Expected default interval %v, got %v", DefaultInterval, m.Interval())
	}
	if m.PoolAddress() != DefaultPoolAddress {
		t.Errorf("Expected default pool address %s, got %s", DefaultPoolAddress, m.PoolAddress())
	}
	if m.State() != StateOpen {
		t.Errorf("Expected state %s, got %s", StateOpen, m.State())
	}
	if m.Round() != 1 {
		t.Errorf("Expected round 1, got %d", m.Round())
	}
	if m.RecentWinner() != "" {
		t.Errorf("Expected no recent winner, got %s", m.RecentWinner())
	}
}

func TestMachine_CoordinatorIntegration(t *testing.T) {
	ctx := context.Background()

	book := ledger.NewBook(nil)
	buf := events.NewRingBuffer(100)
	coordinator := vrf.NewCoordinator(vrf.Config{Seed: "integration-seed"}, buf, nil)

	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	machine := NewMachine(Params{
		EntranceFee: testFee,
		Interval:    30 * time.Second,
	}, book, coordinator, buf, nil)
	machine.now = clock.Now
	machine.lastSettledAt = clock.Now()
	coordinator.WithConsumer(machine)

	for i := 0; i < 4; i++ {
		player := fmt.Sprintf("player-%d", i)
		if err := book.Deposit(player, testFee); err != nil {
			t.Fatalf("Deposit failed: %v", err)
		}
		if err := machine.Enter(ctx, player, testFee); err != nil {
			t.Fatalf("Enter(%s) failed: %v", player, err)
		}
	}
	clock.Advance(time.Minute)

	coordinator.QueueWords([]*big.Int{big.NewInt(7)})
	id, err := machine.PerformUpkeep(ctx)
	if err != nil {
		t.Fatalf("PerformUpkeep failed: %v", err)
	}

	if err := coordinator.Fulfill(ctx, id); err != nil {
		t.Fatalf("Fulfill failed: %v", err)
	}

	if got := machine.RecentWinner(); got != "player-3" {
		t.Errorf("Expected winner player-3, got %s", got)
	}
	if got := book.Balance("player-3"); got != 4*testFee {
		t.Errorf("Expected winner balance %d, got %d", 4*testFee, got)
	}

	request, ok := coordinator.Request(id)
	if !ok {
		t.Fatal("Coordinator should retain the request")
	}
	if request.Status != vrf.RequestStatusFulfilled {
		t.Errorf("Expected request status %s, got %s", vrf.RequestStatusFulfilled, request.Status)
	}
}
