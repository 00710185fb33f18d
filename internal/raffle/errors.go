package raffle

import (
	"errors"
	"fmt"
)

// Operation rejections. Every error leaves the pool in a consistent state;
// none are retried internally.
var (
	ErrInsufficientPayment = errors.New("payment below entrance fee")
	ErrRaffleNotOpen       = errors.New("raffle is not open")
	ErrUpkeepNotNeeded     = errors.New("upkeep not needed")
	ErrUnknownRequest      = errors.New("unknown settlement request")
	ErrEmptyPool           = errors.New("no players entered")
	ErrPayoutFailed        = errors.New("winner payout failed")
	ErrPlayerNotFound      = errors.New("player index out of range")
)

// UpkeepNotNeededError reports a PerformUpkeep call made while the raffle
// was not ready to settle. It carries the readiness diagnostics so the
// caller can see which condition failed.
type UpkeepNotNeededError struct {
	Status UpkeepStatus
}

func (e *UpkeepNotNeededError) Error() string {
	return fmt.Sprintf("upkeep not needed: state=%s players=%d pot=%d interval_elapsed=%t",
		e.Status.State, e.Status.PlayerCount, e.Status.Pot, e.Status.IntervalElapsed)
}

// Unwrap makes errors.Is(err, ErrUpkeepNotNeeded) match.
func (e *UpkeepNotNeededError) Unwrap() error { return ErrUpkeepNotNeeded }
