// Package ledger provides core balance management for the simulated chain.
// Every payment the raffle handles moves through a Book: entries debit the
// player and credit the pool account, settlement pays the pool out to the
// winner. Keeping all value in one place lets tests assert conservation
// across every transition.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/openraffle/raffle-engine/pkg/logger"
)

var (
	// ErrInsufficientFunds is returned when an account cannot cover a debit.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrTransferRejected is returned when the receiving account refuses the
	// transfer. It simulates a payee whose receive hook reverts.
	ErrTransferRejected = errors.New("transfer rejected by recipient")
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Book tracks account balances in the smallest unit.
type Book struct {
	mu        sync.RWMutex
	balances  map[string]int64
	rejecting map[string]bool
	log       *logger.Logger
}

// NewBook creates an empty balance book.
func NewBook(log *logger.Logger) *Book {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Book{
		balances:  make(map[string]int64),
		rejecting: make(map[string]bool),
		log:       log,
	}
}

// Deposit mints amount into the account. It backs test and operator flows
// that fund player accounts before entering.
func (b *Book) Deposit(address string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit %d to %s: %w", amount, address, ErrInvalidAmount)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.balances[address] += amount
	b.log.WithField("address", address).WithField("amount", amount).Debug("deposit")
	return nil
}

// Transfer moves amount from one account to another. The debit and credit
// happen atomically; a failed transfer leaves both balances untouched.
func (b *Book) Transfer(from, to string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("transfer %d from %s to %s: %w", amount, from, to, ErrInvalidAmount)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.balances[from] < amount {
		return fmt.Errorf("transfer %d from %s: balance %d: %w", amount, from, b.balances[from], ErrInsufficientFunds)
	}
	if b.rejecting[to] {
		return fmt.Errorf("transfer %d to %s: %w", amount, to, ErrTransferRejected)
	}

	b.balances[from] -= amount
	b.balances[to] += amount
	b.log.WithField("from", from).WithField("to", to).WithField("amount", amount).Debug("transfer")
	return nil
}

// Balance returns the current balance of the account.
func (b *Book) Balance(address string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balances[address]
}

// SetRejecting marks an account as refusing incoming transfers. Settlement
// tests use it to force the payout failure path.
func (b *Book) SetRejecting(address string, rejecting bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rejecting {
		b.rejecting[address] = true
	} else {
		delete(b.rejecting, address)
	}
}

// TotalSupply returns the sum of all balances.
func (b *Book) TotalSupply() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var total int64
	for _, balance := range b.balances {
		total += balance
	}
	return total
}
