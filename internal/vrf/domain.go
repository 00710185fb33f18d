// Package vrf simulates a verifiable-randomness coordinator. The raffle
// requests random words through the RandomnessSource interface and receives
// them back on its Consumer callback, correlated by request ID, the same way
// a deployed contract talks to an on-chain VRF coordinator.
package vrf

import (
	"context"
	"math/big"
	"time"
)

// RandomWordsRequest carries the parameters of a randomness request.
type RandomWordsRequest struct {
	KeyHash              string `json:"key_hash"`
	SubscriptionID       uint64 `json:"subscription_id"`
	MinimumConfirmations uint16 `json:"minimum_confirmations"`
	CallbackGasLimit     uint32 `json:"callback_gas_limit"`
	NumWords             uint32 `json:"num_words"`
	NativePayment        bool   `json:"native_payment"`
}

// RandomnessSource issues randomness requests. The returned ID correlates the
// eventual fulfillment with the request.
type RandomnessSource interface {
	RequestRandomWords(ctx context.Context, req RandomWordsRequest) (uint64, error)
}

// Consumer receives random words for a previously issued request. A non-nil
// error tells the coordinator the delivery was not accepted; the request
// stays outstanding and may be retried.
type Consumer interface {
	OnRandomWordsReady(ctx context.Context, requestID uint64, words []*big.Int) error
}

// ConsumerFunc allows a function to satisfy Consumer.
type ConsumerFunc func(ctx context.Context, requestID uint64, words []*big.Int) error

// OnRandomWordsReady calls the underlying function.
func (f ConsumerFunc) OnRandomWordsReady(ctx context.Context, requestID uint64, words []*big.Int) error {
	return f(ctx, requestID, words)
}

// RequestStatus describes where a request is in its lifecycle.
type RequestStatus string

const (
	// RequestStatusPending means the request is waiting for delivery.
	RequestStatusPending RequestStatus = "pending"
	// RequestStatusDelivering means a delivery to the consumer is in flight.
	RequestStatusDelivering RequestStatus = "delivering"
	// RequestStatusFulfilled means the consumer accepted the random words.
	RequestStatusFulfilled RequestStatus = "fulfilled"
)

// Request is the coordinator's record of an issued randomness request.
type Request struct {
	ID          uint64             `json:"id"`
	Params      RandomWordsRequest `json:"params"`
	Status      RequestStatus      `json:"status"`
	RequestedAt time.Time          `json:"requested_at"`
	FulfilledAt *time.Time         `json:"fulfilled_at,omitempty"`
	Words       []*big.Int         `json:"words,omitempty"`
	Attempts    int                `json:"attempts"`
	LastError   string             `json:"last_error,omitempty"`
}
