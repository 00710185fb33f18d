package vrf

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/openraffle/raffle-engine/internal/events"
	"github.com/openraffle/raffle-engine/internal/metrics"
	"github.com/openraffle/raffle-engine/internal/system"
	"github.com/openraffle/raffle-engine/pkg/logger"
)

var _ system.Service = (*Coordinator)(nil)
var _ RandomnessSource = (*Coordinator)(nil)

var (
	// ErrUnknownRequest is returned when the request ID was never issued.
	ErrUnknownRequest = errors.New("unknown randomness request")
	// ErrAlreadyFulfilled is returned when the request was already delivered
	// and accepted. Fulfillment happens at most once.
	ErrAlreadyFulfilled = errors.New("randomness request already fulfilled")
	// ErrDeliveryInFlight is returned when another delivery for the same
	// request is currently running.
	ErrDeliveryInFlight = errors.New("randomness delivery in flight")
	// ErrNoConsumer is returned when fulfillment is attempted before a
	// consumer was registered.
	ErrNoConsumer = errors.New("no randomness consumer registered")
)

// Config controls coordinator behaviour.
type Config struct {
	// Seed feeds deterministic word derivation. Empty means a random
	// per-process seed.
	Seed string
	// AutoFulfill makes the background worker deliver pending requests
	// after FulfillDelay. Without it, delivery happens only through
	// Fulfill or FulfillWith.
	AutoFulfill  bool
	FulfillDelay time.Duration
	// TickInterval is the worker poll cadence.
	TickInterval time.Duration
}

// Coordinator issues randomness requests and delivers random words to the
// registered consumer. Words are either taken from a scripted queue or
// derived deterministically from the seed.
type Coordinator struct {
	log   *logger.Logger
	sink  events.Sink
	seed  []byte
	auto  bool
	delay time.Duration
	tick  time.Duration

	mu          sync.Mutex
	consumer    Consumer
	nextID      uint64
	requests    map[uint64]*Request
	queued      [][]*big.Int
	nextAttempt map[uint64]time.Time

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewCoordinator constructs a coordinator. The sink may be nil when event
// recording is not wanted.
func NewCoordinator(cfg Config, sink events.Sink, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.NewDefault("randomness-coordinator")
	}
	if sink == nil {
		sink = events.NoOpLogger{}
	}
	tickInterval := cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = 25 * time.Millisecond
	}
	return &Coordinator{
		log:         log,
		sink:        sink,
		seed:        parseSeed(cfg.Seed),
		auto:        cfg.AutoFulfill,
		delay:       cfg.FulfillDelay,
		tick:        tickInterval,
		nextID:      1,
		requests:    make(map[uint64]*Request),
		nextAttempt: make(map[uint64]time.Time),
	}
}

// WithConsumer registers the consumer that receives random words. It must be
// called before any fulfillment.
func (c *Coordinator) WithConsumer(consumer Consumer) {
	c.mu.Lock()
	c.consumer = consumer
	c.mu.Unlock()
}

// Name returns the stable service identifier.
func (c *Coordinator) Name() string { return "randomness-coordinator" }

// Start launches the auto-fulfillment worker. It is a no-op when auto
// fulfillment is disabled.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if !c.auto {
		c.mu.Unlock()
		c.log.Info("auto fulfillment disabled; deliveries require operator action")
		return nil
	}
	if c.running {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.tick)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				c.deliverReady(runCtx)
			}
		}
	}()

	c.log.Info("randomness coordinator started")
	return nil
}

// Stop halts the auto-fulfillment worker and waits for it to exit.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	c.running = false
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.log.Info("randomness coordinator stopped")
	return nil
}

// RequestRandomWords records a new randomness request and returns its ID.
// It never delivers synchronously, so callers may hold their own locks.
func (c *Coordinator) RequestRandomWords(ctx context.Context, req RandomWordsRequest) (uint64, error) {
	if req.NumWords == 0 {
		return 0, fmt.Errorf("request random words: num_words must be at least 1")
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.requests[id] = &Request{
		ID:          id,
		Params:      req,
		Status:      RequestStatusPending,
		RequestedAt: time.Now().UTC(),
	}
	c.mu.Unlock()

	metrics.RecordRandomnessRequest()
	events.NewEvent(events.EventRandomnessRequested).
		Module("randomness").
		Message("randomness requested").
		RequestID(strconv.FormatUint(id, 10)).
		Metadata("num_words", strconv.FormatUint(uint64(req.NumWords), 10)).
		LogTo(c.sink)

	c.log.WithField("request_id", id).WithField("num_words", req.NumWords).Info("randomness requested")
	return id, nil
}

// Fulfill delivers words for the request, preferring scripted words queued
// via QueueWords and otherwise deriving them from the seed.
func (c *Coordinator) Fulfill(ctx context.Context, requestID uint64) error {
	return c.deliver(ctx, requestID, nil)
}

// FulfillWith delivers the given words for the request, bypassing both the
// scripted queue and seed derivation.
func (c *Coordinator) FulfillWith(ctx context.Context, requestID uint64, words []*big.Int) error {
	if len(words) == 0 {
		return fmt.Errorf("fulfill request %d: empty word set", requestID)
	}
	return c.deliver(ctx, requestID, words)
}

// QueueWords scripts the word set used by the next fulfillment that does not
// carry explicit words. Queued sets are consumed in FIFO order.
func (c *Coordinator) QueueWords(words []*big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := make([]*big.Int, len(words))
	copy(set, words)
	c.queued = append(c.queued, set)
}

// Request returns a copy of the request record.
func (c *Coordinator) Request(requestID uint64) (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[requestID]
	if !ok {
		return Request{}, false
	}
	return copyRequest(req), true
}

// Pending returns all requests still awaiting delivery, oldest first.
func (c *Coordinator) Pending() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	var pending []Request
	for _, req := range c.requests {
		if req.Status == RequestStatusPending {
			pending = append(pending, copyRequest(req))
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	return pending
}

// deliver runs one fulfillment attempt. The coordinator lock is released
// around the consumer callback so the consumer may safely call back into the
// coordinator from other goroutines.
func (c *Coordinator) deliver(ctx context.Context, requestID uint64, explicit []*big.Int) error {
	c.mu.Lock()
	req, ok := c.requests[requestID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("deliver request %d: %w", requestID, ErrUnknownRequest)
	}
	switch req.Status {
	case RequestStatusFulfilled:
		c.mu.Unlock()
		return fmt.Errorf("deliver request %d: %w", requestID, ErrAlreadyFulfilled)
	case RequestStatusDelivering:
		c.mu.Unlock()
		return fmt.Errorf("deliver request %d: %w", requestID, ErrDeliveryInFlight)
	}
	consumer := c.consumer
	if consumer == nil {
		c.mu.Unlock()
		return fmt.Errorf("deliver request %d: %w", requestID, ErrNoConsumer)
	}

	words := explicit
	if words == nil && len(c.queued) > 0 {
		words = c.queued[0]
		c.queued = c.queued[1:]
	}
	if words == nil {
		words = deriveWords(c.seed, requestID, req.Params.NumWords)
	}

	req.Status = RequestStatusDelivering
	req.Attempts++
	requestedAt := req.RequestedAt
	c.mu.Unlock()

	err := consumer.OnRandomWordsReady(ctx, requestID, words)
	elapsed := time.Since(requestedAt)

	c.mu.Lock()
	if err != nil {
		req.Status = RequestStatusPending
		req.LastError = err.Error()
		c.mu.Unlock()

		metrics.RecordRandomnessFulfillment("failed", elapsed)
		c.log.WithError(err).WithField("request_id", requestID).Warn("randomness delivery rejected")
		return fmt.Errorf("deliver request %d: %w", requestID, err)
	}

	now := time.Now().UTC()
	req.Status = RequestStatusFulfilled
	req.FulfilledAt = &now
	req.Words = words
	req.LastError = ""
	delete(c.nextAttempt, requestID)
	c.mu.Unlock()

	metrics.RecordRandomnessFulfillment("fulfilled", elapsed)
	events.NewEvent(events.EventRandomnessFulfilled).
		Module("randomness").
		Message("randomness fulfilled").
		RequestID(strconv.FormatUint(requestID, 10)).
		Duration(elapsed).
		LogTo(c.sink)

	c.log.WithField("request_id", requestID).WithField("attempts", req.Attempts).Info("randomness fulfilled")
	return nil
}

// deliverReady fulfills every pending request whose delay has elapsed.
func (c *Coordinator) deliverReady(ctx context.Context) {
	now := time.Now()

	c.mu.Lock()
	var ready []uint64
	for id, req := range c.requests {
		if req.Status != RequestStatusPending {
			continue
		}
		if now.Sub(req.RequestedAt) < c.delay {
			continue
		}
		if next, ok := c.nextAttempt[id]; ok && now.Before(next) {
			continue
		}
		ready = append(ready, id)
	}
	c.mu.Unlock()

	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	for _, id := range ready {
		if err := c.deliver(ctx, id, nil); err != nil {
			c.scheduleRetry(id)
		}
	}
}

func (c *Coordinator) scheduleRetry(id uint64) {
	after := c.delay
	if after <= 0 {
		after = c.tick * 4
	}
	c.mu.Lock()
	c.nextAttempt[id] = time.Now().Add(after)
	c.mu.Unlock()
}

func copyRequest(req *Request) Request {
	out := *req
	if req.Words != nil {
		out.Words = make([]*big.Int, len(req.Words))
		copy(out.Words, req.Words)
	}
	if req.FulfilledAt != nil {
		at := *req.FulfilledAt
		out.FulfilledAt = &at
	}
	return out
}
