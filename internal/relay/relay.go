// Package relay forwards engine events to a Redis pub/sub channel so
// dashboards and indexers can follow rounds live instead of polling the
// operator API. The relay is optional: the runtime only constructs one when
// a Redis address is configured.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/openraffle/raffle-engine/internal/events"
	"github.com/openraffle/raffle-engine/internal/system"
	"github.com/openraffle/raffle-engine/pkg/logger"
)

var _ system.Service = (*Relay)(nil)

const (
	// DefaultChannel is the pub/sub channel when none is configured.
	DefaultChannel = "raffle.events"

	// DefaultQueueSize bounds the events buffered between the event log and
	// the publisher goroutine.
	DefaultQueueSize = 256

	publishTimeout = 5 * time.Second
)

// Publisher is the slice of the Redis client the relay uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Config connects the relay to a Redis server.
type Config struct {
	Addr     string
	Password string
	DB       int

	Channel   string
	QueueSize int
}

// Relay subscribes to the event log and publishes each event as JSON.
// Delivery is fire and forget: a failed publish is logged and dropped,
// because the event log itself remains the durable record.
type Relay struct {
	client  Publisher
	channel string
	source  events.EventLogger
	log     *logger.Logger

	queueSize int
	dropped   int64

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// New builds a relay with its own Redis client.
func New(cfg Config, source events.EventLogger, log *logger.Logger) *Relay {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg, source, log)
}

// NewWithClient builds a relay around an existing client.
func NewWithClient(client Publisher, cfg Config, source events.EventLogger, log *logger.Logger) *Relay {
	if log == nil {
		log = logger.NewDefault("relay")
	}
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Relay{
		client:    client,
		channel:   channel,
		source:    source,
		log:       log,
		queueSize: queueSize,
	}
}

// Name implements system.Service.
func (r *Relay) Name() string { return "event-relay" }

// Start verifies connectivity, subscribes to the event log and launches the
// publisher goroutine.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, publishTimeout)
	err := r.client.Ping(pingCtx).Err()
	pingCancel()
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("connect event relay: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	queue := make(chan events.Event, r.queueSize)

	// The subscription handler runs on the emitter's goroutine and must
	// never block it. When the queue is full the event is dropped; the ring
	// buffer still holds it for the operator API.
	r.unsubscribe = r.source.Subscribe(func(event events.Event) {
		select {
		case queue <- event:
		default:
			atomic.AddInt64(&r.dropped, 1)
		}
	})

	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				// Flush whatever is already buffered before exiting.
				for {
					select {
					case event := <-queue:
						r.publish(event)
					default:
						return
					}
				}
			case event := <-queue:
				r.publish(event)
			}
		}
	}()

	r.log.WithFields(map[string]interface{}{
		"channel":    r.channel,
		"queue_size": r.queueSize,
	}).Info("event relay started")
	return nil
}

// Stop unsubscribes from the event log, flushes the queue and closes the
// Redis client.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	unsubscribe := r.unsubscribe
	cancel := r.cancel
	r.running = false
	r.unsubscribe = nil
	r.cancel = nil
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := r.client.Close(); err != nil {
		return fmt.Errorf("close event relay client: %w", err)
	}

	if dropped := atomic.LoadInt64(&r.dropped); dropped > 0 {
		r.log.WithField("dropped", dropped).Warn("event relay dropped events under backpressure")
	}
	r.log.Info("event relay stopped")
	return nil
}

// Dropped reports how many events were discarded because the queue was full.
func (r *Relay) Dropped() int64 {
	return atomic.LoadInt64(&r.dropped)
}

func (r *Relay) publish(event events.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		r.log.WithError(err).WithField("event_id", event.ID).Warn("encode relay event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.log.WithError(err).WithFields(map[string]interface{}{
			"event_id": event.ID,
			"channel":  r.channel,
		}).Warn("publish relay event")
	}
}
