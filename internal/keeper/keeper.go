// Package keeper automates upkeep. It plays the role the automation network
// plays for a deployed raffle: an external actor that periodically checks
// readiness and triggers settlement when the pool qualifies. Trigger timing
// is either a fixed polling interval or a cron schedule.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openraffle/raffle-engine/internal/raffle"
	"github.com/openraffle/raffle-engine/internal/system"
	"github.com/openraffle/raffle-engine/pkg/logger"
)

var _ system.Service = (*Keeper)(nil)

// DefaultInterval is the polling cadence when none is configured.
const DefaultInterval = 5 * time.Second

// Pool is the slice of the raffle machine the keeper drives. Any actor may
// call these; the keeper is just the automated one.
type Pool interface {
	CheckUpkeep(ctx context.Context) raffle.UpkeepStatus
	PerformUpkeep(ctx context.Context) (uint64, error)
}

// Config controls trigger timing. Schedule, when set, is a cron expression
// and takes precedence over Interval.
type Config struct {
	Interval time.Duration
	Schedule string
}

// Keeper is a lifecycle-managed worker that settles the raffle when it
// becomes ready.
type Keeper struct {
	pool     Pool
	interval time.Duration
	schedule string
	log      *logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	cron    *cron.Cron
	wg      sync.WaitGroup
}

// New constructs a keeper for the given pool.
func New(pool Pool, cfg Config, log *logger.Logger) *Keeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if log == nil {
		log = logger.NewDefault("keeper")
	}
	return &Keeper{
		pool:     pool,
		interval: cfg.Interval,
		schedule: cfg.Schedule,
		log:      log,
	}
}

// Name returns the stable service identifier.
func (k *Keeper) Name() string { return "upkeep-keeper" }

// Start launches the trigger loop.
func (k *Keeper) Start(ctx context.Context) error {
	k.mu.Lock()
	if k.running {
		k.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)

	if k.schedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(k.schedule, func() { k.tick(runCtx) }); err != nil {
			cancel()
			k.mu.Unlock()
			return fmt.Errorf("parse keeper schedule %q: %w", k.schedule, err)
		}
		k.cron = c
		c.Start()
		k.cancel = cancel
		k.running = true
		k.mu.Unlock()

		k.log.WithField("schedule", k.schedule).Info("keeper started")
		return nil
	}

	k.cancel = cancel
	k.running = true
	k.mu.Unlock()

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		ticker := time.NewTicker(k.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				k.tick(runCtx)
			}
		}
	}()

	k.log.WithField("interval", k.interval.String()).Info("keeper started")
	return nil
}

// Stop halts the trigger loop and waits for in-flight ticks to finish.
func (k *Keeper) Stop(ctx context.Context) error {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return nil
	}
	cancel := k.cancel
	c := k.cron
	k.running = false
	k.cancel = nil
	k.cron = nil
	k.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		k.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	k.log.Info("keeper stopped")
	return nil
}

// tick runs one check-then-perform cycle. Not-needed outcomes are expected
// no-ops: another actor may have settled first, or the pool simply is not
// ready yet.
func (k *Keeper) tick(ctx context.Context) {
	status := k.pool.CheckUpkeep(ctx)
	if !status.Ready {
		k.log.WithField("state", string(status.State)).
			WithField("players", status.PlayerCount).
			WithField("remaining_seconds", status.RemainingSeconds).
			Debug("upkeep not needed")
		return
	}

	requestID, err := k.pool.PerformUpkeep(ctx)
	if err != nil {
		if errors.Is(err, raffle.ErrUpkeepNotNeeded) {
			k.log.Debug("upkeep lost the race to another actor")
			return
		}
		k.log.WithError(err).Warn("perform upkeep failed")
		return
	}

	k.log.WithField("request_id", requestID).Info("upkeep performed")
}
