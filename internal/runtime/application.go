// Package runtime assembles the engine from configuration: ledger, event
// log, settlement store, raffle machine, randomness coordinator and the
// service stack around them.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/openraffle/raffle-engine/internal/config"
	"github.com/openraffle/raffle-engine/internal/events"
	"github.com/openraffle/raffle-engine/internal/httpapi"
	"github.com/openraffle/raffle-engine/internal/keeper"
	"github.com/openraffle/raffle-engine/internal/ledger"
	"github.com/openraffle/raffle-engine/internal/raffle"
	"github.com/openraffle/raffle-engine/internal/relay"
	"github.com/openraffle/raffle-engine/internal/storage"
	"github.com/openraffle/raffle-engine/internal/storage/migrations"
	"github.com/openraffle/raffle-engine/internal/system"
	"github.com/openraffle/raffle-engine/internal/vrf"
	"github.com/openraffle/raffle-engine/pkg/logger"
)

// Application wires core dependencies and manages their lifecycle. The keeper
// and the relay are optional; everything else always runs.
type Application struct {
	cfg     *config.Config
	log     *logger.Logger
	db      *sqlx.DB
	manager *Manager

	Book        *ledger.Book
	Events      *events.RingBuffer
	Store       storage.Store
	Machine     *raffle.Machine
	Coordinator *vrf.Coordinator
	Keeper      *keeper.Keeper
	Relay       *relay.Relay
	API         *httpapi.Server
}

// New assembles an application from configuration. A nil log builds one from
// cfg.Logging.
func New(cfg *config.Config, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.New(logger.LoggingConfig{
			Level:      cfg.Logging.Level,
			Format:     cfg.Logging.Format,
			Output:     cfg.Logging.Output,
			FilePrefix: cfg.Logging.FilePrefix,
		})
	}

	buf := events.NewRingBuffer(cfg.Events.BufferSize)
	book := ledger.NewBook(log)

	var (
		store storage.Store
		db    *sqlx.DB
	)
	if cfg.Database.DSN != "" {
		var err error
		db, err = openDatabase(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("configure settlement store: %w", err)
		}
		store = storage.NewPostgresStore(db)
		log.Info("settlement history backed by postgres")
	} else {
		store = storage.NewMemoryStore()
		log.Info("settlement history kept in memory")
	}

	coordinator := vrf.NewCoordinator(vrf.Config{
		Seed:         cfg.Randomness.Seed,
		AutoFulfill:  cfg.Randomness.AutoFulfill,
		FulfillDelay: time.Duration(cfg.Randomness.FulfillDelayMS) * time.Millisecond,
	}, buf, log)

	machine := raffle.NewMachine(raffle.Params{
		EntranceFee:      cfg.Raffle.EntranceFee,
		Interval:         time.Duration(cfg.Raffle.IntervalSeconds) * time.Second,
		Confirmations:    cfg.Randomness.Confirmations,
		CallbackGasLimit: cfg.Randomness.CallbackGasLimit,
		NumWords:         cfg.Randomness.NumWords,
	}, book, coordinator, buf, log).WithStore(store)
	coordinator.WithConsumer(machine)

	api := httpapi.New(httpapi.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		CORSOrigins:    cfg.Server.CORSOrigins,
	}, httpapi.Deps{
		Machine:    machine,
		Book:       book,
		Store:      store,
		Randomness: coordinator,
		Events:     buf,
		Log:        log,
	})

	app := &Application{
		cfg:         cfg,
		log:         log,
		db:          db,
		manager:     NewManager(buf, log),
		Book:        book,
		Events:      buf,
		Store:       store,
		Machine:     machine,
		Coordinator: coordinator,
		API:         api,
	}

	services := []system.Service{coordinator}
	if cfg.Keeper.Enabled {
		app.Keeper = keeper.New(machine, keeper.Config{
			Interval: time.Duration(cfg.Keeper.IntervalSeconds) * time.Second,
			Schedule: cfg.Keeper.Schedule,
		}, log)
		services = append(services, app.Keeper)
	}
	if cfg.Relay.RedisAddr != "" {
		app.Relay = relay.New(relay.Config{
			Addr:     cfg.Relay.RedisAddr,
			Password: cfg.Relay.RedisPassword,
			DB:       cfg.Relay.RedisDB,
			Channel:  cfg.Relay.Channel,
		}, buf, log)
		services = append(services, app.Relay)
	}
	services = append(services, api)

	for _, svc := range services {
		if err := app.manager.Register(svc); err != nil {
			return nil, err
		}
	}
	return app, nil
}

// Start brings every service up in order. Most callers use Run instead.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Run starts the services and blocks until the context is cancelled. Call
// Shutdown afterwards with a fresh context.
func (a *Application) Run(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return err
	}
	a.log.WithFields(map[string]interface{}{
		"addr":             a.API.Addr(),
		"entrance_fee":     a.cfg.Raffle.EntranceFee,
		"interval_seconds": a.cfg.Raffle.IntervalSeconds,
		"auto_fulfill":     a.cfg.Randomness.AutoFulfill,
		"keeper":           a.Keeper != nil,
		"relay":            a.Relay != nil,
	}).Info("raffle engine running")

	<-ctx.Done()
	return nil
}

// Shutdown stops every service in reverse order and closes the database.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := a.manager.Stop(shutdownCtx)
	if a.db != nil {
		if cerr := a.db.Close(); cerr != nil {
			a.log.WithError(cerr).Warn("error closing database connection")
		}
	}
	return err
}

func openDatabase(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}

	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrations.Apply(ctx, db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return db, nil
}
