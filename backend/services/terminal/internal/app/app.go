package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"fuelpos/backend/libs/db"
	libredis "fuelpos/backend/libs/redis"
	"fuelpos/backend/services/terminal/internal/catalog"
	"fuelpos/backend/services/terminal/internal/clients"
	"fuelpos/backend/services/terminal/internal/config"
	"fuelpos/backend/services/terminal/internal/connectivity"
	"fuelpos/backend/services/terminal/internal/device"
	"fuelpos/backend/services/terminal/internal/events"
	httpserver "fuelpos/backend/services/terminal/internal/http"
	"fuelpos/backend/services/terminal/internal/http/handlers"
	"fuelpos/backend/services/terminal/internal/http/middleware"
	"fuelpos/backend/services/terminal/internal/journal"
	"fuelpos/backend/services/terminal/internal/queue"
	"fuelpos/backend/services/terminal/internal/supervisor"
	"fuelpos/backend/services/terminal/internal/syncer"
	"fuelpos/backend/services/terminal/internal/transaction"
)

// TerminalHeader identifies the terminal on the back-office session.
const TerminalHeader = "X-Terminal-ID"

// App wires all dependencies for the terminal.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	journal    *journal.Journal
	bus        *events.Bus
	link       *device.Link
	queue      *queue.Store
	monitor    *connectivity.Monitor
	watcher    *connectivity.Watcher
	engine     *syncer.Engine
	controller *transaction.Controller
	server     *httpserver.Server

	pool  *pgxpool.Pool
	redis *redis.Client

	unsubscribe []func()
	closeOnce   sync.Once
}

// New builds the application graph. Postgres and Redis are optional: when they
// are unreachable the catalog falls back to configured prices.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	jr, err := journal.Open(cfg.JournalPath())
	if err != nil {
		return nil, err
	}
	a.journal = jr
	if pruned, err := jr.PruneFrames(ctx, cfg.Journal.FrameRetention); err != nil {
		logger.Warn("journal prune failed", zap.Error(err))
	} else if pruned > 0 {
		logger.Info("journal pruned", zap.Int64("frames", pruned))
	}

	store, err := queue.Open(cfg.QueuePath(), cfg.Queue.MaxItems, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.queue = store

	a.bus = events.NewBus(logger)

	a.link = device.NewLink(
		device.NewSerialScanner(cfg.Device.ServiceMatch, cfg.Device.RescanInterval, logger),
		device.NewSerialDialer(cfg.Device.BaudRate),
		device.Config{ScanTimeout: cfg.ScanTimeout(), ConnectTimeout: cfg.Device.ConnectTimeout},
		jr, a.bus, logger,
	)

	// Without a sales service every sale goes to the queue.
	online := cfg.Connectivity.AssumeOnline && strings.TrimSpace(cfg.Sales.BaseURL) != ""
	a.monitor = connectivity.NewMonitor(online, cfg.Debounce(), logger)
	if ws := strings.TrimSpace(cfg.Connectivity.WSURL); ws != "" {
		header := http.Header{}
		header.Set(TerminalHeader, cfg.Terminal.ID)
		a.watcher = connectivity.NewWatcher(connectivity.WatcherConfig{
			URL:          ws,
			Header:       header,
			PingInterval: cfg.Connectivity.PingInterval,
			MinBackoff:   cfg.Connectivity.MinBackoff,
			MaxBackoff:   cfg.Connectivity.MaxBackoff,
		}, a.monitor, logger)
	}

	prices := a.openCatalog(ctx)
	sales := NewSalesClient(cfg, logger)

	a.engine = syncer.NewEngine(store, sales, a.monitor.Online, jr, a.bus, cfg.Sales.Timeout, logger)
	a.controller = transaction.NewController(transaction.Dependencies{
		Device:       a.link,
		Catalog:      prices,
		Submitter:    sales,
		Queue:        store,
		Connectivity: a.monitor,
		Recorder:     jr,
		Publisher:    a.bus,
	}, transaction.Config{
		Precision:     cfg.Currency.Precision,
		FuelType:      cfg.Sales.FuelType,
		AutoSubmit:    cfg.Sales.AutoSubmit,
		SubmitTimeout: cfg.Sales.Timeout,
	}, logger)

	a.unsubscribe = append(a.unsubscribe,
		a.link.OnMessage(a.controller.HandleMessage),
		a.link.OnState(func(change device.StateChange) {
			fields := []zap.Field{zap.String("from", string(change.From)), zap.String("to", string(change.To))}
			if change.Device != nil {
				fields = append(fields, zap.String("device", change.Device.Name))
			}
			logger.Info("device link", fields...)
		}),
		a.monitor.Subscribe(func(online bool) {
			a.bus.Publish(events.TypeConnectivity, map[string]bool{"online": online})
			if online {
				a.engine.Trigger()
			}
		}),
	)

	var verifier middleware.PINVerifier
	if strings.TrimSpace(cfg.Supervisor.PINHash) != "" {
		verifier = supervisor.NewVerifier(cfg.Supervisor.PINHash, supervisor.NewBcryptHasher(0))
	} else {
		logger.Warn("supervisor pin not configured, discarding queued sales is disabled")
	}

	deps := httpserver.RouterDeps{
		Health: handlers.NewHealthHandler(),
		Status: handlers.NewStatusHandler(handlers.StatusSources{
			TerminalID:   cfg.Terminal.ID,
			Link:         a.link,
			Connectivity: a.monitor,
			Queue:        store,
			Controller:   a.controller,
		}),
		Device: handlers.NewDeviceHandlers(a.link, logger),
		Sales:  handlers.NewSalesHandlers(a.controller, logger),
		Queue:  handlers.NewQueueHandlers(store, a.engine, jr, a.bus, logger),
		Events: handlers.NewEventsHandler(a.bus, 0, logger).Stream,
		Logger: logger,
	}
	if verifier != nil {
		deps.SupervisorPIN = middleware.RequireSupervisorPIN(verifier, logger)
	}
	a.server = httpserver.NewServer(cfg.HTTPAddress(), httpserver.NewRouter(deps), logger)

	return a, nil
}

// NewSalesClient builds the sale submission client. Without a signing secret
// requests go out unauthenticated.
func NewSalesClient(cfg *config.Config, logger *zap.Logger) *clients.SalesClient {
	var tokens clients.TokenProvider
	if strings.TrimSpace(cfg.Sales.JWTSecret) != "" {
		tokens = clients.NewTokenSource(cfg.Sales.JWTSecret, cfg.Terminal.ID, cfg.Terminal.StationID, cfg.Sales.TokenLifetime)
	}
	return clients.NewSalesClient(cfg.Sales.BaseURL, cfg.Sales.Timeout, tokens, logger)
}

func (a *App) openCatalog(ctx context.Context) *catalog.Service {
	var (
		repo  catalog.Repository
		cache catalog.Cache
	)
	if dsn := strings.TrimSpace(a.cfg.Catalog.PostgresDSN); dsn != "" {
		pool, err := db.NewPostgresPool(ctx, dsn)
		if err != nil {
			a.logger.Warn("station database unavailable, using cached prices", zap.Error(err))
		} else {
			a.pool = pool
			repo = catalog.NewPostgresRepository(pool)
		}
	}
	if addr := strings.TrimSpace(a.cfg.Catalog.RedisAddr); addr != "" {
		client, err := libredis.NewRedisClient(ctx, addr, a.cfg.Catalog.RedisPassword, a.cfg.Catalog.RedisDB)
		if err != nil {
			a.logger.Warn("catalog cache unavailable", zap.Error(err))
		} else {
			a.redis = client
			cache = catalog.NewRedisCache(client, a.cfg.Catalog.CacheTTL)
		}
	}
	return catalog.NewService(repo, cache, a.cfg.Catalog.DefaultPrices, a.logger)
}

// Run starts the controller, sync engine, connectivity watcher and HTTP server
// and blocks until ctx is done or one of them fails.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	failed := make(chan error, 4)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				failed <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	start("controller", a.controller.Run)
	start("sync engine", func(ctx context.Context) error {
		a.engine.Run(ctx)
		return nil
	})
	if a.watcher != nil {
		start("connectivity watcher", a.watcher.Run)
	}
	start("http server", a.server.Run)

	if a.cfg.Device.AutoConnect {
		go a.autoConnect(ctx)
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-failed:
		a.logger.Error("terminal component stopped", zap.Error(err))
	}
	cancel()
	// Event streams hold hijacked connections the server does not track.
	a.bus.Close()
	wg.Wait()
	return err
}

func (a *App) autoConnect(ctx context.Context) {
	connectCtx, cancel := context.WithTimeout(ctx, a.cfg.ScanTimeout()+a.cfg.Device.ConnectTimeout)
	defer cancel()
	if err := a.link.Connect(connectCtx, nil); err != nil {
		a.logger.Warn("dispenser auto-connect failed", zap.Error(err))
	}
}

// Close releases resources.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		for _, unsubscribe := range a.unsubscribe {
			unsubscribe()
		}
		if a.link != nil {
			a.link.Disconnect()
		}
		if a.monitor != nil {
			a.monitor.Close()
		}
		if a.bus != nil {
			a.bus.Close()
		}
		if a.redis != nil {
			if err := a.redis.Close(); err != nil {
				a.logger.Warn("failed to close redis", zap.Error(err))
			}
		}
		if a.pool != nil {
			a.pool.Close()
		}
		if a.journal != nil {
			if err := a.journal.Close(); err != nil {
				a.logger.Warn("failed to close journal", zap.Error(err))
			}
		}
	})
}
