package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"txqueue/internal/adapter/httpbridge"
	"txqueue/internal/adapter/scheduler"
	"txqueue/internal/bridge"
	"txqueue/internal/config"
	"txqueue/internal/platform/logger"
	"txqueue/internal/platform/pg"
	"txqueue/internal/platform/sqlite"
	"txqueue/internal/txqueue"
)

// engine is a bridge owned by the app that must be released on shutdown.
// Maintenance reaches its databases through it, so it also covers databases
// that remote clients drive over HTTP.
type engine interface {
	bridge.Bridge
	scheduler.Engine
	CloseAll() error
}

// App wires application components.
type App struct {
	cfg     config.Config
	log     *slog.Logger
	bridge  bridge.Bridge
	engine  engine
	manager *txqueue.Manager

	maintenance *scheduler.Maintenance
}

// New loads configuration and creates the logger.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg), nil
}

// NewWithConfig creates an App from an already validated configuration.
func NewWithConfig(cfg config.Config) *App {
	log := logger.New(logger.Options{
		Env:          cfg.Env,
		ConsoleLevel: cfg.Log.ConsoleLevel,
		FileLevel:    cfg.Log.FileLevel,
		File:         cfg.Log.File,
		App:          "txqueue",
	})
	return &App{cfg: cfg, log: log}
}

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger { return a.log }

// Init builds the configured engine and the transaction queue on top of it.
func (a *App) Init(ctx context.Context) error {
	b, err := a.newBridge(ctx)
	if err != nil {
		return err
	}
	a.bridge = b
	a.manager = txqueue.NewManager(b, txqueue.Options{
		MaxRounds:    a.cfg.Queue.MaxRounds,
		BatchTimeout: a.cfg.Queue.BatchTimeout,
		Logger:       a.log,
	})
	if stmts := a.maintenanceStatements(); len(stmts) > 0 && a.cfg.Maintenance.Schedule != "off" {
		target := scheduler.QueueTarget(a.manager)
		if a.engine != nil {
			target = scheduler.EngineTarget(a.engine)
		}
		a.maintenance = scheduler.NewMaintenance(target, stmts, a.log)
	}
	a.log.Info("queue ready", slog.String("engine", a.cfg.Engine))
	return nil
}

// Manager returns the transaction queue. Init must be called first.
func (a *App) Manager() *txqueue.Manager { return a.manager }

func (a *App) newBridge(ctx context.Context) (bridge.Bridge, error) {
	switch a.cfg.Engine {
	case config.EngineSQLite:
		cfg := sqlite.DefaultConfig(a.cfg.SQLite.DataDir)
		cfg.DB.WALMode = a.cfg.SQLite.WAL
		cfg.DB.BusyTimeout = a.cfg.SQLite.BusyTimeout
		cfg.MigrationsPath = a.cfg.MigrationsPath
		e, err := sqlite.NewEngine(cfg, a.log)
		if err != nil {
			return nil, err
		}
		a.engine = e
		return e, nil

	case config.EnginePostgres:
		if err := pg.WaitForDB(ctx, a.cfg.Postgres.DSN, pg.DefaultHealthCheckOptions(), a.log); err != nil {
			return nil, fmt.Errorf("postgres not reachable: %w", err)
		}
		cfg := pg.DefaultConfig(a.cfg.Postgres.DSN)
		cfg.MigrationsPath = a.cfg.MigrationsPath
		e, err := pg.NewEngine(ctx, cfg, a.log)
		if err != nil {
			return nil, err
		}
		a.engine = e
		return e, nil

	case config.EngineRemote:
		c, err := httpbridge.NewClient(a.cfg.Remote.URL, httpbridge.ClientOptions{
			Secret:  []byte(a.cfg.Auth.Secret),
			Timeout: 30 * time.Second,
			Retries: 2,
		}, a.log)
		if err != nil {
			return nil, err
		}
		if err := c.Ping(ctx); err != nil {
			return nil, fmt.Errorf("remote bridge not reachable: %w", err)
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown engine %q", a.cfg.Engine)
}

func (a *App) maintenanceStatements() []string {
	switch a.cfg.Engine {
	case config.EnginePostgres:
		return scheduler.PostgresMaintenance
	case config.EngineSQLite:
		return scheduler.SQLiteMaintenance
	}
	return nil
}

// Run serves until ctx is canceled: the bridge server when HTTP_ADDR is set
// and the maintenance job when the engine has one.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting")

	sched := scheduler.New(ctx, scheduler.Config{Logger: a.log})
	if a.maintenance != nil {
		if _, err := a.maintenance.Register(sched, a.cfg.Maintenance.Schedule, time.Minute); err != nil {
			return err
		}
	}
	sched.Start()

	var serveErr error
	if a.cfg.HTTP.Addr != "" && a.engine != nil {
		srv := httpbridge.NewServer(a.engine, httpbridge.ServerOptions{
			Secret:       []byte(a.cfg.Auth.Secret),
			BatchTimeout: a.cfg.Queue.BatchTimeout,
		}, a.log)
		serveErr = srv.ListenAndServe(ctx, a.cfg.HTTP.Addr)
	} else {
		<-ctx.Done()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(serveErr, sched.StopContext(stopCtx))
}

// Close drains the queue and releases the engine and the log file.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.manager != nil {
		errs = append(errs, a.manager.Close(ctx))
	}
	if a.engine != nil {
		errs = append(errs, a.engine.CloseAll())
	}
	a.log.Info("stopped")
	errs = append(errs, logger.Close(a.log))
	return errors.Join(errs...)
}
