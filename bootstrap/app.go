package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"strata/config"
	"strata/storage"
)

// Options selects where NewApp reads its configuration and migrations from
type Options struct {
	// ConfigFile is an explicit config path; empty searches ./config.yaml and ./config/config.yaml
	ConfigFile string
	// MigrationsDir replaces the embedded baseline with the scripts in this directory
	MigrationsDir string
	// Logger overrides the logger built from the logging config
	Logger *zap.Logger
}

// App owns the configuration, the logger and the storage manager of one process
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Sugar      *zap.SugaredLogger
	Storage    *storage.Manager
	Migrations []storage.Migration

	// Cancels the background loops started by Start
	cancelLoops  context.CancelFunc
	shutdownOnce sync.Once
}

// NewApp loads configuration, builds the logger and opens the store with
// every pending migration applied
func NewApp(ctx context.Context, opts Options) (*App, error) {
	cfg, err := InitConfig(opts.ConfigFile)
	if err != nil {
		return nil, err
	}

	app := &App{Config: cfg}

	if opts.Logger != nil {
		app.Logger = opts.Logger
	} else {
		logger, _, err := InitLogger(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		app.Logger = logger
	}
	app.Sugar = app.Logger.Sugar()

	app.Sugar.Info("strata starting...")
	logConfig(cfg, app.Sugar)

	app.Migrations, err = LoadMigrations(opts.MigrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}

	app.Storage, err = InitStorage(ctx, cfg.Storage, app.Migrations, app.Sugar)
	if err != nil {
		return nil, err
	}

	return app, nil
}

// Start launches the Prometheus gauge loop and, when optimize_interval is
// set, scheduled maintenance. Both stop on Shutdown or when ctx is done.
func (a *App) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	a.cancelLoops = cancel

	if interval := a.Config.Storage.MetricsInterval; interval > 0 {
		if err := a.Storage.StartMetricsCollection(loopCtx, interval); err != nil {
			return fmt.Errorf("failed to start metrics collection: %w", err)
		}
	}

	if interval := a.Config.Storage.OptimizeInterval; interval > 0 {
		if err := a.Storage.StartMaintenance(loopCtx, interval); err != nil {
			return fmt.Errorf("failed to start maintenance: %w", err)
		}
	} else {
		a.Sugar.Info("Scheduled maintenance disabled (storage.optimize_interval is 0)")
	}

	return nil
}

// WaitForShutdown blocks until SIGINT/SIGTERM is received or ctx is done
func (a *App) WaitForShutdown(ctx context.Context) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		a.Sugar.Infow("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}
}

// Shutdown stops the background loops and closes the store. Calling it again
// is a no-op.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		a.Sugar.Info("Shutting down...")

		if a.cancelLoops != nil {
			a.cancelLoops()
		}

		if a.Storage != nil {
			if err := a.Storage.Close(); err != nil {
				a.Sugar.Errorw("Failed to close storage", "error", err)
			}
		}

		a.Sugar.Info("Shutdown complete")
		_ = a.Logger.Sync()
	})
}
