package cmd

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/tapflow/internal/backup"
	"github.com/hugo-lorenzo-mato/tapflow/internal/config"
	"github.com/hugo-lorenzo-mato/tapflow/internal/engine"
	"github.com/hugo-lorenzo-mato/tapflow/internal/events"
	"github.com/hugo-lorenzo-mato/tapflow/internal/logging"
	"github.com/hugo-lorenzo-mato/tapflow/internal/persistence"
)

// runtimeDeps holds the wired storage stack shared by engine commands.
type runtimeDeps struct {
	Config  *config.Config
	Logger  *logging.Logger
	Pool    *persistence.Pool
	Tasks   *persistence.TaskRepository
	Steps   *persistence.StepRepository
	Backups *backup.Manager
	Bus     *events.Bus
}

// Close releases the stack in reverse construction order.
func (d *runtimeDeps) Close() {
	if d.Bus != nil {
		d.Bus.Close()
	}
	if d.Pool != nil {
		if err := d.Pool.Close(); err != nil {
			d.Logger.Warn("closing pool", "error", err)
		}
	}
}

// loadConfig loads configuration using the global viper so CLI flag
// bindings take precedence.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// initDeps builds the logger, pool, repositories, backup manager and bus.
func initDeps() (*runtimeDeps, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	pool, err := persistence.OpenPool(persistence.PoolConfig{
		Path:           cfg.Storage.Path,
		Size:           cfg.Storage.PoolSize,
		AcquireTimeout: cfg.Storage.AcquireTimeout,
		BusyTimeout:    cfg.Storage.BusyTimeout,
		CacheKB:        cfg.Storage.CacheKB,
	})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	backups, err := backup.NewManager(cfg.Backup.Dir, logger)
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("opening backup store: %w", err)
	}

	return &runtimeDeps{
		Config:  cfg,
		Logger:  logger,
		Pool:    pool,
		Tasks:   persistence.NewTaskRepository(pool, logger),
		Steps:   persistence.NewStepRepository(pool, logger),
		Backups: backups,
		Bus:     events.New(cfg.Engine.EventBuffer),
	}, nil
}

// newEngine wires an engine from the shared deps.
func newEngine(deps *runtimeDeps) *engine.Engine {
	return engine.New(deps.Tasks, deps.Steps, deps.Backups, deps.Bus, deps.Logger,
		engine.WithStopGraceDelay(deps.Config.Engine.StopGraceDelay))
}
