// Package app assembles a running Forge instance from a workspace: config,
// logger, database and engine.
package app

import (
	"database/sql"
	"fmt"
	"log/slog"

	"forge/internal/config"
	"forge/internal/db"
	"forge/internal/engine"
	"forge/internal/migrate"
)

// App is an opened workspace.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Logger    *slog.Logger
}

// Options control Open. An empty ConfigPath reads forge.yml from the
// workspace when present.
type Options struct {
	Workspace  string
	ConfigPath string
	// Override runs after the config is loaded, before validation.
	Override func(*config.Config)
}

// LoadConfig resolves the config for opts.
func LoadConfig(opts Options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.LoadOptional(opts.Workspace)
	}
	if err != nil {
		return nil, err
	}
	if opts.Override != nil {
		opts.Override(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Open loads config, sets up logging, opens and migrates the database and
// builds the engine. Callers must Close the App.
func Open(opts Options) (*App, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := NewLogger(cfg.Log)
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	e.Logger = logger
	e.Actions.Logger = logger
	e.Resolver.Logger = logger
	return &App{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Engine:    e,
		Logger:    logger,
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
