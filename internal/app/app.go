// Package app wires a workspace into a ready engine and catalog.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"loopline/internal/catalog"
	"loopline/internal/compose"
	"loopline/internal/condition"
	"loopline/internal/config"
	"loopline/internal/db"
	"loopline/internal/definitions"
	"loopline/internal/domain"
	"loopline/internal/engine"
	"loopline/internal/guarantee"
	"loopline/internal/migrate"
	"loopline/internal/server"
	"loopline/internal/watch"
)

// App is an opened workspace.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Catalog   *catalog.Catalog
	Engine    engine.Engine
	Logger    *slog.Logger
}

// Open ensures the workspace exists, migrates its database and loads the
// definition catalog. Definition problems are logged, not returned.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	cat := catalog.New(catalog.Options{
		Source: definitions.Source{
			SkillDirs: cfg.SkillDirs(workspace),
			LoopDirs:  cfg.LoopDirs(workspace),
		},
		Defaults:    Defaults(cfg),
		Aggregation: Aggregation(cfg),
		Logger:      logger.With("component", "catalog"),
	})
	if _, err := cat.Reload(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	eng := engine.New(conn, cat)
	eng.Logger = logger.With("component", "engine")
	eng.Conditions = condition.Evaluator{Timeout: cfg.ConditionTimeout()}

	return &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Catalog:   cat,
		Engine:    eng,
		Logger:    logger,
	}, nil
}

// Defaults are the loop defaults every composition starts from.
func Defaults(cfg *config.Config) compose.Defaults {
	return compose.Defaults{
		Mode:     domain.Mode(cfg.Defaults.Mode),
		Autonomy: domain.Autonomy(cfg.Defaults.Autonomy),
		UI:       cfg.Defaults.UI,
	}
}

func Aggregation(cfg *config.Config) guarantee.Config {
	return guarantee.Config{
		RequireSkillGuarantees: cfg.Aggregation.RequireSkillGuarantees,
		IncludeOptional:        cfg.Aggregation.IncludeOptional,
	}
}

func (a *App) Close() error {
	return a.DB.Close()
}

// Handler builds the HTTP command surface. Without a JWT secret the
// X-Actor-Id header is trusted.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:   a.Engine,
		Catalog:  a.Catalog,
		BasePath: a.Config.Server.BasePath,
		Auth: server.AuthConfig{
			JWTSecret:        a.Config.Server.JWTSecret,
			AllowActorHeader: a.Config.Server.JWTSecret == "",
		},
		Logger: a.Logger.With("component", "http"),
	})
}

// Watch reloads the catalog on definition changes until ctx is cancelled.
func (a *App) Watch(ctx context.Context) error {
	dirs := append(a.Config.SkillDirs(a.Workspace), a.Config.LoopDirs(a.Workspace)...)
	w := watch.Watcher{
		Dirs:     dirs,
		Debounce: a.Config.DebounceDuration(),
		Logger:   a.Logger.With("component", "watch"),
		OnChange: func(ctx context.Context) {
			if _, err := a.Catalog.Reload(ctx); err != nil {
				a.Logger.Error("catalog reload failed", "err", err)
			}
		},
	}
	return w.Run(ctx)
}
