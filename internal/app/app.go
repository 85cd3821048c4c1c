package app

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"x2a/internal/config"
	"x2a/internal/db"
	"x2a/internal/domain"
	"x2a/internal/engine"
	"x2a/internal/migrate"
	"x2a/internal/server"
)

// App bundles an opened, migrated store with the engine built on it.
type App struct {
	Config *config.Config
	DB     *db.DB
	Engine engine.Engine
	Logger *log.Logger
}

// Open validates cfg, opens the configured store and brings its schema to the
// latest version.
func Open(ctx context.Context, cfg *config.Config, logger *log.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	conn, err := db.Open(ctx, db.Config{
		Driver: cfg.Database.Driver,
		Path:   cfg.Database.Path,
		DSN:    cfg.Database.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn)
	e.Logger = logger
	return &App{Config: cfg, DB: conn, Engine: e, Logger: logger}, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

// Handler builds the HTTP API from the server and auth sections of the config.
func (a *App) Handler() (http.Handler, error) {
	if a.Config.Auth.JWTSecret == "" && !a.Config.Auth.AllowLegacyActorHeader {
		return nil, fmt.Errorf("auth.jwt_secret is required unless auth.allow_legacy_actor_header is set")
	}
	return server.New(server.Config{
		Engine:   a.Engine,
		BasePath: a.Config.Server.BasePath,
		Logger:   a.Logger,
		Auth: server.AuthConfig{
			JWTSecret:              a.Config.Auth.JWTSecret,
			AllowLegacyActorHeader: a.Config.Auth.AllowLegacyActorHeader,
			AdminViewPermission:    a.Config.Auth.AdminViewPermission,
			AdminWritePermission:   a.Config.Auth.AdminWritePermission,
			Logger:                 a.Logger,
		},
	})
}

// Caller builds the acting identity for local CLI use, where flags stand in
// for the permissions a token would carry.
func Caller(credentials string, viewAll, writeAll bool) domain.Caller {
	return domain.Caller{Credentials: credentials, CanViewAll: viewAll, CanWriteAll: writeAll}
}
