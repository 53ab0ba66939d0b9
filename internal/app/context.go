// Package app builds the process-wide collaborators from configuration.
// The store is chosen here, once, and injected into the engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"milapp/internal/config"
	"milapp/internal/db"
	"milapp/internal/engine"
	"milapp/internal/logging"
	"milapp/internal/migrate"
	"milapp/internal/notify"
	"milapp/internal/repo"
	"milapp/internal/repo/memory"
	"milapp/internal/store"
	"milapp/internal/telemetry"
)

type Runtime struct {
	Config  *config.Config
	Engine  engine.Engine
	Log     *logging.Logger
	closers []func() error
}

// LoadConfig reads path when given, otherwise milapp.yml in workspace,
// falling back to the built-in defaults.
func LoadConfig(workspace, path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if strings.TrimSpace(path) != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = config.DriverSQLite
	}
	if cfg.Storage.Workspace == "" {
		cfg.Storage.Workspace = workspace
	}
	return cfg, nil
}

// OpenStore opens and migrates the configured store.
func OpenStore(cfg *config.Config) (store.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		return memory.New(), noop, nil
	case config.DriverSQLite, config.DriverPostgres, "":
	default:
		return nil, noop, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
	dialect := db.SQLite
	if cfg.Storage.Driver == config.DriverPostgres {
		dialect = db.Postgres
	}
	conn, err := db.Open(db.Config{Dialect: dialect, DSN: cfg.Storage.DSN, Workspace: cfg.Storage.Workspace})
	if err != nil {
		return nil, noop, fmt.Errorf("open %s: %w", dialect, err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, noop, fmt.Errorf("migrate: %w", err)
	}
	return repo.New(conn, dialect), conn.Close, nil
}

// BuildNotifier combines the configured webhooks and redis channel.
func BuildNotifier(ctx context.Context, cfg *config.Config) (notify.Notifier, func() error, error) {
	var out notify.Multi
	for _, w := range cfg.Notify.Webhooks {
		out = append(out, notify.NewWebhook(w))
	}
	closeFn := func() error { return nil }
	rc := cfg.Notify.Redis
	if rc.Addr != "" {
		r, client, err := notify.DialRedis(ctx, rc.Addr, rc.Password, rc.DB, rc.Channel)
		if err != nil {
			return nil, closeFn, err
		}
		out = append(out, r)
		closeFn = client.Close
	}
	if len(out) == 0 {
		return notify.Nop{}, closeFn, nil
	}
	return out, closeFn, nil
}

// Open builds a Runtime. Close releases everything it opened.
func Open(ctx context.Context, cfg *config.Config, log *logging.Logger) (*Runtime, error) {
	if log == nil {
		log = logging.Nop()
	}
	rt := &Runtime{Config: cfg, Log: log}

	shutdown, err := telemetry.Setup(ctx, log, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	rt.closers = append(rt.closers, func() error { return shutdown(context.Background()) })

	st, closeStore, err := OpenStore(cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, closeStore)

	n, closeNotifier, err := BuildNotifier(ctx, cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, closeNotifier)

	eng, err := engine.New(st, cfg, log.With("component", "engine"), n)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Engine = eng
	log.Debug("runtime ready", "driver", cfg.Storage.Driver)
	return rt, nil
}

// Close runs the closers in reverse order.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
