package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/seanchatmangpt/aps/internal/config"
	"github.com/seanchatmangpt/aps/internal/db"
	"github.com/seanchatmangpt/aps/internal/events"
	"github.com/seanchatmangpt/aps/internal/logger"
	"github.com/seanchatmangpt/aps/internal/migrate"
	"github.com/seanchatmangpt/aps/internal/registry"
	"github.com/seanchatmangpt/aps/internal/store"
)

// Runtime is everything a command or the API server needs for one
// workspace.
type Runtime struct {
	Workspace string
	Config    *config.Config
	Conn      *db.Conn
	Events    events.Writer
	Store     store.RegistryStore
	Registry  registry.Registry
	Log       *slog.Logger

	closers []io.Closer
}

// Open loads aps.yml from the workspace (defaults when absent) and wires
// the store, the operations log and the registry. logOut receives log
// output unless the config names a log file.
func Open(ctx context.Context, workspace string, logOut io.Writer) (*Runtime, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return OpenWithConfig(ctx, workspace, cfg, logOut)
}

func OpenWithConfig(ctx context.Context, workspace string, cfg *config.Config, logOut io.Writer) (*Runtime, error) {
	if workspace == "" {
		workspace = "."
	}
	if cfg.Log.File != "" && !filepath.IsAbs(cfg.Log.File) {
		cfg.Log.File = filepath.Join(workspace, cfg.Log.File)
	}
	log, logCloser, err := logger.New(cfg.Log, logOut)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Workspace: workspace, Config: cfg, Log: log, closers: []io.Closer{logCloser}}

	// The operations log always lives in SQL. The file driver keeps it in
	// the workspace database unless a DSN points elsewhere.
	conn, err := db.Open(db.Config{Workspace: workspace, DSN: cfg.Storage.DSN})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	rt.Conn = conn
	rt.closers = append(rt.closers, conn)
	if err := migrate.Migrate(conn); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	rt.Events = events.Writer{Conn: conn}

	layout := store.Layout{Suffix: cfg.Storage.Suffix, Extension: cfg.Storage.Extension}
	switch cfg.Storage.Driver {
	case config.DriverFile:
		rt.Store = store.NewFileStore(workspace, cfg.Storage.Ledger, cfg.Storage.Template, layout)
	case config.DriverSQLite, config.DriverPostgres:
		rt.Store = store.NewSQLStore(conn, layout)
	default:
		rt.Close()
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	reg := registry.New(rt.Store, cfg)
	reg.Events = rt.Events
	reg.Log = log.With("component", "registry")
	rt.Registry = reg
	log.Debug("workspace opened", "workspace", workspace, "driver", cfg.Storage.Driver, "dialect", conn.Dialect)
	return rt, nil
}

// InitWorkspace writes aps.yml and the default template when they are
// missing. It reports which of the two it created.
func (rt *Runtime) InitWorkspace(ctx context.Context) (wroteConfig, wroteTemplate bool, err error) {
	wroteConfig, err = config.WriteDefault(rt.Workspace)
	if err != nil {
		return false, false, err
	}
	wroteTemplate, err = rt.Registry.EnsureTemplate(ctx, config.DefaultTemplate)
	if err != nil {
		return wroteConfig, false, err
	}
	return wroteConfig, wroteTemplate, nil
}

func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
