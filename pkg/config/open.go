package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/oagudo/uow"
	"github.com/oagudo/uow/pkg/dialect"
	"github.com/oagudo/uow/pkg/logger"
)

// OpenDataSources opens a pool for every configured data source, checks it is reachable and
// registers it in registry. The returned function unregisters the data sources and closes
// their pools. On error, pools opened so far are closed before returning.
func OpenDataSources(ctx context.Context, cfg *Config, registry *uow.Registry) (func() error, error) {
	if registry == nil {
		registry = uow.DefaultRegistry
	}
	log := logger.FromContext(ctx)

	names := make([]string, 0, len(cfg.DataSources))
	for name := range cfg.DataSources {
		names = append(names, name)
	}
	slices.Sort(names)

	opened := make(map[string]*sql.DB, len(names))
	closeAll := func() error {
		var errs []error
		for name, db := range opened {
			registry.Unregister(name)
			if err := db.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close data source %s: %w", name, err))
			}
		}
		return errors.Join(errs...)
	}

	for _, name := range names {
		dsCfg := cfg.DataSources[name]
		d, db, err := open(ctx, dsCfg)
		if err != nil {
			_ = closeAll()
			return nil, fmt.Errorf("failed to open data source %s: %w", name, err)
		}
		opened[name] = db
		registry.Register(name, uow.NewDataSource(db, uow.WithIsolationLevel(d.IsolationLevel())))
		log.Debug("Data source opened", "name", name, "dialect", d)
	}

	return closeAll, nil
}

func open(ctx context.Context, cfg DataSourceConfig) (dialect.Dialect, *sql.DB, error) {
	d, err := dialect.Parse(cfg.Dialect)
	if err != nil {
		return "", nil, err
	}
	db, err := sql.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return "", nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return "", nil, err
	}
	return d, db, nil
}
