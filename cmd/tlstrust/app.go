package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/wolfeidau/tlstrust/backend"
	"github.com/wolfeidau/tlstrust/config"
	"github.com/wolfeidau/tlstrust/filestore"
	"github.com/wolfeidau/tlstrust/hpkp"
	"github.com/wolfeidau/tlstrust/hsts"
	"github.com/wolfeidau/tlstrust/kvstore"
	"github.com/wolfeidau/tlstrust/plugins"
)

// App carries the state every command runs against.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	out     io.Writer
	hsts    *backend.Selector[hsts.DB]
	hpkp    *backend.Selector[hpkp.DB]
	plugins *plugins.Registry
	now     func() time.Time
}

// newApp loads the configuration, builds the default stores, loads plugins
// and reads the active stores.
func newApp(ctx context.Context, g *Globals, out, logOut io.Writer) (*App, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, g)

	logger, err := newLogger(cfg.Log, logOut)
	if err != nil {
		return nil, err
	}

	now := time.Now
	hstsDB := hsts.New(
		hsts.WithLogger(logger),
		hsts.WithNow(now),
		hsts.WithFile(cfg.HSTS.File),
		hsts.WithFileOptions(filestore.WithLogger(logger), filestore.WithLocking(!cfg.HSTS.NoLock)),
	)
	hpkpDB := hpkp.New(
		hpkp.WithLogger(logger),
		hpkp.WithNow(now),
		hpkp.WithFile(cfg.HPKP.File),
		hpkp.WithFileOptions(filestore.WithLogger(logger), filestore.WithLocking(!cfg.HPKP.NoLock)),
	)

	app := &App{
		cfg:    cfg,
		logger: logger,
		out:    out,
		now:    now,
		hsts:   backend.NewSelector[hsts.DB]("hsts", backend.NewInstrumentedHSTS(hstsDB, backend.DefaultName), backend.WithLogger(logger)),
		hpkp:   backend.NewSelector[hpkp.DB]("hpkp", backend.NewInstrumentedHPKP(hpkpDB, backend.DefaultName), backend.WithLogger(logger)),
	}
	app.plugins = plugins.NewRegistry(app.hsts, app.hpkp,
		plugins.WithLogger(logger),
		plugins.WithOutput(out),
		plugins.WithPlugin(kvstore.PluginName, kvstore.Plugin(kvstoreConfig(cfg.KVStore))),
	)

	if err := app.loadPlugins(ctx); err != nil {
		_ = app.Close(1)
		return nil, err
	}
	if app.plugins.HelpForwarded() {
		return app, nil
	}

	if err := app.hsts.Active().Load(ctx); err != nil {
		_ = app.Close(1)
		return nil, err
	}
	if err := app.hpkp.Active().Load(ctx); err != nil {
		_ = app.Close(1)
		return nil, err
	}
	return app, nil
}

func applyOverrides(cfg *config.Config, g *Globals) {
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Log.Format = g.LogFormat
	}
	if g.HSTSFile != "" {
		cfg.HSTS.File = g.HSTSFile
	}
	if g.HPKPFile != "" {
		cfg.HPKP.File = g.HPKPFile
	}
	if g.NoLock {
		cfg.HSTS.NoLock = true
		cfg.HPKP.NoLock = true
	}
	cfg.Plugins = append(cfg.Plugins, g.Plugin...)
	cfg.PluginOptions = append(cfg.PluginOptions, g.PluginOption...)
}

func kvstoreConfig(c config.KVStoreConfig) kvstore.Config {
	kc := kvstore.Config{Path: c.Path, Priority: c.Priority}
	switch {
	case c.CompressionThreshold < 0:
		kc.Options = append(kc.Options, kvstore.WithCompressionThreshold(0))
	case c.CompressionThreshold > 0:
		kc.Options = append(kc.Options, kvstore.WithCompressionThreshold(c.CompressionThreshold))
	}
	return kc
}

func (a *App) loadPlugins(ctx context.Context) error {
	var errs []error
	for _, name := range a.cfg.Plugins {
		if _, err := a.plugins.LoadFromName(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.plugins.LoadFromEnv(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("loading plugins: %w", err)
	}

	for _, opt := range a.cfg.PluginOptions {
		if err := a.plugins.ForwardOption(opt); err != nil {
			return err
		}
	}
	return nil
}

// saveHSTS writes the active HSTS store. A store without backing storage
// is not an error.
func (a *App) saveHSTS(ctx context.Context) error {
	if err := a.hsts.Active().Save(ctx); err != nil && !errors.Is(err, filestore.ErrNoPath) {
		return err
	}
	return nil
}

// saveHPKP writes the active HPKP store. A store without backing storage
// is not an error.
func (a *App) saveHPKP(ctx context.Context) error {
	if err := a.hpkp.Active().Save(ctx); err != nil && !errors.Is(err, filestore.ErrNoPath) {
		return err
	}
	return nil
}

// Close runs the plugin finalizers and closes the active stores.
func (a *App) Close(exitCode int) error {
	return a.plugins.Finalize(exitCode)
}

// unwrapHSTS strips instrumentation wrappers from db.
func unwrapHSTS(db hsts.DB) hsts.DB {
	for {
		u, ok := db.(interface{ Unwrap() hsts.DB })
		if !ok {
			return db
		}
		db = u.Unwrap()
	}
}

// unwrapHPKP strips instrumentation wrappers from db.
func unwrapHPKP(db hpkp.DB) hpkp.DB {
	for {
		u, ok := db.(interface{ Unwrap() hpkp.DB })
		if !ok {
			return db
		}
		db = u.Unwrap()
	}
}
