package kvstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/wolfeidau/tlstrust/plugins"
)

// PluginName is the catalog name of the kvstore plugin.
const PluginName = "kvstore"

// DefaultPriority is the priority both stores are registered with unless
// configured otherwise. It beats the default stores.
const DefaultPriority = 10

// Config configures the kvstore plugin.
type Config struct {
	// Path is the bbolt database file.
	Path string

	// Priority is the backend priority for both stores.
	Priority int

	// Options are passed to Open.
	Options []Option
}

// Plugin returns the initializer for the kvstore plugin. It opens the
// database and offers its HSTS and HPKP stores to the registry.
//
// Options accepted through the registry:
//
//	help                    describe the options
//	verify                  decode every record and fail on corruption
//	compress-threshold=<n>  compress records of at least n bytes, 0 disables
func Plugin(cfg Config) plugins.InitFunc {
	return func(ctx context.Context, p *plugins.Plugin) error {
		if cfg.Path == "" {
			return fmt.Errorf("kvstore: no database path configured")
		}

		opts := append([]Option{WithLogger(p.Logger())}, cfg.Options...)
		store, err := Open(cfg.Path, opts...)
		if err != nil {
			return err
		}
		// The stores hold their own references; drop ours once they are offered.
		defer func() { _ = store.Close() }()

		p.Data = store
		p.RegisterOptionHandler(handleOption)
		p.RegisterFinalizer(func(p *plugins.Plugin, exitCode int) {
			p.Logger().Debug("kvstore plugin finalized", "path", store.Path(), "exit_code", exitCode)
		})

		if err := p.AddHSTSDB(ctx, store.HSTS(), cfg.Priority); err != nil {
			return fmt.Errorf("registering HSTS store: %w", err)
		}
		if err := p.AddHPKPDB(ctx, store.HPKP(), cfg.Priority); err != nil {
			return fmt.Errorf("registering HPKP store: %w", err)
		}

		p.Logger().Info("kvstore plugin loaded", "path", cfg.Path, "priority", cfg.Priority)
		return nil
	}
}

func handleOption(p *plugins.Plugin, option, value string, hasValue bool) error {
	store, ok := p.Data.(*Store)
	if !ok {
		return fmt.Errorf("plugin state missing")
	}

	switch option {
	case "help":
		fmt.Fprintln(p.Output(), "  verify                  decode every record and fail on corruption")
		fmt.Fprintln(p.Output(), "  compress-threshold=<n>  compress records of at least n bytes, 0 disables")
		return nil
	case "verify":
		n, err := store.Verify()
		if err != nil {
			return err
		}
		p.Logger().Info("trust database verified", "records", n)
		return nil
	case "compress-threshold":
		if !hasValue {
			return fmt.Errorf("compress-threshold requires a value")
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid compress-threshold %q", value)
		}
		store.SetCompressionThreshold(n)
		return nil
	default:
		return fmt.Errorf("unknown option %q", option)
	}
}
