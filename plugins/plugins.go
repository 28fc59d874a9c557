// Package plugins hosts statically linked plugins that extend the trust
// stores.
//
// A Registry is an explicitly constructed context: it owns the catalog of
// available plugin initializers, the plugins loaded from it, and the backend
// selectors plugins register alternative stores with. Finalize tears it
// down. There is no process-wide state.
package plugins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/wolfeidau/tlstrust/backend"
	"github.com/wolfeidau/tlstrust/hpkp"
	"github.com/wolfeidau/tlstrust/hsts"
)

// EnvVar names the environment variable listing plugins to load.
const EnvVar = "TLSTRUST_PLUGINS"

// ListSeparator separates plugin names in EnvVar.
const ListSeparator = string(os.PathListSeparator)

var (
	// ErrNotFound is returned when a plugin is not in the catalog.
	ErrNotFound = errors.New("plugin not found")

	// ErrNotLoaded is returned when forwarding an option to a plugin that
	// has not been loaded.
	ErrNotLoaded = errors.New("plugin not loaded")

	// ErrNoOptions is returned when forwarding an option to a plugin that
	// did not register an option handler.
	ErrNoOptions = errors.New("plugin does not accept options")

	// ErrInvalidOption is returned for malformed option strings and for
	// options a plugin rejects.
	ErrInvalidOption = errors.New("invalid plugin option")
)

// InitFunc initialises a plugin. Returning an error aborts loading.
type InitFunc func(ctx context.Context, p *Plugin) error

// FinalizeFunc is called once when the registry is finalized.
type FinalizeFunc func(p *Plugin, exitCode int)

// OptionFunc handles an option forwarded to a plugin. hasValue reports
// whether the option was given as "name=value". The option "help" asks the
// plugin to describe its options on p.Output().
type OptionFunc func(p *Plugin, option, value string, hasValue bool) error

// Plugin is the handle a loaded plugin uses to talk to its registry.
type Plugin struct {
	name      string
	registry  *Registry
	finalizer FinalizeFunc
	options   OptionFunc
	logger    *slog.Logger

	// Data is free for the plugin's own state.
	Data any
}

// Name returns the plugin name.
func (p *Plugin) Name() string {
	return p.name
}

// Logger returns a logger tagged with the plugin name.
func (p *Plugin) Logger() *slog.Logger {
	return p.logger
}

// Output returns the writer help text is printed to.
func (p *Plugin) Output() io.Writer {
	return p.registry.out
}

// RegisterFinalizer sets the function called when the registry is finalized.
func (p *Plugin) RegisterFinalizer(fn FinalizeFunc) {
	p.finalizer = fn
}

// RegisterOptionHandler sets the function options are forwarded to.
func (p *Plugin) RegisterOptionHandler(fn OptionFunc) {
	p.options = fn
}

// AddHSTSDB offers db as the HSTS store with the given priority. The
// registry takes ownership: db is closed once it is no longer needed,
// possibly before AddHSTSDB returns.
func (p *Plugin) AddHSTSDB(ctx context.Context, db hsts.DB, priority int) error {
	if p.registry.hsts == nil {
		_ = db.Close()
		return fmt.Errorf("plugin %s: no HSTS selector configured", p.name)
	}
	_, err := p.registry.hsts.Register(ctx, p.name, backend.NewInstrumentedHSTS(db, p.name), priority)
	return err
}

// AddHPKPDB offers db as the HPKP store with the given priority. Ownership
// passes to the registry as for AddHSTSDB.
func (p *Plugin) AddHPKPDB(ctx context.Context, db hpkp.DB, priority int) error {
	if p.registry.hpkp == nil {
		_ = db.Close()
		return fmt.Errorf("plugin %s: no HPKP selector configured", p.name)
	}
	_, err := p.registry.hpkp.Register(ctx, p.name, backend.NewInstrumentedHPKP(db, p.name), priority)
	return err
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithOutput sets the writer help text is printed to. Defaults to stdout.
func WithOutput(w io.Writer) Option {
	return func(r *Registry) {
		r.out = w
	}
}

// WithPlugin adds an initializer to the catalog.
func WithPlugin(name string, fn InitFunc) Option {
	return func(r *Registry) {
		r.catalog[name] = fn
	}
}

// Registry tracks available and loaded plugins.
// It is safe for concurrent use.
type Registry struct {
	mu            sync.Mutex
	catalog       map[string]InitFunc
	loaded        []*Plugin
	byName        map[string]*Plugin
	helpForwarded bool
	finalized     bool

	hsts   *backend.Selector[hsts.DB]
	hpkp   *backend.Selector[hpkp.DB]
	out    io.Writer
	logger *slog.Logger
}

// NewRegistry creates a registry whose plugins register stores with the
// given selectors. Either selector may be nil if the caller has no use for
// that store.
func NewRegistry(hstsSel *backend.Selector[hsts.DB], hpkpSel *backend.Selector[hpkp.DB], opts ...Option) *Registry {
	r := &Registry{
		catalog: make(map[string]InitFunc),
		byName:  make(map[string]*Plugin),
		hsts:    hstsSel,
		hpkp:    hpkpSel,
		out:     os.Stdout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "plugins")
	return r
}

// Register adds an initializer to the catalog, replacing any with the same name.
func (r *Registry) Register(name string, fn InitFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.catalog[name] = fn
}

// Available returns the sorted names of all plugins in the catalog.
func (r *Registry) Available() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.catalog))
	for name := range r.catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Loaded returns the names of loaded plugins in load order.
func (r *Registry) Loaded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, len(r.loaded))
	for i, p := range r.loaded {
		names[i] = p.name
	}
	return names
}

// Lookup returns the loaded plugin called name.
func (r *Registry) Lookup(name string) (*Plugin, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byName[name]
	return p, ok
}

// LoadFromName loads the catalog plugin called name and runs its
// initializer. Loading an already loaded plugin returns the existing handle.
func (r *Registry) LoadFromName(ctx context.Context, name string) (*Plugin, error) {
	r.mu.Lock()
	if p, ok := r.byName[name]; ok {
		r.mu.Unlock()
		return p, nil
	}
	fn, ok := r.catalog[name]
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	p := &Plugin{
		name:     name,
		registry: r,
		logger:   r.logger.With("plugin", name),
	}

	// The initializer may call back into the registry, so it runs unlocked.
	if err := fn(ctx, p); err != nil {
		return nil, fmt.Errorf("plugin %s failed to initialize: %w", name, err)
	}

	r.mu.Lock()
	r.loaded = append(r.loaded, p)
	r.byName[name] = p
	r.mu.Unlock()

	r.logger.Debug("plugin loaded", "plugin", name)
	return p, nil
}

// LoadFromList loads every plugin named in list, separated by
// ListSeparator. Failures are logged and do not stop the remaining plugins
// from loading; they are returned joined.
func (r *Registry) LoadFromList(ctx context.Context, list string) error {
	var errs []error
	for name := range strings.SplitSeq(list, ListSeparator) {
		if name == "" {
			continue
		}
		if _, err := r.LoadFromName(ctx, name); err != nil {
			r.logger.Error("plugin failed to load", "plugin", name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadFromEnv loads the plugins listed in EnvVar.
func (r *Registry) LoadFromEnv(ctx context.Context) error {
	return r.LoadFromList(ctx, os.Getenv(EnvVar))
}

// ForwardOption parses "<plugin>.<option>[=<value>]" and passes the option
// to the named plugin.
func (r *Registry) ForwardOption(arg string) error {
	name, predicate, ok := strings.Cut(arg, ".")
	if name == "" {
		return fmt.Errorf("%w: %q: plugin name is missing", ErrInvalidOption, arg)
	}
	if !ok {
		return fmt.Errorf("%w: %q: '.' is missing (separates plugin name and option)", ErrInvalidOption, arg)
	}

	p, loaded := r.Lookup(name)
	if !loaded {
		return fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}
	if p.options == nil {
		return fmt.Errorf("%w: %s", ErrNoOptions, name)
	}

	option, value, hasValue := strings.Cut(predicate, "=")
	if option == "" {
		return fmt.Errorf("%w: %q: an option is required (after '.', and before '=' if present)", ErrInvalidOption, arg)
	}
	if option == "help" {
		if hasValue {
			return fmt.Errorf("%w: 'help' option does not accept arguments", ErrInvalidOption)
		}
		r.mu.Lock()
		r.helpForwarded = true
		r.mu.Unlock()
	}

	if err := p.options(p, option, value, hasValue); err != nil {
		return fmt.Errorf("%w: plugin %s did not accept option %s: %w", ErrInvalidOption, name, predicate, err)
	}
	return nil
}

// ShowHelp asks every loaded plugin that accepts options to describe them.
func (r *Registry) ShowHelp() {
	r.mu.Lock()
	plugins := append([]*Plugin(nil), r.loaded...)
	r.helpForwarded = true
	r.mu.Unlock()

	for _, p := range plugins {
		if p.options == nil {
			continue
		}
		fmt.Fprintf(r.out, "Options for %s:\n", p.name)
		if err := p.options(p, "help", "", false); err != nil {
			r.logger.Warn("plugin help failed", "plugin", p.name, "error", err)
		}
		fmt.Fprintln(r.out)
	}
}

// HelpForwarded reports whether help was shown or forwarded to any plugin.
func (r *Registry) HelpForwarded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.helpForwarded
}

// Finalize calls every plugin finalizer in load order, then closes the
// active stores. Further calls do nothing.
func (r *Registry) Finalize(exitCode int) error {
	r.mu.Lock()
	if r.finalized {
		r.mu.Unlock()
		return nil
	}
	r.finalized = true
	plugins := r.loaded
	r.loaded = nil
	clear(r.byName)
	r.mu.Unlock()

	for _, p := range plugins {
		if p.finalizer != nil {
			p.finalizer(p, exitCode)
		}
	}

	var errs []error
	if r.hsts != nil {
		if err := r.hsts.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.hpkp != nil {
		if err := r.hpkp.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
