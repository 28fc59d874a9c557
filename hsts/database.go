package hsts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/tlstrust/filestore"
)

// DB is the contract every HSTS store implementation satisfies. Callers
// interact with the active implementation only through it.
type DB interface {
	// Load refreshes the store from its backing storage.
	Load(ctx context.Context) error

	// Save writes the store to its backing storage.
	Save(ctx context.Context) error

	// Close releases the store. It is called exactly once by whoever
	// retires the store.
	Close() error

	// Add records a policy for host:port. A non-positive maxAge removes
	// any existing policy for that key.
	Add(host string, port uint16, maxAge int64, includeSubdomains bool)

	// HostMatch reports whether connections to host:port must use TLS.
	HostMatch(host string, port uint16) bool
}

// Option configures a Database.
type Option func(*Database)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Database) {
		d.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(d *Database) {
		d.now = now
	}
}

// WithFile sets the backing file path.
func WithFile(path string) Option {
	return func(d *Database) {
		d.path = path
	}
}

// WithFileOptions passes options through to the backing file tracker.
func WithFileOptions(opts ...filestore.Option) Option {
	return func(d *Database) {
		d.fileOpts = append(d.fileOpts, opts...)
	}
}

// Database is the default in-memory HSTS store.
// It is safe for concurrent use.
type Database struct {
	mu      sync.Mutex
	entries map[key]*Entry
	file    *filestore.File

	path     string
	fileOpts []filestore.Option
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an empty database. No file I/O happens until Load is called.
func New(opts ...Option) *Database {
	d := &Database{
		entries: make(map[key]*Entry),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	fileOpts := append([]filestore.Option{filestore.WithLogger(d.logger)}, d.fileOpts...)
	d.file = filestore.New(d.path, fileOpts...)
	return d
}

// SetFile changes the backing file path.
func (d *Database) SetFile(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.file.SetPath(path)
}

// File returns the backing file path, or "" if there is none.
func (d *Database) File() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.file.Path()
}

// Add records a policy for host:port created now.
func (d *Database) Add(host string, port uint16, maxAge int64, includeSubdomains bool) {
	d.Upsert(NewEntry(host, port, maxAge, includeSubdomains, d.now().Unix()))
}

// Upsert inserts or updates e. The database takes ownership of e; the
// caller must not use it afterwards.
//
// An entry with a zero max-age removes any existing entry with the same key.
// Otherwise an existing entry takes over the lifetime fields of e, and a new
// entry is stored as is.
func (d *Database) Upsert(e *Entry) {
	if e == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.upsertLocked(e)
}

func (d *Database) upsertLocked(e *Entry) {
	k := e.key()

	if e.MaxAge <= 0 {
		if _, ok := d.entries[k]; ok {
			delete(d.entries, k)
			d.logger.Debug("removed HSTS", "host", e.Host, "port", e.Port)
		}
		return
	}

	if old, ok := d.entries[k]; ok {
		old.Created = e.Created
		old.MaxAge = e.MaxAge
		old.Expires = e.Expires
		old.IncludeSubdomains = e.IncludeSubdomains
		d.logger.Debug("update HSTS",
			"host", old.Host,
			"port", old.Port,
			"max_age", old.MaxAge,
			"include_subdomains", old.IncludeSubdomains,
		)
		return
	}

	d.entries[k] = e
}

// Remove deletes the policy for host:port and reports whether it existed.
func (d *Database) Remove(host string, port uint16) bool {
	if port == 0 {
		port = DefaultPort
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	k := key{host: host, port: port}
	if _, ok := d.entries[k]; !ok {
		return false
	}
	delete(d.entries, k)
	return true
}

// Len returns the number of stored policies, expired ones included.
func (d *Database) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.entries)
}

// Clear removes all policies.
func (d *Database) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()

	clear(d.entries)
}

// Entries returns copies of all stored policies ordered by host and port.
func (d *Database) Entries() []Entry {
	d.mu.Lock()
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, *e)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].Port < out[j].Port
	})
	return out
}

// Load reads the backing file if it changed since the last load. Without a
// backing file it does nothing.
func (d *Database) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file.Path() == "" {
		return nil
	}

	if _, err := d.file.Load(d.loader(ctx)); err != nil {
		d.logger.Error("failed to read HSTS data", "path", d.file.Path(), "error", err)
		return fmt.Errorf("loading HSTS file: %w", err)
	}

	d.logger.Debug("fetched HSTS data", "path", d.file.Path(), "entries", len(d.entries))
	return nil
}

// Save writes all live policies to the backing file, merging in changes
// made on disk since the last load. An empty result removes the file.
func (d *Database) Save(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.file.Save(d.loader(ctx), d.saveTo)
	if err != nil {
		if !errors.Is(err, filestore.ErrNoPath) {
			d.logger.Error("failed to write HSTS file", "path", d.file.Path(), "error", err)
		}
		return fmt.Errorf("saving HSTS file: %w", err)
	}

	if n > 0 {
		d.logger.Debug("saved HSTS entries", "count", n, "path", d.file.Path())
	} else {
		d.logger.Debug("no HSTS entries to save, table is empty")
	}
	return nil
}

// Close releases the entries. The database must not be used afterwards.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.entries = make(map[key]*Entry)
	return nil
}

// Compile-time interface check
var _ DB = (*Database)(nil)
