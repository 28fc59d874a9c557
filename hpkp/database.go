package hpkp

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

// DB is the contract every HPKP store implementation satisfies.
type DB interface {
	// Load refreshes the store from its backing storage.
	Load(ctx context.Context) error

	// Save writes the store to its backing storage.
	Save(ctx context.Context) error

	// Close releases the store. It is called exactly once by whoever
	// retires the store.
	Close() error

	// Add records e, taking ownership of it. An entry with a non-positive
	// max-age or no pins removes any existing policy for the host.
	Add(e *Entry)

	// CheckPubkey reports whether pubkey, a DER encoded SubjectPublicKeyInfo,
	// is acceptable for host.
	CheckPubkey(host string, pubkey []byte) Result
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

// Database is the default in-memory HPKP store.
// It is safe for concurrent use.
type Database struct {
	mu      sync.Mutex
	entries map[string]*Entry
	file    *filestore.File

	path     string
	fileOpts []filestore.Option
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an empty database.
func New(opts ...Option) *Database {
	d := &Database{
		entries: make(map[string]*Entry),
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

// NewEntry creates an empty policy for host created at the database's
// current time.
func (d *Database) NewEntry(host string) *Entry {
	return NewEntry(host, d.now().Unix())
}

// Add inserts or updates e. See Upsert.
func (d *Database) Add(e *Entry) {
	d.Upsert(e)
}

// Upsert inserts or updates e. The database takes ownership of e and its
// pins; the caller must not use it afterwards.
//
// An entry with a zero max-age or an empty pin set removes any existing
// entry for the host. Otherwise an existing entry takes over the lifetime
// fields and the pin set of e, and a new entry is stored as is.
func (d *Database) Upsert(e *Entry) {
	if e == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.upsertLocked(e)
}

func (d *Database) upsertLocked(e *Entry) {
	if e.MaxAge <= 0 || len(e.pins) == 0 {
		if _, ok := d.entries[e.Host]; ok {
			delete(d.entries, e.Host)
			d.logger.Debug("removed HPKP", "host", e.Host)
		}
		return
	}

	if old, ok := d.entries[e.Host]; ok {
		old.Created = e.Created
		old.MaxAge = e.MaxAge
		old.Expires = e.Expires
		old.IncludeSubdomains = e.IncludeSubdomains
		old.pins = e.pins
		e.pins = nil
		d.logger.Debug("update HPKP",
			"host", old.Host,
			"max_age", old.MaxAge,
			"include_subdomains", old.IncludeSubdomains,
			"pins", len(old.pins),
		)
		return
	}

	d.entries[e.Host] = e
	d.logger.Debug("add HPKP",
		"host", e.Host,
		"max_age", e.MaxAge,
		"include_subdomains", e.IncludeSubdomains,
		"pins", len(e.pins),
	)
}

// Remove deletes the policy for host and reports whether it existed.
func (d *Database) Remove(host string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.entries[host]; !ok {
		return false
	}
	delete(d.entries, host)
	return true
}

// Get returns a copy of the policy stored for host.
func (d *Database) Get(host string) (*Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[host]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
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

// Entries returns copies of all stored policies ordered by host.
func (d *Database) Entries() []*Entry {
	d.mu.Lock()
	out := make([]*Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e.Clone())
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
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
		d.logger.Error("failed to read HPKP data", "path", d.file.Path(), "error", err)
		return fmt.Errorf("loading HPKP file: %w", err)
	}

	d.logger.Debug("fetched HPKP data", "path", d.file.Path(), "entries", len(d.entries))
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
			d.logger.Error("failed to write HPKP file", "path", d.file.Path(), "error", err)
		}
		return fmt.Errorf("saving HPKP file: %w", err)
	}

	if n > 0 {
		d.logger.Debug("saved HPKP entries", "count", n, "path", d.file.Path())
	} else {
		d.logger.Debug("no HPKP entries to save, table is empty")
	}
	return nil
}

// Close releases the entries. The database must not be used afterwards.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.entries = make(map[string]*Entry)
	return nil
}

// Compile-time interface check
var _ DB = (*Database)(nil)
