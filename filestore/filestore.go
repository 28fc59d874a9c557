// Package filestore keeps a flat trust file in step with an in-memory store.
//
// A File remembers the modification time of the content it last read, so
// repeated loads of an unchanged file are free. Saves first merge in any
// changes made on disk since the last load, then replace the file atomically
// using a temp file and rename. A save that would produce no records removes
// the file instead.
package filestore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// ErrNoPath is returned when a File has no backing path.
var ErrNoPath = errors.New("filestore: no backing file")

// LoadFunc parses the content of a trust file. It must only return an error
// for failures of the underlying reader; malformed lines are the loader's
// business.
type LoadFunc func(r io.Reader) error

// SaveFunc writes the store to w and returns the number of records written.
type SaveFunc func(w io.Writer) (int, error)

// Option configures a File.
type Option func(*File)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *File) {
		f.logger = logger
	}
}

// WithLocking enables or disables the advisory lock taken around each load
// and save. The lock lives in a "<path>.lock" sidecar file and only
// coordinates processes that use it.
func WithLocking(enabled bool) Option {
	return func(f *File) {
		f.locking = enabled
	}
}

// File tracks a single trust file. It is not safe for concurrent use;
// the owning store serialises calls under its own mutex.
type File struct {
	path    string
	modTime time.Time
	locking bool
	logger  *slog.Logger
}

// New creates a File for path. An empty path yields a File whose Load and
// Save return ErrNoPath.
func New(path string, opts ...Option) *File {
	f := &File{
		path:    path,
		locking: true,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Path returns the backing path.
func (f *File) Path() string {
	return f.path
}

// SetPath changes the backing path and forgets the recorded modification time.
func (f *File) SetPath(path string) {
	f.path = path
	f.modTime = time.Time{}
}

// Invalidate forgets the recorded modification time so the next Load reads
// the file regardless of whether it changed.
func (f *File) Invalidate() {
	f.modTime = time.Time{}
}

// Load reads the file through load if its modification time differs from
// the one recorded at the previous load. A missing file is not an error.
// It reports whether load was called.
func (f *File) Load(load LoadFunc) (bool, error) {
	if f.path == "" {
		return false, ErrNoPath
	}
	if _, err := os.Stat(f.path); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	unlock, err := f.lock()
	if err != nil {
		return false, err
	}
	defer unlock()

	return f.loadLocked(load)
}

func (f *File) loadLocked(load LoadFunc) (bool, error) {
	file, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("opening %s: %w", f.path, err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err == nil {
		if info.ModTime().Equal(f.modTime) {
			f.logger.Debug("trust file unchanged, skipping load", "path", f.path)
			return false, nil
		}
		f.modTime = info.ModTime()
	}

	if err := load(bufio.NewReader(file)); err != nil {
		// reload from scratch on the next call
		f.modTime = time.Time{}
		return true, fmt.Errorf("reading %s: %w", f.path, err)
	}
	return true, nil
}

// Save merges in on-disk changes through load, then rewrites the file with
// the output of save. When save writes no records the file is removed.
// It returns the number of records written.
func (f *File) Save(load LoadFunc, save SaveFunc) (int, error) {
	if f.path == "" {
		return 0, ErrNoPath
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	unlock, err := f.lock()
	if err != nil {
		return 0, err
	}
	defer unlock()

	if load != nil {
		if _, err := f.loadLocked(load); err != nil {
			return 0, err
		}
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	// Clean up temp file on error
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	n, err := save(w)
	if err != nil {
		return 0, fmt.Errorf("writing records: %w", err)
	}
	if err := w.Flush(); err != nil {
		return 0, fmt.Errorf("writing records: %w", err)
	}

	if n == 0 {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("removing empty file %s: %w", f.path, err)
		}
		f.modTime = time.Time{}
		f.logger.Debug("no records to save, removed trust file", "path", f.path)
		return 0, nil
	}

	if err := tmp.Chmod(0o600); err != nil {
		return 0, fmt.Errorf("setting file mode: %w", err)
	}

	// Sync to disk
	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("syncing file: %w", err)
	}

	// Close before rename
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("closing temp file: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tmpPath, f.path); err != nil {
		return 0, fmt.Errorf("renaming temp file: %w", err)
	}
	success = true

	// The content now matches memory, so there is nothing to reload.
	if info, err := os.Stat(f.path); err == nil {
		f.modTime = info.ModTime()
	}

	return n, nil
}

func (f *File) lock() (func(), error) {
	if !f.locking {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	fl := flock.New(f.path + ".lock")
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("locking %s: %w", f.path, err)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			f.logger.Warn("failed to release trust file lock", "path", f.path, "error", err)
		}
	}, nil
}

// EachLine calls fn for every line of r with the line terminator removed.
// Lines may be of any length. The final line need not end in a newline.
func EachLine(r io.Reader, fn func(lineNo int, line string)) error {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	for lineNo := 1; ; lineNo++ {
		line, err := br.ReadString('\n')
		if line != "" {
			fn(lineNo, strings.TrimRight(line, "\r\n"))
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
