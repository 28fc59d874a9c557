// Package kvstore keeps HSTS and HPKP policies in a bbolt database.
//
// Unlike the default stores, which hold everything in memory and rewrite a
// flat file on save, every Add here is a committed transaction and every
// lookup reads the database. Both stores can share one database file; it is
// closed when the last of them is released.
//
// Records are protobuf wire messages wrapped in an envelope that carries a
// BLAKE3 digest and, for larger records, zstd compression.
package kvstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketHSTS = []byte("hsts")
	bucketHPKP = []byte("hpkp")
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(s *Store) {
		s.noSync = noSync
	}
}

// WithCompressionThreshold sets the record size from which zstd
// compression is attempted. Zero disables compression.
func WithCompressionThreshold(n int) Option {
	return func(s *Store) {
		s.threshold = n
	}
}

// Store is an open policy database.
type Store struct {
	db    *bbolt.DB
	codec *codec
	path  string

	mu   sync.Mutex
	refs int

	logger    *slog.Logger
	now       func() time.Time
	noSync    bool
	threshold int
}

// Open opens or creates the database at path. The returned Store holds one
// reference, released by Close.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:      path,
		refs:      1,
		logger:    slog.Default(),
		now:       time.Now,
		threshold: DefaultCompressionThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketHSTS, bucketHPKP} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	c, err := newCodec(s.threshold)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.codec = c

	s.logger.Debug("opened trust database", "path", path, "noSync", s.noSync)
	return s, nil
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}

// SetCompressionThreshold changes the compression threshold for new writes.
func (s *Store) SetCompressionThreshold(n int) {
	s.codec.setThreshold(n)
}

// HSTS returns an HSTS store backed by s. It holds its own reference.
func (s *Store) HSTS() *HSTS {
	s.retain()
	return &HSTS{store: s}
}

// HPKP returns an HPKP store backed by s. It holds its own reference.
func (s *Store) HPKP() *HPKP {
	s.retain()
	return &HPKP{store: s}
}

// Close releases the reference returned by Open.
func (s *Store) Close() error {
	return s.release()
}

// Stats reports the number of records in each bucket.
func (s *Store) Stats() (hstsCount, hpkpCount int, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		hstsCount = tx.Bucket(bucketHSTS).Stats().KeyN
		hpkpCount = tx.Bucket(bucketHPKP).Stats().KeyN
		return nil
	})
	return hstsCount, hpkpCount, err
}

// Verify decodes every record and returns the number checked. Records that
// fail to decode are reported joined with ErrCorrupted.
func (s *Store) Verify() (int, error) {
	n := 0
	var errs []error
	err := s.db.View(func(tx *bbolt.Tx) error {
		check := func(bucket []byte, decode func([]byte) error) error {
			return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
				n++
				if err := decode(v); err != nil {
					errs = append(errs, fmt.Errorf("%s/%s: %w", bucket, k, err))
				}
				return nil
			})
		}
		if err := check(bucketHSTS, func(v []byte) error {
			_, err := s.decodeHSTS(v)
			return err
		}); err != nil {
			return err
		}
		return check(bucketHPKP, func(v []byte) error {
			_, err := s.decodeHPKP(v)
			return err
		})
	})
	if err != nil {
		return n, err
	}
	return n, errors.Join(errs...)
}

func (s *Store) retain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
}

func (s *Store) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs == 0 {
		return nil
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}

	s.codec.close()
	s.logger.Debug("closing trust database", "path", s.path)
	return s.db.Close()
}

// purgeExpired deletes expired records from bucket.
func (s *Store) purgeExpired(bucket []byte, expired func([]byte) bool) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		var stale [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			if expired(v) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	return n, err
}
