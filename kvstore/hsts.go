package kvstore

import (
	"context"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/wolfeidau/tlstrust"
	"github.com/wolfeidau/tlstrust/hsts"
)

// HSTS is an hsts.DB kept in a bbolt bucket.
type HSTS struct {
	store *Store
}

func (s *Store) encodeHSTS(e *hsts.Entry) ([]byte, error) {
	return s.codec.seal(marshalHSTS(e))
}

func (s *Store) decodeHSTS(v []byte) (*hsts.Entry, error) {
	payload, err := s.codec.open(v)
	if err != nil {
		return nil, err
	}
	return unmarshalHSTS(payload)
}

// Load drops expired policies. The database is always current, so there is
// nothing else to read.
func (h *HSTS) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := h.store.now().Unix()
	n, err := h.store.purgeExpired(bucketHSTS, func(v []byte) bool {
		e, err := h.store.decodeHSTS(v)
		return err == nil && e.Expired(now)
	})
	if err != nil {
		return fmt.Errorf("purging expired HSTS records: %w", err)
	}
	if n > 0 {
		h.store.logger.Debug("dropped expired HSTS records", "count", n)
	}
	return nil
}

// Save flushes the database to disk.
func (h *HSTS) Save(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.store.db.Sync(); err != nil {
		return fmt.Errorf("syncing trust database: %w", err)
	}
	return nil
}

// Close releases this store's reference to the database.
func (h *HSTS) Close() error {
	return h.store.release()
}

// Add records a policy for host:port created now. A non-positive maxAge
// removes any existing policy for that key.
func (h *HSTS) Add(host string, port uint16, maxAge int64, includeSubdomains bool) {
	h.Upsert(hsts.NewEntry(host, port, maxAge, includeSubdomains, h.store.now().Unix()))
}

// Upsert stores e, or removes the policy for its key when e has no lifetime.
func (h *HSTS) Upsert(e *hsts.Entry) {
	if e == nil {
		return
	}
	key := hstsKey(e.Host, e.Port)

	var value []byte
	if e.MaxAge > 0 {
		var err error
		if value, err = h.store.encodeHSTS(e); err != nil {
			h.store.logger.Error("failed to encode HSTS record", "host", e.Host, "port", e.Port, "error", err)
			return
		}
	}

	err := h.store.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketHSTS)
		if value == nil {
			return b.Delete(key)
		}
		return b.Put(key, value)
	})
	if err != nil {
		h.store.logger.Error("failed to store HSTS record", "host", e.Host, "port", e.Port, "error", err)
	}
}

// Remove deletes the policy for host:port and reports whether it existed.
func (h *HSTS) Remove(host string, port uint16) bool {
	if port == 0 {
		port = hsts.DefaultPort
	}
	key := hstsKey(host, port)
	found := false
	err := h.store.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketHSTS)
		found = b.Get(key) != nil
		return b.Delete(key)
	})
	if err != nil {
		h.store.logger.Error("failed to remove HSTS record", "host", host, "port", port, "error", err)
		return false
	}
	return found
}

// HostMatch reports whether a live policy covers host:port, with the same
// rules as the default store. Unreadable records never match.
func (h *HSTS) HostMatch(host string, port uint16) bool {
	if port == 80 {
		port = hsts.DefaultPort
	}
	now := h.store.now().Unix()

	matched := false
	err := h.store.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketHSTS)
		tlstrust.Suffixes(host, func(candidate string, parent bool) bool {
			v := b.Get(hstsKey(candidate, port))
			if v == nil {
				return true
			}
			e, err := h.store.decodeHSTS(v)
			if err != nil {
				h.store.logger.Warn("skipping unreadable HSTS record", "host", candidate, "port", port, "error", err)
				return true
			}
			if parent && !e.IncludeSubdomains {
				return true
			}
			if e.Expires >= now {
				matched = true
				return false
			}
			return true
		})
		return nil
	})
	if err != nil {
		h.store.logger.Error("HSTS lookup failed", "host", host, "error", err)
		return false
	}
	return matched
}

// Len returns the number of stored policies.
func (h *HSTS) Len() int {
	n, _, err := h.store.Stats()
	if err != nil {
		return 0
	}
	return n
}

// Entries returns all readable policies ordered by host and port.
func (h *HSTS) Entries() []hsts.Entry {
	var out []hsts.Entry
	_ = h.store.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketHSTS).ForEach(func(_, v []byte) error {
			if e, err := h.store.decodeHSTS(v); err == nil {
				out = append(out, *e)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].Port < out[j].Port
	})
	return out
}

// Compile-time interface check
var _ hsts.DB = (*HSTS)(nil)
