package kvstore

import (
	"context"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/wolfeidau/tlstrust"
	"github.com/wolfeidau/tlstrust/hpkp"
)

// HPKP is an hpkp.DB kept in a bbolt bucket.
type HPKP struct {
	store *Store
}

func (s *Store) encodeHPKP(e *hpkp.Entry) ([]byte, error) {
	return s.codec.seal(marshalHPKP(e))
}

func (s *Store) decodeHPKP(v []byte) (*hpkp.Entry, error) {
	payload, err := s.codec.open(v)
	if err != nil {
		return nil, err
	}
	return unmarshalHPKP(payload)
}

// Load drops expired policies.
func (h *HPKP) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := h.store.now().Unix()
	n, err := h.store.purgeExpired(bucketHPKP, func(v []byte) bool {
		e, err := h.store.decodeHPKP(v)
		return err == nil && e.Expired(now)
	})
	if err != nil {
		return fmt.Errorf("purging expired HPKP records: %w", err)
	}
	if n > 0 {
		h.store.logger.Debug("dropped expired HPKP records", "count", n)
	}
	return nil
}

// Save flushes the database to disk.
func (h *HPKP) Save(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.store.db.Sync(); err != nil {
		return fmt.Errorf("syncing trust database: %w", err)
	}
	return nil
}

// Close releases this store's reference to the database.
func (h *HPKP) Close() error {
	return h.store.release()
}

// Add stores e, or removes the policy for its host when e has no lifetime
// or no pins.
func (h *HPKP) Add(e *hpkp.Entry) {
	if e == nil {
		return
	}
	key := hpkpKey(e.Host)

	var value []byte
	if e.MaxAge > 0 && e.PinCount() > 0 {
		var err error
		if value, err = h.store.encodeHPKP(e); err != nil {
			h.store.logger.Error("failed to encode HPKP record", "host", e.Host, "error", err)
			return
		}
	}

	err := h.store.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketHPKP)
		if value == nil {
			return b.Delete(key)
		}
		return b.Put(key, value)
	})
	if err != nil {
		h.store.logger.Error("failed to store HPKP record", "host", e.Host, "error", err)
	}
}

// Remove deletes the policy for host and reports whether it existed.
func (h *HPKP) Remove(host string) bool {
	key := hpkpKey(host)
	found := false
	err := h.store.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketHPKP)
		found = b.Get(key) != nil
		return b.Delete(key)
	})
	if err != nil {
		h.store.logger.Error("failed to remove HPKP record", "host", host, "error", err)
		return false
	}
	return found
}

// CheckPubkey checks pubkey against the closest policy for host, with the
// same rules as the default store. An unreadable record yields InternalError.
func (h *HPKP) CheckPubkey(host string, pubkey []byte) hpkp.Result {
	result := hpkp.Unknown
	err := h.store.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketHPKP)

		var (
			found     []byte
			subdomain bool
		)
		tlstrust.Suffixes(host, func(candidate string, parent bool) bool {
			if v := b.Get(hpkpKey(candidate)); v != nil {
				found, subdomain = v, parent
				return false
			}
			return true
		})
		if found == nil {
			return nil
		}

		e, err := h.store.decodeHPKP(found)
		if err != nil {
			return err
		}
		if subdomain && !e.IncludeSubdomains {
			return nil
		}

		pin := tlstrust.SPKIPin(pubkey)
		result = hpkp.HostNotPinned
		for _, p := range e.Pins() {
			if tlstrust.ComparePins(p, pin) == 0 {
				result = hpkp.Pinned
				break
			}
		}
		return nil
	})
	if err != nil {
		h.store.logger.Error("HPKP lookup failed", "host", host, "error", err)
		return hpkp.InternalError
	}
	return result
}

// Len returns the number of stored policies.
func (h *HPKP) Len() int {
	_, n, err := h.store.Stats()
	if err != nil {
		return 0
	}
	return n
}

// Entries returns all readable policies ordered by host.
func (h *HPKP) Entries() []*hpkp.Entry {
	var out []*hpkp.Entry
	_ = h.store.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketHPKP).ForEach(func(_, v []byte) error {
			if e, err := h.store.decodeHPKP(v); err == nil {
				out = append(out, e)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// Compile-time interface check
var _ hpkp.DB = (*HPKP)(nil)
