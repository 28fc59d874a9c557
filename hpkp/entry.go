// Package hpkp implements an HTTP Public Key Pinning policy store.
//
// A Database maps hosts to the set of SPKI pins their servers may present.
// CheckPubkey consults it before a server's public key is accepted. Like the
// HSTS store it is an in-memory map under a mutex, optionally backed by a
// flat text file.
package hpkp

import (
	"slices"

	"github.com/wolfeidau/tlstrust"
)

// Entry is a single HPKP policy. Timestamps are seconds since the epoch.
// The pin set is kept sorted and free of duplicates.
type Entry struct {
	Host              string
	Created           int64
	Expires           int64
	MaxAge            int64
	IncludeSubdomains bool

	pins []tlstrust.Pin
}

// NewEntry creates an empty policy for host created at the given Unix time.
func NewEntry(host string, created int64) *Entry {
	return &Entry{
		Host:    host,
		Created: tlstrust.ClampTimestamp(created),
	}
}

// SetMaxAge sets the max-age and recomputes the expiry from Created.
// Out of range values collapse to zero.
func (e *Entry) SetMaxAge(maxAge int64) {
	e.MaxAge, e.Expires = tlstrust.Lifetime(e.Created, maxAge)
}

// SetCreated sets the creation time and recomputes the expiry.
func (e *Entry) SetCreated(created int64) {
	e.Created = tlstrust.ClampTimestamp(created)
	e.MaxAge, e.Expires = tlstrust.Lifetime(e.Created, e.MaxAge)
}

// AddPin decodes a base64 pin and adds it to the pin set. Adding a pin that
// is already present is a no-op.
func (e *Entry) AddPin(hashType, encoded string) error {
	pin, err := tlstrust.NewPin(hashType, encoded)
	if err != nil {
		return err
	}
	e.insertPin(pin)
	return nil
}

func (e *Entry) insertPin(pin tlstrust.Pin) {
	i, found := slices.BinarySearchFunc(e.pins, pin, tlstrust.ComparePins)
	if found {
		return
	}
	e.pins = slices.Insert(e.pins, i, pin)
}

// PinCount returns the number of pins.
func (e *Entry) PinCount() int {
	return len(e.pins)
}

// Pins returns copies of the pins in comparator order.
func (e *Entry) Pins() []tlstrust.Pin {
	out := make([]tlstrust.Pin, len(e.pins))
	for i, p := range e.pins {
		out[i] = p.Clone()
	}
	return out
}

// Expired reports whether the entry has expired at now.
func (e *Entry) Expired(now int64) bool {
	return e.Expires < now
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	c := *e
	c.pins = e.Pins()
	return &c
}

// hasPin reports whether the set holds a pin of hashType with digest.
func (e *Entry) hasPin(hashType string, digest []byte) bool {
	_, found := slices.BinarySearchFunc(e.pins, tlstrust.Pin{HashType: hashType, Digest: digest}, tlstrust.ComparePins)
	return found
}
