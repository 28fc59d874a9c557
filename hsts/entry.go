// Package hsts implements an HTTP Strict Transport Security policy store.
//
// A Database remembers which hosts (and optionally their subdomains) must
// only be contacted over TLS. The default implementation is in memory,
// guarded by a mutex, and optionally backed by a flat text file.
package hsts

import (
	"github.com/wolfeidau/tlstrust"
)

// DefaultPort is the port assumed when none is given. Port 80 lookups are
// mapped onto it as well.
const DefaultPort = 443

// Entry is a single HSTS policy. Timestamps are seconds since the epoch.
type Entry struct {
	Host              string
	Port              uint16
	Created           int64
	Expires           int64
	MaxAge            int64
	IncludeSubdomains bool
}

// NewEntry creates a policy for host:port created at now. A zero port means
// DefaultPort. Out of range lifetimes collapse to zero, which turns the
// entry into a removal when added to a Database.
func NewEntry(host string, port uint16, maxAge int64, includeSubdomains bool, now int64) *Entry {
	if port == 0 {
		port = DefaultPort
	}
	e := &Entry{
		Host:              host,
		Port:              port,
		Created:           now,
		IncludeSubdomains: includeSubdomains,
	}
	e.MaxAge, e.Expires = tlstrust.Lifetime(now, maxAge)
	return e
}

// Expired reports whether the entry has expired at now.
func (e *Entry) Expired(now int64) bool {
	return e.Expires < now
}

// key is the lookup projection of an Entry.
type key struct {
	host string
	port uint16
}

func (e *Entry) key() key {
	return key{host: e.Host, port: e.Port}
}
