package hpkp

import (
	"github.com/wolfeidau/tlstrust"
)

// Result is the outcome of a public key check.
type Result int

const (
	// Unknown means no policy applies to the host.
	Unknown Result = 0
	// Pinned means the key matches a pin of the applicable policy.
	Pinned Result = 1
	// InternalError means the key digest could not be computed.
	InternalError Result = -1
	// HostNotPinned means a policy applies and the key matches none of its pins.
	HostNotPinned Result = -2
)

func (r Result) String() string {
	switch r {
	case Unknown:
		return "unknown"
	case Pinned:
		return "pinned"
	case InternalError:
		return "error"
	case HostNotPinned:
		return "not_pinned"
	default:
		return "invalid"
	}
}

// CheckPubkey looks up the policy closest to host and checks pubkey against
// its SHA-256 pins. The closest policy is the first one found walking from
// the host itself towards its parent domains. A parent's policy applies only
// when it includes subdomains; otherwise the result is Unknown.
func (d *Database) CheckPubkey(host string, pubkey []byte) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	var (
		found     *Entry
		subdomain bool
	)
	tlstrust.Suffixes(host, func(candidate string, parent bool) bool {
		if e, ok := d.entries[candidate]; ok {
			found, subdomain = e, parent
			return false
		}
		return true
	})

	if found == nil {
		return Unknown
	}
	if subdomain && !found.IncludeSubdomains {
		return Unknown
	}

	digest, err := tlstrust.Digest(tlstrust.HashTypeSHA256, pubkey)
	if err != nil {
		d.logger.Error("failed to digest public key", "host", host, "error", err)
		return InternalError
	}

	if found.hasPin(tlstrust.HashTypeSHA256, digest) {
		return Pinned
	}
	return HostNotPinned
}
