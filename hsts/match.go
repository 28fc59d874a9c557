package hsts

import (
	"github.com/wolfeidau/tlstrust"
)

// HostMatch reports whether a live policy covers host:port. The host itself
// matches any unexpired entry; a parent domain matches only when its entry
// includes subdomains. Port 80 is looked up as 443, since plain HTTP is
// redirected to the default TLS port and shares its policy.
func (d *Database) HostMatch(host string, port uint16) bool {
	if port == 80 {
		port = DefaultPort
	}
	now := d.now().Unix()

	d.mu.Lock()
	defer d.mu.Unlock()

	matched := false
	tlstrust.Suffixes(host, func(candidate string, parent bool) bool {
		e, ok := d.entries[key{host: candidate, port: port}]
		if !ok {
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
	return matched
}
