package tlstrust

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// ErrInvalidHost is returned when a hostname cannot be normalised.
var ErrInvalidHost = errors.New("invalid host")

// NormalizeHost converts host to the form used as a store key: lower case
// ASCII (punycode for internationalised names) without a trailing dot.
func NormalizeHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.TrimSpace(host), ".")
	if host == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidHost)
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidHost, host, err)
	}
	return strings.ToLower(ascii), nil
}

// Suffixes calls fn for host and then for each parent domain obtained by
// stripping the leftmost label, stopping when fn returns false. The second
// argument to fn reports whether the candidate is a parent of host.
func Suffixes(host string, fn func(candidate string, parent bool) bool) {
	if !fn(host, false) {
		return
	}
	for rest := host; ; {
		i := strings.IndexByte(rest, '.')
		if i < 0 {
			return
		}
		rest = rest[i+1:]
		if rest == "" {
			return
		}
		if !fn(rest, true) {
			return
		}
	}
}
