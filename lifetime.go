package tlstrust

import "math"

// maxTimestamp bounds created and max-age values. Anything at or beyond it
// could overflow when the two are summed.
const maxTimestamp = math.MaxInt64 / 2

// Lifetime returns the effective max-age and expiry for a policy created at
// created (epoch seconds) with the given max-age. Non-positive or
// out-of-range inputs collapse to a zero lifetime.
func Lifetime(created, maxAge int64) (effectiveMaxAge, expires int64) {
	if maxAge <= 0 || maxAge >= maxTimestamp || created < 0 || created >= maxTimestamp {
		return 0, 0
	}
	return maxAge, created + maxAge
}

// ClampTimestamp returns ts, or 0 when ts is negative or too large to be
// summed safely.
func ClampTimestamp(ts int64) int64 {
	if ts < 0 || ts >= maxTimestamp {
		return 0
	}
	return ts
}
