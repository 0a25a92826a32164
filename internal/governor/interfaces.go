package governor

import "time"

// Clock returns the current time (injectable for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// IdentityPool supplies fresh fingerprints for session rotation. Implemented
// outside the core; the governor only consumes it.
type IdentityPool interface {
	NextFingerprint() Fingerprint
}

// Rand is the injectable pseudo-random source used for jitter, long-delay
// draws, and rotation spread. Seedable so tests can force boundary behavior.
type Rand interface {
	Float64() float64
	Int63n(n int64) int64
}

// uniformDuration draws uniformly from [min, max]. A degenerate range returns
// min.
func uniformDuration(r Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(r.Int63n(int64(max-min)+1))
}
