package out

import "time"

// Clock abstracts time for the cache and queue layers so TTL expiry,
// debounce, and retry pacing are testable against a virtual clock.
type Clock interface {
	Now() time.Time

	// After behaves like time.After. Timer-based delays (reconnect debounce,
	// inter-batch pacing, interval sync) must go through here.
	After(d time.Duration) <-chan time.Time
}
