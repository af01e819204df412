package executor

import (
	"math/rand"
	"time"
)

// backoff returns the delay before retry number attempt (1-based): base doubled
// per attempt, capped at limit, plus up to half of it again as jitter.
func backoff(base, limit time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	if half := int64(d / 2); half > 0 {
		d += time.Duration(rand.Int63n(half))
	}
	return d
}
