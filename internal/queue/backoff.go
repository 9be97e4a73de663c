package queue

import (
	"fmt"
	"hash/fnv"
	"time"
)

const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

// BackoffDelay returns the delay before the next attempt after `attempt`
// completed tries: exponential from 1s, capped at 60s, with ±20% jitter.
// The jitter is derived from the seed rather than a RNG so a replayed
// schedule is byte-identical; the seed is normally the job id, which
// still spreads retry storms across jobs.
func BackoffDelay(attempt int, seed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := attempt - 1
	if exp > 6 {
		exp = 6 // 2^6 s already exceeds the cap
	}
	d := backoffBase << exp
	if d > backoffCap {
		d = backoffCap
	}

	h := fnv.New64a()
	fmt.Fprintf(h, "%s:%d", seed, attempt)
	factor := 0.8 + 0.4*float64(h.Sum64()%1000)/999.0
	return time.Duration(float64(d) * factor)
}
