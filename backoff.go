package centrifuge

import (
	"math/rand"
	"time"
)

// backoffDelay returns the reconnect delay for the given attempt number.
// The delay grows exponentially from minDelay up to maxDelay; the upper
// half of each step is randomized so that many clients reconnecting after
// a server restart do not arrive in lockstep.
func backoffDelay(attempt int, minDelay, maxDelay time.Duration) time.Duration {
	if minDelay <= 0 {
		minDelay = time.Millisecond
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}

	delay := minDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}

	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half) + 1))
}
