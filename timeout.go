package kinetic

import "time"

// InfiniteTimeoutMs disables a timeout wherever a millisecond timeout is configured.
//
const InfiniteTimeoutMs = -1

// TimeoutDuration converts a millisecond timeout, reporting false when it is infinite (or unset).
//
func TimeoutDuration(ms int) (time.Duration, bool) {
	if ms <= 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}
