package retry

import (
	"time"
)

// Attempt is one scheduled engine call.
type Attempt struct {
	Index int           `json:"attempt_index"`
	Delay time.Duration `json:"delay"`
}

// Schedule lays out every attempt of an execution. The first attempt runs
// immediately; attempt i waits ComputeBackoff(i-1) so the first retry uses the
// base delay.
func Schedule(params BackoffParams, policy BackoffPolicy) []Attempt {
	n := policy.MaxAttempts
	if n < 1 {
		n = 1
	}
	out := make([]Attempt, n)
	for i := 0; i < n; i++ {
		out[i] = Attempt{Index: i}
		if i > 0 {
			p := params
			p.AttemptIndex = i - 1
			out[i].Delay = ComputeBackoff(p, policy)
		}
	}
	return out
}
