// Package retry computes deterministic exponential backoff for engine retries.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffParams identify one retry attempt. Identical params always yield the
// same delay, so a replayed execution waits exactly as the original did.
type BackoffParams struct {
	ExecutionID  string
	Engine       string
	AttemptIndex int
}

type BackoffPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxJitter   time.Duration
	MaxAttempts int
}

// DefaultPolicy is used when configuration leaves the backoff unset.
func DefaultPolicy(maxAttempts int) BackoffPolicy {
	return BackoffPolicy{
		Base:        200 * time.Millisecond,
		Max:         5 * time.Second,
		MaxJitter:   100 * time.Millisecond,
		MaxAttempts: maxAttempts,
	}
}

// ComputeBackoff returns the delay before a specific attempt using deterministic jitter.
func ComputeBackoff(params BackoffParams, policy BackoffPolicy) time.Duration {
	// delay = base * 2^attempt
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	delay := time.Duration(int64(policy.Base) * factor)
	if delay > policy.Max || delay < 0 {
		delay = policy.Max
	}

	return delay + ComputeDeterministicJitter(params, policy)
}

func ComputeDeterministicJitter(params BackoffParams, policy BackoffPolicy) time.Duration {
	if policy.MaxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", params.ExecutionID, params.Engine, params.AttemptIndex)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(policy.MaxJitter)) //nolint:gosec // MaxJitter is positive here
}
