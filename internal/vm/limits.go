package vm

import (
	"context"

	"github.com/oriys/quasar/internal/plan"
	"github.com/oriys/quasar/internal/ratelimit"
)

// RateLimiters holds the per-VM op buckets. Each VM gets its own local
// backend so one guild's burst never touches another's; the buckets are
// kept across the VM's restarts.
type RateLimiters struct {
	taskOps *ratelimit.Bucket
}

// NewRateLimiters sizes the buckets for the guild's tier.
func NewRateLimiters(tier plan.Tier) *RateLimiters {
	backend := ratelimit.NewLocalBackend()

	burst, rate := 10, 5.0
	if tier == plan.TierPremium {
		burst, rate = 40, 20.0
	}

	return &RateLimiters{
		taskOps: ratelimit.NewBucket(backend, "task_ops", burst, rate),
	}
}

// TaskOps blocks until the task-op bucket grants a token.
func (r *RateLimiters) TaskOps(ctx context.Context) error {
	return r.taskOps.Wait(ctx)
}
