// Package plan defines the premium tiers and the per-tier resource limits
// enforced by the script runtime. Tier assignment itself lives in an
// external store; the runtime is handed a resolved Tier at VM creation.
package plan

// Tier is a guild's premium tier.
type Tier int

const (
	TierNone Tier = iota
	TierLite
	TierPremium
)

func (t Tier) String() string {
	switch t {
	case TierLite:
		return "lite"
	case TierPremium:
		return "premium"
	default:
		return "none"
	}
}

// TasksDataSize returns the max serialized size in bytes of a scheduled
// task's data payload.
func TasksDataSize(t Tier) uint64 {
	switch t {
	case TierPremium:
		return 100 * 1024
	case TierLite:
		return 10 * 1024
	default:
		return 1024
	}
}

// TasksScheduledCount returns the max number of tasks a guild may have
// scheduled at once.
func TasksScheduledCount(t Tier) uint64 {
	switch t {
	case TierPremium:
		return 10_000
	case TierLite:
		return 1_000
	default:
		return 100
	}
}
