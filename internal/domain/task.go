package domain

import (
	"encoding/json"
	"time"
)

// ScheduledTask is one row in the durable timer store. When UniqueKey is
// set, (guild, namespace, key) is unique and creation upserts; ID is unique
// across the whole store either way. ExecAt is stored at millisecond
// resolution.
type ScheduledTask struct {
	ID        uint64          `json:"id,string"`
	GuildID   GuildID         `json:"guild_id,string"`
	Namespace string          `json:"namespace"`
	UniqueKey *string         `json:"unique_key,omitempty"`
	Data      json.RawMessage `json:"data"`
	ExecAt    time.Time       `json:"exec_at"`
}

// CreateScheduledTask is the payload of the scheduleTask host op.
// ExecuteAtMs is UTC milliseconds since the epoch.
type CreateScheduledTask struct {
	Namespace   string          `json:"namespace"`
	UniqueKey   *string         `json:"unique_key,omitempty"`
	Data        json.RawMessage `json:"data"`
	ExecuteAtMs int64           `json:"execute_at_ms"`
}

// ExecAt converts the millisecond timestamp into a UTC time.
func (c CreateScheduledTask) ExecAt() time.Time {
	return time.UnixMilli(c.ExecuteAtMs).UTC()
}
