// Package timerstore is the durable ordered queue behind scheduled tasks.
// The scheduler polls it per guild; the runtime's task ops write to it on a
// script's behalf. Delivery is at-least-once: rows are only deleted on ack.
package timerstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/oriys/quasar/internal/domain"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("task not found")

// TimerStore is the capability surface the scheduler and the script runtime
// consume. All calls are scoped to one guild; implementations must provide
// per-guild isolation.
type TimerStore interface {
	// GetNextTaskTime returns the earliest ExecAt among this guild's tasks,
	// skipping excluded ids and any namespace not in includeNames. Returns
	// (nil, nil) when no eligible task exists. An empty includeNames set
	// matches nothing.
	GetNextTaskTime(ctx context.Context, guildID domain.GuildID, excludeIDs []uint64, includeNames []string) (*time.Time, error)

	// GetTriggeredTasks returns all eligible tasks with ExecAt <= t.
	GetTriggeredTasks(ctx context.Context, guildID domain.GuildID, t time.Time, excludeIDs []uint64, includeNames []string) ([]*domain.ScheduledTask, error)

	// CreateTask inserts a task. When uniqueKey is set this upserts on
	// (guild, namespace, key): the new data and exec time win.
	CreateTask(ctx context.Context, guildID domain.GuildID, namespace string, uniqueKey *string, data json.RawMessage, execAt time.Time) (*domain.ScheduledTask, error)

	GetTaskByID(ctx context.Context, guildID domain.GuildID, id uint64) (*domain.ScheduledTask, error)
	GetTaskByKey(ctx context.Context, guildID domain.GuildID, namespace, key string) (*domain.ScheduledTask, error)

	// GetTasks pages through a guild's tasks ordered by id, returning up to
	// limit rows with id > afterID. A nil namespace matches all namespaces.
	GetTasks(ctx context.Context, guildID domain.GuildID, namespace *string, afterID uint64, limit int) ([]*domain.ScheduledTask, error)

	GetTaskCount(ctx context.Context, guildID domain.GuildID) (uint64, error)

	// Deletions return the number of rows removed.
	DelTaskByID(ctx context.Context, guildID domain.GuildID, id uint64) (uint64, error)
	DelTaskByKey(ctx context.Context, guildID domain.GuildID, namespace, key string) (uint64, error)
	DelAllTasks(ctx context.Context, guildID domain.GuildID, namespace *string) (uint64, error)
}
