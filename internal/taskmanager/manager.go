// Package taskmanager keeps the per-guild cursor over the durable timer
// store: the cached next fire time, the set of in-flight task ids, and the
// namespaces the guild's started scripts have declared. One Manager belongs
// to one guild handler loop and is not safe for concurrent use.
package taskmanager

import (
	"context"
	"time"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/timerstore"
)

// ActionKind says what the handler loop should do next.
type ActionKind int

const (
	// ActionNone: no eligible task exists; sleep until something changes.
	ActionNone ActionKind = iota
	// ActionWait: sleep until the given time, then ask again.
	ActionWait
	// ActionRun: the returned tasks are due now.
	ActionRun
)

// NextAction is the result of one scheduling decision.
type NextAction struct {
	Kind ActionKind
	// Until is set for ActionWait.
	Until time.Time
	// Tasks is set for ActionRun; their ids are already in the pending set.
	Tasks []*domain.ScheduledTask
}

// storeErrorBackoff is how long the cursor waits before retrying after a
// store failure. Store errors never propagate to the caller.
const storeErrorBackoff = 10 * time.Second

// ackRetryInterval paces the delete retry in Ack.
const ackRetryInterval = 5 * time.Second

// Manager is the per-guild scheduling cursor.
type Manager struct {
	store   timerstore.TimerStore
	guildID domain.GuildID

	// nextFetched distinguishes "not yet queried" from "queried"; nextTime
	// is nil when the query found no eligible task.
	nextFetched bool
	nextTime    *time.Time

	pending   map[uint64]struct{}
	taskNames []string

	// sleep is swapped out in tests; production uses time.Sleep via ctx.
	sleep func(ctx context.Context, d time.Duration)
}

func New(guildID domain.GuildID, store timerstore.TimerStore) *Manager {
	return &Manager{
		store:   store,
		guildID: guildID,
		pending: make(map[uint64]struct{}),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// NextAction decides the handler's next scheduling step. It performs at
// most one store query beyond the cached cursor and never blocks longer
// than that query. Store errors degrade to a short Wait.
func (m *Manager) NextAction(ctx context.Context) NextAction {
	if !m.nextFetched {
		t, err := m.store.GetNextTaskTime(ctx, m.guildID, m.pendingIDs(), m.taskNames)
		if err != nil {
			logging.Op().Error("failed fetching next task time", "guild_id", m.guildID, "error", err)
			return NextAction{Kind: ActionWait, Until: time.Now().Add(storeErrorBackoff)}
		}
		m.nextFetched = true
		m.nextTime = t
	}

	if m.nextTime == nil {
		return NextAction{Kind: ActionNone}
	}

	next := *m.nextTime
	if time.Now().Before(next) {
		return NextAction{Kind: ActionWait, Until: next}
	}

	tasks, err := m.store.GetTriggeredTasks(ctx, m.guildID, time.Now(), m.pendingIDs(), m.taskNames)
	if err != nil {
		logging.Op().Error("failed fetching triggered tasks", "guild_id", m.guildID, "error", err)
		return NextAction{Kind: ActionWait, Until: time.Now().Add(storeErrorBackoff)}
	}

	for _, task := range tasks {
		m.pending[task.ID] = struct{}{}
	}
	logging.Op().Info("pending tasks", "guild_id", m.guildID, "count", len(m.pending))
	m.clearNext()
	return NextAction{Kind: ActionRun, Tasks: tasks}
}

// Ack removes the task from the in-flight set and deletes it from the
// store. Deletion retries until it succeeds, so a task is not resurrected
// by a lost delete; the only early exit is a cancelled ctx, which leaves the
// row in the store for redelivery.
func (m *Manager) Ack(ctx context.Context, id uint64) {
	delete(m.pending, id)

	for {
		if _, err := m.store.DelTaskByID(ctx, m.guildID, id); err == nil {
			return
		} else {
			logging.Op().Error("failed deleting task", "guild_id", m.guildID, "task_id", id, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
		m.sleep(ctx, ackRetryInterval)
	}
}

// FailedAckPending puts a task back into play after a failed delivery: it
// leaves the row in the store, forgets the in-flight claim, and drops the
// cache so the next NextAction re-fetches it.
func (m *Manager) FailedAckPending(id uint64) {
	delete(m.pending, id)
	m.clearNext()
}

// ScriptStarted unions the script's declared task namespaces into the known
// set and invalidates the cursor, so tasks that were dormant for an
// undeclared namespace become eligible immediately.
func (m *Manager) ScriptStarted(meta *domain.ScriptMeta) {
	for _, name := range meta.TaskNames {
		if m.knowsNamespace(name) {
			continue
		}
		m.taskNames = append(m.taskNames, name)
	}
	m.clearNext()
}

// ClearPending forgets all in-flight claims; called on VM restart, after
// which the replacement incarnation re-receives anything unacked.
func (m *Manager) ClearPending() {
	logging.Op().Info("cleared pending", "guild_id", m.guildID)
	m.pending = make(map[uint64]struct{})
}

// ClearTaskNames forgets the declared namespaces; called on VM restart
// before the new incarnation's scripts re-announce.
func (m *Manager) ClearTaskNames() {
	m.taskNames = m.taskNames[:0]
}

// Invalidate drops the cached next fire time, e.g. when a new task was
// scheduled that may fire earlier than the cached one.
func (m *Manager) Invalidate() {
	m.clearNext()
}

// PendingCount reports the number of in-flight tasks.
func (m *Manager) PendingCount() int {
	return len(m.pending)
}

// KnownNamespaces returns the declared namespace set.
func (m *Manager) KnownNamespaces() []string {
	out := make([]string, len(m.taskNames))
	copy(out, m.taskNames)
	return out
}

func (m *Manager) clearNext() {
	m.nextFetched = false
	m.nextTime = nil
}

func (m *Manager) knowsNamespace(name string) bool {
	for _, n := range m.taskNames {
		if n == name {
			return true
		}
	}
	return false
}

func (m *Manager) pendingIDs() []uint64 {
	out := make([]uint64, 0, len(m.pending))
	for id := range m.pending {
		out = append(out, id)
	}
	return out
}
