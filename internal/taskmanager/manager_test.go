package taskmanager

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/timerstore"
)

const guild = domain.GuildID(42)

func newManager(t *testing.T) (*Manager, *timerstore.MemoryStore) {
	t.Helper()
	store := timerstore.NewMemoryStore()
	m := New(guild, store)
	m.sleep = func(context.Context, time.Duration) {}
	return m, store
}

func started(m *Manager, names ...string) {
	m.ScriptStarted(&domain.ScriptMeta{TaskNames: names})
}

func TestNextActionNoneWithoutTasks(t *testing.T) {
	m, _ := newManager(t)
	started(m, "x")

	na := m.NextAction(context.Background())
	if na.Kind != ActionNone {
		t.Fatalf("expected None, got %v", na.Kind)
	}
}

func TestNextActionWaitsForFutureTask(t *testing.T) {
	m, store := newManager(t)
	started(m, "x")

	at := time.Now().Add(time.Hour)
	store.CreateTask(context.Background(), guild, "x", nil, nil, at)

	na := m.NextAction(context.Background())
	if na.Kind != ActionWait {
		t.Fatalf("expected Wait, got %v", na.Kind)
	}
	if na.Until.Sub(at) > time.Millisecond || at.Sub(na.Until) > time.Millisecond {
		t.Fatalf("wait until %v, want %v", na.Until, at)
	}
}

func TestNextActionRunsDueTasks(t *testing.T) {
	m, store := newManager(t)
	started(m, "x")
	ctx := context.Background()

	task, _ := store.CreateTask(ctx, guild, "x", nil, json.RawMessage(`{"n":1}`), time.Now().Add(-time.Second))

	na := m.NextAction(ctx)
	if na.Kind != ActionRun {
		t.Fatalf("expected Run, got %v", na.Kind)
	}
	if len(na.Tasks) != 1 || na.Tasks[0].ID != task.ID {
		t.Fatalf("expected the due task, got %v", na.Tasks)
	}
	if m.PendingCount() != 1 {
		t.Fatalf("task should be in-flight after Run")
	}
}

func TestNoDoubleFireWhilePending(t *testing.T) {
	m, store := newManager(t)
	started(m, "x")
	ctx := context.Background()

	store.CreateTask(ctx, guild, "x", nil, nil, time.Now().Add(-time.Second))

	if na := m.NextAction(ctx); na.Kind != ActionRun {
		t.Fatalf("first call should run, got %v", na.Kind)
	}

	// the task is pending and unacked; it must not be offered again
	na := m.NextAction(ctx)
	if na.Kind == ActionRun {
		t.Fatalf("pending task re-fired: %v", na.Tasks)
	}
	if na.Kind != ActionNone {
		t.Fatalf("expected None while the only task is pending, got %v", na.Kind)
	}
}

func TestUnknownNamespaceStaysDormant(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()

	// no script declares "z"; the overdue task stays put and undeleted
	store.CreateTask(ctx, guild, "z", nil, nil, time.Now().Add(-time.Second))

	if na := m.NextAction(ctx); na.Kind != ActionNone {
		t.Fatalf("expected None for undeclared namespace, got %v", na.Kind)
	}
	if n, _ := store.GetTaskCount(ctx, guild); n != 1 {
		t.Fatalf("dormant task was deleted")
	}

	// declaring the namespace makes it eligible
	started(m, "z")
	if na := m.NextAction(ctx); na.Kind != ActionRun {
		t.Fatalf("expected Run after declaration, got %v", na.Kind)
	}
}

func TestScriptStartedInvalidatesCache(t *testing.T) {
	m, store := newManager(t)
	started(m, "x")
	ctx := context.Background()

	// cache a far-future cursor
	store.CreateTask(ctx, guild, "x", nil, nil, time.Now().Add(time.Hour))
	if na := m.NextAction(ctx); na.Kind != ActionWait {
		t.Fatalf("expected Wait, got %v", na.Kind)
	}

	// an overdue task in a newly declared namespace must not sit behind
	// the stale cursor
	store.CreateTask(ctx, guild, "y", nil, nil, time.Now().Add(-time.Second))
	started(m, "y")

	if na := m.NextAction(ctx); na.Kind != ActionRun {
		t.Fatalf("expected Run after cache invalidation, got %v", na.Kind)
	}
}

func TestInvalidateRefetches(t *testing.T) {
	m, store := newManager(t)
	started(m, "x")
	ctx := context.Background()

	store.CreateTask(ctx, guild, "x", nil, nil, time.Now().Add(time.Hour))
	if na := m.NextAction(ctx); na.Kind != ActionWait {
		t.Fatalf("expected Wait, got %v", na.Kind)
	}

	// a newly scheduled near-future task fires only if the cache is dropped
	store.CreateTask(ctx, guild, "x", nil, nil, time.Now().Add(-time.Millisecond))
	m.Invalidate()

	if na := m.NextAction(ctx); na.Kind != ActionRun {
		t.Fatalf("expected Run after Invalidate, got %v", na.Kind)
	}
}

func TestStoreErrorDegradesToWait(t *testing.T) {
	m, store := newManager(t)
	started(m, "x")
	ctx := context.Background()

	store.FailNextCalls(1, errors.New("connection refused"))

	before := time.Now()
	na := m.NextAction(ctx)
	if na.Kind != ActionWait {
		t.Fatalf("expected degraded Wait, got %v", na.Kind)
	}
	d := na.Until.Sub(before)
	if d < 9*time.Second || d > 11*time.Second {
		t.Fatalf("expected ~10s backoff, got %v", d)
	}
}

func TestAckRemovesAndDeletes(t *testing.T) {
	m, store := newManager(t)
	started(m, "x")
	ctx := context.Background()

	task, _ := store.CreateTask(ctx, guild, "x", nil, nil, time.Now().Add(-time.Second))
	m.NextAction(ctx)

	m.Ack(ctx, task.ID)

	if m.PendingCount() != 0 {
		t.Fatal("ack left the task pending")
	}
	if n, _ := store.GetTaskCount(ctx, guild); n != 0 {
		t.Fatal("ack did not delete the stored row")
	}
}

func TestAckRetriesStoreFailures(t *testing.T) {
	m, store := newManager(t)
	started(m, "x")
	ctx := context.Background()

	task, _ := store.CreateTask(ctx, guild, "x", nil, nil, time.Now().Add(-time.Second))
	m.NextAction(ctx)

	store.FailNextCalls(3, errors.New("deadlock detected"))
	m.Ack(ctx, task.ID)

	if n, _ := store.GetTaskCount(ctx, guild); n != 0 {
		t.Fatal("ack gave up before the delete succeeded")
	}
}

func TestFailedAckPendingRedelivers(t *testing.T) {
	m, store := newManager(t)
	started(m, "x")
	ctx := context.Background()

	task, _ := store.CreateTask(ctx, guild, "x", nil, nil, time.Now().Add(-time.Second))
	m.NextAction(ctx)

	m.FailedAckPending(task.ID)

	na := m.NextAction(ctx)
	if na.Kind != ActionRun || len(na.Tasks) != 1 || na.Tasks[0].ID != task.ID {
		t.Fatalf("failed-ack task was not re-offered: %v", na)
	}
}

func TestClearPendingAndTaskNamesOnRestart(t *testing.T) {
	m, store := newManager(t)
	started(m, "x")
	ctx := context.Background()

	task, _ := store.CreateTask(ctx, guild, "x", nil, nil, time.Now().Add(-time.Second))
	m.NextAction(ctx)

	// restart protocol: both cleared before the new VM announces scripts
	m.ClearPending()
	m.ClearTaskNames()

	if m.PendingCount() != 0 || len(m.KnownNamespaces()) != 0 {
		t.Fatal("restart state not cleared")
	}

	// nothing is eligible until the script re-announces...
	m.Invalidate()
	if na := m.NextAction(ctx); na.Kind != ActionNone {
		t.Fatalf("expected None before re-announce, got %v", na.Kind)
	}

	// ...after which the same task is re-delivered
	started(m, "x")
	na := m.NextAction(ctx)
	if na.Kind != ActionRun || len(na.Tasks) != 1 || na.Tasks[0].ID != task.ID {
		t.Fatalf("task not re-delivered after restart: %v", na)
	}
}
