package timerstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/oriys/quasar/internal/domain"
)

const guildA = domain.GuildID(100)

func TestCreateTaskAssignsUniqueIDs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a, err := s.CreateTask(ctx, guildA, "x", nil, json.RawMessage(`{"n":1}`), time.Now())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := s.CreateTask(ctx, guildA, "x", nil, json.RawMessage(`{"n":2}`), time.Now())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.ID == b.ID {
		t.Fatalf("ids not unique: %d", a.ID)
	}
}

func TestUpsertByKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := "k"

	first, err := s.CreateTask(ctx, guildA, "x", &key, json.RawMessage(`{"v":1}`), time.Now().Add(10*time.Second))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	at := time.Now().Add(time.Second).UTC().Truncate(time.Millisecond)
	second, err := s.CreateTask(ctx, guildA, "x", &key, json.RawMessage(`{"v":2}`), at)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if first.ID != second.ID {
		t.Fatalf("upsert created a new row: %d vs %d", first.ID, second.ID)
	}
	if n, _ := s.GetTaskCount(ctx, guildA); n != 1 {
		t.Fatalf("expected 1 task, got %d", n)
	}

	got, err := s.GetTaskByKey(ctx, guildA, "x", key)
	if err != nil {
		t.Fatalf("get by key: %v", err)
	}
	if string(got.Data) != `{"v":2}` {
		t.Fatalf("second write's data should win, got %s", got.Data)
	}
	if !got.ExecAt.Equal(at) {
		t.Fatalf("second write's exec time should win, got %v want %v", got.ExecAt, at)
	}
}

func TestGetNextTaskTimeFiltersNamespaceAndPending(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	early, _ := s.CreateTask(ctx, guildA, "x", nil, nil, time.Now().Add(time.Second))
	s.CreateTask(ctx, guildA, "z", nil, nil, time.Now().Add(-time.Second))
	late, _ := s.CreateTask(ctx, guildA, "x", nil, nil, time.Now().Add(time.Hour))

	// "z" is undeclared, early is excluded: only the late task is eligible.
	got, err := s.GetNextTaskTime(ctx, guildA, []uint64{early.ID}, []string{"x"})
	if err != nil {
		t.Fatalf("next time: %v", err)
	}
	if got == nil || !got.Equal(late.ExecAt) {
		t.Fatalf("expected %v, got %v", late.ExecAt, got)
	}

	// No declared namespaces means nothing is eligible.
	got, err = s.GetNextTaskTime(ctx, guildA, nil, nil)
	if err != nil {
		t.Fatalf("next time: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for empty namespace set, got %v", got)
	}
}

func TestGetTriggeredTasksOnlyDue(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	due, _ := s.CreateTask(ctx, guildA, "x", nil, json.RawMessage(`{"n":1}`), now.Add(-time.Second))
	s.CreateTask(ctx, guildA, "x", nil, nil, now.Add(time.Hour))

	tasks, err := s.GetTriggeredTasks(ctx, guildA, now, nil, []string{"x"})
	if err != nil {
		t.Fatalf("triggered: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != due.ID {
		t.Fatalf("expected only the due task, got %v", tasks)
	}
}

func TestGuildIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	guildB := domain.GuildID(200)

	s.CreateTask(ctx, guildA, "x", nil, nil, time.Now().Add(-time.Second))

	tasks, err := s.GetTriggeredTasks(ctx, guildB, time.Now(), nil, []string{"x"})
	if err != nil {
		t.Fatalf("triggered: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("guild B sees guild A's tasks: %v", tasks)
	}
	if n, _ := s.GetTaskCount(ctx, guildB); n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}
}

func TestGetTasksPagination(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.CreateTask(ctx, guildA, "x", nil, nil, time.Now())
	}

	page, err := s.GetTasks(ctx, guildA, nil, 0, 3)
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("expected 3, got %d", len(page))
	}

	rest, err := s.GetTasks(ctx, guildA, nil, page[2].ID, 3)
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("expected 2, got %d", len(rest))
	}
	if rest[0].ID <= page[2].ID {
		t.Fatalf("pagination returned ids out of order")
	}
}

func TestDeletes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := "k"

	byID, _ := s.CreateTask(ctx, guildA, "x", nil, nil, time.Now())
	s.CreateTask(ctx, guildA, "x", &key, nil, time.Now())
	s.CreateTask(ctx, guildA, "y", nil, nil, time.Now())

	if n, _ := s.DelTaskByID(ctx, guildA, byID.ID); n != 1 {
		t.Fatalf("del by id: expected 1, got %d", n)
	}
	if n, _ := s.DelTaskByID(ctx, guildA, byID.ID); n != 0 {
		t.Fatalf("double delete should report 0 rows, got %d", n)
	}
	if n, _ := s.DelTaskByKey(ctx, guildA, "x", key); n != 1 {
		t.Fatalf("del by key: expected 1, got %d", n)
	}

	ns := "y"
	if n, _ := s.DelAllTasks(ctx, guildA, &ns); n != 1 {
		t.Fatalf("del all in namespace: expected 1, got %d", n)
	}
	if n, _ := s.GetTaskCount(ctx, guildA); n != 0 {
		t.Fatalf("expected empty store, got %d", n)
	}
}
