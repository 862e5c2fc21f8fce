package vm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/guildlog"
	"github.com/oriys/quasar/internal/plan"
	"github.com/oriys/quasar/internal/timerstore"
)

const guild = domain.GuildID(77)

func newOpContext(t *testing.T, tier plan.Tier) (*opContext, *timerstore.MemoryStore, chan RuntimeEvent) {
	t.Helper()

	store := timerstore.NewMemoryStore()
	events := make(chan RuntimeEvent, 16)
	glog := guildlog.New(nil)
	t.Cleanup(glog.Close)

	oc := &opContext{
		guildID:       guild,
		tier:          tier,
		store:         store,
		limiters:      NewRateLimiters(tier),
		runtimeEvents: events,
		glog:          glog,
	}
	return oc, store, events
}

func TestScheduleTaskCreatesAndNotifies(t *testing.T) {
	oc, store, events := newOpContext(t, plan.TierNone)
	ctx := context.Background()

	at := time.Now().Add(time.Minute).UnixMilli()
	out, err := oc.opScheduleTask(ctx, fmt.Sprintf(`{"namespace":"x","data":{"n":1},"execute_at_ms":%d}`, at))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	var task domain.ScheduledTask
	if err := json.Unmarshal([]byte(out), &task); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if task.Namespace != "x" || task.ID == 0 {
		t.Fatalf("unexpected task: %+v", task)
	}
	// execute_at_ms is UTC milliseconds since the epoch
	if task.ExecAt.UnixMilli() != at {
		t.Fatalf("exec time %d, want %d", task.ExecAt.UnixMilli(), at)
	}

	if n, _ := store.GetTaskCount(ctx, guild); n != 1 {
		t.Fatalf("store count %d, want 1", n)
	}

	select {
	case evt := <-events:
		if evt.Kind != RuntimeNewTaskScheduled {
			t.Fatalf("expected NewTaskScheduled, got %v", evt.Kind)
		}
	default:
		t.Fatal("NewTaskScheduled not emitted")
	}
}

func TestScheduleTaskEnforcesDataSize(t *testing.T) {
	oc, _, _ := newOpContext(t, plan.TierNone)
	ctx := context.Background()

	big := strings.Repeat("a", int(plan.TasksDataSize(plan.TierNone))+1)
	arg := fmt.Sprintf(`{"namespace":"x","data":%q,"execute_at_ms":%d}`, big, time.Now().UnixMilli())

	_, err := oc.opScheduleTask(ctx, arg)
	if err == nil || !strings.Contains(err.Error(), "bytes on your guild's plan") {
		t.Fatalf("expected data size error, got %v", err)
	}
}

func TestScheduleTaskEnforcesCountLimit(t *testing.T) {
	oc, store, _ := newOpContext(t, plan.TierNone)
	ctx := context.Background()

	for i := uint64(0); i < plan.TasksScheduledCount(plan.TierNone); i++ {
		store.CreateTask(ctx, guild, "x", nil, nil, time.Now())
	}

	arg := fmt.Sprintf(`{"namespace":"x","execute_at_ms":%d}`, time.Now().UnixMilli())
	_, err := oc.opScheduleTask(ctx, arg)
	if err == nil || !strings.Contains(err.Error(), "can be scheduled on your guild's plan") {
		t.Fatalf("expected count limit error, got %v", err)
	}
}

func TestScheduleTaskRequiresNamespace(t *testing.T) {
	oc, _, _ := newOpContext(t, plan.TierNone)

	_, err := oc.opScheduleTask(context.Background(), `{"execute_at_ms":0}`)
	if err == nil {
		t.Fatal("expected error for missing namespace")
	}
}

func TestDelAndGetTask(t *testing.T) {
	oc, store, _ := newOpContext(t, plan.TierNone)
	ctx := context.Background()

	task, _ := store.CreateTask(ctx, guild, "x", nil, json.RawMessage(`{"k":true}`), time.Now())

	out, err := oc.opGetTask(ctx, fmt.Sprintf(`{"id":"%d"}`, task.ID))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(out, `"k":true`) {
		t.Fatalf("get returned %s", out)
	}

	out, err = oc.opDelTask(ctx, fmt.Sprintf(`{"id":"%d"}`, task.ID))
	if err != nil || out != "true" {
		t.Fatalf("del returned (%s, %v), want (true, nil)", out, err)
	}

	// deleted task reads back as null, not an error
	out, err = oc.opGetTask(ctx, fmt.Sprintf(`{"id":"%d"}`, task.ID))
	if err != nil || out != "null" {
		t.Fatalf("get after del returned (%s, %v), want (null, nil)", out, err)
	}
}

func TestGetAllTasksPagesAt25(t *testing.T) {
	oc, store, _ := newOpContext(t, plan.TierPremium)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		store.CreateTask(ctx, guild, "x", nil, nil, time.Now())
	}

	out, err := oc.opGetAllTasks(ctx, `{"after_id":"0"}`)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}

	var tasks []domain.ScheduledTask
	if err := json.Unmarshal([]byte(out), &tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tasks) != 25 {
		t.Fatalf("page size %d, want 25", len(tasks))
	}

	// next page picks up after the last id
	out, err = oc.opGetAllTasks(ctx, fmt.Sprintf(`{"after_id":"%d"}`, tasks[24].ID))
	if err != nil {
		t.Fatalf("get all page 2: %v", err)
	}
	tasks = tasks[:0]
	json.Unmarshal([]byte(out), &tasks)
	if len(tasks) != 5 {
		t.Fatalf("second page size %d, want 5", len(tasks))
	}
}

func TestScriptStartEmitsMeta(t *testing.T) {
	oc, _, events := newOpContext(t, plan.TierNone)

	meta := `{"script_id":"1","commands":[{"name":"ping","description":"pong"}],"task_names":["reminders"]}`
	if _, err := oc.opScriptStart(meta); err != nil {
		t.Fatalf("script start: %v", err)
	}

	select {
	case evt := <-events:
		if evt.Kind != RuntimeScriptStarted {
			t.Fatalf("expected ScriptStarted, got %v", evt.Kind)
		}
		if evt.Meta.ScriptID != 1 || len(evt.Meta.TaskNames) != 1 {
			t.Fatalf("unexpected meta: %+v", evt.Meta)
		}
	default:
		t.Fatal("ScriptStarted not emitted")
	}
}

func TestScriptStartRejectsInvalidCommands(t *testing.T) {
	oc, _, events := newOpContext(t, plan.TierNone)

	meta := `{"script_id":"1","commands":[{"name":"bad name!","description":""}]}`
	_, err := oc.opScriptStart(meta)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "failed validating script") {
		t.Fatalf("unexpected error: %v", err)
	}

	// malformed declarations are not activated
	select {
	case <-events:
		t.Fatal("invalid meta must not be announced")
	default:
	}
}

func TestValidateScriptMetaAggregatesFindings(t *testing.T) {
	err := validateScriptMeta(&domain.ScriptMeta{
		Commands: []domain.Command{
			{Name: "spaces in name", Description: "x"},
			{Name: "ok", Description: ""},
		},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	// both findings are reported in one aggregated error
	if !strings.Contains(err.Error(), "spaces in name") || !strings.Contains(err.Error(), "description is required") {
		t.Fatalf("findings not aggregated: %v", err)
	}
}
