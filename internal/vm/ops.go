package vm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/guildlog"
	"github.com/oriys/quasar/internal/plan"
	"github.com/oriys/quasar/internal/sandbox"
	"github.com/oriys/quasar/internal/timerstore"
)

// RuntimeEventKind tags events the running script sends to its handler.
type RuntimeEventKind int

const (
	RuntimeScriptStarted RuntimeEventKind = iota
	RuntimeNewTaskScheduled
	RuntimeInvalidRequestsExceeded
)

// RuntimeEvent flows from host ops to the guild handler.
type RuntimeEvent struct {
	Kind RuntimeEventKind
	Meta *domain.ScriptMeta
}

// opContext is the per-VM state host ops close over. Ops run either inline
// on the interpreter thread (sync) or on their own goroutines (async); the
// fields here are all safe for that split.
type opContext struct {
	guildID       domain.GuildID
	tier          plan.Tier
	store         timerstore.TimerStore
	limiters      *RateLimiters
	runtimeEvents chan<- RuntimeEvent
	glog          *guildlog.Logger
}

func (oc *opContext) emit(evt RuntimeEvent) {
	select {
	case oc.runtimeEvents <- evt:
	default:
		// handler mailbox full; drop rather than block the script
	}
}

func (oc *opContext) syncOps() map[string]sandbox.SyncOp {
	return map[string]sandbox.SyncOp{
		"scriptStart":       oc.opScriptStart,
		"getCurrentGuildId": oc.opGetCurrentGuildID,
		"consoleLog":        oc.opConsoleLog,
	}
}

func (oc *opContext) asyncOps() map[string]sandbox.AsyncOp {
	return map[string]sandbox.AsyncOp{
		"scheduleTask":  oc.opScheduleTask,
		"delTask":       oc.opDelTask,
		"delTaskByKey":  oc.opDelTaskByKey,
		"delAllTasks":   oc.opDelAllTasks,
		"getTask":       oc.opGetTask,
		"getTaskByKey":  oc.opGetTaskByKey,
		"getAllTasks":   oc.opGetAllTasks,
	}
}

func (oc *opContext) opScriptStart(argJSON string) (string, error) {
	var meta domain.ScriptMeta
	if err := json.Unmarshal([]byte(argJSON), &meta); err != nil {
		return "", fmt.Errorf("decode script meta: %w", err)
	}

	if err := validateScriptMeta(&meta); err != nil {
		oc.glog.ScriptError(oc.guildID, fmt.Sprintf("script meta validation failed: %v", err), "")
		return "", err
	}

	oc.emit(RuntimeEvent{Kind: RuntimeScriptStarted, Meta: &meta})
	return "null", nil
}

func (oc *opContext) opGetCurrentGuildID(string) (string, error) {
	return fmt.Sprintf("%q", oc.guildID.String()), nil
}

func (oc *opContext) opConsoleLog(argJSON string) (string, error) {
	var arg struct {
		Level   string `json:"level"`
		Message string `json:"message"`
		Script  string `json:"script,omitempty"`
	}
	if err := json.Unmarshal([]byte(argJSON), &arg); err != nil {
		return "", fmt.Errorf("decode console payload: %w", err)
	}

	level := guildlog.LevelInfo
	switch arg.Level {
	case "warn":
		level = guildlog.LevelWarn
	case "error":
		level = guildlog.LevelScriptError
	}
	oc.glog.Log(guildlog.Entry{
		GuildID:    oc.guildID,
		Level:      level,
		Message:    arg.Message,
		ScriptName: arg.Script,
	})
	return "null", nil
}

func (oc *opContext) opScheduleTask(ctx context.Context, argJSON string) (string, error) {
	if err := oc.limiters.TaskOps(ctx); err != nil {
		return "", err
	}

	var opts domain.CreateScheduledTask
	if err := json.Unmarshal([]byte(argJSON), &opts); err != nil {
		return "", fmt.Errorf("decode task options: %w", err)
	}
	if opts.Namespace == "" {
		return "", fmt.Errorf("task namespace is required")
	}

	data := opts.Data
	if len(data) == 0 {
		data = json.RawMessage(`null`)
	}
	if limit := plan.TasksDataSize(oc.tier); uint64(len(data)) > limit {
		return "", fmt.Errorf("data cannot be over %d bytes on your guild's plan", limit)
	}

	current, err := oc.store.GetTaskCount(ctx, oc.guildID)
	if err != nil {
		return "", err
	}
	if limit := plan.TasksScheduledCount(oc.tier); current >= limit {
		return "", fmt.Errorf("max %d tasks can be scheduled on your guild's plan", limit)
	}

	task, err := oc.store.CreateTask(ctx, oc.guildID, opts.Namespace, opts.UniqueKey, data, opts.ExecAt())
	if err != nil {
		return "", err
	}

	oc.emit(RuntimeEvent{Kind: RuntimeNewTaskScheduled})

	return marshalOp(task)
}

func (oc *opContext) opDelTask(ctx context.Context, argJSON string) (string, error) {
	if err := oc.limiters.TaskOps(ctx); err != nil {
		return "", err
	}

	var arg struct {
		ID uint64 `json:"id,string"`
	}
	if err := json.Unmarshal([]byte(argJSON), &arg); err != nil {
		return "", fmt.Errorf("decode task id: %w", err)
	}

	deleted, err := oc.store.DelTaskByID(ctx, oc.guildID, arg.ID)
	if err != nil {
		return "", err
	}
	return marshalOp(deleted > 0)
}

func (oc *opContext) opDelTaskByKey(ctx context.Context, argJSON string) (string, error) {
	if err := oc.limiters.TaskOps(ctx); err != nil {
		return "", err
	}

	var arg struct {
		Namespace string `json:"namespace"`
		Key       string `json:"key"`
	}
	if err := json.Unmarshal([]byte(argJSON), &arg); err != nil {
		return "", fmt.Errorf("decode task key: %w", err)
	}

	deleted, err := oc.store.DelTaskByKey(ctx, oc.guildID, arg.Namespace, arg.Key)
	if err != nil {
		return "", err
	}
	return marshalOp(deleted > 0)
}

func (oc *opContext) opDelAllTasks(ctx context.Context, argJSON string) (string, error) {
	if err := oc.limiters.TaskOps(ctx); err != nil {
		return "", err
	}

	var arg struct {
		Namespace *string `json:"namespace"`
	}
	if err := json.Unmarshal([]byte(argJSON), &arg); err != nil {
		return "", fmt.Errorf("decode namespace: %w", err)
	}

	deleted, err := oc.store.DelAllTasks(ctx, oc.guildID, arg.Namespace)
	if err != nil {
		return "", err
	}
	return marshalOp(deleted)
}

func (oc *opContext) opGetTask(ctx context.Context, argJSON string) (string, error) {
	if err := oc.limiters.TaskOps(ctx); err != nil {
		return "", err
	}

	var arg struct {
		ID uint64 `json:"id,string"`
	}
	if err := json.Unmarshal([]byte(argJSON), &arg); err != nil {
		return "", fmt.Errorf("decode task id: %w", err)
	}

	task, err := oc.store.GetTaskByID(ctx, oc.guildID, arg.ID)
	if err == timerstore.ErrNotFound {
		return "null", nil
	}
	if err != nil {
		return "", err
	}
	return marshalOp(task)
}

func (oc *opContext) opGetTaskByKey(ctx context.Context, argJSON string) (string, error) {
	if err := oc.limiters.TaskOps(ctx); err != nil {
		return "", err
	}

	var arg struct {
		Namespace string `json:"namespace"`
		Key       string `json:"key"`
	}
	if err := json.Unmarshal([]byte(argJSON), &arg); err != nil {
		return "", fmt.Errorf("decode task key: %w", err)
	}

	task, err := oc.store.GetTaskByKey(ctx, oc.guildID, arg.Namespace, arg.Key)
	if err == timerstore.ErrNotFound {
		return "null", nil
	}
	if err != nil {
		return "", err
	}
	return marshalOp(task)
}

// getAllTasksPageSize bounds one page of the paginated listing.
const getAllTasksPageSize = 25

func (oc *opContext) opGetAllTasks(ctx context.Context, argJSON string) (string, error) {
	if err := oc.limiters.TaskOps(ctx); err != nil {
		return "", err
	}

	var arg struct {
		Namespace *string `json:"namespace"`
		AfterID   uint64  `json:"after_id,string"`
	}
	if err := json.Unmarshal([]byte(argJSON), &arg); err != nil {
		return "", fmt.Errorf("decode listing options: %w", err)
	}

	tasks, err := oc.store.GetTasks(ctx, oc.guildID, arg.Namespace, arg.AfterID, getAllTasksPageSize)
	if err != nil {
		return "", err
	}
	if tasks == nil {
		tasks = []*domain.ScheduledTask{}
	}
	return marshalOp(tasks)
}

func marshalOp(v any) (string, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode op result: %w", err)
	}
	return string(out), nil
}
