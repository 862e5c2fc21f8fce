// Package guildhandler ties one guild's VM, task manager, and interval
// timers together. Its loop is the only goroutine that talks to either; the
// supervisor reaches it exclusively through the mailbox.
package guildhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oriys/quasar/internal/circuitbreaker"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/guildlog"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/plan"
	"github.com/oriys/quasar/internal/taskmanager"
	"github.com/oriys/quasar/internal/timerstore"
	"github.com/oriys/quasar/internal/vm"
)

// Synthetic event names dispatched into scripts.
const (
	EventScheduledTaskFired = "QUASAR_SCHEDULED_TASK_FIRED"
	EventIntervalTimerFired = "QUASAR_INTERVAL_TIMER_FIRED"
)

// maxTaskDeliveryAttempts caps redelivery of a task whose VM died while it
// was in flight; past the cap the task is acked away.
const maxTaskDeliveryAttempts = 5

// ScriptVM is the slice of the VM surface the handler drives. Production
// uses vm.Handle; tests substitute a scripted fake.
type ScriptVM interface {
	Send(cmd vm.Command)
	Shutdown(reason vm.ShutdownReason, force bool)
	Done() <-chan struct{}
}

// VMFactory builds a fresh VM incarnation.
type VMFactory func(req vm.CreateVM) ScriptVM

func defaultVMFactory(req vm.CreateVM) ScriptVM {
	return vm.Start(req)
}

// Config assembles a handler.
type Config struct {
	GuildID    domain.GuildID
	Tier       plan.Tier
	Scripts    []domain.Script
	TimerStore timerstore.TimerStore
	GuildLog   *guildlog.Logger

	// VMFactory defaults to the real engine-backed VM.
	VMFactory VMFactory
	// Breaker guards respawns; defaults to circuitbreaker.DefaultConfig.
	Breaker *circuitbreaker.Breaker

	// Heap bounds forwarded to each VM incarnation; zero uses defaults.
	VMInitialHeapBytes uint64
	VMMaxHeapBytes     uint64
}

type mailboxMsg interface{ handlerMsg() }

type msgDispatch struct {
	Name    string
	Payload json.RawMessage
}

type msgInvalidate struct{}

type msgScriptOp struct{ Cmd vm.Command }

func (msgDispatch) handlerMsg()   {}
func (msgInvalidate) handlerMsg() {}
func (msgScriptOp) handlerMsg()   {}

// Handler runs one guild. Construct with New, then Run on its own
// goroutine; interact through the exported methods.
type Handler struct {
	guildID domain.GuildID
	tier    plan.Tier
	store   timerstore.TimerStore
	glog    *guildlog.Logger

	mailbox       chan mailboxMsg
	vmEvents      chan vm.Event
	runtimeEvents chan vm.RuntimeEvent

	tasks     *taskmanager.Manager
	intervals *intervalRunner
	breaker   *circuitbreaker.Breaker

	newVM       VMFactory
	current     ScriptVM
	scripts     []domain.Script
	initialHeap uint64
	maxHeap     uint64

	nextEventID uint64
	// inflight maps dispatch event ids to the task they deliver.
	inflight map[uint64]uint64
	// attempts counts deliveries per task id across VM crashes.
	attempts map[uint64]int

	done chan struct{}
}

func New(cfg Config) *Handler {
	factory := cfg.VMFactory
	if factory == nil {
		factory = defaultVMFactory
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.DefaultConfig())
	}

	return &Handler{
		guildID:       cfg.GuildID,
		tier:          cfg.Tier,
		store:         cfg.TimerStore,
		glog:          cfg.GuildLog,
		mailbox:       make(chan mailboxMsg, 256),
		vmEvents:      make(chan vm.Event, 64),
		runtimeEvents: make(chan vm.RuntimeEvent, 64),
		tasks:         taskmanager.New(cfg.GuildID, cfg.TimerStore),
		intervals:     newIntervalRunner(),
		breaker:       breaker,
		newVM:         factory,
		scripts:       cfg.Scripts,
		initialHeap:   cfg.VMInitialHeapBytes,
		maxHeap:       cfg.VMMaxHeapBytes,
		inflight:      make(map[uint64]uint64),
		attempts:      make(map[uint64]int),
		done:          make(chan struct{}),
	}
}

// DispatchEvent queues a platform event for the guild's scripts. Events for
// one guild are delivered in call order.
func (h *Handler) DispatchEvent(name string, payload json.RawMessage) {
	h.post(msgDispatch{Name: name, Payload: payload})
}

// InvalidateTasks drops the scheduling cursor; used when another process
// inserted a task for this guild.
func (h *Handler) InvalidateTasks() {
	h.post(msgInvalidate{})
}

// LoadScript asks the VM to compile and load a new script.
func (h *Handler) LoadScript(script domain.Script) {
	h.post(msgScriptOp{Cmd: vm.LoadScript{Script: script}})
}

// UpdateScript replaces a script and restarts the VM.
func (h *Handler) UpdateScript(script domain.Script) {
	h.post(msgScriptOp{Cmd: vm.UpdateScript{Script: script}})
}

// UnloadScripts removes scripts and restarts the VM.
func (h *Handler) UnloadScripts(scripts []domain.Script) {
	h.post(msgScriptOp{Cmd: vm.UnloadScripts{Scripts: scripts}})
}

// Restart replaces the whole script set and rebuilds the VM.
func (h *Handler) Restart(scripts []domain.Script) {
	h.post(msgScriptOp{Cmd: vm.Restart{Scripts: scripts}})
}

// Done closes when the handler loop has exited.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

func (h *Handler) post(msg mailboxMsg) {
	select {
	case h.mailbox <- msg:
	case <-h.done:
	}
}

// Run is the handler loop. It returns when ctx is cancelled or the respawn
// breaker refuses to revive a crash-looping guild.
func (h *Handler) Run(ctx context.Context) {
	defer close(h.done)
	defer h.intervals.Stop()

	h.spawnVM()

	for {
		var timerCh <-chan time.Time

		action := h.tasks.NextAction(ctx)
		switch action.Kind {
		case taskmanager.ActionRun:
			h.dispatchTasks(action.Tasks)
			continue
		case taskmanager.ActionWait:
			timerCh = time.After(time.Until(action.Until))
		}

		select {
		case <-ctx.Done():
			h.stopVM(ctx)
			return

		case msg := <-h.mailbox:
			h.handleMailbox(msg)

		case re := <-h.runtimeEvents:
			h.handleRuntimeEvent(re)

		case ve := <-h.vmEvents:
			if exit := h.handleVMEvent(ctx, ve); exit {
				return
			}

		case fire := <-h.intervals.fired:
			h.dispatchToVM(EventIntervalTimerFired, mustMarshal(struct {
				ScriptID uint64 `json:"script_id,string"`
				Name     string `json:"name"`
			}{ScriptID: fire.ScriptID, Name: fire.Name}))

		case <-timerCh:
			// cursor elapsed; loop to re-evaluate
		}
	}
}

func (h *Handler) handleMailbox(msg mailboxMsg) {
	switch m := msg.(type) {
	case msgDispatch:
		h.dispatchToVM(m.Name, m.Payload)
	case msgInvalidate:
		h.tasks.Invalidate()
	case msgScriptOp:
		h.applyScriptOp(m.Cmd)
	}
}

// applyScriptOp forwards a script mutation to the VM. Update, unload, and
// restart rebuild the incarnation, so the restart protocol applies: clear
// pending and known namespaces before the new incarnation's scripts
// re-announce themselves.
func (h *Handler) applyScriptOp(cmd vm.Command) {
	switch c := cmd.(type) {
	case vm.LoadScript:
		h.scripts = upsertScript(h.scripts, c.Script)
	case vm.UpdateScript:
		h.scripts = upsertScript(h.scripts, c.Script)
		h.onRestart()
	case vm.UnloadScripts:
		h.scripts = removeScripts(h.scripts, c.Scripts)
		h.onRestart()
	case vm.Restart:
		h.scripts = c.Scripts
		h.onRestart()
	}

	if h.current != nil {
		h.current.Send(cmd)
	}
}

// onRestart resets all state scoped to a VM incarnation.
func (h *Handler) onRestart() {
	h.tasks.ClearPending()
	h.tasks.ClearTaskNames()
	h.tasks.Invalidate()
	h.intervals.Clear()
	h.inflight = make(map[uint64]uint64)
}

func (h *Handler) handleRuntimeEvent(re vm.RuntimeEvent) {
	switch re.Kind {
	case vm.RuntimeScriptStarted:
		h.tasks.ScriptStarted(re.Meta)
		h.intervals.Register(re.Meta.ScriptID, re.Meta.IntervalTimers)
	case vm.RuntimeNewTaskScheduled:
		// invalidate immediately so a near-future task is not parked
		// behind a stale cursor
		h.tasks.Invalidate()
	case vm.RuntimeInvalidRequestsExceeded:
		logging.Op().Warn("guild exceeded invalid request budget", "guild_id", h.guildID)
	}
}

// handleVMEvent processes one VM report. Returns true when the handler
// should exit entirely.
func (h *Handler) handleVMEvent(ctx context.Context, ve vm.Event) bool {
	switch e := ve.(type) {
	case vm.EventDispatched:
		if taskID, ok := h.inflight[e.ID]; ok {
			delete(h.inflight, e.ID)
			h.tasks.Ack(ctx, taskID)
			delete(h.attempts, taskID)
			metrics.TaskAcked()
		}
	case vm.EventFinished:
		logging.Op().Debug("guild vm event loop drained", "guild_id", h.guildID)
	case vm.EventShutdown:
		return h.onVMShutdown(ctx, e.Reason)
	}
	return false
}

func (h *Handler) onVMShutdown(ctx context.Context, reason vm.ShutdownReason) bool {
	logging.Op().Info("guild vm shut down", "guild_id", h.guildID, "reason", reason.String())

	// tasks that were in flight when the VM died: retry until the attempt
	// cap, then drop (attempts were already counted at dispatch)
	for _, taskID := range h.inflight {
		if h.attempts[taskID] >= maxTaskDeliveryAttempts {
			logging.Op().Warn("dropping task after repeated delivery failures", "guild_id", h.guildID, "task_id", taskID)
			h.tasks.Ack(ctx, taskID)
			delete(h.attempts, taskID)
			metrics.TaskDropped()
		} else {
			h.tasks.FailedAckPending(taskID)
		}
	}
	h.inflight = make(map[uint64]uint64)
	h.current = nil

	switch reason {
	case vm.ReasonUnloaded:
		// explicit stop; do not respawn
		return true
	default:
		// OOM, forced termination, and unknown deaths are all respawned,
		// rate-limited by the breaker
		if h.breaker.RecordCrash() == circuitbreaker.StateOpen || !h.breaker.Allow() {
			h.glog.Error(h.guildID, "your scripts are crashing repeatedly; the vm will stay down for a few minutes")
			logging.Op().Warn("respawn breaker open, abandoning guild vm", "guild_id", h.guildID)
			return true
		}

		h.tasks.ClearPending()
		h.tasks.ClearTaskNames()
		h.tasks.Invalidate()
		h.intervals.Clear()
		h.spawnVM()
		return false
	}
}

func (h *Handler) spawnVM() {
	h.current = h.newVM(vm.CreateVM{
		GuildID:          h.guildID,
		Tier:             h.tier,
		Scripts:          enabledScripts(h.scripts),
		TimerStore:       h.store,
		GuildLog:         h.glog,
		Events:           h.vmEvents,
		RuntimeEvents:    h.runtimeEvents,
		InitialHeapBytes: h.initialHeap,
		MaxHeapBytes:     h.maxHeap,
	})
}

// stopVM shuts the VM down explicitly and waits for it to report, bounded
// by the VM's own 15s drain plus slack.
func (h *Handler) stopVM(ctx context.Context) {
	if h.current == nil {
		return
	}
	h.current.Shutdown(vm.ReasonUnloaded, false)

	deadline := time.After(20 * time.Second)
	for {
		select {
		case ve := <-h.vmEvents:
			if _, ok := ve.(vm.EventShutdown); ok {
				h.current = nil
				return
			}
		case <-h.current.Done():
			h.current = nil
			return
		case <-deadline:
			logging.Op().Warn("guild vm never reported shutdown", "guild_id", h.guildID)
			return
		}
	}
}

func (h *Handler) dispatchTasks(tasks []*domain.ScheduledTask) {
	for _, task := range tasks {
		payload, err := json.Marshal(task)
		if err != nil {
			logging.Op().Error("failed encoding task payload", "guild_id", h.guildID, "task_id", task.ID, "error", err)
			continue
		}

		h.attempts[task.ID]++
		id := h.dispatchToVM(EventScheduledTaskFired, payload)
		if id != 0 {
			h.inflight[id] = task.ID
		}
		metrics.TaskFired()
	}
}

// dispatchToVM sends one event into the VM and returns the dispatch id, or
// 0 when no VM is running.
func (h *Handler) dispatchToVM(name string, payload json.RawMessage) uint64 {
	if h.current == nil {
		return 0
	}
	h.nextEventID++
	id := h.nextEventID
	h.current.Send(vm.DispatchEvent{Name: name, Payload: payload, ID: id})
	return id
}

func upsertScript(scripts []domain.Script, script domain.Script) []domain.Script {
	for i := range scripts {
		if scripts[i].ID == script.ID {
			scripts[i] = script
			return scripts
		}
	}
	return append(scripts, script)
}

func removeScripts(scripts []domain.Script, remove []domain.Script) []domain.Script {
	var keep []domain.Script
	for _, s := range scripts {
		removed := false
		for _, r := range remove {
			if r.ID == s.ID {
				removed = true
				break
			}
		}
		if !removed {
			keep = append(keep, s)
		}
	}
	return keep
}

func enabledScripts(scripts []domain.Script) []domain.Script {
	var out []domain.Script
	for _, s := range scripts {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

func mustMarshal(v any) json.RawMessage {
	out, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal interval payload: %v", err))
	}
	return out
}
