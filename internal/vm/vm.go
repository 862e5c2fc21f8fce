// Package vm is the per-guild script execution actor. Each VM incarnation
// owns exactly one managed isolate and one script state store; both die
// with it on restart or shutdown. Commands go in on a channel, events come
// out on another, and the loop in between drives the interpreter
// cooperatively while watching for termination.
package vm

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/guildlog"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/plan"
	"github.com/oriys/quasar/internal/sandbox"
	"github.com/oriys/quasar/internal/scriptstore"
	"github.com/oriys/quasar/internal/timerstore"
)

//go:embed core.js
var coreScript string

// Command is anything the handler can ask the VM to do.
type Command interface{ vmCommand() }

// DispatchEvent delivers one platform or synthetic event into the script.
// EventDispatched(ID) is emitted before the handler runs: it acknowledges
// reception, not completion.
type DispatchEvent struct {
	Name    string
	Payload json.RawMessage
	ID      uint64
}

// LoadScript compiles and loads one script into the running incarnation.
type LoadScript struct{ Script domain.Script }

// UpdateScript replaces the script with the same id, then restarts.
type UpdateScript struct{ Script domain.Script }

// UnloadScripts removes the given scripts, then restarts.
type UnloadScripts struct{ Scripts []domain.Script }

// Restart tears the incarnation down and rebuilds it with a new script set.
type Restart struct{ Scripts []domain.Script }

func (DispatchEvent) vmCommand() {}
func (LoadScript) vmCommand()    {}
func (UpdateScript) vmCommand()  {}
func (UnloadScripts) vmCommand() {}
func (Restart) vmCommand()       {}

// Event is what the VM reports back to its handler.
type Event interface{ vmEvent() }

// EventShutdown is the final event; the loop has exited.
type EventShutdown struct{ Reason ShutdownReason }

// EventDispatched acknowledges reception of DispatchEvent with the same ID.
type EventDispatched struct{ ID uint64 }

// EventFinished signals the interpreter event loop drained completely.
type EventFinished struct{}

func (EventShutdown) vmEvent()   {}
func (EventDispatched) vmEvent() {}
func (EventFinished) vmEvent()   {}

// CreateVM carries everything a new VM incarnation needs.
type CreateVM struct {
	GuildID       domain.GuildID
	Tier          plan.Tier
	Scripts       []domain.Script
	TimerStore    timerstore.TimerStore
	GuildLog      *guildlog.Logger
	Events        chan<- Event
	RuntimeEvents chan<- RuntimeEvent

	// Heap bounds; zero values use the sandbox defaults.
	InitialHeapBytes uint64
	MaxHeapBytes     uint64
}

// Handle is the external face of a running VM.
type Handle struct {
	cmds     chan Command
	shutdown *ShutdownHandle
	done     chan struct{}
}

// Send queues a command. Blocks only if the VM is severely backlogged.
func (h *Handle) Send(cmd Command) {
	select {
	case h.cmds <- cmd:
	case <-h.done:
	}
}

// Shutdown requests termination through the shutdown handle.
func (h *Handle) Shutdown(reason ShutdownReason, force bool) {
	h.shutdown.ShutdownVM(reason, force)
}

// Done closes once the VM goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

const cmdBuffer = 256

// Start spawns the VM goroutine and returns its handle. The goroutine pins
// itself to an OS thread for the life of the isolate.
func Start(req CreateVM) *Handle {
	wakeup := make(chan struct{}, 1)
	h := &Handle{
		cmds:     make(chan Command, cmdBuffer),
		shutdown: newShutdownHandle(wakeup),
		done:     make(chan struct{}),
	}

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(h.done)

		v := &VM{
			guildID:       req.GuildID,
			tier:          req.Tier,
			initialHeap:   req.InitialHeapBytes,
			maxHeap:       req.MaxHeapBytes,
			cell:          sandbox.Cell(),
			scripts:       scriptstore.New(),
			cmds:          h.cmds,
			events:        req.Events,
			runtimeEvents: req.RuntimeEvents,
			wakeup:        wakeup,
			shutdown:      h.shutdown,
			glog:          req.GuildLog,
			store:         req.TimerStore,
		}
		v.createRun(req.Scripts)
	}()

	return h
}

// VM drives one guild's interpreter. Everything here runs on the VM
// goroutine except the shutdown handle.
type VM struct {
	guildID domain.GuildID
	tier    plan.Tier

	initialHeap uint64
	maxHeap     uint64

	cell    *sandbox.IsolateCell
	iso     *sandbox.ManagedIsolate
	scripts *scriptstore.Store

	cmds          chan Command
	events        chan<- Event
	runtimeEvents chan<- RuntimeEvent
	wakeup        chan struct{}

	shutdown *ShutdownHandle
	glog     *guildlog.Logger
	store    timerstore.TimerStore
	limiters *RateLimiters
}

func (v *VM) createRun(scripts []domain.Script) {
	v.limiters = NewRateLimiters(v.tier)

	v.glog.Info(v.guildID, "starting fresh guild vm...")

	iso, err := v.createIsolate()
	if err != nil {
		logging.Op().Error("failed creating isolate", "guild_id", v.guildID, "error", err)
		v.events <- EventShutdown{Reason: ReasonUnknown}
		return
	}
	v.iso = iso
	v.shutdown.registerIsolate(iso)
	metrics.VMStarted()

	for _, script := range scripts {
		v.compileScript(script)
	}
	for _, script := range scripts {
		v.runScript(script.ID)
	}

	v.run()
}

// createIsolate builds a fresh managed isolate wired to this VM's script
// store and shutdown handle. Called with the cell NOT held; takes it
// internally for the engine setup.
func (v *VM) createIsolate() (*sandbox.ManagedIsolate, error) {
	oc := &opContext{
		guildID:       v.guildID,
		tier:          v.tier,
		store:         v.store,
		limiters:      v.limiters,
		runtimeEvents: v.runtimeEvents,
		glog:          v.glog,
	}

	sh := v.shutdown
	expanded := false

	guard := v.cell.Enter(nil)
	defer guard.Exit()

	return sandbox.NewManagedIsolate(sandbox.Options{
		InitialHeap: v.initialHeap,
		MaxHeap:     v.maxHeap,
		Scripts:     v.scripts,
		CoreScript:  coreScript,
		Wakeup:      sh.notify,
		SyncOps:     oc.syncOps(),
		AsyncOps:    oc.asyncOps(),
		OnNearHeapLimit: func(current, initial uint64) uint64 {
			logging.Op().Info("near heap limit", "current", current, "initial", initial)
			sh.ShutdownVM(ReasonOutOfMemory, true)
			if expanded {
				return current
			}
			expanded = true
			// expand once so the terminate signal can be observed before
			// the engine hits the hard cap
			return current + initial
		},
	})
}

func (v *VM) run() {
	logging.Op().Info("running guild vm", "guild_id", v.guildID)
	v.glog.Info(v.guildID, "guild vm started")

	completed := false
	for !v.shutdown.isTerminated() {
		t := v.tick(completed)
		completed = false

		switch t.kind {
		case tickCommand:
			if t.ok {
				v.handleCmd(t.cmd)
			}
			// a closed command channel means the handler is gone; the
			// shutdown handle will follow shortly
		case tickContinue:
		case tickError:
			v.logScriptErr(t.err)
		case tickCompleted:
			v.emit(EventFinished{})
			completed = true
		}
	}

	logging.Op().Info("terminating guild vm", "guild_id", v.guildID)

	reason := v.shutdown.reason()
	if reason == ReasonThreadTermination {
		// cleanly finish outstanding futures before reporting
		v.stopVM()
	}

	v.disposeIsolate()
	metrics.VMShutdown(reason.String())
	// the shutdown event must not be lost; block until the handler takes it
	v.events <- EventShutdown{Reason: reason}
}

type tickKind int

const (
	tickCommand tickKind = iota
	tickContinue
	tickCompleted
	tickError
)

type tickResult struct {
	kind tickKind
	cmd  Command
	ok   bool
	err  error
}

// tick is one turn of the VM loop: wakeups first, then commands, then one
// interpreter pump. When the event loop has drained and already reported
// completion, the tick parks until something arrives instead of spinning.
func (v *VM) tick(alreadyCompleted bool) tickResult {
	select {
	case <-v.wakeup:
		return tickResult{kind: tickContinue}
	default:
	}

	select {
	case cmd, ok := <-v.cmds:
		return tickResult{kind: tickCommand, cmd: cmd, ok: ok}
	default:
	}

	state, err := v.pump()
	if err != nil {
		return tickResult{kind: tickError, err: err}
	}
	if state == sandbox.LoopIdle && !alreadyCompleted {
		return tickResult{kind: tickCompleted}
	}

	select {
	case <-v.wakeup:
		return tickResult{kind: tickContinue}
	case cmd, ok := <-v.cmds:
		return tickResult{kind: tickCommand, cmd: cmd, ok: ok}
	}
}

// pump enters the cell for exactly one interpreter turn. The guard is never
// held across a channel wait.
func (v *VM) pump() (sandbox.LoopState, error) {
	guard := v.cell.Enter(v.iso)
	defer guard.Exit()
	return v.iso.Pump()
}

func (v *VM) handleCmd(cmd Command) {
	switch c := cmd.(type) {
	case Restart:
		v.restart(c.Scripts)
	case DispatchEvent:
		v.dispatchEvent(c)
	case LoadScript:
		if st := v.compileScript(c.Script); st != nil {
			v.runScript(st.Script.ID)
		}
	case UpdateScript:
		scripts := v.scripts.Scripts()
		needReset := false
		for i := range scripts {
			if scripts[i].ID == c.Script.ID {
				scripts[i] = c.Script
				needReset = true
			}
		}
		if needReset {
			v.restart(scripts)
		}
	case UnloadScripts:
		var keep []domain.Script
		for _, s := range v.scripts.Scripts() {
			removed := false
			for _, u := range c.Scripts {
				if u.ID == s.ID {
					removed = true
					break
				}
			}
			if !removed {
				keep = append(keep, s)
			}
		}
		v.restart(keep)
	}
}

func (v *VM) compileScript(script domain.Script) *scriptstore.ScriptState {
	st, err := v.scripts.CompileAdd(script)
	if err != nil {
		metrics.CompileError()
		v.glog.ScriptError(v.guildID,
			fmt.Sprintf("Script compilation failed for %s.ts: %v", script.Name, err), script.Name)
		return nil
	}
	return st
}

func (v *VM) runScript(scriptID uint64) {
	if loaded, known := v.scripts.IsFailedOrLoaded(scriptID); known && loaded {
		logging.Op().Info("script was already loaded or failed, skipping", "guild_id", v.guildID, "script_id", scriptID)
		return
	}

	st := v.scripts.Get(scriptID)
	if st == nil {
		logging.Op().Error("tried to load non-existent script", "guild_id", v.guildID, "script_id", scriptID)
		return
	}

	v.scripts.SetState(scriptID, scriptstore.StateLoaded)

	// Module evaluation happens entirely inside the cell guard. The module
	// source is already compiled and in memory, so resolution is
	// synchronous and CPU-only; nothing here may block on I/O.
	err := func() error {
		guard := v.cell.Enter(v.iso)
		defer guard.Exit()
		source := prependScriptSourceHeader(st.Compiled.Output, &st.Script)
		return v.iso.EvalModule(st.Script.Name, source)
	}()

	if err != nil {
		v.logScriptErr(err)
		v.scripts.SetState(scriptID, scriptstore.StateFailed)
	}
}

func (v *VM) dispatchEvent(c DispatchEvent) {
	// acknowledge reception before the handler runs
	v.emit(EventDispatched{ID: c.ID})

	payload, err := json.Marshal(struct {
		Name string          `json:"name"`
		Data json.RawMessage `json:"data"`
	}{Name: c.Name, Data: normalizeJSON(c.Payload)})
	if err != nil {
		logging.Op().Error("failed encoding dispatch payload", "guild_id", v.guildID, "error", err)
		return
	}

	start := time.Now()
	dispatchErr := func() error {
		guard := v.cell.Enter(v.iso)
		defer guard.Exit()
		return v.iso.CallDispatch(string(payload))
	}()
	metrics.EventDispatched(c.Name, time.Since(start))

	if dispatchErr != nil {
		v.logScriptErr(dispatchErr)
	}
}

// stopVM drives the interpreter to completion with a 15s deadline. Pending
// promises past the deadline are abandoned.
func (v *VM) stopVM() {
	deadline := time.Now().Add(15 * time.Second)

	for time.Now().Before(deadline) {
		state, err := v.pump()
		if err != nil {
			v.logScriptErr(err)
			continue
		}
		if state == sandbox.LoopIdle {
			return
		}

		remaining := time.Until(deadline)
		select {
		case <-v.wakeup:
		case <-time.After(remaining):
		}
	}

	v.glog.Error(v.guildID,
		"shutting down your vm timed out after 15 sec, cancelling all pending promises and force-shutting down now instead...")
}

func (v *VM) restart(newScripts []domain.Script) {
	v.glog.Info(v.guildID, "restarting guild vm...")
	metrics.VMRestarted()

	v.stopVM()

	// new incarnation: fresh script store, fresh isolate
	v.scripts.Clear()

	for _, script := range newScripts {
		v.compileScript(script)
	}

	v.disposeIsolate()
	iso, err := v.createIsolate()
	if err != nil {
		logging.Op().Error("failed recreating isolate", "guild_id", v.guildID, "error", err)
		v.shutdown.terminateLocal(ReasonUnknown)
		return
	}
	v.iso = iso
	v.shutdown.registerIsolate(iso)

	for _, script := range newScripts {
		v.runScript(script.ID)
	}

	v.glog.Info(v.guildID, "vm restarted")
}

func (v *VM) disposeIsolate() {
	if v.iso == nil {
		return
	}
	// deregister first so a concurrent forced shutdown cannot terminate a
	// disposed isolate
	v.shutdown.registerIsolate(nil)
	guard := v.cell.Enter(v.iso)
	v.iso.Dispose()
	guard.Exit()
	v.iso = nil
}

func (v *VM) logScriptErr(err error) {
	name := sandbox.ScriptNameFromError(err)
	v.glog.ScriptError(v.guildID,
		fmt.Sprintf("Script error occurred: %s", sandbox.TranslateScriptError(v.scripts, err)), name)
}

func (v *VM) emit(evt Event) {
	select {
	case v.events <- evt:
	default:
		logging.Op().Warn("vm event channel full, dropping event", "guild_id", v.guildID)
	}
}

func normalizeJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`null`)
	}
	return raw
}

// prependScriptSourceHeader marks the active script before the module body
// runs, so the core runtime can attribute registrations.
func prependScriptSourceHeader(compiled string, script *domain.Script) string {
	header := fmt.Sprintf("QuasarCore.currentScript = {id: %q, name: %q};\n", fmt.Sprint(script.ID), script.Name)
	return header + compiled
}
