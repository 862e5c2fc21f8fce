package sandbox

import (
	"context"
	"fmt"
	"sync"

	v8 "github.com/ionos-cloud/v8go"

	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/scriptstore"
)

const (
	// DefaultInitialHeap is the initial V8 heap size for guild isolates.
	DefaultInitialHeap = 512 * 1024
	// DefaultMaxHeap is the hard heap cap; the soft near-limit check fires
	// well before V8 itself would kill the isolate.
	DefaultMaxHeap = 60 * 512 * 1024
)

// SyncOp runs inline on the interpreter thread while the cell is held. It
// must be CPU-only: no I/O, no locks shared with other goroutines.
type SyncOp func(argJSON string) (string, error)

// AsyncOp runs on its own goroutine, outside the cell; its result resolves
// the promise handed to the script on the next pump.
type AsyncOp func(ctx context.Context, argJSON string) (string, error)

// Options configures a ManagedIsolate.
type Options struct {
	InitialHeap uint64
	MaxHeap     uint64

	// Scripts backs module source-map resolution for error translation.
	Scripts *scriptstore.Store

	// OnNearHeapLimit is invoked (at most until it stops raising the
	// limit) when used heap crosses the soft limit. It runs on the
	// interpreter thread inside the cell and must not allocate on the V8
	// heap; it returns the new soft limit.
	OnNearHeapLimit func(current, initial uint64) uint64

	// Wakeup nudges the owning VM loop; called after an async op result
	// is queued so a blocked loop re-pumps.
	Wakeup func()

	// CoreScript is evaluated at isolate creation, before any user module.
	// It provides the QuasarCore runtime the dispatcher calls into.
	CoreScript string

	SyncOps  map[string]SyncOp
	AsyncOps map[string]AsyncOp
}

// LoopState is the interpreter event-loop readiness after a pump.
type LoopState int

const (
	// LoopIdle: no pending async ops, microtask queue drained.
	LoopIdle LoopState = iota
	// LoopPending: async ops are in flight; results will arrive later.
	LoopPending
)

type opResult struct {
	id  uint64
	out string
	err error
}

// ManagedIsolate owns one V8 isolate plus its single context. It is bound
// to the goroutine that created it for everything except TerminateExecution,
// which is explicitly thread-safe. All entry points other than
// TerminateExecution must be called while holding the IsolateCell guard.
type ManagedIsolate struct {
	iso *v8.Isolate
	ctx *v8.Context

	scripts *scriptstore.Store

	initialHeap uint64
	softLimit   uint64
	onNearLimit func(current, initial uint64) uint64

	wakeup func()

	mu        sync.Mutex
	nextOpID  uint64
	resolvers map[uint64]*v8.PromiseResolver
	results   chan opResult

	disposed bool
}

// NewManagedIsolate creates the isolate, installs the native op bindings on
// the QuasarNative global, and evaluates the core script. Must be called on
// the goroutine that will drive the isolate, with the cell held.
func NewManagedIsolate(opts Options) (*ManagedIsolate, error) {
	if opts.InitialHeap == 0 {
		opts.InitialHeap = DefaultInitialHeap
	}
	if opts.MaxHeap == 0 {
		opts.MaxHeap = DefaultMaxHeap
	}

	iso := v8.NewIsolateWith(opts.InitialHeap, opts.MaxHeap)

	mi := &ManagedIsolate{
		iso:         iso,
		scripts:     opts.Scripts,
		initialHeap: opts.InitialHeap,
		softLimit:   opts.MaxHeap / 2,
		onNearLimit: opts.OnNearHeapLimit,
		wakeup:      opts.Wakeup,
		resolvers:   make(map[uint64]*v8.PromiseResolver),
		results:     make(chan opResult, 256),
	}
	if mi.wakeup == nil {
		mi.wakeup = func() {}
	}

	native := v8.NewObjectTemplate(iso)
	for name, op := range opts.SyncOps {
		native.Set(name, mi.syncTemplate(op))
	}
	for name, op := range opts.AsyncOps {
		native.Set(name, mi.asyncTemplate(op))
	}

	global := v8.NewObjectTemplate(iso)
	global.Set("QuasarNative", native)

	ctx := v8.NewContext(iso, global)
	mi.ctx = ctx

	if opts.CoreScript != "" {
		if _, err := ctx.RunScript(opts.CoreScript, "quasar:core.js"); err != nil {
			iso.Dispose()
			return nil, fmt.Errorf("evaluate core script: %w", err)
		}
	}

	return mi, nil
}

func (m *ManagedIsolate) syncTemplate(op SyncOp) *v8.FunctionTemplate {
	return v8.NewFunctionTemplate(m.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		arg, err := firstArgJSON(info)
		if err != nil {
			return m.throw(err)
		}
		out, err := op(arg)
		if err != nil {
			return m.throw(err)
		}
		val, err := v8.JSONParse(m.ctx, out)
		if err != nil {
			return m.throw(err)
		}
		return val
	})
}

func (m *ManagedIsolate) asyncTemplate(op AsyncOp) *v8.FunctionTemplate {
	return v8.NewFunctionTemplate(m.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		arg, err := firstArgJSON(info)
		if err != nil {
			return m.throw(err)
		}

		resolver, err := v8.NewPromiseResolver(info.Context())
		if err != nil {
			return m.throw(err)
		}

		m.mu.Lock()
		m.nextOpID++
		id := m.nextOpID
		m.resolvers[id] = resolver
		m.mu.Unlock()

		go func() {
			out, opErr := op(context.Background(), arg)
			m.results <- opResult{id: id, out: out, err: opErr}
			m.wakeup()
		}()

		return resolver.GetPromise().Value
	})
}

func (m *ManagedIsolate) throw(err error) *v8.Value {
	val, verr := v8.NewValue(m.iso, err.Error())
	if verr != nil {
		logging.Op().Error("failed creating v8 error value", "error", verr)
		return nil
	}
	return m.iso.ThrowException(val)
}

func firstArgJSON(info *v8.FunctionCallbackInfo) (string, error) {
	args := info.Args()
	if len(args) == 0 {
		return "null", nil
	}
	return v8.JSONStringify(info.Context(), args[0])
}

// Pump completes finished async ops, drains the microtask queue, and runs
// the near-heap-limit check. Call with the cell held. The returned state is
// LoopIdle only when no async op remains in flight.
func (m *ManagedIsolate) Pump() (LoopState, error) {
	var firstErr error

	for {
		select {
		case res := <-m.results:
			m.mu.Lock()
			resolver := m.resolvers[res.id]
			delete(m.resolvers, res.id)
			m.mu.Unlock()
			if resolver == nil {
				continue
			}
			if res.err != nil {
				val, err := v8.NewValue(m.iso, res.err.Error())
				if err == nil {
					resolver.Reject(val)
				}
			} else {
				val, err := v8.JSONParse(m.ctx, res.out)
				if err != nil {
					if firstErr == nil {
						firstErr = fmt.Errorf("decode op result: %w", err)
					}
					continue
				}
				resolver.Resolve(val)
			}
		default:
			m.ctx.PerformMicrotaskCheckpoint()
			m.checkHeap()

			if firstErr != nil {
				return m.loopState(), firstErr
			}
			return m.loopState(), nil
		}
	}
}

func (m *ManagedIsolate) loopState() LoopState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.resolvers) == 0 {
		return LoopIdle
	}
	return LoopPending
}

// PendingOps returns the number of in-flight async ops.
func (m *ManagedIsolate) PendingOps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resolvers)
}

func (m *ManagedIsolate) checkHeap() {
	if m.onNearLimit == nil {
		return
	}
	stats := m.iso.GetHeapStatistics()
	if stats.UsedHeapSize < m.softLimit {
		return
	}
	newLimit := m.onNearLimit(m.softLimit, m.initialHeap)
	if newLimit > m.softLimit {
		m.softLimit = newLimit
	} else {
		// the callback declined to expand; stop firing
		m.onNearLimit = nil
	}
}

// EvalModule evaluates a user script under its module URL. Resolution is
// synchronous and CPU-only: nothing here may block on I/O, since the caller
// holds the cell for the whole evaluation.
func (m *ManagedIsolate) EvalModule(name, source string) error {
	origin := ModuleURL(name)
	if _, err := m.ctx.RunScript(source, origin); err != nil {
		return err
	}
	return nil
}

// CallDispatch invokes QuasarCore.dispatchWrapper with the given JSON
// payload. A missing global or wrapper is reported but not fatal; the guild
// may simply have no scripts loaded yet.
func (m *ManagedIsolate) CallDispatch(payloadJSON string) error {
	global := m.ctx.Global()

	coreVal, err := global.Get("QuasarCore")
	if err != nil || coreVal == nil || !coreVal.IsObject() {
		return fmt.Errorf("QuasarCore global not found, unable to dispatch events")
	}
	core, err := coreVal.AsObject()
	if err != nil {
		return fmt.Errorf("QuasarCore is not an object: %w", err)
	}

	fnVal, err := core.Get("dispatchWrapper")
	if err != nil || fnVal == nil || !fnVal.IsFunction() {
		return fmt.Errorf("QuasarCore.dispatchWrapper not defined, unable to dispatch events")
	}
	fn, err := fnVal.AsFunction()
	if err != nil {
		return fmt.Errorf("QuasarCore.dispatchWrapper is not a function: %w", err)
	}

	arg, err := v8.JSONParse(m.ctx, payloadJSON)
	if err != nil {
		return fmt.Errorf("encode dispatch payload: %w", err)
	}

	if _, err := fn.Call(m.ctx.Global(), arg); err != nil {
		return err
	}
	return nil
}

// HeapStatistics exposes the engine's heap counters for metrics.
func (m *ManagedIsolate) HeapStatistics() v8.HeapStatistics {
	return m.iso.GetHeapStatistics()
}

// TerminateExecution preempts the currently executing script turn. Safe to
// call from any goroutine; this is the one cross-thread entry point.
func (m *ManagedIsolate) TerminateExecution() {
	m.iso.TerminateExecution()
}

// Dispose tears the isolate down. The isolate must not be entered again.
func (m *ManagedIsolate) Dispose() {
	if m.disposed {
		return
	}
	m.disposed = true
	m.ctx.Close()
	m.iso.Dispose()
}

// ModuleURL is the module URL scheme for user scripts.
func ModuleURL(name string) string {
	return fmt.Sprintf("file:///guild_scripts/%s.js", name)
}
