package vm

import (
	"sync"
	"sync/atomic"

	"github.com/oriys/quasar/internal/sandbox"
)

// ShutdownReason says why a VM stopped. ReasonNone is the resting state
// ("no shutdown requested"); it never appears in an emitted Shutdown event.
type ShutdownReason int

const (
	ReasonNone ShutdownReason = iota
	ReasonUnknown
	ReasonOutOfMemory
	ReasonThreadTermination
	// ReasonUnloaded is an explicit stop (guild removed its scripts or the
	// handler is going away); the supervisor must not respawn on it.
	ReasonUnloaded
)

func (r ShutdownReason) String() string {
	switch r {
	case ReasonOutOfMemory:
		return "out_of_memory"
	case ReasonThreadTermination:
		return "thread_termination"
	case ReasonUnloaded:
		return "unloaded"
	case ReasonNone:
		return "none"
	default:
		return "unknown"
	}
}

// shutdownState is one value: either "no shutdown requested" (reason is
// ReasonNone) or "shutdown(reason), with the isolate to terminate if one is
// registered". Keeping reason and isolate together avoids the two-nullable-
// fields shape where they can disagree.
type shutdownState struct {
	iso    *sandbox.ManagedIsolate
	reason ShutdownReason
}

// ShutdownHandle is the only cross-thread touch point into a running VM.
// Clone freely; all copies share state.
type ShutdownHandle struct {
	terminated *atomic.Bool
	mu         *sync.RWMutex
	state      *shutdownState
	wakeup     chan<- struct{}
}

func newShutdownHandle(wakeup chan<- struct{}) *ShutdownHandle {
	return &ShutdownHandle{
		terminated: &atomic.Bool{},
		mu:         &sync.RWMutex{},
		state:      &shutdownState{},
		wakeup:     wakeup,
	}
}

// ShutdownVM requests termination. Ordering matters: write the reason, then
// (force path) preempt the engine, then set the terminated flag, then wake
// the loop so it re-evaluates. When no isolate is registered the VM is not
// in a state where termination is meaningful, so the request is dropped and
// the reason cleared.
func (h *ShutdownHandle) ShutdownVM(reason ShutdownReason, force bool) {
	h.mu.Lock()
	h.state.reason = reason
	if h.state.iso != nil {
		if force {
			h.state.iso.TerminateExecution()
		}
		h.terminated.Store(true)
	} else {
		h.state.reason = ReasonNone
	}
	h.mu.Unlock()

	// trigger a shutdown check in case the loop is parked outside the
	// interpreter
	h.notify()
}

func (h *ShutdownHandle) notify() {
	select {
	case h.wakeup <- struct{}{}:
	default:
	}
}

// terminateLocal marks the VM terminated from its own goroutine, bypassing
// the isolate-registered check. Used when the VM cannot keep running (e.g.
// isolate recreation failed) and there is no interpreter left to preempt.
func (h *ShutdownHandle) terminateLocal(reason ShutdownReason) {
	h.mu.Lock()
	h.state.reason = reason
	h.mu.Unlock()
	h.terminated.Store(true)
	h.notify()
}

func (h *ShutdownHandle) registerIsolate(iso *sandbox.ManagedIsolate) {
	h.mu.Lock()
	h.state.iso = iso
	h.mu.Unlock()
}

func (h *ShutdownHandle) isTerminated() bool {
	return h.terminated.Load()
}

// reason returns the recorded shutdown reason, mapping the resting state to
// ReasonUnknown for emission after the loop exits.
func (h *ShutdownHandle) reason() ShutdownReason {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.state.reason == ReasonNone {
		return ReasonUnknown
	}
	return h.state.reason
}
