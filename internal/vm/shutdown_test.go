package vm

import (
	"testing"

	"github.com/oriys/quasar/internal/sandbox"
)

func TestShutdownWithoutIsolateIsDropped(t *testing.T) {
	wakeup := make(chan struct{}, 1)
	h := newShutdownHandle(wakeup)

	// no isolate registered: the VM is not in a state where termination is
	// meaningful, so the request must be dropped...
	h.ShutdownVM(ReasonOutOfMemory, true)

	if h.isTerminated() {
		t.Fatal("terminated flag set with no isolate registered")
	}
	// ...and the reason reads back as Unknown
	if got := h.reason(); got != ReasonUnknown {
		t.Fatalf("expected Unknown, got %v", got)
	}

	// the wakeup still fires so the loop re-evaluates
	select {
	case <-wakeup:
	default:
		t.Fatal("wakeup not sent")
	}
}

func TestShutdownWithIsolateSetsReason(t *testing.T) {
	wakeup := make(chan struct{}, 1)
	h := newShutdownHandle(wakeup)
	h.registerIsolate(&sandbox.ManagedIsolate{})

	h.ShutdownVM(ReasonThreadTermination, false)

	if !h.isTerminated() {
		t.Fatal("terminated flag not set")
	}
	if got := h.reason(); got != ReasonThreadTermination {
		t.Fatalf("expected ThreadTermination, got %v", got)
	}
}

func TestShutdownWakeupCoalesces(t *testing.T) {
	wakeup := make(chan struct{}, 1)
	h := newShutdownHandle(wakeup)
	h.registerIsolate(&sandbox.ManagedIsolate{})

	// repeated shutdowns must never block on a full wakeup channel
	h.ShutdownVM(ReasonOutOfMemory, false)
	h.ShutdownVM(ReasonOutOfMemory, false)
	h.ShutdownVM(ReasonOutOfMemory, false)

	select {
	case <-wakeup:
	default:
		t.Fatal("no wakeup queued")
	}
}

func TestReasonStrings(t *testing.T) {
	cases := map[ShutdownReason]string{
		ReasonNone:              "none",
		ReasonUnknown:           "unknown",
		ReasonOutOfMemory:       "out_of_memory",
		ReasonThreadTermination: "thread_termination",
		ReasonUnloaded:          "unloaded",
	}
	for reason, want := range cases {
		if got := reason.String(); got != want {
			t.Fatalf("reason %d: got %q want %q", reason, got, want)
		}
	}
}
