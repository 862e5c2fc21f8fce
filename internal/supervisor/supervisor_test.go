package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/guildhandler"
	"github.com/oriys/quasar/internal/guildlog"
	"github.com/oriys/quasar/internal/queue"
	"github.com/oriys/quasar/internal/timerstore"
	"github.com/oriys/quasar/internal/vm"
)

type fakeVM struct {
	mu      sync.Mutex
	cmds    []vm.Command
	events  chan<- vm.Event
	runtime chan<- vm.RuntimeEvent
	done    chan struct{}
}

func (f *fakeVM) Send(cmd vm.Command) {
	f.mu.Lock()
	f.cmds = append(f.cmds, cmd)
	f.mu.Unlock()
	if d, ok := cmd.(vm.DispatchEvent); ok {
		f.events <- vm.EventDispatched{ID: d.ID}
	}
}

func (f *fakeVM) Shutdown(reason vm.ShutdownReason, _ bool) {
	select {
	case <-f.done:
		return
	default:
	}
	close(f.done)
	f.events <- vm.EventShutdown{Reason: reason}
}

func (f *fakeVM) Done() <-chan struct{} { return f.done }

func (f *fakeVM) commandCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cmds)
}

type vmRecorder struct {
	mu  sync.Mutex
	vms map[domain.GuildID][]*fakeVM
}

func newRecorder() *vmRecorder {
	return &vmRecorder{vms: make(map[domain.GuildID][]*fakeVM)}
}

func (r *vmRecorder) factory(req vm.CreateVM) guildhandler.ScriptVM {
	f := &fakeVM{events: req.Events, runtime: req.RuntimeEvents, done: make(chan struct{})}
	r.mu.Lock()
	r.vms[req.GuildID] = append(r.vms[req.GuildID], f)
	r.mu.Unlock()
	return f
}

func (r *vmRecorder) latest(guildID domain.GuildID) *fakeVM {
	r.mu.Lock()
	defer r.mu.Unlock()
	vms := r.vms[guildID]
	if len(vms) == 0 {
		return nil
	}
	return vms[len(vms)-1]
}

func newSupervisor(t *testing.T, notifier queue.Notifier) (*Supervisor, *vmRecorder) {
	t.Helper()

	rec := newRecorder()
	glog := guildlog.New(nil)
	t.Cleanup(glog.Close)

	s := New(Config{
		TimerStore: timerstore.NewMemoryStore(),
		GuildLog:   glog,
		Provider:   &StaticProvider{},
		Notifier:   notifier,
		VMFactory:  rec.factory,
	})
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s, rec
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDispatchSpawnsHandlerPerGuild(t *testing.T) {
	s, rec := newSupervisor(t, nil)
	ctx := context.Background()

	s.DispatchEvent(ctx, 1, "MESSAGE_CREATE", json.RawMessage(`{}`))
	s.DispatchEvent(ctx, 2, "MESSAGE_CREATE", json.RawMessage(`{}`))
	s.DispatchEvent(ctx, 1, "MESSAGE_DELETE", json.RawMessage(`{}`))

	if n := s.HandlerCount(); n != 2 {
		t.Fatalf("expected 2 handlers, got %d", n)
	}

	eventually(t, "guild 1 events", func() bool {
		f := rec.latest(1)
		return f != nil && f.commandCount() == 2
	})
	eventually(t, "guild 2 events", func() bool {
		f := rec.latest(2)
		return f != nil && f.commandCount() == 1
	})
}

func TestNotifierInvalidatesExistingHandlerOnly(t *testing.T) {
	notifier := queue.NewChannelNotifier()
	defer notifier.Close()

	s, _ := newSupervisor(t, notifier)
	ctx := context.Background()

	s.DispatchEvent(ctx, 1, "MESSAGE_CREATE", json.RawMessage(`{}`))

	// a notification for an unknown guild must not spawn anything
	notifier.Notify(ctx, domain.GuildID(999))
	time.Sleep(50 * time.Millisecond)
	if n := s.HandlerCount(); n != 1 {
		t.Fatalf("notification spawned a handler: %d", n)
	}

	// a notification for a live guild is routed, not fatal
	notifier.Notify(ctx, domain.GuildID(1))
	time.Sleep(50 * time.Millisecond)
	if n := s.HandlerCount(); n != 1 {
		t.Fatalf("handler count changed: %d", n)
	}
}

func TestStopShutsDownHandlers(t *testing.T) {
	s, rec := newSupervisor(t, nil)
	ctx := context.Background()

	s.DispatchEvent(ctx, 1, "MESSAGE_CREATE", json.RawMessage(`{}`))
	f := rec.latest(1)
	if f == nil {
		t.Fatal("vm never spawned")
	}

	s.Stop()

	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("vm not shut down by supervisor stop")
	}
	if n := s.HandlerCount(); n != 0 {
		t.Fatalf("handlers leaked: %d", n)
	}
}
