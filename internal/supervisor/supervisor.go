// Package supervisor owns the fleet of guild handlers: it spawns one per
// tenant on first contact, routes platform events and cross-process task
// notifications to them, and recycles handlers whose VM died for good.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oriys/quasar/internal/circuitbreaker"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/guildhandler"
	"github.com/oriys/quasar/internal/guildlog"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/plan"
	"github.com/oriys/quasar/internal/queue"
	"github.com/oriys/quasar/internal/timerstore"
)

// ScriptProvider resolves a guild's script set and premium tier. Backed by
// the platform's configuration store, which is external to the runtime.
type ScriptProvider interface {
	GuildScripts(ctx context.Context, guildID domain.GuildID) ([]domain.Script, plan.Tier, error)
}

// StaticProvider serves a fixed script set; used in dev mode and tests.
type StaticProvider struct {
	Scripts map[domain.GuildID][]domain.Script
	Tier    plan.Tier
}

func (p *StaticProvider) GuildScripts(_ context.Context, guildID domain.GuildID) ([]domain.Script, plan.Tier, error) {
	return p.Scripts[guildID], p.Tier, nil
}

// Config assembles a Supervisor.
type Config struct {
	TimerStore timerstore.TimerStore
	GuildLog   *guildlog.Logger
	Provider   ScriptProvider
	// Notifier carries task-created signals from other processes; nil
	// falls back to pure polling.
	Notifier queue.Notifier
	// VMFactory is forwarded to handlers; nil means the real VM.
	VMFactory guildhandler.VMFactory

	// Heap bounds forwarded to every guild VM; zero uses defaults.
	VMInitialHeapBytes uint64
	VMMaxHeapBytes     uint64
}

type entry struct {
	handler *guildhandler.Handler
	cancel  context.CancelFunc
}

// Supervisor multiplexes platform ingress across per-guild handlers.
type Supervisor struct {
	cfg Config

	mu       sync.Mutex
	handlers map[domain.GuildID]*entry
	// breakers survive handler recycling so a crash-looping guild cannot
	// reset its budget by dying
	breakers map[domain.GuildID]*circuitbreaker.Breaker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Supervisor {
	if cfg.Notifier == nil {
		cfg.Notifier = queue.NewNoopNotifier()
	}
	return &Supervisor{
		cfg:      cfg,
		handlers: make(map[domain.GuildID]*entry),
		breakers: make(map[domain.GuildID]*circuitbreaker.Breaker),
	}
}

// Start begins routing. Returns immediately; Stop tears everything down.
func (s *Supervisor) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	sub := s.cfg.Notifier.Subscribe(s.ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for guildID := range sub {
			s.mu.Lock()
			e, ok := s.handlers[guildID]
			s.mu.Unlock()
			if ok {
				e.handler.InvalidateTasks()
			}
		}
	}()
}

// Stop cancels every handler and waits for them to exit.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	entries := make([]*entry, 0, len(s.handlers))
	for _, e := range s.handlers {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		<-e.handler.Done()
	}
	s.wg.Wait()
}

// DispatchEvent routes one platform event to its guild, spawning the
// handler on first contact.
func (s *Supervisor) DispatchEvent(ctx context.Context, guildID domain.GuildID, name string, payload json.RawMessage) {
	ctx, span := observability.StartSpan(ctx, "dispatch_event",
		observability.AttrGuildID.Int64(int64(guildID)),
		observability.AttrEventName.String(name),
	)
	defer span.End()

	h, err := s.handlerFor(ctx, guildID)
	if err != nil {
		observability.SetSpanError(span, err)
		logging.Op().Error("failed resolving guild handler", "guild_id", guildID, "error", err)
		return
	}
	h.DispatchEvent(name, payload)
}

// LoadScript routes a script load to the guild's handler.
func (s *Supervisor) LoadScript(ctx context.Context, guildID domain.GuildID, script domain.Script) error {
	h, err := s.handlerFor(ctx, guildID)
	if err != nil {
		return err
	}
	h.LoadScript(script)
	return nil
}

// UpdateScript routes a script update (with VM restart) to the handler.
func (s *Supervisor) UpdateScript(ctx context.Context, guildID domain.GuildID, script domain.Script) error {
	h, err := s.handlerFor(ctx, guildID)
	if err != nil {
		return err
	}
	h.UpdateScript(script)
	return nil
}

// UnloadScripts routes a script unload (with VM restart) to the handler.
func (s *Supervisor) UnloadScripts(ctx context.Context, guildID domain.GuildID, scripts []domain.Script) error {
	h, err := s.handlerFor(ctx, guildID)
	if err != nil {
		return err
	}
	h.UnloadScripts(scripts)
	return nil
}

// HandlerCount reports the number of live guild handlers.
func (s *Supervisor) HandlerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

func (s *Supervisor) handlerFor(ctx context.Context, guildID domain.GuildID) (*guildhandler.Handler, error) {
	s.mu.Lock()
	if e, ok := s.handlers[guildID]; ok {
		select {
		case <-e.handler.Done():
			// fell over since last contact; recycle below
			delete(s.handlers, guildID)
		default:
			s.mu.Unlock()
			return e.handler, nil
		}
	}
	breaker, ok := s.breakers[guildID]
	if !ok {
		breaker = circuitbreaker.New(circuitbreaker.DefaultConfig())
		s.breakers[guildID] = breaker
	}
	s.mu.Unlock()

	if breaker.State() == circuitbreaker.StateOpen {
		return nil, fmt.Errorf("guild %d vm suspended after repeated crashes", guildID)
	}

	scripts, tier, err := s.cfg.Provider.GuildScripts(ctx, guildID)
	if err != nil {
		return nil, err
	}

	h := guildhandler.New(guildhandler.Config{
		GuildID:            guildID,
		Tier:               tier,
		Scripts:            scripts,
		TimerStore:         s.cfg.TimerStore,
		GuildLog:           s.cfg.GuildLog,
		VMFactory:          s.cfg.VMFactory,
		Breaker:            breaker,
		VMInitialHeapBytes: s.cfg.VMInitialHeapBytes,
		VMMaxHeapBytes:     s.cfg.VMMaxHeapBytes,
	})

	hctx, cancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	// lost a race with a concurrent spawn?
	if e, ok := s.handlers[guildID]; ok {
		s.mu.Unlock()
		cancel()
		return e.handler, nil
	}
	s.handlers[guildID] = &entry{handler: h, cancel: cancel}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		h.Run(hctx)
		s.mu.Lock()
		if cur, ok := s.handlers[guildID]; ok && cur.handler == h {
			delete(s.handlers, guildID)
		}
		s.mu.Unlock()
	}()

	logging.Op().Info("spawned guild handler", "guild_id", guildID)
	return h, nil
}
