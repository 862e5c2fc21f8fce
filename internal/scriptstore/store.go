// Package scriptstore holds the per-guild registry of compiled scripts and
// their load states for one VM incarnation. The store is shared between the
// VM loop and host callbacks running inside the interpreter; both only touch
// it while the VM holds the isolate cell, but the store carries its own lock
// so the sharing contract is not load-bearing for memory safety.
package scriptstore

import (
	"sync"

	"github.com/oriys/quasar/internal/compiler"
	"github.com/oriys/quasar/internal/domain"
)

// LoadState tracks how far a compiled script has gotten.
type LoadState int

const (
	// StateUnloaded: compiled, module evaluation not yet attempted.
	StateUnloaded LoadState = iota
	// StateLoaded: module evaluation has been started.
	StateLoaded
	// StateFailed: module evaluation errored.
	StateFailed
)

// ScriptState pairs a script with its compilation output and load state.
// Scripts are only present here after compiling successfully; compile
// errors are never cached.
type ScriptState struct {
	Script   domain.Script
	Compiled *compiler.Compiled
	State    LoadState
}

// Store is the per-incarnation script table. It dies with the VM
// incarnation that created it.
type Store struct {
	mu      sync.RWMutex
	scripts map[uint64]*ScriptState
}

func New() *Store {
	return &Store{scripts: make(map[uint64]*ScriptState)}
}

// CompileAdd compiles the script and stores it as Unloaded. A script with
// the same id replaces the previous entry.
func (s *Store) CompileAdd(script domain.Script) (*ScriptState, error) {
	compiled, err := compiler.Compile(script.OriginalSource)
	if err != nil {
		return nil, err
	}

	state := &ScriptState{
		Script:   script,
		Compiled: compiled,
		State:    StateUnloaded,
	}

	s.mu.Lock()
	s.scripts[script.ID] = state
	s.mu.Unlock()
	return state, nil
}

// Get returns the state for a script id, or nil.
func (s *Store) Get(id uint64) *ScriptState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scripts[id]
}

// GetByName returns the state for a script name, or nil.
func (s *Store) GetByName(name string) *ScriptState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.scripts {
		if st.Script.Name == name {
			return st
		}
	}
	return nil
}

// Scripts returns a snapshot of the stored scripts.
func (s *Store) Scripts() []domain.Script {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Script, 0, len(s.scripts))
	for _, st := range s.scripts {
		out = append(out, st.Script)
	}
	return out
}

// SetState updates a script's load state. Unknown ids are ignored.
func (s *Store) SetState(id uint64, state LoadState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.scripts[id]; ok {
		st.State = state
	}
}

// IsFailedOrLoaded reports whether a load attempt would be redundant.
// The second return is false when the script is unknown.
func (s *Store) IsFailedOrLoaded(id uint64) (bool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.scripts[id]
	if !ok {
		return false, false
	}
	return st.State == StateFailed || st.State == StateLoaded, true
}

// Clear drops everything; called when the owning VM incarnation restarts.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts = make(map[uint64]*ScriptState)
}

// ResolveSourceMap returns the raw source map for a script name, keyed the
// way module URLs are (file:///guild_scripts/<name>.js). Used by the error
// stack translator.
func (s *Store) ResolveSourceMap(name string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.scripts {
		if st.Script.Name == name {
			return st.Compiled.SourceMap
		}
	}
	return nil
}
