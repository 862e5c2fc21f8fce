package guildhandler

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
)

// intervalFire identifies one interval-timer firing.
type intervalFire struct {
	ScriptID uint64
	Name     string
}

// intervalRunner owns the cron scheduler behind script-contributed interval
// timers. Firings are delivered on a channel so the handler loop stays the
// single place that talks to the VM.
type intervalRunner struct {
	cron    *cron.Cron
	entries map[string]cron.EntryID
	fired   chan intervalFire
}

func newIntervalRunner() *intervalRunner {
	r := &intervalRunner{
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
		fired:   make(chan intervalFire, 16),
	}
	r.cron.Start()
	return r
}

// Register installs a script's interval timers, replacing any previous
// registration under the same (script, name).
func (r *intervalRunner) Register(scriptID uint64, timers []domain.IntervalTimer) {
	for _, timer := range timers {
		key := entryKey(scriptID, timer.Name)
		if id, ok := r.entries[key]; ok {
			r.cron.Remove(id)
			delete(r.entries, key)
		}

		spec, err := cronSpec(timer.Interval)
		if err != nil {
			logging.Op().Warn("invalid interval timer", "script_id", scriptID, "timer", timer.Name, "error", err)
			continue
		}

		fire := intervalFire{ScriptID: scriptID, Name: timer.Name}
		id, err := r.cron.AddFunc(spec, func() {
			select {
			case r.fired <- fire:
			default:
				// the handler is backlogged; skip this firing rather than
				// queue a burst
			}
		})
		if err != nil {
			logging.Op().Warn("failed registering interval timer", "script_id", scriptID, "timer", timer.Name, "error", err)
			continue
		}
		r.entries[key] = id
	}
}

// Clear removes every registration; called around VM restarts.
func (r *intervalRunner) Clear() {
	for key, id := range r.entries {
		r.cron.Remove(id)
		delete(r.entries, key)
	}
}

// Stop halts the cron scheduler.
func (r *intervalRunner) Stop() {
	r.cron.Stop()
}

func cronSpec(spec domain.IntervalTimerSpec) (string, error) {
	switch spec.Type {
	case "minutes":
		if spec.Minutes == 0 {
			return "", fmt.Errorf("minute interval must be positive")
		}
		return fmt.Sprintf("@every %dm", spec.Minutes), nil
	case "cron":
		if spec.Cron == "" {
			return "", fmt.Errorf("cron expression is empty")
		}
		return spec.Cron, nil
	default:
		return "", fmt.Errorf("unknown interval type %q", spec.Type)
	}
}

func entryKey(scriptID uint64, name string) string {
	return fmt.Sprintf("%d/%s", scriptID, name)
}
