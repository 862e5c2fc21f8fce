package domain

import "fmt"

// GuildID identifies a tenant. Guilds are fully independent of each other;
// every store call and every runtime object is keyed by one.
type GuildID uint64

func (g GuildID) String() string {
	return fmt.Sprintf("%d", g)
}

// Script is a single user-authored script as stored in guild configuration.
// Identity is (guild, ID); Name is unique within a guild and doubles as the
// module URL stem (file:///guild_scripts/<name>.js).
type Script struct {
	ID             uint64             `json:"id"`
	Name           string             `json:"name"`
	OriginalSource string             `json:"original_source"`
	Enabled        bool               `json:"enabled"`
	PluginID       *uint64            `json:"plugin_id,omitempty"`
	Contributes    ScriptContributes  `json:"contributes"`
}

// ScriptContributes lists what a script adds to the guild: slash commands
// and interval timers. Both are declared in config and re-announced by the
// running script via its start metadata.
type ScriptContributes struct {
	Commands       []Command       `json:"commands"`
	IntervalTimers []IntervalTimer `json:"interval_timers"`
}

// Command is a slash command declared by a script.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Group       string `json:"group,omitempty"`
}

// CommandGroup groups related commands under one top-level name.
type CommandGroup struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// IntervalTimer fires a recurring event into the owning script. Interval is
// either a cron expression or a plain minute count, distinguished by Type.
type IntervalTimer struct {
	Name     string            `json:"name"`
	Interval IntervalTimerSpec `json:"interval"`
}

// IntervalTimerSpec is the tagged interval representation.
type IntervalTimerSpec struct {
	Type string `json:"type"` // "minutes" or "cron"
	// Minutes is used when Type == "minutes".
	Minutes uint64 `json:"minutes,omitempty"`
	// Cron is used when Type == "cron".
	Cron string `json:"cron,omitempty"`
}

// ScriptMeta is emitted by a script at runtime startup, announcing what it
// provides. TaskNames is the closed set of scheduler namespaces the script
// handles; tasks outside every started script's set stay dormant in the
// store.
type ScriptMeta struct {
	ScriptID       uint64          `json:"script_id,string"`
	Commands       []Command       `json:"commands"`
	CommandGroups  []CommandGroup  `json:"command_groups"`
	TaskNames      []string        `json:"task_names"`
	IntervalTimers []IntervalTimer `json:"interval_timers"`
}
