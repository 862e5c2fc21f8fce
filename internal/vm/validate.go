package vm

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/oriys/quasar/internal/domain"
)

var commandNameRe = regexp.MustCompile(`^[\w-]{1,32}$`)

const maxCommandDescriptionLen = 100

// validateScriptMeta checks the commands a script declares at startup.
// Findings across all commands are aggregated into a single error so the
// guild log shows everything wrong at once. Task names and interval timers
// are free-form and not validated here.
func validateScriptMeta(meta *domain.ScriptMeta) error {
	var out []string

	for _, cmd := range meta.Commands {
		out = append(out, validateCommandFields("command "+cmd.Name, cmd.Name, cmd.Description)...)
	}
	for _, group := range meta.CommandGroups {
		out = append(out, validateCommandFields("command group "+group.Name, group.Name, group.Description)...)
	}

	if len(out) == 0 {
		return nil
	}
	return fmt.Errorf("failed validating script: %s", strings.Join(out, "; "))
}

func validateCommandFields(label, name, description string) []string {
	var out []string
	if !commandNameRe.MatchString(name) {
		out = append(out, fmt.Sprintf("%s: name must be 1-32 word characters or hyphens", label))
	}
	if description == "" {
		out = append(out, fmt.Sprintf("%s: description is required", label))
	} else if len(description) > maxCommandDescriptionLen {
		out = append(out, fmt.Sprintf("%s: description is over %d characters", label, maxCommandDescriptionLen))
	}
	return out
}
