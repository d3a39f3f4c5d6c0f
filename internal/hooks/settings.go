package hooks

import (
	"fmt"
	"os"
	"time"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

// Settings is the on-disk hook configuration. The file is JSON5 so operators
// can comment out hooks without deleting them.
//
//	{
//	    // block shell commands that touch /etc
//	    "hooks": {
//	        "on_tool_start": [
//	            {"name": "guard", "command": "./hooks/guard.sh", "timeout": "10s"}
//	        ]
//	    }
//	}
type Settings struct {
	Hooks map[string][]CommandConfig `json:"hooks"`
}

// CommandConfig declares one shell hook.
type CommandConfig struct {
	Name    string `json:"name"`
	Command string `json:"command"`
	Timeout string `json:"timeout"`
}

// LoadSettings reads and parses a hook settings file.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hook settings: %w", err)
	}
	var s Settings
	if err := json5.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse hook settings %s: %w", path, err)
	}
	return &s, nil
}

// Build converts the settings into a dispatcher hook table. Unknown event
// names and empty commands are rejected so a typo cannot silently disable a
// guard hook.
func (s *Settings) Build(defaultTimeout time.Duration) (map[Event][]Hook, error) {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultCommandTimeout
	}
	table := make(map[Event][]Hook)
	for eventName, configs := range s.Hooks {
		if !ValidEvent(eventName) {
			return nil, fmt.Errorf("unknown hook event %q", eventName)
		}
		event := Event(eventName)
		for i, cfg := range configs {
			if cfg.Command == "" {
				return nil, fmt.Errorf("hook %s[%d] has no command", eventName, i)
			}
			name := cfg.Name
			if name == "" {
				name = fmt.Sprintf("%s[%d]", eventName, i)
			}
			timeout := defaultTimeout
			if cfg.Timeout != "" {
				d, err := time.ParseDuration(cfg.Timeout)
				if err != nil {
					return nil, fmt.Errorf("hook %s: bad timeout %q: %w", name, cfg.Timeout, err)
				}
				timeout = d
			}
			table[event] = append(table[event], NewShellHook(name, cfg.Command, timeout))
		}
	}
	return table, nil
}
