package hooks

import (
	"fmt"
	"time"
)

// Config captures hook-related settings from relay.ini and the environment.
type Config struct {
	Enabled    bool              `json:"enabled"`
	ScriptPath string            `json:"script_path"`
	ScriptArgs []string          `json:"script_args"`
	Env        map[string]string `json:"env"`
	Timeout    time.Duration     `json:"timeout"`
	// Events restricts the script to the listed event types; empty means all.
	Events []EventType `json:"events"`
}

// Validate ensures the configuration is coherent before handlers are wired.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ScriptPath == "" {
		return fmt.Errorf("hooks: script_path required when enabled")
	}
	for _, evt := range c.Events {
		if evt != EventStreamCompleted && evt != EventStreamFailed {
			return fmt.Errorf("hooks: unknown event %q", evt)
		}
	}
	return nil
}

// BuildScriptHandler constructs the handler declared in Config.
func (c Config) BuildScriptHandler() Handler {
	if !c.Enabled {
		return nil
	}
	handler := NewScriptHandler(ScriptConfig{
		Command: c.ScriptPath,
		Args:    c.ScriptArgs,
		Env:     c.Env,
		Timeout: c.Timeout,
	})
	if len(c.Events) == 0 {
		return handler
	}
	return Filter(handler, c.Events...)
}
