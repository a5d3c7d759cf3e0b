package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const maxStderr = 4 << 10

// ScriptConfig describes the external command run for each event.
type ScriptConfig struct {
	Command string            // executable, absolute or looked up in PATH
	Args    []string          // static arguments
	Env     map[string]string // extra environment
	Timeout time.Duration     // zero means the caller's context bounds the run
}

// NewScriptHandler returns a Handler that runs cfg.Command once per event. The
// event is written as JSON to stdin, and RELAY_EVENT_TYPE, RELAY_SESSION_ID and
// RELAY_STREAM_ID are set for scripts that only need to branch on them.
func NewScriptHandler(cfg ScriptConfig) Handler {
	return func(ctx context.Context, evt Event) error {
		if cfg.Command == "" {
			return errors.New("hooks: command not configured")
		}
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("hooks: marshal %s: %w", evt.Type, err)
		}
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		cmd.Env = append(cmd.Environ(),
			"RELAY_EVENT_TYPE="+string(evt.Type),
			"RELAY_SESSION_ID="+evt.SessionID,
			"RELAY_STREAM_ID="+evt.StreamID,
		)
		for key, val := range cfg.Env {
			cmd.Env = append(cmd.Env, key+"="+val)
		}
		cmd.Stdin = bytes.NewReader(payload)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if msg := tail(stderr.String(), maxStderr); msg != "" {
				return fmt.Errorf("hooks: %s for %s: %w: %s", cfg.Command, evt.Type, err, msg)
			}
			return fmt.Errorf("hooks: %s for %s: %w", cfg.Command, evt.Type, err)
		}
		return nil
	}
}

func tail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}
