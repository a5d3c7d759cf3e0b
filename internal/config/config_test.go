package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, setting, relay string) string {
	t.Helper()
	tmp := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmp, "config", "dev"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "config", "setting.ini"), []byte(setting), 0o644); err != nil {
		t.Fatalf("write setting: %v", err)
	}
	if relay != "" {
		if err := os.WriteFile(filepath.Join(tmp, "config", "dev", "relay.ini"), []byte(relay), 0o644); err != nil {
			t.Fatalf("write env config: %v", err)
		}
	}
	return tmp
}

func TestLoadRelayConfig(t *testing.T) {
	setting := "environment=dev\nlog_level=debug\nlog_file=/tmp/base.log\ndefault_model=gpt-4o\n"
	relay := strings.Join([]string{
		"[server]",
		"http_address=:9090",
		"log_file=/tmp/env.log",
		"database_dsn=/tmp/relay-test.db",
		"relay_idle_timeout=45s",
		"relay_workers=4",
		"relay_queue_size=8",
		"relay_serialize_sessions=true",
		"submit_rate_per_second=2.5",
		"model_provider_routes=claude*=>anthropic, *=>openai",
		"status_allowed_origins=http://localhost:3000, https://app.example.com",
	}, "\n")
	tmp := writeConfig(t, setting, relay)
	t.Setenv("TOKLIGENCE_OPENAI_API_KEY", "sk-env")
	t.Setenv("TOKLIGENCE_RELAY_WORKERS", "6")

	cfg, err := LoadRelayConfig(tmp)
	if err != nil {
		t.Fatalf("LoadRelayConfig: %v", err)
	}
	if cfg.HTTPAddress != ":9090" {
		t.Fatalf("unexpected http address %s", cfg.HTTPAddress)
	}
	if cfg.LogFile != "/tmp/env.log" {
		t.Fatalf("unexpected log file %s", cfg.LogFile)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level from base config, got %s", cfg.LogLevel)
	}
	if cfg.DefaultModel != "gpt-4o" {
		t.Fatalf("unexpected default model %s", cfg.DefaultModel)
	}
	if cfg.IdleTimeout != 45*time.Second {
		t.Fatalf("unexpected idle timeout %v", cfg.IdleTimeout)
	}
	if cfg.Workers != 6 {
		t.Fatalf("expected env override for workers, got %d", cfg.Workers)
	}
	if cfg.QueueSize != 8 || !cfg.SerializeSessions {
		t.Fatalf("unexpected pool config %+v", cfg)
	}
	if cfg.SubmitRatePerSecond != 2.5 {
		t.Fatalf("unexpected submit rate %v", cfg.SubmitRatePerSecond)
	}
	if cfg.OpenAIAPIKey != "sk-env" {
		t.Fatalf("unexpected openai key %q", cfg.OpenAIAPIKey)
	}
	if len(cfg.ModelProviderRoutes) != 2 || cfg.ModelProviderRoutes[0] != (RouteRule{Pattern: "claude*", Target: "anthropic"}) {
		t.Fatalf("unexpected routes %+v", cfg.ModelProviderRoutes)
	}
	if len(cfg.StatusAllowedOrigins) != 2 {
		t.Fatalf("unexpected origins %v", cfg.StatusAllowedOrigins)
	}
	if cfg.UsesPostgres() {
		t.Fatal("sqlite path reported as postgres")
	}
}

func TestLoadRelayConfigDefaults(t *testing.T) {
	cfg, err := LoadRelayConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadRelayConfig: %v", err)
	}
	if cfg.Environment != "dev" {
		t.Fatalf("unexpected environment %s", cfg.Environment)
	}
	if cfg.HTTPAddress != ":8085" || cfg.Workers != 16 || cfg.QueueSize != 64 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.IdleTimeout != 60*time.Second || cfg.TerminalSendTimeout != 5*time.Second {
		t.Fatalf("unexpected timeouts idle=%v terminal=%v", cfg.IdleTimeout, cfg.TerminalSendTimeout)
	}
	if cfg.SerializeSessions {
		t.Fatal("serialization should default to off")
	}
	if len(cfg.ModelProviderRoutes) != 2 || cfg.FallbackProvider != "openai" {
		t.Fatalf("unexpected routing defaults %+v %s", cfg.ModelProviderRoutes, cfg.FallbackProvider)
	}
	if !strings.HasSuffix(cfg.DatabaseDSN, "relay.db") {
		t.Fatalf("unexpected database dsn %s", cfg.DatabaseDSN)
	}
}

func TestLoadRelayConfigHooks(t *testing.T) {
	hookIni := strings.Join([]string{
		"hooks_enabled=true",
		"hooks_script_path=/usr/local/bin/on-stream",
		"hooks_script_args=--seed, --refresh",
		"hooks_script_env=FOO=BAR,BIZ=BUZ",
		"hooks_events=relay.stream.failed",
		"hooks_timeout=45s",
	}, "\n")
	tmp := writeConfig(t, "environment=dev\n", hookIni)
	t.Setenv("TOKLIGENCE_HOOK_SCRIPT_ARGS", "--from-env")
	t.Setenv("TOKLIGENCE_HOOK_TIMEOUT", "30s")

	cfg, err := LoadRelayConfig(tmp)
	if err != nil {
		t.Fatalf("LoadRelayConfig: %v", err)
	}
	if !cfg.Hooks.Enabled || cfg.Hooks.ScriptPath != "/usr/local/bin/on-stream" {
		t.Fatalf("unexpected hooks config %+v", cfg.Hooks)
	}
	if len(cfg.Hooks.ScriptArgs) != 1 || cfg.Hooks.ScriptArgs[0] != "--from-env" {
		t.Fatalf("unexpected script args %v", cfg.Hooks.ScriptArgs)
	}
	if cfg.Hooks.Env["FOO"] != "BAR" || cfg.Hooks.Env["BIZ"] != "BUZ" {
		t.Fatalf("unexpected env %v", cfg.Hooks.Env)
	}
	if cfg.Hooks.Timeout != 30*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.Hooks.Timeout)
	}
	if len(cfg.Hooks.Events) != 1 || cfg.Hooks.Events[0] != "relay.stream.failed" {
		t.Fatalf("unexpected events %v", cfg.Hooks.Events)
	}
}

func TestLoadRelayConfigErrors(t *testing.T) {
	cases := map[string]string{
		"bad duration":   "relay_idle_timeout=soon\n",
		"bad rate":       "submit_rate_per_second=fast\n",
		"zero workers":   "relay_workers=0\n",
		"bad log level":  "log_level=loud\n",
		"unknown hook":   "hooks_enabled=true\nhooks_script_path=/bin/true\nhooks_events=relay.other\n",
		"hook no script": "hooks_enabled=true\n",
	}
	for name, ini := range cases {
		t.Run(name, func(t *testing.T) {
			tmp := writeConfig(t, "environment=dev\n", ini)
			if _, err := LoadRelayConfig(tmp); err == nil {
				t.Fatalf("expected error for %q", ini)
			}
		})
	}
}

func TestUsesPostgres(t *testing.T) {
	for dsn, want := range map[string]bool{
		"postgres://u:p@localhost/relay":        true,
		"postgresql://localhost/relay":          true,
		"/var/lib/relay/relay.db":               false,
		"file:relay.db?_pragma=foreign_keys(1)": false,
	} {
		if got := (RelayConfig{DatabaseDSN: dsn}).UsesPostgres(); got != want {
			t.Fatalf("UsesPostgres(%q) = %v, want %v", dsn, got, want)
		}
	}
}

func TestParseRouteList(t *testing.T) {
	rules := parseRouteList("gpt-*=>openai\n# comment\nclaude-3-5-sonnet = anthropic, loopback=>loopback")
	if len(rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(rules))
	}
	if rules[1].Pattern != "claude-3-5-sonnet" || rules[1].Target != "anthropic" {
		t.Fatalf("unexpected rule %+v", rules[1])
	}
	if parseRouteList("  ") != nil {
		t.Fatal("expected nil for blank input")
	}
}
