package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tokligence/tokligence-relay/internal/hooks"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/relay.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// RelayConfig describes runtime options for relayd.
type RelayConfig struct {
	Environment string
	HTTPAddress string
	LogFile     string
	LogLevel    string

	// DatabaseDSN is a SQLite path or a postgres:// URL.
	DatabaseDSN         string
	DBMaxOpenConns      int
	DBMaxIdleConns      int
	DBConnMaxLifetime   time.Duration
	PersonaImportDir    string
	FunctionsFile       string
	PersonaCacheTTL     time.Duration
	DefaultModel        string
	FallbackProvider    string
	ModelProviderRoutes []RouteRule

	OpenAIAPIKey       string
	OpenAIBaseURL      string
	OpenAIOrg          string
	AnthropicAPIKey    string
	AnthropicBaseURL   string
	AnthropicVersion   string
	AnthropicMaxTokens int

	// Stream transport.
	IdleTimeout           time.Duration
	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	MaxIdleConnsPerHost   int

	// Worker pool and subscriber delivery.
	Workers             int
	QueueSize           int
	SubscriberBuffer    int
	TerminalSendTimeout time.Duration
	SerializeSessions   bool

	SubmitRatePerSecond float64
	SubmitBurst         int
	APIRatePerSecond    float64
	APIBurst            int

	StatusAllowedOrigins []string
	ShutdownTimeout      time.Duration

	Hooks hooks.Config
}

type RouteRule struct {
	Pattern string
	Target  string
}

// LoadRelayConfig reads the current environment and loads the matching relay.ini.
// TOKLIGENCE_* environment variables override file values.
func LoadRelayConfig(root string) (RelayConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return RelayConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return RelayConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}
	get := func(envKey, iniKey string, fallback ...string) string {
		return firstNonEmpty(append([]string{os.Getenv(envKey), merged[iniKey]}, fallback...)...)
	}

	cfg := RelayConfig{
		Environment:      s.Environment,
		HTTPAddress:      get("TOKLIGENCE_HTTP_ADDRESS", "http_address", ":8085"),
		LogFile:          get("TOKLIGENCE_LOG_FILE", "log_file"),
		LogLevel:         strings.ToLower(get("TOKLIGENCE_LOG_LEVEL", "log_level", "info")),
		DatabaseDSN:      get("TOKLIGENCE_DATABASE_DSN", "database_dsn", DefaultDatabasePath()),
		DBMaxOpenConns:   parseOptionalInt(get("TOKLIGENCE_DB_MAX_OPEN_CONNS", "db_max_open_conns"), 20),
		DBMaxIdleConns:   parseOptionalInt(get("TOKLIGENCE_DB_MAX_IDLE_CONNS", "db_max_idle_conns"), 5),
		PersonaImportDir: get("TOKLIGENCE_PERSONA_IMPORT_DIR", "persona_import_dir"),
		FunctionsFile:    get("TOKLIGENCE_FUNCTIONS_FILE", "functions_file"),
		DefaultModel:     get("TOKLIGENCE_DEFAULT_MODEL", "default_model", "gpt-4"),
		FallbackProvider: strings.ToLower(get("TOKLIGENCE_FALLBACK_PROVIDER", "fallback_provider", "openai")),

		OpenAIAPIKey:       get("TOKLIGENCE_OPENAI_API_KEY", "openai_api_key"),
		OpenAIBaseURL:      get("TOKLIGENCE_OPENAI_BASE_URL", "openai_base_url"),
		OpenAIOrg:          get("TOKLIGENCE_OPENAI_ORG", "openai_org"),
		AnthropicAPIKey:    get("TOKLIGENCE_ANTHROPIC_API_KEY", "anthropic_api_key"),
		AnthropicBaseURL:   get("TOKLIGENCE_ANTHROPIC_BASE_URL", "anthropic_base_url"),
		AnthropicVersion:   get("TOKLIGENCE_ANTHROPIC_VERSION", "anthropic_version", "2023-06-01"),
		AnthropicMaxTokens: parseOptionalInt(get("TOKLIGENCE_ANTHROPIC_MAX_TOKENS", "anthropic_max_tokens"), 4096),

		MaxIdleConnsPerHost: parseOptionalInt(get("TOKLIGENCE_MAX_IDLE_CONNS_PER_HOST", "max_idle_conns_per_host"), 32),
		Workers:             parseOptionalInt(get("TOKLIGENCE_RELAY_WORKERS", "relay_workers"), 16),
		QueueSize:           parseOptionalInt(get("TOKLIGENCE_RELAY_QUEUE_SIZE", "relay_queue_size"), 64),
		SubscriberBuffer:    parseOptionalInt(get("TOKLIGENCE_RELAY_SUBSCRIBER_BUFFER", "relay_subscriber_buffer"), 32),
		SerializeSessions:   parseOptionalBool(get("TOKLIGENCE_RELAY_SERIALIZE_SESSIONS", "relay_serialize_sessions"), false),
		SubmitBurst:         parseOptionalInt(get("TOKLIGENCE_SUBMIT_RATE_BURST", "submit_rate_burst"), 3),
		APIBurst:            parseOptionalInt(get("TOKLIGENCE_API_RATE_BURST", "api_rate_burst"), 40),

		StatusAllowedOrigins: parseCSV(get("TOKLIGENCE_STATUS_ALLOWED_ORIGINS", "status_allowed_origins")),
	}

	durations := []struct {
		key, env string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"db_conn_max_lifetime", "TOKLIGENCE_DB_CONN_MAX_LIFETIME", 30 * time.Minute, &cfg.DBConnMaxLifetime},
		{"persona_cache_ttl", "TOKLIGENCE_PERSONA_CACHE_TTL", time.Minute, &cfg.PersonaCacheTTL},
		{"relay_idle_timeout", "TOKLIGENCE_RELAY_IDLE_TIMEOUT", 60 * time.Second, &cfg.IdleTimeout},
		{"relay_connect_timeout", "TOKLIGENCE_RELAY_CONNECT_TIMEOUT", 10 * time.Second, &cfg.ConnectTimeout},
		{"relay_response_header_timeout", "TOKLIGENCE_RELAY_RESPONSE_HEADER_TIMEOUT", 60 * time.Second, &cfg.ResponseHeaderTimeout},
		{"relay_terminal_send_timeout", "TOKLIGENCE_RELAY_TERMINAL_SEND_TIMEOUT", 5 * time.Second, &cfg.TerminalSendTimeout},
		{"shutdown_timeout", "TOKLIGENCE_SHUTDOWN_TIMEOUT", 15 * time.Second, &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		dur, err := parseOptionalDuration(get(d.env, d.key), d.fallback)
		if err != nil {
			return RelayConfig{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = dur
	}

	rates := []struct {
		key, env string
		fallback float64
		dst      *float64
	}{
		{"submit_rate_per_second", "TOKLIGENCE_SUBMIT_RATE_PER_SECOND", 0.5, &cfg.SubmitRatePerSecond},
		{"api_rate_per_second", "TOKLIGENCE_API_RATE_PER_SECOND", 20, &cfg.APIRatePerSecond},
	}
	for _, r := range rates {
		v := get(r.env, r.key)
		if v == "" {
			*r.dst = r.fallback
			continue
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return RelayConfig{}, fmt.Errorf("invalid %s %q: %w", r.key, v, err)
		}
		*r.dst = parsed
	}

	hookArgs := get("TOKLIGENCE_HOOK_SCRIPT_ARGS", "hooks_script_args")
	hookEnv := get("TOKLIGENCE_HOOK_SCRIPT_ENV", "hooks_script_env")
	cfg.Hooks = hooks.Config{
		Enabled:    parseBool(get("TOKLIGENCE_HOOKS_ENABLED", "hooks_enabled")),
		ScriptPath: get("TOKLIGENCE_HOOK_SCRIPT", "hooks_script_path"),
		ScriptArgs: parseCSV(hookArgs),
		Env:        parseMap(hookEnv),
	}
	for _, evt := range parseCSV(get("TOKLIGENCE_HOOK_EVENTS", "hooks_events")) {
		cfg.Hooks.Events = append(cfg.Hooks.Events, hooks.EventType(evt))
	}
	if v := get("TOKLIGENCE_HOOK_TIMEOUT", "hooks_timeout"); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return RelayConfig{}, fmt.Errorf("invalid hooks_timeout %q: %w", v, err)
		}
		cfg.Hooks.Timeout = dur
	}
	if err := cfg.Hooks.Validate(); err != nil {
		return RelayConfig{}, err
	}

	cfg.ModelProviderRoutes = parseRouteList(get("TOKLIGENCE_MODEL_PROVIDER_ROUTES", "model_provider_routes"))
	if len(cfg.ModelProviderRoutes) == 0 {
		cfg.ModelProviderRoutes = []RouteRule{
			{Pattern: "gpt*", Target: "openai"},
			{Pattern: "claude*", Target: "anthropic"},
		}
	}
	if err := cfg.validate(); err != nil {
		return RelayConfig{}, err
	}
	return cfg, nil
}

func (c RelayConfig) validate() error {
	switch {
	case c.Workers <= 0:
		return fmt.Errorf("relay_workers must be positive, got %d", c.Workers)
	case c.QueueSize < 0:
		return fmt.Errorf("relay_queue_size must not be negative, got %d", c.QueueSize)
	case c.SubscriberBuffer <= 0:
		return fmt.Errorf("relay_subscriber_buffer must be positive, got %d", c.SubscriberBuffer)
	case c.IdleTimeout < 0:
		return fmt.Errorf("relay_idle_timeout must not be negative")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

// UsesPostgres reports whether DatabaseDSN points at PostgreSQL.
func (c RelayConfig) UsesPostgres() bool {
	dsn := strings.ToLower(strings.TrimSpace(c.DatabaseDSN))
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseMap(input string) map[string]string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	entries := strings.Split(input, ",")
	result := make(map[string]string)
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])
		if key != "" {
			result[key] = value
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// parseRouteList preserves ordering for pattern=>target rules (comma or newline separated).
func parseRouteList(input string) []RouteRule {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	var rules []RouteRule
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		for _, part := range strings.Split(line, ",") {
			entry := strings.TrimSpace(part)
			if entry == "" {
				continue
			}
			var kv []string
			if strings.Contains(entry, "=>") {
				kv = strings.SplitN(entry, "=>", 2)
			} else {
				kv = strings.SplitN(entry, "=", 2)
			}
			if len(kv) != 2 {
				continue
			}
			pattern := strings.TrimSpace(kv[0])
			target := strings.TrimSpace(kv[1])
			if pattern == "" || target == "" {
				continue
			}
			rules = append(rules, RouteRule{Pattern: pattern, Target: target})
		}
	}
	if len(rules) == 0 {
		return nil
	}
	return rules
}

func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback, nil
	}
	if v == "0" {
		return 0, nil
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", v, err)
	}
	return dur, nil
}

// DefaultDatabasePath returns the fallback SQLite location under the user's home directory.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "relay.db"
	}
	return filepath.Join(home, ".tokligence", "relay.db")
}
