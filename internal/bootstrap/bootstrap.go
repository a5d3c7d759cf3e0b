// Package bootstrap scaffolds a relay configuration tree: config/setting.ini,
// config/<env>/relay.ini and, optionally, a sample persona with its function file.
package bootstrap

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/tokligence/tokligence-relay/internal/config"
)

// InitOptions configures the generated files.
type InitOptions struct {
	Root         string
	Environment  string
	HTTPAddress  string
	DatabaseDSN  string
	DefaultModel string
	LogLevel     string
	// Samples also writes personas/assistant.yaml and functions.yaml.
	Samples bool
	Force   bool
}

// Init writes the configuration files described by opts.
func Init(opts InitOptions) error {
	applyDefaults(&opts)
	if err := ensureDir(filepath.Join(opts.Root, "config", opts.Environment)); err != nil {
		return err
	}

	settingPath := filepath.Join(opts.Root, "config", "setting.ini")
	if err := writeFile(settingPath, settingTemplate(opts), opts.Force); err != nil {
		return err
	}

	relayPath := filepath.Join(opts.Root, "config", opts.Environment, "relay.ini")
	if err := writeFile(relayPath, relayTemplate(opts), opts.Force); err != nil {
		return err
	}

	if !opts.Samples {
		return nil
	}
	if err := ensureDir(filepath.Join(opts.Root, "personas")); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(opts.Root, "personas", "assistant.yaml"), samplePersona(opts), opts.Force); err != nil {
		return err
	}
	return writeFile(filepath.Join(opts.Root, "functions.yaml"), sampleFunctions, opts.Force)
}

func applyDefaults(opts *InitOptions) {
	if strings.TrimSpace(opts.Root) == "" {
		opts.Root = "."
	}
	if strings.TrimSpace(opts.Environment) == "" {
		opts.Environment = "dev"
	}
	if strings.TrimSpace(opts.HTTPAddress) == "" {
		opts.HTTPAddress = ":8085"
	}
	if strings.TrimSpace(opts.DatabaseDSN) == "" {
		opts.DatabaseDSN = config.DefaultDatabasePath()
	}
	if strings.TrimSpace(opts.DefaultModel) == "" {
		opts.DefaultModel = "gpt-4"
	}
	if strings.TrimSpace(opts.LogLevel) == "" {
		opts.LogLevel = "info"
	}
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func writeFile(path, contents string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("file already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(contents), 0o644)
}

func settingTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# Tokligence Relay settings
environment=%s
`, opts.Environment)
}

func relayTemplate(opts InitOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Environment specific overrides for %s\n", opts.Environment)
	fmt.Fprintf(&b, "http_address=%s\n", opts.HTTPAddress)
	fmt.Fprintf(&b, "log_level=%s\n", opts.LogLevel)
	b.WriteString("# Dash '-' disables file output.\n")
	b.WriteString("log_file=logs/relayd.log\n")
	fmt.Fprintf(&b, "database_dsn=%s\n", opts.DatabaseDSN)
	fmt.Fprintf(&b, "default_model=%s\n", opts.DefaultModel)
	b.WriteString("model_provider_routes=gpt*=>openai,claude*=>anthropic\n")
	b.WriteString("fallback_provider=openai\n")
	b.WriteString("# openai_api_key and anthropic_api_key are best set via TOKLIGENCE_* env vars.\n")
	b.WriteString("relay_workers=16\n")
	b.WriteString("relay_queue_size=64\n")
	b.WriteString("relay_idle_timeout=60s\n")
	b.WriteString("submit_rate_per_second=0.5\n")
	b.WriteString("submit_rate_burst=3\n")
	if opts.Samples {
		b.WriteString("persona_import_dir=personas\n")
		b.WriteString("functions_file=functions.yaml\n")
	}
	return b.String()
}

func samplePersona(opts InitOptions) string {
	return fmt.Sprintf(`name: Assistant
description: General purpose assistant
system: You are a concise, helpful assistant. Use fenced code blocks for code.
properties:
  chatgpt_model: %s
  chatgpt_temperature: "0.7"
functions: [sendEmail]
`, opts.DefaultModel)
}

const sampleFunctions = `functions:
  - name: sendEmail
    description: Send an email on behalf of the user
    parameters:
      type: object
      properties:
        to: {type: string, description: Recipient address}
        subject: {type: string}
        body: {type: string}
      required: [to, subject, body]
`

// Validate checks opts without touching the filesystem.
func Validate(opts InitOptions) error {
	applyDefaults(&opts)
	if _, _, err := net.SplitHostPort(opts.HTTPAddress); err != nil {
		return fmt.Errorf("http address %q: %w", opts.HTTPAddress, err)
	}
	switch strings.ToLower(opts.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", opts.LogLevel)
	}
	if strings.ContainsAny(opts.Environment, `/\`) {
		return errors.New("environment must not contain path separators")
	}
	return nil
}
