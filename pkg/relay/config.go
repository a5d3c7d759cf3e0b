package relay

import (
	internalcfg "github.com/tokligence/tokligence-relay/internal/config"
)

// Config re-exports the relay configuration structure so integrations can reuse
// the parsed values without importing internal packages.
type Config = internalcfg.RelayConfig

// LoadConfig delegates to the internal loader.
func LoadConfig(root string) (Config, error) {
	return internalcfg.LoadRelayConfig(root)
}
