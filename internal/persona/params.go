// Package persona resolves persona records into the request configuration the relay
// needs: system prompt, generation parameters and registered functions.
package persona

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tokligence/tokligence-relay/internal/chat"
)

// Property keys recognised on stored personas.
const (
	PropModel            = "chatgpt_model"
	PropMaxTokens        = "chatgpt_maxTokens"
	PropTemperature      = "chatgpt_temperature"
	PropTopP             = "chatgpt_topP"
	PropFrequencyPenalty = "chatgpt_frequencyPenalty"
	PropPresencePenalty  = "chatgpt_presencePenalty"
)

// ParseParameters converts persona properties into generation parameters.
// Blank values are treated as absent. A missing model falls back to defaultModel.
// Range checks are left to the request builder.
func ParseParameters(props map[string]string, defaultModel string) (chat.GenerationParameters, error) {
	var params chat.GenerationParameters

	if model := lookup(props, PropModel); model != "" {
		params.Model = chat.String(model)
	} else if m := strings.TrimSpace(defaultModel); m != "" {
		params.Model = chat.String(m)
	}

	floats := []struct {
		key string
		dst **float64
	}{
		{PropTemperature, &params.Temperature},
		{PropTopP, &params.TopP},
		{PropFrequencyPenalty, &params.FrequencyPenalty},
		{PropPresencePenalty, &params.PresencePenalty},
	}
	for _, f := range floats {
		raw := lookup(props, f.key)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return chat.GenerationParameters{}, fmt.Errorf("persona: parse %s=%q: %w", f.key, raw, err)
		}
		*f.dst = chat.Float(v)
	}

	if raw := lookup(props, PropMaxTokens); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return chat.GenerationParameters{}, fmt.Errorf("persona: parse %s=%q: %w", PropMaxTokens, raw, err)
		}
		params.MaxTokens = chat.Int(v)
	}
	return params, nil
}

func lookup(props map[string]string, key string) string {
	if props == nil {
		return ""
	}
	return strings.TrimSpace(props[key])
}
