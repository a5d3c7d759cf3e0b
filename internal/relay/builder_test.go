package relay

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/tokligence-relay/internal/chat"
)

func TestBuildRequest_OmitsUnsetParameters(t *testing.T) {
	msgs := []chat.Message{
		{Role: chat.RoleSystem, Content: "be brief"},
		{Role: chat.RoleUser, Content: "hi"},
	}
	req, err := BuildRequest(msgs, chat.GenerationParameters{
		Model:       chat.String("gpt-4o"),
		Temperature: chat.Float(0),
	}, nil)
	require.NoError(t, err)
	assert.True(t, req.Stream)
	assert.Equal(t, "gpt-4o", req.Model)

	raw, err := json.Marshal(req)
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(raw, &payload))

	assert.Equal(t, true, payload["stream"])
	assert.Equal(t, 0.0, payload["temperature"], "explicit zero must be sent")
	for _, key := range []string{"top_p", "max_tokens", "frequency_penalty", "presence_penalty", "functions"} {
		_, present := payload[key]
		assert.False(t, present, "unset %s must be omitted", key)
	}
	messages := payload["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
}

func TestBuildRequest_AllParametersAndFunctions(t *testing.T) {
	params := chat.GenerationParameters{
		Model:            chat.String("gpt-4o-mini"),
		Temperature:      chat.Float(0.7),
		TopP:             chat.Float(0.9),
		MaxTokens:        chat.Int(256),
		FrequencyPenalty: chat.Float(-0.5),
		PresencePenalty:  chat.Float(1.5),
	}
	fns := []chat.FunctionSchema{{
		Name:       "sendEmail",
		Parameters: map[string]any{"type": "object"},
	}}
	req, err := BuildRequest([]chat.Message{{Role: chat.RoleUser, Content: "mail bob"}}, params, fns)
	require.NoError(t, err)
	assert.Equal(t, 256, *req.MaxTokens)
	assert.Equal(t, 1.5, *req.PresencePenalty)
	require.Len(t, req.Functions, 1)
	assert.Equal(t, "sendEmail", req.Functions[0].Name)
}

func TestBuildRequest_NoModelLeavesFieldEmpty(t *testing.T) {
	req, err := BuildRequest([]chat.Message{{Role: chat.RoleUser, Content: "hi"}}, chat.GenerationParameters{}, nil)
	require.NoError(t, err)
	raw, _ := json.Marshal(req)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(raw, &payload))
	_, present := payload["model"]
	assert.False(t, present)
}

func TestBuildRequest_ConfigurationErrors(t *testing.T) {
	user := []chat.Message{{Role: chat.RoleUser, Content: "hi"}}
	tests := []struct {
		name   string
		msgs   []chat.Message
		params chat.GenerationParameters
		fns    []chat.FunctionSchema
		field  string
	}{
		{name: "empty conversation", field: "messages"},
		{name: "blank model", msgs: user, params: chat.GenerationParameters{Model: chat.String("  ")}, field: "model"},
		{name: "temperature high", msgs: user, params: chat.GenerationParameters{Temperature: chat.Float(2.5)}, field: "temperature"},
		{name: "temperature nan", msgs: user, params: chat.GenerationParameters{Temperature: chat.Float(math.NaN())}, field: "temperature"},
		{name: "top_p", msgs: user, params: chat.GenerationParameters{TopP: chat.Float(1.1)}, field: "top_p"},
		{name: "frequency penalty", msgs: user, params: chat.GenerationParameters{FrequencyPenalty: chat.Float(-3)}, field: "frequency_penalty"},
		{name: "presence penalty", msgs: user, params: chat.GenerationParameters{PresencePenalty: chat.Float(2.01)}, field: "presence_penalty"},
		{name: "max tokens", msgs: user, params: chat.GenerationParameters{MaxTokens: chat.Int(0)}, field: "max_tokens"},
		{name: "unknown role", msgs: []chat.Message{{Role: "robot", Content: "x"}}, field: "messages[0].role"},
		{name: "unnamed function", msgs: user, fns: []chat.FunctionSchema{{Description: "x"}}, field: "functions[0].name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildRequest(tt.msgs, tt.params, tt.fns)
			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "error = %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
			assert.Equal(t, KindConfiguration, ErrorKind(err))
		})
	}
}
