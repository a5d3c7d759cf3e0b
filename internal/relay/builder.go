package relay

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/tokligence/tokligence-relay/internal/chat"
	"github.com/tokligence/tokligence-relay/internal/openai"
)

// BuildRequest assembles the provider request from an ordered conversation and the
// persona's generation parameters. Only parameters that are present are copied;
// functions are attached only when there is at least one.
func BuildRequest(messages []chat.Message, params chat.GenerationParameters, functions []chat.FunctionSchema) (openai.ChatCompletionRequest, error) {
	if len(messages) == 0 {
		return openai.ChatCompletionRequest{}, &ConfigurationError{Field: "messages", Err: errors.New("conversation is empty")}
	}
	if err := validateParameters(params); err != nil {
		return openai.ChatCompletionRequest{}, err
	}

	req := openai.ChatCompletionRequest{
		Messages:         make([]openai.ChatMessage, 0, len(messages)),
		Stream:           true,
		Temperature:      params.Temperature,
		TopP:             params.TopP,
		MaxTokens:        params.MaxTokens,
		FrequencyPenalty: params.FrequencyPenalty,
		PresencePenalty:  params.PresencePenalty,
	}
	if params.Model != nil {
		req.Model = params.ModelName()
	}
	for i, msg := range messages {
		if !msg.Role.Valid() {
			return openai.ChatCompletionRequest{}, &ConfigurationError{
				Field: fmt.Sprintf("messages[%d].role", i),
				Err:   fmt.Errorf("unknown role %q", msg.Role),
			}
		}
		req.Messages = append(req.Messages, openai.FromChatMessage(msg))
	}
	for i, fn := range functions {
		if strings.TrimSpace(fn.Name) == "" {
			return openai.ChatCompletionRequest{}, &ConfigurationError{
				Field: fmt.Sprintf("functions[%d].name", i),
				Err:   errors.New("function name is required"),
			}
		}
		req.Functions = append(req.Functions, openai.FromFunctionSchema(fn))
	}
	return req, nil
}

func validateParameters(p chat.GenerationParameters) error {
	if p.Model != nil && p.ModelName() == "" {
		return &ConfigurationError{Field: "model", Err: errors.New("model must not be blank when set")}
	}
	if err := checkRange("temperature", p.Temperature, 0, 2); err != nil {
		return err
	}
	if err := checkRange("top_p", p.TopP, 0, 1); err != nil {
		return err
	}
	if err := checkRange("frequency_penalty", p.FrequencyPenalty, -2, 2); err != nil {
		return err
	}
	if err := checkRange("presence_penalty", p.PresencePenalty, -2, 2); err != nil {
		return err
	}
	if p.MaxTokens != nil && *p.MaxTokens <= 0 {
		return &ConfigurationError{Field: "max_tokens", Err: fmt.Errorf("must be positive, got %d", *p.MaxTokens)}
	}
	return nil
}

func checkRange(field string, v *float64, lo, hi float64) error {
	if v == nil {
		return nil
	}
	if math.IsNaN(*v) || *v < lo || *v > hi {
		return &ConfigurationError{Field: field, Err: fmt.Errorf("%v outside [%v, %v]", *v, lo, hi)}
	}
	return nil
}
