package openai

// FinishReasonStop is the finish sentinel marking the end of the content phase.
const FinishReasonStop = "stop"

// ChatCompletionChunk represents a chunk in an SSE streaming response.
type ChatCompletionChunk struct {
	ID      string                      `json:"id"`
	Object  string                      `json:"object"`
	Created int64                       `json:"created"`
	Model   string                      `json:"model"`
	Choices []ChatCompletionChunkChoice `json:"choices"`
	// Error is set when the provider aborts the stream with an error body.
	Error *StreamError `json:"error,omitempty"`
}

// StreamError is the error envelope sent in place of a chunk.
type StreamError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code,omitempty"`
}

// ChatCompletionChunkChoice represents a choice in a streaming chunk.
type ChatCompletionChunkChoice struct {
	Index        int              `json:"index"`
	Delta        ChatMessageDelta `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
}

// ChatMessageDelta represents the incremental content in a stream chunk.
type ChatMessageDelta struct {
	Role         string             `json:"role,omitempty"`
	Content      *string            `json:"content,omitempty"`
	FunctionCall *FunctionCallDelta `json:"function_call,omitempty"`
}

// FunctionCallDelta models incremental function_call data in streaming deltas.
type FunctionCallDelta struct {
	Name      *string `json:"name,omitempty"`
	Arguments string  `json:"arguments,omitempty"`
}

// FirstChoice returns the first choice of the chunk, if any.
func (c *ChatCompletionChunk) FirstChoice() (ChatCompletionChunkChoice, bool) {
	if len(c.Choices) == 0 {
		return ChatCompletionChunkChoice{}, false
	}
	return c.Choices[0], true
}

// IsStop reports whether the choice carries the "stop" finish sentinel.
func (c ChatCompletionChunkChoice) IsStop() bool {
	return c.FinishReason != nil && *c.FinishReason == FinishReasonStop
}
