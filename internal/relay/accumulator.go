package relay

import (
	"strings"

	"github.com/tokligence/tokligence-relay/internal/chat"
)

// Mode is what the accumulator is reconstructing.
type Mode int

const (
	ModeUndetermined Mode = iota
	ModeContent
	ModeFunctionCall
)

func (m Mode) String() string {
	switch m {
	case ModeContent:
		return "content"
	case ModeFunctionCall:
		return "function_call"
	default:
		return "undetermined"
	}
}

// Fragment is the forwarded view of one accepted delta.
type Fragment struct {
	Kind         chat.DeltaKind
	Text         string
	FunctionName string
}

// Accumulator folds the deltas of one stream into the final message. The first
// delta with function data fixes the mode to function call; otherwise the first
// delta with content fixes it to content. The mode never changes afterwards.
// An Accumulator belongs to a single stream and is not safe for concurrent use.
type Accumulator struct {
	mode    Mode
	content strings.Builder
	name    string
	args    strings.Builder
}

// Mode returns the current mode.
func (a *Accumulator) Mode() Mode { return a.mode }

// Add folds d into the running state and returns the fragment to forward.
// accepted is false for deltas that carry nothing for the current mode; those are
// neither folded nor forwarded.
func (a *Accumulator) Add(d chat.Delta) (frag Fragment, accepted bool) {
	if a.mode == ModeUndetermined {
		switch {
		case d.HasFunctionData():
			a.mode = ModeFunctionCall
		case d.HasContent():
			a.mode = ModeContent
		default:
			return Fragment{}, false
		}
	}

	switch a.mode {
	case ModeFunctionCall:
		if !d.HasFunctionData() {
			return Fragment{}, false
		}
		if a.name == "" && d.FunctionCall.Name != "" {
			a.name = d.FunctionCall.Name
		}
		a.args.WriteString(d.FunctionCall.Arguments)
		return Fragment{Kind: chat.DeltaFunctionCall, Text: d.FunctionCall.Arguments, FunctionName: a.name}, true
	default:
		if !d.HasContent() {
			return Fragment{}, false
		}
		a.content.WriteString(d.Content)
		return Fragment{Kind: chat.DeltaContent, Text: d.Content}, true
	}
}

// Finalize returns the assistant message built so far. A stream that never
// determined its mode yields an empty content message.
func (a *Accumulator) Finalize() chat.Message {
	if a.mode == ModeFunctionCall {
		return chat.Message{
			Role:         chat.RoleAssistant,
			FunctionCall: &chat.FunctionCall{Name: a.name, Arguments: a.args.String()},
		}
	}
	return chat.Message{Role: chat.RoleAssistant, Content: a.content.String()}
}
