// Package processor derives the display copy of a finished message.
package processor

import (
	"html"
	"io"
	"log"
	"regexp"

	"github.com/google/uuid"

	"github.com/tokligence/tokligence-relay/internal/chat"
)

// Transformer rewrites message content.
type Transformer interface {
	Name() string
	Transform(sessionID uuid.UUID, content string) string
}

// Processor runs content through an ordered transformer chain.
type Processor struct {
	transformers []Transformer
	logger       *log.Logger
	logLevel     string
}

// New returns a Processor. With no transformers given the code block renderer is used.
func New(logger *log.Logger, logLevel string, transformers ...Transformer) *Processor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if len(transformers) == 0 {
		transformers = []Transformer{CodeBlocks{}}
	}
	return &Processor{transformers: transformers, logger: logger, logLevel: logLevel}
}

// Process returns the processed copy of msg. Function-call messages and empty
// content pass through unchanged.
func (p *Processor) Process(sessionID uuid.UUID, msg chat.Message) chat.Message {
	if msg.FunctionCall != nil || msg.Content == "" {
		return msg
	}
	out := msg
	for _, t := range p.transformers {
		out.Content = t.Transform(sessionID, out.Content)
		if p.logLevel == "debug" {
			p.logger.Printf("DEBUG session %s: applied %s", sessionID, t.Name())
		}
	}
	return out
}

var fencePattern = regexp.MustCompile("```([A-Za-z0-9_+-]*)\\n([\\s\\S]*?)```")

// CodeBlocks renders fenced code blocks as <pre><code> elements. The code is
// HTML-escaped; the language tag becomes a language-* class.
type CodeBlocks struct{}

// Name implements Transformer.
func (CodeBlocks) Name() string { return "codeblocks" }

// Transform implements Transformer.
func (CodeBlocks) Transform(_ uuid.UUID, content string) string {
	return fencePattern.ReplaceAllStringFunc(content, func(block string) string {
		m := fencePattern.FindStringSubmatch(block)
		lang, code := m[1], html.EscapeString(m[2])
		if lang == "" {
			return "<pre><code>" + code + "</code></pre>"
		}
		return `<pre><code class="language-` + lang + `">` + code + "</code></pre>"
	})
}
