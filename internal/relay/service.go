// Package relay submits chat completions to an upstream provider, forwards each
// streamed delta to the subscriber as it arrives and finalizes one message per stream.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/tokligence-relay/internal/chat"
	"github.com/tokligence/tokligence-relay/internal/hooks"
	"github.com/tokligence/tokligence-relay/internal/metrics"
	"github.com/tokligence/tokligence-relay/internal/provider"
	"github.com/tokligence/tokligence-relay/internal/transport"
	"github.com/tokligence/tokligence-relay/internal/workerpool"
)

// SessionStore is the persistence collaborator.
type SessionStore interface {
	Session(ctx context.Context, id uuid.UUID) (chat.Session, error)
	History(ctx context.Context, id uuid.UUID) ([]chat.Message, error)
	AppendMessages(ctx context.Context, id uuid.UUID, raw, processed []chat.Message) error
}

// PersonaSource supplies the persona-level request configuration.
type PersonaSource interface {
	SystemPrompt(ctx context.Context, personaID uuid.UUID) (string, error)
	GenerationParameters(ctx context.Context, personaID uuid.UUID) (chat.GenerationParameters, error)
	RegisteredFunctions(ctx context.Context, personaID uuid.UUID) ([]chat.FunctionSchema, error)
}

// MessageProcessor produces the processed copy of a finished message.
type MessageProcessor interface {
	Process(sessionID uuid.UUID, msg chat.Message) chat.Message
}

// ProviderResolver picks the provider for a model name.
type ProviderResolver interface {
	Resolve(model string) (provider.Provider, error)
}

// Pool schedules stream tasks off the request goroutine.
type Pool interface {
	Submit(task workerpool.Task) error
}

// Config wires a Service. Sessions, Personas, Providers, Transport and Pool are required.
type Config struct {
	Sessions  SessionStore
	Personas  PersonaSource
	Processor MessageProcessor
	Providers ProviderResolver
	Transport *transport.Client
	Pool      Pool
	Notifier  *Notifier
	Hooks     *hooks.Dispatcher
	Metrics   *metrics.Collector
	Logger    *log.Logger
	LogLevel  string

	// SubscriberBuffer is the number of events buffered before forwarding blocks.
	SubscriberBuffer int
	// TerminalSendTimeout bounds the wait for a reader when delivering the final event.
	TerminalSendTimeout time.Duration
	// SerializeSessions rejects a second concurrent stream on the same session.
	SerializeSessions bool
}

// Service is the streaming completion relay.
type Service struct {
	sessions  SessionStore
	personas  PersonaSource
	processor MessageProcessor
	providers ProviderResolver
	transport *transport.Client
	pool      Pool
	notifier  *Notifier
	hooks     *hooks.Dispatcher
	metrics   *metrics.Collector
	logger    *log.Logger
	logLevel  string

	subscriberBuffer    int
	terminalSendTimeout time.Duration
	serialize           bool

	mu     sync.Mutex
	active map[uuid.UUID]struct{}
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	switch {
	case cfg.Sessions == nil:
		return nil, errors.New("relay: session store required")
	case cfg.Personas == nil:
		return nil, errors.New("relay: persona source required")
	case cfg.Providers == nil:
		return nil, errors.New("relay: provider resolver required")
	case cfg.Transport == nil:
		return nil, errors.New("relay: transport client required")
	case cfg.Pool == nil:
		return nil, errors.New("relay: worker pool required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 32
	}
	if cfg.TerminalSendTimeout <= 0 {
		cfg.TerminalSendTimeout = 5 * time.Second
	}
	if cfg.Processor == nil {
		cfg.Processor = passthrough{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NewNotifier(nil, cfg.Logger)
	}
	return &Service{
		sessions:            cfg.Sessions,
		personas:            cfg.Personas,
		processor:           cfg.Processor,
		providers:           cfg.Providers,
		transport:           cfg.Transport,
		pool:                cfg.Pool,
		notifier:            cfg.Notifier,
		hooks:               cfg.Hooks,
		metrics:             cfg.Metrics,
		logger:              cfg.Logger,
		logLevel:            strings.ToLower(strings.TrimSpace(cfg.LogLevel)),
		subscriberBuffer:    cfg.SubscriberBuffer,
		terminalSendTimeout: cfg.TerminalSendTimeout,
		serialize:           cfg.SerializeSessions,
		active:              make(map[uuid.UUID]struct{}),
	}, nil
}

type passthrough struct{}

func (passthrough) Process(_ uuid.UUID, msg chat.Message) chat.Message { return msg }

// job is everything a worker needs to run one stream.
type job struct {
	stream   *Stream
	provider provider.Provider
	request  *http.Request
	model    string
	user     chat.Message
}

// SubmitStream prepares the request synchronously, schedules the stream on the
// worker pool and returns the subscriber handle. Errors returned here mean no
// stream was started: configuration problems, a missing session, a busy session or
// a saturated pool.
func (s *Service) SubmitStream(ctx context.Context, sessionID uuid.UUID, userText string) (*Stream, error) {
	if strings.TrimSpace(userText) == "" {
		return nil, &ConfigurationError{Field: "content", Err: ErrEmptyContent}
	}
	session, err := s.sessions.Session(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("relay: load session %s: %w", sessionID, err)
	}
	history, err := s.sessions.History(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("relay: load history %s: %w", sessionID, err)
	}
	systemPrompt, err := s.personas.SystemPrompt(ctx, session.PersonaID)
	if err != nil {
		return nil, fmt.Errorf("relay: load persona %s: %w", session.PersonaID, err)
	}
	params, err := s.personas.GenerationParameters(ctx, session.PersonaID)
	if err != nil {
		return nil, &ConfigurationError{Field: "persona.parameters", Err: err}
	}
	functions, err := s.personas.RegisteredFunctions(ctx, session.PersonaID)
	if err != nil {
		return nil, &ConfigurationError{Field: "persona.functions", Err: err}
	}

	user := chat.Message{Role: chat.RoleUser, Content: userText}
	req, err := BuildRequest(composeMessages(systemPrompt, history, user), params, functions)
	if err != nil {
		return nil, err
	}
	prov, err := s.providers.Resolve(req.Model)
	if err != nil {
		return nil, &ConfigurationError{Field: "model", Err: err}
	}
	// The worker rebinds the request to its own context before sending.
	httpReq, err := prov.NewRequest(context.Background(), req)
	if err != nil {
		return nil, &ConfigurationError{Field: "request", Err: err}
	}

	if !s.acquire(sessionID) {
		s.metrics.RecordStreamRejected("session_busy")
		return nil, ErrSessionBusy
	}

	st := newStream(sessionID, s.subscriberBuffer, s.terminalSendTimeout)
	j := &job{stream: st, provider: prov, request: httpReq, model: req.Model, user: user}

	s.notifier.Thinking(ctx, sessionID)
	if err := s.pool.Submit(func(poolCtx context.Context) { s.run(poolCtx, j) }); err != nil {
		s.release(sessionID)
		s.notifier.Idle(ctx, sessionID)
		reason := "pool_error"
		if errors.Is(err, workerpool.ErrQueueFull) {
			reason = "queue_full"
		}
		s.metrics.RecordStreamRejected(reason)
		return nil, fmt.Errorf("relay: schedule stream: %w", err)
	}
	s.debugf("stream %s queued session=%s provider=%s model=%q messages=%d functions=%d",
		st.ID, sessionID, prov.Name(), req.Model, len(req.Messages), len(req.Functions))
	return st, nil
}

// composeMessages orders the conversation: persona system prompt, prior turns, new user turn.
func composeMessages(systemPrompt string, history []chat.Message, user chat.Message) []chat.Message {
	messages := make([]chat.Message, 0, len(history)+2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, chat.Message{Role: chat.RoleSystem, Content: systemPrompt})
	}
	messages = append(messages, history...)
	return append(messages, user)
}

func (s *Service) run(poolCtx context.Context, j *job) {
	st := j.stream
	ctx, cancel := context.WithCancel(poolCtx)
	defer cancel()
	st.bind(cancel)
	defer s.release(st.SessionID)

	start := time.Now()
	s.metrics.RecordStreamStart(j.provider.Name())
	msg, deltas, err := s.consume(ctx, j)
	elapsed := time.Since(start)

	// Terminal bookkeeping must not be cut short by the stream's own cancellation.
	finishCtx := context.WithoutCancel(ctx)
	if err != nil {
		s.failed(finishCtx, j, err, deltas, elapsed)
		return
	}
	s.completed(finishCtx, j, msg, deltas, elapsed)
}

// consume reads the upstream response line by line, folding and forwarding each
// delta in arrival order. It returns the finalized message once the transport
// closes normally.
func (s *Service) consume(ctx context.Context, j *job) (chat.Message, int, error) {
	st := j.stream
	lines, err := s.transport.Open(ctx, j.request)
	if err != nil {
		return chat.Message{}, 0, s.transportError(st, err)
	}
	defer lines.Close()

	decoder := j.provider.NewDecoder()
	acc := &Accumulator{}
	deltas := 0
	stopSeen := false
	for {
		line, err := lines.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return chat.Message{}, deltas, s.transportError(st, err)
		}
		decoded, err := decoder.Decode(line)
		if err != nil {
			var upErr *provider.UpstreamError
			if errors.As(err, &upErr) {
				return chat.Message{}, deltas, &TransportError{Err: err}
			}
			return chat.Message{}, deltas, &DecodeError{Err: err}
		}
		if decoded.Stop {
			stopSeen = true
			continue
		}
		if decoded.Delta == nil {
			continue
		}
		frag, ok := acc.Add(*decoded.Delta)
		if !ok {
			continue
		}
		if err := st.forward(ctx, frag); err != nil {
			return chat.Message{}, deltas, err
		}
		deltas++
	}
	s.debugf("stream %s closed mode=%s deltas=%d stop_seen=%v", st.ID, acc.Mode(), deltas, stopSeen)
	return acc.Finalize(), deltas, nil
}

func (s *Service) transportError(st *Stream, err error) error {
	if st.Closed() {
		return &SubscriberError{Err: err}
	}
	var statusErr *transport.StatusError
	if errors.As(err, &statusErr) {
		return &TransportError{StatusCode: statusErr.Code, Err: err}
	}
	return &TransportError{Err: err}
}

func (s *Service) completed(ctx context.Context, j *job, msg chat.Message, deltas int, elapsed time.Duration) {
	st := j.stream
	s.notifier.Processing(ctx, st.SessionID)

	raw := []chat.Message{j.user, msg}
	processed := []chat.Message{
		s.processor.Process(st.SessionID, j.user),
		s.processor.Process(st.SessionID, msg),
	}
	if err := s.sessions.AppendMessages(ctx, st.SessionID, raw, processed); err != nil {
		s.logger.Printf("stream %s: persist messages for session %s: %v", st.ID, st.SessionID, err)
	}

	if !st.complete(msg) {
		s.terminalDropped(j, EventComplete)
	}
	s.notifier.Idle(ctx, st.SessionID)
	s.metrics.RecordStreamEnd(j.provider.Name(), "", deltas, elapsed)

	metadata := map[string]any{"deltas": deltas, "duration_ms": elapsed.Milliseconds()}
	if msg.FunctionCall != nil {
		metadata["function_call"] = msg.FunctionCall.Name
	} else {
		metadata["content_length"] = len(msg.Content)
	}
	s.emit(ctx, hooks.EventStreamCompleted, j, metadata)
	s.debugf("stream %s completed in %v", st.ID, elapsed)
}

func (s *Service) failed(ctx context.Context, j *job, err error, deltas int, elapsed time.Duration) {
	st := j.stream
	kind := ErrorKind(err)
	if !st.fail(err) {
		s.terminalDropped(j, EventError)
	}
	s.notifier.Idle(ctx, st.SessionID)
	s.metrics.RecordStreamEnd(j.provider.Name(), kind, deltas, elapsed)

	if kind == KindSubscriber {
		s.debugf("stream %s: subscriber left after %d deltas: %v", st.ID, deltas, err)
	} else {
		s.logger.Printf("stream %s failed session=%s provider=%s kind=%s: %v", st.ID, st.SessionID, j.provider.Name(), kind, err)
	}
	s.emit(ctx, hooks.EventStreamFailed, j, map[string]any{
		"kind":        kind,
		"error":       err.Error(),
		"deltas":      deltas,
		"duration_ms": elapsed.Milliseconds(),
	})
}

func (s *Service) terminalDropped(j *job, typ EventType) {
	s.metrics.RecordTerminalDropped()
	s.logger.Printf("stream %s: subscriber did not read the %s event within %v, closed without it",
		j.stream.ID, typ, s.terminalSendTimeout)
}

func (s *Service) emit(ctx context.Context, typ hooks.EventType, j *job, metadata map[string]any) {
	if s.hooks == nil {
		return
	}
	evt := hooks.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		SessionID:  j.stream.SessionID.String(),
		StreamID:   j.stream.ID.String(),
		Provider:   j.provider.Name(),
		Model:      j.model,
		Metadata:   metadata,
	}
	if err := s.hooks.Emit(ctx, evt); err != nil {
		s.logger.Printf("hook %s for stream %s: %v", typ, j.stream.ID, err)
	}
}

func (s *Service) acquire(sessionID uuid.UUID) bool {
	if !s.serialize {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[sessionID]; busy {
		return false
	}
	s.active[sessionID] = struct{}{}
	return true
}

func (s *Service) release(sessionID uuid.UUID) {
	if !s.serialize {
		return
	}
	s.mu.Lock()
	delete(s.active, sessionID)
	s.mu.Unlock()
}

func (s *Service) debugf(format string, args ...any) {
	if s.logLevel == "debug" {
		s.logger.Printf("DEBUG "+format, args...)
	}
}
