package httpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/tokligence-relay/internal/health"
	"github.com/tokligence/tokligence-relay/internal/metrics"
	"github.com/tokligence/tokligence-relay/internal/persona"
	"github.com/tokligence/tokligence-relay/internal/processor"
	"github.com/tokligence/tokligence-relay/internal/provider"
	"github.com/tokligence/tokligence-relay/internal/ratelimit"
	"github.com/tokligence/tokligence-relay/internal/relay"
	"github.com/tokligence/tokligence-relay/internal/statushub"
	"github.com/tokligence/tokligence-relay/internal/store"
	"github.com/tokligence/tokligence-relay/internal/store/sqlite"
	"github.com/tokligence/tokligence-relay/internal/testutil"
	"github.com/tokligence/tokligence-relay/internal/transport"
	"github.com/tokligence/tokligence-relay/internal/workerpool"
)

type fixture struct {
	api      *testutil.IPv4Server
	store    *sqlite.Store
	upstream *testutil.SSEProvider
	persona  store.Persona
	metrics  *metrics.Collector
	pool     *workerpool.Pool
	router   http.Handler
}

type fixtureOption func(*Config)

func newFixture(t *testing.T, script testutil.SSEScript, opts ...fixtureOption) *fixture {
	t.Helper()
	upstream := testutil.NewSSEProvider(script)
	upstreamSrv := testutil.NewIPv4Server(t, upstream)

	st, err := sqlite.New(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	p, err := st.SavePersona(context.Background(), store.Persona{Name: "Helper", SystemPrompt: "Be brief."})
	require.NoError(t, err)

	personas, err := persona.NewService(persona.Config{Store: st, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	openai, err := provider.NewOpenAI(provider.OpenAIConfig{APIKey: "sk-test", BaseURL: upstreamSrv.URL + "/v1"})
	require.NoError(t, err)
	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(openai))
	require.NoError(t, registry.SetFallback("openai"))

	pool := workerpool.New(workerpool.Config{Workers: 2, QueueSize: 4})
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	hub := statushub.New(statushub.Config{})
	t.Cleanup(hub.Close)
	collector := metrics.NewCollector()

	svc, err := relay.New(relay.Config{
		Sessions:  st,
		Personas:  personas,
		Processor: processor.New(nil, ""),
		Providers: registry,
		Transport: transport.NewClient(transport.Config{HTTPClient: upstreamSrv.Client()}),
		Pool:      pool,
		Notifier:  relay.NewNotifier(hub, nil),
		Metrics:   collector,
	})
	require.NoError(t, err)

	cfg := Config{
		Relay:   svc,
		Store:   st,
		Status:  hub,
		Health:  health.New(health.Config{Database: st, Pool: pool}),
		Metrics: collector,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	router := srv.Router()
	return &fixture{
		api:      testutil.NewIPv4Server(t, router),
		store:    st,
		upstream: upstream,
		persona:  p,
		metrics:  collector,
		pool:     pool,
		router:   router,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.api.URL+path, &buf)
	require.NoError(t, err)
	resp, err := f.api.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *fixture) createSession(t *testing.T) uuid.UUID {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{"persona_id": f.persona.ID.String(), "title": " Demo "})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var session struct {
		ID        uuid.UUID `json:"id"`
		PersonaID uuid.UUID `json:"persona_id"`
		Title     string    `json:"title"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&session))
	assert.Equal(t, f.persona.ID, session.PersonaID)
	assert.Equal(t, "Demo", session.Title)
	return session.ID
}

type sseFrame struct {
	event string
	data  relay.Event
}

func readFrames(t *testing.T, resp *http.Response) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var current sseFrame
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &current.data))
		case line == "":
			if current.event != "" {
				frames = append(frames, current)
			}
			current = sseFrame{}
		}
	}
	return frames
}

func TestSubmitStreamRelaysAndPersists(t *testing.T) {
	f := newFixture(t, testutil.SSEScript{Lines: []string{
		testutil.ContentChunk("Use "),
		testutil.ContentChunk("```sh\nls\n```"),
		testutil.StopChunk(),
		"data: [DONE]",
	}})
	sessionID := f.createSession(t)

	resp := f.do(t, http.MethodPost, "/api/v1/chat/stream/submit", map[string]string{"session_id": sessionID.String(), "content": "how do I list files?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"))
	assert.NotEmpty(t, resp.Header.Get("X-Relay-Stream-Id"))

	frames := readFrames(t, resp)
	require.Len(t, frames, 3)
	assert.Equal(t, "delta", frames[0].event)
	assert.Equal(t, "Use ", frames[0].data.Fragment)
	assert.Equal(t, 2, frames[1].data.Seq)
	assert.Equal(t, "complete", frames[2].event)
	require.NotNil(t, frames[2].data.Message)
	assert.Equal(t, "Use ```sh\nls\n```", frames[2].data.Message.Content)

	var raw struct {
		Messages []store.StoredMessage `json:"messages"`
	}
	resp = f.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID.String()+"/messages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	require.Len(t, raw.Messages, 2)
	assert.Equal(t, "how do I list files?", raw.Messages[0].Message.Content)

	var processed struct {
		Kind     string                `json:"kind"`
		Messages []store.StoredMessage `json:"messages"`
	}
	resp = f.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID.String()+"/messages?kind=processed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&processed))
	assert.Equal(t, "processed", processed.Kind)
	require.Len(t, processed.Messages, 2)
	assert.Equal(t, "Use <pre><code class=\"language-sh\">ls\n</code></pre>", processed.Messages[1].Message.Content)

	body := f.upstream.Requests()
	require.Len(t, body, 1)
	assert.Contains(t, string(body[0]), `"Be brief."`)
	assert.Contains(t, string(body[0]), `"gpt-4o"`)
}

func TestSubmitStreamUpstreamFailure(t *testing.T) {
	f := newFixture(t, testutil.SSEScript{Status: http.StatusUnauthorized, Body: `{"error":"bad key"}`})
	sessionID := f.createSession(t)

	resp := f.do(t, http.MethodPost, "/api/v1/chat/stream/submit", map[string]string{"session_id": sessionID.String(), "content": "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	frames := readFrames(t, resp)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0].event)
	require.NotNil(t, frames[0].data.Error)
	assert.Equal(t, relay.KindTransport, frames[0].data.Error.Kind)
}

func TestSubmitStreamRejections(t *testing.T) {
	f := newFixture(t, testutil.SSEScript{})
	sessionID := f.createSession(t)

	cases := []struct {
		name string
		body any
		want int
	}{
		{"not json", "nope", http.StatusBadRequest},
		{"bad session id", map[string]string{"session_id": "x", "content": "hi"}, http.StatusBadRequest},
		{"empty content", map[string]string{"session_id": sessionID.String(), "content": "  "}, http.StatusBadRequest},
		{"unknown session", map[string]string{"session_id": uuid.NewString(), "content": "hi"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/api/v1/chat/stream/submit", tc.body)
			assert.Equal(t, tc.want, resp.StatusCode)
			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body["error"])
		})
	}
	assert.Empty(t, f.upstream.Requests())
}

func TestSubmitStreamRateLimited(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: 0.01, Burst: 1})
	t.Cleanup(func() { _ = limiter.Close() })
	f := newFixture(t, testutil.SSEScript{}, func(cfg *Config) { cfg.SubmitLimiter = limiter })
	sessionID := uuid.New()
	body := map[string]string{"session_id": sessionID.String(), "content": "hi"}

	first := f.do(t, http.MethodPost, "/api/v1/chat/stream/submit", body)
	assert.Equal(t, http.StatusNotFound, first.StatusCode)
	assert.Equal(t, "1", first.Header.Get("X-RateLimit-Limit"))

	second := f.do(t, http.MethodPost, "/api/v1/chat/stream/submit", body)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.NotEmpty(t, second.Header.Get("Retry-After"))

	other := f.do(t, http.MethodPost, "/api/v1/chat/stream/submit", map[string]string{"session_id": uuid.NewString(), "content": "hi"})
	assert.Equal(t, http.StatusNotFound, other.StatusCode)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(f.metrics.RateLimitHits))
}

func TestClientDisconnectCancelsUpstream(t *testing.T) {
	f := newFixture(t, testutil.SSEScript{Lines: []string{testutil.ContentChunk("first")}, Hold: true})
	sessionID := f.createSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	payload, _ := json.Marshal(map[string]string{"session_id": sessionID.String(), "content": "hi"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.api.URL+"/api/v1/chat/stream/submit", bytes.NewReader(payload))
	require.NoError(t, err)
	resp, err := f.api.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	for !strings.HasPrefix(line, "data: ") {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
	}
	assert.Contains(t, line, `"fragment":"first"`)

	cancel()
	select {
	case <-f.upstream.Done:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream request was not cancelled after client disconnect")
	}
}

func TestShutdownFailsOpenStreams(t *testing.T) {
	f := newFixture(t, testutil.SSEScript{Lines: []string{testutil.ContentChunk("first")}, Hold: true})
	sessionID := f.createSession(t)

	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: tcp4 loopback unavailable (%v)", err)
	}
	srv := &http.Server{Handler: f.router}
	go func() { _ = srv.Serve(l) }()

	payload, _ := json.Marshal(map[string]string{"session_id": sessionID.String(), "content": "hi"})
	client := &http.Client{Transport: &http.Transport{}}
	resp, err := client.Post("http://"+l.Addr().String()+"/api/v1/chat/stream/submit", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			assert.Contains(t, line, `"fragment":"first"`)
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, Shutdown(ctx, srv, f.pool))
	assert.Less(t, time.Since(start), 2*time.Second, "open streams must not hold shutdown until the deadline")

	rest, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Contains(t, string(rest), "event: error")
	assert.Contains(t, string(rest), `"kind":"transport"`)
}

type stubSubmitter struct{ err error }

func (s stubSubmitter) SubmitStream(context.Context, uuid.UUID, string) (*relay.Stream, error) {
	return nil, s.err
}

func TestSubmitErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&relay.ConfigurationError{Field: "model", Err: fmt.Errorf("no provider")}, http.StatusBadRequest},
		{fmt.Errorf("relay: load session: %w", store.ErrNotFound), http.StatusNotFound},
		{relay.ErrSessionBusy, http.StatusConflict},
		{fmt.Errorf("relay: schedule stream: %w", workerpool.ErrQueueFull), http.StatusServiceUnavailable},
		{fmt.Errorf("relay: schedule stream: %w", workerpool.ErrClosed), http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		srv, err := New(Config{Relay: stubSubmitter{err: tc.err}, Store: &sqlite.Store{}})
		require.NoError(t, err)
		rec := httptest.NewRecorder()
		body := strings.NewReader(fmt.Sprintf(`{"session_id":%q,"content":"hi"}`, uuid.NewString()))
		srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream/submit", body))
		assert.Equal(t, tc.want, rec.Code, "error %v", tc.err)
	}
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t, testutil.SSEScript{})
	sessionID := f.createSession(t)

	resp := f.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID.String(), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cases := []struct {
		name, method, path string
		body               any
		want               int
	}{
		{"unknown persona", http.MethodPost, "/api/v1/sessions", map[string]string{"persona_id": uuid.NewString()}, http.StatusNotFound},
		{"bad persona id", http.MethodPost, "/api/v1/sessions", map[string]string{"persona_id": "x"}, http.StatusBadRequest},
		{"unknown session", http.MethodGet, "/api/v1/sessions/" + uuid.NewString(), nil, http.StatusNotFound},
		{"bad session id", http.MethodGet, "/api/v1/sessions/nope", nil, http.StatusBadRequest},
		{"bad kind", http.MethodGet, "/api/v1/sessions/" + sessionID.String() + "/messages?kind=html", nil, http.StatusBadRequest},
		{"messages of unknown session", http.MethodGet, "/api/v1/sessions/" + uuid.NewString() + "/messages", nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, f.do(t, tc.method, tc.path, tc.body).StatusCode)
		})
	}

	var empty struct {
		Messages []store.StoredMessage `json:"messages"`
	}
	resp = f.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID.String()+"/messages", nil)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&empty))
	assert.NotNil(t, empty.Messages)
	assert.Empty(t, empty.Messages)
}

func TestPersonaEndpoints(t *testing.T) {
	f := newFixture(t, testutil.SSEScript{})

	var list struct {
		Personas []store.Persona `json:"personas"`
	}
	resp := f.do(t, http.MethodGet, "/api/v1/personas", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Personas, 1)
	assert.Equal(t, "Helper", list.Personas[0].Name)

	var got store.Persona
	resp = f.do(t, http.MethodGet, "/api/v1/personas/"+f.persona.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "Be brief.", got.SystemPrompt)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/personas/"+uuid.NewString(), nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/personas/x", nil).StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, testutil.SSEScript{})

	var status health.HealthStatus
	resp := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.NotEqual(t, health.StatusUnhealthy, status.Status)
	assert.Len(t, status.Components, 2)

	resp = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sb strings.Builder
	_, _ = bufio.NewReader(resp.Body).WriteTo(&sb)
	assert.Contains(t, sb.String(), "relay_uptime_seconds")
	assert.Contains(t, sb.String(), `relay_requests_total{endpoint="GET /health"} 1`)
}

func TestAPIRateLimitByClient(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: 0.01, Burst: 2})
	t.Cleanup(func() { _ = limiter.Close() })
	f := newFixture(t, testutil.SSEScript{}, func(cfg *Config) { cfg.APILimiter = limiter })

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/personas", nil).StatusCode)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/personas", nil).StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodGet, "/api/v1/personas", nil).StatusCode)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil).StatusCode)
}
