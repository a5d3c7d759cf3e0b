// Package statushub fans session status updates out to websocket watchers.
package statushub

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Frame is the JSON message written to watchers.
type Frame struct {
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	At        time.Time `json:"at"`
}

// Config tunes a Hub.
type Config struct {
	// Buffer is the per-watcher queue; frames beyond it are dropped.
	Buffer       int
	WriteTimeout time.Duration
	PingInterval time.Duration
	// AllowedOrigins restricts the Origin header; empty allows any.
	AllowedOrigins []string
	Logger         *log.Logger
}

// Hub tracks websocket watchers per session.
type Hub struct {
	upgrader     websocket.Upgrader
	buffer       int
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *log.Logger

	mu     sync.RWMutex
	subs   map[uuid.UUID]map[*watcher]struct{}
	closed bool
}

type watcher struct {
	conn *websocket.Conn
	send chan Frame
	done chan struct{}
	once sync.Once
}

func (w *watcher) stop() {
	w.once.Do(func() {
		close(w.done)
		_ = w.conn.Close()
	})
}

// New builds a Hub with defaults: 16 buffered frames, 5s writes, 30s pings.
func New(cfg Config) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 16
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	h := &Hub{
		buffer:       cfg.Buffer,
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		logger:       cfg.Logger,
		subs:         make(map[uuid.UUID]map[*watcher]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// PublishStatus queues status for every watcher of sessionID. Slow watchers
// lose the frame rather than blocking the caller.
func (h *Hub) PublishStatus(ctx context.Context, sessionID uuid.UUID, status string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame := Frame{SessionID: sessionID.String(), Status: status, At: time.Now().UTC()}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return errors.New("statushub: closed")
	}
	dropped := 0
	for w := range h.subs[sessionID] {
		select {
		case w.send <- frame:
		case <-w.done:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Printf("session %s: dropped status %q for %d slow watcher(s)", sessionID, status, dropped)
	}
	return nil
}

// Watchers reports how many connections watch sessionID.
func (h *Hub) Watchers(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// ServeHTTP upgrades the request and streams frames for ?session_id= until the
// client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.URL.Query().Get("session_id"))
	if err != nil {
		http.Error(w, `{"error":"session_id must be a uuid"}`, http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied.
		h.logger.Printf("websocket upgrade failed: %v", err)
		return
	}
	wt := &watcher{conn: conn, send: make(chan Frame, h.buffer), done: make(chan struct{})}
	if !h.add(sessionID, wt) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(h.writeTimeout))
		wt.stop()
		return
	}
	go h.writeLoop(wt)
	h.readLoop(wt)
	h.remove(sessionID, wt)
}

func (h *Hub) add(sessionID uuid.UUID, wt *watcher) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*watcher]struct{})
		h.subs[sessionID] = set
	}
	set[wt] = struct{}{}
	return true
}

func (h *Hub) remove(sessionID uuid.UUID, wt *watcher) {
	wt.stop()
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sessionID]
	delete(set, wt)
	if len(set) == 0 {
		delete(h.subs, sessionID)
	}
}

// readLoop drains client frames so control messages are processed; it returns
// when the connection fails or closes.
func (h *Hub) readLoop(wt *watcher) {
	wait := 2 * h.pingInterval
	_ = wt.conn.SetReadDeadline(time.Now().Add(wait))
	wt.conn.SetPongHandler(func(string) error {
		return wt.conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		if _, _, err := wt.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(wt *watcher) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	defer wt.stop()
	for {
		select {
		case <-wt.done:
			return
		case frame := <-wt.send:
			_ = wt.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := wt.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := wt.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}

// Close disconnects every watcher and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*watcher
	for _, set := range h.subs {
		for wt := range set {
			all = append(all, wt)
		}
	}
	h.mu.Unlock()
	deadline := time.Now().Add(h.writeTimeout)
	for _, wt := range all {
		_ = wt.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline)
		wt.stop()
	}
}
