package statushub

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tokligence/tokligence-relay/internal/testutil"
)

func dial(t *testing.T, srv *testutil.IPv4Server, sessionID uuid.UUID) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?session_id=" + sessionID.String()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitWatchers(t *testing.T, h *Hub, sessionID uuid.UUID, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Watchers(sessionID) != want {
		if time.Now().After(deadline) {
			t.Fatalf("watchers = %d, want %d", h.Watchers(sessionID), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublishReachesSessionWatchers(t *testing.T) {
	hub := New(Config{})
	t.Cleanup(hub.Close)
	srv := testutil.NewIPv4Server(t, hub)

	session := uuid.New()
	other := uuid.New()
	conn := dial(t, srv, session)
	otherConn := dial(t, srv, other)
	waitWatchers(t, hub, session, 1)
	waitWatchers(t, hub, other, 1)

	ctx := context.Background()
	for _, status := range []string{"Thinking...", "Processing...", ""} {
		if err := hub.PublishStatus(ctx, session, status); err != nil {
			t.Fatalf("PublishStatus: %v", err)
		}
	}
	for _, want := range []string{"Thinking...", "Processing...", ""} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		if frame.SessionID != session.String() || frame.Status != want {
			t.Fatalf("frame = %+v, want status %q", frame, want)
		}
	}

	_ = otherConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var stray Frame
	if err := otherConn.ReadJSON(&stray); err == nil {
		t.Fatalf("other session received %+v", stray)
	}
}

func TestWatcherRemovedOnDisconnect(t *testing.T) {
	hub := New(Config{})
	t.Cleanup(hub.Close)
	srv := testutil.NewIPv4Server(t, hub)

	session := uuid.New()
	conn := dial(t, srv, session)
	waitWatchers(t, hub, session, 1)
	_ = conn.Close()
	waitWatchers(t, hub, session, 0)

	if err := hub.PublishStatus(context.Background(), session, "Thinking..."); err != nil {
		t.Fatalf("publish without watchers: %v", err)
	}
}

func TestRejectsBadSessionID(t *testing.T) {
	hub := New(Config{})
	srv := testutil.NewIPv4Server(t, hub)
	resp, err := srv.Client().Get(srv.URL + "/?session_id=nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestCloseDisconnectsWatchers(t *testing.T) {
	hub := New(Config{})
	srv := testutil.NewIPv4Server(t, hub)
	session := uuid.New()
	conn := dial(t, srv, session)
	waitWatchers(t, hub, session, 1)

	hub.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to close")
	}
	if err := hub.PublishStatus(context.Background(), session, "x"); err == nil {
		t.Fatal("expected error after Close")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New(Config{}).PublishStatus(ctx, session, "x"); err == nil {
		t.Fatal("expected context error")
	}
}
