package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/tokligence/tokligence-relay/internal/testutil"
)

func newRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func TestOpen_YieldsLinesInOrder(t *testing.T) {
	provider := testutil.NewSSEProvider(testutil.SSEScript{
		Lines: []string{"data: {\"a\":1}", "", ": keep-alive", "data: [DONE]"},
	})
	server := testutil.NewIPv4Server(t, provider)

	client := NewClient(Config{HTTPClient: server.Client()})
	stream, err := client.Open(context.Background(), newRequest(t, server.URL))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer stream.Close()

	var got []string
	for {
		line, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		got = append(got, line)
	}
	want := []string{"data: {\"a\":1}", "", ": keep-alive", "data: [DONE]"}
	if len(got) != len(want) {
		t.Fatalf("lines = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
	if _, err := stream.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("Next() after EOF = %v, want io.EOF", err)
	}
}

func TestOpen_NonSuccessStatus(t *testing.T) {
	provider := testutil.NewSSEProvider(testutil.SSEScript{Status: http.StatusUnauthorized, Body: "invalid api key"})
	server := testutil.NewIPv4Server(t, provider)

	client := NewClient(Config{HTTPClient: server.Client()})
	stream, err := client.Open(context.Background(), newRequest(t, server.URL))
	if stream != nil {
		t.Fatal("expected no stream on error status")
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if statusErr.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d", statusErr.Code)
	}
	if statusErr.Body != "invalid api key" {
		t.Fatalf("body = %q", statusErr.Body)
	}
}

func TestNext_IdleTimeout(t *testing.T) {
	provider := testutil.NewSSEProvider(testutil.SSEScript{Lines: []string{"data: {}"}, Hold: true})
	server := testutil.NewIPv4Server(t, provider)

	client := NewClient(Config{HTTPClient: server.Client(), IdleTimeout: 50 * time.Millisecond})
	stream, err := client.Open(context.Background(), newRequest(t, server.URL))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer stream.Close()

	if line, err := stream.Next(); err != nil || line != "data: {}" {
		t.Fatalf("first Next() = %q, %v", line, err)
	}
	start := time.Now()
	if _, err := stream.Next(); !errors.Is(err, ErrIdleTimeout) {
		t.Fatalf("Next() error = %v, want ErrIdleTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("idle timeout took %v", elapsed)
	}
}

func TestClose_CancelsInFlightRead(t *testing.T) {
	provider := testutil.NewSSEProvider(testutil.SSEScript{Hold: true})
	server := testutil.NewIPv4Server(t, provider)

	client := NewClient(Config{HTTPClient: server.Client()})
	stream, err := client.Open(context.Background(), newRequest(t, server.URL))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := stream.Next()
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	stream.Close()
	stream.Close()

	select {
	case err := <-errc:
		if err == nil || errors.Is(err, io.EOF) {
			t.Fatalf("Next() after Close = %v, want cancellation error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next() did not return after Close")
	}

	select {
	case <-provider.Done:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream handler still running after Close")
	}
}

func TestOpen_ContextCancel(t *testing.T) {
	provider := testutil.NewSSEProvider(testutil.SSEScript{Hold: true})
	server := testutil.NewIPv4Server(t, provider)

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(Config{HTTPClient: server.Client()})
	stream, err := client.Open(ctx, newRequest(t, server.URL))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer stream.Close()

	cancel()
	if _, err := stream.Next(); !errors.Is(err, context.Canceled) {
		t.Fatalf("Next() error = %v, want context.Canceled", err)
	}
}
