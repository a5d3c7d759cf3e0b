// Package transport executes outbound streaming HTTP calls and exposes the
// response body as an ordered sequence of raw lines.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrIdleTimeout is returned by LineStream.Next when no line arrived within the
// configured idle window.
var ErrIdleTimeout = errors.New("transport: idle timeout between lines")

const maxLineSize = 1 << 20

// Config controls the shared HTTP client.
type Config struct {
	// IdleTimeout caps the wait between two successive lines; zero disables it.
	IdleTimeout time.Duration
	// ConnectTimeout bounds dialing and TLS handshakes.
	ConnectTimeout time.Duration
	// ResponseHeaderTimeout bounds the wait for the status line after the request is written.
	ResponseHeaderTimeout time.Duration
	MaxIdleConnsPerHost   int
	// HTTPClient overrides the client built from the fields above.
	HTTPClient *http.Client
}

// Client opens streaming requests. It is safe for concurrent use by many streams.
type Client struct {
	http        *http.Client
	idleTimeout time.Duration
}

// NewClient builds a Client. No overall request timeout is set because a stream
// may legitimately run for minutes; the idle cap replaces it.
func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		connect := cfg.ConnectTimeout
		if connect <= 0 {
			connect = 10 * time.Second
		}
		perHost := cfg.MaxIdleConnsPerHost
		if perHost <= 0 {
			perHost = 10
		}
		dialer := &net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}
		hc = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           dialer.DialContext,
				TLSHandshakeTimeout:   connect,
				ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   perHost,
				IdleConnTimeout:       120 * time.Second,
				ForceAttemptHTTP2:     true,
			},
		}
	}
	return &Client{http: hc, idleTimeout: cfg.IdleTimeout}
}

// IdleTimeout returns the configured idle cap.
func (c *Client) IdleTimeout() time.Duration { return c.idleTimeout }

// StatusError reports a non-success HTTP status. No lines are read from such a response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("transport: upstream status %d", e.Code)
	}
	return fmt.Sprintf("transport: upstream status %d: %s", e.Code, e.Body)
}

// Open executes req and returns its body as a LineStream. Cancelling ctx, or calling
// Close on the returned stream, aborts the in-flight read.
func (c *Client) Open(ctx context.Context, req *http.Request) (*LineStream, error) {
	if req == nil {
		return nil, errors.New("transport: nil request")
	}
	streamCtx, cancel := context.WithCancel(ctx)
	resp, err := c.http.Do(req.WithContext(streamCtx))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport: %s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(preview))}
	}

	s := &LineStream{
		ctx:    streamCtx,
		cancel: cancel,
		body:   resp.Body,
		idle:   c.idleTimeout,
		lines:  make(chan string),
		errc:   make(chan error, 1),
	}
	go s.read()
	return s, nil
}

// LineStream yields the lines of a streaming response in arrival order.
// Next must be called from a single goroutine; Close may be called from any.
type LineStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
	idle   time.Duration

	lines chan string
	errc  chan error
	err   error

	closeOnce sync.Once
}

func (s *LineStream) read() {
	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		select {
		case s.lines <- scanner.Text():
		case <-s.ctx.Done():
			s.errc <- s.ctx.Err()
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.errc <- err
		return
	}
	s.errc <- io.EOF
}

// Next returns the next raw line. It returns io.EOF when the upstream closed the
// connection normally, ErrIdleTimeout when the idle cap elapsed, and any other
// error for I/O failures or cancellation. Once an error is returned every later
// call returns it again.
func (s *LineStream) Next() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	var idle <-chan time.Time
	if s.idle > 0 {
		timer := time.NewTimer(s.idle)
		defer timer.Stop()
		idle = timer.C
	}
	select {
	case line := <-s.lines:
		return line, nil
	case err := <-s.errc:
		// Prefer the cancellation cause over the read error it produced.
		if ctxErr := s.ctx.Err(); ctxErr != nil && err != io.EOF {
			err = ctxErr
		}
		s.err = err
	case <-idle:
		s.err = ErrIdleTimeout
		s.Close()
	case <-s.ctx.Done():
		s.err = s.ctx.Err()
	}
	return "", s.err
}

// Close cancels the request and releases the body. It is safe to call repeatedly.
func (s *LineStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}
