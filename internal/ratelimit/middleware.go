package ratelimit

import (
	"log"
	"net"
	"net/http"
	"strconv"
	"time"
)

// KeyFunc extracts the bucket key from a request.
type KeyFunc func(r *http.Request) string

// ClientIP keys requests by remote address without the port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware wraps an HTTP handler with rate limiting.
type Middleware struct {
	limiter   *Limiter
	key       KeyFunc
	logger    *log.Logger
	onLimited func(key string)
}

// NewMiddleware creates a rate limiting middleware. onLimited may be nil.
func NewMiddleware(limiter *Limiter, key KeyFunc, logger *log.Logger, onLimited func(key string)) *Middleware {
	if key == nil {
		key = ClientIP
	}
	return &Middleware{limiter: limiter, key: key, logger: logger, onLimited: onLimited}
}

// Wrap applies rate limiting to an HTTP handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.limiter.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := m.key(r)
		if !m.limiter.Allow(key) {
			SetHeaders(w, m.limiter, key)
			if m.logger != nil {
				m.logger.Printf("rate limit exceeded: key=%s path=%s", key, r.URL.Path)
			}
			if m.onLimited != nil {
				m.onLimited(key)
			}
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}
		SetHeaders(w, m.limiter, key)
		next.ServeHTTP(w, r)
	})
}

// SetHeaders writes the X-RateLimit-* headers for key, plus Retry-After when empty.
// See: https://datatracker.ietf.org/doc/html/draft-polli-ratelimit-headers
func SetHeaders(w http.ResponseWriter, l *Limiter, key string) {
	if !l.Enabled() {
		return
	}
	remaining := l.Remaining(key)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.Burst()))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(remaining)))
	if wait := l.RetryAfter(key); wait > 0 {
		secs := int((wait + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(wait).Unix(), 10))
	}
}
