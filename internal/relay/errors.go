package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionBusy is returned when session serialization is enabled and the
	// session already has a stream in flight.
	ErrSessionBusy = errors.New("relay: session already has an active stream")
	// ErrEmptyContent rejects a submission with no user text.
	ErrEmptyContent = errors.New("relay: user content is empty")
)

// Error kinds carried on terminal error events.
const (
	KindConfiguration = "configuration"
	KindTransport     = "transport"
	KindDecode        = "decode"
	KindSubscriber    = "subscriber"
	KindInternal      = "internal"
)

// ConfigurationError rejects bad input before any network call is made.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("relay: invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("relay: invalid configuration %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// TransportError covers non-success statuses, connect and read failures, and the idle
// timeout. StatusCode is zero when no response was received.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("relay: transport failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("relay: transport failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports a malformed payload line.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("relay: decode failed: %v", e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

// SubscriberError reports that the subscriber went away before the stream ended.
type SubscriberError struct {
	Err error
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("relay: subscriber unavailable: %v", e.Err)
}

func (e *SubscriberError) Unwrap() error { return e.Err }

// ErrorKind maps err to the kind string used on the wire.
func ErrorKind(err error) string {
	var (
		cfgErr *ConfigurationError
		trErr  *TransportError
		decErr *DecodeError
		subErr *SubscriberError
	)
	switch {
	case errors.As(err, &cfgErr):
		return KindConfiguration
	case errors.As(err, &trErr):
		return KindTransport
	case errors.As(err, &decErr):
		return KindDecode
	case errors.As(err, &subErr):
		return KindSubscriber
	default:
		return KindInternal
	}
}
