package transport

import (
	"errors"
	"fmt"
)

var (
	ErrTransport      = errors.New("transport: publish failed")
	ErrBreakerOpen    = errors.New("transport: circuit breaker open")
	ErrConnectionLost = errors.New("transport: connection lost")
	ErrNotConnected   = errors.New("transport: not connected")
	ErrClosed         = errors.New("transport: connector closed")
	ErrPublishTimeout = errors.New("transport: publish attempt timed out")
	ErrBrokerRequired = errors.New("transport: broker required")
)

// TransportError reports a publish that exhausted its attempts or was
// refused by an open breaker.
type TransportError struct {
	Topic    string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: publish topic=%s attempts=%d: %v", e.Topic, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}
