// Package transport carries opaque signaling frames between a peer and the
// relay.
package transport

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Send and Receive once the channel has been closed
// locally.
var ErrClosed = errors.New("channel closed")

// ErrUnsupportedFrame is returned by Receive when the remote sends a frame
// kind the channel doesn't carry (for example a binary WebSocket message).
var ErrUnsupportedFrame = errors.New("unsupported frame")

// Channel is a duplex, order-preserving frame transport.
//
// Send may be called concurrently with Receive. Receive must only be called
// from one goroutine at a time. Done is closed exactly once, when the channel
// is shut down for any reason.
type Channel interface {
	Send(frame []byte) error
	Receive() ([]byte, error)
	Close() error
	Done() <-chan struct{}
}

// SendError reports a failed write to an open channel.
type SendError struct {
	Err error
}

func (e *SendError) Error() string { return "send frame: " + e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }

// ConnectionError reports a failed dial or handshake.
type ConnectionError struct {
	URL string
	// StatusCode is the HTTP status of a rejected upgrade, or 0 when no
	// response was received.
	StatusCode int
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("connect %s: %v (status %d)", e.URL, e.Err, e.StatusCode)
	}
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
