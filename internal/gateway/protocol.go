// Package gateway implements the connection lifecycle shared by every
// platform adapter: dial, handshake, heartbeat, ordered dispatch and
// reconnect with backoff. Platforms plug in through Protocol.
package gateway

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConnection marks transport failures. The session reconnects.
	ErrConnection = errors.New("connection error")
	// ErrProtocol marks malformed or unexpected frames. The frame is dropped.
	ErrProtocol = errors.New("protocol error")
	// ErrReconnect is returned by protocol hooks to force a reconnect.
	ErrReconnect = errors.New("reconnect requested")
	// ErrNotConnected is returned by Write when no connection is live.
	ErrNotConnected = errors.New("not connected")
)

// Conn is a framed, bidirectional transport. ReadFrame blocks until a frame
// arrives or the connection is closed. Close must unblock a pending ReadFrame
// and be safe to call more than once.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// Protocol is the per-platform half of a session.
type Protocol interface {
	Dial(ctx context.Context) (Conn, error)
	// HandleFrame runs on the dispatcher goroutine, one frame at a time in
	// arrival order.
	HandleFrame(ctx context.Context, frame []byte) error
}

// Handshake is the result of the platform greeting.
type Handshake struct {
	// Interval enables the heartbeat task when positive.
	Interval time.Duration
	// Identify is written once right after the greeting when non-nil.
	Identify []byte
	// Dispatch passes the greeting frame on to HandleFrame as well.
	Dispatch bool
}

// Handshaker is implemented by protocols whose server speaks first.
type Handshaker interface {
	Handshake(ctx context.Context, first []byte) (Handshake, error)
}

// Heartbeater produces the periodic keepalive frame. Returning ErrReconnect
// (e.g. the previous beat was never acknowledged) tears the connection down.
type Heartbeater interface {
	Heartbeat() ([]byte, error)
}

// Interceptor sees every frame on the reader goroutine before it is queued.
// reply is written immediately when non-nil. consumed frames are not
// dispatched.
type Interceptor interface {
	Intercept(frame []byte) (reply []byte, consumed bool, err error)
}

// CloseNotifier is told when a connection ends, before any backoff.
type CloseNotifier interface {
	OnClose(err error)
}
