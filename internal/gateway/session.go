package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultInitialBackoff   = time.Second
	defaultMaxBackoff       = 30 * time.Second
	defaultHandshakeTimeout = 30 * time.Second
	defaultQueueSize        = 256

	// drainTimeout bounds handling of queued frames once the session is stopped.
	drainTimeout = 5 * time.Second
)

// Config configures a Session.
type Config struct {
	Name             string // platform name, used in logs
	Protocol         Protocol
	Logger           *slog.Logger
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	MaxAttempts      int // consecutive failed connects before giving up, 0 = never
	HandshakeTimeout time.Duration
	QueueSize        int
	OnState          func(State)
}

// Session owns at most one live connection for a protocol and keeps it
// alive until stopped. A single run goroutine performs every connect, so
// reconnects never overlap.
type Session struct {
	name             string
	proto            Protocol
	logger           *slog.Logger
	initialBackoff   time.Duration
	maxBackoff       time.Duration
	maxAttempts      int
	handshakeTimeout time.Duration
	queueSize        int
	onState          func(State)

	state atomic.Int32

	writeMu sync.Mutex
	conn    Conn // guarded by writeMu

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession creates a session. Nothing is dialed until Start.
func NewSession(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Session{
		name:             cfg.Name,
		proto:            cfg.Protocol,
		logger:           cfg.Logger.With("component", "gateway", "platform", cfg.Name),
		initialBackoff:   cfg.InitialBackoff,
		maxBackoff:       cfg.MaxBackoff,
		maxAttempts:      cfg.MaxAttempts,
		handshakeTimeout: cfg.HandshakeTimeout,
		queueSize:        cfg.QueueSize,
		onState:          cfg.OnState,
	}
}

// Start launches the run goroutine. It returns immediately.
func (s *Session) Start(ctx context.Context) error {
	if s.proto == nil {
		return errors.New("gateway: session has no protocol")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("gateway: %s session already started", s.name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx)
	return nil
}

// Stop cancels the session. Use Join to wait for it to wind down.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Join blocks until the run goroutine and all its workers have exited.
func (s *Session) Join() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Write sends a frame on the live connection. All writers share one mutex.
func (s *Session) Write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	if err := s.conn.WriteFrame(data); err != nil {
		return fmt.Errorf("%w: write: %w", ErrConnection, err)
	}
	return nil
}

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old == st {
		return
	}
	s.logger.Debug("state changed", "from", old.String(), "to", st.String())
	if s.onState != nil {
		s.onState(st)
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.setState(Disconnected)

	policy := s.reconnectPolicy()
	failures := 0
	for {
		ready, err := s.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if ready {
			policy.Reset()
			failures = 0
		} else {
			failures++
		}
		if s.maxAttempts > 0 && failures >= s.maxAttempts {
			s.logger.Error("giving up on connection", "attempts", failures, "err", err)
			return
		}

		s.setState(Reconnecting)
		wait := min(policy.NextBackOff(), s.maxBackoff)
		s.logger.Warn("connection lost, reconnecting", "err", err, "backoff", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// reconnectPolicy doubles the wait from initialBackoff up to maxBackoff,
// each wait spread by half either way.
func (s *Session) reconnectPolicy() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.initialBackoff,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         s.maxBackoff,
	}
	b.Reset()
	return b
}

// connect runs one connection from dial to teardown. ready reports whether
// the connection reached Ready before it ended.
func (s *Session) connect(ctx context.Context) (ready bool, err error) {
	s.setState(Connecting)
	conn, err := s.proto.Dial(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: dial: %w", ErrConnection, err)
	}

	connCtx, cancel := context.WithCancelCause(ctx)
	stopCloser := context.AfterFunc(connCtx, func() { conn.Close() })
	defer stopCloser()

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()

	defer func() {
		cancel(nil)
		conn.Close()
		s.writeMu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.writeMu.Unlock()
		if n, ok := s.proto.(CloseNotifier); ok {
			n.OnClose(err)
		}
	}()

	var hs Handshake
	var first []byte
	if h, ok := s.proto.(Handshaker); ok {
		s.setState(AwaitingHandshake)
		first, err = s.readHandshake(conn)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, err
		}
		hs, err = h.Handshake(ctx, first)
		if err != nil {
			return false, fmt.Errorf("handshake: %w", err)
		}
		if hs.Identify != nil {
			if err = s.Write(hs.Identify); err != nil {
				return false, err
			}
		}
	}

	s.setState(Ready)
	s.logger.Info("connection ready")

	queue := make(chan []byte, s.queueSize)
	if hs.Dispatch && first != nil {
		forward, err := s.intercept(first)
		if err != nil {
			return true, err
		}
		if forward {
			queue <- first
		}
	}

	fail := func(e error) { cancel(e) }

	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		s.readLoop(connCtx, conn, queue, fail)
	}()
	if hb, ok := s.proto.(Heartbeater); ok && hs.Interval > 0 {
		workers.Add(1)
		go func() {
			defer workers.Done()
			s.heartbeatLoop(connCtx, hb, hs.Interval, fail)
		}()
	}
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		s.dispatchLoop(ctx, queue, fail)
	}()

	<-connCtx.Done()
	conn.Close()
	workers.Wait()
	// Frames already read are handled before the next connection starts.
	close(queue)
	<-dispatched

	if ctx.Err() != nil {
		return true, ctx.Err()
	}
	return true, context.Cause(connCtx)
}

func (s *Session) readHandshake(conn Conn) ([]byte, error) {
	var timedOut atomic.Bool
	timer := time.AfterFunc(s.handshakeTimeout, func() {
		timedOut.Store(true)
		conn.Close()
	})
	frame, err := conn.ReadFrame()
	timer.Stop()
	if timedOut.Load() {
		return nil, fmt.Errorf("%w: no handshake within %s", ErrConnection, s.handshakeTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read: %w", ErrConnection, err)
	}
	return frame, nil
}

func (s *Session) readLoop(ctx context.Context, conn Conn, queue chan<- []byte, fail func(error)) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			fail(fmt.Errorf("%w: read: %w", ErrConnection, err))
			return
		}
		forward, err := s.intercept(frame)
		if err != nil {
			fail(err)
			return
		}
		if !forward {
			continue
		}
		select {
		case queue <- frame:
		case <-ctx.Done():
			return
		}
	}
}

// intercept gives an Interceptor first look at a frame and writes its reply.
// It reports whether the frame still goes to HandleFrame.
func (s *Session) intercept(frame []byte) (forward bool, err error) {
	interceptor, ok := s.proto.(Interceptor)
	if !ok {
		return true, nil
	}
	reply, consumed, err := interceptor.Intercept(frame)
	if err != nil {
		if errors.Is(err, ErrProtocol) {
			s.logger.Warn("frame dropped", "err", err)
			return false, nil
		}
		return false, err
	}
	if reply != nil {
		if err := s.Write(reply); err != nil {
			return false, err
		}
	}
	return !consumed, nil
}

func (s *Session) dispatchLoop(ctx context.Context, queue <-chan []byte, fail func(error)) {
	handleCtx := ctx
	for frame := range queue {
		if handleCtx == ctx && ctx.Err() != nil {
			// Frames read before shutdown are still handled, within drainTimeout.
			var cancel context.CancelFunc
			handleCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
			defer cancel()
		}
		err := s.proto.HandleFrame(handleCtx, frame)
		switch {
		case err == nil:
		case errors.Is(err, ErrReconnect):
			fail(err)
		default:
			s.logger.Warn("frame dropped", "err", err)
		}
	}
}

func (s *Session) heartbeatLoop(ctx context.Context, hb Heartbeater, interval time.Duration, fail func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := hb.Heartbeat()
			if err != nil {
				fail(err)
				return
			}
			if payload == nil {
				continue
			}
			if err := s.Write(payload); err != nil {
				fail(err)
				return
			}
		}
	}
}
