package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fenggwsx/RelayChat/internal/config"
	"github.com/fenggwsx/RelayChat/internal/protocol"
)

// ErrNotConnected is returned by operations on a session that never connected.
var ErrNotConnected = errors.New("client: not connected")

// ServerError is an <event>_error reply surfaced by Await.
type ServerError struct {
	Event   string
	Kind    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s failed (%s): %s", e.Event, e.Kind, e.Message)
}

// Session manages client-side socket interactions with the RelayChat server.
type Session struct {
	cfg      config.ClientConfig
	conn     net.Conn
	encoder  *protocol.Encoder
	decoder  *protocol.Decoder
	inbox    chan protocol.Envelope
	cancelFn context.CancelFunc

	writeMu sync.Mutex
	errMu   sync.Mutex
	readErr error
}

// NewSession initializes a session with configuration.
func NewSession(cfg config.ClientConfig) *Session {
	return &Session{cfg: cfg}
}

// Connect dials the server and starts reading framed envelopes.
func (s *Session) Connect(ctx context.Context) error {
	if s.cfg.ServerAddr == "" {
		return fmt.Errorf("client: empty server address")
	}
	timeout := s.cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.cfg.ServerAddr)
	if err != nil {
		return err
	}
	s.conn = conn
	s.encoder = protocol.NewEncoder(conn, s.cfg.MaxFrameBytes)
	s.decoder = protocol.NewDecoder(conn, s.cfg.MaxFrameBytes)
	s.inbox = make(chan protocol.Envelope, 128)

	readCtx, cancel := context.WithCancel(context.Background())
	s.cancelFn = cancel
	go s.readLoop(readCtx)
	return nil
}

// Close terminates the session.
func (s *Session) Close() error {
	if s.cancelFn != nil {
		s.cancelFn()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Send dispatches an envelope to the server.
func (s *Session) Send(ctx context.Context, env protocol.Envelope) error {
	if s.encoder == nil {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.encoder.Encode(ctx, env)
}

// Emit wraps payload in a fresh envelope for event and sends it. It returns
// the envelope id.
func (s *Session) Emit(ctx context.Context, event string, payload interface{}) (string, error) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return "", err
	}
	return env.ID, s.Send(ctx, env)
}

// Next returns the next envelope pushed by the server.
func (s *Session) Next(ctx context.Context) (protocol.Envelope, error) {
	if s.inbox == nil {
		return protocol.Envelope{}, ErrNotConnected
	}
	select {
	case env, ok := <-s.inbox:
		if !ok {
			return protocol.Envelope{}, s.err()
		}
		return env, nil
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

// Await skips envelopes until event or its error event arrives. The payload
// of event is decoded into dst when dst is non-nil; the error event is
// returned as a *ServerError.
func (s *Session) Await(ctx context.Context, event string, dst interface{}) (protocol.Envelope, error) {
	failure := protocol.ErrorEvent(event)
	for {
		env, err := s.Next(ctx)
		if err != nil {
			return env, err
		}
		switch env.Event {
		case event:
			if dst != nil {
				if err := env.DecodePayload(dst); err != nil {
					return env, err
				}
			}
			return env, nil
		case failure:
			var payload protocol.ErrorPayload
			if err := env.DecodePayload(&payload); err != nil {
				return env, err
			}
			return env, &ServerError{Event: event, Kind: payload.Kind, Message: payload.Error}
		}
	}
}

func (s *Session) readLoop(ctx context.Context) {
	defer close(s.inbox)
	for {
		env, err := s.decoder.Decode(ctx)
		if err != nil {
			s.errMu.Lock()
			s.readErr = err
			s.errMu.Unlock()
			return
		}
		select {
		case s.inbox <- env:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.readErr == nil {
		return net.ErrClosed
	}
	return s.readErr
}
