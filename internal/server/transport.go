package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fenggwsx/RelayChat/internal/config"
	"github.com/fenggwsx/RelayChat/internal/protocol"
)

// transport moves envelopes over one client connection. Reads and writes may
// run concurrently with each other but not with themselves.
type transport interface {
	Read(ctx context.Context) (protocol.Envelope, error)
	Write(ctx context.Context, env protocol.Envelope) error
	Close() error
	RemoteAddr() string
	Kind() string
}

type tcpTransport struct {
	conn         net.Conn
	encoder      *protocol.Encoder
	decoder      *protocol.Decoder
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func newTCPTransport(conn net.Conn, cfg config.ServerConfig) *tcpTransport {
	return &tcpTransport{
		conn:         conn,
		encoder:      protocol.NewEncoder(conn, cfg.MaxFrameBytes),
		decoder:      protocol.NewDecoder(conn, cfg.MaxFrameBytes),
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
}

func (t *tcpTransport) Read(ctx context.Context) (protocol.Envelope, error) {
	if t.readTimeout > 0 {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
			return protocol.Envelope{}, err
		}
	}
	return t.decoder.Decode(ctx)
}

func (t *tcpTransport) Write(ctx context.Context, env protocol.Envelope) error {
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	return t.encoder.Encode(ctx, env)
}

func (t *tcpTransport) Close() error { return t.conn.Close() }

func (t *tcpTransport) RemoteAddr() string {
	if addr := t.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (t *tcpTransport) Kind() string { return "tcp" }

// wsTransport carries one JSON envelope per text message.
type wsTransport struct {
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func newWSTransport(conn *websocket.Conn, cfg config.ServerConfig) *wsTransport {
	limit := cfg.MaxFrameBytes
	if limit <= 0 {
		limit = protocol.DefaultMaxFrameBytes
	}
	conn.SetReadLimit(int64(limit))
	return &wsTransport{conn: conn, readTimeout: cfg.ReadTimeout, writeTimeout: cfg.WriteTimeout}
}

func (t *wsTransport) Read(ctx context.Context) (protocol.Envelope, error) {
	var env protocol.Envelope
	if err := ctx.Err(); err != nil {
		return env, err
	}
	if t.readTimeout > 0 {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
			return env, err
		}
	}
	kind, data, err := t.conn.ReadMessage()
	if err != nil {
		return env, err
	}
	if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
		return env, fmt.Errorf("unsupported websocket message type %d", kind)
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, err
	}
	return env, nil
}

func (t *wsTransport) Write(ctx context.Context, env protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	return t.conn.WriteJSON(env)
}

func (t *wsTransport) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

func (t *wsTransport) Kind() string { return "websocket" }
