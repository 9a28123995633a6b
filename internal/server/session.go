package server

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/fenggwsx/RelayChat/internal/chat"
	"github.com/fenggwsx/RelayChat/internal/hub"
)

// serve runs one connection: a write loop drains the session's outbound queue
// while inbound events are dispatched one at a time in arrival order.
func (a *App) serve(parent context.Context, t transport) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sess := a.hub.Register()
	log := a.log.WithFields(logrus.Fields{
		"session":   sess.ID(),
		"remote":    t.RemoteAddr(),
		"transport": t.Kind(),
	})
	log.Info("session opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := writeLoop(ctx, t, sess); err != nil && !isClosedConn(err) {
			log.WithError(err).Warn("write failed")
		}
		cancel()
		_ = t.Close()
	}()

	limiter := a.newLimiter()
	for {
		env, err := t.Read(ctx)
		if err != nil {
			if !isClosedConn(err) {
				log.WithError(err).Warn("read failed")
			}
			break
		}
		if !limiter.Allow() {
			a.coord.ReportError(sess.ID(), env.Event, chat.ErrThrottled)
			continue
		}
		a.coord.Dispatch(ctx, sess, env)
	}

	a.coord.Disconnect(context.Background(), sess.ID())
	<-writerDone
	log.Info("session closed")
}

// writeLoop returns nil once the session's queue is closed and drained.
func writeLoop(ctx context.Context, t transport, sess *hub.Session) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-sess.Outbound():
			if !ok {
				return nil
			}
			if err := t.Write(ctx, env); err != nil {
				return err
			}
		}
	}
}

func isClosedConn(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
