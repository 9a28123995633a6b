package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/fenggwsx/RelayChat/internal/protocol"
	"github.com/fenggwsx/RelayChat/internal/updates"
)

// Target selects who receives an emitted event.
type Target int

const (
	ToCaller Target = iota
	ToRoom
	ToRoomExceptCaller
	ToAll
	ToSession
)

// Emit is one outbound event produced by a handler.
type Emit struct {
	Target  Target
	Room    uint
	Session string
	Event   string
	Payload interface{}
}

// Result is what a handler hands back to the dispatcher: events to deliver in
// order, updates to publish, and follow-ups to run after delivery.
type Result struct {
	Emits   []Emit
	Updates []updates.Update
	after   []func()
}

func (r *Result) caller(event string, payload interface{}) {
	r.Emits = append(r.Emits, Emit{Target: ToCaller, Event: event, Payload: payload})
}

func (r *Result) room(room uint, event string, payload interface{}) {
	r.Emits = append(r.Emits, Emit{Target: ToRoom, Room: room, Event: event, Payload: payload})
}

// peers sends to the room without echoing to the caller's own session.
func (r *Result) peers(room uint, event string, payload interface{}) {
	r.Emits = append(r.Emits, Emit{Target: ToRoomExceptCaller, Room: room, Event: event, Payload: payload})
}

func (r *Result) all(event string, payload interface{}) {
	r.Emits = append(r.Emits, Emit{Target: ToAll, Event: event, Payload: payload})
}

func (r *Result) publish(update updates.Update) {
	r.Updates = append(r.Updates, update)
}

func (r *Result) then(fn func()) {
	r.after = append(r.after, fn)
}

// Call describes the session an event arrived on.
type Call struct {
	Session string
	UserID  uint
	Event   string
}

// Session is the view of a live connection the dispatcher needs.
type Session interface {
	ID() string
	UserID() (uint, bool)
}

type route struct {
	public bool
	handle func(ctx context.Context, call Call, payload json.RawMessage) error
}

// register binds a typed handler to an event name. Payloads are decoded
// strictly and validated before fn runs. Requests naming an acting user must
// match the bound user, and chat-scoped requests hold that chat's lock until
// their results are delivered.
func register[T any](c *Coordinator, event string, public bool, fn func(context.Context, Call, T) (Result, error)) {
	c.routes[event] = route{
		public: public,
		handle: func(ctx context.Context, call Call, payload json.RawMessage) error {
			var req T
			if err := c.decode(payload, &req); err != nil {
				return err
			}
			if actor, ok := any(req).(protocol.ActorScoped); ok && !public && actor.ActorID() != call.UserID {
				return fmt.Errorf("%w: user %d cannot act as user %d", ErrAuthFailure, call.UserID, actor.ActorID())
			}
			if scoped, ok := any(req).(protocol.ChatScoped); ok {
				unlock := c.chatLocks.Lock(scoped.ChatKey())
				defer unlock()
			}
			res, err := fn(ctx, call, req)
			if err != nil {
				return err
			}
			c.deliver(ctx, call, res)
			return nil
		},
	}
}

// Events lists the registered inbound event names.
func (c *Coordinator) Events() []string {
	names := make([]string, 0, len(c.routes))
	for name := range c.routes {
		names = append(names, name)
	}
	return names
}

// Dispatch runs one inbound event to completion. Any failure, including a
// panic, is reported to the calling session as <event>_error.
func (c *Coordinator) Dispatch(ctx context.Context, sess Session, env protocol.Envelope) {
	if err := c.dispatch(ctx, sess, env); err != nil {
		c.ReportError(sess.ID(), env.Event, err)
	}
}

func (c *Coordinator) dispatch(ctx context.Context, sess Session, env protocol.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithFields(logrus.Fields{
				"session": sess.ID(),
				"event":   env.Event,
				"panic":   r,
			}).Error("handler panic\n" + string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrInternal, r)
		}
	}()

	rt, ok := c.routes[env.Event]
	if !ok {
		return fmt.Errorf("%w: unknown event %q", ErrInvalidInput, env.Event)
	}
	userID, bound := sess.UserID()
	if !rt.public && !bound {
		return fmt.Errorf("%w: session is not authenticated", ErrAuthFailure)
	}

	c.log.WithFields(logrus.Fields{
		"session": sess.ID(),
		"event":   env.Event,
		"user_id": userID,
	}).Debug("dispatching event")

	return rt.handle(ctx, Call{Session: sess.ID(), UserID: userID, Event: env.Event}, env.Payload)
}

// ReportError sends <event>_error to one session and logs the failure.
func (c *Coordinator) ReportError(sessionID, event string, err error) {
	kind := KindOf(err)
	entry := c.log.WithFields(logrus.Fields{
		"session": sessionID,
		"event":   event,
		"kind":    kind,
	}).WithError(err)
	switch kind {
	case KindStoreFailure, KindInternal:
		entry.Error("event failed")
	default:
		entry.Warn("event rejected")
	}

	payload := protocol.ErrorPayload{Error: publicMessage(err), Kind: kind}
	if _, sendErr := c.hub.SendToSession(sessionID, protocol.ErrorEvent(event), payload); sendErr != nil {
		entry.WithField("send_error", sendErr).Error("error event not delivered")
	}
}

func (c *Coordinator) deliver(ctx context.Context, call Call, res Result) {
	for _, e := range res.Emits {
		var err error
		switch e.Target {
		case ToCaller:
			_, err = c.hub.SendToSession(call.Session, e.Event, e.Payload)
		case ToSession:
			_, err = c.hub.SendToSession(e.Session, e.Event, e.Payload)
		case ToRoom:
			_, err = c.hub.SendToRoom(e.Room, e.Event, e.Payload)
		case ToRoomExceptCaller:
			_, err = c.hub.SendToRoomExcept(e.Room, e.Event, e.Payload, call.Session)
		case ToAll:
			_, err = c.hub.SendToAll(e.Event, e.Payload, "")
		}
		if err != nil {
			c.log.WithFields(logrus.Fields{
				"session": call.Session,
				"event":   e.Event,
			}).WithError(err).Error("emit failed")
		}
	}
	for _, u := range res.Updates {
		if err := c.publisher.Publish(ctx, u); err != nil {
			c.log.WithFields(logrus.Fields{
				"chat_id": u.ChatID,
				"update":  u.Kind,
			}).WithError(err).Warn("update not published")
		}
	}
	for _, fn := range res.after {
		fn()
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (c *Coordinator) decode(payload json.RawMessage, dst interface{}) error {
	raw := bytes.TrimSpace(payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after payload", ErrInvalidInput)
	}
	if err := c.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
