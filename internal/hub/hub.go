package hub

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fenggwsx/RelayChat/internal/protocol"
)

// DefaultBuffer is the outbound queue depth used when none is configured.
const DefaultBuffer = 64

var ErrUnknownSession = errors.New("unknown session")

type room struct {
	mu      sync.RWMutex
	members map[string]*Session
}

// Hub is the session registry and room broadcaster. Sessions and rooms are
// guarded separately, and each room has its own lock so a busy room does not
// stall unrelated ones. Lock order is room before session.
type Hub struct {
	log    *logrus.Entry
	buffer int

	mu       sync.RWMutex
	sessions map[string]*Session

	roomsMu sync.RWMutex
	rooms   map[uint]*room
}

// New initializes an empty hub.
func New(log *logrus.Entry, buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		discard := logrus.New()
		discard.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(discard)
	}
	return &Hub{
		log:      log,
		buffer:   buffer,
		sessions: make(map[string]*Session),
		rooms:    make(map[uint]*room),
	}
}

// Register creates a session with no bound user and no subscriptions.
func (h *Hub) Register() *Session {
	s := newSession(uuid.NewString(), h.buffer)
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	return s
}

// Session looks up a registered session.
func (h *Hub) Session(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// BindUser attaches userID to the session. Rebinding replaces the user.
func (h *Hub) BindUser(id string, userID uint) error {
	s, ok := h.Session(id)
	if !ok {
		return ErrUnknownSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrUnknownSession
	}
	s.userID = userID
	s.bound = true
	return nil
}

// Join subscribes the session to roomID. It reports whether the subscription
// is new; joining twice is a no-op.
func (h *Hub) Join(id string, roomID uint) (bool, error) {
	s, ok := h.Session(id)
	if !ok {
		return false, ErrUnknownSession
	}
	for {
		r := h.room(roomID, true)
		r.mu.Lock()
		if !h.current(roomID, r) {
			// dropped between lookup and lock
			r.mu.Unlock()
			continue
		}
		joined, err := h.join(s, r, roomID)
		r.mu.Unlock()
		return joined, err
	}
}

// join requires r.mu held.
func (h *Hub) join(s *Session, r *room, roomID uint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrUnknownSession
	}
	if _, ok := s.rooms[roomID]; ok {
		return false, nil
	}
	s.rooms[roomID] = struct{}{}
	r.members[s.id] = s
	return true, nil
}

func (h *Hub) current(roomID uint, r *room) bool {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()
	return h.rooms[roomID] == r
}

// Leave unsubscribes the session from roomID. Leaving a room the session does
// not hold is a no-op.
func (h *Hub) Leave(id string, roomID uint) bool {
	s, ok := h.Session(id)
	if !ok {
		return false
	}
	r := h.room(roomID, false)
	if r == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return false
	}
	delete(s.rooms, roomID)
	delete(r.members, id)
	return true
}

// Unregister removes the session and all of its subscriptions, then closes its
// outbound queue. It returns the bound user and whether the session was live.
func (h *Hub) Unregister(id string) (uint, bool) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if !ok {
		return 0, false
	}

	userID, bound := s.UserID()
	rooms, closed := s.close()
	for _, roomID := range rooms {
		if r := h.room(roomID, false); r != nil {
			r.mu.Lock()
			delete(r.members, id)
			r.mu.Unlock()
		}
	}
	return userID, closed && bound
}

// DropRoom unsubscribes every session from roomID and forgets the room.
func (h *Hub) DropRoom(roomID uint) {
	h.roomsMu.Lock()
	r, ok := h.rooms[roomID]
	delete(h.rooms, roomID)
	h.roomsMu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.members {
		s.mu.Lock()
		delete(s.rooms, roomID)
		s.mu.Unlock()
		delete(r.members, id)
	}
}

// RoomMembers lists the sessions subscribed to roomID.
func (h *Hub) RoomMembers(roomID uint) []string {
	r := h.room(roomID, false)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SessionsForUser lists live sessions bound to userID.
func (h *Hub) SessionsForUser(userID uint) []string {
	var ids []string
	for _, s := range h.snapshot() {
		if uid, ok := s.UserID(); ok && uid == userID {
			ids = append(ids, s.id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SendToRoom delivers event to every session subscribed to roomID and returns
// the number of sessions reached. An empty room is a silent no-op.
func (h *Hub) SendToRoom(roomID uint, event string, payload interface{}) (int, error) {
	return h.SendToRoomExcept(roomID, event, payload, "")
}

// SendToRoomExcept is SendToRoom skipping the session exclude.
func (h *Hub) SendToRoomExcept(roomID uint, event string, payload interface{}, exclude string) (int, error) {
	r := h.room(roomID, false)
	if r == nil {
		return 0, nil
	}
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return 0, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	delivered := 0
	for id, s := range r.members {
		if id == exclude {
			continue
		}
		if h.deliver(s, env) {
			delivered++
		}
	}
	return delivered, nil
}

// SendToAll delivers event to every registered session except exclude.
func (h *Hub) SendToAll(event string, payload interface{}, exclude string) (int, error) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, s := range h.snapshot() {
		if s.id == exclude {
			continue
		}
		if h.deliver(s, env) {
			delivered++
		}
	}
	return delivered, nil
}

// SendToSession delivers event to one session if it is still registered.
func (h *Hub) SendToSession(id string, event string, payload interface{}) (bool, error) {
	s, ok := h.Session(id)
	if !ok {
		return false, nil
	}
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return false, err
	}
	return h.deliver(s, env), nil
}

// Close unregisters every session.
func (h *Hub) Close() {
	for _, s := range h.snapshot() {
		h.Unregister(s.id)
	}
}

func (h *Hub) deliver(s *Session, env protocol.Envelope) bool {
	if s.deliver(env) {
		return true
	}
	h.log.WithFields(logrus.Fields{
		"session": s.id,
		"event":   env.Event,
	}).Debug("dropped outbound event")
	return false
}

func (h *Hub) snapshot() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

func (h *Hub) room(roomID uint, create bool) *room {
	h.roomsMu.RLock()
	r, ok := h.rooms[roomID]
	h.roomsMu.RUnlock()
	if ok || !create {
		return r
	}

	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()
	if r, ok = h.rooms[roomID]; ok {
		return r
	}
	r = &room{members: make(map[string]*Session)}
	h.rooms[roomID] = r
	return r
}
