package hub

import (
	"sort"
	"sync"

	"github.com/fenggwsx/RelayChat/internal/protocol"
)

// Session tracks per-connection state and outbound delivery.
type Session struct {
	id     string
	out    chan protocol.Envelope
	mu     sync.Mutex
	userID uint
	bound  bool
	rooms  map[uint]struct{}
	closed bool
}

func newSession(id string, buffer int) *Session {
	return &Session{
		id:    id,
		out:   make(chan protocol.Envelope, buffer),
		rooms: make(map[uint]struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Outbound yields envelopes queued for this session. It is closed on unregister.
func (s *Session) Outbound() <-chan protocol.Envelope {
	return s.out
}

// UserID returns the bound user, if any.
func (s *Session) UserID() (uint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.bound
}

// Rooms lists subscribed rooms in ascending order.
func (s *Session) Rooms() []uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]uint, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

// InRoom reports whether the session is subscribed to room.
func (s *Session) InRoom(room uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[room]
	return ok
}

// deliver queues env without blocking. It reports false when the session is
// closed or its buffer is full.
func (s *Session) deliver(env protocol.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- env:
		return true
	default:
		return false
	}
}

// close marks the session closed and returns the rooms it was subscribed to.
func (s *Session) close() ([]uint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.closed = true
	rooms := make([]uint, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	s.rooms = make(map[uint]struct{})
	close(s.out)
	return rooms, true
}
