package presence

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fenggwsx/RelayChat/internal/protocol"
	"github.com/fenggwsx/RelayChat/internal/storage"
)

// UserStore is the slice of the Directory Store presence needs.
type UserStore interface {
	GetUser(ctx context.Context, id uint) (*storage.User, error)
	SetLastSeen(ctx context.Context, id uint, lastSeen *time.Time) (*storage.User, error)
}

// Broadcaster fans events out to connected sessions.
type Broadcaster interface {
	SendToAll(event string, payload interface{}, exclude string) (int, error)
	SendToRoom(room uint, event string, payload interface{}) (int, error)
}

// Tracker maintains the online/offline projection of users.
type Tracker struct {
	store UserStore
	hub   Broadcaster
	log   *logrus.Entry
	now   func() time.Time
}

// NewTracker wires a tracker to its store and broadcaster.
func NewTracker(store UserStore, hub Broadcaster, log *logrus.Entry) *Tracker {
	return &Tracker{
		store: store,
		hub:   hub,
		log:   log,
		now:   time.Now,
	}
}

// GoOnline clears last-seen and tells every session.
func (t *Tracker) GoOnline(ctx context.Context, userID uint) (*storage.User, error) {
	return t.set(ctx, userID, nil)
}

// GoOffline stamps last-seen with the current time and tells every session.
func (t *Tracker) GoOffline(ctx context.Context, userID uint) (*storage.User, error) {
	now := t.now().UTC()
	return t.set(ctx, userID, &now)
}

// MarkOnline persists the online sentinel without broadcasting.
func (t *Tracker) MarkOnline(ctx context.Context, userID uint) (*storage.User, error) {
	return t.store.SetLastSeen(ctx, userID, nil)
}

func (t *Tracker) set(ctx context.Context, userID uint, lastSeen *time.Time) (*storage.User, error) {
	user, err := t.store.SetLastSeen(ctx, userID, lastSeen)
	if err != nil {
		return nil, err
	}
	status := protocol.StatusChanged{
		UserID:   user.ID,
		Status:   user.Online(),
		LastSeen: user.LastSeen,
	}
	if _, err := t.hub.SendToAll(protocol.EventUserStatusUpdated, status, ""); err != nil {
		return nil, err
	}
	t.log.WithFields(logrus.Fields{
		"user_id": user.ID,
		"online":  status.Status,
	}).Debug("presence changed")
	return user, nil
}

// NotifyTyping relays a typing notice to the chat room. Nothing is persisted.
func (t *Tracker) NotifyTyping(ctx context.Context, userID, chatID uint) error {
	user, err := t.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	_, err = t.hub.SendToRoom(chatID, protocol.EventTyping, protocol.TypingNotice{
		UserID:      user.ID,
		ChatID:      chatID,
		DisplayName: user.DisplayName(),
	})
	return err
}
