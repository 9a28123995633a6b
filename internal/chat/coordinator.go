package chat

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/fenggwsx/RelayChat/internal/presence"
	"github.com/fenggwsx/RelayChat/internal/protocol"
	"github.com/fenggwsx/RelayChat/internal/storage"
	"github.com/fenggwsx/RelayChat/internal/updates"
)

// Hub is the session registry and room broadcaster the coordinator drives.
type Hub interface {
	BindUser(id string, userID uint) error
	Join(id string, room uint) (bool, error)
	Leave(id string, room uint) bool
	Unregister(id string) (uint, bool)
	DropRoom(room uint)
	SessionsForUser(userID uint) []string
	SendToRoom(room uint, event string, payload interface{}) (int, error)
	SendToRoomExcept(room uint, event string, payload interface{}, exclude string) (int, error)
	SendToAll(event string, payload interface{}, exclude string) (int, error)
	SendToSession(id string, event string, payload interface{}) (bool, error)
}

// TokenVerifier turns a bearer token into a user id.
type TokenVerifier interface {
	Verify(token string) (uint, error)
}

// Options tunes coordinator behavior.
type Options struct {
	// OfflineOnDisconnect marks a user offline when their last session closes.
	OfflineOnDisconnect bool
	// HistoryPreview is the page size used when load_user asks for messages.
	HistoryPreview int
}

// Coordinator validates, persists and fans out real-time chat operations.
type Coordinator struct {
	store     storage.Store
	hub       Hub
	presence  *presence.Tracker
	resolver  *Resolver
	verifier  TokenVerifier
	publisher updates.Publisher
	log       *logrus.Entry
	opts      Options
	validate  *validator.Validate
	now       func() time.Time

	chatLocks   *keyedMutex[uint]
	directLocks *keyedMutex[string]
	routes      map[string]route
}

// NewCoordinator wires a coordinator and registers every event handler.
func NewCoordinator(
	store storage.Store,
	hub Hub,
	tracker *presence.Tracker,
	verifier TokenVerifier,
	publisher updates.Publisher,
	log *logrus.Entry,
	opts Options,
) *Coordinator {
	if publisher == nil {
		publisher = updates.Noop{}
	}
	if opts.HistoryPreview <= 0 {
		opts.HistoryPreview = 50
	}
	c := &Coordinator{
		store:       store,
		hub:         hub,
		presence:    tracker,
		resolver:    NewResolver(store),
		verifier:    verifier,
		publisher:   publisher,
		log:         log.WithField("component", "coordinator"),
		opts:        opts,
		validate:    newValidator(),
		now:         time.Now,
		chatLocks:   newKeyedMutex[uint](),
		directLocks: newKeyedMutex[string](),
		routes:      make(map[string]route),
	}

	register(c, protocol.EventValidateToken, true, c.validateToken)
	register(c, protocol.EventValidateRefreshedToken, true, c.validateToken)
	register(c, protocol.EventLoadUser, false, c.loadUser)
	register(c, protocol.EventLoadChatHistory, false, c.loadChatHistory)
	register(c, protocol.EventReadChatHistory, false, c.readChatHistory)
	register(c, protocol.EventJoinRoom, false, c.joinRoom)
	register(c, protocol.EventLeaveRoom, false, c.leaveRoom)
	register(c, protocol.EventSendMessage, false, c.sendMessage)
	register(c, protocol.EventEditMessage, false, c.editMessage)
	register(c, protocol.EventDeleteMessage, false, c.deleteMessage)
	register(c, protocol.EventCreateChat, false, c.createChat)
	register(c, protocol.EventCreateGroup, false, c.createGroup)
	register(c, protocol.EventChangeGroupInfo, false, c.changeGroupInfo)
	register(c, protocol.EventLeaveGroup, false, c.leaveGroup)
	register(c, protocol.EventRemoveUserFromChat, false, c.removeUserFromChat)
	register(c, protocol.EventDeleteChat, false, c.deleteChat)
	register(c, protocol.EventGoOnline, false, c.goOnline)
	register(c, protocol.EventGoOffline, false, c.goOffline)
	register(c, protocol.EventSearchUsersByUsername, false, c.searchUsers)
	register(c, protocol.EventTyping, false, c.typing)
	register(c, protocol.EventChangeUserInfo, false, c.changeUserInfo)
	return c
}

// Disconnect tears down a session. When enabled, a user whose last session
// closed is marked offline.
func (c *Coordinator) Disconnect(ctx context.Context, sessionID string) {
	userID, live := c.hub.Unregister(sessionID)
	if !live || !c.opts.OfflineOnDisconnect {
		return
	}
	if len(c.hub.SessionsForUser(userID)) > 0 {
		return
	}
	if _, err := c.presence.GoOffline(ctx, userID); err != nil {
		c.log.WithFields(logrus.Fields{
			"session": sessionID,
			"user_id": userID,
		}).WithError(err).Warn("offline on disconnect failed")
	}
}
