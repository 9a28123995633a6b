package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrConflict        = errors.New("record conflicts with existing data")
	ErrStoreFailure    = errors.New("store failure")
	ErrInvalidArgument = errors.New("invalid argument")
)

// User represents a persisted account record. A nil LastSeen means online.
type User struct {
	ID               uint
	Username         string
	Name             string
	Surname          string
	ProfilePhotoLink string
	LastSeen         *time.Time
	Password         string
	CreatedAt        time.Time
}

// Online reports whether the user carries the online sentinel.
func (u User) Online() bool {
	return u.LastSeen == nil
}

// DisplayName joins name and surname, falling back to the username.
func (u User) DisplayName() string {
	switch {
	case u.Name != "" && u.Surname != "":
		return u.Name + " " + u.Surname
	case u.Name != "":
		return u.Name
	default:
		return u.Username
	}
}

// UserUpdate carries a partial profile change; empty fields are left untouched.
type UserUpdate struct {
	Username         string
	Name             string
	Surname          string
	ProfilePhotoLink string
	Password         string
}

// Chat is a direct chat or a group together with its members.
type Chat struct {
	ID            uint
	Name          string
	AdminID       *uint
	ChatPhotoLink string
	IsGroup       bool
	CreatedAt     time.Time
	Members       []User
}

// MemberIDs returns the ids of the chat's members in ascending order.
func (c Chat) MemberIDs() []uint {
	ids := make([]uint, 0, len(c.Members))
	for _, m := range c.Members {
		ids = append(ids, m.ID)
	}
	return ids
}

// HasMember reports whether userID belongs to the chat.
func (c Chat) HasMember(userID uint) bool {
	for _, m := range c.Members {
		if m.ID == userID {
			return true
		}
	}
	return false
}

// ChatUpdate overwrites the non-nil fields. A nil MemberIDs keeps membership.
type ChatUpdate struct {
	Name          *string
	ChatPhotoLink *string
	MemberIDs     []uint
}

// Message is a chat message with its attachments and unread-by set.
type Message struct {
	ID       uint
	Text     string
	SentAt   time.Time
	UserID   *uint
	ChatID   uint
	Files    []SentFile
	UnreadBy []uint
}

// SentFile is an attachment reference owned by a message.
type SentFile struct {
	ID        uint
	Link      string
	MessageID uint
}

// Store defines the Directory Store operations used by the server.
type Store interface {
	Close() error
	Migrate(ctx context.Context) error

	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id uint) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	UpdateUser(ctx context.Context, id uint, update UserUpdate) (*User, error)
	SetLastSeen(ctx context.Context, id uint, lastSeen *time.Time) (*User, error)
	DeleteUser(ctx context.Context, id uint) error
	SearchUsers(ctx context.Context, substr string, excludeID uint) ([]User, error)

	CreateChat(ctx context.Context, chat *Chat, memberIDs []uint) error
	GetChat(ctx context.Context, id uint) (*Chat, error)
	UpdateChat(ctx context.Context, id uint, update ChatUpdate) (*Chat, error)
	DeleteChat(ctx context.Context, id uint) error
	RemoveMember(ctx context.Context, chatID, userID uint) error
	ChatsByGroupFlag(ctx context.Context, isGroup bool) ([]Chat, error)
	ChatsByUser(ctx context.Context, userID uint) ([]Chat, error)
	UsersByChat(ctx context.Context, chatID uint) ([]User, error)

	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id uint) (*Message, error)
	UpdateMessageText(ctx context.Context, id uint, text string) (*Message, error)
	DeleteMessage(ctx context.Context, id uint) error
	MessagesByChat(ctx context.Context, chatID uint, limit, offset int) ([]Message, error)
	LastMessage(ctx context.Context, chatID uint) (*Message, error)
	GetSentFile(ctx context.Context, id uint) (*SentFile, error)

	MarkChatRead(ctx context.Context, userID, chatID uint) error
	UnreadMessageIDs(ctx context.Context, userID uint) ([]uint, error)
}
