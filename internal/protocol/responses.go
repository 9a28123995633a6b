package protocol

import "time"

// UserView is the public projection of a user. Credentials never leave the server.
type UserView struct {
	ID               uint       `json:"id"`
	Username         string     `json:"username"`
	Name             string     `json:"name"`
	Surname          string     `json:"surname"`
	ProfilePhotoLink string     `json:"profile_photo_link"`
	LastSeen         *time.Time `json:"last_seen"`
	IsOnline         bool       `json:"is_online"`
	Chats            []ChatView `json:"chats,omitempty"`
}

// SentFileView describes one attachment.
type SentFileView struct {
	ID        uint   `json:"id"`
	Link      string `json:"link"`
	MessageID uint   `json:"message_id"`
}

// MessageView is the full serialized message.
type MessageView struct {
	ID              uint           `json:"id"`
	Text            string         `json:"text"`
	SentAt          time.Time      `json:"sent_at"`
	UserID          *uint          `json:"user_id"`
	ChatID          uint           `json:"chat_id"`
	SentFiles       []SentFileView `json:"sent_files"`
	UsersThatUnread []uint         `json:"users_that_unread"`
}

// ChatView is a chat summary with its participants.
type ChatView struct {
	ID            uint          `json:"id"`
	Name          string        `json:"name"`
	AdminID       *uint         `json:"admin_id"`
	ChatPhotoLink string        `json:"chat_photo_link"`
	IsGroup       bool          `json:"is_group"`
	CreatedAt     time.Time     `json:"created_at"`
	Users         []UserView    `json:"users"`
	LastMessage   *MessageView  `json:"last_message"`
	Messages      []MessageView `json:"messages,omitempty"`
}

// TokenResponse confirms a bound session.
type TokenResponse struct {
	Msg    string `json:"msg"`
	UserID uint   `json:"user_id"`
}

// LoadUserResponse carries the acting user's profile.
type LoadUserResponse struct {
	Msg  string   `json:"msg"`
	User UserView `json:"user"`
}

// ChatHistoryResponse is one page of history in ascending send order.
type ChatHistoryResponse struct {
	ChatID   uint          `json:"chat_id"`
	Messages []MessageView `json:"messages"`
	IsEnd    bool          `json:"is_end"`
}

// RoomResponse confirms a join or leave.
type RoomResponse struct {
	Room   uint `json:"room"`
	UserID uint `json:"user_id"`
}

// MessageChatUpdate feeds client chat lists after a send.
type MessageChatUpdate struct {
	Message MessageView `json:"message"`
	Chat    ChatView    `json:"chat"`
	Sender  UserView    `json:"sender"`
}

// MessageDeleted announces a deletion with the chat's new last message.
type MessageDeleted struct {
	MessageID   uint         `json:"message_id"`
	ChatID      uint         `json:"chat_id"`
	LastMessage *MessageView `json:"last_message"`
}

// ChatCreated carries a resolved or newly created chat.
type ChatCreated struct {
	Chat    ChatView `json:"chat"`
	Created bool     `json:"created"`
}

// MembershipChanged announces that a user left a chat. AdminID is set when
// the departing user administered the group and the role moved on.
type MembershipChanged struct {
	ChatID  uint  `json:"chat_id"`
	UserID  uint  `json:"user_id"`
	AdminID *uint `json:"admin_id,omitempty"`
}

// ChatDeleted announces a removed chat.
type ChatDeleted struct {
	ChatID uint `json:"chat_id"`
}

// StatusChanged announces a presence transition.
type StatusChanged struct {
	UserID   uint       `json:"user_id"`
	Status   bool       `json:"status"`
	LastSeen *time.Time `json:"last_seen"`
}

// SearchUsersResponse lists matching users.
type SearchUsersResponse struct {
	Users []UserView `json:"users"`
}

// TypingNotice is relayed to a chat room.
type TypingNotice struct {
	UserID      uint   `json:"user_id"`
	ChatID      uint   `json:"chat_id"`
	DisplayName string `json:"display_name"`
}

// ErrorPayload is the body of every <event>_error reply.
type ErrorPayload struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}
