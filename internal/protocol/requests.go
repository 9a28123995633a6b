package protocol

// ChatScoped is implemented by requests whose effects must be applied and
// broadcast in commit order for a single chat.
type ChatScoped interface {
	ChatKey() uint
}

// ActorScoped is implemented by requests that name the acting user.
type ActorScoped interface {
	ActorID() uint
}

// ValidateTokenRequest carries a bearer token for session binding.
type ValidateTokenRequest struct {
	AccessToken string `json:"access_token"`
}

// LoadUserRequest asks for a user profile including chats.
type LoadUserRequest struct {
	UserID       uint `json:"user_id" validate:"required"`
	LoadMessages bool `json:"load_messages,omitempty"`
}

func (r LoadUserRequest) ActorID() uint { return r.UserID }

// LoadChatHistoryRequest asks for one page of a chat's messages.
type LoadChatHistoryRequest struct {
	ChatID     uint `json:"chat_id" validate:"required"`
	ItemsCount int  `json:"items_count" validate:"required,min=1,max=500"`
	Offset     int  `json:"offset" validate:"min=0"`
}

// ReadChatHistoryRequest marks every message in a chat as read.
type ReadChatHistoryRequest struct {
	ChatID uint `json:"chat_id" validate:"required"`
	UserID uint `json:"user_id" validate:"required"`
}

func (r ReadChatHistoryRequest) ActorID() uint { return r.UserID }

// RoomRequest subscribes or unsubscribes the session to a chat room.
type RoomRequest struct {
	Room   uint `json:"room" validate:"required"`
	UserID uint `json:"user_id,omitempty"`
}

// SendMessageRequest posts a message to a chat.
type SendMessageRequest struct {
	UserID    uint       `json:"user_id" validate:"required"`
	Text      string     `json:"text" validate:"required"`
	SentFiles []string   `json:"sent_files" validate:"omitempty,dive,required"`
	SentAt    *Timestamp `json:"sent_at,omitempty"`
	Room      uint       `json:"room" validate:"required"`
}

func (r SendMessageRequest) ChatKey() uint { return r.Room }
func (r SendMessageRequest) ActorID() uint { return r.UserID }

// EditMessageRequest replaces the text of an existing message.
type EditMessageRequest struct {
	MessageID uint   `json:"message_id" validate:"required"`
	Text      string `json:"text" validate:"required"`
	Room      uint   `json:"room" validate:"required"`
}

func (r EditMessageRequest) ChatKey() uint { return r.Room }

// DeleteMessageRequest removes a message from a chat.
type DeleteMessageRequest struct {
	MessageID uint `json:"message_id" validate:"required"`
	Room      uint `json:"room" validate:"required"`
}

func (r DeleteMessageRequest) ChatKey() uint { return r.Room }

// CreateChatRequest creates a direct chat or a group.
type CreateChatRequest struct {
	CurrentUserID uint       `json:"current_user_id" validate:"required"`
	UserIDs       []uint     `json:"user_ids" validate:"omitempty,dive,required"`
	IsGroup       bool       `json:"is_group"`
	CreatedAt     *Timestamp `json:"created_at,omitempty"`
	Name          string     `json:"name,omitempty" validate:"max=100"`
	ChatPhotoLink string     `json:"chat_photo_link,omitempty"`
}

func (r CreateChatRequest) ActorID() uint { return r.CurrentUserID }

// ChangeGroupInfoRequest overwrites a group's name, photo and membership.
type ChangeGroupInfoRequest struct {
	GroupID          uint   `json:"group_id" validate:"required"`
	NewUserIDs       []uint `json:"new_user_ids" validate:"required,min=1,dive,required"`
	NewName          string `json:"new_name" validate:"required,max=100"`
	NewChatPhotoLink string `json:"new_chat_photo_link"`
}

func (r ChangeGroupInfoRequest) ChatKey() uint { return r.GroupID }

// MembershipRequest removes one user from one chat.
type MembershipRequest struct {
	ChatID uint `json:"chat_id" validate:"required"`
	UserID uint `json:"user_id" validate:"required"`
}

func (r MembershipRequest) ChatKey() uint { return r.ChatID }

// DeleteChatRequest deletes a chat with its messages.
type DeleteChatRequest struct {
	ChatID uint `json:"chat_id" validate:"required"`
}

func (r DeleteChatRequest) ChatKey() uint { return r.ChatID }

// StatusRequest flips a user's presence.
type StatusRequest struct {
	UserID uint `json:"user_id" validate:"required"`
}

func (r StatusRequest) ActorID() uint { return r.UserID }

// SearchUsersRequest looks up users by username substring.
type SearchUsersRequest struct {
	UsernameValue string `json:"username_value" validate:"required,max=100"`
}

// TypingRequest signals that a user is typing in a chat.
type TypingRequest struct {
	UserID uint `json:"user_id" validate:"required"`
	ChatID uint `json:"chat_id" validate:"required"`
}

func (r TypingRequest) ActorID() uint { return r.UserID }

// ChangeUserInfoRequest updates the non-empty profile fields of a user.
type ChangeUserInfoRequest struct {
	UserID           uint   `json:"user_id" validate:"required"`
	Username         string `json:"username,omitempty" validate:"max=100"`
	Name             string `json:"name,omitempty" validate:"max=100"`
	Surname          string `json:"surname,omitempty" validate:"max=100"`
	ProfilePhotoLink string `json:"profile_photo_link,omitempty"`
}

func (r ChangeUserInfoRequest) ActorID() uint { return r.UserID }
