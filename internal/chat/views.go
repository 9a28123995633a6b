package chat

import (
	"sort"

	"github.com/fenggwsx/RelayChat/internal/protocol"
	"github.com/fenggwsx/RelayChat/internal/storage"
)

func userView(u storage.User) protocol.UserView {
	return protocol.UserView{
		ID:               u.ID,
		Username:         u.Username,
		Name:             u.Name,
		Surname:          u.Surname,
		ProfilePhotoLink: u.ProfilePhotoLink,
		LastSeen:         u.LastSeen,
		IsOnline:         u.Online(),
	}
}

func userViews(users []storage.User) []protocol.UserView {
	out := make([]protocol.UserView, 0, len(users))
	for _, u := range users {
		out = append(out, userView(u))
	}
	return out
}

func messageView(m storage.Message) protocol.MessageView {
	files := make([]protocol.SentFileView, 0, len(m.Files))
	for _, f := range m.Files {
		files = append(files, protocol.SentFileView{ID: f.ID, Link: f.Link, MessageID: f.MessageID})
	}
	unread := m.UnreadBy
	if unread == nil {
		unread = []uint{}
	}
	return protocol.MessageView{
		ID:              m.ID,
		Text:            m.Text,
		SentAt:          m.SentAt,
		UserID:          m.UserID,
		ChatID:          m.ChatID,
		SentFiles:       files,
		UsersThatUnread: unread,
	}
}

func optionalMessageView(m *storage.Message) *protocol.MessageView {
	if m == nil {
		return nil
	}
	view := messageView(*m)
	return &view
}

func chatView(c storage.Chat, last *storage.Message) protocol.ChatView {
	return protocol.ChatView{
		ID:            c.ID,
		Name:          c.Name,
		AdminID:       c.AdminID,
		ChatPhotoLink: c.ChatPhotoLink,
		IsGroup:       c.IsGroup,
		CreatedAt:     c.CreatedAt,
		Users:         userViews(c.Members),
		LastMessage:   optionalMessageView(last),
	}
}

// chatActivity pairs a chat with its most recent message for ordering.
type chatActivity struct {
	chat storage.Chat
	last *storage.Message
}

// sortByActivity orders chats by the send time of their last message, newest
// first. Chats without messages follow, newest creation first.
func sortByActivity(chats []chatActivity) {
	sort.SliceStable(chats, func(i, j int) bool {
		a, b := chats[i], chats[j]
		switch {
		case a.last != nil && b.last != nil:
			if !a.last.SentAt.Equal(b.last.SentAt) {
				return a.last.SentAt.After(b.last.SentAt)
			}
		case a.last != nil:
			return true
		case b.last != nil:
			return false
		default:
			if !a.chat.CreatedAt.Equal(b.chat.CreatedAt) {
				return a.chat.CreatedAt.After(b.chat.CreatedAt)
			}
		}
		return a.chat.ID > b.chat.ID
	})
}
