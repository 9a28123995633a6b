package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/fenggwsx/RelayChat/internal/protocol"
	"github.com/fenggwsx/RelayChat/internal/storage"
	"github.com/fenggwsx/RelayChat/internal/updates"
)

func (c *Coordinator) loadChatHistory(ctx context.Context, call Call, req protocol.LoadChatHistoryRequest) (Result, error) {
	var res Result
	if _, err := c.memberChat(ctx, req.ChatID, call.UserID); err != nil {
		return res, err
	}
	page, err := c.store.MessagesByChat(ctx, req.ChatID, req.ItemsCount, req.Offset)
	if err != nil {
		return res, err
	}
	res.caller(call.Event, protocol.ChatHistoryResponse{
		ChatID:   req.ChatID,
		Messages: ascending(page),
		IsEnd:    len(page) < req.ItemsCount,
	})
	return res, nil
}

// ascending reverses a newest-first page into presentation order.
func ascending(page []storage.Message) []protocol.MessageView {
	out := make([]protocol.MessageView, len(page))
	for i, m := range page {
		out[len(page)-1-i] = messageView(m)
	}
	return out
}

func (c *Coordinator) readChatHistory(ctx context.Context, call Call, req protocol.ReadChatHistoryRequest) (Result, error) {
	if err := c.store.MarkChatRead(ctx, req.UserID, req.ChatID); err != nil {
		c.log.WithFields(logrus.Fields{
			"session": call.Session,
			"user_id": req.UserID,
			"chat_id": req.ChatID,
		}).WithError(err).Warn("mark chat read failed")
	}
	return Result{}, nil
}

func (c *Coordinator) sendMessage(ctx context.Context, call Call, req protocol.SendMessageRequest) (Result, error) {
	var res Result
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return res, fmt.Errorf("%w: text must not be blank", ErrInvalidInput)
	}
	chat, err := c.memberChat(ctx, req.Room, req.UserID)
	if err != nil {
		return res, err
	}
	sender, err := c.store.GetUser(ctx, req.UserID)
	if err != nil {
		return res, err
	}

	unread := make([]uint, 0, len(chat.Members))
	for _, id := range chat.MemberIDs() {
		if id != sender.ID {
			unread = append(unread, id)
		}
	}
	files := make([]storage.SentFile, 0, len(req.SentFiles))
	for _, link := range req.SentFiles {
		files = append(files, storage.SentFile{Link: link})
	}
	sentAt := c.now().UTC()
	if req.SentAt != nil && !req.SentAt.IsZero() {
		sentAt = req.SentAt.UTC()
	}
	senderID := sender.ID
	msg := storage.Message{
		Text:     req.Text,
		SentAt:   sentAt,
		UserID:   &senderID,
		ChatID:   chat.ID,
		Files:    files,
		UnreadBy: unread,
	}
	if err := c.store.CreateMessage(ctx, &msg); err != nil {
		return res, err
	}

	view := messageView(msg)
	res.room(chat.ID, call.Event, view)
	res.room(chat.ID, protocol.EventSendMessageChatUpdate, protocol.MessageChatUpdate{
		Message: view,
		Chat:    chatView(*chat, &msg),
		Sender:  userView(*sender),
	})
	res.publish(updates.Update{
		Kind:      updates.MessageSent,
		ChatID:    chat.ID,
		Audience:  chat.MemberIDs(),
		Timestamp: msg.SentAt,
		Data:      view,
	})
	return res, nil
}

func (c *Coordinator) editMessage(ctx context.Context, call Call, req protocol.EditMessageRequest) (Result, error) {
	var res Result
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return res, fmt.Errorf("%w: text must not be blank", ErrInvalidInput)
	}
	msg, err := c.roomMessage(ctx, req.MessageID, req.Room)
	if err != nil {
		return res, err
	}
	if msg.UserID == nil || *msg.UserID != call.UserID {
		return res, fmt.Errorf("%w: only the sender can edit message %d", ErrForbidden, msg.ID)
	}
	edited, err := c.store.UpdateMessageText(ctx, msg.ID, req.Text)
	if err != nil {
		return res, err
	}

	view := messageView(*edited)
	res.room(req.Room, call.Event, view)
	res.publish(updates.Update{Kind: updates.MessageEdited, ChatID: req.Room, Timestamp: c.now().UTC(), Data: view})
	return res, nil
}

func (c *Coordinator) deleteMessage(ctx context.Context, call Call, req protocol.DeleteMessageRequest) (Result, error) {
	var res Result
	msg, err := c.roomMessage(ctx, req.MessageID, req.Room)
	if err != nil {
		return res, err
	}
	chat, err := c.memberChat(ctx, req.Room, call.UserID)
	if err != nil {
		return res, err
	}
	isSender := msg.UserID != nil && *msg.UserID == call.UserID
	isAdmin := chat.AdminID != nil && *chat.AdminID == call.UserID
	if !isSender && !isAdmin {
		return res, fmt.Errorf("%w: cannot delete message %d", ErrForbidden, msg.ID)
	}

	if err := c.store.DeleteMessage(ctx, msg.ID); err != nil {
		return res, err
	}
	last, err := c.store.LastMessage(ctx, req.Room)
	if err != nil {
		return res, err
	}

	notice := protocol.MessageDeleted{
		MessageID:   msg.ID,
		ChatID:      req.Room,
		LastMessage: optionalMessageView(last),
	}
	res.room(req.Room, call.Event, notice)
	res.publish(updates.Update{
		Kind:      updates.MessageDeleted,
		ChatID:    req.Room,
		Audience:  chat.MemberIDs(),
		Timestamp: c.now().UTC(),
		Data:      notice,
	})
	return res, nil
}

// roomMessage loads a message and checks that it belongs to room.
func (c *Coordinator) roomMessage(ctx context.Context, messageID, room uint) (*storage.Message, error) {
	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ChatID != room {
		return nil, fmt.Errorf("%w: message %d in chat %d", storage.ErrNotFound, messageID, room)
	}
	return msg, nil
}
