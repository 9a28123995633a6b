package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fenggwsx/RelayChat/internal/protocol"
	"github.com/fenggwsx/RelayChat/internal/storage"
	"github.com/fenggwsx/RelayChat/internal/updates"
)

func (c *Coordinator) createChat(ctx context.Context, call Call, req protocol.CreateChatRequest) (Result, error) {
	var res Result
	if req.IsGroup {
		return res, fmt.Errorf("%w: use %s for groups", ErrInvalidInput, protocol.EventCreateGroup)
	}
	participants, err := directParticipants(req.CurrentUserID, req.UserIDs)
	if err != nil {
		return res, err
	}

	unlock := c.directLocks.Lock(participantKey(participants))
	defer unlock()

	chat, err := c.resolver.Resolve(ctx, req.CurrentUserID, req.UserIDs, false)
	if err != nil {
		return res, err
	}
	created := chat == nil
	if created {
		chat = &storage.Chat{
			Name:          strings.TrimSpace(req.Name),
			ChatPhotoLink: req.ChatPhotoLink,
			CreatedAt:     c.createdAt(req.CreatedAt),
		}
		if err := c.store.CreateChat(ctx, chat, participants); err != nil {
			return res, err
		}
		res.publish(updates.Update{
			Kind:      updates.ChatCreated,
			ChatID:    chat.ID,
			Audience:  chat.MemberIDs(),
			Timestamp: chat.CreatedAt,
		})
	}

	last, err := c.store.LastMessage(ctx, chat.ID)
	if err != nil {
		return res, err
	}
	res.all(call.Event, protocol.ChatCreated{Chat: chatView(*chat, last), Created: created})
	return res, nil
}

func (c *Coordinator) createGroup(ctx context.Context, call Call, req protocol.CreateChatRequest) (Result, error) {
	var res Result
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return res, fmt.Errorf("%w: a group needs a name", ErrInvalidInput)
	}
	admin := req.CurrentUserID
	chat := storage.Chat{
		Name:          name,
		AdminID:       &admin,
		ChatPhotoLink: req.ChatPhotoLink,
		IsGroup:       true,
		CreatedAt:     c.createdAt(req.CreatedAt),
	}
	if err := c.store.CreateChat(ctx, &chat, participantSet(req.CurrentUserID, req.UserIDs)); err != nil {
		return res, err
	}

	view := chatView(chat, nil)
	res.all(call.Event, protocol.ChatCreated{Chat: view, Created: true})
	res.all(protocol.EventCreateGroupChatList, view)
	res.publish(updates.Update{
		Kind:      updates.GroupCreated,
		ChatID:    chat.ID,
		Audience:  chat.MemberIDs(),
		Timestamp: chat.CreatedAt,
	})
	return res, nil
}

func (c *Coordinator) changeGroupInfo(ctx context.Context, call Call, req protocol.ChangeGroupInfoRequest) (Result, error) {
	var res Result
	chat, err := c.memberChat(ctx, req.GroupID, call.UserID)
	if err != nil {
		return res, err
	}
	if !chat.IsGroup {
		return res, fmt.Errorf("%w: chat %d is not a group", ErrInvalidInput, chat.ID)
	}
	if err := requireAdmin(chat, call.UserID); err != nil {
		return res, err
	}
	members := append([]uint(nil), req.NewUserIDs...)
	if !containsID(members, *chat.AdminID) {
		return res, fmt.Errorf("%w: the group admin must stay a member", ErrInvalidInput)
	}

	name := strings.TrimSpace(req.NewName)
	if name == "" {
		return res, fmt.Errorf("%w: a group needs a name", ErrInvalidInput)
	}
	updated, err := c.store.UpdateChat(ctx, chat.ID, storage.ChatUpdate{
		Name:          &name,
		ChatPhotoLink: &req.NewChatPhotoLink,
		MemberIDs:     members,
	})
	if err != nil {
		return res, err
	}
	last, err := c.store.LastMessage(ctx, chat.ID)
	if err != nil {
		return res, err
	}

	view := chatView(*updated, last)
	for _, event := range []string{call.Event, protocol.EventGroupUpdatedChatList, protocol.EventGroupUpdatedDetails} {
		res.room(chat.ID, event, view)
	}
	res.publish(updates.Update{
		Kind:      updates.GroupUpdated,
		ChatID:    chat.ID,
		Audience:  updated.MemberIDs(),
		Timestamp: c.now().UTC(),
		Data:      view,
	})
	if dropped := missingIDs(chat.MemberIDs(), updated.MemberIDs()); len(dropped) > 0 {
		res.then(func() {
			for _, userID := range dropped {
				c.leaveUserSessions(userID, chat.ID)
			}
		})
	}
	return res, nil
}

func (c *Coordinator) leaveGroup(ctx context.Context, call Call, req protocol.MembershipRequest) (Result, error) {
	if req.UserID != call.UserID {
		return Result{}, fmt.Errorf("%w: user %d cannot act as user %d", ErrAuthFailure, call.UserID, req.UserID)
	}
	return c.removeMember(ctx, call, req)
}

func (c *Coordinator) removeUserFromChat(ctx context.Context, call Call, req protocol.MembershipRequest) (Result, error) {
	if req.UserID != call.UserID {
		chat, err := c.memberChat(ctx, req.ChatID, call.UserID)
		if err != nil {
			return Result{}, err
		}
		if !chat.IsGroup {
			return Result{}, fmt.Errorf("%w: members of a direct chat can only leave it themselves", ErrForbidden)
		}
		if err := requireAdmin(chat, call.UserID); err != nil {
			return Result{}, err
		}
	}
	return c.removeMember(ctx, call, req)
}

// removeMember drops one user from one chat. The caller is told once, the
// rest of the room after, and only then are the removed user's sessions
// unsubscribed.
func (c *Coordinator) removeMember(ctx context.Context, call Call, req protocol.MembershipRequest) (Result, error) {
	var res Result
	chat, err := c.store.GetChat(ctx, req.ChatID)
	if err != nil {
		return res, err
	}
	if err := c.store.RemoveMember(ctx, req.ChatID, req.UserID); err != nil {
		return res, err
	}

	notice := protocol.MembershipChanged{ChatID: req.ChatID, UserID: req.UserID}
	if chat.AdminID != nil && *chat.AdminID == req.UserID {
		after, err := c.store.GetChat(ctx, req.ChatID)
		if err != nil {
			return res, err
		}
		notice.AdminID = after.AdminID
	}
	res.caller(call.Event, notice)
	res.peers(req.ChatID, call.Event, notice)
	res.publish(updates.Update{
		Kind:      updates.MemberRemoved,
		ChatID:    req.ChatID,
		Audience:  chat.MemberIDs(),
		Timestamp: c.now().UTC(),
		Data:      notice,
	})
	res.then(func() { c.leaveUserSessions(req.UserID, req.ChatID) })
	return res, nil
}

func (c *Coordinator) leaveUserSessions(userID, chatID uint) {
	for _, session := range c.hub.SessionsForUser(userID) {
		c.hub.Leave(session, chatID)
	}
}

func (c *Coordinator) deleteChat(ctx context.Context, call Call, req protocol.DeleteChatRequest) (Result, error) {
	var res Result
	chat, err := c.memberChat(ctx, req.ChatID, call.UserID)
	if err != nil {
		return res, err
	}
	if chat.IsGroup {
		if err := requireAdmin(chat, call.UserID); err != nil {
			return res, err
		}
	}
	if err := c.store.DeleteChat(ctx, chat.ID); err != nil {
		return res, err
	}

	notice := protocol.ChatDeleted{ChatID: chat.ID}
	for _, event := range []string{call.Event, protocol.EventDeleteChatChatList, protocol.EventDeleteChatDetails} {
		res.room(chat.ID, event, notice)
	}
	res.publish(updates.Update{
		Kind:      updates.ChatDeleted,
		ChatID:    chat.ID,
		Audience:  chat.MemberIDs(),
		Timestamp: c.now().UTC(),
	})
	res.then(func() { c.hub.DropRoom(chat.ID) })
	return res, nil
}

func requireAdmin(chat *storage.Chat, userID uint) error {
	if chat.AdminID == nil || *chat.AdminID != userID {
		return fmt.Errorf("%w: only the admin can manage group %d", ErrForbidden, chat.ID)
	}
	return nil
}

// missingIDs lists the ids of before absent from after.
func missingIDs(before, after []uint) []uint {
	var out []uint
	for _, id := range before {
		if !containsID(after, id) {
			out = append(out, id)
		}
	}
	return out
}

func containsID(ids []uint, id uint) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func (c *Coordinator) createdAt(ts *protocol.Timestamp) time.Time {
	if ts != nil && !ts.IsZero() {
		return ts.UTC()
	}
	return c.now().UTC()
}
