package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fenggwsx/RelayChat/internal/protocol"
	"github.com/fenggwsx/RelayChat/internal/storage"
)

func (c *Coordinator) validateToken(ctx context.Context, call Call, req protocol.ValidateTokenRequest) (Result, error) {
	var res Result
	userID, err := c.verifier.Verify(req.AccessToken)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	if _, err := c.store.GetUser(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return res, fmt.Errorf("%w: token subject %d does not exist", ErrAuthFailure, userID)
		}
		return res, err
	}
	if err := c.hub.BindUser(call.Session, userID); err != nil {
		return res, err
	}

	msg := "Connected successfully"
	if call.Event == protocol.EventValidateRefreshedToken {
		msg = "Validated successfully"
	}
	res.caller(call.Event, protocol.TokenResponse{Msg: msg, UserID: userID})
	return res, nil
}

func (c *Coordinator) loadUser(ctx context.Context, call Call, req protocol.LoadUserRequest) (Result, error) {
	var res Result
	user, err := c.presence.MarkOnline(ctx, req.UserID)
	if err != nil {
		return res, err
	}
	chats, err := c.store.ChatsByUser(ctx, user.ID)
	if err != nil {
		return res, err
	}

	activity := make([]chatActivity, 0, len(chats))
	for _, ch := range chats {
		last, err := c.store.LastMessage(ctx, ch.ID)
		if err != nil {
			return res, err
		}
		activity = append(activity, chatActivity{chat: ch, last: last})
	}
	sortByActivity(activity)

	view := userView(*user)
	view.Chats = make([]protocol.ChatView, 0, len(activity))
	for _, a := range activity {
		cv := chatView(a.chat, a.last)
		if req.LoadMessages {
			page, err := c.store.MessagesByChat(ctx, a.chat.ID, c.opts.HistoryPreview, 0)
			if err != nil {
				return res, err
			}
			cv.Messages = ascending(page)
		}
		view.Chats = append(view.Chats, cv)
	}

	res.caller(call.Event, protocol.LoadUserResponse{Msg: "Success", User: view})
	return res, nil
}

func (c *Coordinator) goOnline(ctx context.Context, _ Call, req protocol.StatusRequest) (Result, error) {
	_, err := c.presence.GoOnline(ctx, req.UserID)
	return Result{}, err
}

func (c *Coordinator) goOffline(ctx context.Context, _ Call, req protocol.StatusRequest) (Result, error) {
	_, err := c.presence.GoOffline(ctx, req.UserID)
	return Result{}, err
}

func (c *Coordinator) typing(ctx context.Context, call Call, req protocol.TypingRequest) (Result, error) {
	if _, err := c.memberChat(ctx, req.ChatID, call.UserID); err != nil {
		return Result{}, err
	}
	return Result{}, c.presence.NotifyTyping(ctx, req.UserID, req.ChatID)
}

func (c *Coordinator) searchUsers(ctx context.Context, call Call, req protocol.SearchUsersRequest) (Result, error) {
	var res Result
	users, err := c.store.SearchUsers(ctx, req.UsernameValue, call.UserID)
	if err != nil {
		return res, err
	}
	res.caller(call.Event, protocol.SearchUsersResponse{Users: userViews(users)})
	return res, nil
}

func (c *Coordinator) changeUserInfo(ctx context.Context, call Call, req protocol.ChangeUserInfoRequest) (Result, error) {
	var res Result
	user, err := c.store.UpdateUser(ctx, req.UserID, storage.UserUpdate{
		Username:         strings.TrimSpace(req.Username),
		Name:             req.Name,
		Surname:          req.Surname,
		ProfilePhotoLink: req.ProfilePhotoLink,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return res, fmt.Errorf("%w: username %q is taken", storage.ErrConflict, req.Username)
		}
		return res, err
	}
	res.all(call.Event, userView(*user))
	return res, nil
}

func (c *Coordinator) joinRoom(ctx context.Context, call Call, req protocol.RoomRequest) (Result, error) {
	var res Result
	if _, err := c.memberChat(ctx, req.Room, call.UserID); err != nil {
		return res, err
	}
	if _, err := c.hub.Join(call.Session, req.Room); err != nil {
		return res, err
	}
	res.room(req.Room, call.Event, protocol.RoomResponse{Room: req.Room, UserID: call.UserID})
	return res, nil
}

func (c *Coordinator) leaveRoom(_ context.Context, call Call, req protocol.RoomRequest) (Result, error) {
	var res Result
	c.hub.Leave(call.Session, req.Room)
	confirmation := protocol.RoomResponse{Room: req.Room, UserID: call.UserID}
	res.caller(call.Event, confirmation)
	res.room(req.Room, call.Event, confirmation)
	return res, nil
}

// memberChat loads a chat the user belongs to. Chats the user is not part of
// are reported as missing.
func (c *Coordinator) memberChat(ctx context.Context, chatID, userID uint) (*storage.Chat, error) {
	chat, err := c.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasMember(userID) {
		return nil, fmt.Errorf("%w: chat %d", storage.ErrNotFound, chatID)
	}
	return chat, nil
}
