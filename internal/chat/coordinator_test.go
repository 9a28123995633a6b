package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenggwsx/RelayChat/internal/auth"
	"github.com/fenggwsx/RelayChat/internal/hub"
	"github.com/fenggwsx/RelayChat/internal/protocol"
	"github.com/fenggwsx/RelayChat/internal/storage"
	"github.com/fenggwsx/RelayChat/internal/updates"
)

func TestValidateTokenBindsSession(t *testing.T) {
	f := newFixture(t)
	users := f.users(1)
	token, err := auth.NewToken(f.jwt, users[0].ID, users[0].Username)
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		s := f.hub.Register()
		f.send(s, protocol.EventValidateToken, protocol.ValidateTokenRequest{AccessToken: token})
		var reply protocol.TokenResponse
		f.next(s, protocol.EventValidateToken, &reply)
		assert.Equal(t, users[0].ID, reply.UserID)

		uid, bound := s.UserID()
		assert.True(t, bound)
		assert.Equal(t, users[0].ID, uid)
	})

	t.Run("refreshed", func(t *testing.T) {
		s := f.hub.Register()
		f.send(s, protocol.EventValidateRefreshedToken, protocol.ValidateTokenRequest{AccessToken: token})
		var reply protocol.TokenResponse
		f.next(s, protocol.EventValidateRefreshedToken, &reply)
		assert.Equal(t, "Validated successfully", reply.Msg)
	})

	for name, bad := range map[string]string{"missing": "", "malformed": "abc.def", "unknown user": mustToken(t, f, 99)} {
		t.Run(name, func(t *testing.T) {
			s := f.hub.Register()
			f.send(s, protocol.EventValidateToken, protocol.ValidateTokenRequest{AccessToken: bad})
			failure := f.nextError(s, protocol.EventValidateToken)
			assert.Equal(t, KindAuthFailure, failure.Kind)
			_, bound := s.UserID()
			assert.False(t, bound)
		})
	}
}

func mustToken(t *testing.T, f *fixture, userID uint) string {
	token, err := auth.NewToken(f.jwt, userID, "ghost")
	require.NoError(t, err)
	return token
}

func TestAuthShortCircuits(t *testing.T) {
	f := newFixture(t)
	users := f.users(2)

	t.Run("unbound session", func(t *testing.T) {
		s := f.hub.Register()
		f.send(s, protocol.EventLoadUser, protocol.LoadUserRequest{UserID: users[0].ID})
		assert.Equal(t, KindAuthFailure, f.nextError(s, protocol.EventLoadUser).Kind)
	})

	t.Run("acting as someone else", func(t *testing.T) {
		s := f.connect(users[0].ID)
		f.send(s, protocol.EventSendMessage, protocol.SendMessageRequest{UserID: users[1].ID, Text: "x", Room: 1})
		assert.Equal(t, KindAuthFailure, f.nextError(s, protocol.EventSendMessage).Kind)
	})
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)
	users := f.users(1)
	s := f.connect(users[0].ID)

	cases := []struct {
		name    string
		event   string
		payload string
	}{
		{"unknown event", "nope", `{}`},
		{"unknown field", protocol.EventSendMessage, `{"user_id":1,"text":"hi","room":1,"extra":true}`},
		{"missing text", protocol.EventSendMessage, `{"user_id":1,"room":1}`},
		{"mistyped id", protocol.EventSendMessage, `{"user_id":"1","text":"hi","room":1}`},
		{"bad timestamp", protocol.EventSendMessage, `{"user_id":1,"text":"hi","room":1,"sent_at":"soon"}`},
		{"empty page", protocol.EventLoadChatHistory, `{"chat_id":1,"items_count":0,"offset":0}`},
		{"no payload", protocol.EventDeleteChat, ``},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f.sendRaw(s, tc.event, tc.payload)
			assert.Equal(t, KindInvalidInput, f.nextError(s, tc.event).Kind)
		})
	}
}

func TestDirectChatScenario(t *testing.T) {
	f := newFixture(t)
	users := f.users(9)
	seven, nine := users[6].ID, users[8].ID
	require.Equal(t, uint(7), seven)
	require.Equal(t, uint(9), nine)

	s7 := f.connect(seven)
	s9 := f.connect(nine)

	first := f.directChat(s7, seven, nine)
	assert.True(t, first.Created)
	assert.ElementsMatch(t, []uint{7, 9}, []uint{first.Chat.Users[0].ID, first.Chat.Users[1].ID})
	var seen protocol.ChatCreated
	f.next(s9, protocol.EventCreateChat, &seen)
	assert.Equal(t, first.Chat.ID, seen.Chat.ID)

	again := f.directChat(s7, seven, nine)
	assert.False(t, again.Created)
	assert.Equal(t, first.Chat.ID, again.Chat.ID)
	f.drain(s9)

	f.join(s7, first.Chat.ID)
	f.send(s7, protocol.EventSendMessage, protocol.SendMessageRequest{UserID: seven, Text: "hi", Room: first.Chat.ID})
	var msg protocol.MessageView
	f.next(s7, protocol.EventSendMessage, &msg)
	assert.Equal(t, []uint{9}, msg.UsersThatUnread)
	assert.Equal(t, "hi", msg.Text)

	var update protocol.MessageChatUpdate
	f.next(s7, protocol.EventSendMessageChatUpdate, &update)
	assert.Equal(t, msg.ID, update.Message.ID)
	assert.Equal(t, first.Chat.ID, update.Chat.ID)
	require.NotNil(t, update.Chat.LastMessage)
	assert.Equal(t, msg.ID, update.Chat.LastMessage.ID)
	assert.Equal(t, seven, update.Sender.ID)

	assert.Len(t, s9.Outbound(), 0, "non-subscribed session must not see room traffic")
	assert.Equal(t, []updates.Kind{updates.ChatCreated, updates.MessageSent}, f.publisher.kinds())
}

func TestDirectChatIgnoresParticipantOrderAndDuplicates(t *testing.T) {
	f := newFixture(t)
	users := f.users(3)
	a, b, c := users[0].ID, users[1].ID, users[2].ID
	sa, sb := f.connect(a), f.connect(b)

	ab := f.directChat(sa, a, b)
	f.drain(sb)
	ba := f.directChat(sb, b, a, a, b)
	assert.Equal(t, ab.Chat.ID, ba.Chat.ID)
	f.drain(sa)

	abc := f.directChat(sa, a, b, c)
	assert.True(t, abc.Created)
	assert.NotEqual(t, ab.Chat.ID, abc.Chat.ID)
}

func TestCreateChatRejectsMissingParticipants(t *testing.T) {
	f := newFixture(t)
	users := f.users(1)
	s := f.connect(users[0].ID)

	f.send(s, protocol.EventCreateChat, protocol.CreateChatRequest{CurrentUserID: users[0].ID})
	assert.Equal(t, KindInvalidInput, f.nextError(s, protocol.EventCreateChat).Kind)

	f.send(s, protocol.EventCreateChat, protocol.CreateChatRequest{CurrentUserID: users[0].ID, UserIDs: []uint{users[0].ID}})
	assert.Equal(t, KindInvalidInput, f.nextError(s, protocol.EventCreateChat).Kind)

	f.send(s, protocol.EventCreateChat, protocol.CreateChatRequest{CurrentUserID: users[0].ID, UserIDs: []uint{42}})
	assert.Equal(t, KindNotFound, f.nextError(s, protocol.EventCreateChat).Kind)

	chats, err := f.store.ChatsByGroupFlag(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, chats)
}

func TestGroupsAreNeverDeduplicated(t *testing.T) {
	f := newFixture(t)
	users := f.users(3)
	s := f.connect(users[0].ID)
	req := protocol.CreateChatRequest{
		CurrentUserID: users[0].ID,
		UserIDs:       []uint{users[1].ID, users[2].ID},
		IsGroup:       true,
		Name:          "team",
	}

	var ids []uint
	for i := 0; i < 2; i++ {
		f.send(s, protocol.EventCreateGroup, req)
		var created protocol.ChatCreated
		f.next(s, protocol.EventCreateGroup, &created)
		var listed protocol.ChatView
		f.next(s, protocol.EventCreateGroupChatList, &listed)
		assert.True(t, created.Chat.IsGroup)
		require.NotNil(t, created.Chat.AdminID)
		assert.Equal(t, users[0].ID, *created.Chat.AdminID)
		assert.Equal(t, created.Chat.ID, listed.ID)
		ids = append(ids, created.Chat.ID)
	}
	assert.NotEqual(t, ids[0], ids[1])

	req.Name = "  "
	f.send(s, protocol.EventCreateGroup, req)
	assert.Equal(t, KindInvalidInput, f.nextError(s, protocol.EventCreateGroup).Kind)
}

func TestSendMessageFailureReachesCallerOnly(t *testing.T) {
	f := newFixture(t)
	users := f.users(3)
	sa, sb := f.connect(users[0].ID), f.connect(users[1].ID)
	chat := f.directChat(sa, users[0].ID, users[1].ID)
	f.drain(sb)
	f.join(sa, chat.Chat.ID)
	f.join(sb, chat.Chat.ID)
	f.drain(sa)

	f.send(sa, protocol.EventSendMessage, protocol.SendMessageRequest{UserID: users[0].ID, Text: "   ", Room: chat.Chat.ID})
	assert.Equal(t, KindInvalidInput, f.nextError(sa, protocol.EventSendMessage).Kind)

	outsider := f.connect(users[2].ID)
	f.send(outsider, protocol.EventSendMessage, protocol.SendMessageRequest{UserID: users[2].ID, Text: "hey", Room: chat.Chat.ID})
	assert.Equal(t, KindNotFound, f.nextError(outsider, protocol.EventSendMessage).Kind)

	assert.Len(t, sb.Outbound(), 0)
}

type failingMessages struct {
	storage.Store
}

func (failingMessages) CreateMessage(context.Context, *storage.Message) error {
	return fmt.Errorf("%w: disk I/O error", storage.ErrStoreFailure)
}

func TestSendMessageStoreFailureReachesCallerOnly(t *testing.T) {
	publisher := &recordingPublisher{}
	f := newFixtureWith(t, publisher, func(s storage.Store) storage.Store { return failingMessages{s} })
	users := f.users(2)
	sa, sb := f.connect(users[0].ID), f.connect(users[1].ID)
	chat := f.directChat(sa, users[0].ID, users[1].ID)
	f.drain(sb)
	f.join(sa, chat.Chat.ID)
	f.join(sb, chat.Chat.ID)
	f.drain(sa)

	f.send(sa, protocol.EventSendMessage, protocol.SendMessageRequest{
		UserID:    users[0].ID,
		Text:      "with file",
		SentFiles: []string{"https://files.example/a.png"},
		Room:      chat.Chat.ID,
	})
	failure := f.nextError(sa, protocol.EventSendMessage)
	assert.Equal(t, KindStoreFailure, failure.Kind)
	assert.Equal(t, "store failure", failure.Error)
	assert.Len(t, sa.Outbound(), 0)
	assert.Len(t, sb.Outbound(), 0)
	assert.NotContains(t, publisher.kinds(), updates.MessageSent)

	history, err := f.store.MessagesByChat(context.Background(), chat.Chat.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

type blockedBroker struct {
	release chan struct{}
}

func (b *blockedBroker) Publish(ctx context.Context, _ updates.Update) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *blockedBroker) Close() error { return nil }

func TestChatOperationsDoNotWaitOnBroker(t *testing.T) {
	broker := &blockedBroker{release: make(chan struct{})}
	queue := updates.NewQueue(broker, 16, nil)
	f := newFixtureWithPublisher(t, queue)
	users := f.users(2)
	sa, sb := f.connect(users[0].ID), f.connect(users[1].ID)
	chat := f.directChat(sa, users[0].ID, users[1].ID)
	f.drain(sb)
	f.join(sa, chat.Chat.ID)
	f.join(sb, chat.Chat.ID)
	f.drain(sa)

	for i := 0; i < 3; i++ {
		f.send(sa, protocol.EventSendMessage, protocol.SendMessageRequest{UserID: users[0].ID, Text: fmt.Sprintf("m%d", i), Room: chat.Chat.ID})
		f.next(sb, protocol.EventSendMessage, nil)
		f.next(sb, protocol.EventSendMessageChatUpdate, nil)
	}

	close(broker.release)
	require.NoError(t, queue.Close())
}

func TestSendMessageWithFilesAndTimestamp(t *testing.T) {
	f := newFixture(t)
	users := f.users(2)
	s := f.connect(users[0].ID)
	chat := f.directChat(s, users[0].ID, users[1].ID)
	f.join(s, chat.Chat.ID)

	sentAt, err := protocol.ParseTimestamp("2024-02-03T04:05:06")
	require.NoError(t, err)
	f.send(s, protocol.EventSendMessage, protocol.SendMessageRequest{
		UserID:    users[0].ID,
		Text:      "see attached",
		SentFiles: []string{"https://files.example/a.png", "https://files.example/b.png"},
		SentAt:    &sentAt,
		Room:      chat.Chat.ID,
	})
	var msg protocol.MessageView
	f.next(s, protocol.EventSendMessage, &msg)
	require.Len(t, msg.SentFiles, 2)
	assert.Equal(t, "https://files.example/a.png", msg.SentFiles[0].Link)
	assert.True(t, sentAt.Equal(msg.SentAt))
}

func TestLoadChatHistoryPaging(t *testing.T) {
	f := newFixture(t)
	users := f.users(2)
	s := f.connect(users[0].ID)
	chat := f.directChat(s, users[0].ID, users[1].ID)
	f.join(s, chat.Chat.ID)

	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ts := protocol.Timestamp{Time: base.Add(time.Duration(i) * time.Minute)}
		f.send(s, protocol.EventSendMessage, protocol.SendMessageRequest{
			UserID: users[0].ID, Text: fmt.Sprintf("m%d", i), SentAt: &ts, Room: chat.Chat.ID,
		})
	}
	f.drain(s)

	cases := []struct {
		limit, offset int
		texts         []string
		isEnd         bool
	}{
		{2, 0, []string{"m3", "m4"}, false},
		{2, 2, []string{"m1", "m2"}, false},
		{2, 4, []string{"m0"}, true},
		{10, 0, []string{"m0", "m1", "m2", "m3", "m4"}, true},
		{3, 9, []string{}, true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("limit=%d offset=%d", tc.limit, tc.offset), func(t *testing.T) {
			f.send(s, protocol.EventLoadChatHistory, protocol.LoadChatHistoryRequest{
				ChatID: chat.Chat.ID, ItemsCount: tc.limit, Offset: tc.offset,
			})
			var page protocol.ChatHistoryResponse
			f.next(s, protocol.EventLoadChatHistory, &page)
			texts := make([]string, 0, len(page.Messages))
			for _, m := range page.Messages {
				texts = append(texts, m.Text)
			}
			assert.Equal(t, tc.texts, texts)
			assert.Equal(t, tc.isEnd, page.IsEnd)
			assert.Equal(t, chat.Chat.ID, page.ChatID)
		})
	}
}

func TestDeleteMessageRecomputesLastMessage(t *testing.T) {
	f := newFixture(t)
	users := f.users(2)
	sa, sb := f.connect(users[0].ID), f.connect(users[1].ID)
	chat := f.directChat(sa, users[0].ID, users[1].ID)
	f.join(sa, chat.Chat.ID)
	f.drain(sb)

	f.send(sa, protocol.EventSendMessage, protocol.SendMessageRequest{UserID: users[0].ID, Text: "only", Room: chat.Chat.ID})
	var msg protocol.MessageView
	f.next(sa, protocol.EventSendMessage, &msg)
	f.drain(sa)

	f.send(sb, protocol.EventDeleteMessage, protocol.DeleteMessageRequest{MessageID: msg.ID, Room: chat.Chat.ID})
	assert.Equal(t, KindAuthFailure, f.nextError(sb, protocol.EventDeleteMessage).Kind)

	f.send(sa, protocol.EventDeleteMessage, protocol.DeleteMessageRequest{MessageID: msg.ID, Room: chat.Chat.ID + 1})
	assert.Equal(t, KindNotFound, f.nextError(sa, protocol.EventDeleteMessage).Kind)

	f.send(sa, protocol.EventDeleteMessage, protocol.DeleteMessageRequest{MessageID: msg.ID, Room: chat.Chat.ID})
	var notice protocol.MessageDeleted
	env := f.next(sa, protocol.EventDeleteMessage, &notice)
	assert.Equal(t, msg.ID, notice.MessageID)
	assert.Nil(t, notice.LastMessage)
	assert.Contains(t, string(env.Payload), `"last_message":null`)
}

func TestEditMessage(t *testing.T) {
	f := newFixture(t)
	users := f.users(2)
	sa, sb := f.connect(users[0].ID), f.connect(users[1].ID)
	chat := f.directChat(sa, users[0].ID, users[1].ID)
	f.drain(sb)
	f.join(sa, chat.Chat.ID)

	f.send(sa, protocol.EventSendMessage, protocol.SendMessageRequest{UserID: users[0].ID, Text: "teh", Room: chat.Chat.ID})
	var msg protocol.MessageView
	f.next(sa, protocol.EventSendMessage, &msg)
	f.drain(sa)

	f.send(sb, protocol.EventEditMessage, protocol.EditMessageRequest{MessageID: msg.ID, Text: "hax", Room: chat.Chat.ID})
	assert.Equal(t, KindAuthFailure, f.nextError(sb, protocol.EventEditMessage).Kind)

	f.send(sa, protocol.EventEditMessage, protocol.EditMessageRequest{MessageID: msg.ID, Text: "the", Room: chat.Chat.ID})
	var edited protocol.MessageView
	f.next(sa, protocol.EventEditMessage, &edited)
	assert.Equal(t, "the", edited.Text)
	assert.Equal(t, msg.ID, edited.ID)
}

func TestReadChatHistoryClearsOnlyThatChat(t *testing.T) {
	f := newFixture(t)
	users := f.users(3)
	a, b, c := users[0].ID, users[1].ID, users[2].ID
	sa, sb, sc := f.connect(a), f.connect(b), f.connect(c)
	ab := f.directChat(sa, a, b)
	ac := f.directChat(sa, a, c)
	f.drain(sb, sc)
	f.join(sb, ab.Chat.ID)
	f.join(sc, ac.Chat.ID)

	f.send(sb, protocol.EventSendMessage, protocol.SendMessageRequest{UserID: b, Text: "from b", Room: ab.Chat.ID})
	f.send(sc, protocol.EventSendMessage, protocol.SendMessageRequest{UserID: c, Text: "from c", Room: ac.Chat.ID})
	f.drain(sa, sb, sc)

	unread, err := f.store.UnreadMessageIDs(context.Background(), a)
	require.NoError(t, err)
	require.Len(t, unread, 2)

	f.send(sa, protocol.EventReadChatHistory, protocol.ReadChatHistoryRequest{ChatID: ab.Chat.ID, UserID: a})
	assert.Len(t, sa.Outbound(), 0, "read_chat_history has no reply")

	after, err := f.store.UnreadMessageIDs(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, unread[1:], after)
}

func TestLeaveDirectChatRoundTrip(t *testing.T) {
	f := newFixture(t)
	users := f.users(2)
	a, b := users[0].ID, users[1].ID
	sa, sb := f.connect(a), f.connect(b)
	chat := f.directChat(sa, a, b)
	f.drain(sb)
	f.join(sa, chat.Chat.ID)
	f.join(sb, chat.Chat.ID)
	f.drain(sa)

	f.send(sa, protocol.EventSendMessage, protocol.SendMessageRequest{UserID: a, Text: "bye", Room: chat.Chat.ID})
	f.drain(sa, sb)

	f.send(sa, protocol.EventLeaveGroup, protocol.MembershipRequest{ChatID: chat.Chat.ID, UserID: a})
	var notice protocol.MembershipChanged
	f.next(sa, protocol.EventLeaveGroup, &notice)
	assert.Equal(t, a, notice.UserID)
	assert.Nil(t, notice.AdminID)
	assert.Len(t, sa.Outbound(), 0)
	f.next(sb, protocol.EventLeaveGroup, nil)

	members, err := f.store.UsersByChat(context.Background(), chat.Chat.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, b, members[0].ID)
	assert.False(t, sa.InRoom(chat.Chat.ID))
	assert.True(t, sb.InRoom(chat.Chat.ID))

	f.send(sb, protocol.EventLeaveGroup, protocol.MembershipRequest{ChatID: chat.Chat.ID, UserID: a})
	assert.Equal(t, KindAuthFailure, f.nextError(sb, protocol.EventLeaveGroup).Kind)
}

func TestGroupAdministration(t *testing.T) {
	f := newFixture(t)
	users := f.users(3)
	admin, member, other := users[0].ID, users[1].ID, users[2].ID
	sAdmin, sMember, sOther := f.connect(admin), f.connect(member), f.connect(other)

	f.send(sAdmin, protocol.EventCreateGroup, protocol.CreateChatRequest{CurrentUserID: admin, UserIDs: []uint{member, other}, Name: "g"})
	var created protocol.ChatCreated
	f.next(sAdmin, protocol.EventCreateGroup, &created)
	group := created.Chat.ID
	f.drain(sAdmin, sMember, sOther)
	f.join(sAdmin, group)
	f.join(sMember, group)
	f.drain(sAdmin)

	t.Run("only admin changes info", func(t *testing.T) {
		f.send(sMember, protocol.EventChangeGroupInfo, protocol.ChangeGroupInfoRequest{GroupID: group, NewUserIDs: []uint{member}, NewName: "mine"})
		assert.Equal(t, KindAuthFailure, f.nextError(sMember, protocol.EventChangeGroupInfo).Kind)
	})

	t.Run("admin must stay", func(t *testing.T) {
		f.send(sAdmin, protocol.EventChangeGroupInfo, protocol.ChangeGroupInfoRequest{GroupID: group, NewUserIDs: []uint{member}, NewName: "x"})
		assert.Equal(t, KindInvalidInput, f.nextError(sAdmin, protocol.EventChangeGroupInfo).Kind)
	})

	t.Run("wholesale overwrite under three names", func(t *testing.T) {
		f.send(sAdmin, protocol.EventChangeGroupInfo, protocol.ChangeGroupInfoRequest{
			GroupID: group, NewUserIDs: []uint{admin, member}, NewName: "renamed", NewChatPhotoLink: "p.png",
		})
		for _, s := range []*hub.Session{sAdmin, sMember} {
			var views [3]protocol.ChatView
			f.next(s, protocol.EventChangeGroupInfo, &views[0])
			f.next(s, protocol.EventGroupUpdatedChatList, &views[1])
			f.next(s, protocol.EventGroupUpdatedDetails, &views[2])
			assert.Equal(t, views[0], views[1])
			assert.Equal(t, views[0], views[2])
			assert.Equal(t, "renamed", views[0].Name)
			assert.Len(t, views[0].Users, 2)
		}
		assert.Len(t, sOther.Outbound(), 0)
	})

	t.Run("admin removes member", func(t *testing.T) {
		f.send(sMember, protocol.EventRemoveUserFromChat, protocol.MembershipRequest{ChatID: group, UserID: admin})
		assert.Equal(t, KindAuthFailure, f.nextError(sMember, protocol.EventRemoveUserFromChat).Kind)

		f.send(sAdmin, protocol.EventRemoveUserFromChat, protocol.MembershipRequest{ChatID: group, UserID: member})
		f.next(sAdmin, protocol.EventRemoveUserFromChat, nil)
		f.next(sMember, protocol.EventRemoveUserFromChat, nil)
		assert.Len(t, sAdmin.Outbound(), 0)
		assert.False(t, sMember.InRoom(group))

		chat, err := f.store.GetChat(context.Background(), group)
		require.NoError(t, err)
		assert.Equal(t, []uint{admin}, chat.MemberIDs())
	})

	t.Run("delete under three names", func(t *testing.T) {
		f.send(sAdmin, protocol.EventDeleteChat, protocol.DeleteChatRequest{ChatID: group})
		for _, event := range []string{protocol.EventDeleteChat, protocol.EventDeleteChatChatList, protocol.EventDeleteChatDetails} {
			var notice protocol.ChatDeleted
			f.next(sAdmin, event, &notice)
			assert.Equal(t, group, notice.ChatID)
		}
		assert.False(t, sAdmin.InRoom(group))
		assert.Empty(t, f.hub.RoomMembers(group))

		f.send(sAdmin, protocol.EventDeleteChat, protocol.DeleteChatRequest{ChatID: group})
		assert.Equal(t, KindNotFound, f.nextError(sAdmin, protocol.EventDeleteChat).Kind)
	})
}

func TestChangeGroupInfoUnsubscribesDroppedMembers(t *testing.T) {
	f := newFixture(t)
	users := f.users(3)
	admin, member, other := users[0].ID, users[1].ID, users[2].ID
	sAdmin, sMember, sOther := f.connect(admin), f.connect(member), f.connect(other)

	f.send(sAdmin, protocol.EventCreateGroup, protocol.CreateChatRequest{CurrentUserID: admin, UserIDs: []uint{member, other}, Name: "g"})
	var created protocol.ChatCreated
	f.next(sAdmin, protocol.EventCreateGroup, &created)
	group := created.Chat.ID
	f.drain(sAdmin, sMember, sOther)
	for _, s := range []*hub.Session{sAdmin, sMember, sOther} {
		f.join(s, group)
	}
	f.drain(sAdmin, sMember, sOther)

	f.send(sAdmin, protocol.EventChangeGroupInfo, protocol.ChangeGroupInfoRequest{
		GroupID: group, NewUserIDs: []uint{admin, member}, NewName: "g",
	})
	for _, event := range []string{protocol.EventChangeGroupInfo, protocol.EventGroupUpdatedChatList, protocol.EventGroupUpdatedDetails} {
		f.next(sOther, event, nil)
	}
	f.drain(sAdmin, sMember)
	assert.False(t, sOther.InRoom(group))
	assert.True(t, sMember.InRoom(group))
	assert.NotContains(t, f.hub.RoomMembers(group), sOther.ID())

	f.send(sAdmin, protocol.EventSendMessage, protocol.SendMessageRequest{UserID: admin, Text: "members only", Room: group})
	f.next(sMember, protocol.EventSendMessage, nil)
	assert.Len(t, sOther.Outbound(), 0)
}

func TestAdminLeavingHandsOffGroup(t *testing.T) {
	f := newFixture(t)
	users := f.users(3)
	admin, member, other := users[0].ID, users[1].ID, users[2].ID
	sAdmin, sMember, sOther := f.connect(admin), f.connect(member), f.connect(other)

	f.send(sAdmin, protocol.EventCreateGroup, protocol.CreateChatRequest{CurrentUserID: admin, UserIDs: []uint{other, member}, Name: "g"})
	var created protocol.ChatCreated
	f.next(sAdmin, protocol.EventCreateGroup, &created)
	group := created.Chat.ID
	f.drain(sAdmin, sMember, sOther)
	f.join(sAdmin, group)
	f.join(sMember, group)
	f.drain(sAdmin)

	f.send(sAdmin, protocol.EventLeaveGroup, protocol.MembershipRequest{ChatID: group, UserID: admin})
	for _, s := range []*hub.Session{sAdmin, sMember} {
		var notice protocol.MembershipChanged
		f.next(s, protocol.EventLeaveGroup, &notice)
		assert.Equal(t, admin, notice.UserID)
		require.NotNil(t, notice.AdminID)
		assert.Equal(t, member, *notice.AdminID)
	}
	assert.Len(t, sAdmin.Outbound(), 0)
	assert.False(t, sAdmin.InRoom(group))

	chat, err := f.store.GetChat(context.Background(), group)
	require.NoError(t, err)
	require.NotNil(t, chat.AdminID)
	assert.Equal(t, member, *chat.AdminID)

	t.Run("new admin manages the group", func(t *testing.T) {
		f.send(sMember, protocol.EventChangeGroupInfo, protocol.ChangeGroupInfoRequest{
			GroupID: group, NewUserIDs: []uint{member, other}, NewName: "handed over",
		})
		var view protocol.ChatView
		f.next(sMember, protocol.EventChangeGroupInfo, &view)
		assert.Equal(t, "handed over", view.Name)
		require.NotNil(t, view.AdminID)
		assert.Equal(t, member, *view.AdminID)
		f.drain(sMember)
	})

	t.Run("caller outside the room is told once", func(t *testing.T) {
		f.send(sOther, protocol.EventLeaveGroup, protocol.MembershipRequest{ChatID: group, UserID: other})
		var notice protocol.MembershipChanged
		f.next(sOther, protocol.EventLeaveGroup, &notice)
		assert.Nil(t, notice.AdminID)
		assert.Len(t, sOther.Outbound(), 0)
		f.next(sMember, protocol.EventLeaveGroup, nil)
	})
}

func TestJoinAndLeaveRoom(t *testing.T) {
	f := newFixture(t)
	users := f.users(3)
	sa, sc := f.connect(users[0].ID), f.connect(users[2].ID)
	chat := f.directChat(sa, users[0].ID, users[1].ID)
	f.drain(sc)

	f.send(sc, protocol.EventJoinRoom, protocol.RoomRequest{Room: chat.Chat.ID})
	assert.Equal(t, KindNotFound, f.nextError(sc, protocol.EventJoinRoom).Kind)

	f.send(sa, protocol.EventJoinRoom, protocol.RoomRequest{Room: 999})
	assert.Equal(t, KindNotFound, f.nextError(sa, protocol.EventJoinRoom).Kind)

	f.join(sa, chat.Chat.ID)
	f.join(sa, chat.Chat.ID)
	assert.Equal(t, []uint{chat.Chat.ID}, sa.Rooms())

	f.send(sa, protocol.EventLeaveRoom, protocol.RoomRequest{Room: chat.Chat.ID})
	var confirmation protocol.RoomResponse
	f.next(sa, protocol.EventLeaveRoom, &confirmation)
	assert.Equal(t, chat.Chat.ID, confirmation.Room)
	assert.Empty(t, sa.Rooms())

	f.send(sa, protocol.EventLeaveRoom, protocol.RoomRequest{Room: chat.Chat.ID})
	f.next(sa, protocol.EventLeaveRoom, nil)
}

func TestLoadUserSortsChatsByActivity(t *testing.T) {
	f := newFixture(t)
	users := f.users(4)
	me := users[0].ID
	s := f.connect(me)
	quiet := f.directChat(s, me, users[1].ID)
	older := f.directChat(s, me, users[2].ID)
	newer := f.directChat(s, me, users[3].ID)

	for i, chatID := range []uint{newer.Chat.ID, older.Chat.ID} {
		ts := protocol.Timestamp{Time: time.Date(2024, 1, 2-i, 0, 0, 0, 0, time.UTC)}
		f.drain(s)
		f.join(s, chatID)
		f.send(s, protocol.EventSendMessage, protocol.SendMessageRequest{UserID: me, Text: "x", SentAt: &ts, Room: chatID})
	}
	seen := time.Now()
	_, err := f.store.SetLastSeen(context.Background(), me, &seen)
	require.NoError(t, err)
	f.drain(s)

	f.send(s, protocol.EventLoadUser, protocol.LoadUserRequest{UserID: me})
	var reply protocol.LoadUserResponse
	f.next(s, protocol.EventLoadUser, &reply)
	require.Len(t, reply.User.Chats, 3)
	assert.Equal(t, newer.Chat.ID, reply.User.Chats[0].ID)
	assert.Equal(t, older.Chat.ID, reply.User.Chats[1].ID)
	assert.Equal(t, quiet.Chat.ID, reply.User.Chats[2].ID)
	assert.Nil(t, reply.User.Chats[2].LastMessage)
	assert.True(t, reply.User.IsOnline)

	stored, err := f.store.GetUser(context.Background(), me)
	require.NoError(t, err)
	assert.Nil(t, stored.LastSeen)

	f.send(s, protocol.EventLoadUser, protocol.LoadUserRequest{UserID: me, LoadMessages: true})
	f.next(s, protocol.EventLoadUser, &reply)
	assert.Len(t, reply.User.Chats[0].Messages, 1)
}

func TestSearchUsersByUsername(t *testing.T) {
	f := newFixture(t)
	users := f.users(3)
	s := f.connect(users[0].ID)

	f.send(s, protocol.EventSearchUsersByUsername, protocol.SearchUsersRequest{UsernameValue: "user"})
	var reply protocol.SearchUsersResponse
	f.next(s, protocol.EventSearchUsersByUsername, &reply)
	require.Len(t, reply.Users, 2)
	for _, u := range reply.Users {
		assert.NotEqual(t, users[0].ID, u.ID)
	}

	f.send(s, protocol.EventSearchUsersByUsername, protocol.SearchUsersRequest{UsernameValue: "USER"})
	f.next(s, protocol.EventSearchUsersByUsername, &reply)
	assert.Empty(t, reply.Users)
}

func TestPresenceEvents(t *testing.T) {
	f := newFixture(t)
	users := f.users(2)
	me := users[0].ID
	first, second := f.connect(me), f.connect(me)
	watcher := f.connect(users[1].ID)

	f.send(first, protocol.EventGoOffline, protocol.StatusRequest{UserID: me})
	var status protocol.StatusChanged
	f.next(watcher, protocol.EventUserStatusUpdated, &status)
	assert.False(t, status.Status)
	assert.NotNil(t, status.LastSeen)

	f.send(first, protocol.EventGoOnline, protocol.StatusRequest{UserID: me})
	f.next(watcher, protocol.EventUserStatusUpdated, &status)
	assert.True(t, status.Status)
	f.drain(first, second)

	f.coord.Disconnect(context.Background(), first.ID())
	assert.Len(t, watcher.Outbound(), 0, "another session is still live")

	f.coord.Disconnect(context.Background(), second.ID())
	f.next(watcher, protocol.EventUserStatusUpdated, &status)
	assert.False(t, status.Status)
	assert.Equal(t, me, status.UserID)

	f.coord.Disconnect(context.Background(), second.ID())
	assert.Len(t, watcher.Outbound(), 0)
}

func TestTypingReachesRoom(t *testing.T) {
	f := newFixture(t)
	users := f.users(2)
	sa, sb := f.connect(users[0].ID), f.connect(users[1].ID)
	chat := f.directChat(sa, users[0].ID, users[1].ID)
	f.drain(sb)
	f.join(sb, chat.Chat.ID)

	f.send(sa, protocol.EventTyping, protocol.TypingRequest{UserID: users[0].ID, ChatID: chat.Chat.ID})
	var notice protocol.TypingNotice
	f.next(sb, protocol.EventTyping, &notice)
	assert.Equal(t, "User 1", notice.DisplayName)
	assert.Len(t, sa.Outbound(), 0)
}

func TestTypingRequiresMembership(t *testing.T) {
	f := newFixture(t)
	users := f.users(3)
	sa, sb, outsider := f.connect(users[0].ID), f.connect(users[1].ID), f.connect(users[2].ID)
	chat := f.directChat(sa, users[0].ID, users[1].ID)
	f.drain(sb)
	f.join(sb, chat.Chat.ID)

	f.send(outsider, protocol.EventTyping, protocol.TypingRequest{UserID: users[2].ID, ChatID: chat.Chat.ID})
	assert.Equal(t, KindNotFound, f.nextError(outsider, protocol.EventTyping).Kind)

	f.send(outsider, protocol.EventTyping, protocol.TypingRequest{UserID: users[2].ID, ChatID: 999})
	assert.Equal(t, KindNotFound, f.nextError(outsider, protocol.EventTyping).Kind)

	assert.Len(t, sb.Outbound(), 0)
}

func TestChangeUserInfo(t *testing.T) {
	f := newFixture(t)
	users := f.users(2)
	s, watcher := f.connect(users[0].ID), f.connect(users[1].ID)

	f.send(s, protocol.EventChangeUserInfo, protocol.ChangeUserInfoRequest{UserID: users[0].ID, Surname: "Smith"})
	var view protocol.UserView
	f.next(watcher, protocol.EventChangeUserInfo, &view)
	assert.Equal(t, "Smith", view.Surname)
	assert.Equal(t, "user1", view.Username)
	f.drain(s)

	f.send(s, protocol.EventChangeUserInfo, protocol.ChangeUserInfoRequest{UserID: users[0].ID, Username: "user2"})
	failure := f.nextError(s, protocol.EventChangeUserInfo)
	assert.Equal(t, KindConflict, failure.Kind)
	assert.Len(t, watcher.Outbound(), 0)
}

func TestConcurrentDirectCreationYieldsOneChat(t *testing.T) {
	f := newFixture(t)
	users := f.users(2)
	a, b := users[0].ID, users[1].ID

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := f.hub.Register()
			if err := f.hub.BindUser(s.ID(), a); err != nil {
				return
			}
			env, err := protocol.NewEnvelope(protocol.EventCreateChat, protocol.CreateChatRequest{CurrentUserID: a, UserIDs: []uint{b}})
			if err == nil {
				f.coord.Dispatch(context.Background(), s, env)
			}
		}()
	}
	wg.Wait()

	chats, err := f.store.ChatsByGroupFlag(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, chats, 1)
	assert.Zero(t, f.coord.directLocks.size())
}

func TestRoomDeliveryFollowsCommitOrder(t *testing.T) {
	f := newFixture(t)
	users := f.users(2)
	a, b := users[0].ID, users[1].ID
	observer := f.connect(b)
	chat := f.directChat(observer, b, a)
	f.join(observer, chat.Chat.ID)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := f.hub.Register()
			if err := f.hub.BindUser(s.ID(), a); err != nil {
				return
			}
			env, err := protocol.NewEnvelope(protocol.EventSendMessage, protocol.SendMessageRequest{
				UserID: a, Text: fmt.Sprintf("n%d", i), Room: chat.Chat.ID,
			})
			if err == nil {
				f.coord.Dispatch(context.Background(), s, env)
			}
		}(i)
	}
	wg.Wait()

	var last uint
	for i := 0; i < 20; i++ {
		var msg protocol.MessageView
		f.next(observer, protocol.EventSendMessage, &msg)
		f.next(observer, protocol.EventSendMessageChatUpdate, nil)
		assert.Greater(t, msg.ID, last)
		last = msg.ID
	}
	assert.Zero(t, f.coord.chatLocks.size())
}

func TestPanicIsReportedAsInternal(t *testing.T) {
	f := newFixture(t)
	register(f.coord, "explode", true, func(context.Context, Call, protocol.ValidateTokenRequest) (Result, error) {
		panic("kaboom")
	})
	s := f.hub.Register()
	f.send(s, "explode", protocol.ValidateTokenRequest{})
	failure := f.nextError(s, "explode")
	assert.Equal(t, KindInternal, failure.Kind)
	assert.Equal(t, "internal error", failure.Error)

	users := f.users(1)
	other := f.connect(users[0].ID)
	f.send(other, protocol.EventSearchUsersByUsername, protocol.SearchUsersRequest{UsernameValue: "user"})
	f.next(other, protocol.EventSearchUsersByUsername, nil)
}
