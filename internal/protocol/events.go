package protocol

// Inbound event names.
const (
	EventValidateToken          = "validate_token"
	EventValidateRefreshedToken = "validate_refreshed_token"
	EventLoadUser               = "load_user"
	EventLoadChatHistory        = "load_chat_history"
	EventReadChatHistory        = "read_chat_history"
	EventJoinRoom               = "join_room"
	EventLeaveRoom              = "leave_room"
	EventSendMessage            = "send_message"
	EventEditMessage            = "edit_message"
	EventDeleteMessage          = "delete_message"
	EventCreateChat             = "create_chat"
	EventCreateGroup            = "create_group"
	EventChangeGroupInfo        = "change_group_info"
	EventLeaveGroup             = "leave_group"
	EventRemoveUserFromChat     = "remove_user_from_chat"
	EventDeleteChat             = "delete_chat"
	EventGoOnline               = "go_online"
	EventGoOffline              = "go_offline"
	EventSearchUsersByUsername  = "search_users_by_username"
	EventTyping                 = "typing"
	EventChangeUserInfo         = "change_user_info"
)

// Outbound-only event names.
const (
	EventSendMessageChatUpdate = "send_message_chat_update"
	EventCreateGroupChatList   = "create_group_chat_list"
	EventGroupUpdatedChatList  = "group_updated_chat_list"
	EventGroupUpdatedDetails   = "group_updated_details"
	EventDeleteChatChatList    = "delete_chat_chat_list"
	EventDeleteChatDetails     = "delete_chat_details"
	EventUserStatusUpdated     = "user_status_updated"
)

const errorSuffix = "_error"

// ErrorEvent names the caller-directed failure event for event.
func ErrorEvent(event string) string {
	return event + errorSuffix
}
