// Package protocol defines the JSON frames exchanged over a chat
// connection: inbound commands, outbound events and their payloads.
package protocol

import "encoding/json"

// Inbound command types.
const (
	CmdJoinChat         = "join_chat"
	CmdLeaveChat        = "leave_chat"
	CmdSendMessage      = "send_message"
	CmdMarkAsRead       = "mark_as_read"
	CmdTypingStart      = "typing_start"
	CmdTypingStop       = "typing_stop"
	CmdAddReaction      = "add_reaction"
	CmdRemoveReaction   = "remove_reaction"
	CmdCreateDirectChat = "create_direct_chat"
	CmdCreateGroupChat  = "create_group_chat"
	CmdAddMember        = "add_member"
	CmdRemoveMember     = "remove_member"
	CmdUpdateRole       = "update_role"
	CmdMuteChat         = "mute_chat"
	CmdSetNickname      = "set_nickname"
	CmdEditMessage      = "edit_message"
	CmdDeleteMessage    = "delete_message"
	CmdBlockUser        = "block_user"
	CmdUnblockUser      = "unblock_user"
	CmdGetUserChats     = "get_user_chats"
	CmdGetOnlineUsers   = "get_online_users"
	CmdGetUnreadCount   = "get_unread_count"
)

// Outbound event types.
const (
	EvNewMessage      = "new_message"
	EvMessageSent     = "message_sent"
	EvChatMessages    = "chat_messages"
	EvMessagesRead    = "messages_read"
	EvUserTyping      = "user_typing"
	EvReactionAdded   = "reaction_added"
	EvReactionRemoved = "reaction_removed"
	EvChatCreated     = "chat_created"
	EvNewChatCreated  = "new_chat_created"
	EvUserJoinedChat  = "user_joined_chat"
	EvUserLeftChat    = "user_left_chat"
	EvUserOnline      = "user_online"
	EvUserOffline     = "user_offline"
	EvOnlineUsers     = "online_users"
	EvUserChats       = "user_chats"
	EvMessageEdited   = "message_edited"
	EvMessageDeleted  = "message_deleted"
	EvMemberAdded     = "member_added"
	EvMemberRemoved   = "member_removed"
	EvRoleUpdated     = "role_updated"
	EvUnreadCount     = "unread_count"
	EvChatUpdated     = "chat_updated"
	EvUserBlocked     = "user_blocked"
	EvUserUnblocked   = "user_unblocked"
	EvError           = "error"
)

// Command is one inbound frame. Ref is an optional client correlation id
// echoed on direct replies.
type Command struct {
	Type    string          `json:"type"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is one outbound frame.
type Event struct {
	Type    string `json:"type"`
	Ref     string `json:"ref,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Conn is a live client connection as seen by the messaging core.
type Conn interface {
	ID() string
	UserID() string
	// Send queues ev without blocking. It returns false when the
	// connection is closed or too slow to keep up.
	Send(ev Event) bool
	Close()
}

// Decode unmarshals the command payload into v. An empty payload leaves v
// untouched.
func (c Command) Decode(v any) error {
	if len(c.Payload) == 0 || string(c.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(c.Payload, v)
}
