package protocol

import (
	"time"

	"github.com/pliu/sniffguard/internal/common"
	"github.com/pliu/sniffguard/internal/models"
)

type MessageSent struct {
	RoomID          string    `json:"chatId"`
	ClientMessageID string    `json:"clientMessageId"`
	MessageID       string    `json:"messageId"`
	Timestamp       time.Time `json:"timestamp"`
	Duplicate       bool      `json:"duplicate,omitempty"`
}

type NewMessage struct {
	RoomID  string          `json:"chatId"`
	Message *models.Message `json:"message"`
}

type ChatMessages struct {
	RoomID   string           `json:"chatId"`
	Messages []models.Message `json:"messages"`
}

type MessagesRead struct {
	RoomID     string    `json:"chatId"`
	UserID     string    `json:"userId"`
	MessageIDs []string  `json:"messageIds"`
	ReadAt     time.Time `json:"readAt"`
}

type UserTyping struct {
	RoomID   string `json:"chatId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

type ReactionChanged struct {
	RoomID    string    `json:"chatId"`
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Emoji     string    `json:"emoji,omitempty"`
	At        time.Time `json:"timestamp"`
}

type ChatCreated struct {
	Chat    *models.ChatRoom `json:"chat"`
	Kind    models.RoomKind  `json:"type"`
	Created bool             `json:"created"`
	By      *Actor           `json:"createdBy,omitempty"`
}

type Actor struct {
	UserID   string `json:"id"`
	Username string `json:"username"`
}

// ChatUpdated carries the caller's view of a room after a preference change.
type ChatUpdated struct {
	Chat *models.ChatRoom `json:"chat"`
}

type UserBlocked struct {
	UserID  string `json:"userId"`
	Blocked bool   `json:"blocked"`
}

type RoomPresence struct {
	RoomID   string    `json:"chatId"`
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	At       time.Time `json:"timestamp"`
}

type UserPresence struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	At       time.Time `json:"timestamp"`
	Reason   string    `json:"reason,omitempty"`
}

type OnlineUser struct {
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type OnlineUsers struct {
	Users []OnlineUser `json:"users"`
	Count int          `json:"count"`
}

type UserChats struct {
	Chats []models.ChatRoom `json:"chats"`
}

type MessageEdited struct {
	RoomID  string          `json:"chatId"`
	Message *models.Message `json:"message"`
}

type MessageDeleted struct {
	RoomID    string             `json:"chatId"`
	MessageID string             `json:"messageId"`
	Scope     models.DeleteScope `json:"deleteType"`
	DeletedBy string             `json:"deletedBy,omitempty"`
	At        time.Time          `json:"timestamp"`
}

type MemberChanged struct {
	RoomID      string              `json:"chatId"`
	UserID      string              `json:"userId"`
	By          string              `json:"by,omitempty"`
	Role        models.Role         `json:"role,omitempty"`
	Permissions *models.Permissions `json:"permissions,omitempty"`
	At          time.Time           `json:"timestamp"`
}

type UnreadCount struct {
	Count int `json:"count"`
}

type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ErrorEvent renders err as an error event replying to ref. Internal
// failures are not described to the client.
func ErrorEvent(ref string, err error) Event {
	code := common.Code(err)
	msg := err.Error()
	if code == common.CodeInternal {
		msg = "internal error"
	}
	return Event{Type: EvError, Ref: ref, Payload: Error{Code: code, Message: msg, Retryable: common.Retryable(err)}}
}

// ErrorCode renders a protocol-level failure that has no error value.
func ErrorCode(ref, code, msg string) Event {
	return Event{Type: EvError, Ref: ref, Payload: Error{Code: code, Message: msg}}
}
