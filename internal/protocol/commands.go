package protocol

import (
	"time"

	"github.com/pliu/sniffguard/internal/models"
	"github.com/pliu/sniffguard/internal/validation"
)

const (
	MaxRecipients   = 1000
	MaxEnvelopeSize = 256 * 1024
	MaxMentions     = 100
)

type RoomRef struct {
	RoomID string `json:"roomId"`
}

func (p RoomRef) Validate() error {
	var v validation.Validator
	v.RoomID("roomId", p.RoomID)
	return v.Err()
}

// Envelope is one recipient's sealed copy of a message.
type Envelope struct {
	UserID           string `json:"user"`
	EncryptedContent []byte `json:"encryptedContent"`
	EncryptedKey     []byte `json:"encryptedKey"`
	KeyNonce         []byte `json:"keyNonce"`
}

func (e Envelope) Model() models.Recipient {
	return models.Recipient{
		UserID:           e.UserID,
		EncryptedContent: e.EncryptedContent,
		EncryptedKey:     e.EncryptedKey,
		KeyNonce:         e.KeyNonce,
	}
}

func envelopes(v *validation.Validator, field string, es []Envelope) {
	if len(es) == 0 {
		v.Required(field, "")
		return
	}
	v.MaxItems(field, len(es), MaxRecipients)
	for _, e := range es {
		v.UserID(field+".user", e.UserID)
		v.Check(len(e.EncryptedContent) > 0 && len(e.EncryptedKey) > 0 && len(e.KeyNonce) > 0,
			field, "envelopes need encryptedContent, encryptedKey and keyNonce")
		v.Check(len(e.EncryptedContent) <= MaxEnvelopeSize, field, "envelope too large")
	}
}

func Models(es []Envelope) []models.Recipient {
	out := make([]models.Recipient, len(es))
	for i, e := range es {
		out[i] = e.Model()
	}
	return out
}

type SendMessage struct {
	RoomID          string                  `json:"roomId"`
	ClientMessageID string                  `json:"clientMessageId"`
	Recipients      []Envelope              `json:"recipients"`
	Kind            models.MessageKind      `json:"messageType"`
	ThreadID        string                  `json:"threadId,omitempty"`
	Metadata        *models.Metadata        `json:"metadata,omitempty"`
	Encryption      models.EncryptionHeader `json:"encryption"`
	Priority        models.Priority         `json:"priority,omitempty"`
	Mentions        []string                `json:"mentions,omitempty"`
}

func (p SendMessage) Validate() error {
	var v validation.Validator
	v.RoomID("roomId", p.RoomID)
	if v.Required("clientMessageId", p.ClientMessageID) {
		v.MaxLen("clientMessageId", p.ClientMessageID, validation.MaxClientIDLength)
	}
	envelopes(&v, "recipients", p.Recipients)
	if p.Kind != "" {
		v.OneOf("messageType", string(p.Kind), models.MessageKinds)
	}
	if p.ThreadID != "" {
		v.UUID("threadId", p.ThreadID)
	}
	if p.Priority != "" {
		v.OneOf("priority", string(p.Priority), []string{
			string(models.PriorityLow), string(models.PriorityNormal),
			string(models.PriorityHigh), string(models.PriorityUrgent),
		})
	}
	v.Check(len(p.Encryption.Nonce) > 0, "encryption.nonce", "is required")
	v.Check(p.Metadata == nil || p.Metadata.TTLSeconds >= 0, "metadata.ttlSeconds", "must not be negative")
	v.MaxItems("mentions", len(p.Mentions), MaxMentions)
	v.UserIDs("mentions", p.Mentions)
	return v.Err()
}

func (p SendMessage) Draft(senderID string) models.Draft {
	return models.Draft{
		RoomID:          p.RoomID,
		SenderID:        senderID,
		ClientMessageID: p.ClientMessageID,
		Kind:            p.Kind,
		ThreadID:        p.ThreadID,
		Metadata:        p.Metadata,
		Encryption:      p.Encryption,
		Priority:        p.Priority,
		Mentions:        p.Mentions,
		Recipients:      Models(p.Recipients),
	}
}

// MarkAsRead without message ids marks everything outstanding in the room.
type MarkAsRead struct {
	RoomID     string   `json:"roomId"`
	MessageIDs []string `json:"messageIds,omitempty"`
}

func (p MarkAsRead) Validate() error {
	var v validation.Validator
	v.RoomID("roomId", p.RoomID)
	for _, id := range p.MessageIDs {
		v.UUID("messageIds", id)
	}
	return v.Err()
}

type Reaction struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji,omitempty"`
}

func (p Reaction) Validate(withEmoji bool) error {
	var v validation.Validator
	v.RoomID("roomId", p.RoomID)
	v.UUID("messageId", p.MessageID)
	if withEmoji {
		v.Reaction("emoji", p.Emoji)
	}
	return v.Err()
}

type CreateDirectChat struct {
	RecipientID string `json:"recipientId"`
}

func (p CreateDirectChat) Validate() error {
	var v validation.Validator
	v.UserID("recipientId", p.RecipientID)
	return v.Err()
}

type CreateGroupChat struct {
	Name      string               `json:"name"`
	Kind      models.RoomKind      `json:"type,omitempty"`
	MemberIDs []string             `json:"participants"`
	Settings  *models.RoomSettings `json:"settings,omitempty"`
}

func (p CreateGroupChat) Validate() error {
	var v validation.Validator
	if v.Required("name", p.Name) {
		v.MaxLen("name", p.Name, models.MaxRoomNameLength)
	}
	if p.Kind != "" {
		v.OneOf("type", string(p.Kind), []string{string(models.KindGroup), string(models.KindChannel)})
	}
	v.UserIDs("participants", p.MemberIDs)
	v.Check(p.Settings == nil || p.Settings.MaxMembers >= 0, "settings.maxMembers", "must not be negative")
	return v.Err()
}

type Member struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

func (p Member) Validate() error {
	var v validation.Validator
	v.RoomID("roomId", p.RoomID)
	v.UserID("userId", p.UserID)
	return v.Err()
}

// UpdateRole changes a participant's role, permission flags, or both.
type UpdateRole struct {
	RoomID      string              `json:"roomId"`
	UserID      string              `json:"userId"`
	Role        models.Role         `json:"role,omitempty"`
	Permissions *models.Permissions `json:"permissions,omitempty"`
}

func (p UpdateRole) Validate() error {
	var v validation.Validator
	v.RoomID("roomId", p.RoomID)
	v.UserID("userId", p.UserID)
	switch {
	case p.Role != "":
		v.OneOf("role", string(p.Role), []string{string(models.RoleMember), string(models.RoleAdmin), string(models.RoleOwner)})
	case p.Permissions == nil:
		v.Check(false, "role", "or permissions is required")
	}
	return v.Err()
}

// MuteChat mutes until the given time; a nil Until unmutes.
type MuteChat struct {
	RoomID string     `json:"roomId"`
	Until  *time.Time `json:"until,omitempty"`
}

func (p MuteChat) Validate() error {
	var v validation.Validator
	v.RoomID("roomId", p.RoomID)
	return v.Err()
}

type SetNickname struct {
	RoomID   string `json:"roomId"`
	Nickname string `json:"nickname"`
}

func (p SetNickname) Validate() error {
	var v validation.Validator
	v.RoomID("roomId", p.RoomID)
	v.MaxLen("nickname", p.Nickname, models.MaxNicknameLength)
	return v.Err()
}

type EditMessage struct {
	RoomID     string                  `json:"roomId"`
	MessageID  string                  `json:"messageId"`
	Encryption models.EncryptionHeader `json:"encryption"`
	Recipients []Envelope              `json:"recipients"`
}

func (p EditMessage) Validate() error {
	var v validation.Validator
	v.RoomID("roomId", p.RoomID)
	v.UUID("messageId", p.MessageID)
	envelopes(&v, "recipients", p.Recipients)
	v.Check(len(p.Encryption.Nonce) > 0, "encryption.nonce", "is required")
	return v.Err()
}

type DeleteMessage struct {
	RoomID    string             `json:"roomId"`
	MessageID string             `json:"messageId"`
	Scope     models.DeleteScope `json:"deleteType"`
}

func (p DeleteMessage) Validate() error {
	var v validation.Validator
	v.RoomID("roomId", p.RoomID)
	v.UUID("messageId", p.MessageID)
	v.OneOf("deleteType", string(p.Scope), []string{string(models.DeleteForSender), string(models.DeleteForEveryone)})
	return v.Err()
}

type UserRef struct {
	UserID string `json:"userId"`
}

func (p UserRef) Validate() error {
	var v validation.Validator
	v.UserID("userId", p.UserID)
	return v.Err()
}
