package models

import "time"

// User is the server-side view of an identity. Only the public key is
// published; private keys never reach the server.
type User struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"displayName"`
	Email       string     `json:"-"`
	PublicKey   string     `json:"publicKey"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Identity is what the verification oracle returns for a credential.
type Identity struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

func (r Role) Valid() bool {
	return r == RoleMember || r == RoleAdmin || r == RoleOwner
}

// Privileged roles implicitly hold every permission.
func (r Role) Privileged() bool {
	return r == RoleAdmin || r == RoleOwner
}

type RoomKind string

const (
	KindDirect  RoomKind = "direct"
	KindGroup   RoomKind = "group"
	KindChannel RoomKind = "channel"
)

type Permission string

const (
	PermSendMessages  Permission = "canSendMessages"
	PermSendMedia     Permission = "canSendMedia"
	PermAddMembers    Permission = "canAddMembers"
	PermRemoveMembers Permission = "canRemoveMembers"
	PermEditRoom      Permission = "canEditChatInfo"
)

type Permissions struct {
	SendMessages  bool `json:"canSendMessages"`
	SendMedia     bool `json:"canSendMedia"`
	AddMembers    bool `json:"canAddMembers"`
	RemoveMembers bool `json:"canRemoveMembers"`
	EditRoom      bool `json:"canEditChatInfo"`
}

type Preferences struct {
	Notifications bool       `json:"notifications"`
	MuteUntil     *time.Time `json:"muteUntil,omitempty"`
	Nickname      string     `json:"nickname,omitempty"`
}

type Participant struct {
	UserID      string      `json:"userId"`
	Role        Role        `json:"role"`
	Permissions Permissions `json:"permissions"`
	Preferences Preferences `json:"preferences"`
	AddedBy     string      `json:"addedBy,omitempty"`
	JoinedAt    time.Time   `json:"joinedAt"`
	LeftAt      *time.Time  `json:"leftAt,omitempty"`
	Active      bool        `json:"isActive"`
}

type RoomSettings struct {
	MaxMembers    int  `json:"maxMembers"`
	IsPublic      bool `json:"isPublic"`
	AllowInvites  bool `json:"allowInvites"`
	RetentionDays int  `json:"messageRetention"`
}

// EncryptionInfo is rotation metadata only. Group key material is never
// stored or sent.
type EncryptionInfo struct {
	RotationIntervalDays int       `json:"keyRotationInterval"`
	LastRotation         time.Time `json:"lastKeyRotation"`
}

type LastMessage struct {
	MessageID string    `json:"message"`
	Preview   string    `json:"preview"`
	Timestamp time.Time `json:"timestamp"`
}

type ChatRoom struct {
	ID            string         `json:"chatId"`
	Kind          RoomKind       `json:"type"`
	Name          string         `json:"name,omitempty"`
	Participants  []Participant  `json:"participants"`
	CreatorID     string         `json:"creator"`
	Settings      RoomSettings   `json:"settings"`
	Encryption    EncryptionInfo `json:"-"`
	LastMessage   *LastMessage   `json:"lastMessage,omitempty"`
	TotalMessages int64          `json:"totalMessages"`
	Archived      bool           `json:"isArchived"`
	ArchivedAt    *time.Time     `json:"archivedAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

type MessageKind string

const (
	MessageText     MessageKind = "text"
	MessageFile     MessageKind = "file"
	MessageImage    MessageKind = "image"
	MessageVoice    MessageKind = "voice"
	MessageVideo    MessageKind = "video"
	MessageLocation MessageKind = "location"
	MessageSystem   MessageKind = "system"
)

// MessageKinds lists every accepted kind, in wire form.
var MessageKinds = []string{
	string(MessageText), string(MessageFile), string(MessageImage), string(MessageVoice),
	string(MessageVideo), string(MessageLocation), string(MessageSystem),
}

// Media kinds additionally require the send-media permission.
func (k MessageKind) Media() bool {
	switch k {
	case MessageFile, MessageImage, MessageVoice, MessageVideo:
		return true
	}
	return false
}

type DeleteScope string

const (
	DeleteForSender   DeleteScope = "sender"
	DeleteForEveryone DeleteScope = "everyone"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Recipient is one per-recipient envelope of a message.
type Recipient struct {
	UserID           string     `json:"user"`
	EncryptedContent []byte     `json:"encryptedContent"`
	EncryptedKey     []byte     `json:"encryptedKey"`
	KeyNonce         []byte     `json:"keyNonce"`
	DeliveredAt      *time.Time `json:"deliveredAt"`
	ReadAt           *time.Time `json:"readAt"`
	Deleted          bool       `json:"isDeleted"`
}

// EncryptionHeader describes how the shared message ciphertext was sealed.
type EncryptionHeader struct {
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"keyId"`
	Nonce     []byte `json:"nonce"`
}

type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

type Metadata struct {
	Filename   string      `json:"filename,omitempty"`
	FileSize   int64       `json:"fileSize,omitempty"`
	MimeType   string      `json:"mimeType,omitempty"`
	Duration   float64     `json:"duration,omitempty"`
	Dimensions *Dimensions `json:"dimensions,omitempty"`
	Location   *Location   `json:"location,omitempty"`
	// TTLSeconds turns the message into a disappearing message.
	TTLSeconds int `json:"ttlSeconds,omitempty"`
}

type Reaction struct {
	UserID  string    `json:"user"`
	Emoji   string    `json:"emoji"`
	AddedAt time.Time `json:"addedAt"`
}

// Edit records the content a recipient envelope held before an edit.
type Edit struct {
	RecipientID     string    `json:"recipient"`
	EditedAt        time.Time `json:"editedAt"`
	PreviousContent []byte    `json:"previousContent"`
}

type Message struct {
	ID              string           `json:"id"`
	RoomID          string           `json:"chatId"`
	SenderID        string           `json:"sender"`
	ClientMessageID string           `json:"clientMessageId"`
	Kind            MessageKind      `json:"messageType"`
	ThreadID        string           `json:"threadId,omitempty"`
	Metadata        *Metadata        `json:"metadata,omitempty"`
	Encryption      EncryptionHeader `json:"encryption"`
	Priority        Priority         `json:"priority"`
	Mentions        []string         `json:"mentions,omitempty"`
	Recipients      []Recipient      `json:"recipients"`
	Reactions       []Reaction       `json:"reactions"`
	EditHistory     []Edit           `json:"editHistory,omitempty"`
	Edited          bool             `json:"isEdited"`
	Deleted         bool             `json:"isDeleted"`
	DeleteScope     DeleteScope      `json:"deleteType,omitempty"`
	ExpiresAt       *time.Time       `json:"expiresAt,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}
