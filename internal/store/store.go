// Package store declares the persistence contracts of the messaging core.
package store

import (
	"context"
	"time"

	"github.com/pliu/sniffguard/internal/models"
)

type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	SetLastSeen(ctx context.Context, id string, at time.Time) error

	BlockUser(ctx context.Context, blockerID, blockedID string) error
	UnblockUser(ctx context.Context, blockerID, blockedID string) error
	// IsBlocked is true when either user has blocked the other.
	IsBlocked(ctx context.Context, a, b string) (bool, error)
}

type RoomRepository interface {
	FindByID(ctx context.Context, roomID string) (*models.ChatRoom, error)
	// FindOrCreateDirect is an atomic upsert keyed on the derived direct
	// room id. created reports whether this call inserted the room.
	FindOrCreateDirect(ctx context.Context, a, b string, now time.Time) (room *models.ChatRoom, created bool, err error)
	CreateRoom(ctx context.Context, room *models.ChatRoom) error
	// SaveRoom persists room metadata and the full participant list.
	SaveRoom(ctx context.Context, room *models.ChatRoom) error
	ListForUser(ctx context.Context, userID string) ([]models.ChatRoom, error)
}

type MessageStore interface {
	// InsertMessage stores m with all recipient envelopes and the room's
	// updated summary in one transaction. A second insert with the same
	// (room, sender, client message id) fails with common.ErrDuplicateMessage.
	InsertMessage(ctx context.Context, m *models.Message, room *models.ChatRoom) error
	FindByClientID(ctx context.Context, roomID, senderID, clientMessageID string) (*models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	// UpdateMessage rewrites envelopes, edit history and delete state.
	UpdateMessage(ctx context.Context, m *models.Message) error

	// PageByRoom returns messages visible to viewerID, newest first. Pages
	// start at 1.
	PageByRoom(ctx context.Context, roomID, viewerID string, page, pageSize int, now time.Time) ([]models.Message, error)

	// BulkSetDelivered marks every undelivered envelope for userID in the
	// room and returns the affected message ids.
	BulkSetDelivered(ctx context.Context, roomID, userID string, at time.Time) ([]string, error)
	// BulkSetRead marks every unread envelope for userID in the room.
	BulkSetRead(ctx context.Context, roomID, userID string, at time.Time) ([]string, error)
	// SetRead marks only the listed messages; ids outside the room are ignored.
	SetRead(ctx context.Context, roomID string, messageIDs []string, userID string, at time.Time) ([]string, error)

	AddReaction(ctx context.Context, messageID string, r models.Reaction) error
	RemoveReaction(ctx context.Context, messageID, userID string) error

	CountUnread(ctx context.Context, userID string, now time.Time) (int, error)
	// ExpireMessages applies delete-for-everyone to every message whose
	// expiry has passed and returns them.
	ExpireMessages(ctx context.Context, now time.Time) ([]models.Message, error)
}

type Store interface {
	UserStore
	RoomRepository
	MessageStore
	Close() error
}
