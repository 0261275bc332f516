package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pliu/sniffguard/internal/common"
)

const (
	DirectRoomPrefix = "direct_"
	GroupRoomPrefix  = "group_"

	DefaultMaxMembers       = 1000
	DefaultRotationInterval = 7
	MaxNicknameLength       = 50
	MaxPreviewLength        = 100
	MaxRoomNameLength       = 100
)

// DirectRoomID derives the id of the direct room between a and b. The ids
// are sorted first, so the result does not depend on argument order.
func DirectRoomID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return DirectRoomPrefix + ids[0] + "_" + ids[1]
}

// NewGroupRoomID returns a fresh opaque group room id.
func NewGroupRoomID() string {
	return GroupRoomPrefix + uuid.NewString()
}

// DefaultPermissions are granted to newly added members.
func DefaultPermissions() Permissions {
	return Permissions{SendMessages: true, SendMedia: true}
}

// Has reports the explicit flag for perm; unknown permissions are false.
func (p Permissions) Has(perm Permission) bool {
	switch perm {
	case PermSendMessages:
		return p.SendMessages
	case PermSendMedia:
		return p.SendMedia
	case PermAddMembers:
		return p.AddMembers
	case PermRemoveMembers:
		return p.RemoveMembers
	case PermEditRoom:
		return p.EditRoom
	}
	return false
}

func DefaultSettings() RoomSettings {
	return RoomSettings{MaxMembers: DefaultMaxMembers, AllowInvites: true}
}

func newParticipant(userID string, role Role, addedBy string, now time.Time) Participant {
	return Participant{
		UserID:      userID,
		Role:        role,
		Permissions: DefaultPermissions(),
		Preferences: Preferences{Notifications: true},
		AddedBy:     addedBy,
		JoinedAt:    now,
		Active:      true,
	}
}

// NewDirectRoom builds the direct room between a and b.
func NewDirectRoom(a, b string, now time.Time) (*ChatRoom, error) {
	if a == "" || b == "" || a == b {
		return nil, fmt.Errorf("direct room needs two distinct users: %w", common.ErrValidation)
	}
	settings := DefaultSettings()
	settings.MaxMembers = 2
	return &ChatRoom{
		ID:           DirectRoomID(a, b),
		Kind:         KindDirect,
		Participants: []Participant{newParticipant(a, RoleMember, a, now), newParticipant(b, RoleMember, a, now)},
		CreatorID:    a,
		Settings:     settings,
		Encryption:   EncryptionInfo{RotationIntervalDays: DefaultRotationInterval, LastRotation: now},
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// NewGroupRoom builds a group or channel room owned by creator. Duplicate
// and self member ids are ignored.
func NewGroupRoom(creatorID, name string, kind RoomKind, memberIDs []string, settings RoomSettings, now time.Time) (*ChatRoom, error) {
	if kind != KindGroup && kind != KindChannel {
		return nil, fmt.Errorf("room kind %q: %w", kind, common.ErrValidation)
	}
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > MaxRoomNameLength {
		return nil, fmt.Errorf("room name too long: %w", common.ErrValidation)
	}
	if settings.MaxMembers <= 0 {
		settings.MaxMembers = DefaultMaxMembers
	}

	r := &ChatRoom{
		ID:           NewGroupRoomID(),
		Kind:         kind,
		Name:         name,
		Participants: []Participant{newParticipant(creatorID, RoleOwner, creatorID, now)},
		CreatorID:    creatorID,
		Settings:     settings,
		Encryption:   EncryptionInfo{RotationIntervalDays: DefaultRotationInterval, LastRotation: now},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, id := range memberIDs {
		next, err := r.AddParticipant(id, RoleMember, creatorID, now)
		if err != nil {
			return nil, err
		}
		r = next
	}
	return r, nil
}

// Clone returns a deep copy, so rule methods never mutate their receiver.
func (r *ChatRoom) Clone() *ChatRoom {
	c := *r
	c.Participants = make([]Participant, len(r.Participants))
	for i, p := range r.Participants {
		if p.LeftAt != nil {
			t := *p.LeftAt
			p.LeftAt = &t
		}
		if p.Preferences.MuteUntil != nil {
			t := *p.Preferences.MuteUntil
			p.Preferences.MuteUntil = &t
		}
		c.Participants[i] = p
	}
	if r.LastMessage != nil {
		lm := *r.LastMessage
		c.LastMessage = &lm
	}
	if r.ArchivedAt != nil {
		t := *r.ArchivedAt
		c.ArchivedAt = &t
	}
	return &c
}

func (r *ChatRoom) index(userID string) int {
	for i := range r.Participants {
		if r.Participants[i].UserID == userID {
			return i
		}
	}
	return -1
}

func (r *ChatRoom) activeIndex(userID string) int {
	i := r.index(userID)
	if i < 0 || !r.Participants[i].Active {
		return -1
	}
	return i
}

// Participant returns the active participant record for userID.
func (r *ChatRoom) Participant(userID string) (Participant, bool) {
	i := r.activeIndex(userID)
	if i < 0 {
		return Participant{}, false
	}
	return r.Participants[i], true
}

// IsParticipant ignores soft-removed participants.
func (r *ChatRoom) IsParticipant(userID string) bool {
	return r.activeIndex(userID) >= 0
}

// HasPermission is true for admins and owners; otherwise the explicit flag.
func (r *ChatRoom) HasPermission(userID string, perm Permission) bool {
	p, ok := r.Participant(userID)
	if !ok {
		return false
	}
	if p.Role.Privileged() {
		return true
	}
	return p.Permissions.Has(perm)
}

// CanManage reports whether userID may change roles and permissions.
func (r *ChatRoom) CanManage(userID string) bool {
	p, ok := r.Participant(userID)
	return ok && p.Role.Privileged()
}

func (r *ChatRoom) ActiveCount() int {
	n := 0
	for _, p := range r.Participants {
		if p.Active {
			n++
		}
	}
	return n
}

// ActiveParticipantIDs returns active participant ids in stored order.
func (r *ChatRoom) ActiveParticipantIDs() []string {
	ids := make([]string, 0, len(r.Participants))
	for _, p := range r.Participants {
		if p.Active {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

// AddParticipant returns the room with userID added. A soft-removed
// participant is reactivated with a fresh joined-at instead of duplicated;
// an active one is left unchanged.
func (r *ChatRoom) AddParticipant(userID string, role Role, requestedBy string, now time.Time) (*ChatRoom, error) {
	if userID == "" {
		return nil, fmt.Errorf("participant id required: %w", common.ErrValidation)
	}
	if !role.Valid() {
		return nil, fmt.Errorf("role %q: %w", role, common.ErrValidation)
	}
	i := r.index(userID)
	if i >= 0 && r.Participants[i].Active {
		return r.Clone(), nil
	}
	if r.ActiveCount() >= r.Settings.MaxMembers {
		return nil, fmt.Errorf("room %s holds %d members: %w", r.ID, r.Settings.MaxMembers, common.ErrCapacityExceeded)
	}

	next := r.Clone()
	if i >= 0 {
		p := &next.Participants[i]
		p.Active = true
		p.LeftAt = nil
		p.JoinedAt = now
		p.AddedBy = requestedBy
	} else {
		next.Participants = append(next.Participants, newParticipant(userID, role, requestedBy, now))
	}
	next.UpdatedAt = now
	return next, nil
}

// RemoveParticipant soft-removes userID, keeping the historical record.
func (r *ChatRoom) RemoveParticipant(userID string, now time.Time) (*ChatRoom, error) {
	i := r.index(userID)
	if i < 0 {
		return nil, fmt.Errorf("participant %s: %w", userID, common.ErrNotFound)
	}
	next := r.Clone()
	p := &next.Participants[i]
	if p.Active {
		p.Active = false
		left := now
		p.LeftAt = &left
		next.UpdatedAt = now
	}
	return next, nil
}

func (r *ChatRoom) updateActive(userID string, now time.Time, fn func(p *Participant)) (*ChatRoom, error) {
	i := r.activeIndex(userID)
	if i < 0 {
		return nil, fmt.Errorf("participant %s: %w", userID, common.ErrNotFound)
	}
	next := r.Clone()
	fn(&next.Participants[i])
	next.UpdatedAt = now
	return next, nil
}

func (r *ChatRoom) UpdateRole(userID string, role Role, now time.Time) (*ChatRoom, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("role %q: %w", role, common.ErrValidation)
	}
	return r.updateActive(userID, now, func(p *Participant) { p.Role = role })
}

func (r *ChatRoom) SetPermissions(userID string, perms Permissions, now time.Time) (*ChatRoom, error) {
	return r.updateActive(userID, now, func(p *Participant) { p.Permissions = perms })
}

// MuteFor mutes the room for userID until the given time; nil unmutes.
func (r *ChatRoom) MuteFor(userID string, until *time.Time, now time.Time) (*ChatRoom, error) {
	return r.updateActive(userID, now, func(p *Participant) {
		if until == nil {
			p.Preferences.MuteUntil = nil
			return
		}
		t := *until
		p.Preferences.MuteUntil = &t
	})
}

func (r *ChatRoom) SetNickname(userID, nickname string, now time.Time) (*ChatRoom, error) {
	nickname = strings.TrimSpace(nickname)
	if utf8.RuneCountInString(nickname) > MaxNicknameLength {
		return nil, fmt.Errorf("nickname longer than %d: %w", MaxNicknameLength, common.ErrValidation)
	}
	return r.updateActive(userID, now, func(p *Participant) { p.Preferences.Nickname = nickname })
}

// RecordLastMessage updates the summary and bumps the message counter.
func (r *ChatRoom) RecordLastMessage(messageID, preview string, at time.Time) *ChatRoom {
	if utf8.RuneCountInString(preview) > MaxPreviewLength {
		preview = string([]rune(preview)[:MaxPreviewLength])
	}
	next := r.Clone()
	next.LastMessage = &LastMessage{MessageID: messageID, Preview: preview, Timestamp: at}
	next.TotalMessages++
	next.UpdatedAt = at
	return next
}

func (r *ChatRoom) Archive(now time.Time) *ChatRoom {
	next := r.Clone()
	if !next.Archived {
		next.Archived = true
		t := now
		next.ArchivedAt = &t
		next.UpdatedAt = now
	}
	return next
}

// Preview is the clear-text summary shown in chat lists. Message content
// is encrypted, so it only names the kind.
func Preview(kind MessageKind) string {
	if kind == MessageText || kind == "" {
		return "New message"
	}
	return string(kind) + " message"
}
