package fanout

import (
	"context"
	"fmt"

	"github.com/pliu/sniffguard/internal/common"
	"github.com/pliu/sniffguard/internal/models"
	"github.com/pliu/sniffguard/internal/protocol"
)

// CreateDirectChat finds or creates the direct room between the caller and
// the recipient. An online recipient is always told about the room.
func (c *Coordinator) CreateDirectChat(ctx context.Context, caller Caller, recipientID string) (protocol.ChatCreated, error) {
	if recipientID == caller.UserID {
		return protocol.ChatCreated{}, fmt.Errorf("direct chat with yourself: %w", common.ErrValidation)
	}
	if _, err := c.store.GetUserByID(ctx, recipientID); err != nil {
		return protocol.ChatCreated{}, err
	}
	blocked, err := c.store.IsBlocked(ctx, caller.UserID, recipientID)
	if err != nil {
		return protocol.ChatCreated{}, fmt.Errorf("check block: %w", err)
	}
	if blocked {
		return protocol.ChatCreated{}, fmt.Errorf("direct chat with %s: %w", recipientID, common.ErrUserBlocked)
	}

	room, created, err := c.store.FindOrCreateDirect(ctx, caller.UserID, recipientID, c.now())
	if err != nil {
		return protocol.ChatCreated{}, fmt.Errorf("find or create direct room: %w", err)
	}
	if created {
		c.log.Debug(ctx, "direct room created", "room_id", room.ID, "user_id", caller.UserID)
	}

	c.notifyUser(recipientID, protocol.Event{
		Type:    protocol.EvNewChatCreated,
		Payload: protocol.ChatCreated{Chat: room, Kind: room.Kind, Created: created, By: caller.actor()},
	})
	return protocol.ChatCreated{Chat: room, Kind: room.Kind, Created: created}, nil
}

// CreateGroupChat creates a group or channel owned by the caller and tells
// every online member.
func (c *Coordinator) CreateGroupChat(ctx context.Context, caller Caller, p protocol.CreateGroupChat) (protocol.ChatCreated, error) {
	kind := p.Kind
	if kind == "" {
		kind = models.KindGroup
	}
	settings := models.DefaultSettings()
	if c.maxMem > 0 {
		settings.MaxMembers = c.maxMem
	}
	if p.Settings != nil {
		settings = *p.Settings
	}

	seen := map[string]bool{caller.UserID: true}
	var members []string
	for _, id := range p.MemberIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := c.store.GetUserByID(ctx, id); err != nil {
			return protocol.ChatCreated{}, err
		}
		members = append(members, id)
	}

	room, err := models.NewGroupRoom(caller.UserID, p.Name, kind, members, settings, c.now())
	if err != nil {
		return protocol.ChatCreated{}, err
	}
	if err := c.store.CreateRoom(ctx, room); err != nil {
		return protocol.ChatCreated{}, fmt.Errorf("create room: %w", err)
	}
	c.log.Info(ctx, "group room created", "room_id", room.ID, "user_id", caller.UserID, "members", len(members)+1)

	for _, id := range members {
		c.notifyUser(id, protocol.Event{
			Type:    protocol.EvNewChatCreated,
			Payload: protocol.ChatCreated{Chat: room, Kind: room.Kind, Created: true, By: caller.actor()},
		})
	}
	return protocol.ChatCreated{Chat: room, Kind: room.Kind, Created: true}, nil
}

func groupOnly(room *models.ChatRoom) error {
	if room.Kind == models.KindDirect {
		return fmt.Errorf("direct room %s has fixed members: %w", room.ID, common.ErrValidation)
	}
	return nil
}

// AddMember adds a user to a group room. Adding an active member is a no-op.
func (c *Coordinator) AddMember(ctx context.Context, caller Caller, p protocol.Member) (protocol.MemberChanged, error) {
	unlock := c.locks.Lock(p.RoomID)
	defer unlock()

	room, err := c.authorize(ctx, p.RoomID, caller.UserID)
	if err != nil {
		return protocol.MemberChanged{}, err
	}
	if err := groupOnly(room); err != nil {
		return protocol.MemberChanged{}, err
	}
	if !room.HasPermission(caller.UserID, models.PermAddMembers) {
		return protocol.MemberChanged{}, fmt.Errorf("add member to %s: %w", room.ID, common.ErrAccessDenied)
	}
	now := c.now()
	ev := protocol.MemberChanged{RoomID: room.ID, UserID: p.UserID, By: caller.UserID, Role: models.RoleMember, At: now}
	if room.IsParticipant(p.UserID) {
		return ev, nil
	}
	if _, err := c.store.GetUserByID(ctx, p.UserID); err != nil {
		return protocol.MemberChanged{}, err
	}

	next, err := room.AddParticipant(p.UserID, models.RoleMember, caller.UserID, now)
	if err != nil {
		return protocol.MemberChanged{}, err
	}
	if err := c.store.SaveRoom(ctx, next); err != nil {
		return protocol.MemberChanged{}, fmt.Errorf("save room: %w", err)
	}

	c.hub.PublishRoom(room.ID, protocol.Event{Type: protocol.EvMemberAdded, Payload: ev}, nil)
	c.notifyUser(p.UserID, protocol.Event{
		Type:    protocol.EvNewChatCreated,
		Payload: protocol.ChatCreated{Chat: next, Kind: next.Kind, By: caller.actor()},
	})
	return ev, nil
}

// RemoveMember soft-removes a participant. Anyone may remove themselves;
// only an owner may remove an owner.
func (c *Coordinator) RemoveMember(ctx context.Context, caller Caller, p protocol.Member) (protocol.MemberChanged, error) {
	unlock := c.locks.Lock(p.RoomID)
	defer unlock()

	room, err := c.authorize(ctx, p.RoomID, caller.UserID)
	if err != nil {
		return protocol.MemberChanged{}, err
	}
	if err := groupOnly(room); err != nil {
		return protocol.MemberChanged{}, err
	}
	target, ok := room.Participant(p.UserID)
	if !ok {
		return protocol.MemberChanged{}, fmt.Errorf("participant %s: %w", p.UserID, common.ErrNotFound)
	}
	if p.UserID != caller.UserID {
		self, _ := room.Participant(caller.UserID)
		if !room.HasPermission(caller.UserID, models.PermRemoveMembers) ||
			(target.Role == models.RoleOwner && self.Role != models.RoleOwner) {
			return protocol.MemberChanged{}, fmt.Errorf("remove %s from %s: %w", p.UserID, room.ID, common.ErrAccessDenied)
		}
	}

	now := c.now()
	next, err := room.RemoveParticipant(p.UserID, now)
	if err != nil {
		return protocol.MemberChanged{}, err
	}
	if err := c.store.SaveRoom(ctx, next); err != nil {
		return protocol.MemberChanged{}, fmt.Errorf("save room: %w", err)
	}

	ev := protocol.MemberChanged{RoomID: room.ID, UserID: p.UserID, By: caller.UserID, At: now}
	c.hub.PublishRoom(room.ID, protocol.Event{Type: protocol.EvMemberRemoved, Payload: ev}, nil)
	if e, ok := c.presence.Lookup(p.UserID); ok {
		c.hub.Unsubscribe(room.ID, e.Conn)
	}
	return ev, nil
}

// UpdateRole changes a participant's role and/or permission flags. Only
// admins and owners may do so, and only owners grant or revoke ownership.
func (c *Coordinator) UpdateRole(ctx context.Context, caller Caller, p protocol.UpdateRole) (protocol.MemberChanged, error) {
	unlock := c.locks.Lock(p.RoomID)
	defer unlock()

	room, err := c.authorize(ctx, p.RoomID, caller.UserID)
	if err != nil {
		return protocol.MemberChanged{}, err
	}
	if !room.CanManage(caller.UserID) {
		return protocol.MemberChanged{}, fmt.Errorf("manage %s: %w", room.ID, common.ErrAccessDenied)
	}
	target, ok := room.Participant(p.UserID)
	if !ok {
		return protocol.MemberChanged{}, fmt.Errorf("participant %s: %w", p.UserID, common.ErrNotFound)
	}
	self, _ := room.Participant(caller.UserID)
	if (p.Role == models.RoleOwner || target.Role == models.RoleOwner) && self.Role != models.RoleOwner {
		return protocol.MemberChanged{}, fmt.Errorf("change ownership of %s: %w", room.ID, common.ErrAccessDenied)
	}

	now := c.now()
	next := room
	if p.Role != "" {
		if next, err = next.UpdateRole(p.UserID, p.Role, now); err != nil {
			return protocol.MemberChanged{}, err
		}
	}
	if p.Permissions != nil {
		if next, err = next.SetPermissions(p.UserID, *p.Permissions, now); err != nil {
			return protocol.MemberChanged{}, err
		}
	}
	if err := c.store.SaveRoom(ctx, next); err != nil {
		return protocol.MemberChanged{}, fmt.Errorf("save room: %w", err)
	}

	updated, _ := next.Participant(p.UserID)
	perms := updated.Permissions
	ev := protocol.MemberChanged{
		RoomID:      room.ID,
		UserID:      p.UserID,
		By:          caller.UserID,
		Role:        updated.Role,
		Permissions: &perms,
		At:          now,
	}
	c.hub.PublishRoom(room.ID, protocol.Event{Type: protocol.EvRoleUpdated, Payload: ev}, nil)
	return ev, nil
}

// updateSelf applies a preference change to the caller's own participant
// record. Nothing is broadcast.
func (c *Coordinator) updateSelf(ctx context.Context, caller Caller, roomID string,
	fn func(*models.ChatRoom) (*models.ChatRoom, error)) (protocol.ChatUpdated, error) {
	unlock := c.locks.Lock(roomID)
	defer unlock()

	room, err := c.authorize(ctx, roomID, caller.UserID)
	if err != nil {
		return protocol.ChatUpdated{}, err
	}
	next, err := fn(room)
	if err != nil {
		return protocol.ChatUpdated{}, err
	}
	if err := c.store.SaveRoom(ctx, next); err != nil {
		return protocol.ChatUpdated{}, fmt.Errorf("save room: %w", err)
	}
	return protocol.ChatUpdated{Chat: next}, nil
}

func (c *Coordinator) MuteChat(ctx context.Context, caller Caller, p protocol.MuteChat) (protocol.ChatUpdated, error) {
	return c.updateSelf(ctx, caller, p.RoomID, func(r *models.ChatRoom) (*models.ChatRoom, error) {
		return r.MuteFor(caller.UserID, p.Until, c.now())
	})
}

func (c *Coordinator) SetNickname(ctx context.Context, caller Caller, p protocol.SetNickname) (protocol.ChatUpdated, error) {
	return c.updateSelf(ctx, caller, p.RoomID, func(r *models.ChatRoom) (*models.ChatRoom, error) {
		return r.SetNickname(caller.UserID, p.Nickname, c.now())
	})
}

func (c *Coordinator) BlockUser(ctx context.Context, caller Caller, userID string) (protocol.UserBlocked, error) {
	if _, err := c.store.GetUserByID(ctx, userID); err != nil {
		return protocol.UserBlocked{}, err
	}
	if err := c.store.BlockUser(ctx, caller.UserID, userID); err != nil {
		return protocol.UserBlocked{}, err
	}
	c.log.Info(ctx, "user blocked", "user_id", caller.UserID, "blocked_id", userID)
	return protocol.UserBlocked{UserID: userID, Blocked: true}, nil
}

func (c *Coordinator) UnblockUser(ctx context.Context, caller Caller, userID string) (protocol.UserBlocked, error) {
	if err := c.store.UnblockUser(ctx, caller.UserID, userID); err != nil {
		return protocol.UserBlocked{}, err
	}
	return protocol.UserBlocked{UserID: userID, Blocked: false}, nil
}

func (c *Coordinator) UserChats(ctx context.Context, userID string) (protocol.UserChats, error) {
	rooms, err := c.store.ListForUser(ctx, userID)
	if err != nil {
		return protocol.UserChats{}, fmt.Errorf("list rooms: %w", err)
	}
	if rooms == nil {
		rooms = []models.ChatRoom{}
	}
	return protocol.UserChats{Chats: rooms}, nil
}

// OnlineUsers is a snapshot of the presence registry.
func (c *Coordinator) OnlineUsers() protocol.OnlineUsers {
	entries := c.presence.ListOnline()
	users := make([]protocol.OnlineUser, len(entries))
	for i, e := range entries {
		users[i] = protocol.OnlineUser{UserID: e.UserID, Username: e.Username, ConnectedAt: e.ConnectedAt}
	}
	return protocol.OnlineUsers{Users: users, Count: len(users)}
}

func (c *Coordinator) UnreadCount(ctx context.Context, userID string) (protocol.UnreadCount, error) {
	n, err := c.store.CountUnread(ctx, userID, c.now())
	if err != nil {
		return protocol.UnreadCount{}, fmt.Errorf("count unread: %w", err)
	}
	return protocol.UnreadCount{Count: n}, nil
}
