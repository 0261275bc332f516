package fanout

import (
	"context"
	"errors"
	"fmt"

	"github.com/pliu/sniffguard/internal/common"
	"github.com/pliu/sniffguard/internal/models"
	"github.com/pliu/sniffguard/internal/protocol"
)

// JoinRoom subscribes the caller's connection to the room and returns the
// most recent page in display order. Envelopes addressed to the caller are
// marked delivered.
func (c *Coordinator) JoinRoom(ctx context.Context, caller Caller, roomID string) (protocol.ChatMessages, error) {
	unlock := c.locks.Lock(roomID)
	defer unlock()

	if _, err := c.authorize(ctx, roomID, caller.UserID); err != nil {
		return protocol.ChatMessages{}, err
	}
	now := c.now()
	page, err := c.store.PageByRoom(ctx, roomID, caller.UserID, 1, c.pageSize, now)
	if err != nil {
		return protocol.ChatMessages{}, fmt.Errorf("load page: %w", err)
	}
	delivered, err := c.store.BulkSetDelivered(ctx, roomID, caller.UserID, now)
	if err != nil {
		return protocol.ChatMessages{}, fmt.Errorf("mark delivered: %w", err)
	}
	// Subscribing while the room is locked means no message lands both in
	// the page and in the live stream, or in neither.
	c.hub.Subscribe(roomID, caller.Conn)

	marked := make(map[string]bool, len(delivered))
	for _, id := range delivered {
		marked[id] = true
	}
	msgs := make([]models.Message, len(page))
	for i := range page {
		m := &page[i]
		if marked[m.ID] {
			next, _ := m.MarkDelivered(caller.UserID, now)
			m = next
		}
		msgs[len(page)-1-i] = *m
	}

	c.hub.PublishRoom(roomID, protocol.Event{
		Type:    protocol.EvUserJoinedChat,
		Payload: protocol.RoomPresence{RoomID: roomID, UserID: caller.UserID, Username: caller.Username, At: now},
	}, caller.Conn)
	return protocol.ChatMessages{RoomID: roomID, Messages: msgs}, nil
}

func (c *Coordinator) LeaveRoom(ctx context.Context, caller Caller, roomID string) error {
	if _, err := c.authorize(ctx, roomID, caller.UserID); err != nil {
		return err
	}
	c.hub.Unsubscribe(roomID, caller.Conn)
	c.hub.PublishRoom(roomID, protocol.Event{
		Type:    protocol.EvUserLeftChat,
		Payload: protocol.RoomPresence{RoomID: roomID, UserID: caller.UserID, Username: caller.Username, At: c.now()},
	}, caller.Conn)
	return nil
}

// SendMessage stores the message and broadcasts new_message to the room.
// A resend of a known client message id is acknowledged with the original
// server id and broadcasts nothing.
func (c *Coordinator) SendMessage(ctx context.Context, caller Caller, p protocol.SendMessage) (protocol.MessageSent, error) {
	unlock := c.locks.Lock(p.RoomID)
	defer unlock()

	room, err := c.authorize(ctx, p.RoomID, caller.UserID)
	if err != nil {
		return protocol.MessageSent{}, err
	}
	if room.Archived {
		return protocol.MessageSent{}, fmt.Errorf("room %s is archived: %w", room.ID, common.ErrAccessDenied)
	}
	if !room.HasPermission(caller.UserID, models.PermSendMessages) {
		return protocol.MessageSent{}, fmt.Errorf("send in %s: %w", room.ID, common.ErrAccessDenied)
	}
	if p.Kind.Media() && !room.HasPermission(caller.UserID, models.PermSendMedia) {
		return protocol.MessageSent{}, fmt.Errorf("send media in %s: %w", room.ID, common.ErrAccessDenied)
	}

	if prev, err := c.store.FindByClientID(ctx, p.RoomID, caller.UserID, p.ClientMessageID); err == nil {
		return c.duplicate(prev), nil
	} else if !errors.Is(err, common.ErrNotFound) {
		return protocol.MessageSent{}, err
	}

	for _, e := range p.Recipients {
		if !room.IsParticipant(e.UserID) {
			return protocol.MessageSent{}, fmt.Errorf("envelope for non-participant %s: %w", e.UserID, common.ErrValidation)
		}
	}
	if p.ThreadID != "" {
		if _, err := c.roomMessage(ctx, p.RoomID, p.ThreadID, caller.UserID); err != nil {
			return protocol.MessageSent{}, fmt.Errorf("thread parent: %w", err)
		}
	}

	now := c.now()
	msg, err := models.NewMessage(p.Draft(caller.UserID), now)
	if err != nil {
		return protocol.MessageSent{}, err
	}
	summary := room.RecordLastMessage(msg.ID, models.Preview(msg.Kind), msg.CreatedAt)
	if err := c.store.InsertMessage(ctx, msg, summary); err != nil {
		if errors.Is(err, common.ErrDuplicateMessage) {
			prev, ferr := c.store.FindByClientID(ctx, p.RoomID, caller.UserID, p.ClientMessageID)
			if ferr != nil {
				return protocol.MessageSent{}, ferr
			}
			return c.duplicate(prev), nil
		}
		return protocol.MessageSent{}, fmt.Errorf("store message: %w", err)
	}
	if c.metrics != nil {
		c.metrics.MessagesStored.Inc()
	}

	// Created past its expiry: stored already cleared, nothing to deliver.
	if !msg.Deleted {
		c.hub.PublishRoom(room.ID, protocol.Event{
			Type:    protocol.EvNewMessage,
			Payload: protocol.NewMessage{RoomID: room.ID, Message: msg},
		}, nil)
	}
	return protocol.MessageSent{
		RoomID:          room.ID,
		ClientMessageID: msg.ClientMessageID,
		MessageID:       msg.ID,
		Timestamp:       msg.CreatedAt,
	}, nil
}

func (c *Coordinator) duplicate(m *models.Message) protocol.MessageSent {
	if c.metrics != nil {
		c.metrics.DuplicateSends.Inc()
	}
	return protocol.MessageSent{
		RoomID:          m.RoomID,
		ClientMessageID: m.ClientMessageID,
		MessageID:       m.ID,
		Timestamp:       m.CreatedAt,
		Duplicate:       true,
	}
}

// MarkRead marks the listed messages, or every outstanding one, read for
// the caller and tells the rest of the room.
func (c *Coordinator) MarkRead(ctx context.Context, caller Caller, p protocol.MarkAsRead) (protocol.MessagesRead, error) {
	unlock := c.locks.Lock(p.RoomID)
	defer unlock()

	if _, err := c.authorize(ctx, p.RoomID, caller.UserID); err != nil {
		return protocol.MessagesRead{}, err
	}
	now := c.now()
	var (
		ids []string
		err error
	)
	if len(p.MessageIDs) > 0 {
		ids, err = c.store.SetRead(ctx, p.RoomID, p.MessageIDs, caller.UserID, now)
	} else {
		ids, err = c.store.BulkSetRead(ctx, p.RoomID, caller.UserID, now)
	}
	if err != nil {
		return protocol.MessagesRead{}, fmt.Errorf("mark read: %w", err)
	}

	ev := protocol.MessagesRead{RoomID: p.RoomID, UserID: caller.UserID, MessageIDs: ids, ReadAt: now}
	if len(ids) > 0 {
		c.hub.PublishRoom(p.RoomID, protocol.Event{Type: protocol.EvMessagesRead, Payload: ev}, caller.Conn)
	}
	return ev, nil
}

// SetTyping is relayed to the other subscribers and never stored.
func (c *Coordinator) SetTyping(ctx context.Context, caller Caller, roomID string, typing bool) error {
	if _, err := c.authorize(ctx, roomID, caller.UserID); err != nil {
		return err
	}
	c.hub.PublishRoom(roomID, protocol.Event{
		Type: protocol.EvUserTyping,
		Payload: protocol.UserTyping{
			RoomID:   roomID,
			UserID:   caller.UserID,
			Username: caller.Username,
			IsTyping: typing,
		},
	}, caller.Conn)
	return nil
}

// roomMessage loads a message of roomID that the caller can still see.
func (c *Coordinator) roomMessage(ctx context.Context, roomID, messageID, userID string) (*models.Message, error) {
	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.RoomID != roomID || !msg.VisibleTo(userID, c.now()) {
		return nil, fmt.Errorf("message %s in %s: %w", messageID, roomID, common.ErrNotFound)
	}
	return msg, nil
}

func (c *Coordinator) AddReaction(ctx context.Context, caller Caller, p protocol.Reaction) (protocol.ReactionChanged, error) {
	unlock := c.locks.Lock(p.RoomID)
	defer unlock()

	if _, err := c.authorize(ctx, p.RoomID, caller.UserID); err != nil {
		return protocol.ReactionChanged{}, err
	}
	msg, err := c.roomMessage(ctx, p.RoomID, p.MessageID, caller.UserID)
	if err != nil {
		return protocol.ReactionChanged{}, err
	}
	now := c.now()
	if _, err := msg.AddReaction(caller.UserID, p.Emoji, now); err != nil {
		return protocol.ReactionChanged{}, err
	}
	r := models.Reaction{UserID: caller.UserID, Emoji: p.Emoji, AddedAt: now}
	if err := c.store.AddReaction(ctx, msg.ID, r); err != nil {
		return protocol.ReactionChanged{}, fmt.Errorf("store reaction: %w", err)
	}

	ev := protocol.ReactionChanged{
		RoomID:    p.RoomID,
		MessageID: msg.ID,
		UserID:    caller.UserID,
		Username:  caller.Username,
		Emoji:     p.Emoji,
		At:        now,
	}
	c.hub.PublishRoom(p.RoomID, protocol.Event{Type: protocol.EvReactionAdded, Payload: ev}, nil)
	return ev, nil
}

func (c *Coordinator) RemoveReaction(ctx context.Context, caller Caller, p protocol.Reaction) (protocol.ReactionChanged, error) {
	unlock := c.locks.Lock(p.RoomID)
	defer unlock()

	if _, err := c.authorize(ctx, p.RoomID, caller.UserID); err != nil {
		return protocol.ReactionChanged{}, err
	}
	msg, err := c.roomMessage(ctx, p.RoomID, p.MessageID, caller.UserID)
	if err != nil {
		return protocol.ReactionChanged{}, err
	}
	if _, err := msg.RemoveReaction(caller.UserID); err != nil {
		return protocol.ReactionChanged{}, err
	}
	if err := c.store.RemoveReaction(ctx, msg.ID, caller.UserID); err != nil {
		return protocol.ReactionChanged{}, fmt.Errorf("remove reaction: %w", err)
	}

	ev := protocol.ReactionChanged{
		RoomID:    p.RoomID,
		MessageID: msg.ID,
		UserID:    caller.UserID,
		Username:  caller.Username,
		At:        c.now(),
	}
	c.hub.PublishRoom(p.RoomID, protocol.Event{Type: protocol.EvReactionRemoved, Payload: ev}, nil)
	return ev, nil
}

// EditMessage replaces the envelopes of the caller's own message.
func (c *Coordinator) EditMessage(ctx context.Context, caller Caller, p protocol.EditMessage) (protocol.MessageEdited, error) {
	unlock := c.locks.Lock(p.RoomID)
	defer unlock()

	if _, err := c.authorize(ctx, p.RoomID, caller.UserID); err != nil {
		return protocol.MessageEdited{}, err
	}
	msg, err := c.roomMessage(ctx, p.RoomID, p.MessageID, caller.UserID)
	if err != nil {
		return protocol.MessageEdited{}, err
	}
	next, err := msg.Edit(caller.UserID, p.Encryption, protocol.Models(p.Recipients), c.now())
	if err != nil {
		return protocol.MessageEdited{}, err
	}
	if err := c.store.UpdateMessage(ctx, next); err != nil {
		return protocol.MessageEdited{}, fmt.Errorf("store edit: %w", err)
	}

	ev := protocol.MessageEdited{RoomID: p.RoomID, Message: next}
	c.hub.PublishRoom(p.RoomID, protocol.Event{Type: protocol.EvMessageEdited, Payload: ev}, nil)
	return ev, nil
}

// DeleteMessage deletes the caller's own message. Only a delete for
// everyone is announced to the room.
func (c *Coordinator) DeleteMessage(ctx context.Context, caller Caller, p protocol.DeleteMessage) (protocol.MessageDeleted, error) {
	unlock := c.locks.Lock(p.RoomID)
	defer unlock()

	if _, err := c.authorize(ctx, p.RoomID, caller.UserID); err != nil {
		return protocol.MessageDeleted{}, err
	}
	msg, err := c.roomMessage(ctx, p.RoomID, p.MessageID, caller.UserID)
	if err != nil {
		return protocol.MessageDeleted{}, err
	}
	now := c.now()
	next, err := msg.Delete(caller.UserID, p.Scope, now)
	if err != nil {
		return protocol.MessageDeleted{}, err
	}
	if err := c.store.UpdateMessage(ctx, next); err != nil {
		return protocol.MessageDeleted{}, fmt.Errorf("store delete: %w", err)
	}

	ev := protocol.MessageDeleted{RoomID: p.RoomID, MessageID: msg.ID, Scope: p.Scope, DeletedBy: caller.UserID, At: now}
	if p.Scope == models.DeleteForEveryone {
		c.hub.PublishRoom(p.RoomID, protocol.Event{Type: protocol.EvMessageDeleted, Payload: ev}, nil)
	}
	return ev, nil
}

// History returns one page of the room, newest first, as the caller sees it.
func (c *Coordinator) History(ctx context.Context, userID, roomID string, page int) ([]models.Message, error) {
	if _, err := c.authorize(ctx, roomID, userID); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	return c.store.PageByRoom(ctx, roomID, userID, page, c.pageSize, c.now())
}

// ExpireMessages clears every message past its expiry and announces each
// deletion to its room.
func (c *Coordinator) ExpireMessages(ctx context.Context) (int, error) {
	now := c.now()
	expired, err := c.store.ExpireMessages(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("expire messages: %w", err)
	}
	for _, m := range expired {
		c.hub.PublishRoom(m.RoomID, protocol.Event{
			Type: protocol.EvMessageDeleted,
			Payload: protocol.MessageDeleted{
				RoomID:    m.RoomID,
				MessageID: m.ID,
				Scope:     models.DeleteForEveryone,
				At:        now,
			},
		}, nil)
	}
	if c.metrics != nil {
		c.metrics.MessagesExpired.Add(float64(len(expired)))
	}
	if len(expired) > 0 {
		c.log.Info(ctx, "expired messages", "count", len(expired))
	}
	return len(expired), nil
}
