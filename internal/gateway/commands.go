package gateway

import (
	"context"
	"fmt"

	"github.com/pliu/sniffguard/internal/common"
	"github.com/pliu/sniffguard/internal/models"
	"github.com/pliu/sniffguard/internal/protocol"
)

// handlerFunc serves one command type. A non-nil event is the direct
// reply to the caller; room-wide effects are published by the coordinator.
type handlerFunc func(ctx context.Context, s *Session, cmd protocol.Command) (*protocol.Event, error)

type validator interface {
	Validate() error
}

func decode[T validator](cmd protocol.Command) (T, error) {
	var p T
	if err := cmd.Decode(&p); err != nil {
		return p, fmt.Errorf("%s payload: %w: %v", cmd.Type, common.ErrValidation, err)
	}
	return p, p.Validate()
}

func reply(typ string, payload any) *protocol.Event {
	return &protocol.Event{Type: typ, Payload: payload}
}

func commandTable() map[string]handlerFunc {
	return map[string]handlerFunc{
		protocol.CmdJoinChat:         joinChat,
		protocol.CmdLeaveChat:        leaveChat,
		protocol.CmdSendMessage:      sendMessage,
		protocol.CmdMarkAsRead:       markAsRead,
		protocol.CmdTypingStart:      typing(true),
		protocol.CmdTypingStop:       typing(false),
		protocol.CmdAddReaction:      addReaction,
		protocol.CmdRemoveReaction:   removeReaction,
		protocol.CmdCreateDirectChat: createDirectChat,
		protocol.CmdCreateGroupChat:  createGroupChat,
		protocol.CmdAddMember:        addMember,
		protocol.CmdRemoveMember:     removeMember,
		protocol.CmdUpdateRole:       updateRole,
		protocol.CmdMuteChat:         muteChat,
		protocol.CmdSetNickname:      setNickname,
		protocol.CmdEditMessage:      editMessage,
		protocol.CmdDeleteMessage:    deleteMessage,
		protocol.CmdBlockUser:        blockUser,
		protocol.CmdUnblockUser:      unblockUser,
		protocol.CmdGetUserChats:     getUserChats,
		protocol.CmdGetOnlineUsers:   getOnlineUsers,
		protocol.CmdGetUnreadCount:   getUnreadCount,
	}
}

func joinChat(ctx context.Context, s *Session, cmd protocol.Command) (*protocol.Event, error) {
	p, err := decode[protocol.RoomRef](cmd)
	if err != nil {
		return nil, err
	}
	page, err := s.gw.coord.JoinRoom(ctx, s.caller, p.RoomID)
	if err != nil {
		return nil, err
	}
	return reply(protocol.EvChatMessages, page), nil
}

func leaveChat(ctx context.Context, s *Session, cmd protocol.Command) (*protocol.Event, error) {
	p, err := decode[protocol.RoomRef](cmd)
	if err != nil {
		return nil, err
	}
	return nil, s.gw.coord.LeaveRoom(ctx, s.caller, p.RoomID)
}

func sendMessage(ctx context.Context, s *Session, cmd protocol.Command) (*protocol.Event, error) {
	p, err := decode[protocol.SendMessage](cmd)
	if err != nil {
		return nil, err
	}
	ack, err := s.gw.coord.SendMessage(ctx, s.caller, p)
	if err != nil {
		return nil, err
	}
	return reply(protocol.EvMessageSent, ack), nil
}

func markAsRead(ctx context.Context, s *Session, cmd protocol.Command) (*protocol.Event, error) {
	p, err := decode[protocol.MarkAsRead](cmd)
	if err != nil {
		return nil, err
	}
	res, err := s.gw.coord.MarkRead(ctx, s.caller, p)
	if err != nil {
		return nil, err
	}
	return reply(protocol.EvMessagesRead, res), nil
}

func typing(on bool) handlerFunc {
	return func(ctx context.Context, s *Session, cmd protocol.Command) (*protocol.Event, error) {
		p, err := decode[protocol.RoomRef](cmd)
		if err != nil {
			return nil, err
		}
		return nil, s.gw.coord.SetTyping(ctx, s.caller, p.RoomID, on)
	}
}

func reaction(cmd protocol.Command, withEmoji bool) (protocol.Reaction, error) {
	var p protocol.Reaction
	if err := cmd.Decode(&p); err != nil {
		return p, fmt.Errorf("%s payload: %w: %v", cmd.Type, common.ErrValidation, err)
	}
	return p, p.Validate(withEmoji)
}

func addReaction(ctx context.Context, s *Session, cmd protocol.Command) (*protocol.Event, error) {
	p, err := reaction(cmd, true)
	if err != nil {
		return nil, err
	}
	_, err = s.gw.coord.AddReaction(ctx, s.caller, p)
	return nil, err
}

func removeReaction(ctx context.Context, s *Session, cmd protocol.Command) (*protocol.Event, error) {
	p, err := reaction(cmd, false)
	if err != nil {
		return nil, err
	}
	_, err = s.gw.coord.RemoveReaction(ctx, s.caller, p)
	return nil, err
}

func createDirectChat(ctx context.Context, s *Session, cmd protocol.Command) (*protocol.Event, error) {
	p, err := decode[protocol.CreateDirectChat](cmd)
	if err != nil {
		return nil, err
	}
	res, err := s.gw.coord.CreateDirectChat(ctx, s.caller, p.RecipientID)
	if err != nil {
		return nil, err
	}
	return reply(protocol.EvChatCreated, res), nil
}

func createGroupChat(ctx context.Context, s *Session, cmd protocol.Command) (*protocol.Event, error) {
	p, err := decode[protocol.CreateGroupChat](cmd)
	if err != nil {
		return nil, err
	}
	res, err := s.gw.coord.CreateGroupChat(ctx, s.caller, p)
	if err != nil {
		return nil, err
	}
	return reply(protocol.EvChatCreated, res), nil
}

func addMember(ctx context.Context, s *Session, cmd protocol.Command) (*protocol.Event, error) {
	p, err := decode[protocol.Member](cmd)
	if err != nil {
		return nil, err
	}
	_, err = s.gw.coord.AddMember(ctx, s.caller, p)
	return nil, err
}

func removeMember(ctx context.Context, s *Session, cmd protocol.Command) (*protocol.Event, error) {
	p, err := decode[protocol.Member](cmd)
	if err != nil {
		return nil, err
	}
	_, err = s.gw.coord.RemoveMember(ctx, s.caller, p)
	return nil, err
}

func updateRole(ctx context.Context, s *Session, cmd protocol.Command) (*protocol.Event, error) {
	p, err := decode[protocol.UpdateRole](cmd)
	if err != nil {
		return nil, err
	}
	_, err = s.gw.coord.UpdateRole(ctx, s.caller, p)
	return nil, err
}

func muteChat(ctx context.Context, s *Session, cmd protocol.Command) (*protocol.Event, error) {
	p, err := decode[protocol.MuteChat](cmd)
	if err != nil {
		return nil, err
	}
	res, err := s.gw.coord.MuteChat(ctx, s.caller, p)
	if err != nil {
		return nil, err
	}
	return reply(protocol.EvChatUpdated, res), nil
}

func setNickname(ctx context.Context, s *Session, cmd protocol.Command) (*protocol.Event, error) {
	p, err := decode[protocol.SetNickname](cmd)
	if err != nil {
		return nil, err
	}
	res, err := s.gw.coord.SetNickname(ctx, s.caller, p)
	if err != nil {
		return nil, err
	}
	return reply(protocol.EvChatUpdated, res), nil
}

func editMessage(ctx context.Context, s *Session, cmd protocol.Command) (*protocol.Event, error) {
	p, err := decode[protocol.EditMessage](cmd)
	if err != nil {
		return nil, err
	}
	_, err = s.gw.coord.EditMessage(ctx, s.caller, p)
	return nil, err
}

func deleteMessage(ctx context.Context, s *Session, cmd protocol.Command) (*protocol.Event, error) {
	p, err := decode[protocol.DeleteMessage](cmd)
	if err != nil {
		return nil, err
	}
	res, err := s.gw.coord.DeleteMessage(ctx, s.caller, p)
	if err != nil {
		return nil, err
	}
	// A delete for everyone already reached the room.
	if p.Scope == models.DeleteForSender {
		return reply(protocol.EvMessageDeleted, res), nil
	}
	return nil, nil
}

func blockUser(ctx context.Context, s *Session, cmd protocol.Command) (*protocol.Event, error) {
	p, err := decode[protocol.UserRef](cmd)
	if err != nil {
		return nil, err
	}
	res, err := s.gw.coord.BlockUser(ctx, s.caller, p.UserID)
	if err != nil {
		return nil, err
	}
	return reply(protocol.EvUserBlocked, res), nil
}

func unblockUser(ctx context.Context, s *Session, cmd protocol.Command) (*protocol.Event, error) {
	p, err := decode[protocol.UserRef](cmd)
	if err != nil {
		return nil, err
	}
	res, err := s.gw.coord.UnblockUser(ctx, s.caller, p.UserID)
	if err != nil {
		return nil, err
	}
	return reply(protocol.EvUserUnblocked, res), nil
}

func getUserChats(ctx context.Context, s *Session, _ protocol.Command) (*protocol.Event, error) {
	res, err := s.gw.coord.UserChats(ctx, s.caller.UserID)
	if err != nil {
		return nil, err
	}
	return reply(protocol.EvUserChats, res), nil
}

func getOnlineUsers(_ context.Context, s *Session, _ protocol.Command) (*protocol.Event, error) {
	return reply(protocol.EvOnlineUsers, s.gw.coord.OnlineUsers()), nil
}

func getUnreadCount(ctx context.Context, s *Session, _ protocol.Command) (*protocol.Event, error) {
	res, err := s.gw.coord.UnreadCount(ctx, s.caller.UserID)
	if err != nil {
		return nil, err
	}
	return reply(protocol.EvUnreadCount, res), nil
}
