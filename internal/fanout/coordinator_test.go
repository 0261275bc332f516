package fanout

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pliu/sniffguard/internal/common"
	"github.com/pliu/sniffguard/internal/envelope"
	"github.com/pliu/sniffguard/internal/models"
	"github.com/pliu/sniffguard/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect_AnnouncesPresence(t *testing.T) {
	f := setup(t)
	aliceConn, _ := f.online(t, "alice")
	bobConn, _ := f.online(t, "bob")

	online := aliceConn.of(protocol.EvUserOnline)
	require.Len(t, online, 1)
	assert.Equal(t, "bob", online[0].Payload.(protocol.UserPresence).UserID)
	assert.Empty(t, bobConn.of(protocol.EvUserOnline), "no self announcement")

	users := f.coord.OnlineUsers()
	assert.Equal(t, 2, users.Count)

	f.coord.Disconnect(context.Background(), bobConn, "client closed")
	offline := aliceConn.of(protocol.EvUserOffline)
	require.Len(t, offline, 1)
	p := offline[0].Payload.(protocol.UserPresence)
	assert.Equal(t, "bob", p.UserID)
	assert.Equal(t, "client closed", p.Reason)
	assert.Equal(t, 1, f.coord.OnlineUsers().Count)

	bob, err := f.store.GetUserByID(context.Background(), "bob")
	require.NoError(t, err)
	assert.NotNil(t, bob.LastSeen)
}

func TestConnect_NewConnectionReplacesOld(t *testing.T) {
	f := setup(t)
	watcher, _ := f.online(t, "carol")
	first, _ := f.online(t, "alice")
	second, _ := f.online(t, "alice")

	assert.True(t, first.isClosed())
	watcher.reset()

	f.coord.Disconnect(context.Background(), first, "replaced")
	assert.Empty(t, watcher.of(protocol.EvUserOffline), "a stale connection must not take the user offline")
	e, ok := f.coord.Presence().Lookup("alice")
	require.True(t, ok)
	assert.Same(t, second, e.Conn)
}

// A sends in a direct room: stored once, B gets new_message, A gets the ack.
func TestSendMessage_DirectRoom(t *testing.T) {
	f := setup(t)
	aliceConn, alice := f.online(t, "alice")
	bobConn, bob := f.online(t, "bob")
	room := f.direct(t, alice, bob)
	f.join(t, alice, room)
	f.join(t, bob, room)

	ack := f.send(t, alice, room, "cid-1", "alice", "bob")
	assert.Equal(t, "cid-1", ack.ClientMessageID)
	assert.NotEmpty(t, ack.MessageID)
	assert.False(t, ack.Duplicate)

	got := bobConn.of(protocol.EvNewMessage)
	require.Len(t, got, 1)
	msg := got[0].Payload.(protocol.NewMessage).Message
	assert.Equal(t, ack.MessageID, msg.ID)
	assert.Len(t, aliceConn.of(protocol.EvNewMessage), 1, "the sender's other views stay in sync")

	stored, err := f.store.PageByRoom(context.Background(), room, "bob", 1, 10, f.clock.Now())
	require.NoError(t, err)
	require.Len(t, stored, 1)

	r, err := f.store.FindByID(context.Background(), room)
	require.NoError(t, err)
	require.NotNil(t, r.LastMessage)
	assert.Equal(t, ack.MessageID, r.LastMessage.MessageID)
	assert.Equal(t, int64(1), r.TotalMessages)
}

// A resend of the same client message id is acknowledged without a
// second message or broadcast.
func TestSendMessage_DuplicateIsIdempotent(t *testing.T) {
	f := setup(t)
	_, alice := f.online(t, "alice")
	bobConn, bob := f.online(t, "bob")
	room := f.direct(t, alice, bob)
	f.join(t, bob, room)

	first := f.send(t, alice, room, "cid-1", "alice", "bob")
	second := f.send(t, alice, room, "cid-1", "alice", "bob")

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.True(t, first.Timestamp.Equal(second.Timestamp))
	assert.Len(t, bobConn.of(protocol.EvNewMessage), 1)

	stored, err := f.store.PageByRoom(context.Background(), room, "bob", 1, 10, f.clock.Now())
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestAddMember_CapacityExceeded(t *testing.T) {
	f := setup(t)
	_, alice := f.online(t, "alice")
	room := f.group(t, alice, 2, "bob")

	_, err := f.coord.AddMember(context.Background(), alice, protocol.Member{RoomID: room, UserID: "carol"})
	requireCode(t, err, common.ErrCapacityExceeded)

	r, err := f.store.FindByID(context.Background(), room)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, r.ActiveParticipantIDs())
}

// Two adds racing for the last free slot: exactly one wins.
func TestAddMember_ConcurrentCapacity(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateUser(ctx, &models.User{ID: "dave", Username: "dave"}))
	_, alice := f.online(t, "alice")
	room := f.group(t, alice, 3, "bob")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, user := range []string{"carol", "dave"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			_, errs[i] = f.coord.AddMember(ctx, alice, protocol.Member{RoomID: room, UserID: user})
		}(i, user)
	}
	wg.Wait()

	var full int
	for _, err := range errs {
		if err != nil {
			requireCode(t, err, common.ErrCapacityExceeded)
			full++
		}
	}
	assert.Equal(t, 1, full)

	r, err := f.store.FindByID(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, 3, r.ActiveCount())
}

// Concurrent resends of one client message id store a single message.
func TestSendMessage_ConcurrentDuplicates(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, alice := f.online(t, "alice")
	bobConn, bob := f.online(t, "bob")
	room := f.direct(t, alice, bob)
	f.join(t, bob, room)

	const n = 8
	acks := make([]protocol.MessageSent, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ack, err := f.coord.SendMessage(ctx, alice, sendPayload(room, "same", "alice", "bob"))
			assert.NoError(t, err)
			acks[i] = ack
		}(i)
	}
	wg.Wait()

	var fresh int
	for _, ack := range acks {
		assert.Equal(t, acks[0].MessageID, ack.MessageID)
		if !ack.Duplicate {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Len(t, bobConn.of(protocol.EvNewMessage), 1)

	page, err := f.store.PageByRoom(ctx, room, "bob", 1, n, f.clock.Now())
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestSendMessage_ThreadParent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, alice := f.online(t, "alice")
	_, bob := f.online(t, "bob")
	room := f.direct(t, alice, bob)
	other := f.group(t, alice, 0, "bob")

	parent := f.send(t, alice, room, "parent", "alice", "bob")
	elsewhere := f.send(t, alice, other, "elsewhere", "alice", "bob")

	reply := sendPayload(room, "reply", "alice", "bob")
	reply.ThreadID = parent.MessageID
	_, err := f.coord.SendMessage(ctx, bob, reply)
	require.NoError(t, err)

	for name, threadID := range map[string]string{
		"unknown parent":         uuid.NewString(),
		"parent in another room": elsewhere.MessageID,
	} {
		t.Run(name, func(t *testing.T) {
			p := sendPayload(room, "orphan-"+threadID, "alice", "bob")
			p.ThreadID = threadID
			_, err := f.coord.SendMessage(ctx, bob, p)
			requireCode(t, err, common.ErrNotFound)
		})
	}
}

func TestMarkRead_NonParticipantDenied(t *testing.T) {
	f := setup(t)
	aliceConn, alice := f.online(t, "alice")
	_, bob := f.online(t, "bob")
	_, carol := f.online(t, "carol")
	room := f.direct(t, alice, bob)
	f.join(t, alice, room)
	ack := f.send(t, alice, room, "cid-1", "alice", "bob")

	_, err := f.coord.MarkRead(context.Background(), carol, protocol.MarkAsRead{RoomID: room})
	requireCode(t, err, common.ErrAccessDenied)
	assert.Empty(t, aliceConn.of(protocol.EvMessagesRead))

	m, err := f.store.GetMessage(context.Background(), ack.MessageID)
	require.NoError(t, err)
	env, ok := m.Recipient("bob")
	require.True(t, ok)
	assert.Nil(t, env.DeliveredAt)
	assert.Nil(t, env.ReadAt)
}

func TestNonParticipant_NoMutationNoBroadcast(t *testing.T) {
	f := setup(t)
	aliceConn, alice := f.online(t, "alice")
	_, bob := f.online(t, "bob")
	carolConn, carol := f.online(t, "carol")
	room := f.direct(t, alice, bob)
	f.join(t, alice, room)
	ack := f.send(t, alice, room, "cid-1", "alice", "bob")
	aliceConn.reset()
	ctx := context.Background()

	_, err := f.coord.JoinRoom(ctx, carol, room)
	requireCode(t, err, common.ErrAccessDenied)
	assert.False(t, f.hub.subscribed(room, carolConn))

	_, err = f.coord.SendMessage(ctx, carol, sendPayload(room, "x", "carol"))
	requireCode(t, err, common.ErrAccessDenied)
	requireCode(t, f.coord.SetTyping(ctx, carol, room, true), common.ErrAccessDenied)
	requireCode(t, f.coord.LeaveRoom(ctx, carol, room), common.ErrAccessDenied)
	_, err = f.coord.AddReaction(ctx, carol, protocol.Reaction{RoomID: room, MessageID: ack.MessageID, Emoji: "👍"})
	requireCode(t, err, common.ErrAccessDenied)
	_, err = f.coord.History(ctx, "carol", room, 1)
	requireCode(t, err, common.ErrAccessDenied)

	aliceConn.mu.Lock()
	assert.Empty(t, aliceConn.events)
	aliceConn.mu.Unlock()

	r, err := f.store.FindByID(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.TotalMessages)
}

func TestMissingRoom_NotFound(t *testing.T) {
	f := setup(t)
	_, alice := f.online(t, "alice")
	_, err := f.coord.JoinRoom(context.Background(), alice, "direct_alice_nobody")
	requireCode(t, err, common.ErrNotFound)
}

// Deleting for everyone leaves nothing any recipient can open.
func TestDeleteForEveryone_ClearsEnvelopes(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, alice := f.online(t, "alice")
	bobConn, bob := f.online(t, "bob")
	room := f.direct(t, alice, bob)
	f.join(t, bob, room)

	alicePub, alicePriv, err := envelope.GenerateKeyPair()
	require.NoError(t, err)
	bobPub, bobPriv, err := envelope.GenerateKeyPair()
	require.NoError(t, err)

	prepared, err := envelope.PrepareMessage([]byte("meet at noon"), alicePriv, []envelope.RecipientKey{
		{UserID: "alice", PublicKey: alicePub},
		{UserID: "bob", PublicKey: bobPub},
	})
	require.NoError(t, err)
	p := protocol.SendMessage{RoomID: room, ClientMessageID: "cid-e", Encryption: prepared.Encryption}
	for _, r := range prepared.Recipients {
		p.Recipients = append(p.Recipients, protocol.Envelope{
			UserID: r.UserID, EncryptedContent: r.EncryptedContent, EncryptedKey: r.EncryptedKey, KeyNonce: r.KeyNonce,
		})
	}
	ack, err := f.coord.SendMessage(ctx, alice, p)
	require.NoError(t, err)

	stored, err := f.store.GetMessage(ctx, ack.MessageID)
	require.NoError(t, err)
	env, _ := stored.Recipient("bob")
	plain, err := envelope.OpenEnvelope(stored.Encryption, env, bobPriv, alicePub)
	require.NoError(t, err)
	assert.Equal(t, "meet at noon", string(plain))

	res, err := f.coord.DeleteMessage(ctx, alice, protocol.DeleteMessage{RoomID: room, MessageID: ack.MessageID, Scope: models.DeleteForEveryone})
	require.NoError(t, err)
	assert.Equal(t, models.DeleteForEveryone, res.Scope)
	require.Len(t, bobConn.of(protocol.EvMessageDeleted), 1)

	stored, err = f.store.GetMessage(ctx, ack.MessageID)
	require.NoError(t, err)
	for _, r := range stored.Recipients {
		assert.Empty(t, r.EncryptedContent)
		assert.Empty(t, r.EncryptedKey)
	}
	env, _ = stored.Recipient("bob")
	_, err = envelope.OpenEnvelope(stored.Encryption, env, bobPriv, alicePub)
	assert.ErrorIs(t, err, envelope.ErrDecryption)
	env, _ = stored.Recipient("alice")
	_, err = envelope.OpenEnvelope(stored.Encryption, env, alicePriv, alicePub)
	assert.ErrorIs(t, err, envelope.ErrDecryption)

	history, err := f.coord.History(ctx, "bob", room, 1)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestDeleteForSender_ReplyOnly(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, alice := f.online(t, "alice")
	bobConn, bob := f.online(t, "bob")
	room := f.direct(t, alice, bob)
	f.join(t, bob, room)
	ack := f.send(t, alice, room, "cid-1", "alice", "bob")

	_, err := f.coord.DeleteMessage(ctx, bob, protocol.DeleteMessage{RoomID: room, MessageID: ack.MessageID, Scope: models.DeleteForSender})
	requireCode(t, err, common.ErrAccessDenied)

	_, err = f.coord.DeleteMessage(ctx, alice, protocol.DeleteMessage{RoomID: room, MessageID: ack.MessageID, Scope: models.DeleteForSender})
	require.NoError(t, err)
	assert.Empty(t, bobConn.of(protocol.EvMessageDeleted))

	mine, err := f.coord.History(ctx, "alice", room, 1)
	require.NoError(t, err)
	assert.Empty(t, mine)
	theirs, err := f.coord.History(ctx, "bob", room, 1)
	require.NoError(t, err)
	assert.Len(t, theirs, 1)
}

func TestSendMessage_PermissionDefaults(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, alice := f.online(t, "alice")
	_, bob := f.online(t, "bob")
	_, carol := f.online(t, "carol")
	room := f.group(t, alice, 0, "bob", "carol")

	f.send(t, bob, room, "b-1", "alice", "bob", "carol")

	revoked := models.Permissions{SendMessages: false, SendMedia: false}
	_, err := f.coord.UpdateRole(ctx, alice, protocol.UpdateRole{RoomID: room, UserID: "bob", Permissions: &revoked})
	require.NoError(t, err)
	_, err = f.coord.SendMessage(ctx, bob, sendPayload(room, "b-2", "alice", "bob"))
	requireCode(t, err, common.ErrAccessDenied)

	// admins send regardless of their explicit flags
	_, err = f.coord.UpdateRole(ctx, alice, protocol.UpdateRole{RoomID: room, UserID: "carol", Role: models.RoleAdmin, Permissions: &revoked})
	require.NoError(t, err)
	f.send(t, carol, room, "c-1", "alice", "carol")

	// and the owner too
	_, err = f.coord.UpdateRole(ctx, alice, protocol.UpdateRole{RoomID: room, UserID: "alice", Permissions: &revoked})
	require.NoError(t, err)
	f.send(t, alice, room, "a-1", "alice")
}

func TestSendMessage_MediaNeedsPermission(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, alice := f.online(t, "alice")
	_, bob := f.online(t, "bob")
	room := f.group(t, alice, 0, "bob")

	textOnly := models.Permissions{SendMessages: true}
	_, err := f.coord.UpdateRole(ctx, alice, protocol.UpdateRole{RoomID: room, UserID: "bob", Permissions: &textOnly})
	require.NoError(t, err)

	p := sendPayload(room, "img-1", "alice", "bob")
	p.Kind = models.MessageImage
	_, err = f.coord.SendMessage(ctx, bob, p)
	requireCode(t, err, common.ErrAccessDenied)
	f.send(t, bob, room, "txt-1", "alice", "bob")
}

func TestSendMessage_EnvelopeForOutsider(t *testing.T) {
	f := setup(t)
	_, alice := f.online(t, "alice")
	_, bob := f.online(t, "bob")
	room := f.direct(t, alice, bob)

	_, err := f.coord.SendMessage(context.Background(), alice, sendPayload(room, "cid-1", "alice", "carol"))
	requireCode(t, err, common.ErrValidation)
}

func TestJoinRoom_DeliversPageInOrder(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	aliceConn, alice := f.online(t, "alice")
	_, bob := f.online(t, "bob")
	room := f.direct(t, alice, bob)
	f.join(t, alice, room)

	var ids []string
	for _, cid := range []string{"cid-1", "cid-2", "cid-3"} {
		ids = append(ids, f.send(t, alice, room, cid, "alice", "bob").MessageID)
	}

	page := f.join(t, bob, room)
	require.Len(t, page.Messages, 3)
	for i, m := range page.Messages {
		assert.Equal(t, ids[i], m.ID, "oldest first")
		env, ok := m.Recipient("bob")
		require.True(t, ok)
		assert.NotNil(t, env.DeliveredAt)
		assert.Nil(t, env.ReadAt)
	}
	require.Len(t, aliceConn.of(protocol.EvUserJoinedChat), 1)

	stored, err := f.store.GetMessage(ctx, ids[0])
	require.NoError(t, err)
	env, _ := stored.Recipient("bob")
	assert.NotNil(t, env.DeliveredAt)

	// a second join finds nothing left to deliver but keeps the stamp
	again := f.join(t, bob, room)
	env, _ = again.Messages[0].Recipient("bob")
	first, _ := page.Messages[0].Recipient("bob")
	require.NotNil(t, env.DeliveredAt)
	assert.True(t, env.DeliveredAt.Equal(*first.DeliveredAt))
}

func TestMarkRead_BroadcastsOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	aliceConn, alice := f.online(t, "alice")
	bobConn, bob := f.online(t, "bob")
	room := f.direct(t, alice, bob)
	f.join(t, alice, room)
	f.join(t, bob, room)
	first := f.send(t, alice, room, "cid-1", "alice", "bob")
	second := f.send(t, alice, room, "cid-2", "alice", "bob")

	res, err := f.coord.MarkRead(ctx, bob, protocol.MarkAsRead{RoomID: room, MessageIDs: []string{first.MessageID}})
	require.NoError(t, err)
	assert.Equal(t, []string{first.MessageID}, res.MessageIDs)

	res, err = f.coord.MarkRead(ctx, bob, protocol.MarkAsRead{RoomID: room})
	require.NoError(t, err)
	assert.Equal(t, []string{second.MessageID}, res.MessageIDs)

	res, err = f.coord.MarkRead(ctx, bob, protocol.MarkAsRead{RoomID: room})
	require.NoError(t, err)
	assert.Empty(t, res.MessageIDs)

	assert.Len(t, aliceConn.of(protocol.EvMessagesRead), 2)
	assert.Empty(t, bobConn.of(protocol.EvMessagesRead))

	m, err := f.store.GetMessage(ctx, first.MessageID)
	require.NoError(t, err)
	env, _ := m.Recipient("bob")
	require.NotNil(t, env.ReadAt)
	require.NotNil(t, env.DeliveredAt, "read implies delivered")

	unread, err := f.coord.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, unread.Count)
}

func TestTyping_ExcludesSender(t *testing.T) {
	f := setup(t)
	aliceConn, alice := f.online(t, "alice")
	bobConn, bob := f.online(t, "bob")
	room := f.direct(t, alice, bob)
	f.join(t, alice, room)
	f.join(t, bob, room)

	require.NoError(t, f.coord.SetTyping(context.Background(), alice, room, true))
	got := bobConn.of(protocol.EvUserTyping)
	require.Len(t, got, 1)
	assert.True(t, got[0].Payload.(protocol.UserTyping).IsTyping)
	assert.Empty(t, aliceConn.of(protocol.EvUserTyping))
}

func TestReactions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	aliceConn, alice := f.online(t, "alice")
	_, bob := f.online(t, "bob")
	room := f.direct(t, alice, bob)
	f.join(t, alice, room)
	ack := f.send(t, alice, room, "cid-1", "alice", "bob")

	_, err := f.coord.AddReaction(ctx, bob, protocol.Reaction{RoomID: room, MessageID: ack.MessageID, Emoji: "👍"})
	require.NoError(t, err)
	_, err = f.coord.AddReaction(ctx, bob, protocol.Reaction{RoomID: room, MessageID: ack.MessageID, Emoji: "🎉"})
	require.NoError(t, err)
	require.Len(t, aliceConn.of(protocol.EvReactionAdded), 2)

	m, err := f.store.GetMessage(ctx, ack.MessageID)
	require.NoError(t, err)
	require.Len(t, m.Reactions, 1, "one reaction per user")
	assert.Equal(t, "🎉", m.Reactions[0].Emoji)

	_, err = f.coord.RemoveReaction(ctx, bob, protocol.Reaction{RoomID: room, MessageID: ack.MessageID})
	require.NoError(t, err)
	require.Len(t, aliceConn.of(protocol.EvReactionRemoved), 1)
	m, err = f.store.GetMessage(ctx, ack.MessageID)
	require.NoError(t, err)
	assert.Empty(t, m.Reactions)

	other := f.group(t, alice, 0, "bob")
	_, err = f.coord.AddReaction(ctx, bob, protocol.Reaction{RoomID: other, MessageID: ack.MessageID, Emoji: "👍"})
	requireCode(t, err, common.ErrNotFound)
}

func TestReaction_RequiresEnvelope(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, alice := f.online(t, "alice")
	_, carol := f.online(t, "carol")
	room := f.group(t, alice, 0, "bob", "carol")
	ack := f.send(t, alice, room, "cid-1", "alice", "bob")

	_, err := f.coord.AddReaction(ctx, carol, protocol.Reaction{RoomID: room, MessageID: ack.MessageID, Emoji: "👍"})
	requireCode(t, err, common.ErrAccessDenied)
}

func TestCreateDirectChat(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, alice := f.online(t, "alice")
	bobConn, bob := f.online(t, "bob")

	res, err := f.coord.CreateDirectChat(ctx, alice, "bob")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, models.DirectRoomID("alice", "bob"), res.Chat.ID)

	notes := bobConn.of(protocol.EvNewChatCreated)
	require.Len(t, notes, 1)
	assert.Equal(t, "alice", notes[0].Payload.(protocol.ChatCreated).By.UserID)

	back, err := f.coord.CreateDirectChat(ctx, bob, "alice")
	require.NoError(t, err)
	assert.False(t, back.Created)
	assert.Equal(t, res.Chat.ID, back.Chat.ID)

	_, err = f.coord.CreateDirectChat(ctx, alice, "alice")
	requireCode(t, err, common.ErrValidation)
	_, err = f.coord.CreateDirectChat(ctx, alice, "nobody")
	requireCode(t, err, common.ErrNotFound)
}

func TestCreateDirectChat_Blocked(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, alice := f.online(t, "alice")
	_, bob := f.online(t, "bob")

	res, err := f.coord.BlockUser(ctx, bob, "alice")
	require.NoError(t, err)
	assert.True(t, res.Blocked)

	_, err = f.coord.CreateDirectChat(ctx, alice, "bob")
	requireCode(t, err, common.ErrUserBlocked)
	_, err = f.coord.CreateDirectChat(ctx, bob, "alice")
	requireCode(t, err, common.ErrUserBlocked)

	_, err = f.coord.UnblockUser(ctx, bob, "alice")
	require.NoError(t, err)
	_, err = f.coord.CreateDirectChat(ctx, alice, "bob")
	require.NoError(t, err)
}

func TestCreateGroupChat_NotifiesMembers(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, alice := f.online(t, "alice")
	bobConn, _ := f.online(t, "bob")

	res, err := f.coord.CreateGroupChat(ctx, alice, protocol.CreateGroupChat{Name: " team ", MemberIDs: []string{"bob", "carol", "bob", "alice"}})
	require.NoError(t, err)
	assert.Equal(t, models.KindGroup, res.Kind)
	assert.Equal(t, "team", res.Chat.Name)
	assert.Equal(t, []string{"alice", "bob", "carol"}, res.Chat.ActiveParticipantIDs())
	owner, _ := res.Chat.Participant("alice")
	assert.Equal(t, models.RoleOwner, owner.Role)
	assert.Len(t, bobConn.of(protocol.EvNewChatCreated), 1)

	chats, err := f.coord.UserChats(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, chats.Chats, 1)
	assert.Equal(t, res.Chat.ID, chats.Chats[0].ID)

	_, err = f.coord.CreateGroupChat(ctx, alice, protocol.CreateGroupChat{Name: "x", MemberIDs: []string{"ghost"}})
	requireCode(t, err, common.ErrNotFound)
}

func TestMembership(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	aliceConn, alice := f.online(t, "alice")
	bobConn, bob := f.online(t, "bob")
	carolConn, carol := f.online(t, "carol")
	room := f.group(t, alice, 0, "bob")
	f.join(t, alice, room)
	f.join(t, bob, room)

	_, err := f.coord.AddMember(ctx, bob, protocol.Member{RoomID: room, UserID: "carol"})
	requireCode(t, err, common.ErrAccessDenied)

	_, err = f.coord.AddMember(ctx, alice, protocol.Member{RoomID: room, UserID: "carol"})
	require.NoError(t, err)
	assert.Len(t, aliceConn.of(protocol.EvMemberAdded), 1)
	assert.Len(t, carolConn.of(protocol.EvNewChatCreated), 1)
	f.join(t, carol, room)

	_, err = f.coord.RemoveMember(ctx, bob, protocol.Member{RoomID: room, UserID: "alice"})
	requireCode(t, err, common.ErrAccessDenied)

	_, err = f.coord.RemoveMember(ctx, alice, protocol.Member{RoomID: room, UserID: "bob"})
	require.NoError(t, err)
	assert.Len(t, bobConn.of(protocol.EvMemberRemoved), 1)
	assert.False(t, f.hub.subscribed(room, bobConn))

	bobConn.reset()
	f.send(t, alice, room, "after", "alice", "carol")
	assert.Empty(t, bobConn.of(protocol.EvNewMessage))
	_, err = f.coord.SendMessage(ctx, bob, sendPayload(room, "late", "alice", "bob"))
	requireCode(t, err, common.ErrAccessDenied)

	// leaving is always allowed
	_, err = f.coord.RemoveMember(ctx, carol, protocol.Member{RoomID: room, UserID: "carol"})
	require.NoError(t, err)

	// re-adding reactivates the old record
	_, err = f.coord.AddMember(ctx, alice, protocol.Member{RoomID: room, UserID: "bob"})
	require.NoError(t, err)
	r, err := f.store.FindByID(ctx, room)
	require.NoError(t, err)
	assert.Len(t, r.Participants, 3)
	assert.Equal(t, []string{"alice", "bob"}, r.ActiveParticipantIDs())

	direct := f.direct(t, alice, bob)
	_, err = f.coord.AddMember(ctx, alice, protocol.Member{RoomID: direct, UserID: "carol"})
	requireCode(t, err, common.ErrValidation)
}

func TestUpdateRole_OwnershipRules(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, alice := f.online(t, "alice")
	_, bob := f.online(t, "bob")
	room := f.group(t, alice, 0, "bob", "carol")

	_, err := f.coord.UpdateRole(ctx, bob, protocol.UpdateRole{RoomID: room, UserID: "carol", Role: models.RoleAdmin})
	requireCode(t, err, common.ErrAccessDenied)

	res, err := f.coord.UpdateRole(ctx, alice, protocol.UpdateRole{RoomID: room, UserID: "bob", Role: models.RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, res.Role)

	_, err = f.coord.UpdateRole(ctx, bob, protocol.UpdateRole{RoomID: room, UserID: "carol", Role: models.RoleOwner})
	requireCode(t, err, common.ErrAccessDenied)
	_, err = f.coord.UpdateRole(ctx, bob, protocol.UpdateRole{RoomID: room, UserID: "alice", Role: models.RoleMember})
	requireCode(t, err, common.ErrAccessDenied)

	_, err = f.coord.UpdateRole(ctx, alice, protocol.UpdateRole{RoomID: room, UserID: "ghost", Role: models.RoleAdmin})
	requireCode(t, err, common.ErrNotFound)
}

func TestPreferences(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, alice := f.online(t, "alice")
	_, bob := f.online(t, "bob")
	room := f.direct(t, alice, bob)

	until := f.clock.Now().Add(time.Hour)
	res, err := f.coord.MuteChat(ctx, bob, protocol.MuteChat{RoomID: room, Until: &until})
	require.NoError(t, err)
	p, _ := res.Chat.Participant("bob")
	require.NotNil(t, p.Preferences.MuteUntil)

	_, err = f.coord.SetNickname(ctx, bob, protocol.SetNickname{RoomID: room, Nickname: "Bobby"})
	require.NoError(t, err)

	r, err := f.store.FindByID(ctx, room)
	require.NoError(t, err)
	p, _ = r.Participant("bob")
	assert.Equal(t, "Bobby", p.Preferences.Nickname)
	assert.NotNil(t, p.Preferences.MuteUntil)
	other, _ := r.Participant("alice")
	assert.Nil(t, other.Preferences.MuteUntil)
}

func TestEditMessage(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, alice := f.online(t, "alice")
	bobConn, bob := f.online(t, "bob")
	room := f.direct(t, alice, bob)
	f.join(t, bob, room)
	ack := f.send(t, alice, room, "cid-1", "alice", "bob")

	edit := protocol.EditMessage{
		RoomID:     room,
		MessageID:  ack.MessageID,
		Encryption: models.EncryptionHeader{Algorithm: "XSalsa20-Poly1305", KeyID: "key-2", Nonce: []byte("nonce-2")},
		Recipients: []protocol.Envelope{{UserID: "bob", EncryptedContent: []byte("new"), EncryptedKey: []byte("k2"), KeyNonce: []byte("n2")}},
	}
	_, err := f.coord.EditMessage(ctx, bob, edit)
	requireCode(t, err, common.ErrAccessDenied)

	res, err := f.coord.EditMessage(ctx, alice, edit)
	require.NoError(t, err)
	assert.True(t, res.Message.Edited)
	require.Len(t, bobConn.of(protocol.EvMessageEdited), 1)

	m, err := f.store.GetMessage(ctx, ack.MessageID)
	require.NoError(t, err)
	env, _ := m.Recipient("bob")
	assert.Equal(t, []byte("new"), env.EncryptedContent)
	require.Len(t, m.EditHistory, 1)
	assert.Equal(t, []byte("c-bob"), m.EditHistory[0].PreviousContent)
}

func TestExpireMessages(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, alice := f.online(t, "alice")
	bobConn, bob := f.online(t, "bob")
	room := f.direct(t, alice, bob)
	f.join(t, bob, room)

	p := sendPayload(room, "ttl", "alice", "bob")
	p.Metadata = &models.Metadata{TTLSeconds: 5}
	ack, err := f.coord.SendMessage(ctx, alice, p)
	require.NoError(t, err)
	f.send(t, alice, room, "keep", "alice", "bob")

	n, err := f.coord.ExpireMessages(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(10 * time.Second)
	n, err = f.coord.ExpireMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	deleted := bobConn.of(protocol.EvMessageDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, ack.MessageID, deleted[0].Payload.(protocol.MessageDeleted).MessageID)

	history, err := f.coord.History(ctx, "bob", room, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

// Subscribers see a room's messages in the order they were committed.
func TestConcurrentSends_CommitOrder(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, alice := f.online(t, "alice")
	bobConn, bob := f.online(t, "bob")
	room := f.direct(t, alice, bob)
	f.join(t, bob, room)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := alice
			if i%2 == 1 {
				sender = bob
			}
			_, err := f.coord.SendMessage(ctx, sender, sendPayload(room, fmt.Sprintf("cid-%d", i), "alice", "bob"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	events := bobConn.of(protocol.EvNewMessage)
	require.Len(t, events, n)

	page, err := f.store.PageByRoom(ctx, room, "bob", 1, n, f.clock.Now())
	require.NoError(t, err)
	require.Len(t, page, n)
	for i, ev := range events {
		assert.Equal(t, page[n-1-i].ID, ev.Payload.(protocol.NewMessage).Message.ID)
	}

	r, err := f.store.FindByID(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, int64(n), r.TotalMessages)
	assert.Zero(t, f.coord.locks.size())
}
