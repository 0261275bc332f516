package sqlstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pliu/sniffguard/internal/common"
	"github.com/pliu/sniffguard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindOrCreateDirect(t *testing.T) {
	s := SetupTestDB(t)
	ctx := context.Background()

	r1, created, err := s.FindOrCreateDirect(ctx, "bob", "alice", t0)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "direct_alice_bob", r1.ID)
	assert.Equal(t, 2, r1.ActiveCount())

	r2, created, err := s.FindOrCreateDirect(ctx, "alice", "bob", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, r1.ID, r2.ID)
	assert.True(t, t0.Equal(r2.CreatedAt))
	assert.Len(t, r2.Participants, 2)
}

func TestFindOrCreateDirect_Concurrent(t *testing.T) {
	s := SetupTestDB(t)
	ctx := context.Background()

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]int{}
		creates int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			r, created, err := s.FindOrCreateDirect(ctx, a, b, t0)
			assert.NoError(t, err)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[r.ID]++
			if created {
				creates++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, map[string]int{"direct_alice_bob": n}, ids)
	assert.Equal(t, 1, creates)

	rooms, err := s.ListForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
}

func TestCreateAndSaveRoom(t *testing.T) {
	s := SetupTestDB(t)
	ctx := context.Background()

	room, err := models.NewGroupRoom("owner", "Team", models.KindGroup, []string{"u1", "u2"}, models.RoomSettings{MaxMembers: 5}, t0)
	require.NoError(t, err)
	require.NoError(t, s.CreateRoom(ctx, room))
	assert.ErrorIs(t, s.CreateRoom(ctx, room), common.ErrValidation)

	got, err := s.FindByID(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, "Team", got.Name)
	assert.Equal(t, models.KindGroup, got.Kind)
	assert.Equal(t, 5, got.Settings.MaxMembers)
	require.Len(t, got.Participants, 3)
	assert.Equal(t, "owner", got.Participants[0].UserID)
	assert.Equal(t, models.RoleOwner, got.Participants[0].Role)

	later := t0.Add(time.Hour)
	next, err := got.RemoveParticipant("u2", later)
	require.NoError(t, err)
	next, err = next.UpdateRole("u1", models.RoleAdmin, later)
	require.NoError(t, err)
	until := later.Add(time.Hour)
	next, err = next.MuteFor("u1", &until, later)
	require.NoError(t, err)
	next = next.RecordLastMessage("m1", "New message", later)
	require.NoError(t, s.SaveRoom(ctx, next))

	got, err = s.FindByID(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ActiveCount())
	assert.False(t, got.IsParticipant("u2"))
	require.Len(t, got.Participants, 3, "removed participants are kept")
	p, ok := got.Participant("u1")
	require.True(t, ok)
	assert.Equal(t, models.RoleAdmin, p.Role)
	require.NotNil(t, p.Preferences.MuteUntil)
	assert.True(t, until.Equal(*p.Preferences.MuteUntil))
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, "m1", got.LastMessage.MessageID)

	_, err = s.FindByID(ctx, "group_missing")
	assert.ErrorIs(t, err, common.ErrNotFound)

	ghost, err := models.NewGroupRoom("x", "ghost", models.KindGroup, nil, models.RoomSettings{}, t0)
	require.NoError(t, err)
	assert.ErrorIs(t, s.SaveRoom(ctx, ghost), common.ErrNotFound)
}

func TestListForUser(t *testing.T) {
	s := SetupTestDB(t)
	ctx := context.Background()

	_, _, err := s.FindOrCreateDirect(ctx, "a", "b", t0)
	require.NoError(t, err)
	_, _, err = s.FindOrCreateDirect(ctx, "a", "c", t0.Add(time.Minute))
	require.NoError(t, err)
	g, err := models.NewGroupRoom("c", "g", models.KindGroup, []string{"a"}, models.RoomSettings{}, t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.CreateRoom(ctx, g))

	rooms, err := s.ListForUser(ctx, "a")
	require.NoError(t, err)
	require.Len(t, rooms, 3)
	assert.Equal(t, g.ID, rooms[0].ID, "most recently updated first")
	for _, r := range rooms {
		assert.NotEmpty(t, r.Participants)
	}

	left, err := g.RemoveParticipant("a", t0.Add(3*time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.SaveRoom(ctx, left))

	rooms, err = s.ListForUser(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, rooms, 2)

	rooms, err = s.ListForUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, rooms)
}
