package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pliu/sniffguard/internal/common"
	"github.com/pliu/sniffguard/internal/dbx"
	"github.com/pliu/sniffguard/internal/models"
)

const roomColumns = `id, kind, name, creator_id, max_members, is_public, allow_invites, retention_days,
	rotation_interval_days, last_rotation, last_message_id, last_message_preview, last_message_at,
	total_messages, archived, archived_at, created_at, updated_at`

const participantColumns = `room_id, user_id, position, role, can_send_messages, can_send_media,
	can_add_members, can_remove_members, can_edit_room, notifications, mute_until, nickname, added_by,
	joined_at, left_at, active`

type scanner interface {
	Scan(dest ...any) error
}

func roomArgs(r *models.ChatRoom) []any {
	var lastID, lastPreview any
	var lastAt any
	if r.LastMessage != nil {
		lastID, lastPreview, lastAt = r.LastMessage.MessageID, r.LastMessage.Preview, ts(r.LastMessage.Timestamp)
	}
	return []any{
		r.ID, string(r.Kind), r.Name, r.CreatorID, r.Settings.MaxMembers, r.Settings.IsPublic, r.Settings.AllowInvites,
		r.Settings.RetentionDays, r.Encryption.RotationIntervalDays, ts(r.Encryption.LastRotation),
		lastID, lastPreview, lastAt, r.TotalMessages, r.Archived, nullTS(r.ArchivedAt), ts(r.CreatedAt), ts(r.UpdatedAt),
	}
}

func scanRoom(row scanner) (*models.ChatRoom, error) {
	var (
		r           models.ChatRoom
		kind        string
		lastID      sql.NullString
		lastPreview sql.NullString
		lastAt      sql.NullTime
		archivedAt  sql.NullTime
	)
	err := row.Scan(&r.ID, &kind, &r.Name, &r.CreatorID, &r.Settings.MaxMembers, &r.Settings.IsPublic,
		&r.Settings.AllowInvites, &r.Settings.RetentionDays, &r.Encryption.RotationIntervalDays,
		&r.Encryption.LastRotation, &lastID, &lastPreview, &lastAt, &r.TotalMessages, &r.Archived,
		&archivedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Kind = models.RoomKind(kind)
	r.Encryption.LastRotation = r.Encryption.LastRotation.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	r.ArchivedAt = fromNullTime(archivedAt)
	if lastID.Valid {
		r.LastMessage = &models.LastMessage{MessageID: lastID.String, Preview: nullString(lastPreview)}
		if lastAt.Valid {
			r.LastMessage.Timestamp = lastAt.Time.UTC()
		}
	}
	return &r, nil
}

func (s *SQLStore) insertRoom(ctx context.Context, q dbx.DBTX, r *models.ChatRoom, ignoreConflict bool) (bool, error) {
	query := "INSERT INTO rooms (" + roomColumns + ") VALUES (" + dbx.Placeholders(18) + ")"
	if ignoreConflict {
		query += " ON CONFLICT (id) DO NOTHING"
	}
	res, err := q.ExecContext(ctx, s.rebind(query), roomArgs(r)...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) writeParticipants(ctx context.Context, q dbx.DBTX, roomID string, ps []models.Participant) error {
	query := s.rebind("INSERT INTO participants (" + participantColumns + ") VALUES (" + dbx.Placeholders(16) + `)
		ON CONFLICT (room_id, user_id) DO UPDATE SET
			position = excluded.position, role = excluded.role,
			can_send_messages = excluded.can_send_messages, can_send_media = excluded.can_send_media,
			can_add_members = excluded.can_add_members, can_remove_members = excluded.can_remove_members,
			can_edit_room = excluded.can_edit_room, notifications = excluded.notifications,
			mute_until = excluded.mute_until, nickname = excluded.nickname, added_by = excluded.added_by,
			joined_at = excluded.joined_at, left_at = excluded.left_at, active = excluded.active`)
	for i, p := range ps {
		_, err := q.ExecContext(ctx, query, roomID, p.UserID, i, string(p.Role),
			p.Permissions.SendMessages, p.Permissions.SendMedia, p.Permissions.AddMembers,
			p.Permissions.RemoveMembers, p.Permissions.EditRoom, p.Preferences.Notifications,
			nullTS(p.Preferences.MuteUntil), p.Preferences.Nickname, p.AddedBy, ts(p.JoinedAt),
			nullTS(p.LeftAt), p.Active)
		if err != nil {
			return fmt.Errorf("write participant %s: %w", p.UserID, err)
		}
	}
	return nil
}

func (s *SQLStore) loadParticipants(ctx context.Context, q dbx.DBTX, roomIDs []string) (map[string][]models.Participant, error) {
	out := make(map[string][]models.Participant, len(roomIDs))
	if len(roomIDs) == 0 {
		return out, nil
	}
	query := s.rebind("SELECT " + participantColumns + " FROM participants WHERE room_id IN (" +
		dbx.Placeholders(len(roomIDs)) + ") ORDER BY room_id, position")
	rows, err := q.QueryContext(ctx, query, inArgs(roomIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p         models.Participant
			roomID    string
			position  int
			role      string
			muteUntil sql.NullTime
			leftAt    sql.NullTime
		)
		err := rows.Scan(&roomID, &p.UserID, &position, &role, &p.Permissions.SendMessages,
			&p.Permissions.SendMedia, &p.Permissions.AddMembers, &p.Permissions.RemoveMembers,
			&p.Permissions.EditRoom, &p.Preferences.Notifications, &muteUntil, &p.Preferences.Nickname,
			&p.AddedBy, &p.JoinedAt, &leftAt, &p.Active)
		if err != nil {
			return nil, err
		}
		p.Role = models.Role(role)
		p.JoinedAt = p.JoinedAt.UTC()
		p.Preferences.MuteUntil = fromNullTime(muteUntil)
		p.LeftAt = fromNullTime(leftAt)
		out[roomID] = append(out[roomID], p)
	}
	return out, rows.Err()
}

func (s *SQLStore) findRoom(ctx context.Context, q dbx.DBTX, roomID string) (*models.ChatRoom, error) {
	query := s.rebind("SELECT " + roomColumns + " FROM rooms WHERE id = ?")
	r, err := scanRoom(q.QueryRowContext(ctx, query, roomID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("room %s: %w", roomID, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	ps, err := s.loadParticipants(ctx, q, []string{roomID})
	if err != nil {
		return nil, err
	}
	r.Participants = ps[roomID]
	return r, nil
}

func (s *SQLStore) FindByID(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	return s.findRoom(ctx, s.db, roomID)
}

func (s *SQLStore) FindOrCreateDirect(ctx context.Context, a, b string, now time.Time) (*models.ChatRoom, bool, error) {
	candidate, err := models.NewDirectRoom(a, b, now)
	if err != nil {
		return nil, false, err
	}

	var (
		room    *models.ChatRoom
		created bool
	)
	err = s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		inserted, err := s.insertRoom(ctx, tx, candidate, true)
		if err != nil {
			return err
		}
		if inserted {
			if err := s.writeParticipants(ctx, tx, candidate.ID, candidate.Participants); err != nil {
				return err
			}
		}
		created = inserted
		room, err = s.findRoom(ctx, tx, candidate.ID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return room, created, nil
}

func (s *SQLStore) CreateRoom(ctx context.Context, room *models.ChatRoom) error {
	return s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.insertRoom(ctx, tx, room, false); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("room %s exists: %w", room.ID, common.ErrValidation)
			}
			return err
		}
		return s.writeParticipants(ctx, tx, room.ID, room.Participants)
	})
}

func (s *SQLStore) updateRoom(ctx context.Context, q dbx.DBTX, r *models.ChatRoom) error {
	args := roomArgs(r)
	// move id to the WHERE clause
	args = append(args[1:], r.ID)
	cols := strings.Split(roomColumns, ",")[1:]
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i]) + " = ?"
	}
	query := s.rebind("UPDATE rooms SET " + strings.Join(cols, ", ") + " WHERE id = ?")
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("room %s: %w", r.ID, common.ErrNotFound)
	}
	return nil
}

func (s *SQLStore) SaveRoom(ctx context.Context, room *models.ChatRoom) error {
	return s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.updateRoom(ctx, tx, room); err != nil {
			return err
		}
		return s.writeParticipants(ctx, tx, room.ID, room.Participants)
	})
}

func (s *SQLStore) ListForUser(ctx context.Context, userID string) ([]models.ChatRoom, error) {
	cols := strings.Split(roomColumns, ",")
	for i := range cols {
		cols[i] = "r." + strings.TrimSpace(cols[i])
	}
	query := s.rebind("SELECT " + strings.Join(cols, ", ") + `
		FROM rooms r
		JOIN participants p ON p.room_id = r.id
		WHERE p.user_id = ? AND p.active = ?
		ORDER BY r.updated_at DESC, r.id`)
	rows, err := s.db.QueryContext(ctx, query, userID, true)
	if err != nil {
		return nil, err
	}

	var (
		rooms []models.ChatRoom
		ids   []string
	)
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		rooms = append(rooms, *r)
		ids = append(ids, r.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ps, err := s.loadParticipants(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range rooms {
		rooms[i].Participants = ps[rooms[i].ID]
	}
	return rooms, nil
}
