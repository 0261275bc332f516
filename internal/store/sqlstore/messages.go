package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pliu/sniffguard/internal/common"
	"github.com/pliu/sniffguard/internal/dbx"
	"github.com/pliu/sniffguard/internal/models"
)

const DefaultPageSize = 50

const messageColumns = `id, room_id, sender_id, client_message_id, kind, thread_id, metadata, algorithm,
	key_id, nonce, priority, mentions, edited, deleted, delete_scope, expires_at, created_at, updated_at`

func encodeJSON(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *SQLStore) InsertMessage(ctx context.Context, m *models.Message, room *models.ChatRoom) error {
	metadata, err := encodeJSON(m.Metadata, m.Metadata == nil)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	mentions, err := encodeJSON(m.Mentions, len(m.Mentions) == 0)
	if err != nil {
		return fmt.Errorf("encode mentions: %w", err)
	}

	preview, at := models.Preview(m.Kind), m.CreatedAt
	if room != nil && room.LastMessage != nil && room.LastMessage.MessageID == m.ID {
		preview, at = room.LastMessage.Preview, room.LastMessage.Timestamp
	}

	return s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE rooms SET last_message_id = ?, last_message_preview = ?, last_message_at = ?,
				total_messages = total_messages + 1, updated_at = ?
			WHERE id = ?`), m.ID, preview, ts(at), ts(at), m.RoomID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("room %s: %w", m.RoomID, common.ErrNotFound)
		}

		// The room counter doubles as the per-room commit sequence.
		var seq int64
		if err := tx.QueryRowContext(ctx, s.rebind("SELECT total_messages FROM rooms WHERE id = ?"), m.RoomID).Scan(&seq); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO messages (id, room_id, seq, sender_id, client_message_id, kind, thread_id, metadata,
				algorithm, key_id, nonce, priority, mentions, edited, deleted, delete_scope, expires_at,
				created_at, updated_at)
			VALUES (`+dbx.Placeholders(19)+")"),
			m.ID, m.RoomID, seq, m.SenderID, m.ClientMessageID, string(m.Kind), m.ThreadID, metadata,
			m.Encryption.Algorithm, m.Encryption.KeyID, m.Encryption.Nonce, string(m.Priority), mentions,
			m.Edited, m.Deleted, string(m.DeleteScope), nullTS(m.ExpiresAt), ts(m.CreatedAt), ts(m.UpdatedAt))
		if isUniqueViolation(err) {
			return fmt.Errorf("message %s/%s/%s: %w", m.RoomID, m.SenderID, m.ClientMessageID, common.ErrDuplicateMessage)
		}
		if err != nil {
			return err
		}

		insertRecipient := s.rebind(`
			INSERT INTO recipients (message_id, user_id, encrypted_content, encrypted_key, key_nonce,
				delivered_at, read_at, deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		for _, r := range m.Recipients {
			_, err := tx.ExecContext(ctx, insertRecipient, m.ID, r.UserID, r.EncryptedContent, r.EncryptedKey,
				r.KeyNonce, nullTS(r.DeliveredAt), nullTS(r.ReadAt), r.Deleted)
			if err != nil {
				return fmt.Errorf("insert envelope for %s: %w", r.UserID, err)
			}
		}
		return nil
	})
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		m         models.Message
		kind      string
		priority  string
		scope     string
		metadata  sql.NullString
		mentions  sql.NullString
		expiresAt sql.NullTime
	)
	err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.ClientMessageID, &kind, &m.ThreadID, &metadata,
		&m.Encryption.Algorithm, &m.Encryption.KeyID, &m.Encryption.Nonce, &priority, &mentions, &m.Edited,
		&m.Deleted, &scope, &expiresAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Kind = models.MessageKind(kind)
	m.Priority = models.Priority(priority)
	m.DeleteScope = models.DeleteScope(scope)
	m.ExpiresAt = fromNullTime(expiresAt)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	if metadata.Valid {
		m.Metadata = &models.Metadata{}
		if err := json.Unmarshal([]byte(metadata.String), m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", m.ID, err)
		}
	}
	if mentions.Valid {
		if err := json.Unmarshal([]byte(mentions.String), &m.Mentions); err != nil {
			return nil, fmt.Errorf("decode mentions of %s: %w", m.ID, err)
		}
	}
	m.Reactions = []models.Reaction{}
	return &m, nil
}

// selectMessages loads full messages, envelopes included, for the rows
// matched by tail (a WHERE/ORDER/LIMIT suffix).
func (s *SQLStore) selectMessages(ctx context.Context, q dbx.DBTX, tail string, args ...any) ([]models.Message, error) {
	rows, err := q.QueryContext(ctx, s.rebind("SELECT "+messageColumns+" FROM messages "+tail), args...)
	if err != nil {
		return nil, err
	}
	var (
		msgs []models.Message
		ids  []string
	)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		msgs = append(msgs, *m)
		ids = append(ids, m.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return msgs, nil
	}

	index := make(map[string]*models.Message, len(msgs))
	for i := range msgs {
		index[msgs[i].ID] = &msgs[i]
	}
	if err := s.loadRecipients(ctx, q, ids, index); err != nil {
		return nil, err
	}
	if err := s.loadReactions(ctx, q, ids, index); err != nil {
		return nil, err
	}
	if err := s.loadEdits(ctx, q, ids, index); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *SQLStore) loadRecipients(ctx context.Context, q dbx.DBTX, ids []string, index map[string]*models.Message) error {
	rows, err := q.QueryContext(ctx, s.rebind(`
		SELECT message_id, user_id, encrypted_content, encrypted_key, key_nonce, delivered_at, read_at, deleted
		FROM recipients WHERE message_id IN (`+dbx.Placeholders(len(ids))+`)
		ORDER BY message_id, user_id`), inArgs(ids)...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			messageID string
			r         models.Recipient
			delivered sql.NullTime
			read      sql.NullTime
		)
		if err := rows.Scan(&messageID, &r.UserID, &r.EncryptedContent, &r.EncryptedKey, &r.KeyNonce, &delivered, &read, &r.Deleted); err != nil {
			return err
		}
		r.DeliveredAt = fromNullTime(delivered)
		r.ReadAt = fromNullTime(read)
		if m, ok := index[messageID]; ok {
			m.Recipients = append(m.Recipients, r)
		}
	}
	return rows.Err()
}

func (s *SQLStore) loadReactions(ctx context.Context, q dbx.DBTX, ids []string, index map[string]*models.Message) error {
	rows, err := q.QueryContext(ctx, s.rebind(`
		SELECT message_id, user_id, emoji, added_at FROM reactions
		WHERE message_id IN (`+dbx.Placeholders(len(ids))+`)
		ORDER BY message_id, added_at, user_id`), inArgs(ids)...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			messageID string
			r         models.Reaction
		)
		if err := rows.Scan(&messageID, &r.UserID, &r.Emoji, &r.AddedAt); err != nil {
			return err
		}
		r.AddedAt = r.AddedAt.UTC()
		if m, ok := index[messageID]; ok {
			m.Reactions = append(m.Reactions, r)
		}
	}
	return rows.Err()
}

func (s *SQLStore) loadEdits(ctx context.Context, q dbx.DBTX, ids []string, index map[string]*models.Message) error {
	rows, err := q.QueryContext(ctx, s.rebind(`
		SELECT message_id, recipient_id, edited_at, previous_content FROM message_edits
		WHERE message_id IN (`+dbx.Placeholders(len(ids))+`)
		ORDER BY message_id, position`), inArgs(ids)...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			messageID string
			e         models.Edit
		)
		if err := rows.Scan(&messageID, &e.RecipientID, &e.EditedAt, &e.PreviousContent); err != nil {
			return err
		}
		e.EditedAt = e.EditedAt.UTC()
		if m, ok := index[messageID]; ok {
			m.EditHistory = append(m.EditHistory, e)
		}
	}
	return rows.Err()
}

func (s *SQLStore) getMessage(ctx context.Context, q dbx.DBTX, tail string, args ...any) (*models.Message, error) {
	msgs, err := s.selectMessages(ctx, q, tail, args...)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, common.ErrNotFound
	}
	return &msgs[0], nil
}

func (s *SQLStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	m, err := s.getMessage(ctx, s.db, "WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", id, err)
	}
	return m, nil
}

func (s *SQLStore) FindByClientID(ctx context.Context, roomID, senderID, clientMessageID string) (*models.Message, error) {
	m, err := s.getMessage(ctx, s.db, "WHERE room_id = ? AND sender_id = ? AND client_message_id = ?", roomID, senderID, clientMessageID)
	if err != nil {
		return nil, fmt.Errorf("message %s from %s: %w", clientMessageID, senderID, err)
	}
	return m, nil
}

func (s *SQLStore) updateMessage(ctx context.Context, q dbx.DBTX, m *models.Message) error {
	res, err := q.ExecContext(ctx, s.rebind(`
		UPDATE messages SET algorithm = ?, key_id = ?, nonce = ?, edited = ?, deleted = ?, delete_scope = ?,
			updated_at = ?
		WHERE id = ?`),
		m.Encryption.Algorithm, m.Encryption.KeyID, m.Encryption.Nonce, m.Edited, m.Deleted,
		string(m.DeleteScope), ts(m.UpdatedAt), m.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("message %s: %w", m.ID, common.ErrNotFound)
	}

	// Receipt timestamps only ever move from NULL to set.
	updateRecipient := s.rebind(`
		UPDATE recipients SET encrypted_content = ?, encrypted_key = ?, key_nonce = ?,
			delivered_at = COALESCE(delivered_at, ?), read_at = COALESCE(read_at, ?), deleted = ?
		WHERE message_id = ? AND user_id = ?`)
	for _, r := range m.Recipients {
		_, err := q.ExecContext(ctx, updateRecipient, r.EncryptedContent, r.EncryptedKey, r.KeyNonce,
			nullTS(r.DeliveredAt), nullTS(r.ReadAt), r.Deleted, m.ID, r.UserID)
		if err != nil {
			return fmt.Errorf("update envelope for %s: %w", r.UserID, err)
		}
	}

	if _, err := q.ExecContext(ctx, s.rebind("DELETE FROM message_edits WHERE message_id = ?"), m.ID); err != nil {
		return err
	}
	insertEdit := s.rebind(`
		INSERT INTO message_edits (message_id, position, recipient_id, edited_at, previous_content)
		VALUES (?, ?, ?, ?, ?)`)
	for i, e := range m.EditHistory {
		if _, err := q.ExecContext(ctx, insertEdit, m.ID, i, e.RecipientID, ts(e.EditedAt), e.PreviousContent); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) UpdateMessage(ctx context.Context, m *models.Message) error {
	return s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		return s.updateMessage(ctx, tx, m)
	})
}

func (s *SQLStore) PageByRoom(ctx context.Context, roomID, viewerID string, page, pageSize int, now time.Time) ([]models.Message, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return s.selectMessages(ctx, s.db, `
		WHERE room_id = ?
			AND (expires_at IS NULL OR expires_at > ?)
			AND (deleted = ? OR (delete_scope = ? AND sender_id <> ?))
		ORDER BY seq DESC
		LIMIT ? OFFSET ?`,
		roomID, ts(now), false, string(models.DeleteForSender), viewerID, pageSize, (page-1)*pageSize)
}

// markEnvelopes stamps userID's envelopes in the room. ids narrows the set
// when non-nil. read also fills delivered-at where it is still empty.
func (s *SQLStore) markEnvelopes(ctx context.Context, roomID, userID string, ids []string, read bool, at time.Time) ([]string, error) {
	column := "delivered_at"
	if read {
		column = "read_at"
	}

	var marked []string
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		query := `
			SELECT r.message_id FROM recipients r
			JOIN messages m ON m.id = r.message_id
			WHERE m.room_id = ? AND r.user_id = ? AND r.` + column + ` IS NULL AND m.delete_scope <> ?`
		args := []any{roomID, userID, string(models.DeleteForEveryone)}
		if ids != nil {
			if len(ids) == 0 {
				return nil
			}
			query += " AND r.message_id IN (" + dbx.Placeholders(len(ids)) + ")"
			args = append(args, inArgs(ids)...)
		}
		query += " ORDER BY m.seq"

		rows, err := tx.QueryContext(ctx, s.rebind(query), args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			marked = append(marked, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(marked) == 0 {
			return nil
		}

		set := "delivered_at = COALESCE(delivered_at, ?)"
		setArgs := []any{ts(at)}
		if read {
			set += ", read_at = ?"
			setArgs = append(setArgs, ts(at))
		}
		update := "UPDATE recipients SET " + set + " WHERE user_id = ? AND " + column +
			" IS NULL AND message_id IN (" + dbx.Placeholders(len(marked)) + ")"
		args = append(append(setArgs, userID), inArgs(marked)...)
		_, err = tx.ExecContext(ctx, s.rebind(update), args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return marked, nil
}

func (s *SQLStore) BulkSetDelivered(ctx context.Context, roomID, userID string, at time.Time) ([]string, error) {
	return s.markEnvelopes(ctx, roomID, userID, nil, false, at)
}

func (s *SQLStore) BulkSetRead(ctx context.Context, roomID, userID string, at time.Time) ([]string, error) {
	return s.markEnvelopes(ctx, roomID, userID, nil, true, at)
}

func (s *SQLStore) SetRead(ctx context.Context, roomID string, messageIDs []string, userID string, at time.Time) ([]string, error) {
	if messageIDs == nil {
		messageIDs = []string{}
	}
	return s.markEnvelopes(ctx, roomID, userID, messageIDs, true, at)
}

func (s *SQLStore) AddReaction(ctx context.Context, messageID string, r models.Reaction) error {
	query := s.rebind(`
		INSERT INTO reactions (message_id, user_id, emoji, added_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (message_id, user_id) DO UPDATE SET emoji = excluded.emoji, added_at = excluded.added_at`)
	_, err := s.db.ExecContext(ctx, query, messageID, r.UserID, r.Emoji, ts(r.AddedAt))
	return err
}

func (s *SQLStore) RemoveReaction(ctx context.Context, messageID, userID string) error {
	query := s.rebind("DELETE FROM reactions WHERE message_id = ? AND user_id = ?")
	_, err := s.db.ExecContext(ctx, query, messageID, userID)
	return err
}

func (s *SQLStore) CountUnread(ctx context.Context, userID string, now time.Time) (int, error) {
	var n int
	query := s.rebind(`
		SELECT COUNT(*) FROM recipients r
		JOIN messages m ON m.id = r.message_id
		WHERE r.user_id = ? AND r.read_at IS NULL AND m.sender_id <> ? AND m.delete_scope <> ?
			AND (m.expires_at IS NULL OR m.expires_at > ?)`)
	err := s.db.QueryRowContext(ctx, query, userID, userID, string(models.DeleteForEveryone), ts(now)).Scan(&n)
	return n, err
}

func (s *SQLStore) ExpireMessages(ctx context.Context, now time.Time) ([]models.Message, error) {
	var expired []models.Message
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		due, err := s.selectMessages(ctx, tx, `
			WHERE delete_scope <> ? AND expires_at IS NOT NULL AND expires_at <= ?
			ORDER BY room_id, seq`, string(models.DeleteForEveryone), ts(now))
		if err != nil {
			return err
		}
		for i := range due {
			m := due[i].Expire(now)
			if err := s.updateMessage(ctx, tx, m); err != nil {
				return err
			}
			expired = append(expired, *m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}
