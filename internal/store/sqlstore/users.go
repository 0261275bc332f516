package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pliu/sniffguard/internal/common"
	"github.com/pliu/sniffguard/internal/models"
)

const userColumns = "id, username, display_name, email, public_key, last_seen, created_at"

func (s *SQLStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	query := s.rebind("INSERT INTO users (" + userColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?)")
	_, err := s.db.ExecContext(ctx, query, user.ID, user.Username, user.DisplayName, user.Email, user.PublicKey, nullTS(user.LastSeen), ts(user.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s already exists: %w", user.Username, common.ErrValidation)
	}
	return err
}

func (s *SQLStore) scanUser(row *sql.Row) (*models.User, error) {
	var (
		user     models.User
		lastSeen sql.NullTime
	)
	err := row.Scan(&user.ID, &user.Username, &user.DisplayName, &user.Email, &user.PublicKey, &lastSeen, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	user.LastSeen = fromNullTime(lastSeen)
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *SQLStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE id = ?")
	user, err := s.scanUser(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", id, err)
	}
	return user, nil
}

func (s *SQLStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE username = ?")
	user, err := s.scanUser(s.db.QueryRowContext(ctx, query, username))
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", username, err)
	}
	return user, nil
}

func (s *SQLStore) SetLastSeen(ctx context.Context, id string, at time.Time) error {
	query := s.rebind("UPDATE users SET last_seen = ? WHERE id = ?")
	_, err := s.db.ExecContext(ctx, query, ts(at), id)
	return err
}

func (s *SQLStore) BlockUser(ctx context.Context, blockerID, blockedID string) error {
	if blockerID == blockedID {
		return fmt.Errorf("cannot block yourself: %w", common.ErrValidation)
	}
	query := s.rebind("INSERT INTO blocks (blocker_id, blocked_id, created_at) VALUES (?, ?, ?) ON CONFLICT (blocker_id, blocked_id) DO NOTHING")
	_, err := s.db.ExecContext(ctx, query, blockerID, blockedID, ts(time.Now()))
	return err
}

func (s *SQLStore) UnblockUser(ctx context.Context, blockerID, blockedID string) error {
	query := s.rebind("DELETE FROM blocks WHERE blocker_id = ? AND blocked_id = ?")
	_, err := s.db.ExecContext(ctx, query, blockerID, blockedID)
	return err
}

func (s *SQLStore) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	var n int
	query := s.rebind(`
		SELECT COUNT(*) FROM blocks
		WHERE (blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)
	`)
	if err := s.db.QueryRowContext(ctx, query, a, b, b, a).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
