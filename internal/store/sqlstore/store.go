package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq" // Postgres driver
	"github.com/mattn/go-sqlite3"
	"github.com/pliu/sniffguard/internal/dbx"
	"github.com/pliu/sniffguard/internal/store"
	"github.com/pliu/sniffguard/internal/store/sqlstore/migrations"
	"github.com/pressly/goose/v3"
)

var _ store.Store = (*SQLStore)(nil)

type SQLStore struct {
	db         *sql.DB
	driverName string
}

// New opens the database and applies pending migrations.
func New(ctx context.Context, driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if driverName == "sqlite3" {
		// One connection: keeps :memory: databases alive and writers serialized.
		db.SetMaxOpenConns(1)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s := NewWithDB(db, driverName)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an open handle without migrating it.
func NewWithDB(db *sql.DB, driverName string) *SQLStore {
	return &SQLStore{db: db, driverName: driverName}
}

var gooseMu sync.Mutex

// Migrate brings the schema up to date.
func (s *SQLStore) Migrate(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(s.driverName); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, s.driverName); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) rebind(query string) string {
	return dbx.Rebind(s.driverName, query)
}

func (s *SQLStore) withTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error {
	return dbx.WithTx(ctx, s.db, fn)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// Times are stored in UTC at microsecond precision, the finest both
// dialects keep.
func ts(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullString(s sql.NullString) string {
	if !s.Valid {
		return ""
	}
	return s.String
}

func inArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
