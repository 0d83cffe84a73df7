package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/SirClappington/remindq/internal/domain"
)

// SQLite is a single-file reminder store for local and single-node use.
// Instants are stored as unix milliseconds.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path. The schema comes from
// Migrate; OpenSQLite does not create tables.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create sqlite dir")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "sqlite %q", pragma)
		}
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// DB exposes the handle for migrations.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Close() error { return s.db.Close() }

func sqlitePlaceholder(int) string { return "?" }

func sqliteTime(t time.Time) any { return t.UnixMilli() }

func (s *SQLite) Create(ctx context.Context, in domain.CreateInput) (domain.Reminder, error) {
	id := in.ID
	if id == "" {
		return domain.Reminder{}, errMissingID
	}
	now := s.now().UnixMilli()
	row := s.db.QueryRowContext(ctx, `insert into reminders (id, title, description, execution_date, status, created_at, updated_at)
values (?, ?, ?, ?, ?, ?, ?)
returning `+reminderColumns,
		id, in.Title, in.Description, in.ExecutionDate.UnixMilli(), string(domain.Pending), now, now,
	)
	r, err := scanSQLite(row)
	if err != nil {
		var se *sqlite.Error
		if errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return domain.Reminder{}, errors.Wrapf(domain.ErrDuplicate, "reminder %s", id)
		}
		return domain.Reminder{}, errors.Wrap(err, "insert reminder")
	}
	return r, nil
}

func (s *SQLite) Update(ctx context.Context, id string, p domain.Patch) (domain.Reminder, error) {
	if p.Empty() {
		r, err := s.FindByID(ctx, id)
		if err != nil {
			return domain.Reminder{}, err
		}
		if r == nil {
			return domain.Reminder{}, errors.Wrapf(domain.ErrNotFound, "reminder %s", id)
		}
		return *r, nil
	}
	set, args := setClause(p, sqlitePlaceholder, sqliteTime)
	args = append(args, s.now().UnixMilli(), id)
	row := s.db.QueryRowContext(ctx, `update reminders set `+set+`, updated_at = ?
where id = ?
returning `+reminderColumns, args...)
	r, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Reminder{}, errors.Wrapf(domain.ErrNotFound, "reminder %s", id)
	}
	return r, errors.Wrap(err, "update reminder")
}

func (s *SQLite) Delete(ctx context.Context, id string) (domain.Reminder, error) {
	row := s.db.QueryRowContext(ctx, `delete from reminders where id = ? returning `+reminderColumns, id)
	r, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Reminder{}, errors.Wrapf(domain.ErrNotFound, "reminder %s", id)
	}
	return r, errors.Wrap(err, "delete reminder")
}

func (s *SQLite) FindMany(ctx context.Context, f domain.Filter) ([]domain.Reminder, error) {
	where, args := whereClause(f, sqlitePlaceholder, sqliteTime)
	rows, err := s.db.QueryContext(ctx, `select `+reminderColumns+` from reminders`+where+` order by execution_date asc`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query reminders")
	}
	defer rows.Close()

	out := []domain.Reminder{}
	for rows.Next() {
		r, err := scanSQLite(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan reminder")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "query reminders")
}

// FindByID returns nil without error when the reminder does not exist.
func (s *SQLite) FindByID(ctx context.Context, id string) (*domain.Reminder, error) {
	row := s.db.QueryRowContext(ctx, `select `+reminderColumns+` from reminders where id = ?`, id)
	r, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find reminder")
	}
	return &r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row scanner) (domain.Reminder, error) {
	var r domain.Reminder
	var desc sql.NullString
	var status string
	var exec, created, updated int64
	if err := row.Scan(&r.ID, &r.Title, &desc, &exec, &status, &created, &updated); err != nil {
		return domain.Reminder{}, err
	}
	if desc.Valid {
		r.Description = &desc.String
	}
	r.ExecutionDate = time.UnixMilli(exec).UTC()
	r.CreatedAt = time.UnixMilli(created).UTC()
	r.UpdatedAt = time.UnixMilli(updated).UTC()
	r.Status = domain.Status(status)
	return r, nil
}
