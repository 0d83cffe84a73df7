package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/remindq/internal/domain"
)

// Store is the Postgres reminder store and the system of record for reminders.
type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

func pgPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

func pgTime(t time.Time) any { return t.UTC() }

func (s *Store) Create(ctx context.Context, in domain.CreateInput) (domain.Reminder, error) {
	id := in.ID
	if id == "" {
		return domain.Reminder{}, errMissingID
	}
	row := s.db.QueryRow(ctx, `insert into reminders (id, title, description, execution_date, status)
values ($1, $2, $3, $4, $5)
returning `+reminderColumns,
		id, in.Title, in.Description, in.ExecutionDate.UTC(), string(domain.Pending),
	)
	r, err := scanPG(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.Reminder{}, errors.Wrapf(domain.ErrDuplicate, "reminder %s", id)
		}
		return domain.Reminder{}, errors.Wrap(err, "insert reminder")
	}
	return r, nil
}

func (s *Store) Update(ctx context.Context, id string, p domain.Patch) (domain.Reminder, error) {
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
	set, args := setClause(p, pgPlaceholder, pgTime)
	args = append(args, id)
	row := s.db.QueryRow(ctx, `update reminders set `+set+`, updated_at = now()
where id = `+pgPlaceholder(len(args))+`
returning `+reminderColumns, args...)
	r, err := scanPG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Reminder{}, errors.Wrapf(domain.ErrNotFound, "reminder %s", id)
	}
	return r, errors.Wrap(err, "update reminder")
}

func (s *Store) Delete(ctx context.Context, id string) (domain.Reminder, error) {
	row := s.db.QueryRow(ctx, `delete from reminders where id = $1 returning `+reminderColumns, id)
	r, err := scanPG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Reminder{}, errors.Wrapf(domain.ErrNotFound, "reminder %s", id)
	}
	return r, errors.Wrap(err, "delete reminder")
}

func (s *Store) FindMany(ctx context.Context, f domain.Filter) ([]domain.Reminder, error) {
	where, args := whereClause(f, pgPlaceholder, pgTime)
	rows, err := s.db.Query(ctx, `select `+reminderColumns+` from reminders`+where+` order by execution_date asc`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query reminders")
	}
	defer rows.Close()

	out := []domain.Reminder{}
	for rows.Next() {
		r, err := scanPG(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan reminder")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "query reminders")
}

// FindByID returns nil without error when the reminder does not exist.
func (s *Store) FindByID(ctx context.Context, id string) (*domain.Reminder, error) {
	row := s.db.QueryRow(ctx, `select `+reminderColumns+` from reminders where id = $1`, id)
	r, err := scanPG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find reminder")
	}
	return &r, nil
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func scanPG(row pgx.Row) (domain.Reminder, error) {
	var r domain.Reminder
	var status string
	if err := row.Scan(&r.ID, &r.Title, &r.Description, &r.ExecutionDate, &status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return domain.Reminder{}, err
	}
	r.Status = domain.Status(status)
	return r, nil
}
