package storage

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/remindq/internal/domain"
)

const reminderColumns = `id, title, description, execution_date, status, created_at, updated_at`

// Stores never mint ids; the scheduler assigns one before Create.
var errMissingID = errors.New("reminder id is required")

// placeholder renders the n-th (1-based) bind parameter for a dialect.
type placeholder func(n int) string

// setClause builds the SET list of a partial update. conv turns instants into
// the dialect's column representation.
func setClause(p domain.Patch, ph placeholder, conv func(time.Time) any) (string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+" = "+ph(len(args)))
	}
	if p.Title != nil {
		add("title", *p.Title)
	}
	if p.Description != nil {
		add("description", *p.Description)
	}
	if p.ExecutionDate != nil {
		add("execution_date", conv(*p.ExecutionDate))
	}
	if p.Status != nil {
		add("status", string(*p.Status))
	}
	return strings.Join(sets, ", "), args
}

// whereClause renders a Filter; the result starts with " where" when non-empty.
func whereClause(f domain.Filter, ph placeholder, conv func(time.Time) any) (string, []any) {
	var conds []string
	var args []any
	if f.Status != nil {
		args = append(args, string(*f.Status))
		conds = append(conds, "status = "+ph(len(args)))
	}
	if f.DueBefore != nil {
		args = append(args, conv(*f.DueBefore))
		conds = append(conds, "execution_date <= "+ph(len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " where " + strings.Join(conds, " and "), args
}
