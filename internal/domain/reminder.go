package domain

import "time"

type Status string

const (
	Pending   Status = "PENDING"
	Completed Status = "COMPLETED"
	Cancelled Status = "CANCELLED"
)

// ParseStatus accepts the persisted spelling of a status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case Pending, Completed, Cancelled:
		return st, nil
	}
	return "", ErrInvalidStatus
}

func (s Status) Terminal() bool { return s == Completed || s == Cancelled }

type Reminder struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   *string   `json:"description,omitempty"`
	ExecutionDate time.Time `json:"executionDate"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// CreateInput is what a client supplies to schedule a reminder. ID is
// optional; the store assigns one when empty.
type CreateInput struct {
	ID            string    `json:"id,omitempty"`
	Title         string    `json:"title"`
	Description   *string   `json:"description,omitempty"`
	ExecutionDate time.Time `json:"executionDate"`
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Title         *string    `json:"title,omitempty"`
	Description   *string    `json:"description,omitempty"`
	ExecutionDate *time.Time `json:"executionDate,omitempty"`
	Status        *Status    `json:"status,omitempty"`
}

func (p Patch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.ExecutionDate == nil && p.Status == nil
}

// Filter narrows FindMany. Zero values match everything.
type Filter struct {
	Status *Status
	// DueBefore matches reminders whose execution date is at or before it.
	DueBefore *time.Time
}
