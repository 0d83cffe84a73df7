package api

import (
	"time"

	"github.com/SirClappington/remindq/internal/domain"
)

type CreateRequest struct {
	ID            string    `json:"id,omitempty"`
	Title         string    `json:"title"`
	Description   *string   `json:"description,omitempty"`
	ExecutionDate time.Time `json:"executionDate"`
}

type UpdateRequest struct {
	Title         *string    `json:"title,omitempty"`
	Description   *string    `json:"description,omitempty"`
	ExecutionDate *time.Time `json:"executionDate,omitempty"`
	Status        *string    `json:"status,omitempty"`
}

func (u UpdateRequest) patch() (domain.Patch, error) {
	p := domain.Patch{Title: u.Title, Description: u.Description, ExecutionDate: u.ExecutionDate}
	if u.Status != nil {
		st, err := domain.ParseStatus(*u.Status)
		if err != nil {
			return domain.Patch{}, err
		}
		p.Status = &st
	}
	return p, nil
}

type ErrorResponse struct {
	Error string `json:"error"`
}
