package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrInvalidSchedule     = errors.New("reminder date cannot be in the past")
	ErrNotFound            = errors.New("reminder not found")
	ErrDuplicate           = errors.New("reminder already exists")
	ErrInvalidSubscription = errors.New("subscription required")
	ErrInvalidStatus       = errors.New("status must be one of PENDING, COMPLETED, CANCELLED")
)

// QueueReconciliationError records a queue write that did not happen after
// the store write already succeeded. It is logged, never returned to callers.
type QueueReconciliationError struct {
	ReminderID string
	Op         string
	Err        error
}

func (e *QueueReconciliationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("queue %s for reminder %s skipped", e.Op, e.ReminderID)
	}
	return fmt.Sprintf("queue %s for reminder %s: %v", e.Op, e.ReminderID, e.Err)
}

func (e *QueueReconciliationError) Unwrap() error { return e.Err }

// DeliveryError is a failed send to a single subscriber.
type DeliveryError struct {
	Endpoint string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.Endpoint, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
