package queue

import (
	"context"
	"strconv"
	"time"
)

type State string

const (
	Waiting   State = "waiting"
	Delayed   State = "delayed"
	Active    State = "active"
	Completed State = "completed"
	Failed    State = "failed"
)

// Job is a snapshot of a job hash. AttemptsMade counts failed attempts.
type Job struct {
	ID           string
	Name         string
	Data         []byte
	Delay        time.Duration
	MaxAttempts  int
	AttemptsMade int
	State        State
	Timestamp    time.Time
	RunAt        time.Time
	FailedReason string
}

type AddOptions struct {
	Delay time.Duration
	// Attempts is the total number of tries before the job is parked failed.
	Attempts int
}

// Handler processes a released job. A non-nil error fails the attempt.
type Handler func(ctx context.Context, job *Job) error

func jobFromHash(id string, h map[string]string) *Job {
	j := &Job{
		ID:           id,
		Name:         h["name"],
		Data:         []byte(h["data"]),
		Delay:        time.Duration(atoi(h["delay"])) * time.Millisecond,
		MaxAttempts:  int(atoi(h["max_attempts"])),
		AttemptsMade: int(atoi(h["attempts_made"])),
		State:        State(h["state"]),
		Timestamp:    time.UnixMilli(atoi(h["timestamp"])),
		RunAt:        time.UnixMilli(atoi(h["run_at"])),
		FailedReason: h["failed_reason"],
	}
	return j
}

func atoi(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
