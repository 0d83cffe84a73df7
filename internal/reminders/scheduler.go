// Package reminders keeps persisted reminders and their delayed jobs in step.
//
// While a reminder is PENDING with a future execution date, exactly one job
// keyed by the reminder id sits in the queue with the matching delay. Once it
// leaves PENDING no job with that key remains, except an active one, which is
// left to finish.
package reminders

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/remindq/internal/domain"
	"github.com/SirClappington/remindq/internal/queue"
)

// Store is the reminder system of record.
type Store interface {
	Create(ctx context.Context, in domain.CreateInput) (domain.Reminder, error)
	Update(ctx context.Context, id string, p domain.Patch) (domain.Reminder, error)
	Delete(ctx context.Context, id string) (domain.Reminder, error)
	FindMany(ctx context.Context, f domain.Filter) ([]domain.Reminder, error)
	FindByID(ctx context.Context, id string) (*domain.Reminder, error)
}

// Queue is the delayed job queue, keyed by reminder id.
type Queue interface {
	Add(ctx context.Context, name, id string, data []byte, opts queue.AddOptions) (*queue.Job, error)
	GetJob(ctx context.Context, id string) (*queue.Job, error)
	State(ctx context.Context, id string) (queue.State, error)
	Remove(ctx context.Context, id string) (bool, error)
}

const JobName = "reminder"

type Options struct {
	// Attempts is the queue attempt budget per job.
	Attempts int
	Now      func() time.Time
}

type Scheduler struct {
	store    Store
	queue    Queue
	log      *zap.Logger
	attempts int
	now      func() time.Time

	// Mutations of one id are serialized within the process.
	locks [64]sync.Mutex
}

func New(store Store, q Queue, log *zap.Logger, opts Options) *Scheduler {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		store:    store,
		queue:    q,
		log:      log,
		attempts: opts.Attempts,
		now:      opts.Now,
	}
}

func (s *Scheduler) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	mu := &s.locks[h.Sum32()%uint32(len(s.locks))]
	mu.Lock()
	return mu.Unlock
}

// Create persists a PENDING reminder and schedules its job. The execution
// date must be strictly in the future.
func (s *Scheduler) Create(ctx context.Context, in domain.CreateInput) (domain.Reminder, error) {
	if !in.ExecutionDate.After(s.now()) {
		return domain.Reminder{}, domain.ErrInvalidSchedule
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	defer s.lock(in.ID)()

	r, err := s.store.Create(ctx, in)
	if err != nil {
		return domain.Reminder{}, err
	}
	if err := s.enqueue(ctx, JobName, r); err != nil {
		s.logReconcile(&domain.QueueReconciliationError{ReminderID: r.ID, Op: "add", Err: err})
	}
	return r, nil
}

// Update writes the patch and then re-syncs the queue. Queue problems are
// logged; the store write stands.
func (s *Scheduler) Update(ctx context.Context, id string, p domain.Patch) (domain.Reminder, error) {
	defer s.lock(id)()

	r, err := s.store.Update(ctx, id, p)
	if err != nil {
		return domain.Reminder{}, err
	}
	s.reconcile(ctx, r)
	return r, nil
}

// Delete removes the reminder and any job still queued for it.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	defer s.lock(id)()

	if _, err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if _, err := s.removeJob(ctx, id); err != nil {
		s.logReconcile(err)
	}
	return nil
}

func (s *Scheduler) FindAll(ctx context.Context) ([]domain.Reminder, error) {
	return s.store.FindMany(ctx, domain.Filter{})
}

func (s *Scheduler) FindByID(ctx context.Context, id string) (domain.Reminder, error) {
	r, err := s.store.FindByID(ctx, id)
	if err != nil {
		return domain.Reminder{}, err
	}
	if r == nil {
		return domain.Reminder{}, errors.Wrapf(domain.ErrNotFound, "reminder %s", id)
	}
	return *r, nil
}

// SetStatus records a firing outcome. It leaves the queue alone: the job that
// produced the outcome is still owned by the worker.
func (s *Scheduler) SetStatus(ctx context.Context, id string, st domain.Status) error {
	defer s.lock(id)()

	_, err := s.store.Update(ctx, id, domain.Patch{Status: &st})
	return err
}

func (s *Scheduler) reconcile(ctx context.Context, r domain.Reminder) {
	log := s.log.With(zap.String("reminder_id", r.ID))

	job, err := s.queue.GetJob(ctx, r.ID)
	if err != nil {
		s.logReconcile(&domain.QueueReconciliationError{ReminderID: r.ID, Op: "lookup", Err: err})
		return
	}
	if job == nil {
		if r.Status != domain.Pending {
			return
		}
		log.Warn("job not found in queue, scheduling")
		if err := s.enqueue(ctx, JobName, r); err != nil {
			s.logReconcile(&domain.QueueReconciliationError{ReminderID: r.ID, Op: "add", Err: err})
		}
		return
	}

	log.Info("job found, removing")
	removed, err := s.removeJob(ctx, r.ID)
	if err != nil {
		s.logReconcile(err)
		return
	}
	if !removed || r.Status != domain.Pending {
		return
	}
	log.Info("job removed, re-adding")
	if err := s.enqueue(ctx, JobName, r); err != nil {
		s.logReconcile(&domain.QueueReconciliationError{ReminderID: r.ID, Op: "add", Err: err})
	}
}

// removeJob removes the job keyed by id. A missing job is not an error.
// An active job is refused with a QueueReconciliationError.
func (s *Scheduler) removeJob(ctx context.Context, id string) (bool, error) {
	state, err := s.queue.State(ctx, id)
	if err != nil {
		return false, &domain.QueueReconciliationError{ReminderID: id, Op: "state", Err: err}
	}
	switch state {
	case "":
		s.log.Debug("no job to remove", zap.String("reminder_id", id))
		return false, nil
	case queue.Active:
		return false, &domain.QueueReconciliationError{ReminderID: id, Op: "remove active job"}
	}

	removed, err := s.queue.Remove(ctx, id)
	if err != nil {
		return false, &domain.QueueReconciliationError{ReminderID: id, Op: "remove", Err: err}
	}
	if !removed {
		return false, &domain.QueueReconciliationError{ReminderID: id, Op: "remove"}
	}
	s.log.Info("job removed", zap.String("reminder_id", id))
	return true, nil
}

func (s *Scheduler) enqueue(ctx context.Context, name string, r domain.Reminder) error {
	data, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encode job payload")
	}
	delay := r.ExecutionDate.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	if _, err := s.queue.Add(ctx, name, r.ID, data, queue.AddOptions{Delay: delay, Attempts: s.attempts}); err != nil {
		return err
	}
	s.log.Debug("job scheduled", zap.String("reminder_id", r.ID), zap.Duration("delay", delay))
	return nil
}

func (s *Scheduler) logReconcile(err error) {
	var rerr *domain.QueueReconciliationError
	if errors.As(err, &rerr) {
		s.log.Warn("queue reconciliation skipped",
			zap.String("reminder_id", rerr.ReminderID),
			zap.String("op", rerr.Op),
			zap.Error(err),
		)
		return
	}
	s.log.Warn("queue reconciliation skipped", zap.Error(err))
}
