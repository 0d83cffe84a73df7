package reminders

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/remindq/internal/domain"
	"github.com/SirClappington/remindq/internal/queue"
)

// HandleMissedReminders enqueues every PENDING reminder whose execution date
// has already passed, with no delay. Reminders that still have a live job are
// left alone; finished leftovers under the same id are replaced.
func (s *Scheduler) HandleMissedReminders(ctx context.Context) error {
	log := s.log.Named("recovery")

	now := s.now()
	pending := domain.Pending
	missed, err := s.store.FindMany(ctx, domain.Filter{Status: &pending, DueBefore: &now})
	if err != nil {
		return errors.Wrap(err, "find missed reminders")
	}

	var enqueued int
	for _, r := range missed {
		log.Info("missed reminder",
			zap.String("reminder_id", r.ID),
			zap.String("title", r.Title),
			zap.Time("execution_date", r.ExecutionDate),
		)
		ok, err := s.requeueMissed(ctx, r)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logReconcile(err)
			continue
		}
		if ok {
			enqueued++
		}
	}
	log.Info("missed reminders handled", zap.Int("found", len(missed)), zap.Int("enqueued", enqueued))
	return nil
}

func (s *Scheduler) requeueMissed(ctx context.Context, r domain.Reminder) (bool, error) {
	defer s.lock(r.ID)()

	// Recovered jobs are named after the reminder title.
	return s.ensureJob(ctx, r.Title, r)
}

// Resync enqueues a job for id when the reminder is PENDING and nothing live
// is queued for it.
func (s *Scheduler) Resync(ctx context.Context, id string) error {
	defer s.lock(id)()

	r, err := s.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if r == nil || r.Status != domain.Pending {
		return nil
	}
	ok, err := s.ensureJob(ctx, JobName, *r)
	if err != nil {
		return err
	}
	if ok {
		s.log.Info("job rescheduled", zap.String("reminder_id", id))
	}
	return nil
}

// ensureJob adds a job for r unless a live one exists. Finished leftovers
// under the same id are replaced. The caller holds the id lock.
func (s *Scheduler) ensureJob(ctx context.Context, name string, r domain.Reminder) (bool, error) {
	state, err := s.queue.State(ctx, r.ID)
	if err != nil {
		return false, &domain.QueueReconciliationError{ReminderID: r.ID, Op: "state", Err: err}
	}
	switch state {
	case queue.Waiting, queue.Delayed, queue.Active:
		s.log.Debug("job already queued",
			zap.String("reminder_id", r.ID),
			zap.String("state", string(state)),
		)
		return false, nil
	case queue.Completed, queue.Failed:
		if _, err := s.queue.Remove(ctx, r.ID); err != nil {
			return false, &domain.QueueReconciliationError{ReminderID: r.ID, Op: "remove", Err: err}
		}
	}

	if err := s.enqueue(ctx, name, r); err != nil {
		return false, &domain.QueueReconciliationError{ReminderID: r.ID, Op: "add", Err: err}
	}
	return true, nil
}
