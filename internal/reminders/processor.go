package reminders

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/remindq/internal/domain"
	"github.com/SirClappington/remindq/internal/queue"
)

// Processor fires due reminder jobs: it emits a DeliveryEvent and marks the
// reminder COMPLETED. Its methods plug into a queue.Worker.
type Processor struct {
	reminders   *Scheduler
	events      chan<- domain.DeliveryEvent
	cancelAfter int
	log         *zap.Logger
}

// NewProcessor sends events on events. A failed job whose attempt count has
// reached cancelAfter cancels its reminder; below that it goes back to PENDING.
func NewProcessor(s *Scheduler, events chan<- domain.DeliveryEvent, cancelAfter int, log *zap.Logger) *Processor {
	if cancelAfter <= 0 {
		cancelAfter = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{reminders: s, events: events, cancelAfter: cancelAfter, log: log}
}

// Handle is the queue.Handler for reminder jobs.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) error {
	log := p.log.With(zap.String("reminder_id", job.ID))

	var r domain.Reminder
	if err := json.Unmarshal(job.Data, &r); err != nil {
		return errors.Wrapf(err, "decode job %s", job.ID)
	}

	current, err := p.reminders.FindByID(ctx, job.ID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Info("reminder gone, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	if current.Status != domain.Pending {
		log.Info("reminder no longer pending, skipping", zap.String("status", string(current.Status)))
		return nil
	}
	if !current.ExecutionDate.Equal(r.ExecutionDate) && current.ExecutionDate.After(p.reminders.now()) {
		// Rescheduled after this job was claimed; OnCompleted queues the new date.
		log.Info("reminder rescheduled, skipping", zap.Time("execution_date", current.ExecutionDate))
		return nil
	}

	ev := domain.EventFor(r)
	ev.ID = job.ID
	select {
	case p.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	}
	log.Info("delivery event emitted", zap.String("title", ev.Title))

	return p.reminders.SetStatus(ctx, job.ID, domain.Completed)
}

func (p *Processor) OnActive(job *queue.Job) {
	p.log.Info("processing reminder", zap.String("reminder_id", job.ID), zap.String("name", job.Name))
}

// OnCompleted re-syncs the queue once the job is gone, so a reminder that was
// rescheduled while its job was held by the worker gets a fresh job.
func (p *Processor) OnCompleted(ctx context.Context, job *queue.Job) {
	if err := p.reminders.Resync(ctx, job.ID); err != nil {
		p.log.Warn("resync after completion", zap.String("reminder_id", job.ID), zap.Error(err))
	}
}

func (p *Processor) OnFailed(ctx context.Context, job *queue.Job, cause error) {
	st := domain.Pending
	if job.AttemptsMade >= p.cancelAfter {
		st = domain.Cancelled
	}
	log := p.log.With(
		zap.String("reminder_id", job.ID),
		zap.Int("attempts_made", job.AttemptsMade),
		zap.NamedError("cause", cause),
	)
	if err := p.reminders.SetStatus(ctx, job.ID, st); err != nil {
		log.Error("record failed reminder status", zap.Error(err))
		return
	}
	log.Warn("reminder failed", zap.String("status", string(st)))
}
