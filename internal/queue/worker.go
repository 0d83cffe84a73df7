package queue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type WorkerOptions struct {
	Concurrency     int
	PromoteInterval time.Duration
	LockDuration    time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	// Block is how long a claim waits on an empty wait list before re-checking ctx.
	Block time.Duration

	OnActive func(job *Job)
	// OnCompleted runs after a successful attempt has been recorded.
	OnCompleted func(ctx context.Context, job *Job)
	// OnFailed runs after a failed attempt has been recorded. job.AttemptsMade
	// already includes that attempt.
	OnFailed func(ctx context.Context, job *Job, err error)

	Rand func() float64
}

// Worker releases due jobs and runs them through a Handler with up to
// Concurrency jobs in flight.
type Worker struct {
	q       *RedisQ
	handler Handler
	opts    WorkerOptions
	log     *zap.Logger
}

func (q *RedisQ) NewWorker(h Handler, opts WorkerOptions, log *zap.Logger) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PromoteInterval <= 0 {
		opts.PromoteInterval = 500 * time.Millisecond
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = 30 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = time.Minute
	}
	if opts.Block <= 0 {
		opts.Block = time.Second
	}
	if opts.Rand == nil {
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
		var mu sync.Mutex
		opts.Rand = func() float64 {
			mu.Lock()
			defer mu.Unlock()
			return rnd.Float64()
		}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{q: q, handler: h, opts: opts, log: log}
}

// Run blocks until ctx is cancelled. Jobs already in flight are allowed to
// finish; Run returns after they have.
func (w *Worker) Run(ctx context.Context) error {
	if n, err := w.q.requeueOrphans(ctx); err != nil {
		return errors.Wrap(err, "requeue orphans")
	} else if n > 0 {
		w.log.Warn("requeued orphaned active jobs", zap.Int("count", n))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.promoteLoop(gctx)
		return nil
	})
	for i := 0; i < w.opts.Concurrency; i++ {
		g.Go(func() error {
			w.claimLoop(gctx)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) promoteLoop(ctx context.Context) {
	tick := time.NewTicker(w.opts.PromoteInterval)
	defer tick.Stop()

	for {
		w.promote(ctx)
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

func (w *Worker) promote(ctx context.Context) {
	if n, err := w.q.requeueStalled(ctx); err != nil && ctx.Err() == nil {
		w.log.Error("requeue stalled", zap.Error(err))
	} else if n > 0 {
		w.log.Warn("requeued stalled jobs", zap.Int("count", n))
	}
	for {
		n, err := w.q.MoveDue(ctx, 200)
		if err != nil {
			if ctx.Err() == nil {
				w.log.Error("move due", zap.Error(err))
			}
			return
		}
		if n < 200 {
			return
		}
	}
}

func (w *Worker) claimLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		id, err := w.q.claim(ctx, w.opts.Block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("claim", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.opts.Block):
			}
			continue
		}
		if id == "" {
			continue
		}
		// A claimed job is finished even if ctx is cancelled meanwhile.
		w.process(context.WithoutCancel(ctx), id)
	}
}

func (w *Worker) process(ctx context.Context, id string) {
	log := w.log.With(zap.String("job_id", id))

	ok, err := w.q.activate(ctx, id, w.opts.LockDuration)
	if err != nil {
		log.Error("activate", zap.Error(err))
		return
	}
	if !ok {
		log.Debug("claimed job vanished before activation")
		return
	}
	job, err := w.q.GetJob(ctx, id)
	if err != nil || job == nil {
		log.Error("load active job", zap.Error(err))
		return
	}
	if w.opts.OnActive != nil {
		w.opts.OnActive(job)
	}

	stop := w.keepLease(ctx, id, log)
	herr := w.run(ctx, job)
	stop()

	if herr == nil {
		if err := w.q.complete(ctx, id); err != nil {
			log.Error("complete", zap.Error(err))
			return
		}
		if w.opts.OnCompleted != nil {
			w.opts.OnCompleted(ctx, job)
		}
		return
	}

	backoff := ExpJitter(job.AttemptsMade+1, w.opts.BackoffBase, w.opts.BackoffMax, w.opts.Rand)
	made, state, err := w.q.fail(ctx, id, herr.Error(), backoff)
	if err != nil {
		log.Error("record failure", zap.Error(err), zap.NamedError("cause", herr))
		return
	}
	job.AttemptsMade = made
	job.State = state
	job.FailedReason = herr.Error()
	log.Warn("job failed",
		zap.Error(herr),
		zap.Int("attempts_made", made),
		zap.String("state", string(state)),
	)
	if w.opts.OnFailed != nil {
		w.opts.OnFailed(ctx, job, herr)
	}
}

func (w *Worker) run(ctx context.Context, job *Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("handler panic: %v", p)
		}
	}()
	return w.handler(ctx, job)
}

// keepLease renews the job lease at half its duration until stop is called.
func (w *Worker) keepLease(ctx context.Context, id string, log *zap.Logger) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		t := time.NewTicker(w.opts.LockDuration / 2)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := w.q.extend(ctx, id, w.opts.LockDuration); err != nil {
					log.Warn("extend lease", zap.Error(err))
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}
