package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// RedisQ is a delayed job queue keyed by job id. Delayed jobs sit in a ZSET
// scored by due time until the worker promotes them into the wait list.
type RedisQ struct {
	rdb    *r.Client
	name   string
	now    func() time.Time
	remove bool
}

type Option func(*RedisQ)

// WithRemoveOnComplete deletes jobs instead of keeping them as completed.
func WithRemoveOnComplete(v bool) Option { return func(q *RedisQ) { q.remove = v } }

// WithClock overrides the time source used for scheduling scores.
func WithClock(now func() time.Time) Option { return func(q *RedisQ) { q.now = now } }

func New(rdb *r.Client, name string, opts ...Option) *RedisQ {
	q := &RedisQ{rdb: rdb, name: name, now: time.Now}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *RedisQ) jobPrefix() string { return q.name + ":job:" }
func (q *RedisQ) jobKey(id string) string { return q.jobPrefix() + id }
func (q *RedisQ) delayedKey() string { return q.name + ":delayed" }
func (q *RedisQ) waitKey() string { return q.name + ":wait" }
func (q *RedisQ) activeKey() string { return q.name + ":active" }
func (q *RedisQ) leasesKey() string { return q.name + ":leases" }

// Add enqueues a job under id. Adding an id that already exists leaves the
// existing job untouched and returns it.
func (q *RedisQ) Add(ctx context.Context, name, id string, data []byte, opts AddOptions) (*Job, error) {
	if id == "" {
		return nil, errors.New("job id required")
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	delay := opts.Delay
	if delay < 0 {
		delay = 0
	}
	now := q.now()
	runAt := now.Add(delay)
	_, err := addScript.Run(ctx, q.rdb,
		[]string{q.jobKey(id), q.delayedKey(), q.waitKey()},
		id, name, data, opts.Attempts, delay.Milliseconds(), now.UnixMilli(), runAt.UnixMilli(),
	).Int()
	if err != nil {
		return nil, errors.Wrapf(err, "add job %s", id)
	}
	return q.GetJob(ctx, id)
}

// GetJob returns nil without error when no job exists under id.
func (q *RedisQ) GetJob(ctx context.Context, id string) (*Job, error) {
	h, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "get job %s", id)
	}
	if len(h) == 0 {
		return nil, nil
	}
	return jobFromHash(id, h), nil
}

// State returns "" when the job does not exist. A job claimed by a worker
// reports Active from the moment it is claimed.
func (q *RedisQ) State(ctx context.Context, id string) (State, error) {
	s, err := stateScript.Run(ctx, q.rdb, []string{q.jobKey(id), q.activeKey()}, id).Text()
	if err != nil {
		return "", errors.Wrapf(err, "job state %s", id)
	}
	return State(s), nil
}

// Remove deletes a job that is neither claimed nor active. It reports false
// when there was nothing to remove or a worker holds the job.
func (q *RedisQ) Remove(ctx context.Context, id string) (bool, error) {
	n, err := removeScript.Run(ctx, q.rdb,
		[]string{q.jobKey(id), q.delayedKey(), q.waitKey(), q.activeKey()}, id,
	).Int()
	if err != nil {
		return false, errors.Wrapf(err, "remove job %s", id)
	}
	return n == 1, nil
}

// MoveDue promotes up to batch delayed jobs whose due time has passed.
func (q *RedisQ) MoveDue(ctx context.Context, batch int64) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.delayedKey(), q.waitKey()},
		q.now().UnixMilli(), batch, q.jobPrefix(),
	).Int()
	return n, errors.Wrap(err, "move due")
}

// Counts reports how many jobs sit in each live state.
func (q *RedisQ) Counts(ctx context.Context) (map[State]int64, error) {
	pipe := q.rdb.TxPipeline()
	delayed := pipe.ZCard(ctx, q.delayedKey())
	waiting := pipe.LLen(ctx, q.waitKey())
	active := pipe.LLen(ctx, q.activeKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "counts")
	}
	return map[State]int64{
		Delayed: delayed.Val(),
		Waiting: waiting.Val(),
		Active:  active.Val(),
	}, nil
}

func (q *RedisQ) claim(ctx context.Context, block time.Duration) (string, error) {
	id, err := q.rdb.BLMove(ctx, q.waitKey(), q.activeKey(), "RIGHT", "LEFT", block).Result()
	if errors.Is(err, r.Nil) {
		return "", nil
	}
	return id, err
}

func (q *RedisQ) activate(ctx context.Context, id string, lease time.Duration) (bool, error) {
	now := q.now()
	n, err := activateScript.Run(ctx, q.rdb,
		[]string{q.jobKey(id), q.leasesKey(), q.activeKey(), q.delayedKey()},
		id, now.Add(lease).UnixMilli(), now.UnixMilli(),
	).Int()
	return n == 1, err
}

func (q *RedisQ) extend(ctx context.Context, id string, lease time.Duration) error {
	return extendScript.Run(ctx, q.rdb, []string{q.leasesKey()}, id, q.now().Add(lease).UnixMilli()).Err()
}

func (q *RedisQ) complete(ctx context.Context, id string) error {
	flag := "0"
	if q.remove {
		flag = "1"
	}
	return completeScript.Run(ctx, q.rdb,
		[]string{q.jobKey(id), q.activeKey(), q.leasesKey(), q.delayedKey()},
		id, flag, q.now().UnixMilli(),
	).Err()
}

// fail records a failed attempt and returns the new attempt count and state.
func (q *RedisQ) fail(ctx context.Context, id, reason string, backoff time.Duration) (int, State, error) {
	now := q.now()
	res, err := failScript.Run(ctx, q.rdb,
		[]string{q.jobKey(id), q.activeKey(), q.leasesKey(), q.delayedKey()},
		id, now.UnixMilli(), reason, now.Add(backoff).UnixMilli(),
	).Slice()
	if err != nil {
		return 0, "", err
	}
	if len(res) != 2 {
		return 0, "", errors.Errorf("fail job %s: unexpected reply %v", id, res)
	}
	made, _ := res[0].(int64)
	state, _ := res[1].(string)
	return int(made), State(state), nil
}

func (q *RedisQ) requeueStalled(ctx context.Context) (int, error) {
	return stalledScript.Run(ctx, q.rdb,
		[]string{q.leasesKey(), q.activeKey(), q.waitKey()},
		q.now().UnixMilli(), q.jobPrefix(),
	).Int()
}

func (q *RedisQ) requeueOrphans(ctx context.Context) (int, error) {
	return orphanScript.Run(ctx, q.rdb,
		[]string{q.activeKey(), q.leasesKey(), q.waitKey()}, q.jobPrefix(),
	).Int()
}
