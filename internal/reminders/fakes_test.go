package reminders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/remindq/internal/domain"
	"github.com/SirClappington/remindq/internal/queue"
)

type memStore struct {
	mu   sync.Mutex
	now  func() time.Time
	rows map[string]domain.Reminder
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{now: now, rows: map[string]domain.Reminder{}}
}

func (m *memStore) Create(_ context.Context, in domain.CreateInput) (domain.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in.ID == "" {
		return domain.Reminder{}, errors.New("reminder id is required")
	}
	if _, ok := m.rows[in.ID]; ok {
		return domain.Reminder{}, domain.ErrDuplicate
	}
	now := m.now()
	r := domain.Reminder{
		ID:            in.ID,
		Title:         in.Title,
		Description:   in.Description,
		ExecutionDate: in.ExecutionDate,
		Status:        domain.Pending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.rows[r.ID] = r
	return r, nil
}

func (m *memStore) Update(_ context.Context, id string, p domain.Patch) (domain.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return domain.Reminder{}, domain.ErrNotFound
	}
	if p.Title != nil {
		r.Title = *p.Title
	}
	if p.Description != nil {
		r.Description = p.Description
	}
	if p.ExecutionDate != nil {
		r.ExecutionDate = *p.ExecutionDate
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
	r.UpdatedAt = m.now()
	m.rows[id] = r
	return r, nil
}

func (m *memStore) Delete(_ context.Context, id string) (domain.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return domain.Reminder{}, domain.ErrNotFound
	}
	delete(m.rows, id)
	return r, nil
}

func (m *memStore) FindMany(_ context.Context, f domain.Filter) ([]domain.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Reminder
	for _, r := range m.rows {
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		if f.DueBefore != nil && r.ExecutionDate.After(*f.DueBefore) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionDate.Before(out[j].ExecutionDate) })
	return out, nil
}

func (m *memStore) FindByID(_ context.Context, id string) (*domain.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *memStore) get(id string) (domain.Reminder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	return r, ok
}

// memQueue mirrors RedisQ's id-keyed semantics without timing.
type memQueue struct {
	mu      sync.Mutex
	jobs    map[string]*queue.Job
	adds    int
	removes int
	failAdd error
}

func newMemQueue() *memQueue { return &memQueue{jobs: map[string]*queue.Job{}} }

func (q *memQueue) Add(_ context.Context, name, id string, data []byte, opts queue.AddOptions) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failAdd != nil {
		return nil, q.failAdd
	}
	if j, ok := q.jobs[id]; ok {
		c := *j
		return &c, nil
	}
	st := queue.Waiting
	if opts.Delay > 0 {
		st = queue.Delayed
	}
	j := &queue.Job{ID: id, Name: name, Data: data, Delay: opts.Delay, MaxAttempts: opts.Attempts, State: st}
	q.jobs[id] = j
	q.adds++
	c := *j
	return &c, nil
}

func (q *memQueue) GetJob(_ context.Context, id string) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, nil
	}
	c := *j
	return &c, nil
}

func (q *memQueue) State(_ context.Context, id string) (queue.State, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[id]; ok {
		return j.State, nil
	}
	return "", nil
}

func (q *memQueue) Remove(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok || j.State == queue.Active {
		return false, nil
	}
	delete(q.jobs, id)
	q.removes++
	return true, nil
}

func (q *memQueue) setState(id string, st queue.State) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[id].State = st
}

func (q *memQueue) job(id string) *queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil
	}
	c := *j
	return &c
}

var errQueueDown = errors.New("queue unavailable")
