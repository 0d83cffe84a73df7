package reminders

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/remindq/internal/domain"
	"github.com/SirClappington/remindq/internal/queue"
)

func newProcessor(t *testing.T, f *fixture, buf int) (*Processor, chan domain.DeliveryEvent) {
	t.Helper()
	events := make(chan domain.DeliveryEvent, buf)
	return NewProcessor(f.sched, events, 3, zaptest.NewLogger(t)), events
}

func TestFirePayRent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, events := newProcessor(t, f, 1)

	if _, err := f.sched.Create(ctx, domain.CreateInput{ID: "r1", Title: "Pay rent", ExecutionDate: t0.Add(5 * time.Second)}); err != nil {
		t.Fatal(err)
	}
	j := f.queue.job("r1")
	if j.Delay != 5*time.Second {
		t.Fatalf("delay=%s", j.Delay)
	}

	f.now = t0.Add(5 * time.Second)
	if err := p.Handle(ctx, j); err != nil {
		t.Fatalf("handle: %v", err)
	}

	select {
	case ev := <-events:
		want := domain.DeliveryEvent{ID: "r1", Title: "Pay rent", Message: "Reminder: No description provided"}
		if ev != want {
			t.Fatalf("event=%+v", ev)
		}
	default:
		t.Fatal("no event emitted")
	}
	if len(events) != 0 {
		t.Fatal("more than one event")
	}
	if r, _ := f.store.get("r1"); r.Status != domain.Completed {
		t.Fatalf("status=%s", r.Status)
	}
}

func TestFireUsesDescription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, events := newProcessor(t, f, 1)

	if _, err := f.sched.Create(ctx, domain.CreateInput{ID: "r1", Title: "t", Description: ptr("call mum"), ExecutionDate: t0.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}
	if err := p.Handle(ctx, f.queue.job("r1")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if ev := <-events; ev.Message != "Reminder: call mum" {
		t.Fatalf("message=%q", ev.Message)
	}
}

func TestFireSkipsGoneOrFinished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, events := newProcessor(t, f, 1)

	if _, err := f.sched.Create(ctx, domain.CreateInput{ID: "r1", Title: "t", ExecutionDate: t0.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}
	j := f.queue.job("r1")

	if _, err := f.store.Update(ctx, "r1", domain.Patch{Status: ptr(domain.Cancelled)}); err != nil {
		t.Fatal(err)
	}
	if err := p.Handle(ctx, j); err != nil {
		t.Fatalf("handle cancelled: %v", err)
	}
	if r, _ := f.store.get("r1"); r.Status != domain.Cancelled {
		t.Fatalf("status=%s", r.Status)
	}

	if _, err := f.store.Delete(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if err := p.Handle(ctx, j); err != nil {
		t.Fatalf("handle deleted: %v", err)
	}
	if len(events) != 0 {
		t.Fatal("event emitted for skipped reminder")
	}
}

func TestFireSkipsRescheduled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, events := newProcessor(t, f, 1)

	if _, err := f.sched.Create(ctx, domain.CreateInput{ID: "r1", Title: "t", ExecutionDate: t0.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}
	j := f.queue.job("r1")
	f.queue.setState("r1", queue.Active)
	f.now = t0.Add(2 * time.Second)
	if _, err := f.store.Update(ctx, "r1", domain.Patch{ExecutionDate: ptr(t0.Add(time.Hour))}); err != nil {
		t.Fatal(err)
	}

	if err := p.Handle(ctx, j); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(events) != 0 {
		t.Fatal("rescheduled reminder fired early")
	}
	if r, _ := f.store.get("r1"); r.Status != domain.Pending {
		t.Fatalf("status=%s", r.Status)
	}

	f.queue.setState("r1", queue.Completed)
	p.OnCompleted(ctx, j)
	next := f.queue.job("r1")
	if next == nil || next.State != queue.Delayed || next.Delay != time.Hour-2*time.Second {
		t.Fatalf("not rescheduled: %+v", next)
	}
	var payload domain.Reminder
	if err := json.Unmarshal(next.Data, &payload); err != nil || !payload.ExecutionDate.Equal(t0.Add(time.Hour)) {
		t.Fatalf("payload=%+v err=%v", payload, err)
	}
}

func TestFireOverdueRescheduleStillFires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, events := newProcessor(t, f, 1)

	if _, err := f.sched.Create(ctx, domain.CreateInput{ID: "r1", Title: "t", ExecutionDate: t0.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}
	j := f.queue.job("r1")
	if _, err := f.store.Update(ctx, "r1", domain.Patch{ExecutionDate: ptr(t0.Add(2 * time.Second))}); err != nil {
		t.Fatal(err)
	}
	f.now = t0.Add(time.Minute)

	if err := p.Handle(ctx, j); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events=%d want=1", len(events))
	}
}

func TestOnCompletedLeavesFinishedReminder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, _ := newProcessor(t, f, 1)

	if _, err := f.sched.Create(ctx, domain.CreateInput{ID: "r1", Title: "t", ExecutionDate: t0.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}
	j := f.queue.job("r1")
	if err := p.Handle(ctx, j); err != nil {
		t.Fatal(err)
	}
	f.queue.setState("r1", queue.Completed)
	adds := f.queue.adds

	p.OnCompleted(ctx, j)
	if f.queue.adds != adds {
		t.Fatal("completed reminder was requeued")
	}
	p.OnCompleted(ctx, &queue.Job{ID: "gone"})
	if f.queue.job("gone") != nil {
		t.Fatal("job added for missing reminder")
	}
}

func TestFireBadPayload(t *testing.T) {
	f := newFixture(t)
	p, _ := newProcessor(t, f, 1)
	if err := p.Handle(context.Background(), &queue.Job{ID: "r1", Data: []byte("{")}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestFireStopsOnCancelledContext(t *testing.T) {
	f := newFixture(t)
	p, _ := newProcessor(t, f, 0)
	if _, err := f.sched.Create(context.Background(), domain.CreateInput{ID: "r1", Title: "t", ExecutionDate: t0.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Handle(ctx, f.queue.job("r1")); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
	if r, _ := f.store.get("r1"); r.Status != domain.Pending {
		t.Fatalf("status=%s", r.Status)
	}
}

func TestOnFailed(t *testing.T) {
	cases := []struct {
		made int
		want domain.Status
	}{
		{1, domain.Pending},
		{2, domain.Pending},
		{3, domain.Cancelled},
		{4, domain.Cancelled},
	}
	for _, c := range cases {
		f := newFixture(t)
		ctx := context.Background()
		p, _ := newProcessor(t, f, 1)
		if _, err := f.sched.Create(ctx, domain.CreateInput{ID: "r1", Title: "t", ExecutionDate: t0.Add(time.Second)}); err != nil {
			t.Fatal(err)
		}
		if _, err := f.store.Update(ctx, "r1", domain.Patch{Status: ptr(domain.Completed)}); err != nil {
			t.Fatal(err)
		}

		p.OnFailed(ctx, &queue.Job{ID: "r1", AttemptsMade: c.made}, errors.New("boom"))
		if r, _ := f.store.get("r1"); r.Status != c.want {
			t.Fatalf("made=%d status=%s want %s", c.made, r.Status, c.want)
		}
	}
}
