package notify

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/SirClappington/remindq/internal/domain"
)

type sent struct {
	endpoint string
	payload  string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sent
	fail map[string]bool
}

func (s *recordingSender) Send(_ context.Context, sub Subscription, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[sub.Endpoint] {
		return errors.New("gone")
	}
	s.sent = append(s.sent, sent{sub.Endpoint, string(payload)})
	return nil
}

func (s *recordingSender) all() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.sent...)
}

func ev(id string) domain.DeliveryEvent {
	return domain.DeliveryEvent{ID: id, Title: "t" + id, Message: "Reminder: No description provided"}
}

func TestSubscribeRequiresEndpoint(t *testing.T) {
	d := New(&recordingSender{}, 0, nil)
	if _, err := d.Subscribe(context.Background(), Subscription{}); !errors.Is(err, domain.ErrInvalidSubscription) {
		t.Fatalf("err=%v", err)
	}
	if d.Subscribers() != 0 {
		t.Fatal("empty subscription stored")
	}
}

func TestBufferedEventsFlushOnSubscribe(t *testing.T) {
	ctx := context.Background()
	s := &recordingSender{}
	d := New(s, 0, nil)

	d.HandleEvent(ctx, ev("r1"))
	d.HandleEvent(ctx, ev("r2"))
	if d.Pending() != 2 || len(s.all()) != 0 {
		t.Fatalf("pending=%d sent=%d", d.Pending(), len(s.all()))
	}

	res, err := d.Subscribe(ctx, Subscription{Endpoint: "https://push.example/a"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if res.Status != "success" || res.Message != "Subscription Successful" {
		t.Fatalf("result=%+v", res)
	}
	d.Wait()
	got := s.all()
	if len(got) != 2 {
		t.Fatalf("sent=%v", got)
	}
	if got[0].payload != `{"id":"r1","title":"tr1","message":"Reminder: No description provided"}` {
		t.Fatalf("first payload=%s", got[0].payload)
	}
	if got[1].payload == got[0].payload {
		t.Fatal("buffer order lost")
	}
	if d.Pending() != 0 {
		t.Fatal("buffer not cleared")
	}

	// A second subscriber gets nothing old.
	if _, err := d.Subscribe(ctx, Subscription{Endpoint: "https://push.example/b"}); err != nil {
		t.Fatal(err)
	}
	if len(s.all()) != 2 {
		t.Fatalf("replayed to second subscriber: %v", s.all())
	}
}

// gatedSender holds every send until gate is closed.
type gatedSender struct {
	recordingSender
	started chan struct{}
	gate    chan struct{}
}

func (s *gatedSender) Send(ctx context.Context, sub Subscription, payload []byte) error {
	select {
	case s.started <- struct{}{}:
	default:
	}
	<-s.gate
	return s.recordingSender.Send(ctx, sub, payload)
}

func within(t *testing.T, what string, f func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		f()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s blocked", what)
	}
}

func TestSubscribeDoesNotWaitForFlush(t *testing.T) {
	ctx := context.Background()
	s := &gatedSender{started: make(chan struct{}, 1), gate: make(chan struct{})}
	d := New(s, 0, nil)

	d.HandleEvent(ctx, ev("r1"))
	d.HandleEvent(ctx, ev("r2"))

	within(t, "subscribe", func() {
		if _, err := d.Subscribe(ctx, Subscription{Endpoint: "https://push.example/a"}); err != nil {
			t.Error(err)
		}
	})
	<-s.started

	// Raised while r1 is still being sent.
	within(t, "handle event", func() { d.HandleEvent(ctx, ev("r3")) })
	if d.Pending() != 1 {
		t.Fatalf("pending=%d want=1", d.Pending())
	}

	close(s.gate)
	d.Wait()

	var ids []string
	for _, m := range s.all() {
		var got domain.DeliveryEvent
		if err := json.Unmarshal([]byte(m.payload), &got); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, got.ID)
	}
	if strings.Join(ids, ",") != "r1,r2,r3" {
		t.Fatalf("order=%v", ids)
	}
	if d.Pending() != 0 {
		t.Fatal("buffer not cleared")
	}
}

func TestFanOutSkipsFailingSubscriber(t *testing.T) {
	ctx := context.Background()
	s := &recordingSender{fail: map[string]bool{"https://push.example/bad": true}}
	core, logs := observer.New(zapcore.InfoLevel)
	d := New(s, 0, zap.New(core))

	for _, ep := range []string{"https://push.example/bad", "https://push.example/good"} {
		if _, err := d.Subscribe(ctx, Subscription{Endpoint: ep}); err != nil {
			t.Fatal(err)
		}
	}
	d.HandleEvent(ctx, ev("r1"))

	got := s.all()
	if len(got) != 1 || got[0].endpoint != "https://push.example/good" {
		t.Fatalf("sent=%v", got)
	}
	failed := logs.FilterMessage("delivery failed").All()
	if len(failed) != 1 {
		t.Fatalf("logs=%v", logs.All())
	}
	if msg, _ := failed[0].ContextMap()["error"].(string); msg != "deliver to https://push.example/bad: gone" {
		t.Fatalf("error=%q", msg)
	}
}

func TestRunDrainsChannel(t *testing.T) {
	s := &recordingSender{}
	d := New(s, 100, nil)
	if _, err := d.Subscribe(context.Background(), Subscription{Endpoint: "https://push.example/a"}); err != nil {
		t.Fatal(err)
	}

	events := make(chan domain.DeliveryEvent, 3)
	events <- ev("r1")
	events <- ev("r2")
	events <- ev("r3")
	close(events)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx, events); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(s.all()) != 3 {
		t.Fatalf("sent=%v", s.all())
	}
}
