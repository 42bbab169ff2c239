package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

func TestDispatchSubscribeAndNotify(t *testing.T) {
	m := NewManager()
	worker := "worker-123"
	ch, cancel := m.Subscribe(worker)
	defer cancel()

	ev := Event{Type: EventAssigned, WorkItemID: "item-1", WorkerID: worker, At: time.Now()}
	m.Publish(ev)

	select {
	case got := <-ch:
		if got.WorkItemID != ev.WorkItemID {
			t.Fatalf("expected item %s, got %+v", ev.WorkItemID, got)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timed out waiting for assignment notification")
	}

	// Pending list is independent of subscriptions
	drained := m.DrainPending(worker)
	if len(drained) != 1 || drained[0].WorkItemID != ev.WorkItemID {
		t.Fatalf("unexpected first drain result: %+v", drained)
	}
	if again := m.DrainPending(worker); again != nil {
		t.Fatalf("expected empty drain, got %+v", again)
	}
}

func TestCompletionClearsPending(t *testing.T) {
	m := NewManager()
	m.Publish(Event{Type: EventAssigned, WorkItemID: "a", WorkerID: "w"})
	m.Publish(Event{Type: EventAssigned, WorkItemID: "b", WorkerID: "w"})
	m.Publish(Event{Type: EventCompleted, WorkItemID: "a", WorkerID: "w"})

	drained := m.DrainPending("w")
	if len(drained) != 1 || drained[0].WorkItemID != "b" {
		t.Fatalf("unexpected drain result: %+v", drained)
	}
}

func TestSubscribeAllAndSlowSubscriber(t *testing.T) {
	m := NewManager()
	all, cancel := m.SubscribeAll()
	slow, cancelSlow := m.Subscribe("w")
	defer cancelSlow()

	for i := 0; i < 20; i++ {
		m.Publish(Event{Type: EventScheduled, WorkerID: "w", CalendarEventID: "e"})
	}
	if n := len(slow); n != cap(slow) {
		t.Fatalf("expected slow subscriber buffer full (%d), got %d", cap(slow), n)
	}
	if n := len(all); n != 20 {
		t.Fatalf("expected 20 broadcast events, got %d", n)
	}

	cancel()
	cancel()
	if _, ok := <-drainAll(all); ok {
		t.Fatal("expected broadcast channel to be closed")
	}
}

func drainAll(ch <-chan Event) <-chan Event {
	for range ch {
	}
	return ch
}

type recorder struct{ got []Event }

func (r *recorder) Publish(ev Event) { r.got = append(r.got, ev) }

func TestFanout(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Fanout{a, b}.Publish(Event{Type: EventExpired})
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("expected both publishers to receive the event: %d %d", len(a.got), len(b.got))
	}
}

func TestLogEvents(t *testing.T) {
	m := NewManager()
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.LogEvents(ctx, log)
	}()

	// the subscription is made inside LogEvents, so publish until it is seen
	deadline := time.After(2 * time.Second)
	for len(hook.AllEntries()) == 0 {
		m.Publish(Event{Type: EventScheduled, WorkItemID: "item-1", At: time.Now()})
		select {
		case <-deadline:
			t.Fatal("timed out waiting for event log entry")
		case <-time.After(10 * time.Millisecond):
		}
	}
	entry := hook.AllEntries()[0]
	if entry.Message != "event dispatched" || entry.Data["workItemId"] != "item-1" {
		t.Fatalf("unexpected log entry %q %+v", entry.Message, entry.Data)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("LogEvents did not return after cancel")
	}
}
