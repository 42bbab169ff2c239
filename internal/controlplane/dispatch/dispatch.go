package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type EventType string

const (
	EventAssigned   EventType = "assigned"
	EventCompleted  EventType = "completed"
	EventExpired    EventType = "expired"
	EventCancelled  EventType = "cancelled"
	EventScheduled  EventType = "scheduled"
	EventRebalanced EventType = "rebalanced"
)

// Event is an assignment or placement change addressed to a worker.
type Event struct {
	Type            EventType `json:"type"`
	WorkItemID      string    `json:"workItemId,omitempty"`
	WorkerID        string    `json:"workerId,omitempty"`
	PreviousWorker  string    `json:"previousWorkerId,omitempty"`
	CalendarEventID string    `json:"calendarEventId,omitempty"`
	Success         bool      `json:"success,omitempty"`
	At              time.Time `json:"at"`
}

// Publisher receives events. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// Fanout publishes to every publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(ev Event) {
	for _, p := range f {
		p.Publish(ev)
	}
}

// Manager keeps per-worker pending assignments and fans events out to
// subscribers.
type Manager struct {
	mu      sync.Mutex
	pending map[string][]Event                 // workerID -> undelivered assignments
	subs    map[string]map[chan Event]struct{} // workerID -> subscribers
	all     map[chan Event]struct{}
}

func NewManager() *Manager {
	return &Manager{
		pending: make(map[string][]Event),
		subs:    make(map[string]map[chan Event]struct{}),
		all:     make(map[chan Event]struct{}),
	}
}

// Publish records assignments as pending for their worker and notifies
// subscribers.
func (m *Manager) Publish(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.WorkerID != "" {
		if ev.Type == EventAssigned {
			m.pending[ev.WorkerID] = append(m.pending[ev.WorkerID], ev)
		} else {
			m.dropPending(ev.WorkerID, ev.WorkItemID)
		}
		for ch := range m.subs[ev.WorkerID] {
			send(ch, ev)
		}
	}
	for ch := range m.all {
		send(ch, ev)
	}
}

// drop if subscriber is slow; pending still holds assignments
func send(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
	}
}

func (m *Manager) dropPending(workerID, workItemID string) {
	if workItemID == "" {
		return
	}
	s := m.pending[workerID]
	for i := range s {
		if s[i].WorkItemID == workItemID {
			m.pending[workerID] = append(s[:i], s[i+1:]...)
			return
		}
	}
}

// DrainPending returns and clears all pending assignments for a worker.
func (m *Manager) DrainPending(workerID string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.pending[workerID]
	if len(s) == 0 {
		return nil
	}
	out := make([]Event, len(s))
	copy(out, s)
	delete(m.pending, workerID)
	return out
}

// Subscribe creates a channel subscription for a worker's events. Caller must call the returned cancel func.
func (m *Manager) Subscribe(workerID string) (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Event, 8)
	if m.subs[workerID] == nil {
		m.subs[workerID] = make(map[chan Event]struct{})
	}
	m.subs[workerID][ch] = struct{}{}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if subs := m.subs[workerID]; subs != nil {
				delete(subs, ch)
				close(ch)
				if len(subs) == 0 {
					delete(m.subs, workerID)
				}
			}
		})
	}
}

// SubscribeAll receives every event regardless of worker.
func (m *Manager) SubscribeAll() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Event, 32)
	m.all[ch] = struct{}{}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.all, ch)
			close(ch)
		})
	}
}

// LogEvents writes every event to log at debug level until ctx is done.
func (m *Manager) LogEvents(ctx context.Context, log logrus.FieldLogger) {
	ch, cancel := m.SubscribeAll()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			log.WithFields(logrus.Fields{
				"type":       ev.Type,
				"workItemId": ev.WorkItemID,
				"workerId":   ev.WorkerID,
				"at":         ev.At,
			}).Debug("event dispatched")
		}
	}
}
