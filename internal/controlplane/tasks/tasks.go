package tasks

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Urgency is the queue tier of a work item. Lower values are more urgent.
type Urgency int

const (
	UrgencyCritical Urgency = iota
	UrgencyHigh
	UrgencyMedium
	UrgencyLow
)

// DefaultUrgency is used for missing or unrecognized tiers.
const DefaultUrgency = UrgencyMedium

func (u Urgency) Valid() bool { return u >= UrgencyCritical && u <= UrgencyLow }

func (u Urgency) String() string {
	switch u {
	case UrgencyCritical:
		return "critical"
	case UrgencyHigh:
		return "high"
	case UrgencyMedium:
		return "medium"
	case UrgencyLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParseUrgency accepts tier names ("critical".."low") and labels ("P0".."P3").
// Anything else maps to DefaultUrgency.
func ParseUrgency(s string) Urgency {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "urgent", "p0", "0":
		return UrgencyCritical
	case "high", "p1", "1":
		return UrgencyHigh
	case "medium", "normal", "p2", "2":
		return UrgencyMedium
	case "low", "p3", "3":
		return UrgencyLow
	default:
		return DefaultUrgency
	}
}

// WorkItem is a unit of work waiting for, or bound to, an agent.
type WorkItem struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	Urgency        Urgency   `json:"urgency"`
	EstimatedHours float64   `json:"estimatedHours,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
}

// Normalize fills an id when missing, clamps the tier into range and stamps
// CreatedAt/EnqueuedAt.
func Normalize(item WorkItem, now time.Time) WorkItem {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if !item.Urgency.Valid() {
		item.Urgency = DefaultUrgency
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.EnqueuedAt = now
	return item
}

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Task is the status record for a work item as seen by API callers.
type Task struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Urgency    string     `json:"urgency"`
	WorkerID   string     `json:"workerId,omitempty"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Manager keeps the status history of every work item the engine has seen.
type Manager struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func NewManager() *Manager {
	return &Manager{tasks: make(map[string]*Task)}
}

// Track registers a freshly queued work item, replacing any previous record.
func (m *Manager) Track(item WorkItem) Task {
	t := &Task{
		ID:        item.ID,
		Title:     item.Title,
		Urgency:   item.Urgency.String(),
		Status:    StatusQueued,
		CreatedAt: item.CreatedAt,
	}
	m.mu.Lock()
	m.tasks[item.ID] = t
	m.mu.Unlock()
	return *t
}

// Get returns a copy of the task record.
func (m *Manager) Get(id string) (Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// UpdateStatusRunning binds a task to a worker and stamps StartedAt.
func (m *Manager) UpdateStatusRunning(id, workerID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.Status = StatusRunning
		t.WorkerID = workerID
		t.StartedAt = &at
	}
}

// UpdateStatusSucceeded sets a task to succeeded and stamps FinishedAt.
func (m *Manager) UpdateStatusSucceeded(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.Status = StatusSucceeded
		t.FinishedAt = &at
		t.Error = ""
	}
}

// UpdateStatusFailed sets a task to failed with an error and stamps FinishedAt.
func (m *Manager) UpdateStatusFailed(id string, errMsg string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.Status = StatusFailed
		t.FinishedAt = &at
		t.Error = errMsg
	}
}

func (m *Manager) UpdateStatusCancelled(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.Status = StatusCancelled
		t.FinishedAt = &at
	}
}
