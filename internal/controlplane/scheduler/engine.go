// Package scheduler binds queued work to agents, places work on the
// calendar, and keeps both consistent under a single lock.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/VerteraIO/agentplane/internal/controlplane/calendar"
	"github.com/VerteraIO/agentplane/internal/controlplane/dispatch"
	"github.com/VerteraIO/agentplane/internal/controlplane/pool"
	"github.com/VerteraIO/agentplane/internal/controlplane/queue"
	"github.com/VerteraIO/agentplane/internal/controlplane/tasks"
	"github.com/VerteraIO/agentplane/internal/metrics"
)

var (
	ErrDuplicateTask = errors.New("work item already queued or assigned")
	ErrUnknownTask   = errors.New("unknown work item")
	ErrTaskActive    = errors.New("work item is bound to a worker")
	ErrPoolBusy      = errors.New("pool has active assignments")
	ErrInvalidHours  = errors.New("estimated hours must be > 0")
)

// Assignment binds a work item to a worker for the duration of execution.
type Assignment struct {
	WorkItemID string         `json:"workItemId"`
	WorkerID   string         `json:"workerId"`
	Start      time.Time      `json:"start"`
	Item       tasks.WorkItem `json:"item"`
}

// Outcome is what a worker reports when it finishes a work item.
type Outcome struct {
	Success bool `json:"success"`
	// DurationMinutes <= 0 means measure from the assignment start.
	DurationMinutes float64 `json:"durationMinutes,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// Completion is the result of CompleteTask.
type Completion struct {
	WorkItemID      string      `json:"workItemId"`
	WorkerID        string      `json:"workerId"`
	Success         bool        `json:"success"`
	DurationMinutes float64     `json:"durationMinutes"`
	Worker          pool.Worker `json:"worker"`
	// Next is the assignment made immediately afterwards, if any.
	Next *Assignment `json:"next,omitempty"`
}

// Totals are pool-wide completion statistics.
type Totals struct {
	Completed            int       `json:"completed"`
	Failed               int       `json:"failed"`
	AvgCompletionMinutes float64   `json:"avgCompletionMinutes"`
	Day                  time.Time `json:"day"`
	CompletedToday       int       `json:"completedToday"`
}

// Engine owns the queue, the worker pool and the calendar. All methods are
// safe for concurrent use.
type Engine struct {
	mu sync.RWMutex

	policy   Policy
	queue    *queue.PriorityQueue
	pool     *pool.Pool
	calendar *calendar.Scheduler
	tasks    *tasks.Manager
	active   map[string]*Assignment // workItemID -> assignment
	totals   Totals

	// rev counts state changes; rebalancedRev is rev as left by the last
	// rebalance pass that had an underperformer and an overperformer.
	rev           uint64
	rebalancedRev uint64

	log       logrus.FieldLogger
	metrics   MetricsCollector
	publisher dispatch.Publisher
	sink      SnapshotSink
}

func New(policy Policy, opts ...Option) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	e := &Engine{
		policy:    policy,
		queue:     queue.New(),
		pool:      pool.New(policy.Pool),
		calendar:  calendar.New(policy.Calendar),
		tasks:     tasks.NewManager(),
		active:    make(map[string]*Assignment),
		log:       logrus.StandardLogger(),
		metrics:   metrics.NewNop(),
		publisher: nopPublisher{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) Policy() Policy { return e.policy }

// InitializePool replaces the worker set with at most Policy.Pool.Cap
// candidates. Calendar placements already bound to retained workers are
// re-applied to their load.
func (e *Engine) InitializePool(candidates []pool.Candidate, now time.Time) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.active) > 0 {
		return 0, ErrPoolBusy
	}
	n := e.pool.Initialize(candidates, now)
	for _, ev := range e.calendar.Events() {
		if ev.WorkerID == "" {
			continue
		}
		if err := e.pool.AddBlock(ev.WorkerID, ev.Block()); err != nil && !errors.Is(err, pool.ErrUnknownWorker) {
			return n, err
		}
	}
	if len(candidates) > n {
		e.log.WithFields(logrus.Fields{"offered": len(candidates), "retained": n}).Warn("worker pool capped")
	}
	e.log.WithField("workers", n).Info("worker pool initialized")
	e.changed()
	return n, nil
}

// JoinWorker adds one worker if the pool has room.
func (e *Engine) JoinWorker(c pool.Candidate, now time.Time) (pool.Worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, err := e.pool.Join(c, now)
	if err != nil {
		return pool.Worker{}, err
	}
	e.log.WithField("workerId", w.ID).Info("worker joined")
	e.changed()
	return w, nil
}

func (e *Engine) Heartbeat(workerID string, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.Heartbeat(workerID, now)
}

// SetAvailability pauses or resumes a worker. Active workers cannot be paused.
func (e *Engine) SetAvailability(workerID string, available bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.pool.SetAvailable(workerID, available); err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{"workerId": workerID, "available": available}).Info("worker availability changed")
	e.changed()
	return nil
}

// QueueTask normalizes item and enqueues it.
func (e *Engine) QueueTask(item tasks.WorkItem, now time.Time) (tasks.WorkItem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	item = tasks.Normalize(item, now)
	if e.queue.Contains(item.ID) || e.active[item.ID] != nil {
		return tasks.WorkItem{}, fmt.Errorf("%w: %s", ErrDuplicateTask, item.ID)
	}
	e.queue.Enqueue(item)
	e.tasks.Track(item)
	e.metrics.RecordQueued(item.Urgency.String())
	e.log.WithFields(logrus.Fields{
		"workItemId": item.ID,
		"urgency":    item.Urgency.String(),
		"depth":      e.queue.Len(),
	}).Debug("work item queued")
	e.changed()
	return item, nil
}

// CancelTask removes a queued work item. Bound work items must be completed instead.
func (e *Engine) CancelTask(id string, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[id] != nil {
		return ErrTaskActive
	}
	if _, ok := e.queue.Remove(id); !ok {
		return ErrUnknownTask
	}
	e.tasks.UpdateStatusCancelled(id, now)
	e.publisher.Publish(dispatch.Event{Type: dispatch.EventCancelled, WorkItemID: id, At: now})
	e.changed()
	return nil
}

// AssignNext binds the queue head to the best idle worker. It reports false
// when the queue is empty or no worker is idle.
func (e *Engine) AssignNext(now time.Time) (Assignment, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.assignNextLocked(now)
	if ok {
		e.changed()
	}
	return a, ok
}

func (e *Engine) assignNextLocked(now time.Time) (Assignment, bool) {
	if e.queue.Len() == 0 {
		return Assignment{}, false
	}
	w, ok := e.pool.BestIdleWorker(now)
	if !ok {
		return Assignment{}, false
	}
	item, _ := e.queue.Dequeue()
	if err := e.pool.MarkBusy(w.ID, item.ID); err != nil {
		e.violation("idle worker %s refused work item %s: %v", w.ID, item.ID, err)
		e.queue.Enqueue(item)
		return Assignment{}, false
	}
	a := &Assignment{WorkItemID: item.ID, WorkerID: w.ID, Start: now, Item: item}
	e.active[item.ID] = a
	e.tasks.UpdateStatusRunning(item.ID, w.ID, now)

	wait := now.Sub(item.EnqueuedAt)
	e.metrics.RecordAssigned(wait)
	e.publisher.Publish(dispatch.Event{Type: dispatch.EventAssigned, WorkItemID: item.ID, WorkerID: w.ID, At: now})
	e.log.WithFields(logrus.Fields{
		"workItemId": item.ID,
		"workerId":   w.ID,
		"score":      e.pool.Score(w, now),
		"wait":       wait.String(),
	}).Info("work item assigned")
	e.checkInvariants()
	return *a, true
}

// CompleteTask records the outcome of an active assignment, frees the worker
// and immediately tries to assign the next queued item. Unknown ids are a
// no-op and report false.
func (e *Engine) CompleteTask(workItemID string, out Outcome, now time.Time) (Completion, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.completeLocked(workItemID, out, now, dispatch.EventCompleted)
	if ok {
		e.changed()
	}
	return c, ok
}

func (e *Engine) completeLocked(workItemID string, out Outcome, now time.Time, evType dispatch.EventType) (Completion, bool) {
	a, ok := e.active[workItemID]
	if !ok {
		return Completion{}, false
	}
	minutes := out.DurationMinutes
	if minutes <= 0 {
		minutes = now.Sub(a.Start).Minutes()
	}
	if minutes < 0 {
		minutes = 0
	}

	w, err := e.pool.RecordOutcome(a.WorkerID, out.Success, minutes)
	if err != nil {
		e.violation("assignment %s bound to missing worker %s", workItemID, a.WorkerID)
	}
	if err := e.pool.MarkIdle(a.WorkerID); err == nil {
		w, _ = e.pool.Get(a.WorkerID)
	}
	delete(e.active, workItemID)
	e.recordTotals(out.Success, minutes, now)

	if out.Success {
		e.tasks.UpdateStatusSucceeded(workItemID, now)
	} else {
		msg := out.Error
		if msg == "" {
			msg = "reported failure"
		}
		e.tasks.UpdateStatusFailed(workItemID, msg, now)
	}
	e.metrics.RecordCompleted(out.Success, minutes)
	e.publisher.Publish(dispatch.Event{
		Type:       evType,
		WorkItemID: workItemID,
		WorkerID:   a.WorkerID,
		Success:    out.Success,
		At:         now,
	})
	e.log.WithFields(logrus.Fields{
		"workItemId":  workItemID,
		"workerId":    a.WorkerID,
		"success":     out.Success,
		"minutes":     minutes,
		"successRate": w.SuccessRate,
	}).Info("work item completed")

	c := Completion{
		WorkItemID:      workItemID,
		WorkerID:        a.WorkerID,
		Success:         out.Success,
		DurationMinutes: minutes,
		Worker:          w,
	}
	if next, ok := e.assignNextLocked(now); ok {
		c.Next = &next
	}
	return c, true
}

func (e *Engine) recordTotals(success bool, minutes float64, now time.Time) {
	if !success {
		e.totals.Failed++
		return
	}
	e.totals.Completed++
	n := float64(e.totals.Completed)
	e.totals.AvgCompletionMinutes = (e.totals.AvgCompletionMinutes*(n-1) + minutes) / n
	day := startOfDay(now)
	if !e.totals.Day.Equal(day) {
		e.totals.Day = day
		e.totals.CompletedToday = 0
	}
	e.totals.CompletedToday++
}

// ExpireStuck fails every assignment older than Policy.AssignmentTimeout.
func (e *Engine) ExpireStuck(now time.Time) []Completion {
	e.mu.Lock()
	defer e.mu.Unlock()
	timeout := e.policy.AssignmentTimeout
	if timeout <= 0 {
		return nil
	}
	var stuck []string
	for id, a := range e.active {
		if now.Sub(a.Start) >= timeout {
			stuck = append(stuck, id)
		}
	}
	sort.Strings(stuck)
	var out []Completion
	for _, id := range stuck {
		msg := fmt.Sprintf("assignment timed out after %s", timeout)
		c, ok := e.completeLocked(id, Outcome{Success: false, Error: msg}, now, dispatch.EventExpired)
		if !ok {
			continue
		}
		e.metrics.RecordExpired()
		e.log.WithFields(logrus.Fields{"workItemId": id, "workerId": c.WorkerID}).Warn("assignment expired")
		out = append(out, c)
	}
	if len(out) > 0 {
		e.changed()
	}
	return out
}

// TaskStatus returns the lifecycle record of a work item.
func (e *Engine) TaskStatus(id string) (tasks.Task, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tasks.Get(id)
}

// PoolStatus is a read-only view of the queue path.
type PoolStatus struct {
	Cap     int              `json:"cap"`
	Workers []pool.Worker    `json:"workers"`
	Active  []Assignment     `json:"active"`
	Queue   []tasks.WorkItem `json:"queue"`
}

func (e *Engine) PoolStatus() PoolStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return PoolStatus{
		Cap:     e.policy.Pool.Cap,
		Workers: e.pool.List(),
		Active:  e.activeList(),
		Queue:   e.queue.Items(),
	}
}

func (e *Engine) activeList() []Assignment {
	out := make([]Assignment, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].WorkItemID < out[j].WorkItemID
	})
	return out
}

// Worker returns one worker by id.
func (e *Engine) Worker(id string) (pool.Worker, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pool.Get(id)
}

// Available reports whether at least one worker can take work now.
func (e *Engine) Available() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.pool.ListIdle()) > 0
}

// changed publishes gauges and a snapshot after a mutation. Callers hold the write lock.
func (e *Engine) changed() {
	e.rev++
	idle, active, unavailable := 0, 0, 0
	for _, w := range e.pool.List() {
		switch w.State {
		case pool.StateIdle:
			idle++
		case pool.StateActive:
			active++
		case pool.StateUnavailable:
			unavailable++
		}
	}
	e.metrics.SetQueueDepth(e.queue.Len())
	e.metrics.SetWorkerStates(idle, active, unavailable)
	if e.sink != nil {
		e.sink.Submit(e.snapshotLocked(time.Now()))
	}
}

func (e *Engine) checkInvariants() {
	bound := make(map[string]string, len(e.active))
	for id, a := range e.active {
		if other, dup := bound[a.WorkerID]; dup {
			e.violation("worker %s bound to %s and %s", a.WorkerID, other, id)
		}
		bound[a.WorkerID] = id
		if e.queue.Contains(id) {
			e.violation("work item %s is both queued and assigned", id)
		}
		w, ok := e.pool.Get(a.WorkerID)
		if !ok || w.CurrentWorkItemID != id {
			e.violation("worker %s does not carry its assignment %s", a.WorkerID, id)
		}
	}
	for _, w := range e.pool.List() {
		if w.SuccessRate < 0 || w.SuccessRate > 100 {
			e.violation("worker %s success rate %v out of range", w.ID, w.SuccessRate)
		}
		if w.State == pool.StateActive && bound[w.ID] == "" {
			e.violation("worker %s is active without an assignment", w.ID)
		}
	}
}

func (e *Engine) violation(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if e.policy.StrictInvariants {
		panic("scheduler invariant violated: " + msg)
	}
	e.log.WithField("invariant", true).Error(msg)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
