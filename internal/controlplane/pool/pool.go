// Package pool tracks the bounded set of agents, their load and their
// rolling performance.
package pool

import (
	"errors"
	"math"
	"sort"
	"time"
)

type State string

const (
	StateIdle        State = "idle"
	StateActive      State = "active"
	StateUnavailable State = "unavailable"
)

// LoadTier is informational; it does not feed into scoring.
type LoadTier string

const (
	LoadLight  LoadTier = "light"
	LoadMedium LoadTier = "medium"
	LoadHeavy  LoadTier = "heavy"
)

var (
	ErrUnknownWorker   = errors.New("unknown worker")
	ErrDuplicateWorker = errors.New("worker already in pool")
	ErrPoolFull        = errors.New("worker pool is full")
	ErrWorkerNotIdle   = errors.New("worker is not idle")
	ErrWorkerBusy      = errors.New("worker has an active assignment")
)

// TimeBlock is a calendar placement occupying a worker.
type TimeBlock struct {
	EventID string    `json:"eventId"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
}

// Overlaps reports whether [start, end) intersects the block.
func (b TimeBlock) Overlaps(start, end time.Time) bool {
	return start.Before(b.End) && b.Start.Before(end)
}

func (b TimeBlock) Hours() float64 { return b.End.Sub(b.Start).Hours() }

// Worker is an agent as seen by the scheduler.
type Worker struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	CurrentWorkItemID    string    `json:"currentWorkItemId,omitempty"`
	CompletedCount       int       `json:"completedCount"`
	AvgCompletionMinutes float64   `json:"avgCompletionMinutes"`
	SuccessRate          float64   `json:"successRate"`
	LoadTier             LoadTier  `json:"loadTier"`
	LastHeartbeat        time.Time `json:"lastHeartbeat"`

	MaxHoursPerWeek float64     `json:"maxHoursPerWeek"`
	ScheduledHours  float64     `json:"scheduledHours"`
	Capacity        float64     `json:"capacity"`
	BusyBlocks      []TimeBlock `json:"busyBlocks,omitempty"`
}

// Utilization is ScheduledHours as a fraction of MaxHoursPerWeek.
func (w Worker) Utilization() float64 {
	if w.MaxHoursPerWeek <= 0 {
		return math.Inf(1)
	}
	return w.ScheduledHours / w.MaxHoursPerWeek
}

// RemainingHours is what the worker can still absorb before hitting its limit.
func (w Worker) RemainingHours() float64 {
	return w.MaxHoursPerWeek - w.ScheduledHours
}

func (w Worker) clone() Worker {
	if w.BusyBlocks != nil {
		blocks := make([]TimeBlock, len(w.BusyBlocks))
		copy(blocks, w.BusyBlocks)
		w.BusyBlocks = blocks
	}
	return w
}

// Candidate is a worker offered to the pool by the identity directory.
type Candidate struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	LoadTier        LoadTier `json:"loadTier,omitempty"`
	MaxHoursPerWeek float64  `json:"maxHoursPerWeek,omitempty"`
}

// Pool holds workers keyed by id. It is not safe for concurrent use; the
// engine serializes access.
type Pool struct {
	cfg     Config
	workers map[string]*Worker
}

func New(cfg Config) *Pool {
	return &Pool{cfg: cfg, workers: make(map[string]*Worker)}
}

func (p *Pool) Config() Config { return p.cfg }

// Initialize replaces the pool with the first Cap candidates (duplicates and
// empty ids skipped) and returns how many were retained.
func (p *Pool) Initialize(candidates []Candidate, now time.Time) int {
	p.workers = make(map[string]*Worker, p.cfg.Cap)
	for _, c := range candidates {
		if len(p.workers) >= p.cfg.Cap {
			break
		}
		if c.ID == "" {
			continue
		}
		if _, dup := p.workers[c.ID]; dup {
			continue
		}
		p.workers[c.ID] = p.seed(c, now)
	}
	return len(p.workers)
}

// Join adds a single worker when there is room.
func (p *Pool) Join(c Candidate, now time.Time) (Worker, error) {
	if c.ID == "" {
		return Worker{}, ErrUnknownWorker
	}
	if _, dup := p.workers[c.ID]; dup {
		return Worker{}, ErrDuplicateWorker
	}
	if len(p.workers) >= p.cfg.Cap {
		return Worker{}, ErrPoolFull
	}
	w := p.seed(c, now)
	p.workers[c.ID] = w
	return w.clone(), nil
}

func (p *Pool) seed(c Candidate, now time.Time) *Worker {
	name := c.Name
	if name == "" {
		name = c.ID
	}
	tier := c.LoadTier
	if tier == "" {
		tier = LoadMedium
	}
	maxHours := c.MaxHoursPerWeek
	if maxHours <= 0 {
		maxHours = p.cfg.DefaultMaxHoursPerWeek
	}
	return &Worker{
		ID:                   c.ID,
		Name:                 name,
		State:                StateIdle,
		AvgCompletionMinutes: p.cfg.SeedAvgCompletionMinutes,
		SuccessRate:          100,
		LoadTier:             tier,
		LastHeartbeat:        now,
		MaxHoursPerWeek:      maxHours,
		Capacity:             100,
	}
}

// Restore replaces the pool contents verbatim, e.g. from a snapshot.
func (p *Pool) Restore(workers []Worker) {
	p.workers = make(map[string]*Worker, len(workers))
	for _, w := range workers {
		w := w.clone()
		p.workers[w.ID] = &w
	}
}

func (p *Pool) Len() int { return len(p.workers) }

// Get returns a copy of the worker.
func (p *Pool) Get(id string) (Worker, bool) {
	w, ok := p.workers[id]
	if !ok {
		return Worker{}, false
	}
	return w.clone(), true
}

// List returns copies of all workers ordered by id.
func (p *Pool) List() []Worker {
	out := make([]Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListIdle returns idle workers ordered by id.
func (p *Pool) ListIdle() []Worker {
	var out []Worker
	for _, w := range p.List() {
		if w.State == StateIdle {
			out = append(out, w)
		}
	}
	return out
}

// Score is the composite fitness of a worker at now:
//
//	SuccessWeight*successRate + RecencyWeight*recency + BalanceWeight*100/(completed+1)
//
// where recency starts at 100 for a fresh heartbeat and decays linearly to 0.
func (p *Pool) Score(w Worker, now time.Time) float64 {
	minutes := now.Sub(w.LastHeartbeat).Minutes()
	if minutes < 0 {
		minutes = 0
	}
	recency := math.Max(0, 100-minutes*p.cfg.HeartbeatDecayPerMinute)
	balance := 100 / float64(w.CompletedCount+1)
	return p.cfg.SuccessWeight*w.SuccessRate + p.cfg.RecencyWeight*recency + p.cfg.BalanceWeight*balance
}

// BestIdleWorker returns the idle worker with the highest score; ties go to
// the lexicographically smallest id.
func (p *Pool) BestIdleWorker(now time.Time) (Worker, bool) {
	var (
		best      Worker
		bestScore float64
		found     bool
	)
	for _, w := range p.ListIdle() {
		s := p.Score(w, now)
		if !found || s > bestScore {
			best, bestScore, found = w, s, true
		}
	}
	return best, found
}

// MarkBusy binds an idle worker to a work item.
func (p *Pool) MarkBusy(id, workItemID string) error {
	w, ok := p.workers[id]
	if !ok {
		return ErrUnknownWorker
	}
	if w.State != StateIdle {
		return ErrWorkerNotIdle
	}
	w.State = StateActive
	w.CurrentWorkItemID = workItemID
	return nil
}

// MarkIdle unbinds the worker's current work item. Unavailable workers keep
// their state.
func (p *Pool) MarkIdle(id string) error {
	w, ok := p.workers[id]
	if !ok {
		return ErrUnknownWorker
	}
	w.CurrentWorkItemID = ""
	if w.State == StateActive {
		w.State = StateIdle
	}
	return nil
}

// RecordOutcome folds one completion into the worker's rolling statistics.
// Only successes count towards CompletedCount and the completion average.
func (p *Pool) RecordOutcome(id string, success bool, minutes float64) (Worker, error) {
	w, ok := p.workers[id]
	if !ok {
		return Worker{}, ErrUnknownWorker
	}
	if success {
		w.CompletedCount++
		n := float64(w.CompletedCount)
		w.AvgCompletionMinutes = (w.AvgCompletionMinutes*(n-1) + minutes) / n
		w.SuccessRate = math.Min(100, w.SuccessRate*p.cfg.SuccessRetain+p.cfg.SuccessBonus)
	} else {
		w.SuccessRate = math.Max(0, w.SuccessRate*p.cfg.FailureRetain)
	}
	return w.clone(), nil
}

func (p *Pool) Heartbeat(id string, now time.Time) error {
	w, ok := p.workers[id]
	if !ok {
		return ErrUnknownWorker
	}
	w.LastHeartbeat = now
	return nil
}

// SetAvailable toggles a worker between idle and unavailable. A worker with
// an active assignment cannot be taken offline.
func (p *Pool) SetAvailable(id string, available bool) error {
	w, ok := p.workers[id]
	if !ok {
		return ErrUnknownWorker
	}
	switch {
	case available && w.State == StateUnavailable:
		w.State = StateIdle
	case !available && w.State == StateActive:
		return ErrWorkerBusy
	case !available:
		w.State = StateUnavailable
	}
	return nil
}

// AddBlock books a calendar placement against the worker.
func (p *Pool) AddBlock(id string, block TimeBlock) error {
	w, ok := p.workers[id]
	if !ok {
		return ErrUnknownWorker
	}
	w.BusyBlocks = append(w.BusyBlocks, block)
	w.ScheduledHours += block.Hours()
	w.Capacity = capacity(w.ScheduledHours, w.MaxHoursPerWeek)
	return nil
}

// RemoveBlock releases a calendar placement. It reports whether the block existed.
func (p *Pool) RemoveBlock(id, eventID string) (bool, error) {
	w, ok := p.workers[id]
	if !ok {
		return false, ErrUnknownWorker
	}
	for i, b := range w.BusyBlocks {
		if b.EventID != eventID {
			continue
		}
		w.BusyBlocks = append(w.BusyBlocks[:i], w.BusyBlocks[i+1:]...)
		w.ScheduledHours = math.Max(0, w.ScheduledHours-b.Hours())
		w.Capacity = capacity(w.ScheduledHours, w.MaxHoursPerWeek)
		return true, nil
	}
	return false, nil
}

func capacity(scheduled, maxHours float64) float64 {
	if maxHours <= 0 {
		return 0
	}
	return math.Max(0, 100-scheduled/maxHours*100)
}
