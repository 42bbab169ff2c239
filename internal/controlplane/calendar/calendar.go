// Package calendar places work at explicit times and detects schedule
// conflicts against worker load.
package calendar

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/VerteraIO/agentplane/internal/controlplane/pool"
)

type Kind string

const (
	KindWork   Kind = "work"
	KindBreak  Kind = "break"
	KindSync   Kind = "sync"
	KindReview Kind = "review"
)

func (k Kind) Valid() bool {
	switch k {
	case KindWork, KindBreak, KindSync, KindReview:
		return true
	}
	return false
}

type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// Recurrence is carried as metadata on an event. Occurrences are not
// expanded into separate placements.
type Recurrence struct {
	Frequency Frequency `json:"frequency"`
	Until     time.Time `json:"until"`
}

var (
	ErrInvalidWindow     = errors.New("event must end after it starts")
	ErrInvalidKind       = errors.New("invalid event kind")
	ErrInvalidRecurrence = errors.New("invalid recurrence")
	ErrUnknownEvent      = errors.New("unknown calendar event")
)

// Event is a time-boxed placement of a work item.
type Event struct {
	ID         string      `json:"id"`
	WorkItemID string      `json:"workItemId"`
	Title      string      `json:"title,omitempty"`
	WorkerID   string      `json:"workerId,omitempty"`
	Start      time.Time   `json:"start"`
	End        time.Time   `json:"end"`
	Kind       Kind        `json:"kind"`
	Recurrence *Recurrence `json:"recurrence,omitempty"`
	// Seq orders events by when they were committed, not by when they start.
	Seq uint64 `json:"seq"`
}

func (e Event) Hours() float64 { return e.End.Sub(e.Start).Hours() }

func (e Event) Block() pool.TimeBlock {
	return pool.TimeBlock{EventID: e.ID, Start: e.Start, End: e.End}
}

// Validate checks the event's own fields; it does not look at other events.
func (e Event) Validate() error {
	if !e.End.After(e.Start) {
		return ErrInvalidWindow
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, e.Kind)
	}
	if r := e.Recurrence; r != nil {
		switch r.Frequency {
		case Daily, Weekly, Monthly:
		default:
			return fmt.Errorf("%w: frequency %q", ErrInvalidRecurrence, r.Frequency)
		}
		if !r.Until.IsZero() && !r.Until.After(e.Start) {
			return fmt.Errorf("%w: until must be after start", ErrInvalidRecurrence)
		}
	}
	return nil
}

type ConflictKind string

const (
	ConflictOverload       ConflictKind = "overload"
	ConflictTimeOverlap    ConflictKind = "time_overlap"
	ConflictBreakCollision ConflictKind = "break_collision"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Conflict describes a problem with a candidate placement. Conflicts are
// recomputed on every attempt and never stored.
type Conflict struct {
	Kind       ConflictKind `json:"kind"`
	Severity   Severity     `json:"severity"`
	EventIDs   []string     `json:"eventIds"`
	WorkerID   string       `json:"workerId,omitempty"`
	Resolution string       `json:"resolution"`
}

// HasCritical reports whether any conflict is critical.
func HasCritical(conflicts []Conflict) bool {
	for _, c := range conflicts {
		if c.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Scheduler owns the registered calendar events. It is not safe for
// concurrent use; the engine serializes access.
type Scheduler struct {
	cfg    Config
	events map[string]*Event
	seq    uint64
}

func New(cfg Config) *Scheduler {
	return &Scheduler{cfg: cfg, events: make(map[string]*Event)}
}

func (s *Scheduler) Config() Config { return s.cfg }

// DetectConflicts evaluates ev against w's current load. A nil worker only
// gets the break window check. It does not modify any state.
func (s *Scheduler) DetectConflicts(ev Event, w *pool.Worker) []Conflict {
	var out []Conflict
	if w != nil {
		out = append(out, s.overload(ev, *w)...)
		for _, b := range w.BusyBlocks {
			if b.EventID == ev.ID || !b.Overlaps(ev.Start, ev.End) {
				continue
			}
			out = append(out, Conflict{
				Kind:     ConflictTimeOverlap,
				Severity: SeverityCritical,
				EventIDs: []string{ev.ID, b.EventID},
				WorkerID: w.ID,
				Resolution: fmt.Sprintf("%s is already booked %s-%s; pick another start time or worker",
					w.ID, b.Start.Format(time.Kitchen), b.End.Format(time.Kitchen)),
			})
		}
	}
	if ev.Kind != KindBreak {
		if win, ok := s.breakCollision(ev); ok {
			workerID := ""
			if w != nil {
				workerID = w.ID
			}
			out = append(out, Conflict{
				Kind:       ConflictBreakCollision,
				Severity:   SeverityWarning,
				EventIDs:   []string{ev.ID},
				WorkerID:   workerID,
				Resolution: fmt.Sprintf("move the event outside the %s-%s break", win.Start, win.End),
			})
		}
	}
	return out
}

func (s *Scheduler) overload(ev Event, w pool.Worker) []Conflict {
	total := w.ScheduledHours + ev.Hours()
	if total <= w.MaxHoursPerWeek {
		return nil
	}
	sev := SeverityWarning
	if total > w.MaxHoursPerWeek*s.cfg.OverloadCriticalRatio {
		sev = SeverityCritical
	}
	return []Conflict{{
		Kind:     ConflictOverload,
		Severity: sev,
		EventIDs: []string{ev.ID},
		WorkerID: w.ID,
		Resolution: fmt.Sprintf("%s would reach %.1fh of %.1fh; reassign or shorten the event",
			w.ID, total, w.MaxHoursPerWeek),
	}}
}

func (s *Scheduler) breakCollision(ev Event) (BreakWindow, bool) {
	loc := ev.Start.Location()
	y, m, d := ev.Start.Date()
	for day := time.Date(y, m, d, 0, 0, 0, 0, loc); day.Before(ev.End); day = day.AddDate(0, 0, 1) {
		for _, win := range s.cfg.BreakWindows {
			from, to, err := win.bounds()
			if err != nil {
				continue
			}
			if ev.Start.Before(day.Add(to)) && day.Add(from).Before(ev.End) {
				return win, true
			}
		}
	}
	return BreakWindow{}, false
}

// FindBestAgent returns the candidate with the lowest utilisation that has no
// overlapping block and enough remaining hours for ev. Unavailable workers and
// exclude are skipped; ties go to the smallest id.
func (s *Scheduler) FindBestAgent(ev Event, candidates []pool.Worker, exclude string) (pool.Worker, bool) {
	var (
		best  pool.Worker
		found bool
	)
	hours := ev.Hours()
	for _, w := range candidates {
		if w.ID == exclude || w.State == pool.StateUnavailable {
			continue
		}
		if w.RemainingHours() < hours || overlapsAny(w.BusyBlocks, ev) {
			continue
		}
		u := w.Utilization()
		if !found || u < best.Utilization() || (u == best.Utilization() && w.ID < best.ID) {
			best, found = w, true
		}
	}
	return best, found
}

func overlapsAny(blocks []pool.TimeBlock, ev Event) bool {
	for _, b := range blocks {
		if b.EventID != ev.ID && b.Overlaps(ev.Start, ev.End) {
			return true
		}
	}
	return false
}

// Commit registers ev and stamps its sequence number.
func (s *Scheduler) Commit(ev Event) Event {
	s.seq++
	ev.Seq = s.seq
	stored := ev
	s.events[ev.ID] = &stored
	return ev
}

// Reassign moves an event to another worker.
func (s *Scheduler) Reassign(eventID, workerID string) (Event, error) {
	ev, ok := s.events[eventID]
	if !ok {
		return Event{}, ErrUnknownEvent
	}
	ev.WorkerID = workerID
	return *ev, nil
}

func (s *Scheduler) Get(id string) (Event, bool) {
	ev, ok := s.events[id]
	if !ok {
		return Event{}, false
	}
	return *ev, true
}

// LatestFor returns the most recently committed event bound to workerID.
func (s *Scheduler) LatestFor(workerID string) (Event, bool) {
	var latest *Event
	for _, ev := range s.events {
		if ev.WorkerID != workerID {
			continue
		}
		if latest == nil || ev.Seq > latest.Seq {
			latest = ev
		}
	}
	if latest == nil {
		return Event{}, false
	}
	return *latest, true
}

// Seq is the sequence number of the last committed event.
func (s *Scheduler) Seq() uint64 { return s.seq }

// Events lists events ordered by start time, then id.
func (s *Scheduler) Events() []Event {
	out := make([]Event, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, *ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Scheduler) Len() int { return len(s.events) }

// Restore replaces all events, e.g. from a snapshot.
func (s *Scheduler) Restore(events []Event) {
	s.events = make(map[string]*Event, len(events))
	s.seq = 0
	for _, ev := range events {
		ev := ev
		s.events[ev.ID] = &ev
		if ev.Seq > s.seq {
			s.seq = ev.Seq
		}
	}
}
