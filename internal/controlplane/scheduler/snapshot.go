package scheduler

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/VerteraIO/agentplane/internal/controlplane/calendar"
	"github.com/VerteraIO/agentplane/internal/controlplane/pool"
	"github.com/VerteraIO/agentplane/internal/controlplane/queue"
	"github.com/VerteraIO/agentplane/internal/controlplane/tasks"
)

const SnapshotVersion = 1

// Snapshot is the complete engine state in a serializable form.
type Snapshot struct {
	Version int              `json:"version"`
	TakenAt time.Time        `json:"takenAt"`
	Workers []pool.Worker    `json:"workers"`
	Queue   []tasks.WorkItem `json:"queue"`
	Active  []Assignment     `json:"active"`
	Events  []calendar.Event `json:"events"`
	Totals  Totals           `json:"totals"`
}

func (e *Engine) Snapshot(now time.Time) Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshotLocked(now)
}

func (e *Engine) snapshotLocked(now time.Time) Snapshot {
	return Snapshot{
		Version: SnapshotVersion,
		TakenAt: now,
		Workers: e.pool.List(),
		Queue:   e.queue.Items(),
		Active:  e.activeList(),
		Events:  e.calendar.Events(),
		Totals:  e.totals,
	}
}

// Restore replaces the engine state with s. Task history is rebuilt for
// queued and active items only.
func (e *Engine) Restore(s Snapshot) error {
	if s.Version != SnapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", s.Version)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pool.Restore(s.Workers)
	e.calendar.Restore(s.Events)
	e.queue = queue.New()
	e.tasks = tasks.NewManager()
	for _, it := range s.Queue {
		e.queue.Enqueue(it)
		e.tasks.Track(it)
	}
	e.active = make(map[string]*Assignment, len(s.Active))
	for _, a := range s.Active {
		a := a
		e.active[a.WorkItemID] = &a
		e.tasks.Track(a.Item)
		e.tasks.UpdateStatusRunning(a.WorkItemID, a.WorkerID, a.Start)
	}
	e.totals = s.Totals
	e.rev++
	e.checkInvariants()
	e.log.WithFields(logrus.Fields{
		"workers": len(s.Workers),
		"queued":  len(s.Queue),
		"active":  len(s.Active),
		"events":  len(s.Events),
	}).Info("engine state restored")
	return nil
}
