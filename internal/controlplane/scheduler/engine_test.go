package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VerteraIO/agentplane/internal/controlplane/calendar"
	"github.com/VerteraIO/agentplane/internal/controlplane/dispatch"
	"github.com/VerteraIO/agentplane/internal/controlplane/pool"
	"github.com/VerteraIO/agentplane/internal/controlplane/tasks"
	"github.com/VerteraIO/agentplane/internal/logging"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func testPolicy() Policy {
	p := DefaultPolicy()
	p.StrictInvariants = true
	p.Calendar.BreakWindows = nil
	return p
}

func newEngine(t *testing.T, policy Policy, workers ...string) *Engine {
	t.Helper()
	e, err := New(policy, WithLogger(logging.Discard()))
	require.NoError(t, err)
	cands := make([]pool.Candidate, len(workers))
	for i, id := range workers {
		cands[i] = pool.Candidate{ID: id}
	}
	_, err = e.InitializePool(cands, t0)
	require.NoError(t, err)
	return e
}

func enqueue(t *testing.T, e *Engine, id string, u tasks.Urgency) {
	t.Helper()
	_, err := e.QueueTask(tasks.WorkItem{ID: id, Title: id, Urgency: u}, t0)
	require.NoError(t, err)
}

func TestNewRejectsInvalidPolicy(t *testing.T) {
	p := DefaultPolicy()
	p.LowPerformance = 95
	_, err := New(p)
	assert.Error(t, err)
}

func TestPoolCap(t *testing.T) {
	ids := make([]string, 15)
	for i := range ids {
		ids[i] = fmt.Sprintf("w%02d", i)
	}
	e := newEngine(t, testPolicy(), ids...)
	assert.Len(t, e.PoolStatus().Workers, 10)
}

func TestAssignOrderFollowsPriority(t *testing.T) {
	e := newEngine(t, testPolicy(), "a", "b", "c", "d")
	enqueue(t, e, "p2", tasks.UrgencyMedium)
	enqueue(t, e, "p0", tasks.UrgencyCritical)
	enqueue(t, e, "p1", tasks.UrgencyHigh)
	enqueue(t, e, "p3", tasks.UrgencyLow)

	var got []string
	for {
		a, ok := e.AssignNext(t0)
		if !ok {
			break
		}
		got = append(got, a.WorkItemID)
	}
	assert.Equal(t, []string{"p0", "p1", "p2", "p3"}, got)
}

func TestAssignNextNoop(t *testing.T) {
	e := newEngine(t, testPolicy(), "a")
	_, ok := e.AssignNext(t0)
	assert.False(t, ok, "empty queue")

	enqueue(t, e, "x", tasks.UrgencyLow)
	enqueue(t, e, "y", tasks.UrgencyLow)
	_, ok = e.AssignNext(t0)
	require.True(t, ok)
	_, ok = e.AssignNext(t0)
	assert.False(t, ok, "no idle worker")
	assert.Len(t, e.PoolStatus().Queue, 1)
}

func TestDuplicateQueueRejected(t *testing.T) {
	e := newEngine(t, testPolicy(), "a")
	enqueue(t, e, "x", tasks.UrgencyLow)
	_, err := e.QueueTask(tasks.WorkItem{ID: "x"}, t0)
	assert.ErrorIs(t, err, ErrDuplicateTask)

	_, ok := e.AssignNext(t0)
	require.True(t, ok)
	_, err = e.QueueTask(tasks.WorkItem{ID: "x"}, t0)
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestAutoDrain(t *testing.T) {
	e := newEngine(t, testPolicy(), "a", "b")
	enqueue(t, e, "1", tasks.UrgencyMedium)
	enqueue(t, e, "2", tasks.UrgencyMedium)
	enqueue(t, e, "3", tasks.UrgencyMedium)

	first, ok := e.AssignNext(t0)
	require.True(t, ok)
	_, ok = e.AssignNext(t0)
	require.True(t, ok)
	assert.Len(t, e.PoolStatus().Queue, 1)

	c, ok := e.CompleteTask(first.WorkItemID, Outcome{Success: true, DurationMinutes: 12}, t0.Add(12*time.Minute))
	require.True(t, ok)
	require.NotNil(t, c.Next)
	assert.Equal(t, "3", c.Next.WorkItemID)
	assert.Equal(t, first.WorkerID, c.Next.WorkerID)
	assert.Empty(t, e.PoolStatus().Queue)
}

func TestCompletionIsIdempotent(t *testing.T) {
	e := newEngine(t, testPolicy(), "a")
	enqueue(t, e, "x", tasks.UrgencyHigh)
	a, ok := e.AssignNext(t0)
	require.True(t, ok)

	c, ok := e.CompleteTask("x", Outcome{Success: true, DurationMinutes: 20}, t0.Add(time.Hour))
	require.True(t, ok)
	assert.Equal(t, a.WorkerID, c.WorkerID)
	assert.Equal(t, 1, c.Worker.CompletedCount)
	assert.InDelta(t, 20.0, c.DurationMinutes, 1e-9)

	_, ok = e.CompleteTask("x", Outcome{Success: true, DurationMinutes: 20}, t0.Add(time.Hour))
	assert.False(t, ok)

	w, _ := e.Worker("a")
	assert.Equal(t, 1, w.CompletedCount)
	assert.Equal(t, pool.StateIdle, w.State)
	assert.Equal(t, 1, e.Metrics(t0.Add(time.Hour)).TotalCompleted)

	st, ok := e.TaskStatus("x")
	require.True(t, ok)
	assert.Equal(t, tasks.StatusSucceeded, st.Status)
}

func TestCompleteDerivesDuration(t *testing.T) {
	e := newEngine(t, testPolicy(), "a")
	enqueue(t, e, "x", tasks.UrgencyHigh)
	_, ok := e.AssignNext(t0)
	require.True(t, ok)

	c, ok := e.CompleteTask("x", Outcome{Success: false, Error: "boom"}, t0.Add(45*time.Minute))
	require.True(t, ok)
	assert.InDelta(t, 45.0, c.DurationMinutes, 1e-9)
	assert.InDelta(t, 95.0, c.Worker.SuccessRate, 1e-9)
	assert.Equal(t, 0, c.Worker.CompletedCount)

	st, _ := e.TaskStatus("x")
	assert.Equal(t, tasks.StatusFailed, st.Status)
	assert.Equal(t, "boom", st.Error)
}

func TestAtMostOneBinding(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("no worker holds two assignments", prop.ForAll(
		func(ops []int) bool {
			e, err := New(testPolicy(), WithLogger(logging.Discard()))
			if err != nil {
				return false
			}
			_, _ = e.InitializePool([]pool.Candidate{{ID: "a"}, {ID: "b"}, {ID: "c"}}, t0)
			for i, op := range ops {
				now := t0.Add(time.Duration(i) * time.Minute)
				switch op {
				case 0:
					_, _ = e.QueueTask(tasks.WorkItem{Urgency: tasks.Urgency(i % 4)}, now)
				case 1:
					e.AssignNext(now)
				case 2:
					if active := e.PoolStatus().Active; len(active) > 0 {
						e.CompleteTask(active[i%len(active)].WorkItemID, Outcome{Success: i%2 == 0}, now)
					}
				}
				st := e.PoolStatus()
				seen := map[string]bool{}
				activeItems := map[string]bool{}
				for _, a := range st.Active {
					if seen[a.WorkerID] {
						return false
					}
					seen[a.WorkerID] = true
					activeItems[a.WorkItemID] = true
				}
				for _, it := range st.Queue {
					if activeItems[it.ID] {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 2)),
	))
	properties.TestingRun(t)
}

func TestCancelTask(t *testing.T) {
	e := newEngine(t, testPolicy(), "a")
	enqueue(t, e, "x", tasks.UrgencyLow)
	enqueue(t, e, "y", tasks.UrgencyLow)
	_, ok := e.AssignNext(t0)
	require.True(t, ok)

	assert.ErrorIs(t, e.CancelTask("x", t0), ErrTaskActive)
	require.NoError(t, e.CancelTask("y", t0))
	assert.ErrorIs(t, e.CancelTask("y", t0), ErrUnknownTask)

	st, _ := e.TaskStatus("y")
	assert.Equal(t, tasks.StatusCancelled, st.Status)
}

func TestExpireStuck(t *testing.T) {
	e := newEngine(t, testPolicy(), "a")
	enqueue(t, e, "x", tasks.UrgencyLow)
	enqueue(t, e, "y", tasks.UrgencyLow)
	_, ok := e.AssignNext(t0)
	require.True(t, ok)

	assert.Empty(t, e.ExpireStuck(t0.Add(time.Hour)))

	expired := e.ExpireStuck(t0.Add(4 * time.Hour))
	require.Len(t, expired, 1)
	assert.Equal(t, "x", expired[0].WorkItemID)
	assert.False(t, expired[0].Success)
	require.NotNil(t, expired[0].Next)
	assert.Equal(t, "y", expired[0].Next.WorkItemID)

	st, _ := e.TaskStatus("x")
	assert.Equal(t, tasks.StatusFailed, st.Status)
	assert.Contains(t, st.Error, "timed out")
}

func TestSetAvailability(t *testing.T) {
	e := newEngine(t, testPolicy(), "a")
	require.NoError(t, e.SetAvailability("a", false))
	enqueue(t, e, "x", tasks.UrgencyLow)
	_, ok := e.AssignNext(t0)
	assert.False(t, ok)
	assert.False(t, e.Available())

	require.NoError(t, e.SetAvailability("a", true))
	_, ok = e.AssignNext(t0)
	assert.True(t, ok)
	assert.ErrorIs(t, e.SetAvailability("a", false), pool.ErrWorkerBusy)
	assert.ErrorIs(t, e.Heartbeat("ghost", t0), pool.ErrUnknownWorker)
}

func TestInitializeRejectedWhileBusy(t *testing.T) {
	e := newEngine(t, testPolicy(), "a")
	enqueue(t, e, "x", tasks.UrgencyLow)
	_, ok := e.AssignNext(t0)
	require.True(t, ok)
	_, err := e.InitializePool([]pool.Candidate{{ID: "b"}}, t0)
	assert.ErrorIs(t, err, ErrPoolBusy)
}

func TestPublishesAssignments(t *testing.T) {
	d := dispatch.NewManager()
	e, err := New(testPolicy(), WithLogger(logging.Discard()), WithPublisher(d))
	require.NoError(t, err)
	_, err = e.InitializePool([]pool.Candidate{{ID: "a"}}, t0)
	require.NoError(t, err)
	enqueue(t, e, "x", tasks.UrgencyLow)

	_, ok := e.AssignNext(t0)
	require.True(t, ok)
	pending := d.DrainPending("a")
	require.Len(t, pending, 1)
	assert.Equal(t, dispatch.EventAssigned, pending[0].Type)
	assert.Equal(t, "x", pending[0].WorkItemID)
}

type sinkRecorder struct{ got []Snapshot }

func (s *sinkRecorder) Submit(snap Snapshot) { s.got = append(s.got, snap) }

func TestSnapshotRestore(t *testing.T) {
	sink := &sinkRecorder{}
	e, err := New(testPolicy(), WithLogger(logging.Discard()), WithSnapshotSink(sink))
	require.NoError(t, err)
	_, err = e.InitializePool([]pool.Candidate{{ID: "a"}, {ID: "b"}}, t0)
	require.NoError(t, err)
	enqueue(t, e, "x", tasks.UrgencyLow)
	enqueue(t, e, "y", tasks.UrgencyHigh)
	enqueue(t, e, "z", tasks.UrgencyLow)
	_, ok := e.AssignNext(t0)
	require.True(t, ok)
	_, err = e.ScheduleTask(ScheduleRequest{Item: tasks.WorkItem{ID: "cal"}, Start: t0, EstimatedHours: 2, PreferredWorkerID: "b"})
	require.NoError(t, err)
	require.NotEmpty(t, sink.got)

	snap := e.Snapshot(t0)
	assert.Equal(t, snap.Workers, sink.got[len(sink.got)-1].Workers)

	restored := newEngine(t, testPolicy())
	require.NoError(t, restored.Restore(snap))

	st := restored.PoolStatus()
	require.Len(t, st.Active, 1)
	assert.Equal(t, "y", st.Active[0].WorkItemID)
	require.Len(t, st.Queue, 2)
	assert.Equal(t, "x", st.Queue[0].ID)
	assert.Len(t, restored.Calendar(), 1)
	b, _ := restored.Worker("b")
	assert.InDelta(t, 2.0, b.ScheduledHours, 1e-9)

	task, ok := restored.TaskStatus("y")
	require.True(t, ok)
	assert.Equal(t, tasks.StatusRunning, task.Status)

	c, ok := restored.CompleteTask("y", Outcome{Success: true, DurationMinutes: 5}, t0)
	require.True(t, ok)
	require.NotNil(t, c.Next)
	assert.Equal(t, "x", c.Next.WorkItemID)

	snap.Version = 99
	assert.Error(t, restored.Restore(snap))
}

func TestStrictInvariantsPanics(t *testing.T) {
	e := newEngine(t, testPolicy(), "a")
	snap := e.Snapshot(t0)
	snap.Active = []Assignment{{WorkItemID: "ghost", WorkerID: "a", Start: t0}}
	assert.Panics(t, func() { _ = e.Restore(snap) })

	lenient := testPolicy()
	lenient.StrictInvariants = false
	e = newEngine(t, lenient, "a")
	assert.NotPanics(t, func() { _ = e.Restore(snap) })
}

func TestCalendarForWorker(t *testing.T) {
	e := newEngine(t, testPolicy(), "a", "b")
	_, err := e.ScheduleTask(ScheduleRequest{Start: t0, EstimatedHours: 1, PreferredWorkerID: "a"})
	require.NoError(t, err)
	_, err = e.ScheduleTask(ScheduleRequest{Start: t0, EstimatedHours: 1, PreferredWorkerID: "b"})
	require.NoError(t, err)
	_, err = e.ScheduleTask(ScheduleRequest{Start: t0.Add(2 * time.Hour), EstimatedHours: 1, PreferredWorkerID: "a"})
	require.NoError(t, err)

	assert.Len(t, e.CalendarFor("a"), 2)
	assert.Len(t, e.CalendarFor("b"), 1)
	assert.Len(t, e.Calendar(), 3)
	assert.Equal(t, calendar.KindWork, e.Calendar()[0].Kind)
}
