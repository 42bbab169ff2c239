package pool

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func candidates(n int) []Candidate {
	out := make([]Candidate, n)
	for i := range out {
		out[i] = Candidate{ID: fmt.Sprintf("w%02d", i), Name: fmt.Sprintf("Worker %d", i)}
	}
	return out
}

func TestInitializeCapsPool(t *testing.T) {
	p := New(DefaultConfig())
	n := p.Initialize(candidates(15), t0)
	assert.Equal(t, 10, n)
	assert.Equal(t, 10, p.Len())

	_, ok := p.Get("w09")
	assert.True(t, ok)
	_, ok = p.Get("w10")
	assert.False(t, ok)
}

func TestInitializeSeedsDefaults(t *testing.T) {
	p := New(DefaultConfig())
	p.Initialize([]Candidate{{ID: "a"}, {ID: "a"}, {ID: ""}, {ID: "b", MaxHoursPerWeek: 20, LoadTier: LoadHeavy}}, t0)
	require.Equal(t, 2, p.Len())

	a, _ := p.Get("a")
	assert.Equal(t, "a", a.Name)
	assert.Equal(t, StateIdle, a.State)
	assert.Equal(t, 0, a.CompletedCount)
	assert.Equal(t, 100.0, a.SuccessRate)
	assert.Equal(t, 30.0, a.AvgCompletionMinutes)
	assert.Equal(t, 40.0, a.MaxHoursPerWeek)
	assert.Equal(t, LoadMedium, a.LoadTier)
	assert.Equal(t, 100.0, a.Capacity)

	b, _ := p.Get("b")
	assert.Equal(t, 20.0, b.MaxHoursPerWeek)
	assert.Equal(t, LoadHeavy, b.LoadTier)
}

func TestJoin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cap = 2
	p := New(cfg)
	p.Initialize(candidates(1), t0)

	w, err := p.Join(Candidate{ID: "late"}, t0)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, w.State)

	_, err = p.Join(Candidate{ID: "late"}, t0)
	assert.ErrorIs(t, err, ErrDuplicateWorker)
	_, err = p.Join(Candidate{ID: "extra"}, t0)
	assert.ErrorIs(t, err, ErrPoolFull)
}

func TestScore(t *testing.T) {
	p := New(DefaultConfig())
	fresh := Worker{SuccessRate: 100, LastHeartbeat: t0}
	// 0.5*100 + 0.3*100 + 0.2*100
	assert.InDelta(t, 100.0, p.Score(fresh, t0), 1e-9)

	stale := Worker{SuccessRate: 80, CompletedCount: 3, LastHeartbeat: t0.Add(-30 * time.Minute)}
	// 0.5*80 + 0.3*70 + 0.2*25
	assert.InDelta(t, 66.0, p.Score(stale, t0), 1e-9)

	ancient := Worker{SuccessRate: 0, CompletedCount: 0, LastHeartbeat: t0.Add(-48 * time.Hour)}
	assert.InDelta(t, 20.0, p.Score(ancient, t0), 1e-9)
}

func TestBestIdleWorker(t *testing.T) {
	p := New(DefaultConfig())
	p.Initialize([]Candidate{{ID: "c"}, {ID: "b"}, {ID: "a"}}, t0)

	best, ok := p.BestIdleWorker(t0)
	require.True(t, ok)
	assert.Equal(t, "a", best.ID, "ties go to the smallest id")

	require.NoError(t, p.MarkBusy("a", "item-1"))
	_, err := p.RecordOutcome("b", false, 0)
	require.NoError(t, err)

	best, ok = p.BestIdleWorker(t0)
	require.True(t, ok)
	assert.Equal(t, "c", best.ID)

	require.NoError(t, p.MarkBusy("b", "item-2"))
	require.NoError(t, p.MarkBusy("c", "item-3"))
	_, ok = p.BestIdleWorker(t0)
	assert.False(t, ok)
}

func TestMarkBusyAndIdle(t *testing.T) {
	p := New(DefaultConfig())
	p.Initialize(candidates(1), t0)

	require.NoError(t, p.MarkBusy("w00", "item"))
	w, _ := p.Get("w00")
	assert.Equal(t, StateActive, w.State)
	assert.Equal(t, "item", w.CurrentWorkItemID)

	assert.ErrorIs(t, p.MarkBusy("w00", "other"), ErrWorkerNotIdle)
	assert.ErrorIs(t, p.MarkBusy("ghost", "other"), ErrUnknownWorker)

	require.NoError(t, p.MarkIdle("w00"))
	w, _ = p.Get("w00")
	assert.Equal(t, StateIdle, w.State)
	assert.Empty(t, w.CurrentWorkItemID)
}

func TestRecordOutcome(t *testing.T) {
	p := New(DefaultConfig())
	p.Initialize(candidates(1), t0)

	w, err := p.RecordOutcome("w00", true, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, w.CompletedCount)
	assert.InDelta(t, 10.0, w.AvgCompletionMinutes, 1e-9)
	assert.InDelta(t, 100.0, w.SuccessRate, 1e-9)

	w, _ = p.RecordOutcome("w00", true, 20)
	assert.InDelta(t, 15.0, w.AvgCompletionMinutes, 1e-9)

	w, _ = p.RecordOutcome("w00", false, 99)
	assert.Equal(t, 2, w.CompletedCount)
	assert.InDelta(t, 15.0, w.AvgCompletionMinutes, 1e-9)
	assert.InDelta(t, 95.0, w.SuccessRate, 1e-9)

	w, _ = p.RecordOutcome("w00", true, 15)
	assert.InDelta(t, 95.5, w.SuccessRate, 1e-9)

	_, err = p.RecordOutcome("ghost", true, 1)
	assert.ErrorIs(t, err, ErrUnknownWorker)
}

func TestSuccessRateStaysInBounds(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("success rate within [0, 100]", prop.ForAll(
		func(outcomes []bool) bool {
			p := New(DefaultConfig())
			p.Initialize(candidates(1), t0)
			for _, ok := range outcomes {
				w, err := p.RecordOutcome("w00", ok, 5)
				if err != nil || w.SuccessRate < 0 || w.SuccessRate > 100 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

func TestSetAvailable(t *testing.T) {
	p := New(DefaultConfig())
	p.Initialize(candidates(2), t0)

	require.NoError(t, p.SetAvailable("w00", false))
	w, _ := p.Get("w00")
	assert.Equal(t, StateUnavailable, w.State)
	assert.Len(t, p.ListIdle(), 1)

	require.NoError(t, p.SetAvailable("w00", true))
	w, _ = p.Get("w00")
	assert.Equal(t, StateIdle, w.State)

	require.NoError(t, p.MarkBusy("w01", "x"))
	assert.ErrorIs(t, p.SetAvailable("w01", false), ErrWorkerBusy)
	assert.ErrorIs(t, p.SetAvailable("ghost", true), ErrUnknownWorker)
}

func TestBlocksTrackCapacity(t *testing.T) {
	p := New(DefaultConfig())
	p.Initialize(candidates(1), t0)

	require.NoError(t, p.AddBlock("w00", TimeBlock{EventID: "e1", Start: t0, End: t0.Add(10 * time.Hour)}))
	require.NoError(t, p.AddBlock("w00", TimeBlock{EventID: "e2", Start: t0.Add(24 * time.Hour), End: t0.Add(54 * time.Hour)}))
	w, _ := p.Get("w00")
	assert.InDelta(t, 40.0, w.ScheduledHours, 1e-9)
	assert.InDelta(t, 0.0, w.Capacity, 1e-9)
	assert.Len(t, w.BusyBlocks, 2)

	removed, err := p.RemoveBlock("w00", "e1")
	require.NoError(t, err)
	assert.True(t, removed)
	w, _ = p.Get("w00")
	assert.InDelta(t, 30.0, w.ScheduledHours, 1e-9)
	assert.InDelta(t, 25.0, w.Capacity, 1e-9)

	removed, err = p.RemoveBlock("w00", "e1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestGetReturnsCopy(t *testing.T) {
	p := New(DefaultConfig())
	p.Initialize(candidates(1), t0)
	require.NoError(t, p.AddBlock("w00", TimeBlock{EventID: "e1", Start: t0, End: t0.Add(time.Hour)}))

	w, _ := p.Get("w00")
	w.BusyBlocks[0].EventID = "mutated"
	w.SuccessRate = 0

	again, _ := p.Get("w00")
	assert.Equal(t, "e1", again.BusyBlocks[0].EventID)
	assert.Equal(t, 100.0, again.SuccessRate)
}

func TestTimeBlockOverlaps(t *testing.T) {
	b := TimeBlock{Start: t0, End: t0.Add(time.Hour)}
	assert.True(t, b.Overlaps(t0.Add(30*time.Minute), t0.Add(90*time.Minute)))
	assert.False(t, b.Overlaps(t0.Add(time.Hour), t0.Add(2*time.Hour)))
	assert.False(t, b.Overlaps(t0.Add(-time.Hour), t0))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Cap = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.SuccessWeight = 0.9
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.FailureRetain = 1.5
	assert.Error(t, bad.Validate())
}
