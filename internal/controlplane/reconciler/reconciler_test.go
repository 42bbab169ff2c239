package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VerteraIO/agentplane/internal/controlplane/pool"
	"github.com/VerteraIO/agentplane/internal/controlplane/scheduler"
	"github.com/VerteraIO/agentplane/internal/controlplane/tasks"
	"github.com/VerteraIO/agentplane/internal/logging"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeEngine struct {
	expired    int
	rebalances int
	available  bool
}

func (f *fakeEngine) ExpireStuck(time.Time) []scheduler.Completion {
	f.expired++
	return nil
}

func (f *fakeEngine) Rebalance(time.Time) scheduler.RebalanceResult {
	f.rebalances++
	return scheduler.RebalanceResult{}
}

func (f *fakeEngine) Available() bool { return f.available }

type healthRecorder struct{ states []bool }

func (h *healthRecorder) SetServing(s bool) { h.states = append(h.states, s) }

func TestTickRebalancesOnInterval(t *testing.T) {
	eng := &fakeEngine{available: true}
	h := &healthRecorder{}
	r := New(Config{Interval: time.Second, RebalanceInterval: time.Minute}, eng, h, logging.Discard())

	r.Tick(t0)
	r.Tick(t0.Add(30 * time.Second))
	r.Tick(t0.Add(time.Minute))

	assert.Equal(t, 3, eng.expired)
	assert.Equal(t, 2, eng.rebalances)
	assert.Equal(t, []bool{true, true, true}, h.states)
}

func TestTickWithRebalanceDisabled(t *testing.T) {
	eng := &fakeEngine{}
	r := New(Config{Interval: time.Second}, eng, nil, logging.Discard())
	r.Tick(t0)
	r.Tick(t0.Add(time.Hour))
	assert.Zero(t, eng.rebalances)
	assert.Equal(t, 2, eng.expired)
}

func TestTickExpiresEngineAssignments(t *testing.T) {
	policy := scheduler.DefaultPolicy()
	policy.AssignmentTimeout = time.Hour
	e, err := scheduler.New(policy, scheduler.WithLogger(logging.Discard()))
	require.NoError(t, err)
	_, err = e.InitializePool([]pool.Candidate{{ID: "a"}}, t0)
	require.NoError(t, err)
	_, err = e.QueueTask(tasks.WorkItem{ID: "t1", Title: "stuck"}, t0)
	require.NoError(t, err)
	_, ok := e.AssignNext(t0)
	require.True(t, ok)

	h := &healthRecorder{}
	r := New(DefaultConfig(), e, h, logging.Discard())
	r.Tick(t0.Add(30 * time.Minute))
	assert.Equal(t, []bool{false}, h.states)

	r.Tick(t0.Add(2 * time.Hour))
	task, ok := e.TaskStatus("t1")
	require.True(t, ok)
	assert.Equal(t, tasks.StatusFailed, task.Status)
	assert.Equal(t, []bool{false, true}, h.states)
}

func TestRunStopsOnCancel(t *testing.T) {
	eng := &fakeEngine{available: true}
	r := New(Config{Interval: 10 * time.Millisecond}, eng, nil, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{Interval: time.Second, RebalanceInterval: -time.Second}.Validate())
}
