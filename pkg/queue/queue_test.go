package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeysapp/axi-server-sub001/pkg/channel"
	"github.com/joeysapp/axi-server-sub001/pkg/device"
	"github.com/joeysapp/axi-server-sub001/pkg/ebbsim"
	"github.com/joeysapp/axi-server-sub001/pkg/errors"
	"github.com/joeysapp/axi-server-sub001/pkg/log"
)

// fakeExecutor records each step it runs. Steps with X == failX fail;
// before runs ahead of every step.
type fakeExecutor struct {
	mu     sync.Mutex
	ran    []device.Step
	failX  float64
	before func(step device.Step)
}

func (f *fakeExecutor) Execute(ctx context.Context, steps []device.Step, checkpoint func(int) error) error {
	for i, s := range steps {
		if f.before != nil {
			f.before(s)
		}
		if f.failX != 0 && s.X == f.failX {
			return errors.Timeout("SM", time.Second)
		}
		f.mu.Lock()
		f.ran = append(f.ran, s)
		f.mu.Unlock()
		if err := checkpoint(i + 1); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeExecutor) xs() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]float64, len(f.ran))
	for i, s := range f.ran {
		out[i] = s.X
	}
	return out
}

func moves(xs ...float64) []device.Step {
	out := make([]device.Step, len(xs))
	for i, x := range xs {
		out[i] = device.Step{Kind: device.StepMove, X: x}
	}
	return out
}

func startQueue(t *testing.T, exec Executor, opts ...Option) *Queue {
	t.Helper()
	q := New(exec, append([]Option{WithLogger(log.Discard())}, opts...)...)
	q.Start(context.Background())
	t.Cleanup(q.Stop)
	return q
}

func wait(t *testing.T, q *Queue, id string) Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := q.Wait(ctx, id)
	require.NoError(t, err)
	return job
}

func TestPriorityOrder(t *testing.T) {
	exec := &fakeExecutor{}
	q := startQueue(t, exec)
	q.Pause()

	low, err := q.Add(Request{Name: "low", Priority: PriorityLow, Steps: moves(1)})
	require.NoError(t, err)
	high, err := q.Add(Request{Name: "high", Priority: PriorityHigh, Steps: moves(2)})
	require.NoError(t, err)
	normal, err := q.Add(Request{Name: "normal", Priority: PriorityNormal, Steps: moves(3)})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, low.Status)

	snap := q.Snapshot()
	require.Len(t, snap.Queued, 3)
	assert.Equal(t, []string{"high", "normal", "low"}, []string{snap.Queued[0].Name, snap.Queued[1].Name, snap.Queued[2].Name})

	q.Resume()
	for _, id := range []string{low.ID, high.ID, normal.ID} {
		assert.Equal(t, StatusCompleted, wait(t, q, id).Status)
	}
	assert.Equal(t, []float64{2, 3, 1}, exec.xs())
}

func TestFIFOWithinPriority(t *testing.T) {
	exec := &fakeExecutor{}
	q := startQueue(t, exec)
	q.Pause()
	var ids []string
	for i := 1; i <= 4; i++ {
		job, err := q.Add(Request{Priority: PriorityNormal, Steps: moves(float64(i))})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	q.Resume()
	wait(t, q, ids[3])
	assert.Equal(t, []float64{1, 2, 3, 4}, exec.xs())
}

func TestAddRejectsInvalidSteps(t *testing.T) {
	q := New(&fakeExecutor{}, WithLogger(log.Discard()))
	_, err := q.Add(Request{})
	assert.True(t, errors.Is(err, errors.ErrValidation))
	_, err = q.Add(Request{Steps: []device.Step{{Kind: "teleport"}}})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestFailureFailsOnlyThatJob(t *testing.T) {
	exec := &fakeExecutor{failX: 99}
	q := startQueue(t, exec)
	q.Pause()
	bad, err := q.Add(Request{Steps: moves(1, 99, 2)})
	require.NoError(t, err)
	good, err := q.Add(Request{Steps: moves(5)})
	require.NoError(t, err)
	q.Resume()

	failed := wait(t, q, bad.ID)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "TIMEOUT")
	assert.Equal(t, 1, failed.Done)
	assert.InDelta(t, 100.0/3, failed.Progress, 1e-9)
	require.NotNil(t, failed.Finished)

	assert.Equal(t, StatusCompleted, wait(t, q, good.ID).Status)
	assert.Equal(t, []float64{1, 5}, exec.xs())
}

func TestCancelQueuedJob(t *testing.T) {
	q := startQueue(t, &fakeExecutor{})
	q.Pause()
	job, err := q.Add(Request{Steps: moves(1)})
	require.NoError(t, err)

	got, err := q.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Empty(t, q.Snapshot().Queued)

	_, err = q.Cancel(context.Background(), job.ID)
	assert.True(t, errors.Is(err, errors.ErrInvalidState))
	_, err = q.Cancel(context.Background(), "nope")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	hist, err := q.History(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, job.ID, hist[0].ID)
}

func TestClearCancelsQueuedOnly(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	exec := &fakeExecutor{before: func(s device.Step) {
		if s.X == 1 {
			started <- struct{}{}
			<-release
		}
	}}
	q := startQueue(t, exec)
	running, err := q.Add(Request{Steps: moves(1)})
	require.NoError(t, err)
	<-started
	for i := 0; i < 3; i++ {
		_, err := q.Add(Request{Steps: moves(2)})
		require.NoError(t, err)
	}

	assert.Equal(t, 3, q.Clear(context.Background()))
	close(release)
	assert.Equal(t, StatusCompleted, wait(t, q, running.ID).Status)
	assert.Equal(t, []float64{1}, exec.xs())
}

func TestPauseDoesNotDisturbRunningJob(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	exec := &fakeExecutor{before: func(s device.Step) {
		if s.X == 1 {
			started <- struct{}{}
			<-release
		}
	}}
	q := startQueue(t, exec)
	first, err := q.Add(Request{Steps: moves(1, 2)})
	require.NoError(t, err)
	<-started
	q.Pause()
	second, err := q.Add(Request{Steps: moves(3)})
	require.NoError(t, err)

	snap := q.Snapshot()
	require.NotNil(t, snap.Running)
	assert.Equal(t, first.ID, snap.Running.ID)
	assert.True(t, snap.Paused)

	close(release)
	assert.Equal(t, StatusCompleted, wait(t, q, first.ID).Status)

	got, err := q.Get(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)

	q.Resume()
	assert.Equal(t, StatusCompleted, wait(t, q, second.ID).Status)
}

func TestPanickingExecutorFailsJob(t *testing.T) {
	exec := &fakeExecutor{before: func(s device.Step) {
		if s.X == 7 {
			panic("boom")
		}
	}}
	q := startQueue(t, exec)
	bad, err := q.Add(Request{Steps: moves(7)})
	require.NoError(t, err)
	got := wait(t, q, bad.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Error, "boom")

	good, err := q.Add(Request{Steps: moves(1)})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, wait(t, q, good.ID).Status)
}

// Cancelling while the second of three moves is on the board: the first
// two complete, the third is never sent.
func TestCancelRunningJobAtCheckpoint(t *testing.T) {
	board := ebbsim.New()
	ch := channel.New(channel.WithOpener(board.Dial), channel.WithLogger(log.Discard()))
	t.Cleanup(func() { ch.Close() })
	cfg := device.DefaultConfig()
	cfg.Port = "sim0"
	cfg.Heartbeat = 0
	ctrl, err := device.New(ch, cfg, device.WithLogger(log.Discard()))
	require.NoError(t, err)

	inFlight := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	count := 0
	board.SetHook(func(line string) {
		if !strings.HasPrefix(line, "SM,") {
			return
		}
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		if n == 2 {
			close(inFlight)
			<-release
		}
	})

	q := startQueue(t, ctrl)
	job, err := q.Add(Request{Name: "abc", Steps: moves(1, 1, 1)})
	require.NoError(t, err)

	select {
	case <-inFlight:
	case <-time.After(5 * time.Second):
		t.Fatal("second move never reached the board")
	}
	got, err := q.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	close(release)

	final := wait(t, q, job.ID)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.Equal(t, 2, final.Done)
	assert.Len(t, board.Lines("SM"), 2)
	assert.Equal(t, device.StateReady, ctrl.State())
}

func TestPriorityJSON(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Priority
	}{
		{`"high"`, PriorityHigh},
		{`"LOW"`, PriorityLow},
		{`7`, Priority(7)},
		{`"3"`, Priority(3)},
	} {
		var p Priority
		require.NoError(t, p.UnmarshalJSON([]byte(tc.in)), tc.in)
		assert.Equal(t, tc.want, p, tc.in)
	}
	var p Priority
	assert.Error(t, p.UnmarshalJSON([]byte(`"urgent"`)))

	b, err := PriorityNormal.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"normal"`, string(b))
	b, err = Priority(7).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `7`, string(b))
	assert.Equal(t, "7", fmt.Sprint(Priority(7)))
}
