// Job queue: single-flight, priority-ordered batches
//
// One job runs at a time. Cancellation of a running job is a flag checked
// between steps, so a step already sent to the board always completes.
//
// Copyright (C) 2026  axi-server authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joeysapp/axi-server-sub001/pkg/device"
	"github.com/joeysapp/axi-server-sub001/pkg/errors"
	"github.com/joeysapp/axi-server-sub001/pkg/log"
	"github.com/joeysapp/axi-server-sub001/pkg/metrics"
)

// Executor runs a batch of steps, calling checkpoint after each one.
type Executor interface {
	Execute(ctx context.Context, steps []device.Step, checkpoint func(done int) error) error
}

// Option configures a Queue.
type Option func(*Queue)

// WithHistory replaces the default in-memory history.
func WithHistory(h HistoryStore) Option {
	return func(q *Queue) { q.history = h }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithMetrics records job outcomes and queue depth.
func WithMetrics(m *metrics.PlotterMetrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue sequences jobs through an Executor.
type Queue struct {
	exec    Executor
	history HistoryStore
	log     *log.Logger
	metrics *metrics.PlotterMetrics
	now     func() time.Time

	mu      sync.Mutex
	pending jobHeap
	live    map[string]*entry
	running *entry
	paused  bool
	seq     uint64

	wake chan struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a stopped queue; call Start to begin processing.
func New(exec Executor, opts ...Option) *Queue {
	q := &Queue{
		exec: exec,
		log:  log.GetLogger("queue"),
		now:  time.Now,
		live: make(map[string]*entry),
		wake: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.history == nil {
		q.history = NewMemoryHistory(DefaultHistorySize)
	}
	return q
}

// Start begins processing in the background until Stop or ctx ends.
func (q *Queue) Start(ctx context.Context) {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.cancel != nil {
		return
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})
	go q.loop(ctx, q.done)
}

// Stop halts processing and waits for the running job to return. A job
// interrupted this way fails.
func (q *Queue) Stop() {
	q.runMu.Lock()
	cancel, done := q.cancel, q.done
	q.cancel, q.done = nil, nil
	q.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Add validates and enqueues a job. It returns at once with the job QUEUED.
func (q *Queue) Add(req Request) (Job, error) {
	if err := device.ValidateSteps(req.Steps); err != nil {
		return Job{}, err
	}
	if req.Type == "" {
		req.Type = "steps"
	}
	if req.Name == "" {
		req.Name = req.Type
	}

	q.mu.Lock()
	q.seq++
	e := &entry{
		Job: Job{
			ID:       uuid.NewString(),
			Name:     req.Name,
			Type:     req.Type,
			Priority: req.Priority,
			Status:   StatusQueued,
			Total:    len(req.Steps),
			Created:  q.now(),
		},
		steps: req.Steps,
		seq:   q.seq,
		done:  make(chan struct{}),
	}
	heap.Push(&q.pending, e)
	q.live[e.ID] = e
	depth := q.pending.Len()
	job := e.Job
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	q.log.WithFields(log.Fields{"job": job.ID, "name": job.Name, "priority": job.Priority.String(), "steps": job.Total}).Info("job queued")
	q.signal()
	return job, nil
}

// Cancel cancels a queued job at once, or asks a running job to stop at
// its next checkpoint.
func (q *Queue) Cancel(ctx context.Context, id string) (Job, error) {
	q.mu.Lock()
	e, ok := q.live[id]
	if !ok {
		q.mu.Unlock()
		job, err := q.history.Get(ctx, id)
		if err != nil {
			return Job{}, err
		}
		return job, errors.InvalidState("cancel", string(job.Status))
	}
	if e.Status.Terminal() {
		job := e.Job
		q.mu.Unlock()
		return job, errors.InvalidState("cancel", string(job.Status))
	}
	if e.Status == StatusRunning {
		e.cancelled = true
		job := e.Job
		q.mu.Unlock()
		q.log.WithField("job", id).Info("cancel requested")
		return job, nil
	}
	heap.Remove(&q.pending, e.index)
	q.finishLocked(e, StatusCancelled, "")
	job := e.Job
	depth := q.pending.Len()
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	q.retire(ctx, e, job)
	return job, nil
}

// Clear cancels every queued job and returns how many were cancelled. A
// running job is not affected.
func (q *Queue) Clear(ctx context.Context) int {
	q.mu.Lock()
	var cancelled []*entry
	var jobs []Job
	for q.pending.Len() > 0 {
		e := heap.Pop(&q.pending).(*entry)
		q.finishLocked(e, StatusCancelled, "")
		cancelled = append(cancelled, e)
		jobs = append(jobs, e.Job)
	}
	q.mu.Unlock()

	q.metrics.SetQueueDepth(0)
	for i, e := range cancelled {
		q.retire(ctx, e, jobs[i])
	}
	return len(cancelled)
}

// Pause stops new jobs from starting. A running job continues.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume lets queued jobs start again.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.signal()
}

// Get returns a live job or one from history.
func (q *Queue) Get(ctx context.Context, id string) (Job, error) {
	q.mu.Lock()
	if e, ok := q.live[id]; ok {
		job := e.Job
		q.mu.Unlock()
		return job, nil
	}
	q.mu.Unlock()
	return q.history.Get(ctx, id)
}

// Wait blocks until the job is terminal and returns its final snapshot.
func (q *Queue) Wait(ctx context.Context, id string) (Job, error) {
	q.mu.Lock()
	e, ok := q.live[id]
	q.mu.Unlock()
	if ok {
		select {
		case <-e.done:
		case <-ctx.Done():
			return Job{}, ctx.Err()
		}
	}
	return q.Get(ctx, id)
}

// Snapshot is the queue's current contents.
type Snapshot struct {
	Paused  bool  `json:"paused"`
	Running *Job  `json:"running,omitempty"`
	Queued  []Job `json:"queued"`
}

// Snapshot returns the running job and the queued jobs in run order.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Snapshot{Paused: q.paused, Queued: make([]Job, 0, q.pending.Len())}
	if q.running != nil {
		job := q.running.Job
		s.Running = &job
	}
	for _, e := range sortedCopy(q.pending) {
		s.Queued = append(s.Queued, e.Job)
	}
	return s
}

// sortedCopy returns the entries in run order without disturbing the heap.
func sortedCopy(h jobHeap) []*entry {
	out := make([]*entry, 0, len(h))
	scratch := make([]*entry, len(h))
	copy(scratch, h)
	for len(scratch) > 0 {
		best := 0
		for i := range scratch {
			if jobHeap(scratch).Less(i, best) {
				best = i
			}
		}
		out = append(out, scratch[best])
		scratch = append(scratch[:best], scratch[best+1:]...)
	}
	return out
}

// History lists terminal jobs newest first.
func (q *Queue) History(ctx context.Context, limit int) ([]Job, error) {
	return q.history.List(ctx, limit)
}

func (q *Queue) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if e := q.next(); e != nil {
			q.run(ctx, e)
			continue
		}
		select {
		case <-q.wake:
		case <-ctx.Done():
			return
		}
	}
}

// next pops the highest priority job unless paused or already running.
func (q *Queue) next() *entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused || q.running != nil || q.pending.Len() == 0 {
		return nil
	}
	e := heap.Pop(&q.pending).(*entry)
	started := q.now()
	e.Status = StatusRunning
	e.Started = &started
	q.running = e
	q.metrics.SetQueueDepth(q.pending.Len())
	return e
}

func (q *Queue) run(ctx context.Context, e *entry) {
	q.log.WithFields(log.Fields{"job": e.ID, "name": e.Name}).Info("job started")

	checkpoint := func(done int) error {
		q.mu.Lock()
		defer q.mu.Unlock()
		e.setProgress(done)
		if e.cancelled {
			return errors.Cancelled(e.ID)
		}
		return nil
	}

	var err error
	if err = checkpoint(0); err == nil {
		err = q.execute(ctx, e.steps, checkpoint)
	}

	status, msg := StatusCompleted, ""
	switch {
	case err == nil:
	case errors.Is(err, errors.ErrJobCancelled):
		status = StatusCancelled
	default:
		status, msg = StatusFailed, err.Error()
	}

	q.mu.Lock()
	q.running = nil
	q.finishLocked(e, status, msg)
	job := e.Job
	q.mu.Unlock()

	event := q.log.WithFields(log.Fields{"job": job.ID, "status": string(job.Status), "done": job.Done, "total": job.Total})
	if status == StatusFailed {
		event.WithError(err).Error("job failed")
	} else {
		event.Info("job finished")
	}
	q.retire(context.WithoutCancel(ctx), e, job)
}

// execute shields the queue from a panicking executor.
func (q *Queue) execute(ctx context.Context, steps []device.Step, checkpoint func(int) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()
	return q.exec.Execute(ctx, steps, checkpoint)
}

// finishLocked makes e terminal. q.mu is held.
func (q *Queue) finishLocked(e *entry, status Status, msg string) {
	finished := q.now()
	e.Status = status
	e.Error = msg
	e.Finished = &finished
	q.metrics.JobFinished(string(status))
}

// retire moves a terminal job from the live set into history. The job
// stays visible through Get until the history write has returned.
func (q *Queue) retire(ctx context.Context, e *entry, job Job) {
	if err := q.history.Add(ctx, job); err != nil {
		q.log.WithError(err).WithField("job", job.ID).Warn("job history write failed")
	}
	q.mu.Lock()
	delete(q.live, e.ID)
	q.mu.Unlock()
	close(e.done)
}
