package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeysapp/axi-server-sub001/pkg/errors"
)

// runHistoryContract exercises a store that retains three jobs.
func runHistoryContract(t *testing.T, store HistoryStore) {
	ctx := context.Background()
	finished := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i := 1; i <= 4; i++ {
		require.NoError(t, store.Add(ctx, Job{
			ID:       fmt.Sprintf("job-%d", i),
			Name:     "plot",
			Priority: PriorityHigh,
			Status:   StatusCompleted,
			Total:    i,
			Done:     i,
			Progress: 100,
			Finished: &finished,
		}))
	}

	all, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"job-4", "job-3", "job-2"}, []string{all[0].ID, all[1].ID, all[2].ID})

	two, err := store.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, two, 2)

	got, err := store.Get(ctx, "job-3")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, got.Priority)
	assert.Equal(t, 3, got.Done)
	require.NotNil(t, got.Finished)
	assert.True(t, finished.Equal(*got.Finished))

	_, err = store.Get(ctx, "job-1")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestMemoryHistory(t *testing.T) {
	runHistoryContract(t, NewMemoryHistory(3))
}

func TestRedisHistory(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	store := NewRedisHistoryFromClient(client, WithLimit(3), WithKey("test:jobs"))
	defer store.Close()
	require.NoError(t, store.Ping(context.Background()))

	runHistoryContract(t, store)
	assert.True(t, mr.Exists("test:jobs"))
}

func TestQueueWritesRedisHistory(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	store := NewRedisHistory(mr.Addr(), "", 0)
	defer store.Close()
	q := startQueue(t, &fakeExecutor{}, WithHistory(store))

	job, err := q.Add(Request{Steps: moves(1)})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, wait(t, q, job.ID).Status)

	hist, err := q.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, job.ID, hist[0].ID)
}
