package client

import (
	"context"
	"testing"
	"time"

	"github.com/arkfield/fdb/pkg/fdberr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLimiterAdmitsWithinBudget(t *testing.T) {
	l := NewReadLimiter(100)
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, 60))
	require.NoError(t, l.Reserve(ctx, 40))
	l.Release(60)
	l.Release(40)
}

func TestReadLimiterRejectsOversizedRequest(t *testing.T) {
	l := NewReadLimiter(100)

	err := l.Reserve(context.Background(), 101)
	require.Error(t, err)
	assert.True(t, fdberr.Is(err, fdberr.Capacity))
}

func TestReadLimiterBlocksUntilReleased(t *testing.T) {
	l := NewReadLimiter(100)
	ctx := context.Background()
	require.NoError(t, l.Reserve(ctx, 80))

	admitted := make(chan struct{})
	go func() {
		defer close(admitted)
		_ = l.Reserve(ctx, 50)
	}()

	select {
	case <-admitted:
		t.Fatal("reservation admitted past the budget")
	case <-time.After(50 * time.Millisecond):
	}

	l.Release(80)
	select {
	case <-admitted:
	case <-time.After(5 * time.Second):
		t.Fatal("reservation never admitted after release")
	}
}

func TestReadLimiterReserveHonoursContext(t *testing.T) {
	l := NewReadLimiter(100)
	require.NoError(t, l.Reserve(context.Background(), 100))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Reserve(ctx, 1)
	assert.Error(t, err)
}

func TestQueueLengthEnvOverrides(t *testing.T) {
	t.Setenv("FDB_REMOTE_ARCHIVE_QUEUE_LENGTH", "7")
	t.Setenv("FDB_REMOTE_RETRIEVE_QUEUE_LENGTH", "3")
	assert.Equal(t, 7, archiveQueueLength())
	assert.Equal(t, 3, retrieveQueueLength())

	t.Setenv("FDB_REMOTE_ARCHIVE_QUEUE_LENGTH", "not-a-number")
	assert.Equal(t, defaultArchiveQueueLength, archiveQueueLength())
}
