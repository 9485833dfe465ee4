package client

import (
	"context"

	"github.com/arkfield/fdb/pkg/fdberr"
	"golang.org/x/sync/semaphore"
)

// ReadLimiter bounds the total bytes buffered for all in-flight
// server-pushed retrievals in one process. Every Read
// request declares its expected byte size up front (from the
// FieldLocation's Length); requests beyond the budget wait for room.
//
// A single process-wide ReadLimiter is shared by every RemoteStore the
// process opens. It is constructed explicitly and passed in rather
// than reached for as a package var.
type ReadLimiter struct {
	sem   *semaphore.Weighted
	limit int64
}

// NewReadLimiter returns a ReadLimiter admitting at most limitBytes of
// outstanding retrieval data at once.
func NewReadLimiter(limitBytes int64) *ReadLimiter {
	return &ReadLimiter{sem: semaphore.NewWeighted(limitBytes), limit: limitBytes}
}

// Reserve blocks until size bytes of budget are available, or ctx is
// done. A single request larger than the entire budget can never be
// admitted and fails fast as a Capacity error rather than deadlocking.
func (l *ReadLimiter) Reserve(ctx context.Context, size int64) error {
	if size > l.limit {
		return fdberr.Newf(fdberr.Capacity, "client.ReadLimiter.Reserve",
			"request of %d bytes exceeds read-limiter budget of %d", size, l.limit)
	}
	if err := l.sem.Acquire(ctx, size); err != nil {
		return fdberr.New(fdberr.Transport, "client.ReadLimiter.Reserve", err)
	}
	return nil
}

// Release returns size bytes of budget once the caller has consumed
// (or discarded) the data they were reserved for.
func (l *ReadLimiter) Release(size int64) {
	l.sem.Release(size)
}
