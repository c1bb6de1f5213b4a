package transcode

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Limiter admits at most a fixed number of concurrent encodes.
type Limiter struct {
	sem  *semaphore.Weighted
	wait time.Duration
}

// NewLimiter allows max concurrent encodes. A caller waits up to wait for a
// free slot; a zero wait only tries once.
func NewLimiter(max int, wait time.Duration) *Limiter {
	if max < 1 {
		max = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(max)), wait: wait}
}

// Acquire reserves a slot for jobID. The returned func must be called once
// the encode is over; calling it again is a no-op.
func (l *Limiter) Acquire(ctx context.Context, jobID string) (func(), error) {
	if l.wait <= 0 {
		if !l.sem.TryAcquire(1) {
			return nil, busyError(jobID, nil)
		}
		return l.releaser(), nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()
	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		return nil, busyError(jobID, err)
	}
	return l.releaser(), nil
}

func (l *Limiter) releaser() func() {
	return sync.OnceFunc(func() { l.sem.Release(1) })
}

func busyError(jobID string, err error) *Error {
	return &Error{
		Kind:    KindUnavailable,
		Stage:   StageAdmit,
		JobID:   jobID,
		Message: "transcoder busy, retry later",
		Err:     err,
	}
}
