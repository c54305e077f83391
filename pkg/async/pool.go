package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/divio/ac-wheelsproxy/pkg/observability"
)

// BoundedSubmit consumes arguments from next and runs them through fn,
// keeping at most concurrency jobs in flight. Results are delivered on the
// returned channel in submission (FIFO) order: on each completion the oldest
// job's result is emitted and the next argument, if any, is submitted. The
// channel is closed once every submitted job has completed or ctx is
// cancelled.
func BoundedSubmit[A, R any](ctx context.Context, concurrency int, next func() (A, bool), fn func(context.Context, A) R) <-chan R {
	if concurrency < 1 {
		concurrency = 1
	}
	out := make(chan R)

	submit := func() (chan R, bool) {
		arg, ok := next()
		if !ok {
			return nil, false
		}
		done := make(chan R, 1)
		go func() {
			done <- fn(ctx, arg)
		}()
		return done, true
	}

	go func() {
		defer close(out)

		var inflight []chan R
		for len(inflight) < concurrency {
			done, ok := submit()
			if !ok {
				break
			}
			inflight = append(inflight, done)
		}

		for len(inflight) > 0 {
			head := inflight[0]
			inflight = inflight[1:]

			var result R
			select {
			case result = <-head:
			case <-ctx.Done():
				return
			}

			if done, ok := submit(); ok {
				inflight = append(inflight, done)
			}

			select {
			case out <- result:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// SliceArgs adapts a slice into the argument iterator BoundedSubmit expects.
func SliceArgs[A any](args []A) func() (A, bool) {
	i := 0
	return func() (A, bool) {
		if i >= len(args) {
			var zero A
			return zero, false
		}
		arg := args[i]
		i++
		return arg, true
	}
}

// Chunks splits items into consecutive batches of at most size elements.
func Chunks[T any](items []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	var chunks [][]T
	for len(items) > 0 {
		n := size
		if len(items) < n {
			n = len(items)
		}
		chunks = append(chunks, items[:n])
		items = items[n:]
	}
	return chunks
}

// SafeGo runs fn in a goroutine with a bounded lifetime, reporting panics
// and errors through the structured logger. Used for work a request hands
// off and does not wait for: background build scheduling, artifact reaping.
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	taskLogger := logger.WithField("task", taskName)
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				taskLogger.WithField("panic", fmt.Sprint(r)).
					WithField("stack", string(debug.Stack())).
					Error("background task panicked")
			}
		}()

		if err := fn(ctx); err != nil {
			taskLogger.WithError(err).Warn("background task failed")
		}
	}()
}
