package async

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divio/ac-wheelsproxy/pkg/observability"
)

func TestBoundedSubmitOrdering(t *testing.T) {
	args := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

	// Make earlier jobs slower than later ones; results must still arrive
	// in submission order.
	results := BoundedSubmit(context.Background(), 3, SliceArgs(args), func(_ context.Context, n int) int {
		time.Sleep(time.Duration(10-n) * time.Millisecond)
		return n * 2
	})

	var got []int
	for r := range results {
		got = append(got, r)
	}
	assert.Equal(t, []int{0, 2, 4, 6, 8, 10, 12, 14, 16, 18}, got)
}

func TestBoundedSubmitConcurrencyLimit(t *testing.T) {
	var active, peak int32
	var mu sync.Mutex

	args := make([]int, 50)
	results := BoundedSubmit(context.Background(), 5, SliceArgs(args), func(_ context.Context, _ int) struct{} {
		n := atomic.AddInt32(&active, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&active, -1)
		return struct{}{}
	})

	count := 0
	for range results {
		count++
	}
	require.Equal(t, 50, count)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, int32(5))
}

func TestBoundedSubmitEmpty(t *testing.T) {
	results := BoundedSubmit(context.Background(), 4, SliceArgs(nil), func(_ context.Context, _ int) int {
		t.Fatal("should not be called")
		return 0
	})
	_, open := <-results
	assert.False(t, open)
}

func TestBoundedSubmitCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	args := make([]int, 100)
	results := BoundedSubmit(ctx, 2, SliceArgs(args), func(ctx context.Context, _ int) int {
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
		}
		return 1
	})

	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-results:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("pool did not drain after cancellation")
		}
	}
}

func TestChunks(t *testing.T) {
	chunks := Chunks([]string{"a", "b", "c", "d", "e"}, 2)
	require.Len(t, chunks, 3)
	assert.Equal(t, []string{"a", "b"}, chunks[0])
	assert.Equal(t, []string{"e"}, chunks[2])

	assert.Nil(t, Chunks([]string(nil), 3))
}

func TestSafeGoReportsFailuresAndPanics(t *testing.T) {
	var buf syncBuffer
	logger := observability.NewLogger(observability.DebugLevel, &buf)

	done := make(chan struct{})
	SafeGo(context.Background(), logger, time.Second, "failing task", func(context.Context) error {
		defer close(done)
		return assert.AnError
	})
	<-done

	panicked := make(chan struct{})
	SafeGo(context.Background(), logger, time.Second, "panicking task", func(context.Context) error {
		defer close(panicked)
		panic("boom")
	})
	<-panicked

	require.Eventually(t, func() bool {
		out := buf.String()
		return strings.Contains(out, "failing task") &&
			strings.Contains(out, "background task failed") &&
			strings.Contains(out, "background task panicked")
	}, 2*time.Second, 10*time.Millisecond)
}

// syncBuffer is a mutex-guarded bytes.Buffer for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
