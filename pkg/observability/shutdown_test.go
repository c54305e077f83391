package observability

import (
	"context"
	"errors"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownRunsStepsInOrder(t *testing.T) {
	logger := NewLogger(ErrorLevel, io.Discard)
	sm := NewShutdownManager(logger, nil, 5*time.Second)

	var order []string
	sm.RegisterStep("build sandboxes", func(context.Context) error {
		order = append(order, "sandboxes")
		return nil
	})
	sm.RegisterStep("link cache", func(context.Context) error {
		order = append(order, "cache")
		return nil
	})
	sm.RegisterStep("catalog", func(context.Context) error {
		order = append(order, "catalog")
		return nil
	})

	done := make(chan error, 1)
	go func() {
		done <- sm.WaitForShutdown()
	}()
	// Give WaitForShutdown a moment to install its signal handler.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	assert.Equal(t, []string{"sandboxes", "cache", "catalog"}, order)
}

func TestShutdownReportsFailedSteps(t *testing.T) {
	logger := NewLogger(ErrorLevel, io.Discard)
	sm := NewShutdownManager(logger, nil, 5*time.Second)

	ran := false
	sm.RegisterStep("broken", func(context.Context) error {
		return errors.New("boom")
	})
	// Later steps still run after a failure.
	sm.RegisterStep("survivor", func(context.Context) error {
		ran = true
		return nil
	})

	done := make(chan error, 1)
	go func() {
		done <- sm.WaitForShutdown()
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	assert.True(t, ran)
}
