package observability

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc is one named drain step.
type ShutdownFunc func(context.Context) error

type shutdownStep struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager drains the proxy on SIGINT/SIGTERM. Unlike a bag of
// parallel hooks, the drain is ordered: the HTTP listener stops first, then
// the registered steps run one by one in registration order, so the build
// sandboxes can be torn down (removing in-flight containers) before the
// cache and catalog connections they report into are closed. A second
// signal abandons the drain.
type ShutdownManager struct {
	logger  *Logger
	server  *http.Server
	timeout time.Duration

	mu    sync.Mutex
	steps []shutdownStep
}

// NewShutdownManager wires a manager for the given server.
func NewShutdownManager(logger *Logger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{logger: logger, server: server, timeout: timeout}
}

// RegisterStep appends a named drain step. Steps run in registration order;
// register resource producers (sandboxes) before the stores they write to.
func (sm *ShutdownManager) RegisterStep(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.steps = append(sm.steps, shutdownStep{name: name, fn: fn})
}

// WaitForShutdown blocks until SIGINT/SIGTERM, then drains.
func (sm *ShutdownManager) WaitForShutdown() error {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	sm.logger.Infof("Received signal %s, draining", sig)

	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()
	go func() {
		sig := <-sigChan
		sm.logger.Warnf("Received second signal %s, abandoning drain", sig)
		cancel()
	}()

	if sm.server != nil {
		sm.logger.Info("Stopping HTTP listener")
		if err := sm.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("HTTP server shutdown failed: %w", err)
		}
	}

	sm.mu.Lock()
	steps := append([]shutdownStep(nil), sm.steps...)
	sm.mu.Unlock()

	failed := 0
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("drain interrupted before %q: %w", step.name, err)
		}
		sm.logger.Infof("Shutting down %s", step.name)
		if err := step.fn(ctx); err != nil {
			sm.logger.WithError(err).Errorf("Failed to shut down %s", step.name)
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("drain completed with %d failed steps", failed)
	}
	sm.logger.Info("Graceful shutdown complete")
	return nil
}
