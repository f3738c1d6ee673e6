// Package hooks coordinates graceful shutdown of the agent process.
package hooks

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/inercia/sshwarden/internal/logging"
)

// ShutdownFunc is a function that performs cleanup during shutdown.
// It receives a reason string describing why shutdown was triggered.
type ShutdownFunc func(reason string)

// ShutdownManager coordinates graceful shutdown across the application.
//
// Shutdown happens in two steps. Interrupt (or the first SIGINT/SIGTERM)
// cancels Context, which lets the agent cancel its subscription and
// finish. Shutdown then runs the registered cleanups exactly once. A
// second signal skips the wait and runs Shutdown immediately.
//
// It is safe for concurrent use.
type ShutdownManager struct {
	mu       sync.Mutex
	once     sync.Once
	done     chan struct{}
	reason   string
	cleanups []ShutdownFunc
	signals  int

	ctx    context.Context
	cancel context.CancelFunc

	sigChan chan os.Signal
}

// NewShutdownManager creates a new shutdown manager.
// It does not start signal handling until Start() is called.
func NewShutdownManager() *ShutdownManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &ShutdownManager{
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context is cancelled when shutdown begins.
func (sm *ShutdownManager) Context() context.Context {
	return sm.ctx
}

// AddCleanup adds a cleanup function to be called during shutdown.
// Cleanup functions are called in the order they were added.
func (sm *ShutdownManager) AddCleanup(fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cleanups = append(sm.cleanups, fn)
}

// Start begins listening for shutdown signals (SIGINT, SIGTERM).
func (sm *ShutdownManager) Start() {
	logger := logging.Shutdown()
	logger.Debug("Shutdown manager started, listening for signals")

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sm.mu.Lock()
	sm.sigChan = sigChan
	sm.mu.Unlock()

	go func() {
		for {
			select {
			case sig := <-sigChan:
				sm.handleSignal(sig)
			case <-sm.done:
				return
			}
		}
	}()
}

func (sm *ShutdownManager) handleSignal(sig os.Signal) {
	logger := logging.Shutdown()

	sm.mu.Lock()
	sm.signals++
	n := sm.signals
	sm.mu.Unlock()

	reason := "signal:" + sig.String()
	if n == 1 {
		logger.Info("Signal received, stopping agent", "signal", sig.String())
		sm.Interrupt(reason)
		return
	}
	logger.Warn("Second signal received, shutting down now", "signal", sig.String())
	go sm.Shutdown(reason)
}

// Interrupt cancels Context without running cleanups. The first reason
// given is kept.
func (sm *ShutdownManager) Interrupt(reason string) {
	sm.mu.Lock()
	if sm.reason == "" {
		sm.reason = reason
	}
	sm.mu.Unlock()
	sm.cancel()
}

// Shutdown cancels Context and runs the cleanups. It is safe to call
// multiple times; only the first call runs them. It blocks until cleanup
// is complete.
func (sm *ShutdownManager) Shutdown(reason string) {
	sm.once.Do(func() {
		sm.doShutdown(reason)
	})
	<-sm.done
}

func (sm *ShutdownManager) doShutdown(reason string) {
	logger := logging.Shutdown()

	sm.Interrupt(reason)

	sm.mu.Lock()
	reason = sm.reason
	cleanups := make([]ShutdownFunc, len(sm.cleanups))
	copy(cleanups, sm.cleanups)
	sigChan := sm.sigChan
	sm.mu.Unlock()

	logger.Info("Starting shutdown sequence", "reason", reason)

	if sigChan != nil {
		signal.Stop(sigChan)
	}

	for i, fn := range cleanups {
		logger.Debug("Running cleanup function",
			"index", i,
			"total", len(cleanups),
		)
		fn(reason)
	}

	logger.Info("Shutdown sequence complete", "reason", reason)

	close(sm.done)
}

// Done returns a channel that is closed when shutdown is complete.
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.done
}

// Reason returns the reason for shutdown, or empty string if not yet shut down.
func (sm *ShutdownManager) Reason() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.reason
}
