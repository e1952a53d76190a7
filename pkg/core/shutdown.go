// Package core wires the rest of the module's packages into a runnable
// node: a staged builder, a shutdown manager, and the orchestrator that
// starts and stops every worker in the right order.
package core

import (
	"context"
	"sync"
	"time"

	"github.com/andrussal/ephemera-go/pkg/logging"
)

// DefaultDrainTimeout bounds how long Shutdown waits for every registered
// worker to return before giving up and returning anyway.
const DefaultDrainTimeout = 10 * time.Second

// ShutdownManager fans a single cancellation out to every worker goroutine
// registered with it, and blocks until they have all drained or a timeout
// elapses. Each worker selects on ctx.Done() instead of polling a shared
// shutdown flag.
type ShutdownManager struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	drainTimeout time.Duration
	log          logging.Logger

	mutex      sync.Mutex
	shutdownAt *time.Time
}

// NewShutdownManager builds a manager with the given drain timeout; zero
// falls back to DefaultDrainTimeout.
func NewShutdownManager(log logging.Logger, drainTimeout time.Duration) *ShutdownManager {
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ShutdownManager{ctx: ctx, cancel: cancel, drainTimeout: drainTimeout, log: log}
}

// Context is the cancellation every worker should select on.
func (m *ShutdownManager) Context() context.Context { return m.ctx }

// Spawn runs f in a goroutine tracked by the manager's WaitGroup. f must
// return once m.Context() is cancelled.
func (m *ShutdownManager) Spawn(name string, f func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		f(m.ctx)
		m.log.Debugf("core: worker %q finished", name)
	}()
}

// Shutdown cancels the context and waits up to the drain timeout for every
// spawned worker to return. It is idempotent: a second call is a no-op.
func (m *ShutdownManager) Shutdown() {
	m.mutex.Lock()
	if m.shutdownAt != nil {
		m.mutex.Unlock()
		return
	}
	now := time.Now()
	m.shutdownAt = &now
	m.mutex.Unlock()

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.log.Info("core: shutdown: all workers drained")
	case <-time.After(m.drainTimeout):
		m.log.Warnf("core: shutdown: drain timeout (%s) elapsed with workers still running", m.drainTimeout)
	}
}
