package core

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/andrussal/ephemera-go/pkg/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestShutdownManager_DrainsWorkerOnCancel(t *testing.T) {
	m := NewShutdownManager(logging.NewDefaultLogger("test"), time.Second)

	started := make(chan struct{})
	finished := make(chan struct{})
	m.Spawn("worker", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(finished)
	})

	<-started
	m.Shutdown()

	select {
	case <-finished:
	default:
		t.Fatal("expected worker to have finished by the time Shutdown returns")
	}
}

func TestShutdownManager_IdempotentShutdown(t *testing.T) {
	m := NewShutdownManager(logging.NewDefaultLogger("test"), time.Second)
	m.Spawn("noop", func(ctx context.Context) { <-ctx.Done() })

	m.Shutdown()
	m.Shutdown() // must not block or panic on a second call
}

func TestShutdownManager_TimesOutOnStuckWorker(t *testing.T) {
	m := NewShutdownManager(logging.NewDefaultLogger("test"), 50*time.Millisecond)
	block := make(chan struct{})
	defer close(block)

	m.Spawn("stuck", func(ctx context.Context) {
		<-ctx.Done()
		<-block // never returns within the drain timeout
	})

	done := make(chan struct{})
	go func() {
		m.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Shutdown to return once the drain timeout elapsed")
	}
}
