package supervisor

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstFailureCancelsSiblings(t *testing.T) {
	sup := New(context.Background())

	blocked := make(chan struct{})
	sup.Go("blocker", func(ctx context.Context) error {
		defer close(blocked)
		<-ctx.Done()
		return nil
	})
	boom := errors.New("boom")
	sup.Go("faulty", func(ctx context.Context) error {
		return boom
	})

	err := sup.Wait()
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "faulty")

	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("sibling task was not cancelled")
	}
}

func TestCleanExit(t *testing.T) {
	sup := New(context.Background())
	sup.Go("a", func(ctx context.Context) error { return nil })
	sup.Go("b", func(ctx context.Context) error { return nil })
	assert.NoError(t, sup.Wait())
}

func TestErrorsAfterShutdownAreNotFatal(t *testing.T) {
	sup := New(context.Background())
	sup.Go("task", func(ctx context.Context) error {
		<-ctx.Done()
		return errors.New("interrupted mid-read")
	})
	sup.Shutdown()
	assert.NoError(t, sup.Wait())
}

func TestSignalTriggersCleanShutdown(t *testing.T) {
	sup := New(context.Background())
	sup.OnSignal(syscall.SIGUSR1)

	stopped := make(chan struct{})
	sup.Go("task", func(ctx context.Context) error {
		defer close(stopped)
		<-ctx.Done()
		return nil
	})

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("signal did not cancel tasks")
	}
	assert.NoError(t, sup.Wait())
}

func TestParentCancellationPropagates(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	sup := New(parent)
	sup.Go("task", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	cancel()
	assert.NoError(t, sup.Wait())
}
