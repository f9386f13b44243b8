package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/BullionBear/aggbook/pkg/logger"
)

// Supervisor runs components as independently scheduled tasks and surfaces
// the first fatal failure. Cancellation is cooperative through the shared
// context: cancelling it quiesces every task at its next suspension point.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	err    error
}

func New(parent context.Context) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{ctx: ctx, cancel: cancel}
}

func (s *Supervisor) Context() context.Context {
	return s.ctx
}

// Go spawns one named task. A non-nil return before cancellation is fatal:
// it is recorded and every other task is cancelled. Any return after
// cancellation, nil or not, is a clean exit.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logger.Log.Info().Str("task", name).Msg("task started")
		if err := fn(s.ctx); err != nil && s.ctx.Err() == nil {
			logger.Log.Error().Err(err).Str("task", name).Msg("task failed")
			s.once.Do(func() {
				s.err = fmt.Errorf("task %s: %w", name, err)
				s.cancel()
			})
			return
		}
		logger.Log.Info().Str("task", name).Msg("task finished")
	}()
}

// Shutdown cancels all tasks cooperatively.
func (s *Supervisor) Shutdown() {
	s.cancel()
}

// OnSignal arranges for the given signals to trigger Shutdown, so a SIGINT
// quiesces every task at its next suspension point and Wait returns clean.
func (s *Supervisor) OnSignal(sigs ...os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	go func() {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			logger.Log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
			s.cancel()
		case <-s.ctx.Done():
		}
	}()
}

// Wait blocks until every task returned, then reports the first fatal error
// if any. It is safe to call from multiple goroutines.
func (s *Supervisor) Wait() error {
	s.wg.Wait()
	s.cancel()
	return s.err
}
