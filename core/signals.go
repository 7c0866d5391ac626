package core

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// StopFlag is a one-shot stop request shared between the signal watcher
// and the worker loop
type StopFlag struct {
	once sync.Once
	done chan struct{}
}

// NewStopFlag creates an unset flag
func NewStopFlag() *StopFlag {
	return &StopFlag{done: make(chan struct{})}
}

// Stop sets the flag. Calling it more than once is safe.
func (f *StopFlag) Stop() {
	f.once.Do(func() {
		close(f.done)
	})
}

// Done is closed once the flag is set
func (f *StopFlag) Done() <-chan struct{} {
	return f.done
}

// Stopped reports whether the flag is set
func (f *StopFlag) Stopped() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// WatchSignals sets flag when the process receives SIGINT or SIGTERM.
// The returned function stops watching.
func WatchSignals(flag *StopFlag, logger *slog.Logger) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	quit := make(chan struct{})
	go func() {
		select {
		case sig := <-sigs:
			logger.Info("Received signal, stopping after the current message", "signal", sig.String())
			flag.Stop()
		case <-quit:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(quit)
		})
	}
}
