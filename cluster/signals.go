package cluster

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

// TerminationSignals are the signals that stop a cluster registered with RegisterShutdownHandler.
var TerminationSignals = []os.Signal{unix.SIGTERM, unix.SIGINT, unix.SIGQUIT}

// OnTerminationSignal runs handler in a new goroutine for each termination signal received, until the
// returned function is called. While registered, those signals no longer terminate the process.
func OnTerminationSignal(handler func(os.Signal)) (unregister func()) {
	sigCh := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigCh, TerminationSignals...)

	go func() {
		for {
			select {
			case sig := <-sigCh:
				go handler(sig)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(done)
		})
	}
}

// RegisterShutdownHandler stops the cluster whenever a termination signal is received.
// A signal arriving while a Start is in flight is handled once that Start has finished.
func (c *Cluster) RegisterShutdownHandler() (unregister func()) {
	return OnTerminationSignal(func(sig os.Signal) {
		c.Log.Infow("received signal, stopping cluster", "Signal", sig.String())
		c.Stop(context.Background())
	})
}
