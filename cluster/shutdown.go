package cluster

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const exitPollInterval = 50 * time.Millisecond

// shutdownLocked asks the cluster to shut down and waits for the tracked processes to exit. If that does not
// finish within the graceful timeout, every tracked process is terminated, then killed.
// The tracked set is always cleared at the end. Cancelling ctx does not shorten any of these waits.
func (c *Cluster) shutdownLocked(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	log := c.Log.Named("shutdown")
	procs := c.processesLocked()
	defer c.resetLocked()

	err := c.gracefulShutdown(ctx, procs)
	if err == nil {
		log.Infow("cluster shut down", "PIDs", pidsOf(procs))
		return
	}
	if len(procs) == 0 {
		log.Debugf("nothing tracked to stop: %s", err)
		return
	}

	log.Warnw("graceful shutdown failed, escalating to signals", "Reason", err.Error(), "PIDs", pidsOf(procs))
	c.escalate(ctx, procs)
}

func (c *Cluster) gracefulShutdown(ctx context.Context, procs []*process) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.GracefulTimeout)
	defer cancel()

	if err := c.api().Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown request: %w", err)
	}
	for _, p := range procs {
		if err := waitForExit(ctx, p); err != nil {
			return fmt.Errorf("waiting for pid %d to exit: %w", p.pid, err)
		}
	}
	return nil
}

// escalate terminates every process concurrently, killing those still alive after the kill timeout.
// Only the kill timeout bounds the waits, whatever the state of ctx.
func (c *Cluster) escalate(ctx context.Context, procs []*process) {
	ctx = context.WithoutCancel(ctx)
	var group errgroup.Group
	for _, p := range procs {
		p := p
		group.Go(func() error {
			c.terminate(ctx, p)
			return nil
		})
	}
	_ = group.Wait()
}

func (c *Cluster) terminate(ctx context.Context, p *process) {
	log := c.Log.Named("shutdown").With("PID", p.pid)
	for _, sig := range []syscall.Signal{unix.SIGTERM, unix.SIGKILL} {
		// a reaped child's PID may already belong to someone else
		if p.reaped() {
			log.Debug("process already exited")
			return
		}
		err := unix.Kill(p.pid, sig)
		if err == unix.ESRCH {
			log.Debug("process already exited")
			return
		}
		if err != nil {
			log.Warnf("sending %s: %s", unix.SignalName(sig), err)
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, c.cfg.KillTimeout)
		err = waitForExit(waitCtx, p)
		cancel()
		if err == nil {
			log.Debugf("process exited after %s", unix.SignalName(sig))
			return
		}
		if sig == unix.SIGKILL && errors.Is(err, context.DeadlineExceeded) {
			log.Errorf("process survived SIGKILL for %s", c.cfg.KillTimeout)
			return
		}
		log.Debugf("process still alive after %s: %s", unix.SignalName(sig), err)
	}
	log.Warn("could not signal process")
}

// waitForExit waits for a spawned process to be reaped, or for any other process to disappear.
func waitForExit(ctx context.Context, p *process) error {
	if p.spawned() {
		select {
		case <-p.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ticker := time.NewTicker(exitPollInterval)
	defer ticker.Stop()
	for {
		if !alive(p.pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

func pidsOf(procs []*process) []int {
	pids := make([]int, 0, len(procs))
	for _, p := range procs {
		pids = append(pids, p.pid)
	}
	return pids
}
