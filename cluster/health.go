package cluster

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/guseggert/escluster/client"
	"go.uber.org/zap"
)

type pollResult int

const (
	// pollPending means the target is not reached yet, including when the node is unreachable.
	pollPending pollResult = iota
	pollReached
	// pollFailed means retrying cannot help, e.g. the request itself was rejected.
	pollFailed
)

func (r pollResult) String() string {
	switch r {
	case pollPending:
		return "pending"
	case pollReached:
		return "reached"
	case pollFailed:
		return "failed"
	}
	return fmt.Sprintf("pollResult(%d)", int(r))
}

var errNotYet = errors.New("target status not reached yet")

// healthPoller evaluates cluster health. It never touches the cluster lock.
type healthPoller struct {
	log          *zap.SugaredLogger
	api          API
	clusterName  string
	nodes        int
	interval     time.Duration
	probeTimeout time.Duration
}

// check performs one health request and classifies it against target.
// Nodes <= 0 means any node count is accepted.
func (p *healthPoller) check(ctx context.Context, target string) (pollResult, *client.Health, error) {
	ctx, cancel := context.WithTimeout(ctx, p.interval+p.probeTimeout)
	defer cancel()

	h, err := p.api.Health(ctx, target, p.interval)
	if err != nil {
		var statusErr *client.StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusBadRequest {
			return pollFailed, nil, err
		}
		p.log.Debugf("health check error: %s", err)
		return pollPending, nil, err
	}
	if h.Status != target {
		return pollPending, h, nil
	}
	if p.nodes > 0 && h.NumberOfNodes != p.nodes {
		p.log.Debugw("status reached but not all nodes joined", "Status", h.Status, "Nodes", h.NumberOfNodes, "Want", p.nodes)
		return pollPending, h, nil
	}
	return pollReached, h, nil
}

// waitForStatus polls until target is reached with the configured node count, or fails with a *TimeoutError
// once timeout expires. Failed requests count as not healthy yet.
func (p *healthPoller) waitForStatus(ctx context.Context, target string, timeout time.Duration) (*client.Health, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var last *client.Health
	op := func() error {
		res, h, err := p.check(ctx, target)
		if h != nil {
			last = h
		}
		switch res {
		case pollReached:
			return nil
		case pollFailed:
			return backoff.Permanent(err)
		default:
			return errNotYet
		}
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(p.interval), ctx)
	err := backoff.Retry(op, b)
	if err == nil {
		return last, nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errNotYet) {
		return last, &TimeoutError{Status: target, Nodes: p.nodes, Timeout: timeout, Last: last}
	}
	return last, fmt.Errorf("waiting for status %q: %w", target, err)
}

// isHealthy performs a single bounded health check, true when the node answers for our cluster with all nodes joined.
func (p *healthPoller) isHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	h, err := p.api.Health(ctx, "", 0)
	if err != nil {
		p.log.Debugf("health probe error: %s", err)
		return false
	}
	if h.ClusterName != p.clusterName {
		p.log.Debugw("port is answered by another cluster", "ClusterName", h.ClusterName, "Want", p.clusterName)
		return false
	}
	return p.nodes <= 0 || h.NumberOfNodes == p.nodes
}
