package cluster

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guseggert/escluster/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// stubAPI answers health requests from a function, the rest of API is unused.
type stubAPI struct {
	API
	calls  atomic.Int32
	health func(call int) (*client.Health, error)
}

func (s *stubAPI) Health(ctx context.Context, waitForStatus string, waitTimeout time.Duration) (*client.Health, error) {
	return s.health(int(s.calls.Add(1)))
}

func newStubPoller(t *testing.T, nodes int, health func(call int) (*client.Health, error)) (*healthPoller, *stubAPI) {
	api := &stubAPI{health: health}
	return &healthPoller{
		log:          zaptest.NewLogger(t).Sugar(),
		api:          api,
		clusterName:  "test_cluster",
		nodes:        nodes,
		interval:     10 * time.Millisecond,
		probeTimeout: 100 * time.Millisecond,
	}, api
}

func healthDoc(status string, nodes int) *client.Health {
	return &client.Health{ClusterName: "test_cluster", Status: status, NumberOfNodes: nodes}
}

func TestCheck(t *testing.T) {
	cases := []struct {
		name     string
		nodes    int
		health   *client.Health
		err      error
		expected pollResult
	}{
		{name: "reached", nodes: 2, health: healthDoc("green", 2), expected: pollReached},
		{name: "missing node", nodes: 2, health: healthDoc("green", 1), expected: pollPending},
		{name: "wrong status", nodes: 1, health: healthDoc("yellow", 1), expected: pollPending},
		{name: "any node count", nodes: 0, health: healthDoc("green", 5), expected: pollReached},
		{name: "unreachable", nodes: 1, err: errors.New("connection refused"), expected: pollPending},
		{name: "unavailable", nodes: 1, err: &client.StatusError{Code: http.StatusServiceUnavailable}, expected: pollPending},
		{name: "bad request", nodes: 1, err: &client.StatusError{Code: http.StatusBadRequest}, expected: pollFailed},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			p, _ := newStubPoller(t, c.nodes, func(int) (*client.Health, error) { return c.health, c.err })
			res, _, _ := p.check(context.Background(), "green")
			assert.Equal(t, c.expected, res, "got %s", res)
		})
	}
}

func TestWaitForStatus(t *testing.T) {
	t.Run("transient errors are retried", func(t *testing.T) {
		p, api := newStubPoller(t, 2, func(call int) (*client.Health, error) {
			switch {
			case call < 3:
				return nil, errors.New("connection refused")
			case call < 5:
				return healthDoc("green", 1), nil
			}
			return healthDoc("green", 2), nil
		})
		h, err := p.waitForStatus(context.Background(), "green", 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, 2, h.NumberOfNodes)
		assert.EqualValues(t, 5, api.calls.Load())
	})

	t.Run("times out with the last health", func(t *testing.T) {
		p, _ := newStubPoller(t, 2, func(int) (*client.Health, error) { return healthDoc("green", 1), nil })
		start := time.Now()
		_, err := p.waitForStatus(context.Background(), "green", 200*time.Millisecond)
		assert.Less(t, time.Since(start), 2*time.Second)

		var timeoutErr *TimeoutError
		require.True(t, errors.As(err, &timeoutErr), "unexpected error %v", err)
		assert.Equal(t, "green", timeoutErr.Status)
		assert.Equal(t, 2, timeoutErr.Nodes)
		require.NotNil(t, timeoutErr.Last)
		assert.Equal(t, 1, timeoutErr.Last.NumberOfNodes)
	})

	t.Run("times out without any response", func(t *testing.T) {
		p, _ := newStubPoller(t, 1, func(int) (*client.Health, error) { return nil, errors.New("connection refused") })
		_, err := p.waitForStatus(context.Background(), "green", 100*time.Millisecond)
		var timeoutErr *TimeoutError
		require.True(t, errors.As(err, &timeoutErr), "unexpected error %v", err)
		assert.Nil(t, timeoutErr.Last)
	})

	t.Run("rejected request fails immediately", func(t *testing.T) {
		p, api := newStubPoller(t, 1, func(int) (*client.Health, error) {
			return nil, &client.StatusError{Code: http.StatusBadRequest}
		})
		_, err := p.waitForStatus(context.Background(), "purple", 5*time.Second)
		require.Error(t, err)
		var timeoutErr *TimeoutError
		assert.False(t, errors.As(err, &timeoutErr))
		assert.EqualValues(t, 1, api.calls.Load())
	})
}

func TestIsHealthy(t *testing.T) {
	cases := []struct {
		name     string
		health   *client.Health
		err      error
		expected bool
	}{
		{name: "healthy", health: healthDoc("green", 1), expected: true},
		{name: "yellow still counts", health: healthDoc("yellow", 1), expected: true},
		{name: "other cluster", health: &client.Health{ClusterName: "other", Status: "green", NumberOfNodes: 1}},
		{name: "missing node", health: healthDoc("green", 0)},
		{name: "unreachable", err: errors.New("connection refused")},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			p, _ := newStubPoller(t, 1, func(int) (*client.Health, error) { return c.health, c.err })
			assert.Equal(t, c.expected, p.isHealthy(context.Background()))
		})
	}
}
