package cluster

import (
	"fmt"
	"time"

	"github.com/guseggert/escluster/client"
)

// LaunchError is returned when a node process could not be spawned.
// Instance 0 means the failure happened while preparing the cluster directories.
type LaunchError struct {
	Instance int
	Err      error
}

func (e *LaunchError) Error() string {
	if e.Instance == 0 {
		return fmt.Sprintf("preparing cluster: %s", e.Err)
	}
	return fmt.Sprintf("launching node %d: %s", e.Instance, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// TimeoutError is returned when a health wait did not reach its target in time.
// Last is the last health document seen, if any.
type TimeoutError struct {
	Status  string
	Nodes   int
	Timeout time.Duration
	Last    *client.Health
}

func (e *TimeoutError) Error() string {
	last := "no response"
	if e.Last != nil {
		last = fmt.Sprintf("status %q with %d nodes", e.Last.Status, e.Last.NumberOfNodes)
	}
	return fmt.Sprintf("timed out after %s waiting for status %q with %d nodes, last seen: %s", e.Timeout, e.Status, e.Nodes, last)
}

// StartupTimeoutError is returned by Start when the cluster did not become healthy within the startup timeout.
type StartupTimeoutError struct {
	ClusterName string
	Err         error
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("cluster %q did not start: %s", e.ClusterName, e.Err)
}

func (e *StartupTimeoutError) Unwrap() error { return e.Err }

// IndexOperationError reports a failed index or template request. It never aborts the rest of a batch.
type IndexOperationError struct {
	Op    string
	Index string
	Err   error
}

func (e *IndexOperationError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Op, e.Index, e.Err)
}

func (e *IndexOperationError) Unwrap() error { return e.Err }
