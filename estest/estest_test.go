package estest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/escluster/artifact"
	"github.com/guseggert/escluster/cluster"
	"github.com/guseggert/escluster/internal/fakees"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"
)

type stubManager struct {
	running   bool
	startErr  error
	deleteErr error
	starts    int
	deletes   int
	stops     int
	port      int
	pids      []int
}

func (m *stubManager) Config() cluster.Config {
	cfg := cluster.DefaultConfig()
	if m.port != 0 {
		cfg.Port = m.port
	}
	return cfg
}

func (m *stubManager) EnsureStarted(ctx context.Context) error {
	if m.startErr != nil {
		return m.startErr
	}
	if !m.running {
		m.starts++
		m.running = true
	}
	return nil
}

func (m *stubManager) DeleteAllIndices(ctx context.Context) []cluster.IndexResult {
	m.deletes++
	return []cluster.IndexResult{{Index: "_all", Err: m.deleteErr}}
}

func (m *stubManager) Running(ctx context.Context) bool { return m.running }

func (m *stubManager) PIDs() []int { return m.pids }

func (m *stubManager) Stop(ctx context.Context) {
	m.stops++
	m.running = false
	m.pids = nil
}

func TestReset(t *testing.T) {
	m := &stubManager{}
	s := New(m).WithLogger(zaptest.NewLogger(t).Sugar())

	s.Setup(t)
	s.Setup(t)
	assert.Equal(t, 1, m.starts)
	assert.Equal(t, 2, m.deletes)

	s.Teardown()
	assert.Equal(t, 1, m.stops)
	// not running anymore
	s.Teardown()
	assert.Equal(t, 1, m.stops)

	// processes left behind by a node that no longer answers
	m.pids = []int{42}
	s.Teardown()
	assert.Equal(t, 2, m.stops)
}

// launchProvider installs a node script that records its pid in launchFile.
type launchProvider struct {
	dir        string
	launchFile string
}

func (p *launchProvider) Resolve(ctx context.Context, version, dir string) (*artifact.Artifact, error) {
	a := artifact.Paths(version, p.dir)
	if err := os.MkdirAll(filepath.Dir(a.Executable), 0755); err != nil {
		return nil, err
	}
	script := fmt.Sprintf("#!/bin/sh\necho $$ > '%s'\nexec sleep 60\n", p.launchFile)
	return a, os.WriteFile(a.Executable, []byte(script), 0755)
}

func TestTeardownStopsUnreachableCluster(t *testing.T) {
	dir := t.TempDir()
	provider := &launchProvider{dir: dir, launchFile: filepath.Join(dir, "launched")}
	launched := func() bool {
		_, err := os.Stat(provider.launchFile)
		return err == nil
	}
	srv, err := fakees.New(0, fakees.WithUp(launched))
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	cfg := cluster.DefaultConfig()
	cfg.Port = srv.Port()
	cfg.DownloadPath = dir
	cfg.StartupTimeout = 5 * time.Second
	cfg.HealthInterval = 20 * time.Millisecond
	cfg.GracefulTimeout = 300 * time.Millisecond
	cfg.KillTimeout = time.Second
	log := zaptest.NewLogger(t).Sugar()
	c, err := cluster.New(cfg, cluster.WithLogger(log), cluster.WithArtifactProvider(provider))
	require.NoError(t, err)
	t.Cleanup(func() { c.Stop(context.Background()) })

	s := New(c).WithLogger(log)
	s.Setup(t)
	pids := c.PIDs()
	require.Len(t, pids, 1)

	// the node stops answering but its process is still there
	srv.SetDown(true)
	require.False(t, c.Running(context.Background()))

	s.Teardown()
	assert.Empty(t, c.PIDs())
	assert.Equal(t, unix.ESRCH, unix.Kill(pids[0], 0))
}

func TestResetErrors(t *testing.T) {
	t.Run("start failure skips the deletion", func(t *testing.T) {
		m := &stubManager{startErr: errors.New("boom")}
		err := New(m).Reset()
		assert.ErrorContains(t, err, "boom")
		assert.Zero(t, m.deletes)
	})
	t.Run("deletion failure", func(t *testing.T) {
		m := &stubManager{deleteErr: &cluster.IndexOperationError{Op: "delete index", Index: "_all", Err: errors.New("nope")}}
		err := New(m).Reset()
		var indexErr *cluster.IndexOperationError
		assert.True(t, errors.As(err, &indexErr))
		assert.Panics(t, New(m).MustReset)
	})
}

func TestSuiteAgainstRunningCluster(t *testing.T) {
	srv, err := fakees.New(0)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	srv.CreateIndex("a")
	srv.CreateIndex("b")

	cfg := cluster.DefaultConfig()
	cfg.Port = srv.Port()
	cfg.DownloadPath = t.TempDir()
	c, err := cluster.New(cfg, cluster.WithLogger(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)

	s := New(c).WithLogger(zaptest.NewLogger(t).Sugar())
	s.Setup(t)
	assert.Empty(t, srv.Indices())

	h, err := s.Client().Health(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Equal(t, "elasticsearch_test", h.ClusterName)
}

func TestMust(t *testing.T) {
	assert.NotPanics(t, func() { Must(1, nil) })
	assert.Panics(t, func() { Must(1, errors.New("boom")) })
	assert.Equal(t, 3, Must2(3, nil))
	assert.Panics(t, func() { Must2(0, errors.New("boom")) })
}

func TestFromEnv(t *testing.T) {
	t.Setenv(cluster.EnvPort, "9400")
	t.Setenv(cluster.EnvName, "from_env")
	s, err := FromEnv(cluster.WithLogger(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)
	assert.Equal(t, 9400, s.Manager.Config().Port)
	assert.Equal(t, "from_env", s.Manager.Config().ClusterName)

	t.Setenv(cluster.EnvNodes, "none")
	_, err = FromEnv()
	assert.Error(t, err)
}
