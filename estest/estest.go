// Package estest wires a local cluster into Go tests: the cluster is started on first use, every index is deleted
// before each test, and the cluster is stopped once the test binary is done.
package estest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/guseggert/escluster/client"
	"github.com/guseggert/escluster/cluster"
	"go.uber.org/zap"
)

const loggerName = "estest"

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar().Named(loggerName)
}

// Manager is the part of *cluster.Cluster that a test suite drives.
type Manager interface {
	Config() cluster.Config
	EnsureStarted(ctx context.Context) error
	DeleteAllIndices(ctx context.Context) []cluster.IndexResult
	Running(ctx context.Context) bool
	PIDs() []int
	Stop(ctx context.Context)
}

// Suite wraps a Manager with the per-test and per-binary hooks.
type Suite struct {
	Manager Manager
	Log     *zap.SugaredLogger
	Ctx     context.Context
}

func New(m Manager) *Suite {
	return &Suite{
		Manager: m,
		Log:     defaultLogger,
		Ctx:     context.Background(),
	}
}

func (s *Suite) WithLogger(l *zap.SugaredLogger) *Suite {
	s.Log = l.Named(loggerName)
	return s
}

func (s *Suite) Context(ctx context.Context) *Suite {
	newS := *s
	newS.Ctx = ctx
	return &newS
}

// Reset starts the cluster unless it is running, then deletes every index.
func (s *Suite) Reset() error {
	if err := s.Manager.EnsureStarted(s.Ctx); err != nil {
		return fmt.Errorf("starting cluster: %w", err)
	}
	var errs []error
	for _, res := range s.Manager.DeleteAllIndices(s.Ctx) {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

func (s *Suite) MustReset() {
	Must(s.Reset())
}

// Setup resets the cluster for t, failing t if that is not possible.
func (s *Suite) Setup(t testing.TB) {
	t.Helper()
	if err := s.Reset(); err != nil {
		t.Fatalf("resetting cluster: %s", err)
	}
}

// Teardown stops the cluster if it is running or still has processes, such as a node that stopped answering.
func (s *Suite) Teardown() {
	if !s.Manager.Running(s.Ctx) && len(s.Manager.PIDs()) == 0 {
		s.Log.Debug("no cluster to stop")
		return
	}
	s.Log.Debugw("stopping cluster", "PIDs", s.Manager.PIDs())
	s.Manager.Stop(s.Ctx)
}

// Main runs the tests of m and tears the cluster down afterwards. Use it from TestMain:
//
//	var suite = estest.Must2(estest.FromEnv())
//
//	func TestMain(m *testing.M) { os.Exit(suite.Main(m)) }
func (s *Suite) Main(m *testing.M) int {
	defer s.Teardown()
	return m.Run()
}

// Client returns an API client for the first node of the cluster.
func (s *Suite) Client() *client.Client {
	return client.New("localhost", s.Manager.Config().Port, client.WithLogger(s.Log))
}

// FromEnv builds a suite around a new cluster configured from the environment, see cluster.ConfigFromEnv.
func FromEnv(opts ...cluster.Option) (*Suite, error) {
	cfg, err := cluster.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	c, err := cluster.New(cfg, append([]cluster.Option{cluster.WithLogger(defaultLogger)}, opts...)...)
	if err != nil {
		return nil, err
	}
	return New(c), nil
}
