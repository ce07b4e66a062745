package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guseggert/escluster/artifact"
	"github.com/guseggert/escluster/client"
	"go.uber.org/zap"
)

const loggerName = "escluster"

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar().Named(loggerName)
}

// API is the HTTP surface of a running cluster that the manager consumes.
// *client.Client is the implementation used outside of tests.
type API interface {
	Health(ctx context.Context, waitForStatus string, waitTimeout time.Duration) (*client.Health, error)
	ProcessIDs(ctx context.Context) ([]int, error)
	MasterNode(ctx context.Context) (string, error)
	Shutdown(ctx context.Context) error
	PutTemplate(ctx context.Context, name string, tmpl client.Template) error
	DeleteIndex(ctx context.Context, name string) error
}

// ArtifactProvider guarantees that a runnable distribution exists on disk.
// *artifact.Downloader is the implementation used outside of tests.
type ArtifactProvider interface {
	Resolve(ctx context.Context, version, dir string) (*artifact.Artifact, error)
}

// TemplateName is the index template applied to persistent clusters after startup.
const TemplateName = "escluster_defaults"

// Cluster manages a local cluster of node processes.
// It is safe for concurrent use, and may be started and stopped repeatedly.
type Cluster struct {
	Log *zap.SugaredLogger

	cfg        Config
	provider   ArtifactProvider
	newAPI     func(port int) API
	apiOnce    sync.Once
	apiHandle  API
	poller     *healthPoller
	pollerOnce sync.Once

	starting atomic.Bool

	// mut guards everything below. Start holds it for its whole duration, Stop for shutdown.
	mut     sync.Mutex
	tracked map[int]*process
	dirs    *clusterDirs
	art     *artifact.Artifact
}

type Option func(c *Cluster)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Cluster) {
		c.Log = l.Named(loggerName)
	}
}

func WithArtifactProvider(p ArtifactProvider) Option {
	return func(c *Cluster) {
		c.provider = p
	}
}

// WithAPIFactory replaces the HTTP client built for the cluster's port.
func WithAPIFactory(f func(port int) API) Option {
	return func(c *Cluster) {
		c.newAPI = f
	}
}

// New validates cfg and builds a manager. Nothing is started.
func New(cfg Config, opts ...Option) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Cluster{
		Log:     defaultLogger,
		cfg:     cfg,
		tracked: map[int]*process{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.provider == nil {
		c.provider = artifact.NewDownloader(artifact.WithLogger(c.Log))
	}
	if c.newAPI == nil {
		log := c.Log
		c.newAPI = func(port int) API {
			return client.New("localhost", port, client.WithLogger(log))
		}
	}
	return c, nil
}

// Config returns the cluster's configuration.
func (c *Cluster) Config() Config { return c.cfg }

// Artifact returns the distribution the nodes were last launched from, or nil.
func (c *Cluster) Artifact() *artifact.Artifact {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.art
}

func (c *Cluster) api() API {
	c.apiOnce.Do(func() {
		c.apiHandle = c.newAPI(c.cfg.Port)
	})
	return c.apiHandle
}

func (c *Cluster) health() *healthPoller {
	c.pollerOnce.Do(func() {
		c.poller = &healthPoller{
			log:          c.Log.Named("health"),
			api:          c.api(),
			clusterName:  c.cfg.ClusterName,
			nodes:        c.cfg.Nodes,
			interval:     c.cfg.HealthInterval,
			probeTimeout: c.cfg.ProbeTimeout,
		}
	})
	return c.poller
}

// Start makes sure the distribution is available, launches the nodes and waits for the cluster to turn green.
// If the cluster is already running it only waits for the status again.
// A cluster that does not become green within the startup timeout fails with *StartupTimeoutError, and the
// processes launched for it are killed.
func (c *Cluster) Start(ctx context.Context) error {
	art, err := c.provider.Resolve(ctx, c.cfg.Version, c.cfg.DownloadPath)
	if err != nil {
		return err
	}

	if c.Running(ctx) {
		c.Log.Infow("cluster already running, waiting for status", "ClusterName", c.cfg.ClusterName, "Port", c.cfg.Port)
		return c.waitForGreen(ctx)
	}

	c.starting.Store(true)
	defer c.starting.Store(false)

	c.mut.Lock()
	defer c.mut.Unlock()

	if len(c.tracked) > 0 {
		// a concurrent Start may have won the race for the lock
		if c.Running(ctx) {
			return nil
		}
		c.Log.Warnw("tracked nodes are not healthy, killing them before starting again", "PIDs", c.pidsLocked())
		c.escalate(ctx, c.processesLocked())
		c.resetLocked()
	}

	dirs, err := openClusterDirs(c.cfg, art.WorkingDir)
	if err != nil {
		return &LaunchError{Err: err}
	}
	c.dirs = dirs
	c.art = art

	l := &launcher{
		log:        c.Log.Named("launcher"),
		cfg:        c.cfg,
		executable: art.Executable,
		dirs:       dirs,
	}
	if c.cfg.Output != nil {
		l.out = &sharedOutput{w: c.cfg.Output}
	}
	for i := 1; i <= c.cfg.Nodes; i++ {
		p, err := l.launch(i)
		if err != nil {
			c.abortStartLocked(ctx)
			return &LaunchError{Instance: i, Err: err}
		}
		c.tracked[p.pid] = p
	}

	if err := c.waitForGreen(ctx); err != nil {
		c.abortStartLocked(ctx)
		return err
	}

	// the launched command may be a wrapper, so also track the pids the nodes report for themselves
	if err := c.trackReportedPIDsLocked(ctx); err != nil {
		c.Log.Debugf("unable to discover node pids: %s", err)
	}

	if c.cfg.Persistent {
		if err := c.applyTemplate(ctx); err != nil {
			c.Log.Warnf("applying default template: %s", err)
		}
	}

	if master, err := c.api().MasterNode(ctx); err == nil {
		c.Log.Debugw("master node elected", "MasterNode", master)
	}

	c.Log.Infow("cluster started", "ClusterName", c.cfg.ClusterName, "Port", c.cfg.Port, "Nodes", c.cfg.Nodes, "PIDs", c.pidsLocked())
	return nil
}

func (c *Cluster) waitForGreen(ctx context.Context) error {
	_, err := c.health().waitForStatus(ctx, "green", c.cfg.StartupTimeout)
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return &StartupTimeoutError{ClusterName: c.cfg.ClusterName, Err: err}
	}
	return err
}

// abortStartLocked kills whatever a failed start launched, without asking the cluster nicely first.
func (c *Cluster) abortStartLocked(ctx context.Context) {
	c.Log.Warnw("startup failed, killing launched nodes", "PIDs", c.pidsLocked())
	c.escalate(ctx, c.processesLocked())
	c.resetLocked()
}

func (c *Cluster) applyTemplate(ctx context.Context) error {
	err := c.api().PutTemplate(ctx, TemplateName, client.Template{
		Template: "*",
		Settings: map[string]any{
			"number_of_shards":   1,
			"number_of_replicas": 0,
		},
	})
	if err != nil {
		return &IndexOperationError{Op: "put template", Index: TemplateName, Err: err}
	}
	return nil
}

// trackReportedPIDsLocked adds the pids reported by the nodes to the tracked set.
func (c *Cluster) trackReportedPIDsLocked(ctx context.Context) error {
	pids, err := c.api().ProcessIDs(ctx)
	if err != nil {
		return err
	}
	for _, pid := range pids {
		if _, ok := c.tracked[pid]; !ok {
			c.tracked[pid] = &process{pid: pid}
		}
	}
	return nil
}

// Attach starts tracking the processes of a cluster that was started elsewhere, as reported by the nodes,
// so that Stop can escalate against them.
func (c *Cluster) Attach(ctx context.Context) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	if err := c.trackReportedPIDsLocked(ctx); err != nil {
		return fmt.Errorf("discovering node pids: %w", err)
	}
	return nil
}

// StartAndWait starts the cluster, stops it on SIGTERM, SIGINT or SIGQUIT, and returns once every node process
// it launched has exited, or ctx is done.
func (c *Cluster) StartAndWait(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	unregister := c.RegisterShutdownHandler()
	defer unregister()
	return c.Wait(ctx)
}

// Wait blocks until every node process launched by this manager has exited, or ctx is done.
func (c *Cluster) Wait(ctx context.Context) error {
	c.mut.Lock()
	procs := c.processesLocked()
	c.mut.Unlock()

	for _, p := range procs {
		if !p.spawned() {
			continue
		}
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stop shuts the cluster down, escalating to signals if the nodes do not exit by themselves.
// It never fails: once it returns nothing is tracked anymore.
// Stop waits for an in-flight Start to finish first.
func (c *Cluster) Stop(ctx context.Context) {
	if c.starting.Load() {
		c.Log.Warn("stop requested while the cluster is starting, waiting for startup to finish")
	}
	c.mut.Lock()
	defer c.mut.Unlock()
	c.shutdownLocked(ctx)
}

// Restart stops the cluster, then starts it again with the same configuration.
func (c *Cluster) Restart(ctx context.Context) error {
	c.Stop(ctx)
	return c.Start(ctx)
}

// StopAndWait stops the cluster and waits for the node processes launched by this manager to be reaped.
func (c *Cluster) StopAndWait(ctx context.Context) error {
	c.mut.Lock()
	procs := c.processesLocked()
	c.mut.Unlock()

	c.Stop(ctx)

	for _, p := range procs {
		if !p.spawned() {
			continue
		}
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// EnsureStarted starts the cluster unless it is already running.
func (c *Cluster) EnsureStarted(ctx context.Context) error {
	if c.Running(ctx) {
		return nil
	}
	return c.Start(ctx)
}

// Running reports whether the configured port answers a health check for this cluster with every node joined.
// It reflects the health of the service, not what this manager launched.
func (c *Cluster) Running(ctx context.Context) bool {
	return c.health().isHealthy(ctx)
}

// Health returns the current health document of the cluster.
func (c *Cluster) Health(ctx context.Context) (*client.Health, error) {
	return c.api().Health(ctx, "", 0)
}

// IndexResult is the outcome of one index request. Err is an *IndexOperationError or nil.
type IndexResult struct {
	Index string
	Err   error
}

// DeleteIndex deletes each named index, continuing past failures.
func (c *Cluster) DeleteIndex(ctx context.Context, names ...string) []IndexResult {
	results := make([]IndexResult, 0, len(names))
	for _, name := range names {
		res := IndexResult{Index: name}
		if err := c.api().DeleteIndex(ctx, name); err != nil {
			res.Err = &IndexOperationError{Op: "delete index", Index: name, Err: err}
			c.Log.Debugf("%s", res.Err)
		}
		results = append(results, res)
	}
	return results
}

// DeleteAllIndices deletes every index of the cluster.
func (c *Cluster) DeleteAllIndices(ctx context.Context) []IndexResult {
	return c.DeleteIndex(ctx, "_all")
}

// PIDs returns the tracked process ids, sorted. It blocks while a Start or Stop is in progress.
func (c *Cluster) PIDs() []int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.pidsLocked()
}

func (c *Cluster) pidsLocked() []int {
	pids := make([]int, 0, len(c.tracked))
	for pid := range c.tracked {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

func (c *Cluster) processesLocked() []*process {
	procs := make([]*process, 0, len(c.tracked))
	for _, p := range c.tracked {
		procs = append(procs, p)
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].pid < procs[j].pid })
	return procs
}

// resetLocked forgets every tracked process and releases the cluster directories.
func (c *Cluster) resetLocked() {
	c.tracked = map[int]*process{}
	if c.dirs != nil {
		if err := c.dirs.release(); err != nil {
			c.Log.Warnf("releasing cluster dir: %s", err)
		}
		c.dirs = nil
	}
}
