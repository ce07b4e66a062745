package cluster

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/guseggert/escluster/artifact"
	"github.com/spf13/cast"
)

var ErrInvalidConfig = errors.New("invalid cluster config")

// Config describes a local cluster. It must not be changed once Start has been called.
type Config struct {
	// Version of the distribution to download and run.
	Version string
	// DownloadPath is where distributions are downloaded and extracted. Persistent clusters keep their data under it.
	DownloadPath string

	// Port is the HTTP port of the first node, node i listens on Port+i-1.
	Port int
	// Nodes is the number of node processes to launch.
	Nodes int
	// ClusterName identifies the cluster, and is matched when checking whether it is running.
	ClusterName string
	// StartupTimeout bounds the wait for the cluster to become green.
	StartupTimeout time.Duration
	// Persistent keeps index data on disk across restarts, instead of using an in-memory store.
	Persistent bool
	// ExtraOptions are whitespace-separated arguments appended to each node's command line.
	ExtraOptions string

	// HealthInterval is the pause between health checks while waiting for a status.
	HealthInterval time.Duration
	// ProbeTimeout bounds the single health check behind Running.
	ProbeTimeout time.Duration
	// GracefulTimeout bounds the shutdown request plus the wait for nodes to exit by themselves.
	GracefulTimeout time.Duration
	// KillTimeout is how long a node gets to exit after each signal during escalation.
	KillTimeout time.Duration

	// Output receives the stdout and stderr of node processes, each line prefixed with the node name. Nil discards it.
	Output io.Writer
}

func DefaultConfig() Config {
	return Config{
		Version:         artifact.DefaultVersion,
		DownloadPath:    os.TempDir(),
		Port:            9250,
		Nodes:           1,
		ClusterName:     "elasticsearch_test",
		StartupTimeout:  60 * time.Second,
		HealthInterval:  1 * time.Second,
		ProbeTimeout:    500 * time.Millisecond,
		GracefulTimeout: 10 * time.Second,
		KillTimeout:     5 * time.Second,
	}
}

// Environment variables read by ConfigFromEnv.
const (
	EnvVersion      = "ELASTICSEARCH_VERSION"
	EnvDownloadPath = "ELASTICSEARCH_DOWNLOAD_PATH"
	EnvPort         = "TEST_CLUSTER_PORT"
	EnvNodes        = "TEST_CLUSTER_NODES"
	EnvName         = "TEST_CLUSTER_NAME"
	EnvTimeout      = "TEST_CLUSTER_TIMEOUT"
	EnvPersistent   = "TEST_CLUSTER_PERSISTENT"
	EnvParams       = "TEST_CLUSTER_PARAMS"
)

// ConfigFromEnv returns DefaultConfig overridden by any of the Env* variables that are set.
// A timeout without a unit is a number of seconds.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv(EnvVersion); v != "" {
		cfg.Version = v
	}
	if v := os.Getenv(EnvDownloadPath); v != "" {
		cfg.DownloadPath = v
	}
	if v := os.Getenv(EnvName); v != "" {
		cfg.ClusterName = v
	}
	if v := os.Getenv(EnvParams); v != "" {
		cfg.ExtraOptions = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := cast.ToIntE(v)
		if err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", EnvPort, err)
		}
		cfg.Port = port
	}
	if v := os.Getenv(EnvNodes); v != "" {
		nodes, err := cast.ToIntE(v)
		if err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", EnvNodes, err)
		}
		cfg.Nodes = nodes
	}
	if v := os.Getenv(EnvTimeout); v != "" {
		timeout, err := ParseTimeout(v)
		if err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", EnvTimeout, err)
		}
		cfg.StartupTimeout = timeout
	}
	if v := os.Getenv(EnvPersistent); v != "" {
		persistent, err := cast.ToBoolE(v)
		if err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", EnvPersistent, err)
		}
		cfg.Persistent = persistent
	}
	return cfg, cfg.Validate()
}

// ParseTimeout parses a startup timeout, either a number of seconds or a duration such as "90s".
func ParseTimeout(v string) (time.Duration, error) {
	if secs, err := cast.ToIntE(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return cast.ToDurationE(v)
}

func (c Config) Validate() error {
	switch {
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	case c.Nodes < 1:
		return fmt.Errorf("%w: need at least one node, got %d", ErrInvalidConfig, c.Nodes)
	case c.Port+c.Nodes-1 > 65535:
		return fmt.Errorf("%w: %d nodes starting at port %d exceed the port range", ErrInvalidConfig, c.Nodes, c.Port)
	case strings.TrimSpace(c.ClusterName) == "":
		return fmt.Errorf("%w: empty cluster name", ErrInvalidConfig)
	case c.StartupTimeout <= 0:
		return fmt.Errorf("%w: startup timeout must be positive", ErrInvalidConfig)
	case c.HealthInterval <= 0 || c.ProbeTimeout <= 0 || c.GracefulTimeout <= 0 || c.KillTimeout <= 0:
		return fmt.Errorf("%w: timeouts and intervals must be positive", ErrInvalidConfig)
	}
	return nil
}
