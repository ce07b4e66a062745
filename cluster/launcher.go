package cluster

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// process is a tracked node process.
// done is closed once a spawned process has been reaped. It is nil for processes discovered through the API,
// which are not our children and can only be polled.
type process struct {
	pid  int
	done chan struct{}
}

func (p *process) spawned() bool { return p.done != nil }

// reaped reports whether a spawned process has been waited for.
func (p *process) reaped() bool {
	if !p.spawned() {
		return false
	}
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// launcher builds node command lines and spawns node processes.
// It does no locking, the caller holds the cluster lock across a batch of launches.
type launcher struct {
	log        *zap.SugaredLogger
	cfg        Config
	executable string
	dirs       *clusterDirs
	// out receives node output, nil discards it.
	out *sharedOutput
}

func (l *launcher) nodeName(instance int) string {
	return fmt.Sprintf("%s-node-%d", l.cfg.ClusterName, instance)
}

func (l *launcher) httpPort(instance int) int {
	return l.cfg.Port + instance - 1
}

// args returns the command line arguments of node instance (1-based), whose directory is nodeDir.
func (l *launcher) args(instance int, nodeDir string) []string {
	gatewayType, storeType := "none", "memory"
	if l.cfg.Persistent {
		gatewayType, storeType = "local", "niofs"
	}
	settings := [][2]string{
		{"foreground", "yes"},
		{"cluster.name", l.cfg.ClusterName},
		{"node.name", l.nodeName(instance)},
		{"http.port", strconv.Itoa(l.httpPort(instance))},
		{"gateway.type", gatewayType},
		{"index.store.type", storeType},
		{"path.data", filepath.Join(nodeDir, "data")},
		{"path.work", filepath.Join(nodeDir, "work")},
		{"path.logs", filepath.Join(nodeDir, "logs")},
		{"cluster.routing.allocation.disk.threshold_enabled", "false"},
		{"network.host", "localhost"},
		{"discovery.zen.ping.multicast.enabled", "true"},
		{"script.inline", "on"},
		{"script.indexed", "on"},
		{"node.test", "true"},
		{"node.bench", "true"},
	}
	args := make([]string, 0, len(settings))
	for _, s := range settings {
		args = append(args, fmt.Sprintf("-Des.%s=%s", s[0], s[1]))
	}
	return append(args, strings.Fields(l.cfg.ExtraOptions)...)
}

// launch spawns node instance in its own process group, so signals sent to our process group do not reach it.
func (l *launcher) launch(instance int) (*process, error) {
	nodeDir, err := l.dirs.nodeDir(instance)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(l.executable, l.args(instance, nodeDir)...)
	cmd.Dir = nodeDir
	var output *nodeWriter
	if l.out != nil {
		// a single writer for both streams, so exec never calls it concurrently
		output = l.out.forNode(l.nodeName(instance))
		cmd.Stdout = output
		cmd.Stderr = output
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("running command: %w", err)
	}

	p := &process{pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if output != nil {
			output.Flush()
		}
		l.log.Debugw("node process exited", "Instance", instance, "PID", p.pid, "Err", err)
		close(p.done)
	}()

	l.log.Infow("launched node", "Instance", instance, "PID", p.pid, "Name", l.nodeName(instance), "Port", l.httpPort(instance))
	return p, nil
}
