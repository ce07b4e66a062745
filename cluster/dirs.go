package cluster

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// clusterDirs is the on-disk root of one running cluster.
// Persistent clusters get a stable directory under the distribution's working dir, keyed by cluster name and port,
// so two clusters only share data when they are the same cluster. Ephemeral clusters get a fresh temp dir that is
// removed on release. The root is flock'ed while the cluster runs.
type clusterDirs struct {
	root      string
	ephemeral bool
	lockFile  *os.File
}

var errDirInUse = errors.New("cluster directory is in use by another cluster")

func openClusterDirs(cfg Config, workingDir string) (*clusterDirs, error) {
	d := &clusterDirs{ephemeral: !cfg.Persistent}
	if cfg.Persistent {
		d.root = filepath.Join(workingDir, "clusters", cfg.ClusterName+"-"+strconv.Itoa(cfg.Port))
	} else {
		d.root = filepath.Join(os.TempDir(), "escluster-"+uuid.NewString())
	}

	if err := os.MkdirAll(d.root, 0755); err != nil {
		return nil, fmt.Errorf("creating cluster dir: %w", err)
	}

	lockFile, err := os.OpenFile(filepath.Join(d.root, ".lock"), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	err = unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		lockFile.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("%w: %s", errDirInUse, d.root)
		}
		return nil, fmt.Errorf("locking cluster dir: %w", err)
	}
	d.lockFile = lockFile

	return d, nil
}

// nodeDir returns the directory of node instance, creating its data, work and logs subdirectories.
func (d *clusterDirs) nodeDir(instance int) (string, error) {
	dir := filepath.Join(d.root, "node-"+strconv.Itoa(instance))
	for _, sub := range []string{"data", "work", "logs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return "", fmt.Errorf("creating %s dir for node %d: %w", sub, instance, err)
		}
	}
	return dir, nil
}

// release unlocks the root, and removes it if the cluster is ephemeral.
func (d *clusterDirs) release() error {
	var errs []error
	if d.lockFile != nil {
		if err := unix.Flock(int(d.lockFile.Fd()), unix.LOCK_UN); err != nil {
			errs = append(errs, fmt.Errorf("unlocking cluster dir: %w", err))
		}
		if err := d.lockFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing lock file: %w", err))
		}
		d.lockFile = nil
	}
	if d.ephemeral {
		if err := os.RemoveAll(d.root); err != nil {
			errs = append(errs, fmt.Errorf("removing cluster dir: %w", err))
		}
	}
	return errors.Join(errs...)
}
