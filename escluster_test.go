package escluster

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/guseggert/escluster/client"
	"github.com/guseggert/escluster/cluster"
	"github.com/guseggert/escluster/estest"
	"github.com/guseggert/escluster/internal/files"
	"github.com/guseggert/escluster/internal/net"
	"github.com/guseggert/escluster/internal/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

// downloadPath shares downloaded distributions between runs, in a .cache dir next to go.mod.
func downloadPath(t *testing.T) string {
	wd, err := os.Getwd()
	require.NoError(t, err)
	goMod := files.FindUp("go.mod", wd)
	if goMod == "" {
		return t.TempDir()
	}
	return filepath.Join(filepath.Dir(goMod), ".cache")
}

func TestCluster(t *testing.T) {
	run := func(t *testing.T, name string, nodes int, persistent bool) {
		t.Run(name, func(t *testing.T) {
			test.Integration(t)
			ctx := context.Background()

			port, err := net.GetEphemeralTCPPortRange(nodes)
			require.NoError(t, err)

			cfg, err := cluster.ConfigFromEnv()
			require.NoError(t, err)
			cfg.Port = port
			cfg.Nodes = nodes
			cfg.Persistent = persistent
			cfg.ClusterName = fmt.Sprintf("escluster_%d", port)
			if os.Getenv(cluster.EnvDownloadPath) == "" {
				cfg.DownloadPath = downloadPath(t)
			}

			c, err := cluster.New(cfg, cluster.WithLogger(zaptest.NewLogger(t).Sugar()))
			require.NoError(t, err)
			s := estest.New(c).WithLogger(zaptest.NewLogger(t).Sugar())
			defer s.Teardown()

			s.Setup(t)
			require.Len(t, c.PIDs(), nodes)

			// In parallel, create an index through each node.
			group, groupCtx := errgroup.WithContext(ctx)
			for i := 0; i < nodes; i++ {
				i := i
				group.Go(func() error {
					api := client.New("localhost", port+i, client.WithLogger(zaptest.NewLogger(t).Sugar()))
					return api.CreateIndex(groupCtx, fmt.Sprintf("index-%d", i))
				})
			}
			require.NoError(t, group.Wait())

			api := s.Client()
			for i := 0; i < nodes; i++ {
				exists, err := api.IndexExists(ctx, fmt.Sprintf("index-%d", i))
				require.NoError(t, err)
				assert.True(t, exists)
			}

			// the next test starts from a clean cluster
			s.Setup(t)
			exists, err := api.IndexExists(ctx, "index-0")
			require.NoError(t, err)
			assert.False(t, exists)

			pids := c.PIDs()
			require.NoError(t, c.StopAndWait(ctx))
			assert.False(t, c.Running(ctx))
			assert.Empty(t, c.PIDs())
			assert.NotEmpty(t, pids)
		})
	}
	run(t, "single node", 1, false)
	run(t, "two nodes", 2, false)
	run(t, "persistent", 1, true)
}
