package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/guseggert/escluster/artifact"
	"github.com/guseggert/escluster/cluster"
	"github.com/guseggert/escluster/internal/files"
	"github.com/guseggert/escluster/internal/net"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// flags fall back to env vars, which may come from a .env file in this or a parent dir
	if wd, err := os.Getwd(); err == nil {
		if envFile := files.FindUp(".env", wd); envFile != "" {
			if err := godotenv.Load(envFile); err != nil {
				log.Fatalf("loading %s: %s", envFile, err)
			}
		}
	}

	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	defaults := cluster.DefaultConfig()
	return &cli.App{
		Name:  "escluster",
		Usage: "run a local Elasticsearch cluster for tests",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "es-version",
				Usage:   "Elasticsearch version to run.",
				Value:   defaults.Version,
				EnvVars: []string{cluster.EnvVersion},
			},
			&cli.StringFlag{
				Name:    "download-path",
				Usage:   "Directory where distributions are downloaded and extracted.",
				Value:   defaults.DownloadPath,
				EnvVars: []string{cluster.EnvDownloadPath},
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "HTTP port of the first node, 0 picks free ports.",
				Value:   defaults.Port,
				EnvVars: []string{cluster.EnvPort},
			},
			&cli.IntFlag{
				Name:    "nodes",
				Usage:   "Number of nodes.",
				Value:   defaults.Nodes,
				EnvVars: []string{cluster.EnvNodes},
			},
			&cli.StringFlag{
				Name:    "cluster-name",
				Usage:   "Name of the cluster.",
				Value:   defaults.ClusterName,
				EnvVars: []string{cluster.EnvName},
			},
			&cli.StringFlag{
				Name:    "timeout",
				Usage:   "How long to wait for the cluster to become green, in seconds or as a duration.",
				Value:   defaults.StartupTimeout.String(),
				EnvVars: []string{cluster.EnvTimeout},
			},
			&cli.BoolFlag{
				Name:    "persistent",
				Usage:   "Keep index data on disk across restarts.",
				EnvVars: []string{cluster.EnvPersistent},
			},
			&cli.StringFlag{
				Name:    "params",
				Usage:   "Extra arguments for each node's command line.",
				EnvVars: []string{cluster.EnvParams},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "start the cluster and wait until it is stopped",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "detach",
						Usage: "Return once the cluster is green, leaving the nodes running.",
					},
				},
				Action: start,
			},
			{
				Name:   "status",
				Usage:  "print the health of the cluster",
				Action: status,
			},
			{
				Name:   "stop",
				Usage:  "stop a cluster running on the configured port",
				Action: stop,
			},
			{
				Name:      "clear",
				Usage:     "delete indices, all of them if none are given",
				ArgsUsage: "[index...]",
				Action:    clearIndices,
			},
			{
				Name:   "download",
				Usage:  "download and extract the distribution without starting anything",
				Action: download,
			},
		},
	}
}

func newLogger(ctx *cli.Context) (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(level))
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.Sugar(), nil
}

func configFromFlags(ctx *cli.Context) (cluster.Config, error) {
	cfg := cluster.DefaultConfig()
	cfg.Version = ctx.String("es-version")
	cfg.DownloadPath = ctx.String("download-path")
	cfg.Port = ctx.Int("port")
	cfg.Nodes = ctx.Int("nodes")
	cfg.ClusterName = ctx.String("cluster-name")
	cfg.Persistent = ctx.Bool("persistent")
	cfg.ExtraOptions = ctx.String("params")

	timeout, err := cluster.ParseTimeout(ctx.String("timeout"))
	if err != nil {
		return cfg, fmt.Errorf("parsing timeout: %w", err)
	}
	cfg.StartupTimeout = timeout

	if cfg.Port == 0 {
		port, err := net.GetEphemeralTCPPortRange(cfg.Nodes)
		if err != nil {
			return cfg, err
		}
		cfg.Port = port
	}
	return cfg, cfg.Validate()
}

func newCluster(ctx *cli.Context, modify ...func(cfg *cluster.Config)) (*cluster.Cluster, error) {
	log, err := newLogger(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := configFromFlags(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range modify {
		m(&cfg)
	}
	return cluster.New(cfg, cluster.WithLogger(log))
}

func start(ctx *cli.Context) error {
	if ctx.Bool("detach") {
		c, err := newCluster(ctx)
		if err != nil {
			return err
		}
		if err := c.Start(ctx.Context); err != nil {
			return err
		}
		fmt.Fprintf(ctx.App.Writer, "cluster %q running on port %d, pids %v\n", c.Config().ClusterName, c.Config().Port, c.PIDs())
		return nil
	}

	c, err := newCluster(ctx, func(cfg *cluster.Config) { cfg.Output = ctx.App.Writer })
	if err != nil {
		return err
	}
	// registered before starting, so that an interrupt during startup still stops the nodes once they are up
	unregister := c.RegisterShutdownHandler()
	defer unregister()
	if err := c.Start(ctx.Context); err != nil {
		return err
	}
	return c.Wait(ctx.Context)
}

func status(ctx *cli.Context) error {
	c, err := newCluster(ctx)
	if err != nil {
		return err
	}
	h, err := c.Health(ctx.Context)
	if err != nil {
		return cli.Exit(fmt.Sprintf("cluster is not running on port %d: %s", c.Config().Port, err), 1)
	}
	w := ctx.App.Writer
	fmt.Fprintf(w, "cluster: %s\n", h.ClusterName)
	fmt.Fprintf(w, "status:  %s\n", h.Status)
	fmt.Fprintf(w, "nodes:   %d\n", h.NumberOfNodes)
	if err := c.Attach(ctx.Context); err == nil {
		fmt.Fprintf(w, "pids:    %v\n", c.PIDs())
	}
	if !c.Running(ctx.Context) {
		return cli.Exit(fmt.Sprintf("port %d does not serve cluster %q with %d nodes", c.Config().Port, c.Config().ClusterName, c.Config().Nodes), 1)
	}
	return nil
}

func stop(ctx *cli.Context) error {
	c, err := newCluster(ctx)
	if err != nil {
		return err
	}
	if !c.Running(ctx.Context) {
		return cli.Exit(fmt.Sprintf("cluster %q is not running on port %d", c.Config().ClusterName, c.Config().Port), 1)
	}
	if err := c.Attach(ctx.Context); err != nil {
		c.Log.Warnf("stopping without known pids: %s", err)
	}
	pids := c.PIDs()
	c.Stop(ctx.Context)
	fmt.Fprintf(ctx.App.Writer, "stopped pids %v\n", pids)
	return nil
}

func clearIndices(ctx *cli.Context) error {
	c, err := newCluster(ctx)
	if err != nil {
		return err
	}
	var results []cluster.IndexResult
	if ctx.Args().Present() {
		results = c.DeleteIndex(ctx.Context, ctx.Args().Slice()...)
	} else {
		results = c.DeleteAllIndices(ctx.Context)
	}

	var errs []error
	var deleted []string
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, res.Err)
			continue
		}
		deleted = append(deleted, res.Index)
	}
	if len(deleted) > 0 {
		fmt.Fprintf(ctx.App.Writer, "deleted %s\n", strings.Join(deleted, ", "))
	}
	return errors.Join(errs...)
}

func download(ctx *cli.Context) error {
	log, err := newLogger(ctx)
	if err != nil {
		return err
	}
	d := artifact.NewDownloader(artifact.WithLogger(log))
	a, err := d.Resolve(ctx.Context, ctx.String("es-version"), ctx.String("download-path"))
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.App.Writer, a.Executable)
	return nil
}
