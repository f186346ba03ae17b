// Command sifcollect histograms a numeric field of JSON lines events across a job of
// Worker and Collector processes.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	uuid "github.com/gofrs/uuid"
	"github.com/go-sif/collect/cluster"
	"github.com/go-sif/collect/internal/demo"
	"github.com/go-sif/collect/logging"
	siftest "github.com/go-sif/collect/testing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var parserFlags = []cli.Flag{
	&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "JSON lines `FILE` of events", Required: true},
	&cli.StringFlag{Name: "field", Aliases: []string{"f"}, Usage: "gjson `PATH` of the value to histogram", Required: true},
	&cli.IntFlag{Name: "bins", Value: 100, Usage: "number of histogram bins"},
	&cli.Float64Flag{Name: "lo", Value: 0, Usage: "lower edge of the histogram"},
	&cli.Float64Flag{Name: "hi", Value: 1, Usage: "upper edge of the histogram"},
	&cli.StringFlag{Name: "report", Usage: "write a JSON report to `FILE` (- for stdout)"},
	&cli.StringFlag{Name: "log-level", Value: "info", EnvVars: []string{"SIF_LOG_LEVEL"}},
	&cli.StringFlag{Name: "log-format", Value: "text", Usage: "text or json"},
}

var jobFlags = []cli.Flag{
	&cli.IntFlag{Name: "size", Aliases: []string{"n"}, Usage: "number of processes in the job"},
	&cli.IntFlag{Name: "collectors", Aliases: []string{"c"}, Usage: "number of collector groups"},
	&cli.Float64Flag{Name: "threshold", Usage: "fraction of contacted workers which triggers a merge"},
	&cli.DurationFlag{Name: "staleness", Usage: "merge held snapshots after this long regardless of threshold"},
	&cli.StringFlag{Name: "destination", Aliases: []string{"o"}, Usage: "output `PATTERN`, supporting {job}, {group} and {rank}"},
	&cli.IntFlag{Name: "sync-cadence", Value: 1000, Usage: "events between worker syncs"},
	&cli.StringFlag{Name: "compression", Usage: "none, lz4 or zstd"},
	&cli.BoolFlag{Name: "checkpoint", Usage: "persist intermediate results after each merge"},
}

func main() {
	app := &cli.App{
		Name:  "sifcollect",
		Usage: "collect and merge per-worker histograms of JSON lines events",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run one process of a distributed job, with its rank taken from --rank or $SIF_RANK",
				Flags:  concatFlags(parserFlags, jobFlags, runFlags),
				Action: runProcess,
			},
			{
				Name:   "local",
				Usage:  "run a whole job within this process",
				Flags:  concatFlags(parserFlags, jobFlags),
				Action: runLocal,
			},
		},
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var runFlags = []cli.Flag{
	&cli.StringFlag{Name: "config", Usage: "YAML `FILE` of NodeOptions"},
	&cli.StringFlag{Name: "job", Usage: "job ID, shared by every process"},
	&cli.IntFlag{Name: "rank", Usage: "rank of this process"},
	&cli.StringSliceFlag{Name: "collector-host", Usage: "host of each group's collector"},
	&cli.IntFlag{Name: "base-port", Usage: "collector of group g listens on base-port+g"},
	&cli.StringFlag{Name: "metrics-addr", Usage: "serve prometheus metrics at `ADDR`"},
}

func concatFlags(sets ...[]cli.Flag) []cli.Flag {
	var flags []cli.Flag
	for _, set := range sets {
		flags = append(flags, set...)
	}
	return flags
}

func newLogger(c *cli.Context) (*logrus.Logger, error) {
	level, err := logging.ParseLevel(c.String("log-level"))
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(level, c.String("log-format")), nil
}

func parserConf(c *cli.Context) demo.ParserConf {
	return demo.ParserConf{
		Path:  c.String("input"),
		Field: c.String("field"),
		Bins:  c.Int("bins"),
		Lo:    c.Float64("lo"),
		Hi:    c.Float64("hi"),
	}
}

// applyFlags overrides opts with every flag given on the command line
func applyFlags(c *cli.Context, opts *cluster.NodeOptions) {
	if c.IsSet("size") {
		opts.Size = c.Int("size")
	}
	if c.IsSet("collectors") {
		opts.NumCollectors = c.Int("collectors")
	}
	if c.IsSet("threshold") {
		opts.Threshold = c.Float64("threshold")
	}
	if c.IsSet("staleness") {
		opts.StalenessBound = c.Duration("staleness")
	}
	if c.IsSet("destination") {
		opts.Destination = c.String("destination")
	}
	if c.IsSet("sync-cadence") || opts.SyncCadence == 0 {
		opts.SyncCadence = c.Int("sync-cadence")
	}
	if c.IsSet("compression") {
		opts.Compression = c.String("compression")
	}
	if c.IsSet("checkpoint") {
		opts.CheckpointOnMerge = c.Bool("checkpoint")
	}
	if c.IsSet("log-level") || len(opts.LogLevel) == 0 {
		opts.LogLevel = c.String("log-level")
	}
}

func writeReport(c *cli.Context, report *demo.Report) error {
	dest := c.String("report")
	if len(dest) == 0 {
		return nil
	}
	var w io.Writer = os.Stdout
	if dest != "-" {
		f, err := os.Create(dest)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return report.Write(w)
}

func runLocal(c *cli.Context) error {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	conf := parserConf(c)
	opts := &cluster.NodeOptions{JobID: id.String(), Logger: logger, NewDocument: demo.NewDocument(conf)}
	applyFlags(c, opts)
	logger.WithField("job", opts.JobID).Infof("Running %d processes in %d groups", opts.Size, opts.NumCollectors)
	results, err := siftest.LocalRunJob(c.Context, opts, demo.Produce(conf, opts.JobID, opts.Size, opts.NumCollectors))
	if err != nil {
		return err
	}
	report, err := demo.NewReport(opts.JobID, results)
	if err != nil {
		return err
	}
	return writeReport(c, report)
}

func runProcess(c *cli.Context) error {
	opts := &cluster.NodeOptions{}
	if c.IsSet("config") {
		loaded, err := cluster.LoadOptions(c.String("config"))
		if err != nil {
			return err
		}
		opts = loaded
	}
	if err := cluster.ApplyEnvironment(opts); err != nil {
		return err
	}
	applyFlags(c, opts)
	if c.IsSet("job") {
		opts.JobID = c.String("job")
	}
	if c.IsSet("rank") {
		opts.Rank = c.Int("rank")
	}
	if c.IsSet("collector-host") {
		opts.CollectorHosts = c.StringSlice("collector-host")
	}
	if c.IsSet("base-port") {
		opts.BasePort = c.Int("base-port")
	}
	if len(opts.JobID) == 0 {
		// every process must agree on the job ID, so it cannot be generated here
		return fmt.Errorf("a job ID must be supplied with --job or in --config")
	}
	level, err := logging.ParseLevel(opts.LogLevel)
	if err != nil {
		return err
	}
	logger := logging.NewLogger(level, c.String("log-format"))
	opts.Logger = logger
	conf := parserConf(c)
	opts.NewDocument = demo.NewDocument(conf)

	registry := prometheus.NewRegistry()
	opts.Registerer = registry
	if addr := c.String("metrics-addr"); len(addr) > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithField("action", "metrics").Warnf("Metrics server failed: %v", err)
			}
		}()
		defer srv.Close()
	}

	node, err := cluster.CreateNode(opts)
	if err != nil {
		return err
	}
	defer node.Stop()
	if err := node.Start(c.Context); err != nil {
		return err
	}
	if !node.IsCollector() {
		if err := demo.Produce(conf, opts.JobID, opts.Size, opts.NumCollectors)(c.Context, node); err != nil {
			return err
		}
		if err := node.Finish(c.Context); err != nil {
			return err
		}
		_, err := node.Run(c.Context)
		return err
	}
	res, err := node.Run(c.Context)
	if err != nil {
		return err
	}
	report, err := demo.NewReport(opts.JobID, []*cluster.Result{res})
	if err != nil {
		return err
	}
	return writeReport(c, report)
}
