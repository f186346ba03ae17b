package cluster

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/go-sif/collect"
	"github.com/go-sif/collect/codec"
	"github.com/go-sif/collect/errors"
	"github.com/go-sif/collect/internal/collector"
	"github.com/go-sif/collect/internal/merger"
	pb "github.com/go-sif/collect/internal/rpc"
	iutil "github.com/go-sif/collect/internal/util"
	"github.com/go-sif/collect/stats"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

// collectorNode is the Collector of a group
type collectorNode struct {
	opts          *NodeOptions
	proc          collect.Process
	group         collect.CollectorGroup
	codec         *codec.Codec
	logger        logrus.FieldLogger
	lifecycleLock sync.Mutex
	server        *grpc.Server
	serveErr      chan error
	receiver      collect.Receiver
	loop          *collector.Loop
	stopped       bool
}

func createCollector(opts *NodeOptions, proc collect.Process, g collect.CollectorGroup, c *codec.Codec, logger logrus.FieldLogger) (*collectorNode, error) {
	return &collectorNode{opts: opts, proc: proc, group: g, codec: c, logger: logger}, nil
}

// IsCollector returns true for Collectors
func (n *collectorNode) IsCollector() bool {
	return true
}

func (n *collectorNode) Process() collect.Process {
	return n.proc
}

func (n *collectorNode) Group() collect.CollectorGroup {
	return n.group
}

// Start binds the group channel and prepares the collector loop
func (n *collectorNode) Start(ctx context.Context) error {
	n.lifecycleLock.Lock()
	defer n.lifecycleLock.Unlock()
	if n.loop != nil {
		return fmt.Errorf("Collector %d has already been started", n.proc.Rank)
	}
	if n.opts.Fabric != nil {
		r, err := n.opts.Fabric.Receiver(n.group)
		if err != nil {
			return err
		}
		n.receiver = r
	} else {
		lis, err := net.Listen("tcp", n.opts.connectionString(n.group.ID))
		if err != nil {
			return errors.TransportError{Op: "listen", Err: err}
		}
		srv := createSnapshotServer(n.group, n.opts.ChannelCapacity, n.opts.MaxSnapshotBytes, n.logger)
		n.server = grpc.NewServer(pb.ServerOptions()...)
		pb.RegisterSnapshotServiceServer(n.server, srv)
		n.receiver = srv
		n.serveErr = make(chan error, 1)
		n.logger.WithField("action", "listen").Infof("Collecting %s for workers %v at %s", n.group.Channel, n.group.Workers, lis.Addr())
		go func(server *grpc.Server) {
			n.serveErr <- server.Serve(lis)
		}(n.server)
	}
	metrics, err := stats.NewMetrics(n.opts.Registerer)
	if err != nil {
		return err
	}
	loop, err := collector.New(collector.Config{
		Process:     n.proc,
		Group:       n.group,
		Receiver:    n.receiver,
		Codec:       n.codec,
		NewDocument: n.opts.NewDocument,
		Sink:        n.opts.Sink,
		Destination: iutil.Destination(n.opts.Destination, n.opts.JobID, n.group.ID, n.proc.Rank, n.opts.NumCollectors),
		Policy: merger.Policy{
			Threshold:      n.opts.Threshold,
			StalenessBound: n.opts.StalenessBound,
			Adaptive:       n.opts.AdaptiveStaleness,
		},
		CheckpointOnMerge: n.opts.CheckpointOnMerge,
		DecodeWorkers:     n.opts.DecodeWorkers,
		LivenessInterval:  n.opts.LivenessInterval,
		StallTimeout:      n.opts.StallTimeout,
		Metrics:           metrics,
		Logger:            n.logger,
	})
	if err != nil {
		return err
	}
	n.loop = loop
	return nil
}

func (n *collectorNode) notAWorker() error {
	return errors.ConfigurationError{Reason: fmt.Sprintf("process %d is the collector of group %d, not a worker", n.proc.Rank, n.group.ID)}
}

func (n *collectorNode) Update(fn func(doc collect.Document) error) error {
	return n.notAWorker()
}

func (n *collectorNode) Sync(ctx context.Context) error {
	return n.notAWorker()
}

func (n *collectorNode) Tick(ctx context.Context, records int) (bool, error) {
	return false, n.notAWorker()
}

func (n *collectorNode) Finish(ctx context.Context) error {
	return n.notAWorker()
}

// Run collects until every Worker in the group has finished, then writes the group's output
func (n *collectorNode) Run(ctx context.Context) (*Result, error) {
	n.lifecycleLock.Lock()
	loop := n.loop
	n.lifecycleLock.Unlock()
	if loop == nil {
		return nil, fmt.Errorf("Collector %d must be started before it is run", n.proc.Rank)
	}
	res, err := loop.Run(ctx)
	// late or duplicate pushes are refused from here on
	n.receiver.Close()
	return res, err
}

// Status returns the state of the collector loop
func (n *collectorNode) Status() Status {
	n.lifecycleLock.Lock()
	loop := n.loop
	n.lifecycleLock.Unlock()
	if loop == nil {
		return Status{State: collector.StateListening, Workers: n.group.NumWorkers()}
	}
	return loop.Status()
}

// GracefulStop the Collector, waiting for RPCs to finish
func (n *collectorNode) GracefulStop() error {
	return n.stop(true)
}

// Stop the Collector immediately
func (n *collectorNode) Stop() error {
	return n.stop(false)
}

func (n *collectorNode) stop(graceful bool) error {
	n.lifecycleLock.Lock()
	defer n.lifecycleLock.Unlock()
	if n.stopped {
		return nil
	}
	n.stopped = true
	if n.receiver != nil {
		n.receiver.Close()
	}
	if n.server != nil {
		if graceful {
			n.server.GracefulStop()
		} else {
			n.server.Stop()
		}
		n.server = nil
		if err := <-n.serveErr; err != nil && err != grpc.ErrServerStopped {
			n.logger.WithField("action", "stop").Warnf("Collector server failed: %v", err)
		}
	}
	n.codec.Close()
	return nil
}
