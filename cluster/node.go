package cluster

import (
	"context"
	"fmt"

	"github.com/go-sif/collect"
	"github.com/go-sif/collect/codec"
	"github.com/go-sif/collect/group"
	"github.com/go-sif/collect/internal/collector"
	"github.com/go-sif/collect/logging"
)

// Result describes the final output of a Collector
type Result = collector.Result

// Status is a point-in-time view of a running Collector
type Status = collector.Status

// Node is a Process participating in a collection job, either as a Worker or as the Collector
// of its group. Nodes present several methods to control their lifecycle.
type Node interface {
	IsCollector() bool
	Process() collect.Process
	Group() collect.CollectorGroup
	// Start binds (Collectors) or connects (Workers) this Node's group channel
	Start(ctx context.Context) error
	// Update applies fn to a Worker's local Document
	Update(fn func(doc collect.Document) error) error
	// Sync pushes a Worker's accumulated data to its Collector, without waiting for a merge
	Sync(ctx context.Context) error
	// Tick records n produced records on a Worker, syncing every NodeOptions.SyncCadence records
	Tick(ctx context.Context, n int) (bool, error)
	// Finish flushes a Worker's remaining data and signals its Collector that it is done
	Finish(ctx context.Context) error
	// Run blocks until this Node's part of the job is complete. Collectors return their Result.
	Run(ctx context.Context) (*Result, error)
	// Status returns the state of a Collector
	Status() Status
	// GracefulStop releases this Node's resources, waiting for in-flight RPCs
	GracefulStop() error
	// Stop releases this Node's resources immediately
	Stop() error
}

// CreateNode creates a Node, deriving its role from its rank. Rank and Size may be supplied
// through $SIF_RANK and $SIF_SIZE.
func CreateNode(opts *NodeOptions) (Node, error) {
	if err := ApplyEnvironment(opts); err != nil {
		return nil, err
	}
	return createNode(opts)
}

// CreateNodeInRole creates a Node and verifies that it was assigned the expected role
func CreateNodeInRole(role collect.Role, opts *NodeOptions) (Node, error) {
	n, err := createNode(opts)
	if err != nil {
		return nil, err
	}
	if n.Process().Role != role {
		n.Stop()
		return nil, fmt.Errorf("Process %d is a %s, not a %s", opts.Rank, n.Process().Role, role)
	}
	return n, nil
}

func createNode(opts *NodeOptions) (Node, error) {
	opts = CloneNodeOptions(opts)
	// default certain options if not supplied
	if err := ensureDefaultNodeOptionsValues(opts); err != nil {
		return nil, err
	}
	proc, g, err := group.Assign(opts.JobID, opts.Rank, opts.Size, opts.NumCollectors)
	if err != nil {
		return nil, err
	}
	compression, err := codec.ParseCompression(opts.Compression)
	if err != nil {
		return nil, err
	}
	c, err := codec.New(compression)
	if err != nil {
		return nil, err
	}
	logger := logging.ForProcess(opts.Logger, proc.Rank, proc.Group, proc.Role.String())
	if proc.IsCollector() {
		return createCollector(opts, proc, g, c, logger)
	}
	return createWorker(opts, proc, g, c, logger)
}
