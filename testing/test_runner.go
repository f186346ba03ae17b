// Package testing runs complete collection jobs within a single process, for tests and demos
package testing

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-sif/collect/cluster"
	"github.com/go-sif/collect/group"
	"github.com/go-sif/collect/transport/local"
	"golang.org/x/sync/errgroup"
)

// ProduceFunc produces a Worker's data, updating and syncing node as it goes. The runner
// finishes the Worker once ProduceFunc returns.
type ProduceFunc func(ctx context.Context, node cluster.Node) error

// LocalRunJob runs a job of opts.Size Processes within this process, calling produce once per
// Worker, and returns the Result of every Collector ordered by group. Processes communicate
// over an in-process Fabric unless opts names CollectorHosts, in which case they use gRPC.
func LocalRunJob(ctx context.Context, opts *cluster.NodeOptions, produce ProduceFunc) (results []*cluster.Result, err error) {
	opts = cluster.CloneNodeOptions(opts)
	if opts.NumCollectors == 0 {
		opts.NumCollectors = 1
	}
	if len(opts.JobID) == 0 {
		opts.JobID = "sif"
	}
	groups, err := group.Split(opts.JobID, opts.Size, opts.NumCollectors)
	if err != nil {
		return nil, err
	}
	if len(opts.CollectorHosts) == 0 && opts.Fabric == nil {
		capacity := opts.ChannelCapacity
		if capacity == 0 {
			capacity = local.DefaultCapacity
		}
		opts.Fabric = local.NewFabric(groups, capacity)
	}

	var collectors, workers []cluster.Node
	defer func() {
		for _, n := range workers {
			n.Stop()
		}
		for _, n := range collectors {
			n.GracefulStop()
		}
	}()
	for rank := 0; rank < opts.Size; rank++ {
		nopts := cluster.CloneNodeOptions(opts)
		nopts.Rank = rank
		proc, _, err := group.Assign(opts.JobID, rank, opts.Size, opts.NumCollectors)
		if err != nil {
			return nil, err
		}
		n, err := cluster.CreateNodeInRole(proc.Role, nopts)
		if err != nil {
			return nil, err
		}
		if n.IsCollector() {
			collectors = append(collectors, n)
		} else {
			workers = append(workers, n)
		}
	}
	// collectors bind before workers connect
	for _, n := range collectors {
		if err := n.Start(ctx); err != nil {
			return nil, err
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	var resultsLock sync.Mutex
	for _, n := range collectors {
		n := n
		eg.Go(func() error {
			res, err := n.Run(egCtx)
			if err != nil {
				return err
			}
			resultsLock.Lock()
			results = append(results, res)
			resultsLock.Unlock()
			return nil
		})
	}
	for _, n := range workers {
		n := n
		eg.Go(func() error {
			if err := n.Start(egCtx); err != nil {
				return err
			}
			if err := runProducer(egCtx, n, produce); err != nil {
				return err
			}
			return n.Finish(egCtx)
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Group.ID < results[j].Group.ID })
	return results, nil
}

// runProducer calls produce, turning panics into errors
func runProducer(ctx context.Context, n cluster.Node, produce ProduceFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if anErr, ok := r.(error); ok {
				err = anErr
			} else {
				err = fmt.Errorf("producer for %s panicked: %v", n.Process(), r)
			}
		}
	}()
	return produce(ctx, n)
}
