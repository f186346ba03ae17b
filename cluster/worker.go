package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-sif/collect"
	"github.com/go-sif/collect/codec"
	"github.com/go-sif/collect/errors"
	"github.com/go-sif/collect/internal/worker"
	"github.com/sirupsen/logrus"
)

// workerNode is a Worker, pushing Snapshots of its local Document to its group's Collector
type workerNode struct {
	opts          *NodeOptions
	proc          collect.Process
	group         collect.CollectorGroup
	codec         *codec.Codec
	logger        logrus.FieldLogger
	lifecycleLock sync.Mutex
	agent         *worker.Agent
	finished      chan struct{}
	finishOnce    sync.Once
	stopped       bool
}

func createWorker(opts *NodeOptions, proc collect.Process, g collect.CollectorGroup, c *codec.Codec, logger logrus.FieldLogger) (*workerNode, error) {
	return &workerNode{opts: opts, proc: proc, group: g, codec: c, logger: logger, finished: make(chan struct{})}, nil
}

// IsCollector returns false for Workers
func (n *workerNode) IsCollector() bool {
	return false
}

func (n *workerNode) Process() collect.Process {
	return n.proc
}

func (n *workerNode) Group() collect.CollectorGroup {
	return n.group
}

// Start connects to the group's Collector
func (n *workerNode) Start(ctx context.Context) error {
	n.lifecycleLock.Lock()
	defer n.lifecycleLock.Unlock()
	if n.agent != nil {
		return fmt.Errorf("Worker %d has already been started", n.proc.Rank)
	}
	var sender collect.Sender
	if n.opts.Fabric != nil {
		s, err := n.opts.Fabric.Sender(n.group, n.proc.Rank)
		if err != nil {
			return err
		}
		sender = s
	} else {
		s, err := dialCollector(ctx, n.opts, n.group, n.logger)
		if err != nil {
			return err
		}
		sender = s
	}
	agent, err := worker.New(n.proc, n.group, n.opts.NewDocument(), n.codec, sender, n.opts.SyncCadence, n.logger)
	if err != nil {
		sender.Close()
		return err
	}
	n.agent = agent
	return nil
}

func (n *workerNode) getAgent() (*worker.Agent, error) {
	n.lifecycleLock.Lock()
	defer n.lifecycleLock.Unlock()
	if n.agent == nil {
		return nil, fmt.Errorf("Worker %d must be started first", n.proc.Rank)
	}
	return n.agent, nil
}

// Update applies fn to the local Document
func (n *workerNode) Update(fn func(doc collect.Document) error) error {
	a, err := n.getAgent()
	if err != nil {
		return err
	}
	return a.Update(fn)
}

// Sync pushes everything accumulated since the last Sync to the Collector
func (n *workerNode) Sync(ctx context.Context) error {
	a, err := n.getAgent()
	if err != nil {
		return err
	}
	return a.Sync(ctx)
}

// Tick records n produced records, syncing at the configured cadence
func (n *workerNode) Tick(ctx context.Context, records int) (bool, error) {
	a, err := n.getAgent()
	if err != nil {
		return false, err
	}
	return a.Tick(ctx, records)
}

// Finish pushes any remaining data, then the sentinel, and closes the group channel
func (n *workerNode) Finish(ctx context.Context) error {
	a, err := n.getAgent()
	if err != nil {
		return err
	}
	if err := a.Sync(ctx); err != nil {
		return err
	}
	if err := a.SendFinished(ctx); err != nil {
		return err
	}
	if err := a.Close(); err != nil {
		return err
	}
	n.finishOnce.Do(func() { close(n.finished) })
	return nil
}

// Run blocks until this Worker has finished. Workers have no Result.
func (n *workerNode) Run(ctx context.Context) (*Result, error) {
	select {
	case <-n.finished:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status is not available on Workers
func (n *workerNode) Status() Status {
	return Status{}
}

// GracefulStop the Worker
func (n *workerNode) GracefulStop() error {
	return n.Stop()
}

// Stop the Worker, releasing its connection to the Collector
func (n *workerNode) Stop() error {
	n.lifecycleLock.Lock()
	defer n.lifecycleLock.Unlock()
	if n.stopped {
		return nil
	}
	n.stopped = true
	defer n.codec.Close()
	if n.agent != nil && !n.agent.Finished() {
		n.logger.WithField("action", "stop").Warnf("Worker stopped before sending its sentinel")
		if err := n.agent.Close(); err != nil && !errors.IsTransport(err) {
			return err
		}
	}
	return nil
}
