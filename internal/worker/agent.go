// Package worker implements the Worker side of snapshot collection
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-sif/collect"
	"github.com/go-sif/collect/codec"
	"github.com/go-sif/collect/errors"
	"github.com/sirupsen/logrus"
)

// Agent owns a Worker's local Document and pushes Snapshots of it to the group's Collector
type Agent struct {
	lock      sync.Mutex
	proc      collect.Process
	group     collect.CollectorGroup
	doc       collect.Document
	codec     *codec.Codec
	sender    collect.Sender
	cadence   int
	sinceSync int
	seq       uint64
	bytesSent uint64
	finished  bool
	logger    logrus.FieldLogger
}

// New creates an Agent for a Worker process. cadence is the number of records between
// automatic syncs triggered by Tick; values < 1 disable automatic syncs.
func New(proc collect.Process, group collect.CollectorGroup, doc collect.Document, c *codec.Codec, sender collect.Sender, cadence int, logger logrus.FieldLogger) (*Agent, error) {
	if proc.IsCollector() {
		return nil, errors.ConfigurationError{Reason: fmt.Sprintf("process %d is a collector, not a worker", proc.Rank)}
	}
	if !group.HasWorker(proc.Rank) {
		return nil, errors.ConfigurationError{Reason: fmt.Sprintf("process %d is not a worker in group %d", proc.Rank, group.ID)}
	}
	if doc == nil {
		return nil, errors.ConfigurationError{Reason: "worker requires a document"}
	}
	if c == nil || sender == nil {
		return nil, errors.ConfigurationError{Reason: "worker requires a codec and a sender"}
	}
	return &Agent{
		proc:    proc,
		group:   group,
		doc:     doc,
		codec:   c,
		sender:  sender,
		cadence: cadence,
		logger:  logger.WithField("worker", proc.Rank).WithField("group", group.ID),
	}, nil
}

// Update applies fn to the local Document, serialized with respect to snapshots
func (a *Agent) Update(fn func(doc collect.Document) error) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.finished {
		return errors.ProtocolError{Worker: a.proc.Rank, Reason: "document updated after the sentinel was sent"}
	}
	return fn(a.doc)
}

// SendSnapshot serializes the local Document and sends it to the Collector, blocking only on
// transport backpressure. On success the local Document is reset, so that the next Snapshot
// carries only new data. On failure the local Document is left untouched.
func (a *Agent) SendSnapshot(ctx context.Context) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.sendSnapshot(ctx)
}

func (a *Agent) sendSnapshot(ctx context.Context) error {
	if a.finished {
		return errors.ProtocolError{Worker: a.proc.Rank, Reason: "snapshot sent after the sentinel"}
	}
	buf, err := a.codec.Serialize(a.doc)
	if err != nil {
		return err
	}
	s := &collect.Snapshot{
		Channel: a.group.Channel,
		Group:   a.group.ID,
		Worker:  a.proc.Rank,
		Seq:     a.seq + 1,
		Payload: buf,
	}
	if err := a.sender.Send(ctx, s); err != nil {
		return a.transportError("send snapshot", err)
	}
	a.seq++
	a.bytesSent += uint64(len(buf))
	a.sinceSync = 0
	a.doc.Reset()
	a.logger.WithField("action", "sync").Debugf("Sent snapshot %d (%d bytes)", a.seq, len(buf))
	return nil
}

// SendFinished sends the sentinel, signaling that this Worker has no further data.
// It may only be called once.
func (a *Agent) SendFinished(ctx context.Context) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.finished {
		return errors.ProtocolError{Worker: a.proc.Rank, Reason: "sentinel sent twice"}
	}
	if err := a.sender.Send(ctx, collect.NewSentinel(a.group.Channel, a.group.ID, a.proc.Rank, a.seq+1)); err != nil {
		return a.transportError("send sentinel", err)
	}
	a.seq++
	a.finished = true
	a.logger.WithField("action", "finish").Infof("Sent sentinel after %d snapshots", a.seq-1)
	return nil
}

// Sync pushes everything accumulated since the previous Sync to the Collector. It returns as
// soon as the transport has accepted the Snapshot, and never waits for a merge.
func (a *Agent) Sync(ctx context.Context) error {
	return a.SendSnapshot(ctx)
}

// Tick records that the caller produced n records, and syncs once the configured cadence
// has been reached. It returns true if a sync was performed.
func (a *Agent) Tick(ctx context.Context, n int) (bool, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.finished {
		return false, errors.ProtocolError{Worker: a.proc.Rank, Reason: "record produced after the sentinel"}
	}
	a.sinceSync += n
	if a.cadence < 1 || a.sinceSync < a.cadence {
		return false, nil
	}
	if err := a.sendSnapshot(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Close releases the Agent's sender
func (a *Agent) Close() error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if err := a.sender.Close(); err != nil {
		return a.transportError("close", err)
	}
	return nil
}

// Seq returns the sequence number of the last message sent (snapshot or sentinel)
func (a *Agent) Seq() uint64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.seq
}

// BytesSent returns the number of serialized snapshot bytes sent so far
func (a *Agent) BytesSent() uint64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.bytesSent
}

// Finished returns true iff the sentinel has been sent
func (a *Agent) Finished() bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.finished
}

// Process returns the Worker process this Agent acts for
func (a *Agent) Process() collect.Process {
	return a.proc
}

func (a *Agent) transportError(op string, err error) error {
	if errors.IsTransport(err) {
		return err
	}
	return errors.TransportError{Op: op, Err: err}
}
