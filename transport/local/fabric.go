// Package local provides an in-process transport, carrying each CollectorGroup's Snapshots
// over a buffered Go channel
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-sif/collect"
	"github.com/go-sif/collect/errors"
)

// DefaultCapacity is the default number of Snapshots buffered per group channel
const DefaultCapacity = 64

// Fabric is a set of in-process group-scoped channels, one per CollectorGroup
type Fabric struct {
	lock     sync.Mutex
	channels map[string]*channel
}

type channel struct {
	group     collect.CollectorGroup
	snapshots chan *collect.Snapshot
	closed    chan struct{}
	closeOnce sync.Once
}

// NewFabric creates one channel per group, each buffering up to capacity Snapshots
func NewFabric(groups []collect.CollectorGroup, capacity int) *Fabric {
	if capacity < 0 {
		capacity = DefaultCapacity
	}
	f := &Fabric{channels: make(map[string]*channel, len(groups))}
	for _, g := range groups {
		f.channels[g.Channel] = &channel{
			group:     g,
			snapshots: make(chan *collect.Snapshot, capacity),
			closed:    make(chan struct{}),
		}
	}
	return f
}

func (f *Fabric) lookup(group collect.CollectorGroup) (*channel, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	ch, ok := f.channels[group.Channel]
	if !ok || ch.group.ID != group.ID {
		return nil, errors.ConfigurationError{Reason: fmt.Sprintf("no channel %q for group %d", group.Channel, group.ID)}
	}
	return ch, nil
}

// Sender returns the Worker side of group's channel. Only Workers of group may send on it.
func (f *Fabric) Sender(group collect.CollectorGroup, worker int) (collect.Sender, error) {
	ch, err := f.lookup(group)
	if err != nil {
		return nil, err
	}
	if !ch.group.HasWorker(worker) {
		return nil, errors.ConfigurationError{Reason: fmt.Sprintf("process %d is not a worker in group %d", worker, group.ID)}
	}
	return &sender{ch: ch, worker: worker}, nil
}

// Receiver returns the Collector side of group's channel
func (f *Fabric) Receiver(group collect.CollectorGroup) (collect.Receiver, error) {
	ch, err := f.lookup(group)
	if err != nil {
		return nil, err
	}
	return &receiver{ch: ch}, nil
}

type sender struct {
	lock   sync.Mutex
	ch     *channel
	worker int
	closed bool
}

// Send blocks until the channel has room for s, ctx is done or the Collector goes away
func (s *sender) Send(ctx context.Context, snap *collect.Snapshot) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return errors.TransportError{Op: "send", Err: fmt.Errorf("sender for worker %d is closed", s.worker)}
	}
	if snap.Worker != s.worker {
		return errors.TransportError{Op: "send", Err: fmt.Errorf("sender for worker %d cannot send snapshots of worker %d", s.worker, snap.Worker)}
	}
	select {
	case s.ch.snapshots <- snap:
		return nil
	case <-s.ch.closed:
		return errors.TransportError{Op: "send", Err: fmt.Errorf("channel %q was closed by its collector", s.ch.group.Channel)}
	case <-ctx.Done():
		return errors.TransportError{Op: "send", Err: ctx.Err()}
	}
}

func (s *sender) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	return nil
}

type receiver struct {
	ch *channel
}

// Recv blocks until a Snapshot arrives, ctx is done or the channel is closed
func (r *receiver) Recv(ctx context.Context) (*collect.Snapshot, error) {
	select {
	case snap := <-r.ch.snapshots:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.ch.closed:
		return nil, errors.TransportError{Op: "receive", Err: fmt.Errorf("channel %q is closed", r.ch.group.Channel)}
	}
}

func (r *receiver) Close() error {
	r.ch.closeOnce.Do(func() {
		close(r.ch.closed)
	})
	return nil
}
