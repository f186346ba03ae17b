package collect

import "context"

// A Sender is the Worker side of a group-scoped channel. Snapshots sent by a single
// Sender must be delivered reliably and in send order.
type Sender interface {
	Send(ctx context.Context, s *Snapshot) error // Send blocks until the transport has accepted the Snapshot
	Close() error                                // Close releases the channel; no Snapshots may be sent afterwards
}

// A Receiver is the Collector side of a group-scoped channel, fanning in Snapshots
// from every Worker in the group.
type Receiver interface {
	Recv(ctx context.Context) (*Snapshot, error) // Recv blocks until a Snapshot arrives or ctx is done
	Close() error                                // Close releases the channel
}
