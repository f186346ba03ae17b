package cluster

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sif/collect"
	"github.com/go-sif/collect/errors"
	pb "github.com/go-sif/collect/internal/rpc"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

// snapshotSender pushes a Worker's Snapshots to its Collector over a single gRPC stream
type snapshotSender struct {
	lock   sync.Mutex
	conn   *grpc.ClientConn
	stream pb.SnapshotService_PushClient
	cancel context.CancelFunc
	chunks uint64
	closed bool
	logger logrus.FieldLogger
}

// dialCollector connects to a group's Collector and opens the Worker's Push stream,
// retrying while the Collector is not yet serving
func dialCollector(ctx context.Context, opts *NodeOptions, g collect.CollectorGroup, logger logrus.FieldLogger) (*snapshotSender, error) {
	target := opts.collectorConnectionString(g.ID)
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.TransportError{Op: "dial " + target, Err: err}
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(opts.ConnectRetries)), ctx)
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, opts.RPCTimeout)
		defer cancel()
		err := waitForReady(attemptCtx, conn)
		if err != nil {
			logger.WithField("action", "connect").Debugf("Collector at %s is not ready (attempt %d): %v", target, attempt, err)
		}
		return err
	}, policy)
	if err != nil {
		conn.Close()
		return nil, errors.TransportError{Op: "connect to " + target, Err: err}
	}
	// the stream outlives ctx, and is cancelled by Close
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := pb.NewSnapshotServiceClient(conn).Push(streamCtx)
	if err != nil {
		cancel()
		conn.Close()
		return nil, errors.TransportError{Op: "open stream to " + target, Err: err}
	}
	logger.WithField("action", "connect").Debugf("Connected to collector at %s", target)
	return &snapshotSender{conn: conn, stream: stream, cancel: cancel, logger: logger}, nil
}

// waitForReady blocks until conn is ready, shuts down or ctx is done. gRPC reconnects on
// its own while the connection is failing.
func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return backoff.Permanent(fmt.Errorf("connection is shut down"))
		case connectivity.Idle:
			conn.Connect()
		}
		if !conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("connection is still %s: %v", state, ctx.Err())
		}
	}
}

// Send streams a Snapshot's chunks, blocking only on gRPC flow control
func (s *snapshotSender) Send(ctx context.Context, snap *collect.Snapshot) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return errors.TransportError{Op: "send", Err: fmt.Errorf("sender is closed")}
	}
	chunks, err := chunkSnapshot(snap)
	if err != nil {
		return errors.TransportError{Op: "send", Err: err}
	}
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return errors.TransportError{Op: "send", Err: err}
		}
		if err := s.stream.Send(chunk); err != nil {
			if err == io.EOF {
				// the collector ended the stream, and RecvMsg reports why
				err = s.stream.RecvMsg(new(pb.MPushAck))
			}
			return errors.TransportError{Op: "send", Err: err}
		}
		s.chunks++
	}
	return nil
}

// Close ends the stream, waiting for the Collector's acknowledgement
func (s *snapshotSender) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	defer s.conn.Close()
	defer s.cancel()
	ack, err := s.stream.CloseAndRecv()
	if err != nil {
		return errors.TransportError{Op: "close", Err: err}
	}
	if ack.Chunks != s.chunks {
		return errors.TransportError{Op: "close", Err: fmt.Errorf("collector acknowledged %d of %d chunks", ack.Chunks, s.chunks)}
	}
	s.logger.WithField("action", "close").Debugf("Collector acknowledged %d snapshots (finished: %v)", ack.Snapshots, ack.Finished)
	return nil
}
