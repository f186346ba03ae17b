package cluster

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/go-sif/collect"
	"github.com/go-sif/collect/errors"
	pb "github.com/go-sif/collect/internal/rpc"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// 16-64kb is the ideal stream chunk size according to https://jbrandhorst.com/post/grpc-binary-blob-stream/
const maxChunkBytes = 63 * 1024 // leave room for 1kb of other things

// reassembly buffers grow past this as chunks arrive, rather than trusting the declared size
const maxReassemblyPrealloc = 4 << 20

// chunkSnapshot splits a Snapshot into stream chunks. The sentinel is a single chunk
// with no data. Sizes travel as int32, so larger payloads cannot be sent.
func chunkSnapshot(s *collect.Snapshot) ([]*pb.MSnapshotChunk, error) {
	if s.IsSentinel() {
		return []*pb.MSnapshotChunk{{
			Channel: s.Channel,
			Group:   int32(s.Group),
			Worker:  int32(s.Worker),
			Seq:     s.Seq,
		}}, nil
	}
	totalSize := len(s.Payload)
	if err := checkStreamable(s.Seq, int64(totalSize)); err != nil {
		return nil, err
	}
	chunks := make([]*pb.MSnapshotChunk, 0, totalSize/maxChunkBytes+1)
	for j := 0; j < totalSize; j += maxChunkBytes {
		end := j + maxChunkBytes
		if end > totalSize {
			end = totalSize
		}
		chunks = append(chunks, &pb.MSnapshotChunk{
			Channel:            s.Channel,
			Group:              int32(s.Group),
			Worker:             int32(s.Worker),
			Seq:                s.Seq,
			Data:               s.Payload[j:end],
			TotalSizeBytes:     int32(totalSize),
			RemainingSizeBytes: int32(totalSize - end),
			Append:             int32(j),
		})
	}
	return chunks, nil
}

// checkStreamable fails for payloads whose size does not fit in a chunk's int32 fields
func checkStreamable(seq uint64, size int64) error {
	if size > math.MaxInt32 {
		return fmt.Errorf("snapshot %d is %d bytes, more than the %d a stream can carry", seq, size, math.MaxInt32)
	}
	return nil
}

// reassembler rebuilds Snapshots from the chunks of a single stream
type reassembler struct {
	current  *collect.Snapshot
	maxBytes int // largest accepted snapshot. 0 accepts anything a stream can carry
}

// validate checks the sizes a chunk declares before any of them is trusted
func (r *reassembler) validate(c *pb.MSnapshotChunk) error {
	worker := int(c.Worker)
	if c.TotalSizeBytes < 0 || c.Append < 0 || c.RemainingSizeBytes < 0 {
		return errors.ProtocolError{Worker: worker, Reason: fmt.Sprintf("chunk of snapshot %d declares negative sizes (total %d, offset %d, remaining %d)", c.Seq, c.TotalSizeBytes, c.Append, c.RemainingSizeBytes)}
	}
	if int64(c.Append)+int64(len(c.Data))+int64(c.RemainingSizeBytes) != int64(c.TotalSizeBytes) {
		return errors.ProtocolError{Worker: worker, Reason: fmt.Sprintf("chunk of snapshot %d at offset %d with %d bytes and %d remaining does not add up to %d", c.Seq, c.Append, len(c.Data), c.RemainingSizeBytes, c.TotalSizeBytes)}
	}
	if r.maxBytes > 0 && int64(c.TotalSizeBytes) > int64(r.maxBytes) {
		return errors.ProtocolError{Worker: worker, Reason: fmt.Sprintf("snapshot %d is %d bytes, more than the allowed %d", c.Seq, c.TotalSizeBytes, r.maxBytes)}
	}
	return nil
}

// add consumes a chunk, returning a Snapshot once all of its chunks have arrived
func (r *reassembler) add(c *pb.MSnapshotChunk) (*collect.Snapshot, error) {
	worker := int(c.Worker)
	if err := r.validate(c); err != nil {
		r.current = nil
		return nil, err
	}
	if c.TotalSizeBytes == 0 {
		if r.current != nil {
			return nil, errors.ProtocolError{Worker: worker, Reason: fmt.Sprintf("sentinel interrupted snapshot %d", r.current.Seq)}
		}
		return collect.NewSentinel(c.Channel, int(c.Group), worker, c.Seq), nil
	}
	if c.Append == 0 {
		if r.current != nil {
			return nil, errors.ProtocolError{Worker: worker, Reason: fmt.Sprintf("snapshot %d started before snapshot %d was complete", c.Seq, r.current.Seq)}
		}
		r.current = &collect.Snapshot{
			Channel: c.Channel,
			Group:   int(c.Group),
			Worker:  worker,
			Seq:     c.Seq,
			Payload: make([]byte, 0, minInt(int(c.TotalSizeBytes), maxReassemblyPrealloc)),
		}
	} else if r.current == nil || r.current.Seq != c.Seq || int(c.Append) != len(r.current.Payload) {
		return nil, errors.ProtocolError{Worker: worker, Reason: fmt.Sprintf("chunk at offset %d of snapshot %d arrived out of order", c.Append, c.Seq)}
	}
	r.current.Payload = append(r.current.Payload, c.Data...)
	if c.RemainingSizeBytes > 0 {
		return nil, nil
	}
	s := r.current
	r.current = nil
	if len(s.Payload) != int(c.TotalSizeBytes) {
		return nil, errors.ProtocolError{Worker: worker, Reason: fmt.Sprintf("snapshot %d has %d bytes, expected %d", s.Seq, len(s.Payload), c.TotalSizeBytes)}
	}
	return s, nil
}

func minInt(a int, b int) int {
	if a < b {
		return a
	}
	return b
}

// snapshotServer receives Snapshots for a single group over gRPC, and is that group's
// Receiver. Each Worker pushes over its own stream, so Snapshots from one Worker stay in order.
type snapshotServer struct {
	group     collect.CollectorGroup
	queue     chan *collect.Snapshot
	closed    chan struct{}
	closeOnce sync.Once
	maxBytes  int
	logger    logrus.FieldLogger
}

// createSnapshotServer creates a new snapshotServer which refuses snapshots over maxBytes
func createSnapshotServer(g collect.CollectorGroup, capacity int, maxBytes int, logger logrus.FieldLogger) *snapshotServer {
	return &snapshotServer{
		group:    g,
		maxBytes: maxBytes,
		queue:    make(chan *collect.Snapshot, capacity),
		closed:   make(chan struct{}),
		logger:   logger,
	}
}

// Push receives the chunked Snapshots of one Worker until it closes its stream
func (s *snapshotServer) Push(stream pb.SnapshotService_PushServer) error {
	r := reassembler{maxBytes: s.maxBytes}
	ack := &pb.MPushAck{}
	var streamWorker int32
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(ack)
		} else if err != nil {
			return err
		}
		ack.Chunks++
		if chunk.Channel != s.group.Channel || int(chunk.Group) != s.group.ID {
			return s.reject(errors.ProtocolError{Worker: int(chunk.Worker), Reason: fmt.Sprintf("chunk for channel %q sent to the collector of %q", chunk.Channel, s.group.Channel)})
		}
		if !s.group.HasWorker(int(chunk.Worker)) {
			return s.reject(errors.ProtocolError{Worker: int(chunk.Worker), Reason: fmt.Sprintf("not a worker in group %d", s.group.ID)})
		}
		// a stream belongs to the worker which sent its first chunk
		if ack.Chunks == 1 {
			streamWorker = chunk.Worker
		} else if chunk.Worker != streamWorker {
			return s.reject(errors.ProtocolError{Worker: int(chunk.Worker), Reason: fmt.Sprintf("chunk sent on the stream of worker %d", streamWorker)})
		}
		snap, err := r.add(chunk)
		if err != nil {
			return s.reject(err)
		}
		if snap == nil {
			continue
		}
		select {
		case s.queue <- snap:
		case <-s.closed:
			return status.Errorf(codes.Unavailable, "collector for group %d has finished", s.group.ID)
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
		if snap.IsSentinel() {
			ack.Finished = true
		} else {
			ack.Snapshots++
		}
	}
}

func (s *snapshotServer) reject(err error) error {
	s.logger.WithField("action", "receive").Warn(err.Error())
	return status.Error(codes.InvalidArgument, err.Error())
}

// Recv blocks until a Snapshot arrives, ctx is done or the server is closed
func (s *snapshotServer) Recv(ctx context.Context) (*collect.Snapshot, error) {
	select {
	case snap := <-s.queue:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, errors.TransportError{Op: "receive", Err: fmt.Errorf("snapshot server for group %d is closed", s.group.ID)}
	}
}

// Close stops accepting Snapshots
func (s *snapshotServer) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	return nil
}
