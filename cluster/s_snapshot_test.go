package cluster

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/go-sif/collect"
	"github.com/go-sif/collect/documents"
	"github.com/go-sif/collect/errors"
	"github.com/go-sif/collect/group"
	pb "github.com/go-sif/collect/internal/rpc"
	"github.com/go-sif/collect/logging"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestChunkAndReassemble(t *testing.T) {
	payload := make([]byte, 2*maxChunkBytes+17)
	for i := range payload {
		payload[i] = byte(i)
	}
	in := &collect.Snapshot{Channel: "job/group-0", Group: 0, Worker: 3, Seq: 5, Payload: payload}
	chunks, err := chunkSnapshot(in)
	require.Nil(t, err)
	require.Len(t, chunks, 3)
	require.EqualValues(t, 0, chunks[2].RemainingSizeBytes)

	var r reassembler
	for i, c := range chunks {
		out, err := r.add(c)
		require.Nil(t, err)
		if i < len(chunks)-1 {
			require.Nil(t, out)
		} else {
			require.Equal(t, in, out)
		}
	}
	sentinel, err := chunkSnapshot(collect.NewSentinel("job/group-0", 0, 3, 6))
	require.Nil(t, err)
	require.Len(t, sentinel, 1)
	out, err := r.add(sentinel[0])
	require.Nil(t, err)
	require.True(t, out.IsSentinel())
	require.EqualValues(t, 6, out.Seq)
}

func TestReassembleRejectsBrokenStreams(t *testing.T) {
	payload := make([]byte, maxChunkBytes+1)
	chunks, err := chunkSnapshot(&collect.Snapshot{Channel: "c", Worker: 1, Seq: 1, Payload: payload})
	require.Nil(t, err)
	sentinel, err := chunkSnapshot(collect.NewSentinel("c", 0, 1, 2))
	require.Nil(t, err)
	var perr errors.ProtocolError

	var r reassembler
	_, err = r.add(chunks[1])
	require.ErrorAs(t, err, &perr)

	r = reassembler{}
	_, err = r.add(chunks[0])
	require.Nil(t, err)
	_, err = r.add(sentinel[0])
	require.ErrorAs(t, err, &perr)
}

func TestReassembleRejectsMalformedSizes(t *testing.T) {
	for name, chunk := range map[string]*pb.MSnapshotChunk{
		"negative total":     {Worker: 1, Seq: 1, TotalSizeBytes: -5, Data: []byte{1}},
		"negative offset":    {Worker: 1, Seq: 1, TotalSizeBytes: 1, Append: -1, Data: []byte{1}, RemainingSizeBytes: 1},
		"negative remaining": {Worker: 1, Seq: 1, TotalSizeBytes: 1, Data: []byte{1, 2}, RemainingSizeBytes: -1},
		"sizes disagree":     {Worker: 1, Seq: 1, TotalSizeBytes: math.MaxInt32, Data: []byte{1}},
		"data on sentinel":   {Worker: 1, Seq: 1, Data: []byte{1}},
		"over the limit":     {Worker: 1, Seq: 1, TotalSizeBytes: 11, Data: make([]byte, 11)},
	} {
		r := reassembler{maxBytes: 10}
		var out *collect.Snapshot
		var err error
		require.NotPanics(t, func() { out, err = r.add(chunk) }, name)
		require.Nil(t, out, name)
		var perr errors.ProtocolError
		require.ErrorAs(t, err, &perr, name)
	}

	// a snapshot at the limit is still accepted
	r := reassembler{maxBytes: 10}
	out, err := r.add(&pb.MSnapshotChunk{Worker: 1, Seq: 1, TotalSizeBytes: 10, Data: make([]byte, 10)})
	require.Nil(t, err)
	require.Equal(t, 10, out.Len())
}

func TestOversizedPayloadsAreNotStreamed(t *testing.T) {
	require.Nil(t, checkStreamable(1, math.MaxInt32))
	require.NotNil(t, checkStreamable(1, math.MaxInt32+1))
	require.NotNil(t, checkStreamable(1, 1<<32+5))
}

func freePort(t *testing.T) int {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port
}

func TestPushOverGRPC(t *testing.T) {
	defer goleak.VerifyNone(t)
	opts := &NodeOptions{
		JobID:          "rpc",
		Size:           3,
		Host:           "127.0.0.1",
		BasePort:       freePort(t),
		CollectorHosts: []string{"127.0.0.1"},
		Threshold:      1,
		Compression:    "lz4",
		NewDocument:    documents.Recorder,
		Sink:           &discardSink{},
		RPCTimeout:     time.Second,
		Logger:         logging.Discard(),
	}
	coll, err := CreateNodeInRole(collect.Collector, opts)
	require.Nil(t, err)
	require.Nil(t, coll.Start(context.Background()))
	defer coll.GracefulStop()

	done := make(chan error, 1)
	var res *Result
	go func() {
		var err error
		res, err = coll.Run(context.Background())
		done <- err
	}()

	for rank := 1; rank < 3; rank++ {
		wopts := CloneNodeOptions(opts)
		wopts.Rank = rank
		w, err := CreateNodeInRole(collect.Worker, wopts)
		require.Nil(t, err)
		require.Nil(t, w.Start(context.Background()))
		rng := rand.New(rand.NewSource(int64(rank)))
		for i := 0; i < 3; i++ {
			require.Nil(t, w.Update(func(doc collect.Document) error {
				// incompressible, and large enough to span several chunks
				blob := make([]byte, 100*1024)
				rng.Read(blob)
				doc.(*documents.Records).Append(blob)
				doc.(*documents.Records).Append([]byte(fmt.Sprintf("%d-%d", rank, i)))
				return nil
			}))
			require.Nil(t, w.Sync(context.Background()))
		}
		require.Nil(t, w.Finish(context.Background()))
		_, err = w.Run(context.Background())
		require.Nil(t, err)
		require.Nil(t, w.Stop())
	}
	require.Nil(t, <-done)
	records := res.Document.(*documents.Records)
	require.Equal(t, 12, records.Len())
	tags := make(map[string]bool)
	for i := 0; i < records.Len(); i++ {
		if rec := records.Get(i); len(rec) < 16 {
			tags[string(rec)] = true
		}
	}
	require.Len(t, tags, 6)
	require.True(t, tags["1-0"])
	require.True(t, tags["2-2"])
	require.Equal(t, 2, coll.Status().Finished)
}

func TestPushRejectsForeignChannel(t *testing.T) {
	defer goleak.VerifyNone(t)
	opts := &NodeOptions{
		JobID:          "rpc",
		Size:           2,
		Host:           "127.0.0.1",
		BasePort:       freePort(t),
		CollectorHosts: []string{"127.0.0.1"},
		NewDocument:    documents.Counter,
		Sink:           &discardSink{},
		RPCTimeout:     time.Second,
		ConnectRetries: 3,
		Logger:         logging.Discard(),
	}
	coll, err := CreateNodeInRole(collect.Collector, opts)
	require.Nil(t, err)
	require.Nil(t, coll.Start(context.Background()))
	defer coll.Stop()

	groups, err := group.Split("other", 2, 1)
	require.Nil(t, err)
	s, err := dialCollector(context.Background(), opts, groups[0], logging.Discard())
	require.Nil(t, err)
	err = s.Send(context.Background(), &collect.Snapshot{Channel: groups[0].Channel, Worker: 1, Seq: 1, Payload: []byte{1}})
	if err == nil {
		// the rejection may only surface on the next message
		err = s.Close()
	} else {
		s.Close()
	}
	require.True(t, errors.IsTransport(err))
}

type discardSink struct{}

func (discardSink) WriteFinal(ctx context.Context, doc collect.Document, destination string) error {
	return nil
}

func TestPushRejectsSwitchingWorkers(t *testing.T) {
	defer goleak.VerifyNone(t)
	opts := &NodeOptions{
		JobID:          "rpc",
		Size:           3,
		Host:           "127.0.0.1",
		BasePort:       freePort(t),
		CollectorHosts: []string{"127.0.0.1"},
		NewDocument:    documents.Counter,
		Sink:           &discardSink{},
		RPCTimeout:     time.Second,
		ConnectRetries: 3,
		Logger:         logging.Discard(),
	}
	coll, err := CreateNodeInRole(collect.Collector, opts)
	require.Nil(t, err)
	require.Nil(t, coll.Start(context.Background()))
	defer coll.Stop()

	g := coll.Group()
	s, err := dialCollector(context.Background(), opts, g, logging.Discard())
	require.Nil(t, err)
	require.Nil(t, s.Send(context.Background(), &collect.Snapshot{Channel: g.Channel, Group: g.ID, Worker: 1, Seq: 1, Payload: []byte{1}}))
	err = s.Send(context.Background(), collect.NewSentinel(g.Channel, g.ID, 2, 1))
	if err == nil {
		err = s.Close()
	} else {
		s.Close()
	}
	require.True(t, errors.IsTransport(err))
}
