package local

import (
	"context"
	"testing"
	"time"

	"github.com/go-sif/collect"
	"github.com/go-sif/collect/errors"
	"github.com/go-sif/collect/group"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestFabricFansInPerGroup(t *testing.T) {
	defer goleak.VerifyNone(t)
	groups, err := group.Split("job", 6, 2)
	require.Nil(t, err)
	f := NewFabric(groups, 8)

	for _, g := range groups {
		for _, w := range g.Workers {
			s, err := f.Sender(g, w)
			require.Nil(t, err)
			require.Nil(t, s.Send(context.Background(), &collect.Snapshot{Channel: g.Channel, Group: g.ID, Worker: w, Seq: 1, Payload: []byte{1}}))
			require.Nil(t, s.Close())
		}
	}
	for _, g := range groups {
		r, err := f.Receiver(g)
		require.Nil(t, err)
		for _, w := range g.Workers {
			snap, err := r.Recv(context.Background())
			require.Nil(t, err)
			require.Equal(t, w, snap.Worker)
			require.Equal(t, g.Channel, snap.Channel)
		}
		require.Nil(t, r.Close())
	}
}

func TestFabricRejectsForeignWorkers(t *testing.T) {
	groups, err := group.Split("job", 6, 2)
	require.Nil(t, err)
	f := NewFabric(groups, 8)
	_, err = f.Sender(groups[0], groups[1].Workers[0])
	require.True(t, errors.IsConfiguration(err))
	_, err = f.Sender(groups[0], groups[0].Collector)
	require.True(t, errors.IsConfiguration(err))

	other, err := group.Split("other", 6, 2)
	require.Nil(t, err)
	_, err = f.Receiver(other[0])
	require.True(t, errors.IsConfiguration(err))
}

func TestFabricRejectsImpersonation(t *testing.T) {
	groups, err := group.Split("job", 4, 1)
	require.Nil(t, err)
	f := NewFabric(groups, 8)
	s, err := f.Sender(groups[0], 1)
	require.Nil(t, err)
	err = s.Send(context.Background(), &collect.Snapshot{Channel: groups[0].Channel, Worker: 2, Seq: 1, Payload: []byte{1}})
	require.True(t, errors.IsTransport(err))
	err = s.Send(context.Background(), collect.NewSentinel(groups[0].Channel, 0, 3, 1))
	require.True(t, errors.IsTransport(err))

	r, err := f.Receiver(groups[0])
	require.Nil(t, err)
	require.Nil(t, s.Send(context.Background(), &collect.Snapshot{Channel: groups[0].Channel, Worker: 1, Seq: 1, Payload: []byte{1}}))
	snap, err := r.Recv(context.Background())
	require.Nil(t, err)
	require.Equal(t, 1, snap.Worker)
}

func TestFabricHonorsContext(t *testing.T) {
	defer goleak.VerifyNone(t)
	groups, err := group.Split("job", 2, 1)
	require.Nil(t, err)
	f := NewFabric(groups, 0)
	r, err := f.Receiver(groups[0])
	require.Nil(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = r.Recv(ctx)
	require.Equal(t, context.DeadlineExceeded, err)

	s, err := f.Sender(groups[0], 1)
	require.Nil(t, err)
	err = s.Send(ctx, &collect.Snapshot{Channel: groups[0].Channel, Worker: 1, Payload: []byte{1}})
	require.True(t, errors.IsTransport(err))

	require.Nil(t, r.Close())
	_, err = r.Recv(context.Background())
	require.True(t, errors.IsTransport(err))
	err = s.Send(context.Background(), &collect.Snapshot{Channel: groups[0].Channel, Worker: 1, Payload: []byte{1}})
	require.True(t, errors.IsTransport(err))
	require.Nil(t, s.Close())
	err = s.Send(context.Background(), &collect.Snapshot{Channel: groups[0].Channel, Worker: 1, Payload: []byte{1}})
	require.True(t, errors.IsTransport(err))
}
