package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestChunkEncoding(t *testing.T) {
	in := &MSnapshotChunk{
		Channel:            "job/group-2",
		Group:              2,
		Worker:             7,
		Seq:                42,
		Data:               []byte{1, 2, 3},
		TotalSizeBytes:     10,
		RemainingSizeBytes: 7,
		Append:             0,
	}
	var c Codec
	buf, err := c.Marshal(in)
	require.Nil(t, err)
	out := new(MSnapshotChunk)
	require.Nil(t, c.Unmarshal(buf, out))
	require.Equal(t, in, out)
}

func TestSentinelChunkIsSmall(t *testing.T) {
	buf, err := (&MSnapshotChunk{Channel: "j/group-0", Worker: 1, Seq: 3}).Marshal()
	require.Nil(t, err)
	// channel tag+len+string, worker and seq tags+values
	require.Len(t, buf, 2+9+2+2)
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	buf, err := (&MPushAck{Snapshots: 3, Chunks: 9, Finished: true}).Marshal()
	require.Nil(t, err)
	buf = protowire.AppendTag(buf, 15, protowire.BytesType)
	buf = protowire.AppendString(buf, "future")
	out := new(MPushAck)
	require.Nil(t, out.Unmarshal(buf))
	require.Equal(t, MPushAck{Snapshots: 3, Chunks: 9, Finished: true}, *out)
}

func TestCorruptMessage(t *testing.T) {
	out := new(MSnapshotChunk)
	require.NotNil(t, out.Unmarshal([]byte{0x2a, 0x05, 0x01}))
	require.NotNil(t, Codec{}.Unmarshal([]byte{}, "not a message"))
	require.Equal(t, CodecName, Codec{}.Name())
}
