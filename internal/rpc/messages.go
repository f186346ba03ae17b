package rpc

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MSnapshotChunk is a piece of a serialized Snapshot. A chunk with a TotalSizeBytes of 0
// carries a sentinel.
type MSnapshotChunk struct {
	Channel            string
	Group              int32
	Worker             int32
	Seq                uint64
	Data               []byte
	TotalSizeBytes     int32
	RemainingSizeBytes int32
	Append             int32
}

// MPushAck acknowledges a completed Push stream
type MPushAck struct {
	Snapshots uint64
	Chunks    uint64
	Finished  bool
}

// Message is implemented by every wire message
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal(buf []byte) error
}

// Marshal encodes this chunk
func (m *MSnapshotChunk) Marshal() ([]byte, error) {
	b := make([]byte, 0, len(m.Data)+len(m.Channel)+32)
	if len(m.Channel) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.Channel)
	}
	b = appendVarint(b, 2, uint64(m.Group))
	b = appendVarint(b, 3, uint64(m.Worker))
	b = appendVarint(b, 4, m.Seq)
	if len(m.Data) > 0 {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Data)
	}
	b = appendVarint(b, 6, uint64(m.TotalSizeBytes))
	b = appendVarint(b, 7, uint64(m.RemainingSizeBytes))
	b = appendVarint(b, 8, uint64(m.Append))
	return b, nil
}

// Unmarshal decodes a chunk, skipping unknown fields
func (m *MSnapshotChunk) Unmarshal(b []byte) error {
	*m = MSnapshotChunk{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Channel = v
			b = b[n:]
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Data = append([]byte(nil), v...)
			b = b[n:]
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case 2:
				m.Group = int32(v)
			case 3:
				m.Worker = int32(v)
			case 4:
				m.Seq = v
			case 6:
				m.TotalSizeBytes = int32(v)
			case 7:
				m.RemainingSizeBytes = int32(v)
			case 8:
				m.Append = int32(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

// Marshal encodes this ack
func (m *MPushAck) Marshal() ([]byte, error) {
	b := make([]byte, 0, 24)
	b = appendVarint(b, 1, m.Snapshots)
	b = appendVarint(b, 2, m.Chunks)
	if m.Finished {
		b = appendVarint(b, 3, protowire.EncodeBool(true))
	}
	return b, nil
}

// Unmarshal decodes an ack, skipping unknown fields
func (m *MPushAck) Unmarshal(b []byte) error {
	*m = MPushAck{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.VarintType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			m.Snapshots = v
		case 2:
			m.Chunks = v
		case 3:
			m.Finished = protowire.DecodeBool(v)
		}
	}
	return nil
}

// appendVarint appends a non-zero varint field, following proto3's implicit presence
func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Codec is a gRPC codec for the Messages of this package
type Codec struct{}

// CodecName is the gRPC content-subtype under which Codec is used
const CodecName = "sifwire"

// Marshal encodes a Message
func (Codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("Cannot marshal %T: not an rpc message", v)
	}
	return m.Marshal()
}

// Unmarshal decodes a Message
func (Codec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("Cannot unmarshal into %T: not an rpc message", v)
	}
	return m.Unmarshal(data)
}

// Name returns CodecName
func (Codec) Name() string {
	return CodecName
}
