// Package codec serializes Documents into the self-describing, checksummed frames
// which travel inside Snapshots.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"

	xxhash "github.com/cespare/xxhash/v2"
	"github.com/go-sif/collect"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4"
)

// Compression identifies the algorithm used to compress a frame body
type Compression uint8

const (
	// None stores the serialized Document as-is
	None Compression = iota
	// LZ4 compresses the serialized Document with lz4
	LZ4
	// Zstd compresses the serialized Document with zstd
	Zstd
)

const (
	frameVersion = 1
	// magic(4) + version(1) + compression(1) + checksum(8) + raw length(4)
	headerSize = 18
)

// maxPrealloc bounds the buffer reserved up front from a frame's declared raw length.
// Larger bodies grow the buffer as they decompress.
const maxPrealloc = 4 << 20

var frameMagic = [4]byte{'S', 'I', 'F', 'C'}

// preallocSize is the capacity reserved for a body declared to be rawLen bytes
func preallocSize(rawLen int) int {
	if rawLen > maxPrealloc {
		return maxPrealloc
	}
	return rawLen
}

// String returns a textual representation of this Compression
func (c Compression) String() string {
	switch c {
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return "none"
	}
}

// ParseCompression translates a textual representation into a Compression
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	case "none":
		return None, nil
	default:
		return None, fmt.Errorf("%s is an unknown compression", s)
	}
}

// ChecksumError occurs when a frame body does not match its recorded checksum
type ChecksumError struct {
	Expected uint64
	Actual   uint64
}

// Error returns a textual representation of this ChecksumError
func (e ChecksumError) Error() string {
	return fmt.Sprintf("Frame checksum mismatch: expected %x, got %x", e.Expected, e.Actual)
}

// Codec serializes Documents into frames, and frames back into Documents.
// A Codec is safe for concurrent use.
type Codec struct {
	compression  Compression
	lz4Writers   sync.Pool
	zstdEncoder  *zstd.Encoder
	zstdDecoder  *zstd.Decoder
	reusableBufs sync.Pool
}

// New instantiates a new Codec which compresses frames with the given algorithm.
// Any Codec can decode frames produced with any Compression.
func New(compression Compression) (*Codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("Unable to initialize compressor: %v", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("Unable to initialize decompressor: %v", err)
	}
	return &Codec{
		compression: compression,
		lz4Writers: sync.Pool{New: func() interface{} {
			return lz4.NewWriter(nil)
		}},
		zstdEncoder: encoder,
		zstdDecoder: decoder,
		reusableBufs: sync.Pool{New: func() interface{} {
			return new(bytes.Buffer)
		}},
	}, nil
}

// Compression returns the algorithm this Codec compresses with
func (c *Codec) Compression() Compression {
	return c.compression
}

// Serialize serializes and compresses a Document into a frame. Frames are never
// empty, so a serialized Document can't be confused with a sentinel.
func (c *Codec) Serialize(doc collect.Document) ([]byte, error) {
	raw, err := doc.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("Unable to serialize document: %v", err)
	}
	if uint64(len(raw)) > uint64(^uint32(0)) {
		return nil, fmt.Errorf("Serialized document is too large (%d bytes)", len(raw))
	}
	header := make([]byte, headerSize, headerSize+len(raw))
	copy(header, frameMagic[:])
	header[4] = frameVersion
	header[5] = byte(c.compression)
	binary.BigEndian.PutUint64(header[6:14], xxhash.Sum64(raw))
	binary.BigEndian.PutUint32(header[14:18], uint32(len(raw)))
	switch c.compression {
	case None:
		return append(header, raw...), nil
	case Zstd:
		return c.zstdEncoder.EncodeAll(raw, header), nil
	case LZ4:
		buf := bytes.NewBuffer(header)
		w := c.lz4Writers.Get().(*lz4.Writer)
		defer c.lz4Writers.Put(w)
		w.Reset(buf)
		if _, err := w.Write(raw); err != nil {
			return nil, fmt.Errorf("Unable to compress document: %v", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("Unable to compress document: %v", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%d is an unknown compression", c.compression)
	}
}

// Deserialize decompresses and verifies a frame, then produces a new Document from it
// using prototype's FromBytes
func (c *Codec) Deserialize(frame []byte, prototype collect.Document) (collect.Document, error) {
	raw, err := c.decode(frame)
	if err != nil {
		return nil, err
	}
	doc, err := prototype.FromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("Unable to deserialize document: %v", err)
	}
	return doc, nil
}

func (c *Codec) decode(frame []byte) ([]byte, error) {
	if len(frame) < headerSize {
		return nil, fmt.Errorf("Frame is too short (%d bytes)", len(frame))
	}
	if !bytes.Equal(frame[0:4], frameMagic[:]) {
		return nil, fmt.Errorf("Frame has an unknown magic number %x", frame[0:4])
	}
	if frame[4] != frameVersion {
		return nil, fmt.Errorf("Frame version %d is not supported", frame[4])
	}
	checksum := binary.BigEndian.Uint64(frame[6:14])
	rawLen := int(binary.BigEndian.Uint32(frame[14:18]))
	body := frame[headerSize:]
	var raw []byte
	switch Compression(frame[5]) {
	case None:
		raw = body
	case Zstd:
		out, err := c.zstdDecoder.DecodeAll(body, make([]byte, 0, preallocSize(rawLen)))
		if err != nil {
			return nil, fmt.Errorf("Unable to decompress frame: %v", err)
		}
		raw = out
	case LZ4:
		buf := c.reusableBufs.Get().(*bytes.Buffer)
		defer c.reusableBufs.Put(buf)
		buf.Reset()
		buf.Grow(preallocSize(rawLen))
		// one byte past rawLen is enough to tell that the body is too long
		src := io.LimitReader(lz4.NewReader(bytes.NewReader(body)), int64(rawLen)+1)
		if _, err := io.Copy(buf, src); err != nil {
			return nil, fmt.Errorf("Unable to decompress frame: %v", err)
		}
		// the pooled buffer is reused, so hand out a copy
		raw = append([]byte(nil), buf.Bytes()...)
	default:
		return nil, fmt.Errorf("Frame uses unknown compression %d", frame[5])
	}
	if len(raw) != rawLen {
		return nil, fmt.Errorf("Frame body is %d bytes, expected %d", len(raw), rawLen)
	}
	if actual := xxhash.Sum64(raw); actual != checksum {
		return nil, ChecksumError{Expected: checksum, Actual: actual}
	}
	return raw, nil
}

// Close releases the resources held by this Codec
func (c *Codec) Close() {
	c.zstdEncoder.Close()
	c.zstdDecoder.Close()
}
