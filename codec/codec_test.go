package codec

import (
	"encoding/binary"
	"runtime"
	"testing"

	"github.com/go-sif/collect/documents"
	"github.com/stretchr/testify/require"
)

func filledHistogram() *documents.Histogram {
	h := documents.NewHistogram(100, 0, 100)
	for i := 0; i < 10000; i++ {
		h.Fill(float64(i % 100))
	}
	return h
}

func TestRoundTripAllCompressions(t *testing.T) {
	for _, compression := range []Compression{None, LZ4, Zstd} {
		c, err := New(compression)
		require.Nil(t, err)
		h := filledHistogram()
		frame, err := c.Serialize(h)
		require.Nil(t, err)
		require.Equal(t, byte(compression), frame[5])
		// any codec decodes any frame
		other, err := New(None)
		require.Nil(t, err)
		doc, err := other.Deserialize(frame, documents.NewHistogram(1, 0, 1))
		require.Nil(t, err, compression.String())
		require.Equal(t, h, doc)
		c.Close()
		other.Close()
	}
}

func TestEmptyDocumentIsNeverZeroLength(t *testing.T) {
	c, err := New(LZ4)
	require.Nil(t, err)
	defer c.Close()
	frame, err := c.Serialize(documents.Recorder())
	require.Nil(t, err)
	require.True(t, len(frame) >= headerSize)
}

func TestCorruptFramesAreRejected(t *testing.T) {
	c, err := New(None)
	require.Nil(t, err)
	defer c.Close()
	frame, err := c.Serialize(filledHistogram())
	require.Nil(t, err)

	corrupt := append([]byte(nil), frame...)
	corrupt[len(corrupt)-1] ^= 0xff
	_, err = c.Deserialize(corrupt, documents.NewHistogram(1, 0, 1))
	require.NotNil(t, err)
	_, isChecksum := err.(ChecksumError)
	require.True(t, isChecksum)

	_, err = c.Deserialize(frame[:5], documents.NewHistogram(1, 0, 1))
	require.NotNil(t, err)

	badMagic := append([]byte(nil), frame...)
	badMagic[0] = 'X'
	_, err = c.Deserialize(badMagic, documents.NewHistogram(1, 0, 1))
	require.NotNil(t, err)
}

func TestDeclaredLengthDoesNotDriveAllocation(t *testing.T) {
	c, err := New(None)
	require.Nil(t, err)
	defer c.Close()
	for _, compression := range []Compression{LZ4, Zstd} {
		frame := make([]byte, headerSize, headerSize+4)
		copy(frame, frameMagic[:])
		frame[4] = frameVersion
		frame[5] = byte(compression)
		binary.BigEndian.PutUint32(frame[14:18], 0xF0000000)
		frame = append(frame, 1, 2, 3, 4)

		var before, after runtime.MemStats
		runtime.ReadMemStats(&before)
		_, err = c.Deserialize(frame, documents.NewHistogram(1, 0, 1))
		runtime.ReadMemStats(&after)
		require.NotNil(t, err, compression.String())
		require.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(64<<20), compression.String())
	}
}

func TestBodyLongerThanDeclaredIsRejected(t *testing.T) {
	c, err := New(LZ4)
	require.Nil(t, err)
	defer c.Close()
	frame, err := c.Serialize(filledHistogram())
	require.Nil(t, err)
	binary.BigEndian.PutUint32(frame[14:18], 10)
	_, err = c.Deserialize(frame, documents.NewHistogram(1, 0, 1))
	require.NotNil(t, err)
	require.Contains(t, err.Error(), "expected 10")
}

func TestParseCompression(t *testing.T) {
	for s, expected := range map[string]Compression{"": LZ4, "lz4": LZ4, "ZSTD": Zstd, "none": None} {
		c, err := ParseCompression(s)
		require.Nil(t, err)
		require.Equal(t, expected, c)
	}
	_, err := ParseCompression("gzip")
	require.NotNil(t, err)
}
