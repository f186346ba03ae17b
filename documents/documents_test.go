package documents

import (
	"testing"

	"github.com/go-sif/collect"
	"github.com/stretchr/testify/require"
)

func TestCountMergeAndReset(t *testing.T) {
	a, b := Counter().(*Count), Counter().(*Count)
	a.Add(3)
	b.Add(4)
	require.Nil(t, a.Merge(b))
	require.Equal(t, uint64(7), a.GetCount())
	require.NotNil(t, a.Merge(Adder()))
	buf, err := a.ToBytes()
	require.Nil(t, err)
	c, err := Counter().FromBytes(buf)
	require.Nil(t, err)
	require.Equal(t, uint64(7), c.(*Count).GetCount())
	a.Reset()
	require.Equal(t, uint64(0), a.GetCount())
	_, err = Counter().FromBytes([]byte{1, 2})
	require.NotNil(t, err)
}

func TestHistogramFillAndMerge(t *testing.T) {
	h := NewHistogram(10, 0, 10)
	for _, x := range []float64{-1, 0, 0.5, 5, 9.99, 10, 42} {
		h.Fill(x)
	}
	require.Equal(t, uint64(1), h.Underflow)
	require.Equal(t, uint64(2), h.Overflow)
	require.Equal(t, uint64(2), h.Bins[0])
	require.Equal(t, uint64(1), h.Bins[5])
	require.Equal(t, uint64(1), h.Bins[9])
	require.Equal(t, uint64(7), h.Entries)

	o := NewHistogram(10, 0, 10)
	o.Fill(5.5)
	require.Nil(t, h.Merge(o))
	require.Equal(t, uint64(2), h.Bins[5])
	require.Equal(t, uint64(8), h.Entries)

	buf, err := h.ToBytes()
	require.Nil(t, err)
	copied, err := NewHistogram(1, 0, 1).FromBytes(buf)
	require.Nil(t, err)
	require.Equal(t, h, copied)

	h.Reset()
	require.Equal(t, uint64(0), h.Entries)
	require.Len(t, h.Bins, 10)
}

func TestHistogramRejectsIncompatibleBinning(t *testing.T) {
	h := NewHistogram(10, 0, 10)
	require.NotNil(t, h.Merge(NewHistogram(5, 0, 10)))
	require.NotNil(t, h.Merge(NewHistogram(10, 0, 20)))
	require.Panics(t, func() { NewHistogram(0, 0, 1) })
}

func TestRecordsConcatenate(t *testing.T) {
	a, b := Recorder().(*Records), Recorder().(*Records)
	a.Append([]byte("a"))
	b.Append([]byte("b"))
	b.Append([]byte("c"))
	require.Nil(t, a.Merge(b))
	require.Equal(t, 3, a.Len())
	require.Equal(t, []byte("c"), a.Get(2))
	buf, err := a.ToBytes()
	require.Nil(t, err)
	c, err := Recorder().FromBytes(buf)
	require.Nil(t, err)
	require.Equal(t, 3, c.(*Records).Len())
}

func TestComposed(t *testing.T) {
	factory := Compose(Counter, Adder, Histogrammer(4, 0, 4))
	a, b := factory().(*Composed), factory().(*Composed)
	b.GetResults()[0].(*Count).Add(2)
	b.GetResults()[1].(*Sum).Add(1.5)
	b.GetResults()[2].(*Histogram).Fill(1)
	buf, err := b.ToBytes()
	require.Nil(t, err)
	decoded, err := factory().FromBytes(buf)
	require.Nil(t, err)
	require.Nil(t, a.Merge(decoded))
	require.Nil(t, a.Merge(decoded))
	require.Equal(t, uint64(4), a.GetResults()[0].(*Count).GetCount())
	require.Equal(t, 3.0, a.GetResults()[1].(*Sum).GetSum())
	require.Equal(t, uint64(2), a.GetResults()[2].(*Histogram).Bins[1])
	require.NotNil(t, a.Merge(Compose(Counter)()))

	var _ collect.Document = a
	a.Reset()
	require.Equal(t, uint64(0), a.GetResults()[0].(*Count).GetCount())
}
