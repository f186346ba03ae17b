package documents

import (
	"fmt"
	"math"

	"github.com/go-sif/collect"
	"github.com/vmihailenco/msgpack/v5"
)

// Histogrammer returns a factory for Histograms with nbins equal-width bins over [lo, hi)
func Histogrammer(nbins int, lo float64, hi float64) collect.DocumentFactory {
	return func() collect.Document {
		return NewHistogram(nbins, lo, hi)
	}
}

// Histogram is a fixed-binning, one-dimensional histogram. Histograms only merge
// with Histograms of identical binning.
type Histogram struct {
	Lo        float64  `msgpack:"lo"`
	Hi        float64  `msgpack:"hi"`
	Bins      []uint64 `msgpack:"bins"`
	Underflow uint64   `msgpack:"underflow"`
	Overflow  uint64   `msgpack:"overflow"`
	Entries   uint64   `msgpack:"entries"`
	SumW      float64  `msgpack:"sumw"`
	SumW2     float64  `msgpack:"sumw2"`
}

// NewHistogram produces an empty Histogram
func NewHistogram(nbins int, lo float64, hi float64) *Histogram {
	if nbins < 1 || !(hi > lo) {
		panic(fmt.Errorf("Histogram needs at least one bin and hi > lo (got %d bins over [%f, %f))", nbins, lo, hi))
	}
	return &Histogram{Lo: lo, Hi: hi, Bins: make([]uint64, nbins)}
}

// Fill records one observation
func (h *Histogram) Fill(x float64) {
	h.Entries++
	h.SumW += x
	h.SumW2 += x * x
	switch {
	case math.IsNaN(x) || x < h.Lo:
		h.Underflow++
	case x >= h.Hi:
		h.Overflow++
	default:
		bin := int(float64(len(h.Bins)) * (x - h.Lo) / (h.Hi - h.Lo))
		if bin >= len(h.Bins) {
			bin = len(h.Bins) - 1
		}
		h.Bins[bin]++
	}
}

// Mean returns the mean of all observations
func (h *Histogram) Mean() float64 {
	if h.Entries == 0 {
		return 0
	}
	return h.SumW / float64(h.Entries)
}

func (h *Histogram) compatible(o *Histogram) bool {
	return h.Lo == o.Lo && h.Hi == o.Hi && len(h.Bins) == len(o.Bins)
}

// Merge merges another Histogram into this one
func (h *Histogram) Merge(o collect.Document) error {
	oh, ok := o.(*Histogram)
	if !ok {
		return fmt.Errorf("Incoming document is not a Histogram")
	}
	if !h.compatible(oh) {
		return fmt.Errorf("Incoming Histogram binning (%d bins over [%f, %f)) does not match (%d bins over [%f, %f))",
			len(oh.Bins), oh.Lo, oh.Hi, len(h.Bins), h.Lo, h.Hi)
	}
	for i, c := range oh.Bins {
		h.Bins[i] += c
	}
	h.Underflow += oh.Underflow
	h.Overflow += oh.Overflow
	h.Entries += oh.Entries
	h.SumW += oh.SumW
	h.SumW2 += oh.SumW2
	return nil
}

// ToBytes serializes this Document
func (h *Histogram) ToBytes() ([]byte, error) {
	return msgpack.Marshal(h)
}

// FromBytes produce a new Document from serialized data
func (h *Histogram) FromBytes(buff []byte) (collect.Document, error) {
	res := new(Histogram)
	if err := msgpack.Unmarshal(buff, res); err != nil {
		return nil, err
	}
	if len(res.Bins) == 0 {
		return nil, fmt.Errorf("Serialized Histogram has no bins")
	}
	return res, nil
}

// Reset empties this Histogram, keeping its binning
func (h *Histogram) Reset() {
	for i := range h.Bins {
		h.Bins[i] = 0
	}
	h.Underflow, h.Overflow, h.Entries = 0, 0, 0
	h.SumW, h.SumW2 = 0, 0
}
