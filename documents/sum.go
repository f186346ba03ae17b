package documents

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-sif/collect"
)

// Adder returns a new Sum Document
func Adder() collect.Document {
	return new(Sum)
}

// Sum sums values
type Sum struct {
	sum float64
}

// GetSum returns the sum from this Document
func (a *Sum) GetSum() float64 {
	return a.sum
}

// Add adds a value to this Document
func (a *Sum) Add(v float64) {
	a.sum += v
}

// Merge merges another Document into this one
func (a *Sum) Merge(o collect.Document) error {
	ca, ok := o.(*Sum)
	if !ok {
		return fmt.Errorf("Incoming document is not a Sum Document")
	}
	a.sum += ca.sum
	return nil
}

// ToBytes serializes this Document
func (a *Sum) ToBytes() ([]byte, error) {
	buff := make([]byte, 8)
	binary.LittleEndian.PutUint64(buff, math.Float64bits(a.sum))
	return buff, nil
}

// FromBytes produce a new Document from serialized data
func (a *Sum) FromBytes(buff []byte) (collect.Document, error) {
	if len(buff) != 8 {
		return nil, fmt.Errorf("Serialized Sum must be 8 bytes, got %d", len(buff))
	}
	return &Sum{sum: math.Float64frombits(binary.LittleEndian.Uint64(buff))}, nil
}

// Reset empties this Document
func (a *Sum) Reset() {
	a.sum = 0
}
