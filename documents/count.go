package documents

import (
	"encoding/binary"
	"fmt"

	"github.com/go-sif/collect"
)

// Counter returns a new Count Document
func Counter() collect.Document {
	return new(Count)
}

// Count counts records
type Count struct {
	count uint64
}

// GetCount returns the record count from this Document
func (a *Count) GetCount() uint64 {
	return a.count
}

// Add counts n more records
func (a *Count) Add(n uint64) {
	a.count += n
}

// Merge merges another Document into this one
func (a *Count) Merge(o collect.Document) error {
	ca, ok := o.(*Count)
	if !ok {
		return fmt.Errorf("Incoming document is not a Count Document")
	}
	a.count += ca.count
	return nil
}

// ToBytes serializes this Document
func (a *Count) ToBytes() ([]byte, error) {
	buff := make([]byte, 8)
	binary.LittleEndian.PutUint64(buff, a.count)
	return buff, nil
}

// FromBytes produce a new Document from serialized data
func (a *Count) FromBytes(buff []byte) (collect.Document, error) {
	if len(buff) != 8 {
		return nil, fmt.Errorf("Serialized Count must be 8 bytes, got %d", len(buff))
	}
	return &Count{count: binary.LittleEndian.Uint64(buff)}, nil
}

// Reset empties this Document
func (a *Count) Reset() {
	a.count = 0
}
