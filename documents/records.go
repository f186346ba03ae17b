package documents

import (
	"fmt"

	"github.com/go-sif/collect"
	"github.com/vmihailenco/msgpack/v5"
)

// Recorder returns a new Records Document
func Recorder() collect.Document {
	return new(Records)
}

// Records is an append-only log of opaque records. Merging concatenates logs,
// so the merged order depends on merge order.
type Records struct {
	records [][]byte
}

// Append adds a record. The record is copied.
func (r *Records) Append(rec []byte) {
	r.records = append(r.records, append([]byte(nil), rec...))
}

// Len returns the number of records
func (r *Records) Len() int {
	return len(r.records)
}

// Get returns the i-th record
func (r *Records) Get(i int) []byte {
	return r.records[i]
}

// Merge merges another Document into this one
func (r *Records) Merge(o collect.Document) error {
	or, ok := o.(*Records)
	if !ok {
		return fmt.Errorf("Incoming document is not a Records Document")
	}
	r.records = append(r.records, or.records...)
	return nil
}

// ToBytes serializes this Document
func (r *Records) ToBytes() ([]byte, error) {
	return msgpack.Marshal(r.records)
}

// FromBytes produce a new Document from serialized data
func (r *Records) FromBytes(buff []byte) (collect.Document, error) {
	res := new(Records)
	if err := msgpack.Unmarshal(buff, &res.records); err != nil {
		return nil, err
	}
	return res, nil
}

// Reset empties this Document
func (r *Records) Reset() {
	r.records = nil
}
