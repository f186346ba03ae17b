package documents

import (
	"fmt"

	"github.com/go-sif/collect"
	"github.com/vmihailenco/msgpack/v5"
)

// Compose returns a factory for Composed Documents
func Compose(factories ...collect.DocumentFactory) collect.DocumentFactory {
	return func() collect.Document {
		docs := make([]collect.Document, len(factories))
		for i, f := range factories {
			docs[i] = f()
		}
		return &Composed{docs: docs}
	}
}

// Composed composes other Documents
type Composed struct {
	docs []collect.Document
}

// GetResults returns the contained Documents, so that their results may be accessed
func (c *Composed) GetResults() []collect.Document {
	return c.docs
}

// Merge merges another Composed Document into this one, merging all contained Documents
func (c *Composed) Merge(o collect.Document) error {
	compa, ok := o.(*Composed)
	if !ok {
		return fmt.Errorf("Incoming document is not a Composed Document")
	}
	if len(compa.docs) != len(c.docs) {
		return fmt.Errorf("Incoming Composed Document has %d parts, expected %d", len(compa.docs), len(c.docs))
	}
	for i, a := range c.docs {
		err := a.Merge(compa.docs[i])
		if err != nil {
			return err
		}
	}
	return nil
}

// ToBytes serializes this Document
func (c *Composed) ToBytes() ([]byte, error) {
	result := make([][]byte, len(c.docs))
	for i, a := range c.docs {
		buff, err := a.ToBytes()
		if err != nil {
			return nil, err
		}
		result[i] = buff
	}
	return msgpack.Marshal(result)
}

// FromBytes produce a new Document from serialized data
func (c *Composed) FromBytes(buff []byte) (collect.Document, error) {
	var deser [][]byte
	if err := msgpack.Unmarshal(buff, &deser); err != nil {
		return nil, err
	}
	if len(deser) != len(c.docs) {
		return nil, fmt.Errorf("Serialized Composed Document has %d parts, expected %d", len(deser), len(c.docs))
	}
	newDocs := make([]collect.Document, len(c.docs))
	for i, b := range deser {
		a, err := c.docs[i].FromBytes(b)
		if err != nil {
			return nil, err
		}
		newDocs[i] = a
	}
	return &Composed{docs: newDocs}, nil
}

// Reset empties all contained Documents
func (c *Composed) Reset() {
	for _, a := range c.docs {
		a.Reset()
	}
}
