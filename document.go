package collect

// A Document is the unit of data which Workers accumulate locally and Collectors merge.
// It is the contract between the framework and a merge engine: the framework never
// inspects a Document, it only moves its serialized form between processes and asks it
// to merge with its peers. Merge must be deterministic for a given pair of inputs, and
// commutative and associative if the merged output should not depend on arrival order.
type Document interface {
	Merge(o Document) error                 // Merge merges another Document into this one
	ToBytes() ([]byte, error)               // ToBytes serializes this Document
	FromBytes(buf []byte) (Document, error) // FromBytes produce a new Document from serialized data
	Reset()                                 // Reset empties this Document, so that it only accumulates new data
}

// DocumentFactory produces new, empty Documents of a single kind
type DocumentFactory func() Document
