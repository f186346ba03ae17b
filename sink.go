package collect

import "context"

// A Sink persists the final merged output of a Collector
type Sink interface {
	// WriteFinal persists doc under destination. It is called exactly once per Collector.
	WriteFinal(ctx context.Context, doc Document, destination string) error
}

// A Checkpointer is a Sink which can also persist intermediate merge results
type Checkpointer interface {
	Sink
	// WriteCheckpoint persists a partial result, to be superseded by WriteFinal
	WriteCheckpoint(ctx context.Context, doc Document, destination string) error
}
