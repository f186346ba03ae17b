package collect

// Snapshot is a serialized, point-in-time copy of the data a Worker accumulated
// since its previous Snapshot. A Snapshot with a zero-length Payload is the
// sentinel, signaling that the Worker has finished.
type Snapshot struct {
	Channel string // group-scoped channel this Snapshot was sent on
	Group   int    // id of the sender's CollectorGroup
	Worker  int    // global rank of the sending Worker
	Seq     uint64 // per-Worker sequence number, starting at 1
	Payload []byte // serialized Document, or nothing for the sentinel
}

// NewSentinel produces the sentinel Snapshot for a Worker
func NewSentinel(channel string, group int, worker int, seq uint64) *Snapshot {
	return &Snapshot{Channel: channel, Group: group, Worker: worker, Seq: seq}
}

// IsSentinel returns true iff this Snapshot signals that its Worker has finished
func (s *Snapshot) IsSentinel() bool {
	return len(s.Payload) == 0
}

// Len returns the length of the payload
func (s *Snapshot) Len() int {
	return len(s.Payload)
}
