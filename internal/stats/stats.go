package stats

import (
	"sync"
	"time"
)

const statisticRollingWindows = 5

// RunStatistics contains statistics about a running Collector. It is safe for concurrent use.
type RunStatistics struct {
	lock                    sync.Mutex
	started                 bool
	finished                bool
	startTime               time.Time
	totalRuntime            time.Duration
	snapshotsReceived       uint64
	bytesReceived           uint64
	sentinelsReceived       uint64
	snapshotsMerged         uint64
	snapshotsDropped        uint64
	protocolErrors          uint64
	merges                  uint64
	recentMergeRuntimes     []time.Duration // for rolling average of recent merge times
	recentMergeRuntimesHead int
	finalMergeRuntime       time.Duration

	// temp vars
	currentMergeStartTime time.Time
}

// Start triggers statistics tracking, if it hasn't been started already
func (rs *RunStatistics) Start() {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	if !rs.started {
		rs.started = true
		rs.startTime = time.Now()
		rs.recentMergeRuntimes = make([]time.Duration, statisticRollingWindows)
	}
}

// Finish completes statistics tracking
func (rs *RunStatistics) Finish() {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	rs.finished = true
	rs.totalRuntime = time.Since(rs.startTime)
}

// ReceivedSnapshot tracks the arrival of a data snapshot of a certain size
func (rs *RunStatistics) ReceivedSnapshot(size int) {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	rs.snapshotsReceived++
	rs.bytesReceived += uint64(size)
}

// ReceivedSentinel tracks the arrival of a sentinel
func (rs *RunStatistics) ReceivedSentinel() {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	rs.sentinelsReceived++
}

// DroppedSnapshots tracks snapshots which could not be decoded or merged
func (rs *RunStatistics) DroppedSnapshots(n uint64) {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	rs.snapshotsDropped += n
}

// ProtocolError tracks a tolerated protocol violation
func (rs *RunStatistics) ProtocolError() {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	rs.protocolErrors++
}

// StartMerge tracks the beginning of a merge
func (rs *RunStatistics) StartMerge() {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	rs.currentMergeStartTime = time.Now()
}

// EndMerge tracks the end of a merge which folded n snapshots, returning its runtime
func (rs *RunStatistics) EndMerge(n uint64, final bool) time.Duration {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	runtime := time.Since(rs.currentMergeStartTime)
	if final {
		rs.finalMergeRuntime = runtime
	}
	if rs.recentMergeRuntimes == nil {
		rs.recentMergeRuntimes = make([]time.Duration, statisticRollingWindows)
	}
	rs.recentMergeRuntimes[rs.recentMergeRuntimesHead] = runtime
	rs.recentMergeRuntimesHead = (rs.recentMergeRuntimesHead + 1) % len(rs.recentMergeRuntimes)
	rs.merges++
	rs.snapshotsMerged += n
	return runtime
}

// GetStartTime returns the start time of the Collector
func (rs *RunStatistics) GetStartTime() time.Time {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	return rs.startTime
}

// GetRuntime returns the running time of the Collector
func (rs *RunStatistics) GetRuntime() time.Duration {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	if rs.finished {
		return rs.totalRuntime
	}
	return time.Since(rs.startTime)
}

// GetCurrentMergeTime returns a rolling average of merge time
func (rs *RunStatistics) GetCurrentMergeTime() time.Duration {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	var total time.Duration
	for _, d := range rs.recentMergeRuntimes {
		total += d
	}
	return total / statisticRollingWindows
}

// Summary is a point-in-time copy of RunStatistics
type Summary struct {
	Runtime           time.Duration `json:"runtime"`
	SnapshotsReceived uint64        `json:"snapshotsReceived"`
	BytesReceived     uint64        `json:"bytesReceived"`
	SentinelsReceived uint64        `json:"sentinelsReceived"`
	SnapshotsMerged   uint64        `json:"snapshotsMerged"`
	SnapshotsDropped  uint64        `json:"snapshotsDropped"`
	ProtocolErrors    uint64        `json:"protocolErrors"`
	Merges            uint64        `json:"merges"`
	FinalMergeRuntime time.Duration `json:"finalMergeRuntime"`
}

// Summarize produces a point-in-time copy of these statistics
func (rs *RunStatistics) Summarize() Summary {
	runtime := rs.GetRuntime()
	rs.lock.Lock()
	defer rs.lock.Unlock()
	return Summary{
		Runtime:           runtime,
		SnapshotsReceived: rs.snapshotsReceived,
		BytesReceived:     rs.bytesReceived,
		SentinelsReceived: rs.sentinelsReceived,
		SnapshotsMerged:   rs.snapshotsMerged,
		SnapshotsDropped:  rs.snapshotsDropped,
		ProtocolErrors:    rs.protocolErrors,
		Merges:            rs.merges,
		FinalMergeRuntime: rs.finalMergeRuntime,
	}
}
