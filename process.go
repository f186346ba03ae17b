package collect

import "fmt"

// Role describes the intended role of a Process
type Role int

const (
	// Worker indicates that a Process produces data and pushes Snapshots to its Collector
	Worker Role = iota
	// Collector indicates that a Process merges the Snapshots of the Workers in its group
	Collector
)

// String returns a textual representation of this Role
func (r Role) String() string {
	switch r {
	case Collector:
		return "collector"
	default:
		return "worker"
	}
}

// Process is a single participant in a job. Processes are immutable once assigned.
type Process struct {
	Rank      int  // global rank, 0..P-1
	Group     int  // id of the CollectorGroup this Process belongs to
	Role      Role // Worker or Collector
	LocalRank int  // rank within the group; the Collector is always local rank 0
}

// IsCollector returns true iff this Process collects for its group
func (p Process) IsCollector() bool {
	return p.Role == Collector
}

// String returns a textual representation of this Process
func (p Process) String() string {
	return fmt.Sprintf("%s %d (group %d, local rank %d)", p.Role, p.Rank, p.Group, p.LocalRank)
}

// CollectorGroup is a partition of the process set, containing exactly one Collector
// and the Workers which report to it. CollectorGroups are created once at startup
// and passed explicitly to everything which needs them.
type CollectorGroup struct {
	ID        int    // group id, 0..C-1
	Collector int    // global rank of the Collector
	Workers   []int  // global ranks of the Workers, in ascending order
	Channel   string // name of the group-scoped channel which carries this group's Snapshots
}

// Size returns the number of Processes in this group, including the Collector
func (g *CollectorGroup) Size() int {
	return len(g.Workers) + 1
}

// NumWorkers returns the number of Workers in this group
func (g *CollectorGroup) NumWorkers() int {
	return len(g.Workers)
}

// HasWorker returns true iff rank is a Worker in this group
func (g *CollectorGroup) HasWorker(rank int) bool {
	// Workers are sorted and contiguous, but don't rely on it
	for _, w := range g.Workers {
		if w == rank {
			return true
		}
	}
	return false
}

// Contains returns true iff rank is a member of this group
func (g *CollectorGroup) Contains(rank int) bool {
	return rank == g.Collector || g.HasWorker(rank)
}
