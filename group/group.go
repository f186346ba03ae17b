// Package group splits the processes of a job into CollectorGroups.
package group

import (
	"fmt"

	"github.com/go-sif/collect"
	"github.com/go-sif/collect/errors"
)

// ChannelName returns the name of the group-scoped channel for a group within a job
func ChannelName(job string, id int) string {
	return fmt.Sprintf("%s/group-%d", job, id)
}

// Validate checks that size processes can be split into the requested number of collectors
func Validate(size int, collectors int) error {
	if size < 2 {
		return errors.ConfigurationError{Reason: fmt.Sprintf("a job needs at least 2 processes, but has %d", size)}
	}
	if collectors < 1 {
		return errors.ConfigurationError{Reason: fmt.Sprintf("collector count must be at least 1, but is %d", collectors)}
	}
	if collectors >= size {
		return errors.ConfigurationError{Reason: fmt.Sprintf("collector count %d leaves no workers among %d processes", collectors, size)}
	}
	return nil
}

// bounds returns the first rank of group id, and its size. Groups are contiguous blocks of
// ranks; the first size%collectors groups hold one extra member.
func bounds(id int, size int, collectors int) (first int, n int) {
	base := size / collectors
	extra := size % collectors
	n = base
	if id < extra {
		n++
		first = id * n
	} else {
		first = extra*(base+1) + (id-extra)*base
	}
	return first, n
}

// groupOf returns the id of the group containing rank
func groupOf(rank int, size int, collectors int) int {
	base := size / collectors
	extra := size % collectors
	if rank < extra*(base+1) {
		return rank / (base + 1)
	}
	return extra + (rank-extra*(base+1))/base
}

func build(job string, id int, size int, collectors int) collect.CollectorGroup {
	first, n := bounds(id, size, collectors)
	workers := make([]int, 0, n-1)
	for r := first + 1; r < first+n; r++ {
		workers = append(workers, r)
	}
	return collect.CollectorGroup{
		ID:        id,
		Collector: first,
		Workers:   workers,
		Channel:   ChannelName(job, id),
	}
}

// Split deterministically splits size processes into the requested number of
// CollectorGroups. The first rank of each group is its Collector; Worker counts
// differ by at most one across groups. Split is a pure function of its arguments,
// so every process computes the same result without communicating.
func Split(job string, size int, collectors int) ([]collect.CollectorGroup, error) {
	if err := Validate(size, collectors); err != nil {
		return nil, err
	}
	groups := make([]collect.CollectorGroup, collectors)
	for id := range groups {
		groups[id] = build(job, id, size, collectors)
	}
	return groups, nil
}

// Assign determines the role and group of a single rank, without building every group
func Assign(job string, rank int, size int, collectors int) (collect.Process, collect.CollectorGroup, error) {
	if err := Validate(size, collectors); err != nil {
		return collect.Process{}, collect.CollectorGroup{}, err
	}
	if rank < 0 || rank >= size {
		return collect.Process{}, collect.CollectorGroup{}, errors.ConfigurationError{
			Reason: fmt.Sprintf("rank %d is outside of 0..%d", rank, size-1),
		}
	}
	id := groupOf(rank, size, collectors)
	g := build(job, id, size, collectors)
	proc := collect.Process{
		Rank:      rank,
		Group:     id,
		Role:      collect.Worker,
		LocalRank: rank - g.Collector,
	}
	if rank == g.Collector {
		proc.Role = collect.Collector
	}
	return proc, g, nil
}
