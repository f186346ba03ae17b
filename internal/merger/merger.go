// Package merger decides when held snapshots are folded into a Collector's running
// output, and folds them.
package merger

import (
	"sort"
	"time"

	"github.com/go-sif/collect"
	"github.com/go-sif/collect/errors"
	iutil "github.com/go-sif/collect/internal/util"
	"github.com/hashicorp/go-multierror"
)

// NeedsMerge implements the merge policy. A merge is due when the fraction of the group's
// workers which contacted the Collector since the last merge reaches threshold, or when more
// than bound has elapsed since the last merge. A bound <= 0 disables the time limit.
func NeedsMerge(contacted int, groupWorkers int, threshold float64, sinceLastMerge time.Duration, bound time.Duration) bool {
	if groupWorkers > 0 && float64(contacted)/float64(groupWorkers) >= threshold {
		return true
	}
	return bound > 0 && sinceLastMerge > bound
}

// Policy configures when a Merger merges
type Policy struct {
	Threshold      float64       // fraction of workers which must have contacted since the last merge
	StalenessBound time.Duration // maximum time between merges; <= 0 disables it
	// Adaptive replaces StalenessBound by the mean plus two standard deviations of the
	// workers' inter-contact gaps, once at least MinAdaptiveSamples gaps are known
	Adaptive bool
}

// MinAdaptiveSamples is the number of inter-contact gaps required before an adaptive
// staleness bound replaces the configured one
const MinAdaptiveSamples = 2

// IntervalSource supplies inter-contact gap statistics for adaptive staleness bounds
type IntervalSource interface {
	ContactIntervalStats() (avg time.Duration, sigma time.Duration, n int)
}

type held struct {
	seq uint64
	doc collect.Document
}

// Merger holds decoded snapshots and folds them into an accumulator. A Merger is not safe for
// concurrent use: it is owned by a single Collector goroutine.
type Merger struct {
	policy       Policy
	groupWorkers int
	intervals    IntervalSource
	acc          collect.Document
	held         map[int][]held
	numHeld      int
	lastMerge    time.Time
	merges       int
	merged       uint64
	dropped      uint64
}

// New produces a Merger which folds snapshots into acc
func New(acc collect.Document, groupWorkers int, policy Policy, intervals IntervalSource, now time.Time) *Merger {
	return &Merger{
		policy:       policy,
		groupWorkers: groupWorkers,
		intervals:    intervals,
		acc:          acc,
		held:         make(map[int][]held),
		lastMerge:    now,
	}
}

// Hold stores a decoded snapshot until the next merge
func (m *Merger) Hold(worker int, seq uint64, doc collect.Document) {
	m.held[worker] = append(m.held[worker], held{seq: seq, doc: doc})
	m.numHeld++
}

// ContactedSinceMerge returns the number of distinct workers with snapshots held since the last merge
func (m *Merger) ContactedSinceMerge() int {
	return len(m.held)
}

// Pending returns the number of held snapshots
func (m *Merger) Pending() int {
	return m.numHeld
}

// StalenessBound returns the staleness bound currently in effect
func (m *Merger) StalenessBound() time.Duration {
	if m.policy.Adaptive && m.intervals != nil {
		avg, sigma, n := m.intervals.ContactIntervalStats()
		if n >= MinAdaptiveSamples {
			return avg + 2*sigma
		}
	}
	return m.policy.StalenessBound
}

// NeedsMerge returns true iff the policy calls for a merge at time now. Nothing is due
// while no snapshots are held.
func (m *Merger) NeedsMerge(now time.Time) bool {
	if m.numHeld == 0 {
		return false
	}
	return NeedsMerge(len(m.held), m.groupWorkers, m.policy.Threshold, now.Sub(m.lastMerge), m.StalenessBound())
}

// MaybeMerge merges iff the policy calls for it, returning whether a merge happened
func (m *Merger) MaybeMerge(now time.Time) (bool, error) {
	if !m.NeedsMerge(now) {
		return false, nil
	}
	return true, m.Merge(now)
}

// Merge folds every held snapshot into the accumulator, in ascending worker order and then
// sequence order. Snapshots which fail to merge are dropped; their MergeErrors are returned
// together, and never prevent the remaining snapshots from merging.
func (m *Merger) Merge(now time.Time) error {
	workers := make([]int, 0, len(m.held))
	for w := range m.held {
		workers = append(workers, w)
	}
	sort.Ints(workers)
	var merr *multierror.Error
	for _, w := range workers {
		hs := m.held[w]
		// decodes may complete out of order
		sort.SliceStable(hs, func(i, j int) bool { return hs[i].seq < hs[j].seq })
		for _, h := range hs {
			if err := iutil.SafeMerge(m.acc, h.doc); err != nil {
				m.dropped++
				merr = multierror.Append(merr, errors.MergeError{Worker: w, Seq: h.seq, Err: err})
				continue
			}
			m.merged++
		}
	}
	m.held = make(map[int][]held)
	m.numHeld = 0
	m.lastMerge = now
	m.merges++
	if merr != nil {
		merr.ErrorFormat = iutil.FormatMultiError
	}
	return merr.ErrorOrNil()
}

// FinalMerge unconditionally folds everything still held into the accumulator
func (m *Merger) FinalMerge(now time.Time) error {
	return m.Merge(now)
}

// Accumulator returns the running merged output
func (m *Merger) Accumulator() collect.Document {
	return m.acc
}

// LastMerge returns the time of the most recent merge (or creation)
func (m *Merger) LastMerge() time.Time {
	return m.lastMerge
}

// Merges returns the number of merges performed
func (m *Merger) Merges() int {
	return m.merges
}

// Merged returns the number of snapshots folded into the accumulator
func (m *Merger) Merged() uint64 {
	return m.merged
}

// Dropped returns the number of snapshots which failed to merge
func (m *Merger) Dropped() uint64 {
	return m.dropped
}
