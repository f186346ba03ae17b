// Package registry tracks, for one Collector, which Workers have contacted it and
// which have finished.
package registry

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/go-sif/collect/errors"
)

// Record is the Collector's bookkeeping for a single Worker
type Record struct {
	Worker           int
	Contacted        bool
	FirstContact     time.Time
	LastContact      time.Time
	SincePrevContact time.Duration // gap between the two most recent contacts
	Snapshots        uint64        // number of data snapshots received
	Finished         bool
	FinishedAt       time.Time
}

// Registry maps Workers to their Records. Records are created lazily on first contact,
// and are never deleted. A Registry is safe for concurrent use.
type Registry struct {
	lock      sync.RWMutex
	members   map[int]struct{}
	records   map[int]*Record
	contacted int
	finished  int
	createdAt time.Time
}

// New produces a Registry for the given Worker ranks
func New(workers []int, createdAt time.Time) *Registry {
	members := make(map[int]struct{}, len(workers))
	for _, w := range workers {
		members[w] = struct{}{}
	}
	return &Registry{
		members:   members,
		records:   make(map[int]*Record, len(workers)),
		createdAt: createdAt,
	}
}

// NumWorkers returns the number of Workers this Registry tracks
func (r *Registry) NumWorkers() int {
	return len(r.members)
}

// record returns the Record for a worker, creating it if necessary. Must hold the lock.
func (r *Registry) record(worker int) (*Record, error) {
	if _, ok := r.members[worker]; !ok {
		return nil, errors.ProtocolError{Worker: worker, Reason: "not a worker of this group"}
	}
	rec, ok := r.records[worker]
	if !ok {
		rec = &Record{Worker: worker}
		r.records[worker] = rec
	}
	return rec, nil
}

func (r *Registry) touch(rec *Record, ts time.Time) {
	if !rec.Contacted {
		rec.Contacted = true
		rec.FirstContact = ts
		r.contacted++
	} else {
		rec.SincePrevContact = ts.Sub(rec.LastContact)
	}
	rec.LastContact = ts
}

// RecordContact marks a worker as having contacted the Collector with a data snapshot at ts
func (r *Registry) RecordContact(worker int, ts time.Time) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	rec, err := r.record(worker)
	if err != nil {
		return err
	}
	if rec.Finished {
		// data after the sentinel can't happen on an ordered channel
		return errors.ProtocolError{Worker: worker, Reason: "snapshot received after sentinel"}
	}
	r.touch(rec, ts)
	rec.Snapshots++
	return nil
}

// RecordFinished marks a worker as finished. A second sentinel from the same worker is a
// ProtocolError, and does not change the finished count.
func (r *Registry) RecordFinished(worker int, ts time.Time) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	rec, err := r.record(worker)
	if err != nil {
		return err
	}
	if rec.Finished {
		return errors.ProtocolError{Worker: worker, Reason: "duplicate sentinel"}
	}
	r.touch(rec, ts)
	rec.Finished = true
	rec.FinishedAt = ts
	r.finished++
	return nil
}

// AllFinished returns true iff groupWorkerCount workers have sent their sentinel
func (r *Registry) AllFinished(groupWorkerCount int) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.finished == groupWorkerCount
}

// ContactedCount returns the number of distinct workers which have contacted the Collector
func (r *Registry) ContactedCount() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.contacted
}

// FinishedCount returns the number of workers which have sent their sentinel
func (r *Registry) FinishedCount() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.finished
}

// Get returns a copy of the Record for a worker, if that worker has made contact
func (r *Registry) Get(worker int) (Record, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	rec, ok := r.records[worker]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Unfinished returns the workers which have not sent their sentinel yet, in ascending order
func (r *Registry) Unfinished() []int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	res := make([]int, 0, len(r.members)-r.finished)
	for w := range r.members {
		if rec, ok := r.records[w]; !ok || !rec.Finished {
			res = append(res, w)
		}
	}
	sort.Ints(res)
	return res
}

// Stalled returns the unfinished workers which have been silent for longer than bound
// at time now, in ascending order. Workers which never made contact are measured from
// the creation of this Registry.
func (r *Registry) Stalled(now time.Time, bound time.Duration) []int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	res := make([]int, 0)
	for w := range r.members {
		last := r.createdAt
		if rec, ok := r.records[w]; ok {
			if rec.Finished {
				continue
			}
			last = rec.LastContact
		}
		if now.Sub(last) > bound {
			res = append(res, w)
		}
	}
	sort.Ints(res)
	return res
}

// ContactIntervalStats returns the mean and standard deviation of the most recent
// inter-contact gap of every worker which has contacted the Collector at least twice.
// n is the number of gaps considered.
func (r *Registry) ContactIntervalStats() (avg time.Duration, sigma time.Duration, n int) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	var sum, sum2 float64
	for _, rec := range r.records {
		if rec.SincePrevContact <= 0 {
			continue
		}
		gap := float64(rec.SincePrevContact)
		sum += gap
		sum2 += gap * gap
		n++
	}
	if n == 0 {
		return 0, 0, 0
	}
	mean := sum / float64(n)
	variance := sum2/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return time.Duration(mean), time.Duration(math.Sqrt(variance)), n
}

// String returns a summary of this Registry, for diagnostics
func (r *Registry) String() string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return fmt.Sprintf("%d/%d workers contacted, %d finished", r.contacted, len(r.members), r.finished)
}
