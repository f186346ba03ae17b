package merger

import (
	"testing"
	"time"

	"github.com/go-sif/collect/documents"
	"github.com/go-sif/collect/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/require"
)

func count(n uint64) *documents.Count {
	c := documents.Counter().(*documents.Count)
	c.Add(n)
	return c
}

type fixedIntervals struct {
	avg, sigma time.Duration
	n          int
}

func (f fixedIntervals) ContactIntervalStats() (time.Duration, time.Duration, int) {
	return f.avg, f.sigma, f.n
}

func TestNeedsMergeThreshold(t *testing.T) {
	require.True(t, NeedsMerge(3, 5, 0.5, 0, time.Minute))
	require.False(t, NeedsMerge(2, 5, 0.5, 0, time.Minute))
	require.True(t, NeedsMerge(5, 5, 1.0, 0, 0))
	require.False(t, NeedsMerge(4, 5, 1.0, 0, 0))
	// groups without workers never reach a threshold
	require.False(t, NeedsMerge(0, 0, 0.5, 0, 0))
}

func TestNeedsMergeStaleness(t *testing.T) {
	require.True(t, NeedsMerge(1, 5, 0.9, 2*time.Minute, time.Minute))
	require.False(t, NeedsMerge(1, 5, 0.9, time.Minute, time.Minute))
	// a bound of zero disables staleness
	require.False(t, NeedsMerge(1, 5, 0.9, time.Hour, 0))
}

func TestMergerFiresAtThreshold(t *testing.T) {
	start := time.Unix(0, 0)
	m := New(documents.Counter(), 5, Policy{Threshold: 0.5, StalenessBound: time.Hour}, nil, start)
	require.False(t, m.NeedsMerge(start))
	m.Hold(1, 1, count(1))
	m.Hold(1, 2, count(1))
	m.Hold(2, 1, count(1))
	require.Equal(t, 2, m.ContactedSinceMerge())
	merged, err := m.MaybeMerge(start.Add(time.Second))
	require.Nil(t, err)
	require.False(t, merged)
	m.Hold(3, 1, count(1))
	merged, err = m.MaybeMerge(start.Add(2 * time.Second))
	require.Nil(t, err)
	require.True(t, merged)
	require.Equal(t, uint64(4), m.Accumulator().(*documents.Count).GetCount())
	require.Equal(t, 0, m.Pending())
	require.Equal(t, 0, m.ContactedSinceMerge())
	require.Equal(t, start.Add(2*time.Second), m.LastMerge())
	require.Equal(t, 1, m.Merges())
}

func TestMergerFiresWhenStale(t *testing.T) {
	start := time.Unix(0, 0)
	m := New(documents.Counter(), 5, Policy{Threshold: 0.9, StalenessBound: 10 * time.Second}, nil, start)
	m.Hold(1, 1, count(3))
	require.False(t, m.NeedsMerge(start.Add(5*time.Second)))
	merged, err := m.MaybeMerge(start.Add(11 * time.Second))
	require.Nil(t, err)
	require.True(t, merged)
	require.Equal(t, uint64(3), m.Accumulator().(*documents.Count).GetCount())
	// stale, but nothing held
	require.False(t, m.NeedsMerge(start.Add(time.Hour)))
}

func TestAdaptiveStalenessBound(t *testing.T) {
	start := time.Unix(0, 0)
	intervals := &fixedIntervals{}
	m := New(documents.Counter(), 5, Policy{Threshold: 1, StalenessBound: time.Hour, Adaptive: true}, intervals, start)
	require.Equal(t, time.Hour, m.StalenessBound())
	intervals.avg, intervals.sigma, intervals.n = 2*time.Second, time.Second, 3
	require.Equal(t, 4*time.Second, m.StalenessBound())
	m.Hold(1, 1, count(1))
	require.True(t, m.NeedsMerge(start.Add(5*time.Second)))
}

func TestFinalMergeIsUnconditional(t *testing.T) {
	start := time.Unix(0, 0)
	m := New(documents.Counter(), 4, Policy{Threshold: 2, StalenessBound: 0}, nil, start)
	for w := 1; w <= 4; w++ {
		m.Hold(w, 1, count(1))
		m.Hold(w, 2, count(1))
		require.False(t, m.NeedsMerge(start.Add(time.Hour)))
	}
	require.Nil(t, m.FinalMerge(start.Add(time.Hour)))
	require.Equal(t, uint64(8), m.Accumulator().(*documents.Count).GetCount())
	require.Equal(t, uint64(8), m.Merged())
}

func TestMergeErrorsDropOnlyTheOffendingSnapshot(t *testing.T) {
	start := time.Unix(0, 0)
	m := New(documents.Counter(), 3, Policy{Threshold: 1}, nil, start)
	m.Hold(1, 1, count(2))
	m.Hold(2, 1, documents.Adder())
	m.Hold(3, 1, count(5))
	err := m.Merge(start)
	require.NotNil(t, err)
	merr, ok := err.(*multierror.Error)
	require.True(t, ok)
	require.Len(t, merr.Errors, 1)
	mergeErr, ok := merr.Errors[0].(errors.MergeError)
	require.True(t, ok)
	require.Equal(t, 2, mergeErr.Worker)
	require.Equal(t, uint64(1), mergeErr.Seq)
	require.False(t, errors.IsFatal(mergeErr))
	require.Equal(t, uint64(7), m.Accumulator().(*documents.Count).GetCount())
	require.Equal(t, uint64(1), m.Dropped())
	require.Equal(t, 0, m.Pending())
}

func TestMergeOrderIsDeterministic(t *testing.T) {
	start := time.Unix(0, 0)
	for i := 0; i < 10; i++ {
		m := New(documents.Recorder(), 3, Policy{Threshold: 1}, nil, start)
		for _, w := range []int{3, 1, 2} {
			for seq := uint64(1); seq <= 2; seq++ {
				r := documents.Recorder().(*documents.Records)
				r.Append([]byte{byte(w), byte(seq)})
				m.Hold(w, seq, r)
			}
		}
		require.Nil(t, m.Merge(start))
		acc := m.Accumulator().(*documents.Records)
		require.Equal(t, 6, acc.Len())
		require.Equal(t, []byte{1, 1}, acc.Get(0))
		require.Equal(t, []byte{1, 2}, acc.Get(1))
		require.Equal(t, []byte{3, 2}, acc.Get(5))
	}
}
