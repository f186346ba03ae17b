package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-sif/collect"
	"github.com/go-sif/collect/documents"
	"github.com/go-sif/collect/logging"
	"github.com/stretchr/testify/require"
)

func TestSinkStoresOutputPerDestination(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "out.db"), logging.Discard())
	require.Nil(t, err)
	defer s.Close()

	var _ collect.Checkpointer = s
	h := documents.NewHistogram(4, 0, 4)
	h.Fill(1.5)
	require.Nil(t, s.WriteCheckpoint(context.Background(), h, "job_1"))
	cp, err := s.ReadCheckpoint("job_1", documents.Histogrammer(4, 0, 4)())
	require.Nil(t, err)
	require.Equal(t, h.Bins, cp.(*documents.Histogram).Bins)

	h.Fill(2.5)
	require.Nil(t, s.WriteFinal(context.Background(), h, "job_1"))
	c := documents.Counter().(*documents.Count)
	c.Add(9)
	require.Nil(t, s.WriteFinal(context.Background(), c, "job_0"))

	_, err = s.ReadCheckpoint("job_1", documents.Histogrammer(4, 0, 4)())
	require.NotNil(t, err)
	final, err := s.Read("job_1", documents.Histogrammer(4, 0, 4)())
	require.Nil(t, err)
	require.EqualValues(t, 2, final.(*documents.Histogram).Entries)
	count, err := s.Read("job_0", documents.Counter())
	require.Nil(t, err)
	require.EqualValues(t, 9, count.(*documents.Count).GetCount())

	dests, err := s.Destinations()
	require.Nil(t, err)
	require.Equal(t, []string{"job_0", "job_1"}, dests)
}
