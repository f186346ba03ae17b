package cluster

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-sif/collect"
	"github.com/go-sif/collect/documents"
	"github.com/go-sif/collect/errors"
	"github.com/go-sif/collect/logging"
	"github.com/stretchr/testify/require"
)

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.yaml")
	require.Nil(t, os.WriteFile(path, []byte(`
jobID: events
size: 10
numCollectors: 3
basePort: 9000
collectorHosts: [a, b, c]
threshold: 0.5
stalenessBound: 2m
adaptiveStaleness: true
destination: out/{job}_{group}.bin
compression: zstd
`), 0o644))
	opts, err := LoadOptions(path)
	require.Nil(t, err)
	require.Equal(t, "events", opts.JobID)
	require.Equal(t, 10, opts.Size)
	require.Equal(t, 3, opts.NumCollectors)
	require.Equal(t, 2*time.Minute, opts.StalenessBound)
	require.True(t, opts.AdaptiveStaleness)
	require.Equal(t, "c:9002", opts.collectorConnectionString(2))

	opts.NewDocument = documents.Counter
	clone := CloneNodeOptions(opts)
	clone.CollectorHosts[0] = "z"
	require.Equal(t, "a", opts.CollectorHosts[0])

	require.Nil(t, ensureDefaultNodeOptionsValues(opts))
	require.Equal(t, 2, opts.DecodeWorkers)
	require.Equal(t, time.Minute, opts.StallTimeout)
	require.Equal(t, 1<<30, opts.MaxSnapshotBytes)
	require.Equal(t, "0.0.0.0:9001", opts.connectionString(1))
	require.NotNil(t, opts.Sink)

	_, err = LoadOptions(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NotNil(t, err)
}

func TestApplyEnvironment(t *testing.T) {
	t.Setenv("SIF_RANK", "4")
	t.Setenv("SIF_SIZE", "8")
	opts := &NodeOptions{}
	require.Nil(t, ApplyEnvironment(opts))
	require.Equal(t, 4, opts.Rank)
	require.Equal(t, 8, opts.Size)

	t.Setenv("SIF_RANK", "four")
	require.True(t, errors.IsConfiguration(ApplyEnvironment(opts)))
}

func TestInvalidOptions(t *testing.T) {
	valid := func() *NodeOptions {
		return &NodeOptions{Size: 4, NumCollectors: 2, CollectorHosts: []string{"localhost"}, NewDocument: documents.Counter, Logger: logging.Discard()}
	}
	require.Nil(t, ensureDefaultNodeOptionsValues(valid()))
	for _, mutate := range []func(o *NodeOptions){
		func(o *NodeOptions) { o.Size = 1 },
		func(o *NodeOptions) { o.NumCollectors = 4 },
		func(o *NodeOptions) { o.Rank = 4 },
		func(o *NodeOptions) { o.NewDocument = nil },
		func(o *NodeOptions) { o.CollectorHosts = nil },
		func(o *NodeOptions) { o.CollectorHosts = []string{"a", "b", "c"} },
		func(o *NodeOptions) { o.Threshold = 1.5 },
		func(o *NodeOptions) { o.Compression = "gzip" },
		func(o *NodeOptions) { o.MaxSnapshotBytes = -1 },
	} {
		o := valid()
		mutate(o)
		err := ensureDefaultNodeOptionsValues(o)
		require.True(t, errors.IsConfiguration(err), "%v", err)
	}
}

func TestCreateNodeInRole(t *testing.T) {
	opts := &NodeOptions{Size: 4, NumCollectors: 1, Rank: 0, CollectorHosts: []string{"localhost"}, NewDocument: documents.Counter, Logger: logging.Discard()}
	n, err := CreateNodeInRole(collect.Collector, opts)
	require.Nil(t, err)
	require.True(t, n.IsCollector())
	require.Nil(t, n.Stop())
	_, err = CreateNodeInRole(collect.Worker, opts)
	require.NotNil(t, err)

	opts.Rank = 3
	n, err = CreateNodeInRole(collect.Worker, opts)
	require.Nil(t, err)
	require.False(t, n.IsCollector())
	require.Equal(t, 0, n.Group().Collector)
	require.Nil(t, n.Stop())
}
