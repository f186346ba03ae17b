package demo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-sif/collect"
	"github.com/go-sif/collect/cluster"
	"github.com/go-sif/collect/logging"
	siftest "github.com/go-sif/collect/testing"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func writeEvents(t *testing.T, n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		if i%10 == 0 {
			fmt.Fprintf(&sb, "{\"id\": %d, \"meta\": {\"source\": \"probe\"}}\n", i)
		} else {
			fmt.Fprintf(&sb, "{\"id\": %d, \"meta\": {\"latency\": %d}}\n", i, i%10)
		}
	}
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.Nil(t, os.WriteFile(path, []byte(sb.String()), 0o644))
	return path
}

func TestShard(t *testing.T) {
	// groups {0,1,2} and {3,4}: workers 1, 2 and 4
	index, total, err := Shard("job", 4, 5, 2)
	require.Nil(t, err)
	require.Equal(t, 2, index)
	require.Equal(t, 3, total)
	_, _, err = Shard("job", 3, 5, 2)
	require.NotNil(t, err)
}

func TestProduceAndReport(t *testing.T) {
	conf := ParserConf{Path: writeEvents(t, 100), Field: "meta.latency", Bins: 10, Lo: 0, Hi: 10}
	opts := &cluster.NodeOptions{
		JobID:         "latency",
		Size:          5,
		NumCollectors: 2,
		Threshold:     1,
		SyncCadence:   7,
		Destination:   filepath.Join(t.TempDir(), "{job}_{group}.out"),
		NewDocument:   NewDocument(conf),
		Logger:        logging.Discard(),
	}
	results, err := siftest.LocalRunJob(context.Background(), opts, Produce(conf, opts.JobID, opts.Size, opts.NumCollectors))
	require.Nil(t, err)
	report, err := NewReport(opts.JobID, results)
	require.Nil(t, err)
	require.Len(t, report.Groups, 2)

	var entries, missing uint64
	var sum float64
	for _, g := range report.Groups {
		entries += g.Entries
		missing += g.Missing
		sum += g.Mean * float64(g.Entries)
		require.FileExists(t, g.Destination)
	}
	require.EqualValues(t, 90, entries)
	require.EqualValues(t, 10, missing)
	require.InDelta(t, 450, sum, 1e-9)

	var buf bytes.Buffer
	require.Nil(t, report.Write(&buf))
	require.Equal(t, "latency", gjson.Get(buf.String(), "jobID").String())
	require.EqualValues(t, 2, gjson.Get(buf.String(), "groups.#").Int())
	require.EqualValues(t, 1, gjson.Get(buf.String(), "groups.1.group").Int())
}

func TestProduceRejectsMalformedLines(t *testing.T) {
	conf := ParserConf{Field: "v"}
	node := &countingNode{}
	err := ProduceFrom(context.Background(), node, strings.NewReader("{\"v\": 1}\n{\"v\": \n"), conf, 0, 1)
	require.NotNil(t, err)
	require.Equal(t, 1, node.updates)
}

// countingNode is a Worker which applies updates to a local Document and never syncs
type countingNode struct {
	cluster.Node
	doc     collect.Document
	updates int
}

func (n *countingNode) Update(fn func(doc collect.Document) error) error {
	if n.doc == nil {
		n.doc = NewDocument(ParserConf{})()
	}
	n.updates++
	return fn(n.doc)
}

func (n *countingNode) Tick(ctx context.Context, records int) (bool, error) {
	return false, nil
}
