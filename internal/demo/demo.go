// Package demo produces histograms of a numeric field from JSON lines input, and reports
// collection results as JSON. It backs the sifcollect command.
package demo

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/go-sif/collect"
	"github.com/go-sif/collect/cluster"
	"github.com/go-sif/collect/documents"
	"github.com/go-sif/collect/group"
	istats "github.com/go-sif/collect/internal/stats"
	json "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
)

// ParserConf configures how events are read and binned
type ParserConf struct {
	Path          string  // JSONL input, read by every Worker
	Field         string  // gjson path of the value to histogram
	Bins          int     // Defaults to 100
	Lo            float64 // lower edge of the histogram range
	Hi            float64 // upper edge of the histogram range. Defaults to Lo+1
	MaxBufferSize int     // Maximum size in bytes of the buffer used to read lines from the file
}

func (conf *ParserConf) ensureDefaults() {
	if conf.Bins == 0 {
		conf.Bins = 100
	}
	if !(conf.Hi > conf.Lo) {
		conf.Hi = conf.Lo + 1
	}
	if conf.MaxBufferSize == 0 {
		conf.MaxBufferSize = bufio.MaxScanTokenSize
	}
}

// NewDocument returns the factory for the Documents produced by Produce: a Count of events
// lacking the field, composed with a Histogram of the field
func NewDocument(conf ParserConf) collect.DocumentFactory {
	conf.ensureDefaults()
	return documents.Compose(documents.Counter, documents.Histogrammer(conf.Bins, conf.Lo, conf.Hi))
}

// Shard returns the index of a Worker among all Workers of a job, and the number of Workers.
// Zero collectors means one, as for NodeOptions.
func Shard(job string, rank int, size int, collectors int) (index int, total int, err error) {
	if collectors == 0 {
		collectors = 1
	}
	groups, err := group.Split(job, size, collectors)
	if err != nil {
		return 0, 0, err
	}
	index = -1
	for _, g := range groups {
		for _, w := range g.Workers {
			if w == rank {
				index = total
			}
			total++
		}
	}
	if index < 0 {
		return 0, 0, fmt.Errorf("Process %d is not a worker", rank)
	}
	return index, total, nil
}

// Produce returns a function which streams conf.Path into a Worker. Line n goes to the
// Worker with index n modulo the number of Workers.
func Produce(conf ParserConf, job string, size int, collectors int) func(ctx context.Context, node cluster.Node) error {
	conf.ensureDefaults()
	return func(ctx context.Context, node cluster.Node) error {
		index, total, err := Shard(job, node.Process().Rank, size, collectors)
		if err != nil {
			return err
		}
		f, err := os.Open(conf.Path)
		if err != nil {
			return err
		}
		defer f.Close()
		return ProduceFrom(ctx, node, f, conf, index, total)
	}
}

// ProduceFrom reads every total-th line of r, starting at line index
func ProduceFrom(ctx context.Context, node cluster.Node, r io.Reader, conf ParserConf, index int, total int) error {
	conf.ensureDefaults()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), conf.MaxBufferSize)
	for line := 0; scanner.Scan(); line++ {
		if line%total != index {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		event := scanner.Text()
		if !gjson.Valid(event) {
			return fmt.Errorf("Unable to parse line %d:\n\t%s", line+1, event)
		}
		value := gjson.Get(event, conf.Field)
		err := node.Update(func(doc collect.Document) error {
			parts := doc.(*documents.Composed).GetResults()
			if !value.Exists() || value.Type != gjson.Number {
				parts[0].(*documents.Count).Add(1)
				return nil
			}
			parts[1].(*documents.Histogram).Fill(value.Float())
			return nil
		})
		if err != nil {
			return err
		}
		if _, err := node.Tick(ctx, 1); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// GroupReport summarizes the output of one Collector
type GroupReport struct {
	Group       int            `json:"group"`
	Destination string         `json:"destination"`
	Merges      int            `json:"merges"`
	Merged      uint64         `json:"merged"`
	Dropped     uint64         `json:"dropped"`
	Missing     uint64         `json:"missing"`
	Entries     uint64         `json:"entries"`
	Mean        float64        `json:"mean"`
	Stats       istats.Summary `json:"stats"`
}

// Report summarizes a job
type Report struct {
	JobID  string        `json:"jobID"`
	Groups []GroupReport `json:"groups"`
}

// NewReport builds a Report from Collector Results holding Documents made by NewDocument
func NewReport(job string, results []*cluster.Result) (*Report, error) {
	report := &Report{JobID: job, Groups: make([]GroupReport, 0, len(results))}
	for _, res := range results {
		gr := GroupReport{
			Group:       res.Group.ID,
			Destination: res.Destination,
			Merges:      res.Merges,
			Merged:      res.Merged,
			Dropped:     res.Dropped,
			Stats:       res.Stats,
		}
		composed, ok := res.Document.(*documents.Composed)
		if !ok {
			return nil, fmt.Errorf("group %d produced a %T, not a histogram of events", res.Group.ID, res.Document)
		}
		parts := composed.GetResults()
		gr.Missing = parts[0].(*documents.Count).GetCount()
		hist := parts[1].(*documents.Histogram)
		gr.Entries = hist.Entries
		gr.Mean = hist.Mean()
		report.Groups = append(report.Groups, gr)
	}
	return report, nil
}

// Write encodes the report as indented JSON
func (r *Report) Write(w io.Writer) error {
	buf, err := json.ConfigCompatibleWithStandardLibrary.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(buf, '\n'))
	return err
}
