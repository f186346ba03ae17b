package cluster

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/go-sif/collect"
	"github.com/go-sif/collect/codec"
	"github.com/go-sif/collect/errors"
	"github.com/go-sif/collect/group"
	"github.com/go-sif/collect/sinks/file"
	"github.com/go-sif/collect/transport/local"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// NodeOptions are options for a Node, configuring its place in a job and how its group
// collects. Every Process in a job must agree on JobID, Size, NumCollectors, BasePort and
// CollectorHosts.
type NodeOptions struct {
	JobID             string        `yaml:"jobID"`             // name of the job, used to derive group channel names
	Rank              int           `yaml:"rank"`              // global rank of this Process, 0..Size-1
	Size              int           `yaml:"size"`              // [REQUIRED] the number of Processes in the job
	NumCollectors     int           `yaml:"numCollectors"`     // the number of CollectorGroups
	Host              string        `yaml:"host"`              // hostname for Collectors to bind to
	BasePort          int           `yaml:"basePort"`          // the Collector of group g listens on BasePort+g
	CollectorHosts    []string      `yaml:"collectorHosts"`    // [REQUIRED without Fabric] hostname of each group's Collector. A single entry applies to every group
	Threshold         float64       `yaml:"threshold"`         // fraction of a group's Workers which must have contacted the Collector to trigger a merge
	StalenessBound    time.Duration `yaml:"stalenessBound"`    // time since the last merge after which held snapshots are merged regardless of Threshold
	AdaptiveStaleness bool          `yaml:"adaptiveStaleness"` // iff true, derive the staleness bound from observed contact intervals
	Destination       string        `yaml:"destination"`       // output pattern, supporting {job}, {group} and {rank}
	CheckpointOnMerge bool          `yaml:"checkpointOnMerge"` // iff true, persist intermediate results after each incremental merge
	SyncCadence       int           `yaml:"syncCadence"`       // records between automatic Worker syncs. 0 leaves syncing to the caller
	DecodeWorkers     int           `yaml:"decodeWorkers"`     // concurrent snapshot decodes per Collector
	ChannelCapacity   int           `yaml:"channelCapacity"`   // snapshots buffered by a Collector before Workers block
	LivenessInterval  time.Duration `yaml:"livenessInterval"`  // how often Collectors report stalled Workers
	StallTimeout      time.Duration `yaml:"stallTimeout"`      // silence after which a Worker is reported as stalled
	RPCTimeout        time.Duration `yaml:"rpcTimeout"`        // timeout for connecting to a Collector, per attempt
	ConnectRetries    int           `yaml:"connectRetries"`    // how many times a Worker should retry connecting to its Collector
	Compression       string        `yaml:"compression"`       // snapshot compression: none, lz4 or zstd
	MaxSnapshotBytes  int           `yaml:"maxSnapshotBytes"`  // largest serialized snapshot a Collector accepts over gRPC
	LogLevel          string        `yaml:"logLevel"`          // used by the CLI to build Logger

	NewDocument collect.DocumentFactory `yaml:"-"` // [REQUIRED] produces the Documents Workers accumulate and Collectors merge
	Sink        collect.Sink            `yaml:"-"` // where Collectors write their output. Defaults to files
	Logger      logrus.FieldLogger      `yaml:"-"`
	Registerer  prometheus.Registerer   `yaml:"-"` // registry for Collector metrics. nil leaves metrics unregistered
	Fabric      *local.Fabric           `yaml:"-"` // if set, Processes communicate in-process instead of over gRPC
}

// CloneNodeOptions makes a copy of a NodeOptions
func CloneNodeOptions(opts *NodeOptions) *NodeOptions {
	clone := *opts
	clone.CollectorHosts = append([]string(nil), opts.CollectorHosts...)
	return &clone
}

// LoadOptions reads NodeOptions from a YAML file
func LoadOptions(path string) (*NodeOptions, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Unable to read options from %s: %v", path, err)
	}
	opts := &NodeOptions{}
	if err := yaml.Unmarshal(buf, opts); err != nil {
		return nil, errors.ConfigurationError{Reason: fmt.Sprintf("unable to parse %s: %v", path, err)}
	}
	return opts, nil
}

// ApplyEnvironment overrides Rank and Size from $SIF_RANK and $SIF_SIZE, if set
func ApplyEnvironment(opts *NodeOptions) error {
	for name, dst := range map[string]*int{"SIF_RANK": &opts.Rank, "SIF_SIZE": &opts.Size} {
		v := os.Getenv(name)
		if len(v) == 0 {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.ConfigurationError{Reason: fmt.Sprintf("$%s=%q is not an integer", name, v)}
		}
		*dst = n
	}
	return nil
}

func ensureDefaultNodeOptionsValues(opts *NodeOptions) error {
	// fail if certain required options are not supplied
	if opts.NumCollectors == 0 {
		opts.NumCollectors = 1
	}
	if err := group.Validate(opts.Size, opts.NumCollectors); err != nil {
		return err
	}
	if opts.Rank < 0 || opts.Rank >= opts.Size {
		return errors.ConfigurationError{Reason: fmt.Sprintf("rank %d is outside of 0..%d", opts.Rank, opts.Size-1)}
	}
	if opts.NewDocument == nil {
		return errors.ConfigurationError{Reason: "NodeOptions.NewDocument must be supplied"}
	}
	if opts.Fabric == nil && len(opts.CollectorHosts) != 1 && len(opts.CollectorHosts) != opts.NumCollectors {
		return errors.ConfigurationError{Reason: fmt.Sprintf("NodeOptions.CollectorHosts must name one host, or one host per group (%d), got %d", opts.NumCollectors, len(opts.CollectorHosts))}
	}
	if opts.Threshold < 0 || opts.Threshold > 1 {
		return errors.ConfigurationError{Reason: fmt.Sprintf("NodeOptions.Threshold must be between 0 and 1, got %v", opts.Threshold)}
	}
	if _, err := codec.ParseCompression(opts.Compression); err != nil {
		return errors.ConfigurationError{Reason: err.Error()}
	}
	if opts.MaxSnapshotBytes < 0 || int64(opts.MaxSnapshotBytes) > math.MaxInt32 {
		return errors.ConfigurationError{Reason: fmt.Sprintf("NodeOptions.MaxSnapshotBytes must be between 0 and %d, got %d", math.MaxInt32, opts.MaxSnapshotBytes)}
	}
	// default certain options if not supplied
	if len(opts.JobID) == 0 {
		opts.JobID = "sif"
	}
	if len(opts.Host) == 0 {
		opts.Host = "0.0.0.0"
	}
	if opts.BasePort == 0 {
		opts.BasePort = 1643
	}
	if opts.Threshold == 0 {
		opts.Threshold = 0.75
	}
	if opts.StalenessBound == 0 {
		opts.StalenessBound = 30 * time.Second
	}
	if len(opts.Destination) == 0 {
		opts.Destination = "{job}.out"
	}
	if opts.DecodeWorkers == 0 {
		opts.DecodeWorkers = 2
	}
	if opts.ChannelCapacity == 0 {
		opts.ChannelCapacity = local.DefaultCapacity
	}
	if opts.LivenessInterval == 0 {
		opts.LivenessInterval = 10 * time.Second
	}
	if opts.StallTimeout == 0 {
		opts.StallTimeout = time.Minute
	}
	if opts.RPCTimeout == 0 {
		opts.RPCTimeout = 5 * time.Second
	}
	if opts.MaxSnapshotBytes == 0 {
		opts.MaxSnapshotBytes = 1 << 30
	}
	if opts.ConnectRetries == 0 {
		opts.ConnectRetries = 5
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Sink == nil {
		opts.Sink = file.New(opts.Logger)
	}
	return nil
}

// connectionString returns the address a group's Collector binds to
func (o *NodeOptions) connectionString(groupID int) string {
	return fmt.Sprintf("%s:%d", o.Host, o.BasePort+groupID)
}

// collectorConnectionString returns the address Workers use to reach a group's Collector
func (o *NodeOptions) collectorConnectionString(groupID int) string {
	host := o.CollectorHosts[0]
	if len(o.CollectorHosts) > 1 {
		host = o.CollectorHosts[groupID]
	}
	return fmt.Sprintf("%s:%d", host, o.BasePort+groupID)
}
