// Package collector implements the Collector side of snapshot collection: the loop which
// fans in Snapshots from a group's Workers, tracks them, merges them and writes the output
package collector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-sif/collect"
	"github.com/go-sif/collect/codec"
	"github.com/go-sif/collect/errors"
	"github.com/go-sif/collect/internal/merger"
	"github.com/go-sif/collect/internal/registry"
	istats "github.com/go-sif/collect/internal/stats"
	iutil "github.com/go-sif/collect/internal/util"
	"github.com/go-sif/collect/stats"
	"github.com/hashicorp/go-multierror"
	"github.com/looplab/fsm"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// States of a Loop
const (
	StateListening  = "listening"
	StateMerging    = "merging"
	StateDraining   = "draining"
	StateFinalizing = "finalizing"
	StateClosed     = "closed"
)

// Events which drive a Loop between States
const (
	EventMerge    = "merge"
	EventListen   = "listen"
	EventDrain    = "drain"
	EventFinalize = "finalize"
	EventClose    = "close"
)

// Config configures a Loop
type Config struct {
	Process           collect.Process
	Group             collect.CollectorGroup
	Receiver          collect.Receiver
	Codec             *codec.Codec
	NewDocument       collect.DocumentFactory
	Sink              collect.Sink
	Destination       string
	Policy            merger.Policy
	CheckpointOnMerge bool          // write a checkpoint after each incremental merge, if Sink is a Checkpointer
	DecodeWorkers     int           // number of concurrent snapshot decodes. <= 1 decodes on the loop goroutine
	LivenessInterval  time.Duration // how often to report stalled workers. <= 0 disables liveness reports
	StallTimeout      time.Duration // silence after which an unfinished worker is reported as stalled
	Metrics           *stats.Metrics
	Logger            logrus.FieldLogger
	Now               func() time.Time
}

// Result describes the final output of a Collector
type Result struct {
	Group       collect.CollectorGroup
	Document    collect.Document
	Destination string
	Merges      int
	Merged      uint64
	Dropped     uint64
	Stats       istats.Summary
}

// Status is a point-in-time view of a running Loop
type Status struct {
	State     string
	Workers   int
	Contacted int
	Finished  int
	Pending   int
	Merges    int
	Stalled   []int
}

type received struct {
	snapshot *collect.Snapshot
	at       time.Time
	err      error
}

type decoded struct {
	worker int
	seq    uint64
	doc    collect.Document
	err    error
	async  bool
}

// Loop is the Collector's main loop. Everything except decoding happens on the goroutine
// which calls Run.
type Loop struct {
	cfg      Config
	logger   logrus.FieldLogger
	label    string
	fsm      *fsm.FSM
	registry *registry.Registry
	merger   *merger.Merger
	stats    *istats.RunStatistics
	sem      *semaphore.Weighted
	inflight int64
	decoded  chan decoded
	ran      int32

	statusLock sync.RWMutex
	pending    int
	merges     int
	stalled    []int
}

// New creates a Loop for a Collector process
func New(cfg Config) (*Loop, error) {
	if !cfg.Process.IsCollector() || cfg.Process.Rank != cfg.Group.Collector {
		return nil, errors.ConfigurationError{Reason: fmt.Sprintf("process %d is not the collector of group %d", cfg.Process.Rank, cfg.Group.ID)}
	}
	if cfg.Receiver == nil || cfg.Codec == nil || cfg.Sink == nil {
		return nil, errors.ConfigurationError{Reason: "collector requires a receiver, a codec and a sink"}
	}
	if cfg.NewDocument == nil {
		return nil, errors.ConfigurationError{Reason: "collector requires a document factory"}
	}
	if cfg.Policy.Threshold <= 0 || cfg.Policy.Threshold > 1 {
		return nil, errors.ConfigurationError{Reason: fmt.Sprintf("merge threshold must be in (0, 1], got %v", cfg.Policy.Threshold)}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		m, err := stats.NewMetrics(nil)
		if err != nil {
			return nil, err
		}
		cfg.Metrics = m
	}
	if cfg.DecodeWorkers < 1 {
		cfg.DecodeWorkers = 1
	}
	now := cfg.Now()
	reg := registry.New(cfg.Group.Workers, now)
	l := &Loop{
		cfg:      cfg,
		logger:   cfg.Logger.WithField("group", cfg.Group.ID).WithField("rank", cfg.Process.Rank),
		label:    stats.GroupLabel(cfg.Group.ID),
		registry: reg,
		merger:   merger.New(cfg.NewDocument(), cfg.Group.NumWorkers(), cfg.Policy, reg, now),
		stats:    &istats.RunStatistics{},
		decoded:  make(chan decoded, cfg.DecodeWorkers),
	}
	if cfg.DecodeWorkers > 1 {
		l.sem = semaphore.NewWeighted(int64(cfg.DecodeWorkers))
	}
	l.fsm = fsm.NewFSM(
		StateListening,
		fsm.Events{
			{Name: EventMerge, Src: []string{StateListening}, Dst: StateMerging},
			{Name: EventListen, Src: []string{StateMerging}, Dst: StateListening},
			{Name: EventDrain, Src: []string{StateListening}, Dst: StateDraining},
			{Name: EventFinalize, Src: []string{StateDraining}, Dst: StateFinalizing},
			{Name: EventClose, Src: []string{StateFinalizing}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				if e.Dst != StateMerging && e.Src != StateMerging {
					l.logger.WithField("action", "transition").Debugf("Collector moved from %s to %s", e.Src, e.Dst)
				}
			},
		},
	)
	return l, nil
}

// State returns the current State of this Loop
func (l *Loop) State() string {
	return l.fsm.Current()
}

// Status returns a point-in-time view of this Loop. It is safe to call concurrently with Run.
func (l *Loop) Status() Status {
	l.statusLock.RLock()
	defer l.statusLock.RUnlock()
	return Status{
		State:     l.fsm.Current(),
		Workers:   l.registry.NumWorkers(),
		Contacted: l.registry.ContactedCount(),
		Finished:  l.registry.FinishedCount(),
		Pending:   l.pending,
		Merges:    l.merges,
		Stalled:   append([]int(nil), l.stalled...),
	}
}

// Run receives, tracks and merges Snapshots until every Worker in the group has finished,
// then writes the merged output to the Sink exactly once. Cancellation of ctx and Receiver
// failures abort the loop without writing any output.
func (l *Loop) Run(ctx context.Context) (*Result, error) {
	if !atomic.CompareAndSwapInt32(&l.ran, 0, 1) {
		return nil, fmt.Errorf("Collector loop for group %d has already run", l.cfg.Group.ID)
	}
	l.stats.Start()
	defer l.stats.Finish()

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	if l.cfg.Group.NumWorkers() == 0 {
		l.logger.WithField("action", "finalize").Warnf("Collector group %d has no workers; its output will be empty", l.cfg.Group.ID)
	} else {
		incoming := make(chan received)
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.pump(runCtx, incoming)
		}()
		if err := l.listen(runCtx, &wg, incoming); err != nil {
			return nil, err
		}
	}
	return l.finalize(runCtx)
}

// pump forwards Snapshots from the Receiver, so that the loop can select on them
func (l *Loop) pump(ctx context.Context, incoming chan<- received) {
	for {
		s, err := l.cfg.Receiver.Recv(ctx)
		select {
		case incoming <- received{snapshot: s, at: l.cfg.Now(), err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (l *Loop) listen(ctx context.Context, wg *sync.WaitGroup, incoming <-chan received) error {
	var liveness <-chan time.Time
	if l.cfg.LivenessInterval > 0 {
		ticker := time.NewTicker(l.cfg.LivenessInterval)
		defer ticker.Stop()
		liveness = ticker.C
	}
	for l.fsm.Current() != StateDraining {
		select {
		case <-ctx.Done():
			return l.cancelled(ctx)
		case r := <-incoming:
			if r.err != nil {
				if ctx.Err() != nil {
					return l.cancelled(ctx)
				}
				if errors.IsTransport(r.err) {
					return r.err
				}
				return errors.TransportError{Op: "receive", Err: r.err}
			}
			if err := l.handle(ctx, wg, r.snapshot, r.at); err != nil {
				return err
			}
		case d := <-l.decoded:
			if err := l.hold(ctx, d); err != nil {
				return err
			}
		case <-liveness:
			if err := l.checkLiveness(ctx); err != nil {
				return err
			}
		}
	}
	// every data snapshot was received before its worker's sentinel, so the snapshots still
	// being decoded are the last ones
	for atomic.LoadInt64(&l.inflight) > 0 {
		select {
		case <-ctx.Done():
			return l.cancelled(ctx)
		case d := <-l.decoded:
			if err := l.hold(ctx, d); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Loop) cancelled(ctx context.Context) error {
	l.logger.WithField("action", "cancel").Warnf("Collector cancelled with %d of %d workers finished; no output written",
		l.registry.FinishedCount(), l.registry.NumWorkers())
	return pkgerrors.Wrapf(ctx.Err(), "collector for group %d did not finish", l.cfg.Group.ID)
}

func (l *Loop) handle(ctx context.Context, wg *sync.WaitGroup, s *collect.Snapshot, at time.Time) error {
	if s.Channel != l.cfg.Group.Channel || s.Group != l.cfg.Group.ID {
		l.protocolError(errors.ProtocolError{Worker: s.Worker, Reason: fmt.Sprintf("snapshot for channel %q (group %d) received by group %d", s.Channel, s.Group, l.cfg.Group.ID)})
		return nil
	}
	if s.IsSentinel() {
		if err := l.registry.RecordFinished(s.Worker, at); err != nil {
			l.protocolError(err)
			return nil
		}
		l.stats.ReceivedSentinel()
		l.cfg.Metrics.SentinelsReceived.WithLabelValues(l.label).Inc()
		l.cfg.Metrics.FinishedWorkers.WithLabelValues(l.label).Set(float64(l.registry.FinishedCount()))
		l.cfg.Metrics.ContactedWorkers.WithLabelValues(l.label).Set(float64(l.registry.ContactedCount()))
		l.logger.WithField("worker", s.Worker).WithField("action", "finish").Debugf("Worker finished (%d of %d)",
			l.registry.FinishedCount(), l.registry.NumWorkers())
		if l.registry.AllFinished(l.cfg.Group.NumWorkers()) {
			return l.fsm.Event(ctx, EventDrain)
		}
		return nil
	}
	if err := l.registry.RecordContact(s.Worker, at); err != nil {
		l.protocolError(err)
		return nil
	}
	l.stats.ReceivedSnapshot(s.Len())
	l.cfg.Metrics.SnapshotsReceived.WithLabelValues(l.label).Inc()
	l.cfg.Metrics.BytesReceived.WithLabelValues(l.label).Add(float64(s.Len()))
	l.cfg.Metrics.ContactedWorkers.WithLabelValues(l.label).Set(float64(l.registry.ContactedCount()))

	if l.sem == nil || !l.sem.TryAcquire(1) {
		// no decode slot free, so decode here
		return l.hold(ctx, l.decode(s))
	}
	atomic.AddInt64(&l.inflight, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.sem.Release(1)
		d := l.decode(s)
		d.async = true
		select {
		case l.decoded <- d:
		case <-ctx.Done():
		}
	}()
	return nil
}

func (l *Loop) decode(s *collect.Snapshot) decoded {
	deserialize := func(buf []byte) (collect.Document, error) {
		return l.cfg.Codec.Deserialize(buf, l.cfg.NewDocument())
	}
	doc, err := iutil.SafeDeserialize(deserialize, s.Payload)
	return decoded{worker: s.Worker, seq: s.Seq, doc: doc, err: err}
}

// hold hands a decoded snapshot to the merger, merging if the policy calls for it
func (l *Loop) hold(ctx context.Context, d decoded) error {
	if d.async {
		atomic.AddInt64(&l.inflight, -1)
	}
	if d.err != nil {
		l.dropped(errors.MergeError{Worker: d.worker, Seq: d.seq, Err: d.err}, 1)
		return nil
	}
	l.merger.Hold(d.worker, d.seq, d.doc)
	l.setPending()
	if l.fsm.Current() != StateListening {
		// draining: everything held is merged by the final merge
		return nil
	}
	return l.maybeMerge(ctx)
}

func (l *Loop) maybeMerge(ctx context.Context) error {
	now := l.cfg.Now()
	if !l.merger.NeedsMerge(now) {
		return nil
	}
	if err := l.fsm.Event(ctx, EventMerge); err != nil {
		return err
	}
	l.merge(ctx, now, false)
	if cp, ok := l.cfg.Sink.(collect.Checkpointer); ok && l.cfg.CheckpointOnMerge {
		if err := cp.WriteCheckpoint(ctx, l.merger.Accumulator(), l.cfg.Destination); err != nil {
			l.logger.WithField("action", "checkpoint").Warnf("Unable to write checkpoint: %v", err)
		}
	}
	return l.fsm.Event(ctx, EventListen)
}

func (l *Loop) merge(ctx context.Context, now time.Time, final bool) {
	n := l.merger.Pending()
	contacted := l.merger.ContactedSinceMerge()
	kind := "incremental"
	if final {
		kind = "final"
	}
	l.stats.StartMerge()
	err := l.merger.Merge(now)
	runtime := l.stats.EndMerge(uint64(n), final)
	l.cfg.Metrics.Merges.WithLabelValues(l.label, kind).Inc()
	l.cfg.Metrics.MergeDuration.WithLabelValues(l.label).Observe(runtime.Seconds())
	if err != nil {
		var dropped uint64 = 1
		if merr, ok := err.(*multierror.Error); ok {
			dropped = uint64(len(merr.Errors))
		}
		l.dropped(err, dropped)
	}
	l.setPending()
	l.logger.WithField("action", "merge").Debugf("Merged %d snapshots from %d workers in %s (%s)", n, contacted, runtime, kind)
}

func (l *Loop) checkLiveness(ctx context.Context) error {
	now := l.cfg.Now()
	stalled := l.registry.Stalled(now, l.cfg.StallTimeout)
	l.statusLock.Lock()
	l.stalled = stalled
	l.statusLock.Unlock()
	l.cfg.Metrics.StalledWorkers.WithLabelValues(l.label).Set(float64(len(stalled)))
	if len(stalled) > 0 {
		l.logger.WithField("action", "liveness").Warnf("Workers %v have not been heard from in %s (%d of %d finished)",
			stalled, l.cfg.StallTimeout, l.registry.FinishedCount(), l.registry.NumWorkers())
	}
	// a quiet group may still owe a staleness merge
	return l.maybeMerge(ctx)
}

func (l *Loop) finalize(ctx context.Context) (*Result, error) {
	if l.fsm.Current() == StateListening {
		// no workers to wait for
		if err := l.fsm.Event(ctx, EventDrain); err != nil {
			return nil, err
		}
	}
	if err := l.fsm.Event(ctx, EventFinalize); err != nil {
		return nil, err
	}
	l.merge(ctx, l.cfg.Now(), true)
	acc := l.merger.Accumulator()
	if err := l.cfg.Sink.WriteFinal(ctx, acc, l.cfg.Destination); err != nil {
		return nil, pkgerrors.Wrapf(err, "unable to write output of group %d to %s", l.cfg.Group.ID, l.cfg.Destination)
	}
	if err := l.fsm.Event(ctx, EventClose); err != nil {
		return nil, err
	}
	l.logger.WithField("action", "finalize").Infof("Wrote output of %d workers to %s after %d merges (%d snapshots merged)",
		l.registry.NumWorkers(), l.cfg.Destination, l.merger.Merges(), l.merger.Merged())
	summary := l.stats.Summarize()
	return &Result{
		Group:       l.cfg.Group,
		Document:    acc,
		Destination: l.cfg.Destination,
		Merges:      l.merger.Merges(),
		Merged:      l.merger.Merged(),
		Dropped:     summary.SnapshotsDropped,
		Stats:       summary,
	}, nil
}

func (l *Loop) protocolError(err error) {
	l.stats.ProtocolError()
	l.cfg.Metrics.ProtocolErrors.WithLabelValues(l.label).Inc()
	l.logger.WithField("action", "receive").Warn(err.Error())
}

func (l *Loop) dropped(err error, n uint64) {
	l.stats.DroppedSnapshots(n)
	l.cfg.Metrics.SnapshotsDropped.WithLabelValues(l.label).Add(float64(n))
	l.logger.WithField("action", "merge").Error(err.Error())
}

func (l *Loop) setPending() {
	l.statusLock.Lock()
	defer l.statusLock.Unlock()
	l.pending = l.merger.Pending()
	l.merges = l.merger.Merges()
	l.cfg.Metrics.PendingSnapshots.WithLabelValues(l.label).Set(float64(l.pending))
}
