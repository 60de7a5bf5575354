package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hupe1980/shardblob/internal/index"
	"github.com/hupe1980/shardblob/internal/resource"
	"github.com/hupe1980/shardblob/internal/segment"
	"github.com/hupe1980/shardblob/model"
)

var (
	// ErrCompactionAbortedSafely is returned when a compaction failed before
	// publishing. The source segment is untouched and stays readable.
	ErrCompactionAbortedSafely = errors.New("compaction aborted safely")
	// ErrNotCompactable is returned for segments that are not sealed.
	ErrNotCompactable = errors.New("segment is not compactable")
)

// Counter is a monotonically increasing metric.
type Counter interface {
	Add(float64)
}

type nopCounter struct{}

func (nopCounter) Add(float64) {}

// Checkpointer persists the outcome of a compaction before it is published.
// out is nil when the whole segment was dropped.
type Checkpointer interface {
	Replace(ctx context.Context, old model.SegmentRef, out *segment.Segment, infos []model.RecordInfo) error
}

// Result describes one finished compaction.
type Result struct {
	Source model.SegmentRef
	// Output is the replacement generation. Zero with Dropped set when
	// nothing survived.
	Output         model.SegmentRef
	Removed        bool
	Kept           int
	Dropped        int
	BytesReclaimed int64
	PrunedKeys     int
	Duration       time.Duration
}

// Metrics are the counters a Compactor reports to.
type Metrics struct {
	BytesReclaimed Counter
	Compactions    Counter
	Failures       Counter
}

// Compactor rewrites sealed segments of one partition without the records
// the index no longer needs.
type Compactor struct {
	log     *segment.Log
	ix      *index.Index
	planner *Planner
	policy  Policy
	ckpt    Checkpointer
	rc      *resource.Controller
	metrics Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Compactor.
type Option func(*Compactor)

// WithPolicy sets the candidate selection policy.
func WithPolicy(p Policy) Option { return func(c *Compactor) { c.policy = p } }

// WithCheckpointer sets the checkpointer called before publication.
func WithCheckpointer(ck Checkpointer) Option { return func(c *Compactor) { c.ckpt = ck } }

// WithResourceController sets the shared IO and background limits.
func WithResourceController(rc *resource.Controller) Option {
	return func(c *Compactor) { c.rc = rc }
}

// WithMetrics sets the counters.
func WithMetrics(m Metrics) Option { return func(c *Compactor) { c.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Compactor) { c.logger = l } }

// WithClock sets the clock.
func WithClock(now func() time.Time) Option { return func(c *Compactor) { c.now = now } }

// NewCompactor creates a compactor. planner decides what survives.
func NewCompactor(log *segment.Log, ix *index.Index, planner *Planner, optFns ...Option) *Compactor {
	c := &Compactor{
		log:     log,
		ix:      ix,
		planner: planner,
		policy:  DefaultReclaimPolicy(),
		now:     time.Now,
	}
	for _, fn := range optFns {
		fn(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if c.metrics.BytesReclaimed == nil {
		c.metrics.BytesReclaimed = nopCounter{}
	}
	if c.metrics.Compactions == nil {
		c.metrics.Compactions = nopCounter{}
	}
	if c.metrics.Failures == nil {
		c.metrics.Failures = nopCounter{}
	}
	return c
}

// Stats returns per-segment statistics of the newest generations.
func (c *Compactor) Stats() []SegmentStats {
	usage := c.ix.Usage()
	t := c.log.Acquire()
	defer t.Release()

	active := t.Active()
	segs := t.From(0)
	out := make([]SegmentStats, 0, len(segs))
	for _, s := range segs {
		out = append(out, SegmentStats{
			Ref:       s.Ref(),
			Active:    s == active || s.State() == segment.StateActive,
			DataSize:  s.DataSize(),
			LiveBytes: usage[s.Ref()].LiveBytes,
			SealedAt:  s.SealedAt(),
		})
	}
	return out
}

// SelectCandidates returns the sealed segments the policy wants compacted.
// The active segment is never returned.
func (c *Compactor) SelectCandidates() []model.SegmentRef {
	return c.policy.Select(c.Stats(), c.now())
}

// CompactCandidates compacts every selected candidate in order. Failures are
// logged and skipped; ctx is checked between segments.
func (c *Compactor) CompactCandidates(ctx context.Context) ([]Result, error) {
	var results []Result
	for _, ref := range c.SelectCandidates() {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := c.Compact(ctx, ref)
		if err != nil {
			c.logger.Warn("compaction failed",
				slog.String("segment", ref.String()),
				slog.Any("error", err))
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// Compact rewrites segment ref. ctx is honoured only before copying starts;
// once started, the copy runs to completion.
func (c *Compactor) Compact(ctx context.Context, ref model.SegmentRef) (res Result, err error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	start := c.now()

	t := c.log.Acquire()
	src := t.Lookup(ref)
	if src == nil {
		t.Release()
		return Result{}, fmt.Errorf("%w: %s", segment.ErrSegmentNotFound, ref)
	}
	if src != t.Latest(ref.Position) {
		t.Release()
		return Result{}, fmt.Errorf("%w: %s already superseded", ErrNotCompactable, ref)
	}
	// Pin src for the duration, independently of the table.
	src.IncRef()
	t.Release()
	defer src.DecRef()

	if err := src.Transition(segment.StateCompactionCandidate); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrNotCompactable, err)
	}

	published := false
	defer func() {
		if published {
			return
		}
		if terr := src.Transition(segment.StateSealed); terr != nil {
			c.logger.Error("restore segment state", slog.String("segment", ref.String()), slog.Any("error", terr))
		}
		if err != nil {
			c.metrics.Failures.Add(1)
			if !errors.Is(err, ErrCompactionAbortedSafely) {
				err = fmt.Errorf("%w: %w", ErrCompactionAbortedSafely, err)
			}
		}
	}()

	plan, err := c.planner.Plan(src)
	if err != nil {
		return Result{}, err
	}
	res = Result{Source: ref, Kept: int(plan.Keep.GetCardinality()), Dropped: len(plan.Dropped)}

	if len(plan.Dropped) == 0 {
		// Nothing to reclaim.
		return res, nil
	}

	var out *segment.Segment
	var moved []model.RecordInfo
	if !plan.Empty() {
		out, moved, err = c.copy(context.WithoutCancel(ctx), src, plan)
		if err != nil {
			return Result{}, err
		}
		res.Output = out.Ref()
	} else {
		res.Removed = true
	}

	if c.ckpt != nil {
		if err := c.ckpt.Replace(ctx, ref, out, moved); err != nil {
			if out != nil {
				c.log.Discard(out)
			}
			return Result{}, err
		}
	}

	// Publish: readers switch to the new generation, then index versions
	// follow, then the old generation leaves the table.
	published = true
	if out != nil {
		c.log.Install(out)
		c.ix.Relocate(moved)
	}
	res.PrunedKeys = c.ix.Prune(ref, plan.Dropped)
	if err := c.log.Retire(src); err != nil {
		c.logger.Error("retire compacted segment", slog.String("segment", ref.String()), slog.Any("error", err))
	}

	res.BytesReclaimed = src.Size()
	if out != nil {
		res.BytesReclaimed -= out.Size()
	}
	res.Duration = c.now().Sub(start)
	c.metrics.BytesReclaimed.Add(float64(res.BytesReclaimed))
	c.metrics.Compactions.Add(1)

	c.logger.Info("compacted segment",
		slog.String("segment", ref.String()),
		slog.String("output", res.Output.String()),
		slog.Bool("removed", res.Removed),
		slog.Int("kept", res.Kept),
		slog.Int("dropped", res.Dropped),
		slog.Int64("bytes_reclaimed", res.BytesReclaimed),
		slog.Duration("duration", res.Duration))
	return res, nil
}

// copy writes the kept records of src into a new generation, verifies it
// and commits it under its final name.
func (c *Compactor) copy(ctx context.Context, src *segment.Segment, plan *Plan) (*segment.Segment, []model.RecordInfo, error) {
	out, err := c.log.NewOutput(src)
	if err != nil {
		return nil, nil, err
	}

	moved := make([]model.RecordInfo, 0, plan.Keep.GetCardinality())
	ordinal := uint32(0)
	err = src.Scan(segment.FileHeaderSize, func(rec model.Record, info model.RecordInfo) error {
		i := ordinal
		ordinal++
		if !plan.Keep.Contains(i) {
			return nil
		}
		if err := c.rc.AcquireIO(ctx, int(info.Location.Length)); err != nil {
			return err
		}
		newInfo, err := out.Append(&rec, false)
		if err != nil {
			return err
		}
		if newInfo.Checksum != info.Checksum {
			return fmt.Errorf("record %d of %s re-encoded with a different checksum", info.LSN, src.Ref())
		}
		moved = append(moved, newInfo)
		return nil
	})
	// Verify before the output takes its final name.
	if err == nil {
		err = verify(out, moved)
	}
	if err == nil {
		err = c.log.Commit(out)
	}
	if err != nil {
		c.log.Discard(out)
		return nil, nil, err
	}
	return out, moved, nil
}

// verify re-reads out and checks it holds exactly the expected records.
func verify(out *segment.Segment, want []model.RecordInfo) error {
	i := 0
	err := out.Scan(segment.FileHeaderSize, func(_ model.Record, info model.RecordInfo) error {
		if i >= len(want) || info.LSN != want[i].LSN || info.Checksum != want[i].Checksum || info.Location != want[i].Location {
			return fmt.Errorf("verify %s: unexpected record at offset %d", out.Ref(), info.Location.Offset)
		}
		i++
		return nil
	})
	if err != nil {
		return err
	}
	if i != len(want) {
		return fmt.Errorf("verify %s: %d records, want %d", out.Ref(), i, len(want))
	}
	return nil
}

// Run compacts candidates every interval and whenever trigger fires, until
// ctx is done. Each round holds one background slot of the controller; a
// tick that finds every slot busy is skipped.
func (c *Compactor) Run(ctx context.Context, interval time.Duration, trigger <-chan struct{}) {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			// Periodic rounds yield to partitions already compacting.
			if !c.rc.TryAcquireBackground() {
				continue
			}
		case <-trigger:
			if err := c.rc.AcquireBackground(ctx); err != nil {
				return
			}
		}
		_, _ = c.CompactCandidates(ctx)
		c.rc.ReleaseBackground()
	}
}
