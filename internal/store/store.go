package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/shardblob/blobstore"
	"github.com/hupe1980/shardblob/internal/compaction"
	"github.com/hupe1980/shardblob/internal/index"
	"github.com/hupe1980/shardblob/internal/manifest"
	"github.com/hupe1980/shardblob/internal/segment"
	"github.com/hupe1980/shardblob/metrics"
	"github.com/hupe1980/shardblob/model"
)

// readRetries bounds how often a read re-resolves a key whose location was
// moved by a concurrent compaction.
const readRetries = 3

// Blob is a live blob returned by Get.
type Blob struct {
	Key       string
	Payload   []byte
	CreatedAt time.Time
	// ExpiresAt is the effective expiration in unix milliseconds, or
	// model.Never.
	ExpiresAt int64
	LSN       uint64
	Location  model.Location
}

// Store is the storage engine of one partition: an append-only log, the
// key index over it, the journal of recent inserts, and the checkpoint that
// lets a restart skip replaying sealed segments.
type Store struct {
	partition uint64
	dir       string
	opts      options
	logger    *slog.Logger

	log       *segment.Log
	ix        *index.Index
	journal   *index.Journal
	manifests *manifest.Store
	compactor *compaction.Compactor

	// writeMu serializes check-then-append sequences. The log has its own
	// append lock; this one makes the existence check and the append atomic.
	writeMu sync.Mutex

	ckptMu      sync.Mutex // guards manifest
	manifest    *manifest.Manifest
	incarnation uuid.UUID

	appended counter
	sealed   chan struct{}
	trigger  chan struct{}

	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type counter interface{ Inc() }

// Open opens or creates the partition stored in dir.
func Open(dir string, partition uint64, optFns ...Option) (*Store, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	logger := opts.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With(slog.Uint64("partition", partition))
	if opts.checkpoints == nil {
		var localOpts []blobstore.LocalOption
		if opts.fsys != nil {
			localOpts = append(localOpts, blobstore.WithFileSystem(opts.fsys))
		}
		opts.checkpoints = blobstore.NewLocalStore(dir, localOpts...)
	}

	s := &Store{
		partition: partition,
		dir:       dir,
		opts:      opts,
		logger:    logger,
		ix:        index.New(opts.now),
		journal:   index.NewJournal(opts.journalSize),
		manifests: manifest.NewStore(opts.checkpoints),
		appended:  opts.metrics.Counter(metrics.RecordsAppended, ""),
		sealed:    make(chan struct{}, 1),
		trigger:   make(chan struct{}, 1),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	log, err := segment.OpenLog(dir, segment.Options{
		Capacity:   opts.capacity,
		Durability: opts.durability,
		FileSystem: opts.fsys,
		Logger:     logger,
		OnSeal:     func(*segment.Segment) { notify(s.sealed) },
	})
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	s.log = log

	start := time.Now()
	if err := s.recover(context.Background()); err != nil {
		_ = log.Close()
		return nil, err
	}
	logger.Info("partition opened",
		slog.String("incarnation", s.incarnation.String()),
		slog.Int("keys", s.ix.Keys()),
		slog.Uint64("last_lsn", s.log.LastLSN()),
		slog.Duration("duration", time.Since(start)))

	planner := compaction.NewPlanner(s.ix, opts.now)
	planner.TombstoneRetention = opts.tombstoneRetention
	planner.ExpiryGrace = opts.expiryGrace
	s.compactor = compaction.NewCompactor(log, s.ix, planner,
		compaction.WithPolicy(opts.policy),
		compaction.WithCheckpointer(s),
		compaction.WithResourceController(opts.rc),
		compaction.WithLogger(logger),
		compaction.WithClock(opts.now),
		compaction.WithMetrics(compaction.Metrics{
			BytesReclaimed: opts.metrics.Counter(metrics.CompactionBytesReclaimed, ""),
			Compactions:    opts.metrics.Counter(metrics.Compactions, ""),
			Failures:       opts.metrics.Counter(metrics.CompactionFailures, ""),
		}))

	if opts.background {
		s.wg.Add(2)
		go s.runCheckpointLoop()
		go func() {
			defer s.wg.Done()
			s.compactor.Run(s.ctx, opts.compactionInterval, s.trigger)
		}()
		if opts.durability == segment.DurabilityAsync && opts.syncInterval > 0 {
			s.wg.Add(1)
			go s.runSyncLoop()
		}
	}
	return s, nil
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// recover loads the manifest, restores the index from the snapshots it
// lists and replays every segment without a usable snapshot.
func (s *Store) recover(ctx context.Context) error {
	m, err := s.manifests.Load(ctx)
	switch {
	case errors.Is(err, manifest.ErrNotFound):
		m = manifest.New(s.partition)
	case err != nil:
		return fmt.Errorf("load manifest: %w", err)
	case m.Partition != s.partition:
		return fmt.Errorf("%w: have %d, want %d", ErrPartitionMismatch, m.Partition, s.partition)
	}

	t := s.log.Acquire()
	defer t.Release()
	segs := t.From(0)

	// A manifest listing segments the log no longer has describes data that
	// is gone. Peers holding tokens of the old incarnation must start over.
	for _, info := range m.Segments {
		if seg := t.Latest(info.Position); seg == nil || seg.Ref().Less(info.Ref()) ||
			(seg.Ref() == info.Ref() && seg.Size() < info.Size) {
			s.logger.Warn("checkpoint references missing segments, starting a new incarnation",
				slog.Uint64("position", uint64(info.Position)))
			m = manifest.New(s.partition)
			break
		}
	}

	fresh := m.ID == 0
	var maxLSN uint64
	// tail is the trailing run of replayed records. Only it goes into the
	// journal, which must not have gaps.
	var tail []model.RecordInfo
	for _, seg := range segs {
		info, ok := m.Lookup(seg.Ref().Position)
		if ok && info.Ref() == seg.Ref() && seg.State() != segment.StateActive {
			infos, err := s.loadSnapshot(ctx, info)
			if err == nil {
				s.ix.Load(infos)
				maxLSN = max(maxLSN, info.MaxLSN)
				tail = tail[:0]
				continue
			}
			s.logger.Warn("index snapshot unusable, replaying segment",
				slog.String("segment", seg.Ref().String()),
				slog.Any("error", err))
		}

		var infos []model.RecordInfo
		err := seg.Scan(segment.FileHeaderSize, func(_ model.Record, info model.RecordInfo) error {
			infos = append(infos, info)
			return nil
		})
		if err != nil {
			return fmt.Errorf("replay segment %s: %w", seg.Ref(), err)
		}
		s.ix.Load(infos)
		for _, info := range infos {
			maxLSN = max(maxLSN, info.LSN)
		}
		tail = append(tail, infos...)
		s.logger.Debug("replayed segment",
			slog.String("segment", seg.Ref().String()),
			slog.Int("records", len(infos)))
	}
	for _, info := range tail {
		s.journal.Add(info)
	}
	// Compaction may have dropped the newest records; LSNs are never reused.
	s.log.ObserveLSN(max(maxLSN, m.LastLSN))

	s.manifest = m
	s.incarnation = m.Incarnation
	if fresh {
		// Persist the incarnation before the first token is handed out.
		return s.saveManifestLocked(ctx, m.Clone())
	}
	return nil
}

func (s *Store) loadSnapshot(ctx context.Context, info manifest.SegmentInfo) ([]model.RecordInfo, error) {
	data, err := blobstore.ReadAll(ctx, s.manifests.Blobs(), info.IndexPath)
	if err != nil {
		return nil, err
	}
	infos, err := index.DecodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	if len(infos) != int(info.Records) {
		return nil, fmt.Errorf("%w: %d records, manifest says %d", index.ErrInvalidSnapshot, len(infos), info.Records)
	}
	return infos, nil
}

// Partition returns the partition id.
func (s *Store) Partition() uint64 { return s.partition }

// Incarnation returns the id of this lifetime of the partition's data.
func (s *Store) Incarnation() uuid.UUID { return s.incarnation }

// ReadOnly reports whether an append failure latched the partition
// read-only.
func (s *Store) ReadOnly() bool { return s.log.ReadOnly() }

func (s *Store) checkWritable(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.log.Err()
}

// appendLocked writes rec and makes it visible. The caller holds writeMu.
func (s *Store) appendLocked(rec *model.Record) (model.RecordInfo, error) {
	info, err := s.log.Append(rec)
	if err != nil {
		if errors.Is(err, segment.ErrInvalidKey) || errors.Is(err, segment.ErrRecordTooLarge) {
			return model.RecordInfo{}, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
		return model.RecordInfo{}, err
	}
	// The journal is filled first: a cursor never sees an LSN through the
	// index that the journal does not have yet.
	s.journal.Add(info)
	s.ix.Insert(info)
	s.appended.Inc()
	return info, nil
}

func validExpiry(expiresAt int64) bool {
	return expiresAt == model.Never || expiresAt > 0
}

// Put stores a new blob. Keys are write-once: a key with any record,
// including a tombstone, is rejected with ErrAlreadyExists.
func (s *Store) Put(ctx context.Context, key string, payload []byte, expiresAt int64) (model.Location, error) {
	if !validExpiry(expiresAt) {
		return model.Location{}, fmt.Errorf("%w: expiration %d", ErrInvalidArgument, expiresAt)
	}
	if err := s.checkWritable(ctx); err != nil {
		return model.Location{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	e, err := s.ix.Find(key)
	if err == nil && e.State != model.Absent {
		return model.Location{}, fmt.Errorf("%w: %q", ErrAlreadyExists, key)
	}
	info, err := s.appendLocked(&model.Record{
		Kind:      model.KindPut,
		Key:       key,
		Payload:   payload,
		CreatedAt: s.opts.now().UnixMilli(),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return model.Location{}, err
	}
	return info.Location, nil
}

// Get returns the payload of a live blob.
func (s *Store) Get(ctx context.Context, key string) (Blob, error) {
	if s.closed.Load() {
		return Blob{}, ErrClosed
	}
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Blob{}, err
		}
		e, err := s.resolve(key)
		if err != nil {
			return Blob{}, err
		}
		if e.State != model.Live {
			return Blob{}, &StateError{Key: key, State: e.State}
		}
		rec, err := s.readPut(e)
		if errors.Is(err, segment.ErrSegmentNotFound) && attempt < readRetries {
			continue
		}
		if err != nil {
			return Blob{}, err
		}
		return Blob{
			Key:       key,
			Payload:   rec.Payload,
			CreatedAt: time.UnixMilli(rec.CreatedAt),
			ExpiresAt: e.ExpiresAt,
			LSN:       rec.LSN,
			Location:  e.Put.Location,
		}, nil
	}
}

func (s *Store) resolve(key string) (index.Entry, error) {
	e, err := s.ix.Snapshot().Find(key)
	if errors.Is(err, index.ErrNotFound) {
		return index.Entry{}, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if err != nil {
		return index.Entry{}, err
	}
	if e.State == model.Absent {
		return index.Entry{}, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return e, nil
}

func (s *Store) readPut(e index.Entry) (model.Record, error) {
	rec, _, err := s.log.Read(e.Put.Location)
	if err != nil {
		return model.Record{}, err
	}
	if rec.LSN != e.Put.LSN || rec.Key != e.Key {
		return model.Record{}, &segment.CorruptError{
			Segment: e.Put.Location.Segment,
			Offset:  e.Put.Location.Offset,
			Reason:  "record does not match index",
		}
	}
	return rec, nil
}

// Delete appends a tombstone for key. Deleting an expired blob is allowed;
// deleting a deleted one returns a *StateError.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.checkWritable(ctx); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	e, err := s.resolve(key)
	if err != nil {
		return err
	}
	if e.State == model.Deleted {
		return &StateError{Key: key, State: e.State}
	}
	_, err = s.appendLocked(&model.Record{
		Kind:      model.KindDelete,
		Key:       key,
		CreatedAt: s.opts.now().UnixMilli(),
		ExpiresAt: model.Never,
	})
	return err
}

// UpdateTTL replaces the expiration of a live blob.
func (s *Store) UpdateTTL(ctx context.Context, key string, expiresAt int64) error {
	if !validExpiry(expiresAt) {
		return fmt.Errorf("%w: expiration %d", ErrInvalidArgument, expiresAt)
	}
	if err := s.checkWritable(ctx); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	e, err := s.resolve(key)
	if err != nil {
		return err
	}
	if e.State != model.Live {
		return &StateError{Key: key, State: e.State}
	}
	_, err = s.appendLocked(&model.Record{
		Kind:      model.KindTTLUpdate,
		Key:       key,
		CreatedAt: s.opts.now().UnixMilli(),
		ExpiresAt: expiresAt,
	})
	return err
}

// FetchRecord returns the PUT record key currently resolves to, payload
// included. Peers fetch by key because compaction moves locations. Expired
// blobs are returned; deleted ones are not.
func (s *Store) FetchRecord(ctx context.Context, key string) (model.Record, error) {
	if s.closed.Load() {
		return model.Record{}, ErrClosed
	}
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return model.Record{}, err
		}
		e, err := s.resolve(key)
		if err != nil {
			return model.Record{}, err
		}
		if e.State == model.Deleted {
			return model.Record{}, &StateError{Key: key, State: e.State}
		}
		rec, err := s.readPut(e)
		if errors.Is(err, segment.ErrSegmentNotFound) && attempt < readRetries {
			continue
		}
		return rec, err
	}
}

// Sync flushes appended records to stable storage. Appends written with
// DurabilitySync are already durable.
func (s *Store) Sync() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.log.Sync()
}

// Seal rotates the active segment, making its records eligible for
// checkpointing and compaction.
func (s *Store) Seal() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.log.Rotate()
}

// Compact runs one round of compaction over the policy's candidates.
func (s *Store) Compact(ctx context.Context) ([]compaction.Result, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.compactor.CompactCandidates(ctx)
}

// CompactSegment compacts one sealed segment regardless of policy.
func (s *Store) CompactSegment(ctx context.Context, ref model.SegmentRef) (compaction.Result, error) {
	if s.closed.Load() {
		return compaction.Result{}, ErrClosed
	}
	return s.compactor.Compact(ctx, ref)
}

// TriggerCompaction wakes the background compaction loop.
func (s *Store) TriggerCompaction() { notify(s.trigger) }

// Stats describes the partition.
type Stats struct {
	Partition   uint64
	Incarnation uuid.UUID
	Segments    int
	// DiskBytes is the size of the newest generation of every segment.
	DiskBytes int64
	// LiveBytes estimates the bytes compaction would keep.
	LiveBytes      int64
	Keys           int
	LastLSN        uint64
	JournalRecords int
	ReadOnly       bool
	Checkpoint     uint64
}

func (s *Stats) String() string {
	return fmt.Sprintf("partition=%d segments=%d disk=%d live=%d keys=%d lsn=%d",
		s.Partition, s.Segments, s.DiskBytes, s.LiveBytes, s.Keys, s.LastLSN)
}

// Stats returns a point-in-time description of the partition.
func (s *Store) Stats() Stats {
	st := Stats{
		Partition:      s.partition,
		Incarnation:    s.incarnation,
		Keys:           s.ix.Keys(),
		LastLSN:        s.ix.VisibleLSN(),
		JournalRecords: s.journal.Len(),
		ReadOnly:       s.log.ReadOnly(),
	}
	for _, seg := range s.compactor.Stats() {
		st.Segments++
		st.DiskBytes += seg.DataSize + segment.FileHeaderSize
		st.LiveBytes += seg.LiveBytes
	}
	s.ckptMu.Lock()
	st.Checkpoint = s.manifest.ID
	s.ckptMu.Unlock()
	return st
}

func (s *Store) runCheckpointLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.sealed:
		}
		if err := s.opts.rc.AcquireBackground(s.ctx); err != nil {
			return
		}
		if err := s.Checkpoint(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("checkpoint failed", slog.Any("error", err))
		}
		s.opts.rc.ReleaseBackground()
		// A new checkpoint may leave fresh candidates behind.
		notify(s.trigger)
	}
}

func (s *Store) runSyncLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		if s.log.ReadOnly() {
			return
		}
		if err := s.log.Sync(); err != nil {
			s.logger.Error("sync failed", slog.Any("error", err))
		}
	}
}

// Close stops the background loops, writes a final checkpoint and closes
// the log.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	s.cancel()
	s.wg.Wait()

	var errs []error
	if err := s.checkpoint(context.Background()); err != nil {
		s.logger.Error("final checkpoint failed", slog.Any("error", err))
		errs = append(errs, err)
	}
	if err := s.log.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
