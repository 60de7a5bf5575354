package segment

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/shardblob/internal/fs"
	"github.com/hupe1980/shardblob/model"
)

// Durability controls when appended records reach stable storage.
type Durability int

const (
	// DurabilitySync fsyncs every append before it becomes visible.
	DurabilitySync Durability = iota
	// DurabilityAsync relies on the page cache; records are flushed on
	// rotation, Sync and Close.
	DurabilityAsync
)

// DefaultCapacity is the default segment size.
const DefaultCapacity int64 = 64 << 20

var (
	// ErrIOFatal is returned once an append hit an I/O error. The log stays
	// readable but refuses further appends.
	ErrIOFatal = errors.New("log I/O failure, partition is read-only")
	// ErrSegmentNotFound is returned when a location names a segment that is
	// not part of the current table.
	ErrSegmentNotFound = errors.New("segment not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("log closed")
)

// Options configures a Log.
type Options struct {
	Capacity   int64
	Durability Durability
	FileSystem fs.FileSystem
	Logger     *slog.Logger
	// OnSeal is called with every segment sealed by rotation, under the
	// append lock. It must not block.
	OnSeal func(*Segment)
}

// DefaultOptions returns the default log options.
func DefaultOptions() Options {
	return Options{Capacity: DefaultCapacity, Durability: DurabilitySync}
}

// Log is the append-only record log of one partition: a sequence of
// fixed-capacity segments, the last of which is active.
type Log struct {
	dir    string
	opts   Options
	fsys   fs.FileSystem
	logger *slog.Logger

	mu      sync.Mutex // append lock
	active  *Segment
	lastLSN atomic.Uint64
	fatal   atomic.Pointer[error]

	pubMu  sync.Mutex // serializes table publication
	owned  []*Segment
	table  atomic.Pointer[Table]
	closed bool
}

// OpenLog opens or creates the log in dir. The newest segment is recovered:
// a torn tail record is truncated away.
func OpenLog(dir string, opts Options) (*Log, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.FileSystem == nil {
		opts.FileSystem = fs.Default
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	l := &Log{dir: dir, opts: opts, fsys: opts.FileSystem, logger: logger}

	if err := l.fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	refs, err := l.discover()
	if err != nil {
		return nil, err
	}

	for i, ref := range refs {
		state := StateSealed
		last := i == len(refs)-1
		if last && ref.Generation == 0 {
			state = StateActive
		}
		seg, err := Open(l.fsys, l.path(ref), ref, state)
		if err != nil {
			l.closeOwned()
			return nil, fmt.Errorf("open segment %s: %w", ref, err)
		}
		l.owned = append(l.owned, seg)
		if state == StateActive {
			truncated, err := seg.Recover()
			if err != nil {
				l.closeOwned()
				return nil, fmt.Errorf("recover segment %s: %w", ref, err)
			}
			if truncated > 0 {
				l.logger.Warn("truncated torn log tail",
					slog.String("segment", ref.String()),
					slog.Int64("bytes", truncated),
					slog.Int64("offset", seg.Size()))
			}
			l.active = seg
		}
	}

	if l.active == nil {
		next := model.SegmentRef{}
		if n := len(l.owned); n > 0 {
			next = l.owned[n-1].Ref().Next()
		}
		seg, err := Create(l.fsys, l.path(next), next, opts.Capacity, StateActive)
		if err != nil {
			l.closeOwned()
			return nil, err
		}
		_ = fs.SyncDir(l.fsys, dir)
		l.owned = append(l.owned, seg)
		l.active = seg
	}

	l.table.Store(newTable(l.owned))
	return l, nil
}

// discover lists segment files, keeping the newest generation of each
// position. Leftover compaction outputs and superseded generations are
// removed.
func (l *Log) discover() ([]model.SegmentRef, error) {
	entries, err := l.fsys.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}
	newest := make(map[uint32]model.SegmentRef)
	var stale []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".tmp") {
			stale = append(stale, name)
			continue
		}
		ref, ok := ParseFileName(name)
		if !ok {
			continue
		}
		if cur, seen := newest[ref.Position]; seen {
			if cur.Less(ref) {
				stale = append(stale, FileName(cur))
				newest[ref.Position] = ref
			} else {
				stale = append(stale, name)
			}
			continue
		}
		newest[ref.Position] = ref
	}
	for _, name := range stale {
		if err := l.fsys.Remove(filepath.Join(l.dir, name)); err != nil {
			return nil, err
		}
		l.logger.Info("removed stale segment file", slog.String("file", name))
	}

	refs := make([]model.SegmentRef, 0, len(newest))
	for _, ref := range newest {
		refs = append(refs, ref)
	}
	slices.SortFunc(refs, func(a, b model.SegmentRef) int {
		return cmp.Compare(a.Position, b.Position)
	})
	return refs, nil
}

func (l *Log) path(ref model.SegmentRef) string {
	return filepath.Join(l.dir, FileName(ref))
}

// Capacity returns the configured segment capacity.
func (l *Log) Capacity() int64 { return l.opts.Capacity }

// Append assigns the next LSN to rec and writes it to the active segment,
// rotating when the segment is full.
func (l *Log) Append(rec *model.Record) (model.RecordInfo, error) {
	if err := Validate(rec); err != nil {
		return model.RecordInfo{}, err
	}
	if int64(EncodedSize(rec)) > l.opts.Capacity-FileHeaderSize {
		return model.RecordInfo{}, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, EncodedSize(rec))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.Err(); err != nil {
		return model.RecordInfo{}, err
	}
	if l.closed {
		return model.RecordInfo{}, ErrClosed
	}

	rec.LSN = l.lastLSN.Load() + 1
	sync := l.opts.Durability == DurabilitySync

	info, err := l.active.Append(rec, sync)
	if errors.Is(err, ErrSegmentFull) {
		if err := l.rotateLocked(); err != nil {
			return model.RecordInfo{}, l.setFatal(err)
		}
		info, err = l.active.Append(rec, sync)
	}
	if err != nil {
		return model.RecordInfo{}, l.setFatal(err)
	}
	l.lastLSN.Store(rec.LSN)
	return info, nil
}

// Rotate seals the active segment and starts a new one. An empty active
// segment is left as is.
func (l *Log) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.Err(); err != nil {
		return err
	}
	if l.closed {
		return ErrClosed
	}
	if l.active.DataSize() == 0 {
		return nil
	}
	if err := l.rotateLocked(); err != nil {
		return l.setFatal(err)
	}
	return nil
}

func (l *Log) rotateLocked() error {
	old := l.active
	if err := old.Sync(); err != nil {
		return err
	}
	next := old.Ref().Next()
	seg, err := Create(l.fsys, l.path(next), next, l.opts.Capacity, StateActive)
	if err != nil {
		return err
	}
	_ = fs.SyncDir(l.fsys, l.dir)
	if err := old.Transition(StateSealed); err != nil {
		return err
	}

	l.pubMu.Lock()
	l.owned = append(l.owned, seg)
	l.publishLocked()
	l.pubMu.Unlock()

	l.active = seg
	l.logger.Debug("sealed segment",
		slog.String("segment", old.Ref().String()),
		slog.Int64("bytes", old.Size()))
	if l.opts.OnSeal != nil {
		l.opts.OnSeal(old)
	}
	return nil
}

func (l *Log) setFatal(err error) error {
	wrapped := fmt.Errorf("%w: %w", ErrIOFatal, err)
	if l.fatal.CompareAndSwap(nil, &wrapped) {
		l.logger.Error("log append failed, partition is read-only", slog.Any("error", err))
	}
	return *l.fatal.Load()
}

// Err returns the latched I/O failure, if any.
func (l *Log) Err() error {
	if p := l.fatal.Load(); p != nil {
		return *p
	}
	return nil
}

// ReadOnly reports whether appends are refused after an I/O failure.
func (l *Log) ReadOnly() bool { return l.fatal.Load() != nil }

// LastLSN returns the LSN of the newest appended record.
func (l *Log) LastLSN() uint64 { return l.lastLSN.Load() }

// ObserveLSN raises the last LSN to at least lsn. Used while replaying the
// log on open, before the first append.
func (l *Log) ObserveLSN(lsn uint64) {
	for {
		cur := l.lastLSN.Load()
		if lsn <= cur || l.lastLSN.CompareAndSwap(cur, lsn) {
			return
		}
	}
}

// Acquire returns the current table with a reference held. The caller must
// Release it.
func (l *Log) Acquire() *Table {
	for {
		t := l.table.Load()
		if t.tryIncRef() {
			return t
		}
	}
}

// Read returns the record at loc.
func (l *Log) Read(loc model.Location) (model.Record, model.RecordInfo, error) {
	t := l.Acquire()
	defer t.Release()
	seg := t.Lookup(loc.Segment)
	if seg == nil {
		return model.Record{}, model.RecordInfo{}, fmt.Errorf("%w: %s", ErrSegmentNotFound, loc.Segment)
	}
	rec, info, err := seg.ReadRecord(loc.Offset)
	if err != nil {
		return model.Record{}, model.RecordInfo{}, err
	}
	if info.Location.Length != loc.Length {
		return model.Record{}, model.RecordInfo{}, &CorruptError{Segment: loc.Segment, Offset: loc.Offset, Reason: "length mismatch"}
	}
	return rec, info, nil
}

// ReadAt returns raw bytes from a segment.
func (l *Log) ReadAt(ref model.SegmentRef, off int64, length int) ([]byte, error) {
	t := l.Acquire()
	defer t.Release()
	seg := t.Lookup(ref)
	if seg == nil {
		return nil, fmt.Errorf("%w: %s", ErrSegmentNotFound, ref)
	}
	return seg.ReadAt(off, length)
}

// Sync flushes the active segment. A failed flush latches the log
// read-only like a failed append.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	if err := l.active.Sync(); err != nil {
		return l.setFatal(err)
	}
	return nil
}

// NewOutput creates the file a compaction of src writes into. It is not
// part of the log until Commit and Install.
func (l *Log) NewOutput(src *Segment) (*Segment, error) {
	ref := src.Ref().Compacted()
	out, err := Create(l.fsys, l.path(ref)+".tmp", ref, src.Capacity(), StateSealed)
	if err != nil {
		return nil, err
	}
	out.SetSealedAt(src.SealedAt())
	return out, nil
}

// Commit makes a finished compaction output durable under its final name.
func (l *Log) Commit(out *Segment) error {
	out.finish()
	if err := out.Sync(); err != nil {
		return err
	}
	if err := out.rename(l.path(out.Ref())); err != nil {
		return err
	}
	return fs.SyncDir(l.fsys, l.dir)
}

// Discard closes and removes an output that will not be installed.
func (l *Log) Discard(out *Segment) {
	path := out.Path()
	_ = out.close()
	if err := l.fsys.Remove(path); err != nil {
		l.logger.Warn("remove compaction output", slog.String("file", path), slog.Any("error", err))
	}
}

// Install publishes a committed output next to the generation it replaces.
func (l *Log) Install(out *Segment) {
	l.pubMu.Lock()
	defer l.pubMu.Unlock()
	l.owned = append(l.owned, out)
	l.publishLocked()
}

// Retire removes old from the log. Its file is deleted once the last table
// holding it is released.
func (l *Log) Retire(old *Segment) error {
	if err := old.Transition(StateReclaimed); err != nil {
		return err
	}
	l.pubMu.Lock()
	l.owned = slices.DeleteFunc(l.owned, func(s *Segment) bool { return s == old })
	l.publishLocked()
	l.pubMu.Unlock()

	path := old.Path()
	old.SetOnClose(func() {
		if err := l.fsys.Remove(path); err != nil {
			l.logger.Warn("remove reclaimed segment", slog.String("file", path), slog.Any("error", err))
			return
		}
		l.logger.Debug("reclaimed segment", slog.String("segment", old.Ref().String()))
	})
	old.DecRef()
	return nil
}

func (l *Log) publishLocked() {
	prev := l.table.Swap(newTable(l.owned))
	if prev != nil {
		prev.Release()
	}
}

// Close syncs the active segment and drops the log's references. Files
// close once outstanding tables are released.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	err := l.active.Sync()

	l.pubMu.Lock()
	owned := l.owned
	l.owned = nil
	l.publishLocked()
	l.pubMu.Unlock()

	for _, s := range owned {
		s.DecRef()
	}
	return err
}

func (l *Log) closeOwned() {
	for _, s := range l.owned {
		s.DecRef()
	}
	l.owned = nil
}
