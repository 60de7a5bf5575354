package segment

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/shardblob/internal/fs"
	"github.com/hupe1980/shardblob/model"
)

const (
	fileMagic   = "SBLOGSEG"
	fileVersion = 1

	// FileHeaderSize is the size of the segment file header:
	// [magic:8][version:4][reserved:4][capacity:8].
	FileHeaderSize = 24
)

var (
	// ErrSegmentFull is returned when a record does not fit in the remaining capacity.
	ErrSegmentFull = errors.New("segment full")
	// ErrNotWritable is returned when appending to a segment that is not active.
	ErrNotWritable = errors.New("segment not writable")
	// ErrInvalidHeader is returned for files that are not segments.
	ErrInvalidHeader = errors.New("invalid segment header")
	// ErrIncompatibleVersion is returned for segments written by a newer format.
	ErrIncompatibleVersion = errors.New("incompatible segment version")
)

// Segment is one generation of one position in a partition log.
//
// Appends are single-writer; the Log serializes them. Readers see only the
// committed prefix, published with an atomic store after each write.
type Segment struct {
	ref      model.SegmentRef
	fsys     fs.FileSystem
	file     fs.File
	capacity int64

	mu   sync.Mutex // guards path
	path string

	size     atomic.Int64 // committed bytes, header included
	state    atomic.Uint32
	sealedAt atomic.Int64 // unix nanos; zero while active
	writable atomic.Bool

	refs    atomic.Int64
	onClose atomic.Pointer[func()]
	closed  atomic.Bool

	buf []byte // append scratch, writer only
}

// FileName returns the file name of the segment with the given ref.
func FileName(ref model.SegmentRef) string {
	return fmt.Sprintf("segment_%08d_%04d.log", ref.Position, ref.Generation)
}

// ParseFileName extracts the ref from a segment file name.
func ParseFileName(name string) (model.SegmentRef, bool) {
	rest, ok := strings.CutPrefix(name, "segment_")
	if !ok {
		return model.SegmentRef{}, false
	}
	rest, ok = strings.CutSuffix(rest, ".log")
	if !ok {
		return model.SegmentRef{}, false
	}
	pos, gen, ok := strings.Cut(rest, "_")
	if !ok {
		return model.SegmentRef{}, false
	}
	p, err := strconv.ParseUint(pos, 10, 32)
	if err != nil {
		return model.SegmentRef{}, false
	}
	g, err := strconv.ParseUint(gen, 10, 32)
	if err != nil {
		return model.SegmentRef{}, false
	}
	return model.SegmentRef{Position: uint32(p), Generation: uint32(g)}, true
}

// Create makes a new, empty segment file at path in the given state.
func Create(fsys fs.FileSystem, path string, ref model.SegmentRef, capacity int64, state State) (*Segment, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	if capacity <= FileHeaderSize {
		return nil, fmt.Errorf("segment capacity %d too small", capacity)
	}
	f, err := fsys.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	header := make([]byte, FileHeaderSize)
	copy(header[0:8], fileMagic)
	binary.LittleEndian.PutUint32(header[8:12], fileVersion)
	binary.LittleEndian.PutUint64(header[16:24], uint64(capacity))
	if _, err := f.WriteAt(header, 0); err != nil {
		f.Close()
		_ = fsys.Remove(path)
		return nil, err
	}
	if state == StateActive {
		_ = fs.Preallocate(f, capacity)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = fsys.Remove(path)
		return nil, err
	}

	s := newSegment(fsys, f, path, ref, capacity, state)
	s.size.Store(FileHeaderSize)
	s.writable.Store(true)
	if state != StateActive {
		s.sealedAt.Store(time.Now().UnixNano())
	}
	return s, nil
}

// Open opens an existing segment file. The committed size is the file size;
// call Recover on a segment that may end in a torn write.
func Open(fsys fs.FileSystem, path string, ref model.SegmentRef, state State) (*Segment, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if stat.Size() < FileHeaderSize {
		f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrInvalidHeader, path, stat.Size())
	}

	header := make([]byte, FileHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		f.Close()
		return nil, err
	}
	if string(header[0:8]) != fileMagic {
		f.Close()
		return nil, fmt.Errorf("%w: magic %q", ErrInvalidHeader, header[0:8])
	}
	if v := binary.LittleEndian.Uint32(header[8:12]); v != fileVersion {
		f.Close()
		return nil, fmt.Errorf("%w: %d (expected %d)", ErrIncompatibleVersion, v, fileVersion)
	}
	capacity := int64(binary.LittleEndian.Uint64(header[16:24]))

	s := newSegment(fsys, f, path, ref, capacity, state)
	s.size.Store(stat.Size())
	s.writable.Store(state == StateActive)
	if state != StateActive {
		s.sealedAt.Store(stat.ModTime().UnixNano())
	}
	return s, nil
}

func newSegment(fsys fs.FileSystem, f fs.File, path string, ref model.SegmentRef, capacity int64, state State) *Segment {
	s := &Segment{
		ref:      ref,
		fsys:     fsys,
		file:     f,
		capacity: capacity,
		path:     path,
	}
	s.state.Store(uint32(state))
	s.refs.Store(1)
	return s
}

// Ref returns the segment identity.
func (s *Segment) Ref() model.SegmentRef { return s.ref }

// Path returns the current file path.
func (s *Segment) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Capacity returns the maximum file size, header included.
func (s *Segment) Capacity() int64 { return s.capacity }

// Size returns the committed size, header included.
func (s *Segment) Size() int64 { return s.size.Load() }

// DataSize returns the committed record bytes.
func (s *Segment) DataSize() int64 { return s.size.Load() - FileHeaderSize }

// State returns the lifecycle state.
func (s *Segment) State() State { return State(s.state.Load()) }

// SealedAt returns when the segment stopped accepting appends.
func (s *Segment) SealedAt() time.Time {
	ns := s.sealedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// SetSealedAt overrides the seal time; compaction output inherits the age
// of its source.
func (s *Segment) SetSealedAt(t time.Time) { s.sealedAt.Store(t.UnixNano()) }

// Transition moves the segment to state to.
func (s *Segment) Transition(to State) error {
	for {
		from := State(s.state.Load())
		if !canTransition(from, to) {
			return fmt.Errorf("%w: segment %s %s -> %s", ErrInvalidTransition, s.ref, from, to)
		}
		if s.state.CompareAndSwap(uint32(from), uint32(to)) {
			if to == StateSealed && from == StateActive {
				s.writable.Store(false)
				s.sealedAt.Store(time.Now().UnixNano())
			}
			return nil
		}
	}
}

// Append writes r at the end of the committed data. When sync is set the
// file is fsynced before the record becomes visible.
func (s *Segment) Append(r *model.Record, sync bool) (model.RecordInfo, error) {
	if !s.writable.Load() {
		return model.RecordInfo{}, fmt.Errorf("%w: %s is %s", ErrNotWritable, s.ref, s.State())
	}
	n := EncodedSize(r)
	off := s.size.Load()
	if off+int64(n) > s.capacity {
		return model.RecordInfo{}, ErrSegmentFull
	}

	var crc uint32
	s.buf, crc = Encode(s.buf[:0], r)
	if _, err := s.file.WriteAt(s.buf, off); err != nil {
		return model.RecordInfo{}, err
	}
	if sync {
		if err := s.file.Sync(); err != nil {
			return model.RecordInfo{}, err
		}
	}
	s.size.Store(off + int64(n))

	return r.Info(model.Location{Segment: s.ref, Offset: off, Length: uint32(n)}, crc), nil
}

// ReadAt returns length raw bytes at off. The range must lie inside the
// committed data.
func (s *Segment) ReadAt(off int64, length int) ([]byte, error) {
	if off < FileHeaderSize || off+int64(length) > s.size.Load() {
		return nil, fmt.Errorf("%w: range %d+%d outside segment %s (%d bytes)", io.ErrUnexpectedEOF, off, length, s.ref, s.size.Load())
	}
	buf := make([]byte, length)
	if _, err := s.file.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadRecord reads and verifies the record at off.
func (s *Segment) ReadRecord(off int64) (model.Record, model.RecordInfo, error) {
	size := s.size.Load()
	if off < FileHeaderSize || off+RecordHeaderSize > size {
		return model.Record{}, model.RecordInfo{}, &CorruptError{Segment: s.ref, Offset: off, Reason: "offset outside committed data"}
	}
	header := make([]byte, RecordHeaderSize)
	if _, err := s.file.ReadAt(header, off); err != nil {
		return model.Record{}, model.RecordInfo{}, err
	}
	h := parseHeader(header)
	if reason := h.check(); reason != "" {
		return model.Record{}, model.RecordInfo{}, &CorruptError{Segment: s.ref, Offset: off, Reason: reason}
	}
	n := h.size()
	if off+int64(n) > size {
		return model.Record{}, model.RecordInfo{}, &CorruptError{Segment: s.ref, Offset: off, Reason: "record extends past committed data"}
	}
	buf := make([]byte, n)
	copy(buf, header)
	if _, err := s.file.ReadAt(buf[RecordHeaderSize:], off+RecordHeaderSize); err != nil {
		return model.Record{}, model.RecordInfo{}, err
	}
	rec, crc, err := Decode(buf)
	if err != nil {
		return model.Record{}, model.RecordInfo{}, &CorruptError{Segment: s.ref, Offset: off, Reason: err.Error()}
	}
	return rec, rec.Info(model.Location{Segment: s.ref, Offset: off, Length: uint32(n)}, crc), nil
}

// Scan calls fn for every record from offset from to the committed end, in
// log order. Iteration stops at the first error; a torn or corrupt record is
// reported as a *CorruptError carrying its offset.
func (s *Segment) Scan(from int64, fn func(rec model.Record, info model.RecordInfo) error) error {
	if from < FileHeaderSize {
		from = FileHeaderSize
	}
	end := s.size.Load()
	if from >= end {
		return nil
	}
	br := bufio.NewReaderSize(io.NewSectionReader(s.file, from, end-from), 64<<10)

	header := make([]byte, RecordHeaderSize)
	var buf []byte
	for off := from; off < end; {
		if _, err := io.ReadFull(br, header); err != nil {
			return s.scanError(off, err)
		}
		h := parseHeader(header)
		if reason := h.check(); reason != "" {
			return &CorruptError{Segment: s.ref, Offset: off, Reason: reason}
		}
		n := h.size()
		if cap(buf) < n {
			buf = make([]byte, n)
		}
		buf = buf[:n]
		copy(buf, header)
		if _, err := io.ReadFull(br, buf[RecordHeaderSize:]); err != nil {
			return s.scanError(off, err)
		}
		rec, crc, err := Decode(buf)
		if err != nil {
			return &CorruptError{Segment: s.ref, Offset: off, Reason: err.Error()}
		}
		if rec.Payload != nil {
			rec.Payload = append([]byte(nil), rec.Payload...)
		}
		info := rec.Info(model.Location{Segment: s.ref, Offset: off, Length: uint32(n)}, crc)
		if err := fn(rec, info); err != nil {
			return err
		}
		off += int64(n)
	}
	return nil
}

func (s *Segment) scanError(off int64, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &CorruptError{Segment: s.ref, Offset: off, Reason: ErrRecordIncomplete.Error()}
	}
	return err
}

// Recover scans the committed data and truncates the file at the first
// invalid or incomplete record. It returns the number of bytes discarded.
func (s *Segment) Recover() (int64, error) {
	good := int64(FileHeaderSize)
	err := s.Scan(FileHeaderSize, func(_ model.Record, info model.RecordInfo) error {
		good = info.Location.End()
		return nil
	})
	var ce *CorruptError
	if err != nil && !errors.As(err, &ce) {
		return 0, err
	}
	size := s.size.Load()
	if good == size {
		return 0, nil
	}
	if err := s.file.Truncate(good); err != nil {
		return 0, err
	}
	if err := s.file.Sync(); err != nil {
		return 0, err
	}
	s.size.Store(good)
	return size - good, nil
}

// Sync flushes written data to stable storage.
func (s *Segment) Sync() error {
	return s.file.Sync()
}

// finish closes a compaction output for writes.
func (s *Segment) finish() { s.writable.Store(false) }

// rename moves the backing file; used to publish a compaction output.
func (s *Segment) rename(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fsys.Rename(s.path, path); err != nil {
		return err
	}
	s.path = path
	return nil
}

// IncRef adds a reference.
func (s *Segment) IncRef() { s.refs.Add(1) }

// TryIncRef adds a reference unless the segment is already released.
func (s *Segment) TryIncRef() bool {
	for {
		refs := s.refs.Load()
		if refs <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// DecRef drops a reference. The last one closes the file and runs the
// close callback.
func (s *Segment) DecRef() {
	if s.refs.Add(-1) == 0 {
		_ = s.close()
		if f := s.onClose.Load(); f != nil {
			(*f)()
		}
	}
}

// SetOnClose installs a callback run after the last reference is dropped,
// typically to delete the file.
func (s *Segment) SetOnClose(f func()) {
	s.onClose.Store(&f)
}

func (s *Segment) close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.file.Close()
}
