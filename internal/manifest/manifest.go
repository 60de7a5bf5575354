package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/shardblob/blobstore"
	"github.com/hupe1980/shardblob/model"
)

const (
	ManifestFileName = "MANIFEST"
	CurrentFileName  = "CURRENT"
	// IndexDir holds the per-segment index snapshots.
	IndexDir = "index"
	// CurrentVersion is the version of the manifest format.
	CurrentVersion = 1
)

// Manifest is a checkpoint of one partition: which sealed segments have an
// index snapshot, and up to which LSN the index is covered by them.
type Manifest struct {
	Version   int
	ID        uint64
	CreatedAt time.Time
	// Incarnation identifies one lifetime of the partition's data. It is
	// created with the partition and survives restarts; a wiped data
	// directory gets a new one.
	Incarnation uuid.UUID
	Partition   uint64
	// ActivePosition is the position of the active segment at save time.
	ActivePosition uint32
	// FlushedLSN is the newest LSN covered by the listed snapshots.
	FlushedLSN uint64
	// LastLSN is the highest LSN the partition has ever assigned. It never
	// decreases, even when compaction drops the records that carried it.
	LastLSN  uint64
	Segments []SegmentInfo
}

// New creates a new empty manifest for a partition.
func New(partition uint64) *Manifest {
	return &Manifest{
		Version:     CurrentVersion,
		CreatedAt:   time.Now(),
		Incarnation: uuid.New(),
		Partition:   partition,
	}
}

// SegmentInfo describes one sealed segment with an index snapshot.
type SegmentInfo struct {
	Position   uint32
	Generation uint32
	Size       int64
	Records    uint32
	// MaxLSN is the newest LSN in the segment.
	MaxLSN    uint64
	IndexPath string
}

// Ref returns the segment identity.
func (s SegmentInfo) Ref() model.SegmentRef {
	return model.SegmentRef{Position: s.Position, Generation: s.Generation}
}

// IndexPath returns the snapshot blob name for a segment.
func IndexPath(ref model.SegmentRef) string {
	return path.Join(IndexDir, fmt.Sprintf("segment_%08d_%04d.idx", ref.Position, ref.Generation))
}

// Lookup returns the entry for position.
func (m *Manifest) Lookup(position uint32) (SegmentInfo, bool) {
	for _, s := range m.Segments {
		if s.Position == position {
			return s, true
		}
	}
	return SegmentInfo{}, false
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.Segments = append([]SegmentInfo(nil), m.Segments...)
	return &c
}

// Store manages the manifest file and atomic updates.
type Store struct {
	store blobstore.BlobStore
	mu    sync.Mutex
}

// NewStore creates a new manifest store.
func NewStore(store blobstore.BlobStore) *Store {
	return &Store{store: store}
}

// Blobs returns the underlying blob store.
func (s *Store) Blobs() blobstore.BlobStore { return s.store }

// Load loads the current manifest.
func (s *Store) Load(ctx context.Context) (*Manifest, error) {
	return s.LoadVersion(ctx, 0)
}

// LoadVersion loads a specific version ID. 0 means latest.
func (s *Store) LoadVersion(ctx context.Context, versionID uint64) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var name string
	if versionID == 0 {
		content, err := blobstore.ReadAll(ctx, s.store, CurrentFileName)
		if err != nil {
			// CURRENT missing means a fresh partition.
			if errors.Is(err, blobstore.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		name = strings.TrimSpace(string(content))
	} else {
		name = fileName(versionID)
	}

	content, err := blobstore.ReadAll(ctx, s.store, name)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest %s: %w", name, err)
	}
	return ReadBinary(bytes.NewReader(content))
}

// ListVersions returns the IDs of all stored manifests, oldest first.
func (s *Store) ListVersions(ctx context.Context) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.store.List(ctx, ManifestFileName+"-")
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, f := range files {
		if id, ok := parseFileName(f); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Save atomically saves a new manifest: the manifest blob first, then the
// CURRENT pointer. m.ID is incremented.
func (s *Store) Save(ctx context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.Version = CurrentVersion
	m.ID++
	m.CreatedAt = time.Now()

	var buf bytes.Buffer
	if err := m.WriteBinary(&buf); err != nil {
		return err
	}

	filename := fileName(m.ID)
	if err := s.store.Put(ctx, filename, buf.Bytes()); err != nil {
		return err
	}
	return s.store.Put(ctx, CurrentFileName, []byte(filename))
}

// DeleteVersion deletes the manifest file for the given version.
func (s *Store) DeleteVersion(ctx context.Context, versionID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Delete(ctx, fileName(versionID))
}

// Prune deletes all manifest versions older than keep.
func (s *Store) Prune(ctx context.Context, keep uint64) (int, error) {
	ids, err := s.ListVersions(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if id >= keep {
			continue
		}
		if err := s.DeleteVersion(ctx, id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func fileName(id uint64) string {
	return fmt.Sprintf("%s-%06d.bin", ManifestFileName, id)
}

func parseFileName(name string) (uint64, bool) {
	rest, ok := strings.CutPrefix(name, ManifestFileName+"-")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, ".bin")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	return id, err == nil
}
