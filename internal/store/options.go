package store

import (
	"log/slog"
	"time"

	"github.com/hupe1980/shardblob/blobstore"
	"github.com/hupe1980/shardblob/internal/compaction"
	"github.com/hupe1980/shardblob/internal/fs"
	"github.com/hupe1980/shardblob/internal/index"
	"github.com/hupe1980/shardblob/internal/resource"
	"github.com/hupe1980/shardblob/internal/segment"
	"github.com/hupe1980/shardblob/metrics"
)

const (
	// DefaultCompactionInterval is how often the background loop looks for
	// compaction candidates.
	DefaultCompactionInterval = time.Minute
	// DefaultMaxRecords bounds one Advance when the caller passes 0.
	DefaultMaxRecords = 1000
	// DefaultKeepManifests is the number of manifest versions retained.
	DefaultKeepManifests = 2
	// DefaultSyncInterval is how often asynchronous appends are flushed.
	DefaultSyncInterval = time.Second
)

type options struct {
	capacity           int64
	durability         segment.Durability
	fsys               fs.FileSystem
	logger             *slog.Logger
	checkpoints        blobstore.BlobStore
	codec              index.Codec
	journalSize        int
	rc                 *resource.Controller
	policy             compaction.Policy
	compactionInterval time.Duration
	tombstoneRetention time.Duration
	expiryGrace        time.Duration
	metrics            *metrics.Registry
	now                func() time.Time
	keepManifests      int
	syncInterval       time.Duration
	background         bool
}

func defaultOptions() options {
	return options{
		capacity:           segment.DefaultCapacity,
		durability:         segment.DurabilitySync,
		codec:              index.CodecZSTD,
		journalSize:        index.DefaultJournalSize,
		policy:             compaction.DefaultReclaimPolicy(),
		compactionInterval: DefaultCompactionInterval,
		expiryGrace:        time.Minute,
		now:                time.Now,
		keepManifests:      DefaultKeepManifests,
		syncInterval:       DefaultSyncInterval,
		background:         true,
	}
}

// Option configures a Store.
type Option func(*options)

// WithSegmentCapacity sets the size of log segments.
func WithSegmentCapacity(bytes int64) Option {
	return func(o *options) { o.capacity = bytes }
}

// WithDurability sets when appends reach stable storage.
func WithDurability(d segment.Durability) Option {
	return func(o *options) { o.durability = d }
}

// WithFileSystem sets the filesystem of the segment files.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) { o.fsys = fsys }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCheckpointStore sets where manifests and index snapshots are kept.
// Defaults to the data directory.
func WithCheckpointStore(st blobstore.BlobStore) Option {
	return func(o *options) { o.checkpoints = st }
}

// WithSnapshotCodec sets the compression of index snapshots.
func WithSnapshotCodec(c index.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithJournalSize sets how many recent inserts the journal retains.
func WithJournalSize(n int) Option {
	return func(o *options) { o.journalSize = n }
}

// WithResourceController shares background slots and IO budget between
// partitions.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) { o.rc = rc }
}

// WithCompactionPolicy sets the candidate selection policy.
func WithCompactionPolicy(p compaction.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithCompactionInterval sets the background compaction period.
// 0 disables periodic compaction.
func WithCompactionInterval(d time.Duration) Option {
	return func(o *options) { o.compactionInterval = d }
}

// WithTombstoneRetention sets the minimum age before compaction may drop a
// tombstone. It must cover the longest time a lagging replica may take to
// catch up; 0 retains tombstones forever.
func WithTombstoneRetention(d time.Duration) Option {
	return func(o *options) { o.tombstoneRetention = d }
}

// WithExpiryGrace sets how long expired blobs survive compaction.
func WithExpiryGrace(d time.Duration) Option {
	return func(o *options) { o.expiryGrace = d }
}

// WithMetrics sets the registry counters are reported to.
func WithMetrics(r *metrics.Registry) Option {
	return func(o *options) { o.metrics = r }
}

// WithClock sets the clock used for record timestamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithKeepManifests sets how many manifest versions are retained.
func WithKeepManifests(n int) Option {
	return func(o *options) { o.keepManifests = n }
}

// WithSyncInterval sets how often the background loop flushes appends
// written with DurabilityAsync. 0 leaves flushing to Sync, rotation and
// Close.
func WithSyncInterval(d time.Duration) Option {
	return func(o *options) { o.syncInterval = d }
}

// WithoutBackground disables the checkpoint, compaction and sync loops.
// Callers drive Checkpoint, Compact and Sync themselves.
func WithoutBackground() Option {
	return func(o *options) { o.background = false }
}
