package shardblob

import (
	"log/slog"
	"time"

	"github.com/hupe1980/shardblob/blobstore"
	"github.com/hupe1980/shardblob/clustermap"
	"github.com/hupe1980/shardblob/internal/compaction"
	"github.com/hupe1980/shardblob/internal/index"
	"github.com/hupe1980/shardblob/internal/resource"
	"github.com/hupe1980/shardblob/internal/segment"
	"github.com/hupe1980/shardblob/internal/store"
	"github.com/hupe1980/shardblob/metrics"
)

// Durability controls when a put is acknowledged.
type Durability = segment.Durability

const (
	// DurabilitySync syncs every append before acknowledging it.
	DurabilitySync = segment.DurabilitySync
	// DurabilityAsync acknowledges appends once they are written.
	DurabilityAsync = segment.DurabilityAsync
)

// SnapshotCodec is the compression applied to checkpoint index snapshots.
type SnapshotCodec = index.Codec

const (
	SnapshotCodecNone = index.CodecNone
	SnapshotCodecLZ4  = index.CodecLZ4
	SnapshotCodecZSTD = index.CodecZSTD
)

// DefaultOpenConcurrency bounds how many partitions recover at once.
const DefaultOpenConcurrency = 4

type options struct {
	logger             *Logger
	metrics            *metrics.Registry
	capacity           int64
	durability         Durability
	durabilitySet      bool
	checkpoints        func(clustermap.PartitionID) blobstore.BlobStore
	codec              SnapshotCodec
	codecSet           bool
	journalSize        int
	policy             compaction.Policy
	compactionInterval time.Duration
	tombstoneRetention time.Duration
	expiryGrace        time.Duration
	syncInterval       time.Duration
	syncIntervalSet    bool
	rc                 resource.Config
	openConcurrency    int
	background         bool
	now                func() time.Time
}

func defaultOptions() options {
	return options{
		logger:          NoopLogger(),
		openConcurrency: DefaultOpenConcurrency,
		background:      true,
		rc:              resource.Config{MaxBackgroundWorkers: 1},
	}
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger. Defaults to NoopLogger.
//
// Example:
//
//	db, err := shardblob.Open(ctx, partitions,
//	    shardblob.WithLogger(shardblob.NewJSONLogger(slog.LevelInfo)))
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithLogLevel replaces the logger with a text logger at level.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetrics reports operation and compaction metrics to r.
func WithMetrics(r *metrics.Registry) Option {
	return func(o *options) {
		o.metrics = r
	}
}

// WithSegmentCapacity sets the maximum size of a segment file.
func WithSegmentCapacity(bytes int64) Option {
	return func(o *options) {
		o.capacity = bytes
	}
}

// WithDurability sets when puts are acknowledged. Defaults to DurabilitySync.
func WithDurability(d Durability) Option {
	return func(o *options) {
		o.durability = d
		o.durabilitySet = true
	}
}

// WithSyncInterval sets how often appends written with DurabilityAsync are
// flushed in the background. 0 leaves flushing to Sync, segment rotation and
// Close.
func WithSyncInterval(d time.Duration) Option {
	return func(o *options) {
		o.syncInterval = d
		o.syncIntervalSet = true
	}
}

// WithCheckpointStores chooses where each partition keeps its manifests
// and index snapshots. By default they live in a checkpoint directory
// next to the partition's segments.
func WithCheckpointStores(fn func(clustermap.PartitionID) blobstore.BlobStore) Option {
	return func(o *options) {
		o.checkpoints = fn
	}
}

// WithSnapshotCodec sets the compression of index snapshots.
func WithSnapshotCodec(c SnapshotCodec) Option {
	return func(o *options) {
		o.codec = c
		o.codecSet = true
	}
}

// WithJournalSize sets how many recent records each partition can serve to
// catching-up replicas without scanning segments.
func WithJournalSize(n int) Option {
	return func(o *options) {
		o.journalSize = n
	}
}

// WithCompactionPolicy sets which sealed segments get compacted.
func WithCompactionPolicy(p compaction.Policy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithCompactionInterval sets how often partitions look for compaction
// candidates.
func WithCompactionInterval(d time.Duration) Option {
	return func(o *options) {
		o.compactionInterval = d
	}
}

// WithTombstoneRetention sets how long tombstones survive compaction.
// Zero keeps them forever.
func WithTombstoneRetention(d time.Duration) Option {
	return func(o *options) {
		o.tombstoneRetention = d
	}
}

// WithExpiryGrace sets how long after expiration a record stays on disk.
func WithExpiryGrace(d time.Duration) Option {
	return func(o *options) {
		o.expiryGrace = d
	}
}

// WithBackgroundWorkers bounds concurrent checkpoint and compaction work
// across all partitions.
func WithBackgroundWorkers(n int) Option {
	return func(o *options) {
		o.rc.MaxBackgroundWorkers = int64(n)
	}
}

// WithCompactionIORate limits the bytes per second compaction may read and
// write. Zero is unlimited.
func WithCompactionIORate(bytesPerSec int64) Option {
	return func(o *options) {
		o.rc.IOLimitBytesPerSec = bytesPerSec
	}
}

// WithOpenConcurrency bounds how many partitions Open recovers at once.
func WithOpenConcurrency(n int) Option {
	return func(o *options) {
		o.openConcurrency = n
	}
}

// WithoutBackground disables background checkpoint and compaction loops.
// Compaction then only runs through CompactAll.
func WithoutBackground() Option {
	return func(o *options) {
		o.background = false
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// storeOptions translates o into the options of one partition's store.
func (o *options) storeOptions(id clustermap.PartitionID, rc *resource.Controller) []store.Option {
	opts := []store.Option{
		store.WithLogger(o.logger.Logger),
		store.WithResourceController(rc),
		store.WithMetrics(o.metrics),
	}
	if o.capacity > 0 {
		opts = append(opts, store.WithSegmentCapacity(o.capacity))
	}
	if o.durabilitySet {
		opts = append(opts, store.WithDurability(o.durability))
	}
	if o.checkpoints != nil {
		if bs := o.checkpoints(id); bs != nil {
			opts = append(opts, store.WithCheckpointStore(bs))
		}
	}
	if o.codecSet {
		opts = append(opts, store.WithSnapshotCodec(o.codec))
	}
	if o.journalSize > 0 {
		opts = append(opts, store.WithJournalSize(o.journalSize))
	}
	if o.policy != nil {
		opts = append(opts, store.WithCompactionPolicy(o.policy))
	}
	if o.compactionInterval > 0 {
		opts = append(opts, store.WithCompactionInterval(o.compactionInterval))
	}
	if o.tombstoneRetention > 0 {
		opts = append(opts, store.WithTombstoneRetention(o.tombstoneRetention))
	}
	if o.expiryGrace > 0 {
		opts = append(opts, store.WithExpiryGrace(o.expiryGrace))
	}
	if o.syncIntervalSet {
		opts = append(opts, store.WithSyncInterval(o.syncInterval))
	}
	if o.now != nil {
		opts = append(opts, store.WithClock(o.now))
	}
	if !o.background {
		opts = append(opts, store.WithoutBackground())
	}
	return opts
}
